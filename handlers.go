package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/tradedemo/identity-bridge/internal/audit"
	"github.com/tradedemo/identity-bridge/internal/identity"
	"github.com/tradedemo/identity-bridge/internal/outbound"
)

// HTTPStatuser provides HTTP status information for errors
type HTTPStatuser interface {
	Status() (int, string)
}

// Prober checks the downstream API with an authenticated request.
type Prober interface {
	Probe(ctx context.Context) (outbound.ProbeResult, error)
}

// TokenAdmin exposes the administrative operations of the identity token
// service.
type TokenAdmin interface {
	Audience() string
	Status(ctx context.Context, audience string) (identity.TokenStatus, error)
	Invalidate(ctx context.Context, audience string) error
}

func handleHealthCheck() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

// handleDownstreamProbe calls the downstream API and reports its status. When
// no identity token is available the downstream API is not called.
func handleDownstreamProbe(prober Prober) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		result, err := prober.Probe(r.Context())
		if err != nil {
			if errors.Is(err, identity.ErrTokenUnavailable) {
				status, message := errorStatus(err)
				log.Ctx(r.Context()).Warn().Err(err).Msg("downstream probe not sent")
				writeJSONError(w, status, message)
				return
			}

			log.Ctx(r.Context()).Warn().Err(err).Msg("downstream probe failed")
			writeJSONError(w, http.StatusBadGateway, "downstream request failed")
			return
		}

		writeJSON(w, http.StatusOK, result)
	})
}

func handleIdentityStatus(admin TokenAdmin) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		audience := requestedAudience(r, admin)

		entry := audit.Log(r.Context())
		entry.Action = "identity.status"
		entry.TargetAudience = audience

		status, err := admin.Status(r.Context(), audience)
		if err != nil {
			entry.Error = err.Error()
			log.Ctx(r.Context()).Warn().Err(err).Msg("identity status lookup failed")
			writeJSONError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
			return
		}

		if !status.ExpiresAt.IsZero() {
			entry.ExpirySecs = status.ExpiresAt.Unix()
		}

		writeJSON(w, http.StatusOK, status)
	})
}

func handleIdentityInvalidate(admin TokenAdmin) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		audience := requestedAudience(r, admin)

		entry := audit.Log(r.Context())
		entry.Action = "identity.invalidate"
		entry.TargetAudience = audience

		if err := admin.Invalidate(r.Context(), audience); err != nil {
			entry.Error = err.Error()
			log.Ctx(r.Context()).Warn().Err(err).Msg("identity invalidation failed")
			writeJSONError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
			return
		}

		entry.Invalidated = true
		w.WriteHeader(http.StatusNoContent)
	})
}

// requestedAudience is the audience query parameter, defaulting to the
// service's configured audience.
func requestedAudience(r *http.Request, admin TokenAdmin) string {
	if audience := r.URL.Query().Get("audience"); audience != "" {
		return audience
	}
	return admin.Audience()
}

func maxRequestSize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.MaxBytesHandler(next, limit)
	}
}

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeJSONError writes a JSON error response with the given status code and message.
func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		// At this point the status code has been written, so we can only log
		log.Info().Msgf("failed to write JSON response: %v", err)
	}
}

// errorStatus extracts HTTP status code and message from an error.
// Returns (StatusInternalServerError, StatusText) for errors that don't implement HTTPStatuser.
func errorStatus(err error) (int, string) {
	var statuser HTTPStatuser
	if errors.As(err, &statuser) {
		return statuser.Status()
	}
	return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
}

// drainRequestBody drains the request body by reading and discarding the contents.
// This is useful to ensure the request body is fully consumed, which is important
// for connection reuse in HTTP/1 clients.
func drainRequestBody(r *http.Request) {
	if r.Body != nil {
		// 5MB max: after this we'll assume the client is broken or malicious
		// and close the connection
		_, _ = io.CopyN(io.Discard, r.Body, 5*1024*1024)
	}
}
