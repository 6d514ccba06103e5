// Package tracing carries the platform request id from inbound requests to
// the logs and outbound requests they cause.
package tracing

import (
	"context"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type requestIDKey struct{}

// WithRequestID returns a context carrying id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the request id carried by ctx, if any.
func RequestID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey{}).(string)
	return id, ok && id != ""
}

// Middleware reads the request id from header and stores it in the request
// context, along with a logger carrying the request fields. Each completed
// request is logged with its status code, apart from requests for skipPaths.
func Middleware(header string, skipPaths ...string) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			fields := log.Ctx(ctx).With().
				Str("http.request.method", r.Method).
				Str("url.full", r.URL.String())

			if id := r.Header.Get(header); id != "" {
				ctx = WithRequestID(ctx, id)
				fields = fields.Str("trace.id", id)
			}

			logger := fields.Logger()
			ctx = logger.WithContext(ctx)

			metrics := httpsnoop.CaptureMetrics(next, w, r.WithContext(ctx))

			if skip[r.URL.Path] {
				return
			}

			level := zerolog.InfoLevel
			if metrics.Code >= http.StatusInternalServerError {
				level = zerolog.WarnLevel
			}

			logger.WithLevel(level).
				Int("http.response.status_code", metrics.Code).
				Dur("event.duration", metrics.Duration).
				Int64("http.response.body.bytes", metrics.Written).
				Msg("request completed")
		})
	}
}

type transport struct {
	base   http.RoundTripper
	header string
}

// Transport copies the request id from the request context to header on
// outbound requests. Requests without an id, or that already set the header,
// are sent unchanged.
func Transport(base http.RoundTripper, header string) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}

	return &transport{base: base, header: header}
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	id, ok := RequestID(req.Context())
	if !ok || req.Header.Get(t.header) != "" {
		return t.base.RoundTrip(req)
	}

	out := req.Clone(req.Context())
	out.Header.Set(t.header, id)

	return t.base.RoundTrip(out)
}
