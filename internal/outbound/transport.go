package outbound

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// TokenSource supplies identity tokens per audience, and accepts reports of
// tokens rejected by the receiving API. InvalidateToken evicts the cached
// token only while it is still the rejected one.
type TokenSource interface {
	TokenFor(ctx context.Context, audience string) (string, error)
	InvalidateToken(ctx context.Context, audience, rejected string) (bool, error)
}

// BearerTransport authenticates outbound requests with an identity token for
// Audience. When no token is available the request is not sent: the token
// error is returned instead, so the downstream API never sees an
// unauthenticated call.
type BearerTransport struct {
	Base     http.RoundTripper
	Tokens   TokenSource
	Audience string

	// InvalidateOnUnauthorized evicts the cached token when the response is
	// a 401 for it, so the next request obtains a new one. A 401 for a token
	// that has already been replaced leaves the replacement cached.
	InvalidateOnUnauthorized bool
}

func (t *BearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	token, err := t.Tokens.TokenFor(ctx, t.Audience)
	if err != nil {
		// a RoundTripper must close the body even when the request fails
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, fmt.Errorf("request to %s not sent: %w", req.URL.Host, err)
	}

	out := req.Clone(ctx)
	out.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.base().RoundTrip(out)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && t.InvalidateOnUnauthorized {
		logger := log.Ctx(ctx).With().Str("audience", t.Audience).Str("url.full", req.URL.String()).Logger()
		logger.Warn().Msg("downstream rejected identity token, invalidating cached token")

		if _, err := t.Tokens.InvalidateToken(ctx, t.Audience, token); err != nil {
			logger.Warn().Err(err).Msg("identity token invalidation failed")
		}
	}

	return resp, nil
}

func (t *BearerTransport) base() http.RoundTripper {
	if t.Base == nil {
		return http.DefaultTransport
	}
	return t.Base
}

// ConversationTransport sets a new random conversation id in Header on every
// request that does not already carry one.
type ConversationTransport struct {
	Base   http.RoundTripper
	Header string
}

func (t *ConversationTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	if t.Header == "" || req.Header.Get(t.Header) != "" {
		return base.RoundTrip(req)
	}

	out := req.Clone(req.Context())
	out.Header.Set(t.Header, uuid.NewString())

	return base.RoundTrip(out)
}
