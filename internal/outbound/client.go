package outbound

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tradedemo/identity-bridge/internal/config"
	"github.com/tradedemo/identity-bridge/internal/tracing"
)

// Client calls the protected downstream API. Every request carries the
// platform request id, a conversation id and an identity token.
type Client struct {
	http      *http.Client
	baseURL   *url.URL
	probePath string
}

// NewClient builds the downstream client. base is the transport used for the
// network calls, typically configured with the trust store, proxy and
// telemetry.
func NewClient(cfg config.DownstreamConfig, tracingHeader string, tokens TokenSource, audience string, base http.RoundTripper) (*Client, error) {
	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid downstream URL: %w", err)
	}

	var transport http.RoundTripper = &BearerTransport{
		Base:                     base,
		Tokens:                   tokens,
		Audience:                 audience,
		InvalidateOnUnauthorized: cfg.InvalidateOnUnauthorized,
	}
	transport = &ConversationTransport{Base: transport, Header: cfg.ConversationHeader}
	transport = tracing.Transport(transport, tracingHeader)

	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		baseURL:   baseURL,
		probePath: cfg.ProbePath,
	}, nil
}

// Do sends req through the authenticated transport. Relative request URLs are
// resolved against the downstream base URL.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if !req.URL.IsAbs() {
		req.URL = c.baseURL.ResolveReference(req.URL)
	}
	return c.http.Do(req)
}

// ProbeResult describes a completed probe of the downstream API.
type ProbeResult struct {
	StatusCode int           `json:"status"`
	Duration   time.Duration `json:"-"`
}

// Probe performs an authenticated GET of the configured probe path and
// reports the downstream status code. Errors wrap the token error when no
// request could be sent.
func (c *Client) Probe(ctx context.Context) (ProbeResult, error) {
	target := c.baseURL.JoinPath(c.probePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("probe request creation failed: %w", err)
	}

	start := time.Now()
	resp, err := c.Do(req)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("downstream probe failed: %w", err)
	}
	defer resp.Body.Close()

	// drain so the connection can be reused; 5MB max
	_, _ = io.CopyN(io.Discard, resp.Body, 5*1024*1024)

	result := ProbeResult{StatusCode: resp.StatusCode, Duration: time.Since(start)}

	log.Ctx(ctx).Debug().
		Str("url.full", target.String()).
		Int("http.response.status_code", result.StatusCode).
		Dur("event.duration", result.Duration).
		Msg("downstream probe completed")

	return result, nil
}
