package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const instrumentationName = "github.com/tradedemo/identity-bridge/internal/identity"

// Issuer requests a signed token for an audience. Retries and transport
// belong to the implementation: each call either returns a token or fails.
type Issuer interface {
	RequestToken(ctx context.Context, audience string, algorithm SigningAlgorithm, duration time.Duration) (string, error)
}

// IssuerFunc adapts a function to the Issuer interface.
type IssuerFunc func(ctx context.Context, audience string, algorithm SigningAlgorithm, duration time.Duration) (string, error)

func (f IssuerFunc) RequestToken(ctx context.Context, audience string, algorithm SigningAlgorithm, duration time.Duration) (string, error) {
	return f(ctx, audience, algorithm, duration)
}

var (
	metricsOnce     sync.Once
	tokenRequests   metric.Int64Counter
	tokenRefreshes  metric.Int64Counter
	refreshDuration metric.Float64Histogram
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter(instrumentationName)

		var err error
		tokenRequests, err = meter.Int64Counter(
			"identity.token.requests",
			metric.WithDescription("Token requests by the path that served them"),
		)
		if err != nil {
			otel.Handle(err)
		}

		tokenRefreshes, err = meter.Int64Counter(
			"identity.token.refreshes",
			metric.WithDescription("Token refresh attempts by outcome"),
		)
		if err != nil {
			otel.Handle(err)
		}

		refreshDuration, err = meter.Float64Histogram(
			"identity.token.refresh.duration",
			metric.WithDescription("Time taken to obtain and validate a token from the issuer"),
			metric.WithUnit("s"),
		)
		if err != nil {
			otel.Handle(err)
		}
	})
}

// Service supplies identity tokens for outbound calls, caching one token per
// audience and refreshing it before it expires. Concurrent callers needing a
// refresh for the same audience share a single issuer call.
type Service struct {
	cfg       Config
	store     *Store
	issuer    Issuer
	validator Validator
	now       func() time.Time
	tracer    trace.Tracer
	flights   singleflight.Group
}

type ServiceOption func(*Service)

// WithValidator replaces the default JWTValidator.
func WithValidator(v Validator) ServiceOption {
	return func(s *Service) {
		s.validator = v
	}
}

// WithClock replaces time.Now when deciding freshness.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// NewService validates cfg and returns a service ready for use. Invalid
// configuration fails here rather than on the first token request.
func NewService(cfg Config, store *Store, issuer Issuer, opts ...ServiceOption) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("%w: token store is required", ErrConfiguration)
	}
	if issuer == nil {
		return nil, fmt.Errorf("%w: token issuer is required", ErrConfiguration)
	}

	initMetrics()

	s := &Service{
		cfg:       cfg,
		store:     store,
		issuer:    issuer,
		validator: NewJWTValidator(cfg.Algorithm),
		now:       time.Now,
		tracer:    otel.Tracer(instrumentationName),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Audience is the configured default audience.
func (s *Service) Audience() string {
	return s.cfg.Audience
}

// Token returns a fresh token for the configured audience.
func (s *Service) Token(ctx context.Context) (string, error) {
	return s.TokenFor(ctx, s.cfg.Audience)
}

// TokenFor returns a token for audience that remains valid for at least the
// refresh buffer. A cached fresh token is returned without blocking; otherwise
// the caller joins (or starts) the audience's refresh. Errors are always
// *TokenUnavailableError.
//
// The refresh is not cancelled when ctx is: it is bounded by the issuer
// timeout and its result is delivered to every caller still waiting. A
// caller whose ctx ends first returns early with the context error.
func (s *Service) TokenFor(ctx context.Context, audience string) (string, error) {
	if audience == "" {
		return "", &TokenUnavailableError{
			Audience: audience,
			Err:      fmt.Errorf("%w: audience must be set", ErrConfiguration),
		}
	}

	if entry, ok := s.cached(ctx, audience); ok && IsFresh(entry, s.now(), s.cfg.RefreshBuffer) {
		s.recordRequest(ctx, "fast")
		return entry.Value(), nil
	}
	s.recordRequest(ctx, "refresh")

	result := s.flights.DoChan(audience, func() (any, error) {
		return s.refresh(context.WithoutCancel(ctx), audience)
	})

	select {
	case r := <-result:
		if r.Err != nil {
			return "", &TokenUnavailableError{Audience: audience, Err: r.Err}
		}
		return r.Val.(TokenEntry).Value(), nil

	case <-ctx.Done():
		return "", &TokenUnavailableError{Audience: audience, Err: ctx.Err()}
	}
}

// Invalidate evicts the audience's cached token so the next request refreshes
// it, even if the evicted token was still fresh. A refresh already in
// progress is not interrupted and will store its result.
func (s *Service) Invalidate(ctx context.Context, audience string) error {
	if err := s.store.Evict(ctx, audience); err != nil {
		return fmt.Errorf("token eviction failed for audience %q: %w", audience, err)
	}

	log.Ctx(ctx).Info().Str("audience", audience).Msg("identity token invalidated")

	return nil
}

// InvalidateToken evicts the audience's cached token only if it is still
// rejected. A report about a token that has already been replaced leaves the
// replacement in place, so late rejections of a superseded token do not cause
// further refreshes. It reports whether the cached token was evicted.
func (s *Service) InvalidateToken(ctx context.Context, audience, rejected string) (bool, error) {
	evicted, err := s.store.EvictIfValue(ctx, audience, rejected)
	if err != nil {
		return false, fmt.Errorf("token eviction failed for audience %q: %w", audience, err)
	}

	logger := log.Ctx(ctx).With().Str("audience", audience).Logger()
	if evicted {
		logger.Info().Msg("rejected identity token invalidated")
	} else {
		logger.Debug().Msg("rejected identity token already replaced")
	}

	return evicted, nil
}

// TokenStatus describes a cache slot without exposing its token.
type TokenStatus struct {
	Audience  string    `json:"audience"`
	Cached    bool      `json:"cached"`
	Fresh     bool      `json:"fresh"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
}

// Status reports the state of the audience's cache slot. It never triggers
// a refresh.
func (s *Service) Status(ctx context.Context, audience string) (TokenStatus, error) {
	entry, found, err := s.store.Get(ctx, audience)
	if err != nil {
		return TokenStatus{}, fmt.Errorf("token lookup failed for audience %q: %w", audience, err)
	}

	status := TokenStatus{Audience: audience, Cached: found}
	if found {
		status.ExpiresAt = entry.ExpiresAt()
		status.Fresh = IsFresh(entry, s.now(), s.cfg.RefreshBuffer)
	}

	return status, nil
}

// cached looks up the current entry, treating a store failure as a miss.
func (s *Service) cached(ctx context.Context, audience string) (TokenEntry, bool) {
	entry, found, err := s.store.Get(ctx, audience)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("audience", audience).Msg("token cache lookup failed, refreshing")
		return TokenEntry{}, false
	}

	return entry, found
}

// refresh runs at most once at a time per audience. It re-checks the cache
// first: a caller that saw a stale entry may arrive just after another
// refresh stored a fresh one.
func (s *Service) refresh(ctx context.Context, audience string) (TokenEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.IssuerTimeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "refresh_identity_token",
		trace.WithAttributes(attribute.String("identity.audience", audience)),
	)
	defer span.End()

	logger := log.Ctx(ctx).With().Str("audience", audience).Logger()

	if entry, ok := s.cached(ctx, audience); ok && IsFresh(entry, s.now(), s.cfg.RefreshBuffer) {
		span.SetStatus(codes.Ok, "token refreshed concurrently")
		return entry, nil
	}

	start := time.Now()
	entry, err := s.issue(ctx, audience)
	s.recordRefresh(ctx, err, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "token refresh failed")
		logRefreshFailure(logger, err)
		return TokenEntry{}, err
	}

	if err := s.store.Put(ctx, audience, entry); err != nil {
		// the token is still valid and is returned to the waiting callers
		logger.Warn().Err(err).Msg("token cache update failed")
	}

	span.SetStatus(codes.Ok, "token refreshed")
	logger.Info().Object("token", entry).Msg("identity token refreshed")

	return entry, nil
}

// issue obtains a token and builds an entry from it. The returned error
// matches ErrIssuerUnavailable or ErrInvalidToken.
func (s *Service) issue(ctx context.Context, audience string) (TokenEntry, error) {
	token, err := s.issuer.RequestToken(ctx, audience, s.cfg.Algorithm, s.cfg.Duration)
	if err != nil {
		if errors.Is(err, ErrIssuerUnavailable) {
			return TokenEntry{}, err
		}
		return TokenEntry{}, fmt.Errorf("%w: %w", ErrIssuerUnavailable, err)
	}

	if token == "" {
		return TokenEntry{}, fmt.Errorf("%w: issuer returned an empty token", ErrInvalidToken)
	}

	expiresAt, err := s.validator.Expiry(token)
	if err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return TokenEntry{}, err
		}
		return TokenEntry{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	entry := NewTokenEntry(token, expiresAt)
	if !IsFresh(entry, s.now(), s.cfg.RefreshBuffer) {
		return TokenEntry{}, fmt.Errorf("%w: token expires at %s, within the %s refresh buffer",
			ErrInvalidToken, expiresAt.Format(time.RFC3339), s.cfg.RefreshBuffer)
	}

	return entry, nil
}

func logRefreshFailure(logger zerolog.Logger, err error) {
	if errors.Is(err, ErrInvalidToken) {
		logger.Error().Err(err).Msg("issuer returned an unusable token")
		return
	}

	logger.Warn().Err(err).Msg("token issuer request failed")
}

func refreshOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	default:
		return "issuer_unavailable"
	}
}

func (s *Service) recordRequest(ctx context.Context, path string) {
	if tokenRequests != nil {
		tokenRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
	}
}

func (s *Service) recordRefresh(ctx context.Context, err error, duration time.Duration) {
	outcome := attribute.String("outcome", refreshOutcome(err))

	if tokenRefreshes != nil {
		tokenRefreshes.Add(ctx, 1, metric.WithAttributes(outcome))
	}
	if refreshDuration != nil {
		refreshDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(outcome))
	}
}
