package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tradedemo/identity-bridge/internal/testhelpers"
)

// fakeClock is a settable clock shared between the test and the service.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeIssuer counts calls and delegates each one to respond. Tokens produced
// by issueToken carry their expiry so fakeValidator can read it back.
type fakeIssuer struct {
	calls   atomic.Int32
	respond func(ctx context.Context, audience string, call int) (string, error)
}

func (f *fakeIssuer) RequestToken(ctx context.Context, audience string, algorithm SigningAlgorithm, duration time.Duration) (string, error) {
	call := int(f.calls.Add(1))
	return f.respond(ctx, audience, call)
}

func (f *fakeIssuer) Calls() int {
	return int(f.calls.Load())
}

func issueToken(audience string, call int, expiresAt time.Time) string {
	return fmt.Sprintf("%s-token-%d.%d", audience, call, expiresAt.Unix())
}

// issuing returns a responder that issues tokens valid for lifetime from the
// clock's current time.
func issuing(clock *fakeClock, lifetime time.Duration) func(context.Context, string, int) (string, error) {
	return func(_ context.Context, audience string, call int) (string, error) {
		return issueToken(audience, call, clock.Now().Add(lifetime)), nil
	}
}

type fakeValidator struct{}

func (fakeValidator) Expiry(token string) (time.Time, error) {
	_, unix, found := strings.Cut(token, ".")
	if !found {
		return time.Time{}, errors.New("token has no expiry segment")
	}

	seconds, err := strconv.ParseInt(unix, 10, 64)
	if err != nil {
		return time.Time{}, err
	}

	return time.Unix(seconds, 0).UTC(), nil
}

func newTestService(t *testing.T, cfg Config, clock *fakeClock, issuer Issuer) (*Service, *Store) {
	t.Helper()
	testhelpers.SetupLogger(t)

	store, err := NewMemoryStore(10)
	require.NoError(t, err)

	svc, err := NewService(cfg, store, issuer, WithClock(clock.Now), WithValidator(fakeValidator{}))
	require.NoError(t, err)

	return svc, store
}

func TestNewService_FailsFastOnInvalidConfiguration(t *testing.T) {
	store, err := NewMemoryStore(10)
	require.NoError(t, err)
	issuer := &fakeIssuer{}

	cfg := validConfig()
	cfg.Algorithm = "HS512"

	_, err = NewService(cfg, store, issuer)
	assert.ErrorIs(t, err, ErrConfiguration)

	cfg = validConfig()
	cfg.Duration = -time.Second

	_, err = NewService(cfg, store, issuer)
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewService(validConfig(), nil, issuer)
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = NewService(validConfig(), store, nil)
	assert.ErrorIs(t, err, ErrConfiguration)

	assert.Equal(t, 0, issuer.Calls())
}

func TestServiceToken_FastPathDoesNotCallIssuer(t *testing.T) {
	clock := newFakeClock()
	issuer := &fakeIssuer{respond: issuing(clock, time.Hour)}
	svc, _ := newTestService(t, validConfig(), clock, issuer)
	ctx := context.Background()

	first, err := svc.Token(ctx)
	require.NoError(t, err)

	for range 10 {
		token, err := svc.Token(ctx)
		require.NoError(t, err)
		assert.Equal(t, first, token)
	}

	assert.Equal(t, 1, issuer.Calls())
}

func TestServiceToken_RefreshAheadOfExpiry(t *testing.T) {
	// audience svc-x, 3600s tokens, 300s buffer
	clock := newFakeClock()
	issuer := &fakeIssuer{respond: issuing(clock, 3600*time.Second)}
	svc, store := newTestService(t, validConfig(), clock, issuer)
	ctx := context.Background()
	start := clock.Now()

	first, err := svc.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, issuer.Calls())

	entry, found, err := store.Get(ctx, "svc-x")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, start.Add(3600*time.Second), entry.ExpiresAt())

	clock.Advance(3299 * time.Second)
	assert.True(t, IsFresh(entry, clock.Now(), 300*time.Second))

	token, err := svc.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, token)
	assert.Equal(t, 1, issuer.Calls())

	clock.Advance(2 * time.Second) // t=3301
	assert.False(t, IsFresh(entry, clock.Now(), 300*time.Second))

	token, err = svc.Token(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first, token)
	assert.Equal(t, 2, issuer.Calls())

	token2, err := svc.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, token, token2)
	assert.Equal(t, 2, issuer.Calls())
}

func TestServiceToken_ConcurrentCallersShareOneRefresh(t *testing.T) {
	const callers = 50

	clock := newFakeClock()
	release := make(chan struct{})
	issuer := &fakeIssuer{
		respond: func(ctx context.Context, audience string, call int) (string, error) {
			<-release
			return issueToken(audience, call, clock.Now().Add(time.Hour)), nil
		},
	}
	svc, _ := newTestService(t, validConfig(), clock, issuer)

	var wg sync.WaitGroup
	var started sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)

	started.Add(callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started.Done()
			tokens[i], errs[i] = svc.Token(context.Background())
		}()
	}

	started.Wait()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, issuer.Calls())
	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, tokens[0], tokens[i])
	}
}

func TestServiceToken_ConcurrentStaleRefreshCallsIssuerOnce(t *testing.T) {
	clock := newFakeClock()
	var release chan struct{}
	issuer := &fakeIssuer{
		respond: func(ctx context.Context, audience string, call int) (string, error) {
			if call > 1 {
				<-release
			}
			return issueToken(audience, call, clock.Now().Add(time.Hour)), nil
		},
	}
	svc, _ := newTestService(t, validConfig(), clock, issuer)
	ctx := context.Background()

	stale, err := svc.Token(ctx)
	require.NoError(t, err)

	clock.Advance(58 * time.Minute)
	release = make(chan struct{})

	var wg sync.WaitGroup
	results := make(chan string, 20)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := svc.Token(ctx)
			assert.NoError(t, err)
			results <- token
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	assert.Equal(t, 2, issuer.Calls())
	for token := range results {
		assert.NotEqual(t, stale, token)
		assert.Equal(t, issueToken("svc-x", 2, clock.Now().Add(time.Hour)), token)
	}
}

func TestServiceToken_FailureLeavesCachedEntryUntouched(t *testing.T) {
	clock := newFakeClock()
	issuerErr := errors.New("connection refused")
	issuer := &fakeIssuer{
		respond: func(ctx context.Context, audience string, call int) (string, error) {
			if call == 1 {
				return issueToken(audience, call, clock.Now().Add(time.Hour)), nil
			}
			return "", issuerErr
		},
	}
	svc, store := newTestService(t, validConfig(), clock, issuer)
	ctx := context.Background()

	_, err := svc.Token(ctx)
	require.NoError(t, err)

	before, found, err := store.Get(ctx, "svc-x")
	require.NoError(t, err)
	require.True(t, found)

	clock.Advance(56 * time.Minute) // inside the buffer

	_, err = svc.Token(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTokenUnavailable)
	assert.ErrorIs(t, err, ErrIssuerUnavailable)
	assert.ErrorIs(t, err, issuerErr)

	after, found, err := store.Get(ctx, "svc-x")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, before, after)

	// still stale, so the next call tries again
	_, err = svc.Token(ctx)
	assert.ErrorIs(t, err, ErrTokenUnavailable)
	assert.Equal(t, 3, issuer.Calls())
}

func TestServiceToken_FailsThenRecovers(t *testing.T) {
	clock := newFakeClock()
	issuer := &fakeIssuer{
		respond: func(ctx context.Context, audience string, call int) (string, error) {
			if call == 1 {
				return "", errors.New("issuer returned 500")
			}
			return issueToken(audience, call, clock.Now().Add(time.Hour)), nil
		},
	}
	svc, store := newTestService(t, validConfig(), clock, issuer)
	ctx := context.Background()

	token, err := svc.Token(ctx)
	assert.Empty(t, token)

	var unavailable *TokenUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "svc-x", unavailable.Audience)

	_, found, err := store.Get(ctx, "svc-x")
	require.NoError(t, err)
	assert.False(t, found)

	token, err = svc.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, issueToken("svc-x", 2, clock.Now().Add(time.Hour)), token)
	assert.Equal(t, 2, issuer.Calls())
}

func TestServiceToken_UnusableTokensAreNotCached(t *testing.T) {
	tests := []struct {
		name  string
		token func(clock *fakeClock) string
	}{
		{
			name:  "empty token",
			token: func(*fakeClock) string { return "" },
		},
		{
			name:  "no expiry",
			token: func(*fakeClock) string { return "opaque" },
		},
		{
			name: "already expired",
			token: func(clock *fakeClock) string {
				return issueToken("svc-x", 1, clock.Now().Add(-time.Minute))
			},
		},
		{
			name: "expires inside buffer",
			token: func(clock *fakeClock) string {
				return issueToken("svc-x", 1, clock.Now().Add(300*time.Second))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			issuer := &fakeIssuer{
				respond: func(context.Context, string, int) (string, error) {
					return tt.token(clock), nil
				},
			}
			svc, store := newTestService(t, validConfig(), clock, issuer)
			ctx := context.Background()

			_, err := svc.Token(ctx)

			assert.ErrorIs(t, err, ErrTokenUnavailable)
			assert.ErrorIs(t, err, ErrInvalidToken)
			assert.NotErrorIs(t, err, ErrIssuerUnavailable)

			_, found, err := store.Get(ctx, "svc-x")
			require.NoError(t, err)
			assert.False(t, found)
		})
	}
}

func TestServiceInvalidate_ForcesRefresh(t *testing.T) {
	clock := newFakeClock()
	issuer := &fakeIssuer{respond: issuing(clock, time.Hour)}
	svc, _ := newTestService(t, validConfig(), clock, issuer)
	ctx := context.Background()

	first, err := svc.Token(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.Invalidate(ctx, "svc-x"))

	second, err := svc.Token(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, issuer.Calls())
}

func TestServiceInvalidate_EmptySlot(t *testing.T) {
	clock := newFakeClock()
	svc, _ := newTestService(t, validConfig(), clock, &fakeIssuer{respond: issuing(clock, time.Hour)})

	assert.NoError(t, svc.Invalidate(context.Background(), "never-requested"))
}

func TestServiceInvalidateToken_KeepsReplacementToken(t *testing.T) {
	clock := newFakeClock()
	issuer := &fakeIssuer{respond: issuing(clock, time.Hour)}
	svc, _ := newTestService(t, validConfig(), clock, issuer)
	ctx := context.Background()

	first, err := svc.Token(ctx)
	require.NoError(t, err)

	evicted, err := svc.InvalidateToken(ctx, "svc-x", first)
	require.NoError(t, err)
	assert.True(t, evicted)

	second, err := svc.Token(ctx)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	// a late rejection of the first token must not evict its replacement
	evicted, err = svc.InvalidateToken(ctx, "svc-x", first)
	require.NoError(t, err)
	assert.False(t, evicted)

	status, err := svc.Status(ctx, "svc-x")
	require.NoError(t, err)
	assert.True(t, status.Cached)

	third, err := svc.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, second, third)
	assert.Equal(t, 2, issuer.Calls())
}

func TestServiceTokenFor_AudiencesAreIndependent(t *testing.T) {
	clock := newFakeClock()
	release := make(chan struct{})
	issuer := &fakeIssuer{
		respond: func(ctx context.Context, audience string, call int) (string, error) {
			if audience == "slow" {
				<-release
			}
			return issueToken(audience, call, clock.Now().Add(time.Hour)), nil
		},
	}
	svc, _ := newTestService(t, validConfig(), clock, issuer)
	ctx := context.Background()

	slowDone := make(chan error, 1)
	go func() {
		_, err := svc.TokenFor(ctx, "slow")
		slowDone <- err
	}()

	// not blocked by the refresh in progress for "slow"
	fast, err := svc.TokenFor(ctx, "fast")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(fast, "fast-token-"))

	close(release)
	require.NoError(t, <-slowDone)

	assert.Equal(t, 2, issuer.Calls())
	require.NoError(t, svc.Invalidate(ctx, "fast"))

	slow, err := svc.TokenFor(ctx, "slow")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(slow, "slow-token-"))
	assert.Equal(t, 2, issuer.Calls())
}

func TestServiceTokenFor_EmptyAudience(t *testing.T) {
	clock := newFakeClock()
	issuer := &fakeIssuer{respond: issuing(clock, time.Hour)}
	svc, _ := newTestService(t, validConfig(), clock, issuer)

	_, err := svc.TokenFor(context.Background(), "")

	assert.ErrorIs(t, err, ErrTokenUnavailable)
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, 0, issuer.Calls())
}

func TestServiceToken_WaiterHonoursOwnDeadline(t *testing.T) {
	clock := newFakeClock()
	release := make(chan struct{})
	issuer := &fakeIssuer{
		respond: func(ctx context.Context, audience string, call int) (string, error) {
			<-release
			return issueToken(audience, call, clock.Now().Add(time.Hour)), nil
		},
	}
	svc, _ := newTestService(t, validConfig(), clock, issuer)

	// the abandoned refresh logs after this test's caller has returned
	base := zerolog.New(io.Discard).WithContext(context.Background())
	ctx, cancel := context.WithTimeout(base, 20*time.Millisecond)
	defer cancel()

	_, err := svc.Token(ctx)
	assert.ErrorIs(t, err, ErrTokenUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the abandoned refresh completes and is shared with the next caller
	close(release)
	assert.Eventually(t, func() bool {
		status, err := svc.Status(context.Background(), "svc-x")
		return err == nil && status.Cached
	}, time.Second, 5*time.Millisecond)

	token, err := svc.Token(base)
	require.NoError(t, err)
	assert.Equal(t, issueToken("svc-x", 1, clock.Now().Add(time.Hour)), token)
	assert.Equal(t, 1, issuer.Calls())
}

func TestServiceToken_IssuerTimeoutReleasesAllWaiters(t *testing.T) {
	clock := newFakeClock()
	issuer := &fakeIssuer{
		respond: func(ctx context.Context, audience string, call int) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	cfg := validConfig()
	cfg.IssuerTimeout = 30 * time.Millisecond
	svc, _ := newTestService(t, cfg, clock, issuer)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Token(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.ErrorIs(t, err, ErrTokenUnavailable)
		assert.ErrorIs(t, err, ErrIssuerUnavailable)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	}
	assert.LessOrEqual(t, issuer.Calls(), 5)
	assert.GreaterOrEqual(t, issuer.Calls(), 1)
}

func TestServiceToken_WrapsIssuerErrorsOnce(t *testing.T) {
	clock := newFakeClock()
	issuer := &fakeIssuer{
		respond: func(context.Context, string, int) (string, error) {
			return "", fmt.Errorf("%w: throttled", ErrIssuerUnavailable)
		},
	}
	svc, _ := newTestService(t, validConfig(), clock, issuer)

	_, err := svc.Token(context.Background())

	assert.EqualError(t, err, `identity token unavailable for audience "svc-x": token issuer unavailable: throttled`)
}

func TestServiceStatus(t *testing.T) {
	clock := newFakeClock()
	issuer := &fakeIssuer{respond: issuing(clock, time.Hour)}
	svc, _ := newTestService(t, validConfig(), clock, issuer)
	ctx := context.Background()

	status, err := svc.Status(ctx, "svc-x")
	require.NoError(t, err)
	assert.Equal(t, TokenStatus{Audience: "svc-x"}, status)

	_, err = svc.Token(ctx)
	require.NoError(t, err)
	expiresAt := clock.Now().Add(time.Hour).Truncate(time.Second)

	status, err = svc.Status(ctx, "svc-x")
	require.NoError(t, err)
	assert.Equal(t, TokenStatus{Audience: "svc-x", Cached: true, Fresh: true, ExpiresAt: expiresAt}, status)

	clock.Advance(57 * time.Minute)

	status, err = svc.Status(ctx, "svc-x")
	require.NoError(t, err)
	assert.True(t, status.Cached)
	assert.False(t, status.Fresh)
	assert.Equal(t, 1, issuer.Calls())
}

func TestService_WithJWTValidator(t *testing.T) {
	testhelpers.SetupLogger(t)
	key := testhelpers.NewRSAJWK(t)
	issuer := IssuerFunc(func(ctx context.Context, audience string, algorithm SigningAlgorithm, duration time.Duration) (string, error) {
		return testhelpers.TokenExpiringAt(t, key, audience, time.Now().Add(duration)), nil
	})

	store, err := NewMemoryStore(10)
	require.NoError(t, err)
	svc, err := NewService(validConfig(), store, issuer)
	require.NoError(t, err)

	token, err := svc.Token(context.Background())
	require.NoError(t, err)

	expiry, err := NewJWTValidator().Expiry(token)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiry, 5*time.Second)
	assert.Equal(t, "svc-x", svc.Audience())
}
