package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tradedemo/identity-bridge/internal/audit"
	"github.com/tradedemo/identity-bridge/internal/testhelpers"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddleware(t *testing.T) {

	t.Run("captures request info and configures context", func(t *testing.T) {
		testhelpers.SetupLogger(t)

		testAgent := "kettle/1.0"
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			entry := audit.Log(ctx)
			assert.Equal(t, testAgent, entry.UserAgent)

			w.WriteHeader(http.StatusTeapot)
		})

		middleware := audit.Middleware()(handler)

		req, w := requestSetup()
		req.Header.Set("User-Agent", testAgent)

		middleware.ServeHTTP(w, req)

		assert.Equal(t, http.StatusTeapot, w.Result().StatusCode)
	})

	t.Run("captures status code", func(t *testing.T) {
		testhelpers.SetupLogger(t)

		var capturedContext context.Context
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capturedContext = r.Context()
			w.WriteHeader(http.StatusTeapot)
		})

		req, w := requestSetup()

		middleware := audit.Middleware()(handler)

		middleware.ServeHTTP(w, req)

		entry := audit.Log(capturedContext)

		assert.Equal(t, http.StatusTeapot, w.Result().StatusCode)
		assert.Equal(t, http.StatusTeapot, entry.Status)
	})

	t.Run("log written", func(t *testing.T) {
		testhelpers.SetupLogger(t)

		auditWritten := false

		ctx := withLogHook(
			context.Background(),
			zerolog.HookFunc(func(e *zerolog.Event, level zerolog.Level, msg string) {
				if level == audit.Level {
					auditWritten = true
				}
			}),
		)

		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		})

		middleware := audit.Middleware()(handler)

		req, w := requestSetup()

		middleware.ServeHTTP(w, req.WithContext(ctx))

		assert.True(t, auditWritten, "audit log entry should be written")
	})

	t.Run("log written on panic", func(t *testing.T) {
		testhelpers.SetupLogger(t)

		auditWritten := false

		ctx := withLogHook(
			context.Background(),
			zerolog.HookFunc(func(e *zerolog.Event, level zerolog.Level, msg string) {
				if level == audit.Level {
					auditWritten = true
				}
			}),
		)

		var entry *audit.Entry

		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, entry = audit.Context(r.Context())
			entry.Error = "failure pre-panic"
			panic("not a teapot")
		})

		middleware := audit.Middleware()(handler)

		req, w := requestSetup()

		assert.PanicsWithValue(t, "not a teapot", func() {
			middleware.ServeHTTP(w, req.WithContext(ctx))
			// this will panic as it's expected that the middleware will re-panic
		})

		assert.Equal(t, "failure pre-panic; panic: not a teapot", entry.Error)
		assert.True(t, auditWritten, "audit log entry should be written")
	})
}

func TestAuditing(t *testing.T) {
	testhelpers.SetupLogger(t)

	ctx := context.Background()
	r, _ := requestSetup()

	_, e := audit.Context(ctx)
	e.Begin(r)
	e.End(ctx)()

	assert.NotEmpty(t, e.SourceIP)
	e.SourceIP = "" // clear IP as it will change between tests

	assert.Equal(t, &audit.Entry{Method: "GET", Path: "/foo", UserAgent: "kettle/1.0", Status: 200}, e)
}

func requestSetup() (*http.Request, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/foo", nil)
	req.Header.Set("User-Agent", "kettle/1.0")

	w := httptest.NewRecorder()

	return req, w
}

func withLogHook(ctx context.Context, hook zerolog.HookFunc) context.Context {
	testLog := log.Logger.With().Logger().Hook(hook)
	return testLog.WithContext(ctx)
}

func serialize(t *testing.T, entry audit.Entry) map[string]any {
	t.Helper()

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	logger.Log().EmbedObject(&entry).Send()

	var result map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &result))
	return result
}

func TestNestedDictSerialization(t *testing.T) {
	testhelpers.SetupLogger(t)

	result := serialize(t, audit.Entry{
		Method:         "POST",
		Path:           "/identity/invalidate",
		Status:         204,
		SourceIP:       "10.0.0.1",
		UserAgent:      "test/1.0",
		Authorized:     true,
		AuthSubject:    "operator@example.com",
		AuthIssuer:     "https://issuer.example.com/",
		AuthAudience:   []string{"identity-bridge-admin"},
		Action:         "identity.invalidate",
		TargetAudience: "https://api.example.com",
		Invalidated:    true,
	})

	t.Run("request fields nested", func(t *testing.T) {
		request, ok := result["request"].(map[string]any)
		require.True(t, ok, "expected 'request' dict in log output")
		assert.Equal(t, "POST", request["method"])
		assert.Equal(t, "/identity/invalidate", request["path"])
		assert.Equal(t, float64(204), request["status"])
		assert.Equal(t, "10.0.0.1", request["sourceIP"])
		assert.Equal(t, "test/1.0", request["userAgent"])
	})

	t.Run("authorization fields nested", func(t *testing.T) {
		auth, ok := result["authorization"].(map[string]any)
		require.True(t, ok, "expected 'authorization' dict in log output")
		assert.Equal(t, true, auth["authorized"])
		assert.Equal(t, "operator@example.com", auth["subject"])
		assert.Equal(t, "https://issuer.example.com/", auth["issuer"])
		assert.Equal(t, []any{"identity-bridge-admin"}, auth["audience"])
	})

	t.Run("identity fields nested", func(t *testing.T) {
		identity, ok := result["identity"].(map[string]any)
		require.True(t, ok, "expected 'identity' dict in log output")
		assert.Equal(t, "identity.invalidate", identity["action"])
		assert.Equal(t, "https://api.example.com", identity["audience"])
		assert.Equal(t, true, identity["invalidated"])
	})

	t.Run("error omitted when empty", func(t *testing.T) {
		assert.NotContains(t, result, "error")
	})

	t.Run("error present when set", func(t *testing.T) {
		errResult := serialize(t, audit.Entry{Error: "something broke"})
		assert.Equal(t, "something broke", errResult["error"])
	})
}

func TestOptionalDictElision(t *testing.T) {
	testhelpers.SetupLogger(t)

	t.Run("empty entry omits identity dict", func(t *testing.T) {
		result := serialize(t, audit.Entry{})
		assert.Contains(t, result, "request", "request dict is always present")
		assert.Contains(t, result, "authorization", "authorization dict is always present (contains authorized bool)")
		assert.NotContains(t, result, "identity")
		assert.NotContains(t, result, "error")
	})

	t.Run("identity present when action set", func(t *testing.T) {
		result := serialize(t, audit.Entry{Action: "identity.status"})
		identity, ok := result["identity"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "identity.status", identity["action"])
		assert.NotContains(t, identity, "invalidated")
	})

	t.Run("authorization present via audience", func(t *testing.T) {
		result := serialize(t, audit.Entry{
			AuthAudience: []string{"identity-bridge-admin"},
		})
		auth, ok := result["authorization"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, false, auth["authorized"])
		audiences, ok := auth["audience"].([]any)
		require.True(t, ok)
		assert.Equal(t, "identity-bridge-admin", audiences[0])
	})
}

func TestExpiryFields(t *testing.T) {
	testhelpers.SetupLogger(t)

	t.Run("auth expiry present when AuthExpirySecs set", func(t *testing.T) {
		future := time.Now().Add(time.Hour).Unix()
		result := serialize(t, audit.Entry{AuthExpirySecs: future})
		auth, ok := result["authorization"].(map[string]any)
		require.True(t, ok)
		assert.Contains(t, auth, "expiry")
		assert.Contains(t, auth, "expiryRemaining")
	})

	t.Run("auth expiry absent when AuthExpirySecs zero", func(t *testing.T) {
		result := serialize(t, audit.Entry{})
		auth, ok := result["authorization"].(map[string]any)
		require.True(t, ok)
		assert.NotContains(t, auth, "expiry")
		assert.NotContains(t, auth, "expiryRemaining")
	})

	t.Run("identity expiry present when ExpirySecs set", func(t *testing.T) {
		future := time.Now().Add(time.Hour).Unix()
		result := serialize(t, audit.Entry{
			ExpirySecs:     future,
			TargetAudience: "https://api.example.com",
		})
		identity, ok := result["identity"].(map[string]any)
		require.True(t, ok)
		assert.Contains(t, identity, "expiry")
		assert.Contains(t, identity, "expiryRemaining")
	})

	t.Run("identity expiry absent when ExpirySecs zero", func(t *testing.T) {
		result := serialize(t, audit.Entry{
			TargetAudience: "https://api.example.com",
		})
		identity, ok := result["identity"].(map[string]any)
		require.True(t, ok)
		assert.NotContains(t, identity, "expiry")
		assert.NotContains(t, identity, "expiryRemaining")
	})
}

func TestLevelName(t *testing.T) {
	assert.Equal(t, "audit", audit.LevelName(audit.Level))
	assert.Equal(t, "info", audit.LevelName(zerolog.InfoLevel))
}
