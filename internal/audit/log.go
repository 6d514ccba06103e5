// Package audit records one structured log entry per administrative request,
// capturing who made the request, what it targeted and how it ended.
package audit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/rs/zerolog"
)

// Level is the level audit entries are written at. It is higher than every
// standard level so entries are never filtered out.
const Level = zerolog.Level(20)

// LevelName renders the audit level as "audit", deferring to zerolog for
// every other level.
func LevelName(l zerolog.Level) string {
	if l == Level {
		return "audit"
	}
	return l.String()
}

// Entry is the audit record for a single request. Middleware populates the
// request details, the authorization middleware adds the caller's claims and
// handlers describe the identity operation performed.
type Entry struct {
	Method    string
	Path      string
	Status    int
	SourceIP  string
	UserAgent string

	Authorized     bool
	AuthSubject    string
	AuthIssuer     string
	AuthAudience   []string
	AuthExpirySecs int64

	Action         string
	TargetAudience string
	Invalidated    bool
	ExpirySecs     int64

	Error string
}

// Begin captures the request details.
func (e *Entry) Begin(r *http.Request) {
	e.Method = r.Method
	e.Path = r.URL.Path
	e.UserAgent = r.UserAgent()

	e.SourceIP = r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		e.SourceIP = host
	}
}

// End returns a function that writes the entry when deferred. A panic in the
// handler is noted on the entry and re-raised once the entry is written.
func (e *Entry) End(ctx context.Context) func() {
	return func() {
		r := recover()
		if r != nil {
			if e.Error != "" {
				e.Error += "; "
			}
			e.Error += fmt.Sprintf("panic: %v", r)
			e.Status = http.StatusInternalServerError
		}

		if e.Status == 0 {
			e.Status = http.StatusOK
		}

		zerolog.Ctx(ctx).WithLevel(Level).EmbedObject(e).Msg("audit")

		if r != nil {
			panic(r)
		}
	}
}

func (e *Entry) MarshalZerologObject(event *zerolog.Event) {
	now := time.Now()

	event.Dict("request", zerolog.Dict().
		Str("method", e.Method).
		Str("path", e.Path).
		Int("status", e.Status).
		Str("sourceIP", e.SourceIP).
		Str("userAgent", e.UserAgent),
	)

	auth := NewOptionalEvent(nil).
		Bool("authorized", e.Authorized).
		Str("subject", e.AuthSubject).
		Str("issuer", e.AuthIssuer).
		Strs("audience", e.AuthAudience)
	if e.AuthExpirySecs > 0 {
		expiry := time.Unix(e.AuthExpirySecs, 0)
		auth.Event().
			Time("expiry", expiry).
			Dur("expiryRemaining", expiry.Sub(now))
	}
	auth.Set(event, "authorization")

	identity := NewOptionalEvent(nil).
		Str("action", e.Action).
		Str("audience", e.TargetAudience)
	if e.Invalidated {
		identity.Bool("invalidated", true)
	}
	if e.ExpirySecs > 0 {
		expiry := time.Unix(e.ExpirySecs, 0)
		identity.Event().
			Time("expiry", expiry).
			Dur("expiryRemaining", expiry.Sub(now))
	}
	identity.Set(event, "identity")

	if e.Error != "" {
		event.Str("error", e.Error)
	}
}

type entryKey struct{}

// Context returns the audit entry carried by ctx, adding a new one if none is
// present.
func Context(ctx context.Context) (context.Context, *Entry) {
	if e, ok := ctx.Value(entryKey{}).(*Entry); ok {
		return ctx, e
	}

	e := &Entry{}
	return context.WithValue(ctx, entryKey{}, e), e
}

// Log returns the audit entry for the request. Outside of the audit
// middleware a detached entry is returned so callers never need a nil check.
func Log(ctx context.Context) *Entry {
	_, e := Context(ctx)
	return e
}

// Middleware writes an audit entry for every request it wraps.
func Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, entry := Context(r.Context())
			entry.Begin(r)
			defer entry.End(ctx)()

			w = httpsnoop.Wrap(w, httpsnoop.Hooks{
				WriteHeader: func(next httpsnoop.WriteHeaderFunc) httpsnoop.WriteHeaderFunc {
					return func(code int) {
						if entry.Status == 0 {
							entry.Status = code
						}
						next(code)
					}
				},
			})

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
