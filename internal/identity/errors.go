package identity

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrConfiguration marks settings that must stop the process from starting.
	ErrConfiguration = errors.New("invalid identity configuration")

	// ErrIssuerUnavailable marks a failure to obtain a token from the issuer:
	// the issuer could not be reached, timed out or rejected the request.
	ErrIssuerUnavailable = errors.New("token issuer unavailable")

	// ErrInvalidToken marks a token that was issued but cannot be cached: it
	// does not parse, has no expiry, or expires inside the refresh buffer.
	ErrInvalidToken = errors.New("issued token is invalid")

	// ErrTokenUnavailable is matched by every error returned from the token
	// service to its callers.
	ErrTokenUnavailable = errors.New("identity token unavailable")
)

// TokenUnavailableError is returned when no usable token could be supplied
// for an audience. Err holds the cause, which matches ErrIssuerUnavailable,
// ErrInvalidToken or a context error.
type TokenUnavailableError struct {
	Audience string
	Err      error
}

func (e *TokenUnavailableError) Error() string {
	return fmt.Sprintf("identity token unavailable for audience %q: %v", e.Audience, e.Err)
}

func (e *TokenUnavailableError) Unwrap() error {
	return e.Err
}

func (e *TokenUnavailableError) Is(target error) bool {
	return target == ErrTokenUnavailable
}

// Status reports the HTTP status to use when this error stops a request.
func (e *TokenUnavailableError) Status() (int, string) {
	return http.StatusServiceUnavailable, "identity token unavailable"
}
