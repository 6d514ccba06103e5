package identity

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// MaxDuration is the longest token lifetime the STS issuer will grant.
const MaxDuration = time.Hour

// Config is the read-only configuration of the token service.
type Config struct {
	// Audience is the default audience, used by Service.Token.
	Audience string
	// Algorithm is requested from the issuer for every token.
	Algorithm SigningAlgorithm
	// Duration is the token lifetime requested from the issuer.
	Duration time.Duration
	// RefreshBuffer is how long before its expiry a cached token is
	// considered stale and refreshed.
	RefreshBuffer time.Duration
	// IssuerTimeout bounds a single refresh, including issuer retries.
	IssuerTimeout time.Duration
}

// Validate reports every problem with the configuration. All returned errors
// match ErrConfiguration.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Audience) == "" {
		errs = append(errs, fmt.Errorf("%w: audience must be set", ErrConfiguration))
	}

	if !slices.Contains(SupportedAlgorithms, c.Algorithm) {
		errs = append(errs, fmt.Errorf("%w: signing algorithm %q is not one of %v", ErrConfiguration, c.Algorithm, SupportedAlgorithms))
	}

	if c.Duration <= 0 {
		errs = append(errs, fmt.Errorf("%w: token duration must be positive, got %s", ErrConfiguration, c.Duration))
	} else if c.Duration > MaxDuration {
		errs = append(errs, fmt.Errorf("%w: token duration %s exceeds the maximum of %s", ErrConfiguration, c.Duration, MaxDuration))
	}

	if c.RefreshBuffer < 0 {
		errs = append(errs, fmt.Errorf("%w: refresh buffer must not be negative, got %s", ErrConfiguration, c.RefreshBuffer))
	} else if c.Duration > 0 && c.RefreshBuffer >= c.Duration {
		errs = append(errs, fmt.Errorf("%w: refresh buffer %s must be less than token duration %s", ErrConfiguration, c.RefreshBuffer, c.Duration))
	}

	if c.IssuerTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: issuer timeout must be positive, got %s", ErrConfiguration, c.IssuerTimeout))
	}

	return errors.Join(errs...)
}
