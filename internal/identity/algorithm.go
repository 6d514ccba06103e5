package identity

import (
	"fmt"
	"slices"
	"strings"
)

// SigningAlgorithm names the JOSE algorithm the issuer signs tokens with.
type SigningAlgorithm string

const (
	RS256 SigningAlgorithm = "RS256"
	ES384 SigningAlgorithm = "ES384"
)

// SupportedAlgorithms is the allow-list of signing algorithms.
var SupportedAlgorithms = []SigningAlgorithm{RS256, ES384}

// ParseSigningAlgorithm returns the allow-listed algorithm matching s. Case
// is ignored.
func ParseSigningAlgorithm(s string) (SigningAlgorithm, error) {
	alg := SigningAlgorithm(strings.ToUpper(strings.TrimSpace(s)))
	if !slices.Contains(SupportedAlgorithms, alg) {
		return "", fmt.Errorf("%w: signing algorithm %q is not one of %v", ErrConfiguration, s, SupportedAlgorithms)
	}

	return alg, nil
}

func (a SigningAlgorithm) String() string {
	return string(a)
}
