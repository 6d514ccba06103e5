package testhelpers

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// JWK is a test signing key with its key ID and JOSE algorithm.
type JWK struct {
	KeyID     string
	Algorithm string
	private   crypto.Signer
}

// NewRSAJWK generates an RSA 2048-bit key for RS256 tokens.
func NewRSAJWK(t *testing.T) JWK {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "failed to generate RSA key")

	return JWK{KeyID: "test-kid", Algorithm: "RS256", private: privateKey}
}

// NewECJWK generates a P-384 key for ES384 tokens.
func NewECJWK(t *testing.T) JWK {
	t.Helper()

	privateKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err, "failed to generate EC key")

	return JWK{KeyID: "test-ec-kid", Algorithm: "ES384", private: privateKey}
}

func (j JWK) PrivateKey() crypto.Signer {
	return j.private
}

func (j JWK) PublicKey() crypto.PublicKey {
	return j.private.Public()
}

// PublicJWKS returns the JSON encoded key set containing only this key's
// public half.
func (j JWK) PublicJWKS(t *testing.T) []byte {
	t.Helper()

	set := jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{
			Key:       j.PublicKey(),
			KeyID:     j.KeyID,
			Algorithm: j.Algorithm,
			Use:       "sig",
		}},
	}

	data, err := json.Marshal(set)
	require.NoError(t, err, "failed to marshal JWKS")

	return data
}

// Sign creates a compact JWS carrying claims, signed with this key.
func (j JWK) Sign(t *testing.T, claims jwt.Claims) string {
	t.Helper()

	method := jwt.GetSigningMethod(j.Algorithm)
	require.NotNil(t, method, "unknown signing method %s", j.Algorithm)

	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = j.KeyID

	signed, err := token.SignedString(j.private)
	require.NoError(t, err, "failed to sign JWT")

	return signed
}

// ValidClaims are claims that are valid from a minute ago until a minute
// from now.
func ValidClaims(issuer string, audience ...string) jwt.RegisteredClaims {
	now := time.Now().UTC()

	return jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   "test-subject",
		Audience:  audience,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-1 * time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(1 * time.Minute)),
	}
}

// TokenExpiringAt mints a token whose only claims are the audience, the given
// expiry and a random jti, so every call produces a distinct token.
func TokenExpiringAt(t *testing.T, key JWK, audience string, expiresAt time.Time) string {
	t.Helper()

	return key.Sign(t, jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Audience:  jwt.ClaimStrings{audience},
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})
}

// SetupJWKSServer creates a mock OIDC provider server that serves JWKS.
// The server responds to:
// - /.well-known/openid-configuration (OIDC discovery)
// - /.well-known/jwks.json (public key set)
//
// Returns an httptest.Server that is closed when the test ends.
func SetupJWKSServer(t *testing.T, key JWK) *httptest.Server {
	t.Helper()

	var server *httptest.Server

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/.well-known/openid-configuration":
			WriteJSON(w, struct {
				Issuer  string `json:"issuer"`
				JWKSURI string `json:"jwks_uri"`
			}{
				Issuer:  server.URL + "/",
				JWKSURI: server.URL + "/.well-known/jwks.json",
			})
		case "/.well-known/jwks.json":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(key.PublicJWKS(t))
		default:
			http.Error(w, "unexpected JWKS server request: "+r.URL.String(), http.StatusInternalServerError)
		}
	})

	server = httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return server
}
