package issuer

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/tradedemo/identity-bridge/internal/identity"
)

// Signer issues tokens itself, signing them with a local key or a KMS
// asymmetric key. Each token carries iss, sub, aud, iat, nbf, exp and a
// unique jti.
type Signer struct {
	issuer    string
	subject   string
	algorithm identity.SigningAlgorithm
	method    jwt.SigningMethod
	keyID     string
	key       func(ctx context.Context) interface{}
	public    crypto.PublicKey
	now       func() time.Time
}

// NewLocalSigner generates an in-memory key for alg: RSA-2048 for RS256,
// P-384 for ES384. Intended for development, where no issuer is reachable.
func NewLocalSigner(issuer, subject string, alg identity.SigningAlgorithm) (*Signer, error) {
	var (
		method  jwt.SigningMethod
		private crypto.Signer
		err     error
	)

	switch alg {
	case identity.RS256:
		method = jwt.SigningMethodRS256
		private, err = rsa.GenerateKey(rand.Reader, 2048)
	case identity.ES384:
		method = jwt.SigningMethodES384
		private, err = ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	default:
		return nil, fmt.Errorf("%w: local signer does not support %q", identity.ErrConfiguration, alg)
	}
	if err != nil {
		return nil, fmt.Errorf("local signing key generation failed: %w", err)
	}

	return &Signer{
		issuer:    issuer,
		subject:   subject,
		algorithm: alg,
		method:    method,
		keyID:     "local-" + uuid.NewString(),
		key:       func(context.Context) interface{} { return private },
		public:    private.Public(),
		now:       time.Now,
	}, nil
}

// NewKMSSigner signs with the KMS key keyARN, which must be an asymmetric
// signing key matching alg.
func NewKMSSigner(client KMSClient, keyARN, issuer, subject string, alg identity.SigningAlgorithm) (*Signer, error) {
	var method *kmsSigningMethod

	switch alg {
	case identity.RS256:
		method = signingMethodKMSRS256
	case identity.ES384:
		method = signingMethodKMSES384
	default:
		return nil, fmt.Errorf("%w: KMS signer does not support %q", identity.ErrConfiguration, alg)
	}

	return &Signer{
		issuer:    issuer,
		subject:   subject,
		algorithm: alg,
		method:    method,
		keyID:     keyARN,
		key: func(ctx context.Context) interface{} {
			return kmsSigningKey{ctx: ctx, client: client, arn: keyARN}
		},
		now: time.Now,
	}, nil
}

// PublicKey returns the verification key of a local signer, and nil for KMS.
func (s *Signer) PublicKey() crypto.PublicKey {
	return s.public
}

func (s *Signer) RequestToken(ctx context.Context, audience string, algorithm identity.SigningAlgorithm, duration time.Duration) (string, error) {
	if algorithm != s.algorithm {
		return "", fmt.Errorf("%w: signer holds a %s key, %s requested", identity.ErrConfiguration, s.algorithm, algorithm)
	}

	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   s.subject,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
		ID:        uuid.NewString(),
	}

	token := jwt.NewWithClaims(s.method, claims)
	token.Header["kid"] = s.keyID

	signed, err := token.SignedString(s.key(ctx))
	if err != nil {
		return "", fmt.Errorf("%w: token signing failed: %w", identity.ErrIssuerUnavailable, err)
	}

	return signed, nil
}
