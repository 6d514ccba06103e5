package issuer

import (
	"context"
	"crypto"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/golang-jwt/jwt/v4"
)

// KMSClient defines the AWS API surface required for KMS signing.
type KMSClient interface {
	Sign(ctx context.Context, in *kms.SignInput, optFns ...func(*kms.Options)) (*kms.SignOutput, error)
}

// kmsSigningKey is the key passed to kmsSigningMethod.Sign. It carries the
// request context and KMS client needed to sign without holding private key
// material.
type kmsSigningKey struct {
	ctx    context.Context
	client KMSClient
	arn    string
}

// kmsSigningMethod implements jwt.SigningMethod by asking KMS to sign the
// digest of the signing string. It is not registered globally: tokens are
// created with it explicitly, leaving the built-in RS256 and ES384 methods in
// place for verification.
type kmsSigningMethod struct {
	alg  string
	hash crypto.Hash
	spec types.SigningAlgorithmSpec

	// curveBytes is the size of each ECDSA signature component. Zero for RSA.
	curveBytes int
}

var (
	signingMethodKMSRS256 = &kmsSigningMethod{
		alg:  "RS256",
		hash: crypto.SHA256,
		spec: types.SigningAlgorithmSpecRsassaPkcs1V15Sha256,
	}
	signingMethodKMSES384 = &kmsSigningMethod{
		alg:        "ES384",
		hash:       crypto.SHA384,
		spec:       types.SigningAlgorithmSpecEcdsaSha384,
		curveBytes: 48,
	}
)

func (m *kmsSigningMethod) Alg() string {
	return m.alg
}

// Verify is unsupported: KMS keys are only used to sign.
func (m *kmsSigningMethod) Verify(signingString, signature string, key interface{}) error {
	return errors.New("kms signing method does not verify signatures")
}

func (m *kmsSigningMethod) Sign(signingString string, key interface{}) (string, error) {
	k, ok := key.(kmsSigningKey)
	if !ok {
		return "", fmt.Errorf("kms signing method requires kmsSigningKey, got %T", key)
	}

	hasher := m.hash.New()
	hasher.Write([]byte(signingString))

	out, err := k.client.Sign(k.ctx, &kms.SignInput{
		KeyId:            aws.String(k.arn),
		Message:          hasher.Sum(nil),
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: m.spec,
	})
	if err != nil {
		return "", fmt.Errorf("KMS signing failed: %w", err)
	}

	signature := out.Signature
	if m.curveBytes > 0 {
		signature, err = joseSignature(signature, m.curveBytes)
		if err != nil {
			return "", err
		}
	}

	return jwt.EncodeSegment(signature), nil
}

// joseSignature converts an ASN.1 DER ECDSA signature, as returned by KMS,
// to the fixed width r||s form used by JWS.
func joseSignature(der []byte, size int) ([]byte, error) {
	var sig struct {
		R, S *big.Int
	}

	rest, err := asn1.Unmarshal(der, &sig)
	if err != nil {
		return nil, fmt.Errorf("KMS returned a malformed ECDSA signature: %w", err)
	}
	if len(rest) > 0 {
		return nil, errors.New("KMS returned a malformed ECDSA signature: trailing data")
	}
	if sig.R.Sign() <= 0 || sig.S.Sign() <= 0 || sig.R.BitLen() > size*8 || sig.S.BitLen() > size*8 {
		return nil, errors.New("KMS returned an ECDSA signature outside the curve order")
	}

	out := make([]byte, 2*size)
	sig.R.FillBytes(out[:size])
	sig.S.FillBytes(out[size:])

	return out, nil
}
