package issuer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/aws-sdk-go-v2/service/sts/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"
	"github.com/tradedemo/identity-bridge/internal/identity"
)

// STSClient defines the AWS API surface required to obtain web identity
// tokens.
type STSClient interface {
	GetWebIdentityToken(ctx context.Context, in *sts.GetWebIdentityTokenInput, optFns ...func(*sts.Options)) (*sts.GetWebIdentityTokenOutput, error)
}

// STS obtains tokens through AWS STS outbound identity federation: the
// account's own issuer signs a token for the caller's IAM identity.
type STS struct {
	client STSClient
}

func NewSTS(client STSClient) *STS {
	return &STS{client: client}
}

func (s *STS) RequestToken(ctx context.Context, audience string, algorithm identity.SigningAlgorithm, duration time.Duration) (string, error) {
	out, err := s.client.GetWebIdentityToken(ctx, &sts.GetWebIdentityTokenInput{
		Audience:         []string{audience},
		SigningAlgorithm: aws.String(algorithm.String()),
		DurationSeconds:  aws.Int32(int32(duration / time.Second)),
	})
	if err != nil {
		return "", stsError(ctx, audience, err)
	}

	if out.WebIdentityToken == nil || *out.WebIdentityToken == "" {
		return "", fmt.Errorf("%w: STS response for audience %q contained no token", identity.ErrIssuerUnavailable, audience)
	}

	if out.Expiration != nil {
		log.Ctx(ctx).Debug().
			Str("audience", audience).
			Time("expiration", *out.Expiration).
			Msg("STS issued web identity token")
	}

	return *out.WebIdentityToken, nil
}

// stsError logs the service error code and message, and wraps err so it
// matches identity.ErrIssuerUnavailable.
func stsError(ctx context.Context, audience string, err error) error {
	logger := log.Ctx(ctx).With().Str("audience", audience).Logger()

	var disabled *types.OutboundWebIdentityFederationDisabledException
	if errors.As(err, &disabled) {
		logger.Error().
			Str("error.code", disabled.ErrorCode()).
			Msg("outbound web identity federation is disabled for this AWS account")
		return fmt.Errorf("%w: %w", identity.ErrIssuerUnavailable, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		logger.Warn().
			Str("error.code", apiErr.ErrorCode()).
			Str("error.message", apiErr.ErrorMessage()).
			Str("error.fault", apiErr.ErrorFault().String()).
			Msg("STS rejected web identity token request")
	}

	return fmt.Errorf("%w: %w", identity.ErrIssuerUnavailable, err)
}
