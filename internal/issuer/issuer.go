package issuer

import (
	"context"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/rs/zerolog/log"
	"github.com/tradedemo/identity-bridge/internal/config"
	"github.com/tradedemo/identity-bridge/internal/identity"
)

// New creates the issuer selected by cfg.Type. AWS clients use the default
// credential chain and send requests through httpClient.
func New(ctx context.Context, cfg config.IssuerConfig, alg identity.SigningAlgorithm, httpClient *http.Client) (identity.Issuer, error) {
	switch cfg.Type {
	case config.IssuerTypeSTS:
		awsCfg, err := loadAWSConfig(ctx, cfg, httpClient)
		if err != nil {
			return nil, err
		}

		client := sts.NewFromConfig(awsCfg, func(o *sts.Options) {
			if cfg.STSEndpoint != "" {
				o.BaseEndpoint = aws.String(cfg.STSEndpoint)
			}
		})

		log.Info().Str("region", cfg.Region).Msg("issuer: using STS outbound identity federation")
		return NewSTS(client), nil

	case config.IssuerTypeKMS:
		awsCfg, err := loadAWSConfig(ctx, cfg, httpClient)
		if err != nil {
			return nil, err
		}

		log.Info().Str("key", cfg.KMSKeyARN).Msg("issuer: signing tokens with KMS key")
		return NewKMSSigner(kms.NewFromConfig(awsCfg), cfg.KMSKeyARN, cfg.Name, cfg.Subject, alg)

	case config.IssuerTypeLocal:
		log.Warn().Msg("issuer: signing tokens with a generated local key, not for production use")
		return NewLocalSigner(cfg.Name, cfg.Subject, alg)

	default:
		return nil, fmt.Errorf("%w: unknown issuer type %q", identity.ErrConfiguration, cfg.Type)
	}
}

func loadAWSConfig(ctx context.Context, cfg config.IssuerConfig, httpClient *http.Client) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(cfg.MaxAttempts),
	}
	if httpClient != nil {
		opts = append(opts, awsconfig.WithHTTPClient(httpClient))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return awsCfg, nil
}
