package config

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/tradedemo/identity-bridge/internal/identity"
)

type Config struct {
	Admin      AdminConfig
	Downstream DownstreamConfig
	Identity   IdentityConfig
	Issuer     IssuerConfig
	Observe    ObserveConfig
	Server     ServerConfig
}

type ServerConfig struct {
	Port                   int `env:"SERVER_PORT, default=8080"`
	ShutdownTimeoutSeconds int `env:"SERVER_SHUTDOWN_TIMEOUT_SECS, default=25"`

	OutgoingHTTPMaxIdleConns    int `env:"SERVER_OUTGOING_MAX_IDLE_CONNS, default=100"`
	OutgoingHTTPMaxConnsPerHost int `env:"SERVER_OUTGOING_MAX_CONNS_PER_HOST, default=20"`

	// ProxyURL, when set, is used for all outgoing HTTP and HTTPS requests.
	ProxyURL string `env:"HTTP_PROXY"`

	// TracingHeader carries the platform request id on inbound and outbound
	// requests.
	TracingHeader string `env:"CDP_TRACING_HEADER, default=x-cdp-request-id"`
}

// IdentityConfig configures the outbound identity token cache.
type IdentityConfig struct {
	Audience             string `env:"IDENTITY_TOKEN_AUDIENCE, required"`
	SigningAlgorithm     string `env:"IDENTITY_SIGNING_ALGORITHM, default=RS256"`
	DurationSeconds      int    `env:"IDENTITY_TOKEN_DURATION_SECS, default=3600"`
	RefreshBufferSeconds int    `env:"IDENTITY_TOKEN_REFRESH_BUFFER_SECS, default=300"`
	IssuerTimeoutSeconds int    `env:"IDENTITY_ISSUER_TIMEOUT_SECS, default=10"`

	// MaxAudiences bounds the number of distinct audiences cached.
	MaxAudiences int `env:"IDENTITY_CACHE_MAX_AUDIENCES, default=100"`
}

const (
	IssuerTypeSTS   = "sts"
	IssuerTypeKMS   = "kms"
	IssuerTypeLocal = "local"
)

// IssuerConfig selects and configures the source of identity tokens.
type IssuerConfig struct {
	// Type is "sts" (default), "kms" or "local".
	Type        string `env:"IDENTITY_ISSUER_TYPE, default=sts"`
	Region      string `env:"AWS_REGION, default=eu-west-2"`
	MaxAttempts int    `env:"IDENTITY_ISSUER_MAX_ATTEMPTS, default=3"`

	// STSEndpoint overrides the regional STS endpoint. Used for testing.
	STSEndpoint string `env:"IDENTITY_STS_ENDPOINT"`

	// KMSKeyARN is the asymmetric signing key used when Type is "kms".
	KMSKeyARN string `env:"IDENTITY_KMS_KEY_ARN"`

	// Name and Subject are the iss and sub claims of self-issued tokens.
	Name    string `env:"IDENTITY_ISSUER_NAME"`
	Subject string `env:"IDENTITY_SUBJECT, default=identity-bridge"`
}

// DownstreamConfig describes the protected API called with identity tokens.
type DownstreamConfig struct {
	BaseURL            string `env:"DOWNSTREAM_BASE_URL"`
	ProbePath          string `env:"DOWNSTREAM_PROBE_PATH, default=/"`
	TimeoutSeconds     int    `env:"DOWNSTREAM_TIMEOUT_SECS, default=10"`
	ConversationHeader string `env:"DOWNSTREAM_CONVERSATION_HEADER, default=INS-ConversationId"`

	// InvalidateOnUnauthorized evicts the cached token when the downstream
	// API rejects it with a 401.
	InvalidateOnUnauthorized bool `env:"DOWNSTREAM_INVALIDATE_ON_UNAUTHORIZED, default=true"`
}

// AdminConfig protects the administrative routes. The routes are not served
// unless IssuerURL is set.
type AdminConfig struct {
	IssuerURL           string `env:"ADMIN_JWT_ISSUER_URL"`
	Audience            string `env:"ADMIN_JWT_AUDIENCE, default=identity-bridge-admin"`
	ConfigurationStatic string `env:"ADMIN_JWT_JWKS_STATIC"`
}

type ObserveConfig struct {
	SDKLogLevel                string `env:"OBSERVE_OTEL_LOG_LEVEL, default=info"`
	Enabled                    bool   `env:"OBSERVE_ENABLED, default=false"`
	MetricsEnabled             bool   `env:"OBSERVE_METRICS_ENABLED, default=true"`
	Type                       string `env:"OBSERVE_TYPE, default=grpc"`
	ServiceName                string `env:"OBSERVE_SERVICE_NAME, default=identity-bridge"`
	TraceBatchTimeoutSeconds   int    `env:"OBSERVE_TRACE_BATCH_TIMEOUT_SECS, default=20"`
	MetricReadIntervalSeconds  int    `env:"OBSERVE_METRIC_READ_INTERVAL_SECS, default=60"`
	HTTPTransportEnabled       bool   `env:"OBSERVE_HTTP_TRANSPORT_ENABLED, default=true"`
	HTTPConnectionTraceEnabled bool   `env:"OBSERVE_CONNECTION_TRACE_ENABLED, default=true"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, nil) // load from OS environment
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	if _, err := cfg.Identity.ServiceConfig(); err != nil {
		return cfg, fmt.Errorf("invalid identity configuration: %w", err)
	}

	if err := cfg.Issuer.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid issuer configuration: %w", err)
	}

	if err := cfg.Downstream.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid downstream configuration: %w", err)
	}

	if err := cfg.Server.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid server configuration: %w", err)
	}

	return cfg, nil
}

// LoadIdentity reads only the identity and issuer groups, for tools that
// request tokens without serving HTTP.
func LoadIdentity(ctx context.Context) (IdentityConfig, IssuerConfig, error) {
	var cfg struct {
		Identity IdentityConfig
		Issuer   IssuerConfig
	}

	if err := envconfig.Process(ctx, &cfg); err != nil {
		return cfg.Identity, cfg.Issuer, err
	}

	if _, err := cfg.Identity.ServiceConfig(); err != nil {
		return cfg.Identity, cfg.Issuer, fmt.Errorf("invalid identity configuration: %w", err)
	}

	if err := cfg.Issuer.Validate(); err != nil {
		return cfg.Identity, cfg.Issuer, fmt.Errorf("invalid issuer configuration: %w", err)
	}

	return cfg.Identity, cfg.Issuer, nil
}

// ServiceConfig converts the environment settings to the token service
// configuration, validating them. Errors match identity.ErrConfiguration.
func (c IdentityConfig) ServiceConfig() (identity.Config, error) {
	alg, err := identity.ParseSigningAlgorithm(c.SigningAlgorithm)
	if err != nil {
		return identity.Config{}, err
	}

	if c.MaxAudiences <= 0 {
		return identity.Config{}, fmt.Errorf("%w: IDENTITY_CACHE_MAX_AUDIENCES must be positive", identity.ErrConfiguration)
	}

	duration, err := seconds("IDENTITY_TOKEN_DURATION_SECS", c.DurationSeconds)
	if err != nil {
		return identity.Config{}, err
	}
	buffer, err := seconds("IDENTITY_TOKEN_REFRESH_BUFFER_SECS", c.RefreshBufferSeconds)
	if err != nil {
		return identity.Config{}, err
	}
	timeout, err := seconds("IDENTITY_ISSUER_TIMEOUT_SECS", c.IssuerTimeoutSeconds)
	if err != nil {
		return identity.Config{}, err
	}

	svc := identity.Config{
		Audience:      c.Audience,
		Algorithm:     alg,
		Duration:      duration,
		RefreshBuffer: buffer,
		IssuerTimeout: timeout,
	}

	if err := svc.Validate(); err != nil {
		return identity.Config{}, err
	}

	return svc, nil
}

// seconds converts a setting in seconds, rejecting values too large to be
// represented as a time.Duration.
func seconds(name string, value int) (time.Duration, error) {
	if int64(value) > math.MaxInt64/int64(time.Second) {
		return 0, fmt.Errorf("%w: %s is out of range, got %d", identity.ErrConfiguration, name, value)
	}

	return time.Duration(value) * time.Second, nil
}

// Validate checks that the settings required by the chosen issuer type are
// present.
func (c IssuerConfig) Validate() error {
	switch c.Type {
	case IssuerTypeSTS:
		if c.STSEndpoint != "" {
			if _, err := url.ParseRequestURI(c.STSEndpoint); err != nil {
				return fmt.Errorf("IDENTITY_STS_ENDPOINT is not a valid URL: %w", err)
			}
		}
	case IssuerTypeKMS:
		if c.KMSKeyARN == "" {
			return errors.New("IDENTITY_KMS_KEY_ARN required when IDENTITY_ISSUER_TYPE=kms")
		}
		if c.Name == "" {
			return errors.New("IDENTITY_ISSUER_NAME required when IDENTITY_ISSUER_TYPE=kms")
		}
	case IssuerTypeLocal:
		if c.Name == "" {
			return errors.New("IDENTITY_ISSUER_NAME required when IDENTITY_ISSUER_TYPE=local")
		}
	default:
		return fmt.Errorf("unknown IDENTITY_ISSUER_TYPE %q: expected sts, kms or local", c.Type)
	}

	if c.MaxAttempts <= 0 {
		return errors.New("IDENTITY_ISSUER_MAX_ATTEMPTS must be positive")
	}

	return nil
}

// Validate checks the downstream URL when one is configured.
func (c DownstreamConfig) Validate() error {
	if c.BaseURL == "" {
		return nil
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("DOWNSTREAM_BASE_URL is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("DOWNSTREAM_BASE_URL must be an http or https URL, got %q", c.BaseURL)
	}

	if c.TimeoutSeconds <= 0 {
		return errors.New("DOWNSTREAM_TIMEOUT_SECS must be positive")
	}

	return nil
}

// Validate checks the proxy URL when one is configured.
func (c ServerConfig) Validate() error {
	if c.ProxyURL == "" {
		return nil
	}

	if _, err := c.Proxy(); err != nil {
		return err
	}

	return nil
}

// Proxy parses ProxyURL. It returns nil when no proxy is configured.
func (c ServerConfig) Proxy() (*url.URL, error) {
	if c.ProxyURL == "" {
		return nil, nil
	}

	u, err := url.Parse(c.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("HTTP_PROXY is not a valid URL: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("HTTP_PROXY must include a host, got %q", c.ProxyURL)
	}

	return u, nil
}
