package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/justinas/alice"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradedemo/identity-bridge/internal/audit"
	"github.com/tradedemo/identity-bridge/internal/config"
	"github.com/tradedemo/identity-bridge/internal/identity"
	"github.com/tradedemo/identity-bridge/internal/issuer"
	"github.com/tradedemo/identity-bridge/internal/jwt"
	"github.com/tradedemo/identity-bridge/internal/observe"
	"github.com/tradedemo/identity-bridge/internal/outbound"
	"github.com/tradedemo/identity-bridge/internal/server"
	"github.com/tradedemo/identity-bridge/internal/tracing"
	"github.com/tradedemo/identity-bridge/internal/truststore"
)

func configureServerRoutes(cfg config.Config, tokens *identity.Service, base http.RoundTripper) (http.Handler, error) {
	// wrap a mux such that HTTP telemetry is configured by default
	muxWithoutTelemetry := http.NewServeMux()
	mux := observe.NewMux(muxWithoutTelemetry)

	// The request body size is fairly limited to prevent accidental or
	// deliberate abuse. No route accepts a body.
	requestLimitBytes := int64(20 << 10) // 20 KB
	requestLimiter := maxRequestSize(requestLimitBytes)

	requestTracer := tracing.Middleware(cfg.Server.TracingHeader)
	standardRouteMiddleware := alice.New(requestLimiter, requestTracer)

	// healthchecks are not included in telemetry or request logging
	muxWithoutTelemetry.Handle("GET /health", alice.New(requestLimiter).Then(handleHealthCheck()))

	if cfg.Downstream.BaseURL != "" {
		downstream, err := outbound.NewClient(cfg.Downstream, cfg.Server.TracingHeader, tokens, tokens.Audience(), base)
		if err != nil {
			return nil, fmt.Errorf("downstream client configuration failed: %w", err)
		}

		mux.Handle("GET /downstream/probe", standardRouteMiddleware.Then(handleDownstreamProbe(downstream)))
	} else {
		log.Info().Msg("DOWNSTREAM_BASE_URL not set: downstream probe disabled")
	}

	if cfg.Admin.IssuerURL != "" {
		authorizer, err := jwt.Middleware(cfg.Admin)
		if err != nil {
			return nil, fmt.Errorf("authorizer configuration failed: %w", err)
		}

		adminRouteMiddleware := standardRouteMiddleware.Append(audit.Middleware(), authorizer)

		mux.Handle("GET /identity/status", adminRouteMiddleware.Then(handleIdentityStatus(tokens)))
		mux.Handle("POST /identity/invalidate", adminRouteMiddleware.Then(handleIdentityInvalidate(tokens)))
	} else {
		log.Info().Msg("ADMIN_JWT_ISSUER_URL not set: administrative routes disabled")
	}

	return mux, nil
}

func main() {
	configureLogging()

	logBuildInfo()

	err := launchServer()
	if err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func launchServer() error {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	// configure telemetry, including wrapping default HTTP client
	shutdownTelemetry, err := observe.Configure(ctx, cfg.Observe)
	if err != nil {
		return fmt.Errorf("telemetry bootstrap failed: %w", err)
	}

	transport, err := configureHTTPTransport(cfg.Server)
	if err != nil {
		return fmt.Errorf("outgoing HTTP configuration failed: %w", err)
	}

	http.DefaultTransport = observe.HTTPTransport(transport, cfg.Observe)
	http.DefaultClient = &http.Client{
		Transport: http.DefaultTransport,
	}

	hooks := &server.ShutdownHooks{}

	tokens, store, err := configureIdentity(ctx, cfg)
	if err != nil {
		return err
	}
	hooks.AddClose("identity token store", store)
	hooks.Add("outbound connections", func() error {
		transport.CloseIdleConnections()
		return nil
	})
	hooks.AddContext("telemetry", shutdownTelemetry)

	warmToken(ctx, tokens)

	handler, err := configureServerRoutes(cfg, tokens, http.DefaultTransport)
	if err != nil {
		return fmt.Errorf("server routing configuration failed: %w", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		MaxHeaderBytes:    20 << 10,         // 20 KB
		ReadHeaderTimeout: 20 * time.Second, // Prevent Slowloris attacks
	}

	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("server listen failed: %w", err)
	}

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second

	if err := server.Serve(ctx, srv, listener, shutdownTimeout, hooks); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// configureIdentity builds the token service for the configured audience.
// Configuration errors stop the process before it serves any request.
func configureIdentity(ctx context.Context, cfg config.Config) (*identity.Service, *identity.Store, error) {
	svcCfg, err := cfg.Identity.ServiceConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("identity configuration failed: %w", err)
	}

	tokenIssuer, err := issuer.New(ctx, cfg.Issuer, svcCfg.Algorithm, http.DefaultClient)
	if err != nil {
		return nil, nil, fmt.Errorf("issuer configuration failed: %w", err)
	}

	store, err := identity.NewMemoryStore(cfg.Identity.MaxAudiences)
	if err != nil {
		return nil, nil, fmt.Errorf("token store configuration failed: %w", err)
	}

	tokens, err := identity.NewService(svcCfg, store, tokenIssuer)
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("token service configuration failed: %w", err)
	}

	log.Info().
		Str("audience", svcCfg.Audience).
		Stringer("algorithm", svcCfg.Algorithm).
		Dur("duration", svcCfg.Duration).
		Dur("refreshBuffer", svcCfg.RefreshBuffer).
		Msg("identity token service configured")

	return tokens, store, nil
}

// warmToken obtains the first token before serving. A failure is not fatal:
// the next request for a token tries again.
func warmToken(ctx context.Context, tokens *identity.Service) {
	if _, err := tokens.Token(ctx); err != nil {
		log.Warn().Err(err).Str("audience", tokens.Audience()).Msg("initial identity token request failed, continuing")
		return
	}

	log.Info().Str("audience", tokens.Audience()).Msg("initial identity token obtained")
}

func configureLogging() {
	// Elastic Common Schema field names
	zerolog.TimestampFieldName = "@timestamp"
	zerolog.LevelFieldName = "log.level"
	zerolog.MessageFieldName = "message"
	zerolog.ErrorFieldName = "error.message"
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.LevelFieldMarshalFunc = audit.LevelName

	// Set global level to the minimum: allows the Open Telemetry logging to be
	// configured separately. However, it means that any logger that sets its
	// level will log as this effectively disables the global level.
	zerolog.SetGlobalLevel(zerolog.Level(-128))

	// default level is Info
	log.Logger = log.Level(zerolog.InfoLevel)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Info()
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") ||
			strings.HasPrefix(v.Key, "GO") ||
			v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}

	ev.Msg("build information")
}

// configureHTTPTransport clones the default transport, adding the platform
// certificate authorities and the egress proxy.
func configureHTTPTransport(cfg config.ServerConfig) (*http.Transport, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	transport.MaxIdleConns = cfg.OutgoingHTTPMaxIdleConns
	transport.MaxConnsPerHost = cfg.OutgoingHTTPMaxConnsPerHost

	if certs := truststore.Scan(os.Environ()); len(certs) > 0 {
		transport.TLSClientConfig = &tls.Config{
			RootCAs:    truststore.Pool(certs),
			MinVersion: tls.VersionTLS12,
		}
	}

	proxy, err := cfg.Proxy()
	if err != nil {
		return nil, err
	}
	if proxy != nil {
		log.Info().Str("proxy", proxy.Redacted()).Msg("outgoing requests use HTTP proxy")
		transport.Proxy = http.ProxyURL(proxy)
	}

	return transport, nil
}
