// This command is used to check issuer configuration: it requests a single
// identity token with the same environment the server uses and reports its
// expiry. The token itself is only printed when asked for.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradedemo/identity-bridge/internal/config"
	"github.com/tradedemo/identity-bridge/internal/identity"
	"github.com/tradedemo/identity-bridge/internal/issuer"
)

func main() {
	printToken := flag.Bool("print-token", false, "write the token to stdout")
	audience := flag.String("audience", "", "request a token for this audience instead of IDENTITY_TOKEN_AUDIENCE")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel)

	if err := run(context.Background(), *audience, *printToken); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, audienceOverride string, printToken bool) error {
	identityCfg, issuerCfg, err := config.LoadIdentity(ctx)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	svcCfg, err := identityCfg.ServiceConfig()
	if err != nil {
		return err
	}

	audience := svcCfg.Audience
	if audienceOverride != "" {
		audience = audienceOverride
	}

	tokenIssuer, err := issuer.New(ctx, issuerCfg, svcCfg.Algorithm, http.DefaultClient)
	if err != nil {
		return fmt.Errorf("creating issuer: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, svcCfg.IssuerTimeout)
	defer cancel()

	token, err := tokenIssuer.RequestToken(ctx, audience, svcCfg.Algorithm, svcCfg.Duration)
	if err != nil {
		return fmt.Errorf("requesting token: %w", err)
	}

	expiresAt, err := identity.NewJWTValidator(svcCfg.Algorithm).Expiry(token)
	if err != nil {
		return fmt.Errorf("validating token: %w", err)
	}

	fmt.Printf("issuer:    %s\n", issuerCfg.Type)
	fmt.Printf("audience:  %s\n", audience)
	fmt.Printf("algorithm: %s\n", svcCfg.Algorithm)
	fmt.Printf("expires:   %s (in %s)\n", expiresAt.UTC().Format(time.RFC3339), time.Until(expiresAt).Round(time.Second))

	if printToken {
		fmt.Println(token)
	}

	return nil
}
