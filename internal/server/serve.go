package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// Serve accepts connections on listener until ctx is cancelled or the process
// receives SIGINT or SIGTERM. The server is then shut down gracefully within
// shutdownTimeout, after which the hooks run with the remaining time.
func Serve(ctx context.Context, srv *http.Server, listener net.Listener, shutdownTimeout time.Duration, hooks *ShutdownHooks) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", listener.Addr().String()).Msg("server: listening")
		serveErr <- srv.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return hooks.Execute(context.WithoutCancel(ctx))
		}
		return errors.Join(
			fmt.Errorf("server: serve failed: %w", err),
			hooks.Execute(context.WithoutCancel(ctx)),
		)
	case <-ctx.Done():
	}

	log.Info().Dur("timeout", shutdownTimeout).Msg("server: shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server: graceful shutdown failed: %w", err))
	}

	// Serve returns ErrServerClosed as soon as Shutdown is called
	<-serveErr

	if err := hooks.Execute(shutdownCtx); err != nil {
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		log.Info().Msg("server: shutdown complete")
	}

	return errors.Join(errs...)
}
