package bootstrap

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Run starts lc, waits for SIGINT, SIGTERM or the end of ctx, then stops
// lc within shutdownTimeout.
func Run(ctx context.Context, lc *Lifecycle, logger zerolog.Logger, shutdownTimeout time.Duration) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, lc, logger, shutdownTimeout)
}

func run(ctx context.Context, lc *Lifecycle, logger zerolog.Logger, shutdownTimeout time.Duration) error {
	if err := lc.Start(ctx); err != nil {
		return err
	}
	logger.Info().Strs("services", lc.Services()).Msg("running")

	<-ctx.Done()
	logger.Info().Msg("starting graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return lc.Stop(shutdownCtx)
}
