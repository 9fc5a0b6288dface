package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/SirClappington/invq/internal/app"
	"github.com/SirClappington/invq/internal/config"
	"github.com/SirClappington/invq/internal/logging"
)

// The scheduler re-drives invocations left in queuing by producers that died
// between their two writes. Run one or more; the advisory lock keeps sweeps
// to a single leader.
func main() {
	cfg := config.MustLoad()
	logger, err := logging.New(cfg.AppEnv)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open backends", zap.Error(err))
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close backends", zap.Error(err))
		}
	}()

	logger.Info("scheduler started",
		zap.Duration("interval", cfg.Reconcile.Interval),
		zap.Duration("stale_after", cfg.Reconcile.StaleAfter))
	if err := a.Sweeper().Run(ctx); err != nil {
		logger.Error("scheduler stopped", zap.Error(err))
	}
}
