package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/SirClappington/invq/internal/app"
	"github.com/SirClappington/invq/internal/config"
	"github.com/SirClappington/invq/internal/dispatch"
	"github.com/SirClappington/invq/internal/logging"
	"github.com/SirClappington/invq/internal/worker"
)

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

	// Job logic lives elsewhere; this binary only logs what it receives.
	handler := worker.HandlerFunc(func(_ context.Context, req *dispatch.Request) error {
		inv := req.Invocation()
		logger.Info("invocation received",
			zap.Stringer("invocation_id", inv.ID),
			zap.String("job", inv.Job),
			zap.Int64("attempt", inv.DequeueCount),
			zap.ByteString("payload", inv.Payload))
		return nil
	})

	logger.Info("worker started", zap.Int("concurrency", cfg.Worker.Concurrency))
	if err := a.Worker(handler).Run(ctx); err != nil {
		logger.Error("worker stopped", zap.Error(err))
	}
}
