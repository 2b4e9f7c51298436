// Command reconciler runs one reconciliation pass and exits. Schedule it
// with cron or run it by hand after a gateway outage.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/safar/portal-billing/internal/app"
	"github.com/safar/portal-billing/internal/config"
	"github.com/safar/portal-billing/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("build application", zap.Error(err))
	}

	report, err := application.Engine.Sweep(ctx)
	if closeErr := application.Close(); closeErr != nil {
		logger.Error("shutdown", zap.Error(closeErr))
	}
	if err != nil {
		logger.Error("reconciliation pass incomplete", zap.Int("failed", report.Failed), zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}
