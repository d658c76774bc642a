// Worker sweeps expired challenges and redemption tokens from the token store on SWEEP_INTERVAL.
// Run it alongside servers started with SWEEP_INTERVAL=0, or against a shared store.
package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"capgate/internal/bootstrap"
	"capgate/internal/captcha/repository"
	"capgate/internal/captcha/service"
	"capgate/internal/config"
	"capgate/internal/telemetry"
	"capgate/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Stderr))
}

func run(ctx context.Context, w io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewTextHandler(w, nil)).Error("failed to load config", "err", err)
		return 1
	}
	logger := bootstrap.Logger(cfg, w)
	slog.SetDefault(logger)

	tel, err := bootstrap.NewTelemetry(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to set up telemetry", "err", err)
		return 1
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), telemetry.ShutdownDrainDuration)
		defer cancel()
		if err := tel.Shutdown(shutCtx); err != nil {
			logger.Warn("telemetry shutdown", "err", err)
		}
	}()

	repo, closer, err := repository.Open(ctx, bootstrap.StoreConfig(cfg, logger))
	if err != nil {
		logger.Error("failed to open token store", "backend", cfg.StoreBackend, "err", err)
		return 1
	}
	defer closer.Close()

	svc := service.NewService(repo, bootstrap.ServiceOptions(cfg), logger, nil, tel.Audit)
	loop := worker.NewSweepLoop(svc, cfg.SweepInterval, logger)
	logger.Info("worker: sweeping", "backend", cfg.StoreBackend, "interval", loop.Interval().String())
	if err := loop.Run(ctx); err != nil {
		logger.Error("worker stopped with error", "err", err)
		return 1
	}
	return 0
}
