// Server serves the captcha HTTP API and the gRPC health service.
// Configuration comes from the environment or .env; see internal/config.
package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"capgate/internal/bootstrap"
	"capgate/internal/captcha/repository"
	"capgate/internal/captcha/service"
	"capgate/internal/config"
	healthhandler "capgate/internal/health/handler"
	"capgate/internal/metrics"
	"capgate/internal/server"
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
	bootstrap.WarnBypass(ctx, cfg, logger)

	tel, err := bootstrap.NewTelemetry(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to set up telemetry", "err", err)
		return 1
	}
	defer func() {
		// Give in-flight async audit emits time to finish before flushing providers.
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
	logger.Info("token store opened", "backend", cfg.StoreBackend)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	svc := service.NewService(repo, bootstrap.ServiceOptions(cfg), logger, metrics.New(reg), tel.Audit)
	health := healthhandler.NewServer(repo, logger)

	deps := server.Deps{
		Captcha:     svc,
		Health:      health,
		Gatherer:    reg,
		Logger:      logger,
		Production:  cfg.IsProduction(),
		ServiceName: cfg.OTelServiceName,
	}
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.NewHTTPHandler(deps),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	grpcSrv := server.NewGRPCServer(deps)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Error("failed to listen", "addr", cfg.GRPCAddr, "err", err)
		return 1
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting http server", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("starting grpc server", "addr", cfg.GRPCAddr)
		return grpcSrv.Serve(lis)
	})

	if cfg.SweepInterval > 0 {
		g.Go(func() error {
			return worker.NewSweepLoop(svc, cfg.SweepInterval, logger).Run(gCtx)
		})
	}

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("stopping servers")
		health.Shutdown()

		shutCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		stopped := make(chan struct{})
		go func() {
			grpcSrv.GracefulStop()
			close(stopped)
		}()
		err := httpSrv.Shutdown(shutCtx)
		select {
		case <-stopped:
		case <-shutCtx.Done():
			// Health Watch streams never end on their own.
			grpcSrv.Stop()
		}
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", "err", err)
		return 1
	}
	logger.Info("server stopped")
	return 0
}
