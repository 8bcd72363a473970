// Package main wires together the vodmon monitor service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/streamherd/vodmon/internal/api"
	"github.com/streamherd/vodmon/internal/clock/system"
	"github.com/streamherd/vodmon/internal/config"
	"github.com/streamherd/vodmon/internal/logging"
	"github.com/streamherd/vodmon/internal/metrics"
	"github.com/streamherd/vodmon/internal/monitor"
	"github.com/streamherd/vodmon/internal/orchestrator"
	"github.com/streamherd/vodmon/internal/processor"
	"github.com/streamherd/vodmon/internal/queue"
	"github.com/streamherd/vodmon/internal/ratelimit"
	"github.com/streamherd/vodmon/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	clock := system.New()

	limiter, err := ratelimit.New(ratelimit.Config{
		RequestDelay: cfg.RequestDelay(),
		DailyCap:     cfg.RateLimit.DailyCap,
	})
	if err != nil {
		return fmt.Errorf("build rate limiter: %w", err)
	}

	taskQueue, err := queue.New(cfg.Queue.Depth)
	if err != nil {
		return fmt.Errorf("build queue: %w", err)
	}
	defer taskQueue.Close()

	fetcher := monitor.NewCollyFetcher(monitor.FetcherConfig{
		UserAgent: cfg.Monitor.UserAgent,
		Timeout:   time.Duration(cfg.Monitor.FetchTimeoutSeconds) * time.Second,
	})
	mon, err := monitor.New(fetcher, clock, monitor.Config{
		Channels:      cfg.Monitor.Channels,
		StatePath:     cfg.Monitor.StatePath,
		FallbackSleep: time.Duration(cfg.Monitor.FallbackSleepSeconds) * time.Second,
	}, logger.Named("monitor"))
	if err != nil {
		return fmt.Errorf("build monitor: %w", err)
	}

	proc := processor.NewNoop(logger.Named("processor"))
	pool, err := worker.New(taskQueue, proc, limiter, worker.Config{
		MaxWorkers:   cfg.Worker.Count,
		FailureSleep: time.Duration(cfg.Worker.FailureSleepSeconds) * time.Second,
	}, logger.Named("worker"))
	if err != nil {
		return fmt.Errorf("build worker pool: %w", err)
	}

	orch, err := orchestrator.New(mon, taskQueue, pool, clock, orchestrator.Config{
		CheckInterval: cfg.PollInterval(),
		MaxRetries:    cfg.Queue.MaxRetries,
	}, logger.Named("orchestrator"))
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	defer orch.Stop()

	opsServer := api.NewServer(orch, limiter, cfg.Monitor.Channels, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           opsServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("ops server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return fmt.Errorf("ops server: %w", err)
	}

	logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}
