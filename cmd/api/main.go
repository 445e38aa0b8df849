package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/1am3/excdev-test-lab/internal/async"
	"github.com/1am3/excdev-test-lab/internal/config"
	"github.com/1am3/excdev-test-lab/internal/events"
	"github.com/1am3/excdev-test-lab/internal/infra"
	"github.com/1am3/excdev-test-lab/internal/logging"
	"github.com/1am3/excdev-test-lab/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)

	ctx := context.Background()

	db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	var cache *redis.Client
	if cfg.RedisURL != "" {
		cache, err = infra.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("connect redis", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
	} else {
		logger.Warn("REDIS_URL not set, idempotency keys kept in process memory")
	}

	var publisher events.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPub := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer func() {
			if err := kafkaPub.Close(); err != nil {
				logger.Warn("close kafka writer", "error", err)
			}
		}()
		publisher = kafkaPub
	} else {
		logger.Info("KAFKA_BROKERS not set, operation events go to the log")
		publisher = events.NewLoggerPublisher(logger)
	}

	srv, err := server.New(cfg, db, cache, publisher, logger)
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}

	runnerCtx, stopRunner := context.WithCancel(ctx)
	defer stopRunner()
	runner := async.NewInProcessRunner(srv.Service().Process, async.RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     async.ExponentialBackoff(cfg.RetryBase),
	}, logger)
	go runner.Run(runnerCtx)

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}

	stopRunner()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited cleanly")
}
