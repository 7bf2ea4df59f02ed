package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/estatereel/renderd/internal/api"
	"github.com/estatereel/renderd/internal/config"
	"github.com/estatereel/renderd/internal/db"
	"github.com/estatereel/renderd/internal/dispatch"
	"github.com/estatereel/renderd/internal/jobs"
	"github.com/estatereel/renderd/internal/logging"
	"github.com/estatereel/renderd/internal/notify"
	"github.com/estatereel/renderd/internal/orchestrator"
	"github.com/estatereel/renderd/internal/playback"
	"github.com/estatereel/renderd/internal/storage"
	"github.com/estatereel/renderd/internal/telemetry"
	"github.com/estatereel/renderd/internal/transfer"
)

const callbackTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	startTime := time.Now()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting renderd",
		"version", config.Version,
		"commit", config.GitCommit,
		"data_dir", cfg.DataDir(),
		"public_url", logging.SanitizeURL(cfg.PublicURL()),
	)

	providers, err := config.LoadProviders(cfg.ProvidersFile())
	if err != nil {
		return err
	}

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	store := jobs.NewSQLiteStore(database.Conn())
	// Instruments bind to the global provider; they stay no-ops unless an
	// exporter has registered one via otel.SetMeterProvider.
	metrics := telemetry.New(otel.GetMeterProvider())

	set, err := buildProviders(cfg, providers, logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to configure providers: %w", err)
	}

	dispatcher, err := dispatch.New(dispatch.Config{
		Strategies:     set.strategies,
		Store:          store,
		AttemptTimeout: cfg.AttemptTimeout(),
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	var uploader storage.Uploader
	if cfg.StorageURL() != "" {
		storageCfg := storage.Config{
			BaseURL: cfg.StorageURL(),
			Token:   cfg.StorageToken(),
			Policy: transfer.Policy{
				MaxAttempts: cfg.TransferMaxAttempts(),
				BaseDelay:   cfg.TransferBaseDelay(),
				Timeout:     cfg.TransferTimeout(),
			},
			Logger: logger,
		}
		if set.local != nil {
			storageCfg.LocalProvider = set.local.Name()
			storageCfg.LocalRoot = set.outputDir
		}
		u, err := storage.NewHTTPUploader(storageCfg)
		if err != nil {
			return fmt.Errorf("failed to configure storage: %w", err)
		}
		uploader = u
		logger.Info("artifact upload enabled", "storage_url", logging.SanitizeURL(cfg.StorageURL()))
	}

	sinks := notify.Multi{notify.NewLogSink(logger), notify.NewHTTPSink(nil, callbackTimeout)}
	if cfg.RedisAddr() != "" {
		redisSink := notify.NewRedisSink(cfg.RedisAddr(), cfg.RedisChannel())
		defer redisSink.Close()
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisSink.Ping(pingCtx); err != nil {
			logger.Warn("redis unreachable at start-up", "addr", cfg.RedisAddr(), "error", err)
		}
		pingCancel()
		sinks = append(sinks, redisSink)
		logger.Info("redis notifications enabled", "addr", cfg.RedisAddr(), "channel", cfg.RedisChannel())
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Store:               store,
		Dispatcher:          dispatcher,
		Local:               set.local,
		Uploader:            uploader,
		Notifier:            sinks,
		DispatchConcurrency: cfg.DispatchConcurrency(),
		ContextCacheSize:    cfg.ContextCacheSize(),
		ContextCacheTTL:     cfg.ContextCacheTTL(),
		Logger:              logger,
		Metrics:             metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	if n, err := orch.RecoverInterrupted(context.Background()); err != nil {
		logger.Error("failed to recover interrupted jobs", "error", err)
	} else if n > 0 {
		logger.Info("recovered interrupted jobs", "count", n)
	}

	serverCfg := api.ServerConfig{
		Port:      cfg.Port(),
		Service:   orch,
		Webhooks:  set.webhooks,
		APIToken:  cfg.APIToken(),
		Database:  database,
		Logger:    logger,
		StartTime: startTime,
		Version:   config.Version,
	}
	if set.queue != nil {
		serverCfg.Renders = set.queue
		player, err := playback.NewServer(set.outputDir, logger)
		if err != nil {
			return err
		}
		serverCfg.Playback = player
	}
	apiServer := api.NewServer(serverCfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}
	shutdownQueue(shutdownCtx, set, logger)

	logger.Info("shutdown complete")
	return nil
}

func shutdownQueue(ctx context.Context, set *providerSet, logger *slog.Logger) {
	if set.queue == nil {
		return
	}
	if err := set.queue.Shutdown(ctx); err != nil {
		logger.Error("failed to drain render queue", "error", err)
	}
}
