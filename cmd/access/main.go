package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/devrev/pairdb/store-access/internal/cache"
	"github.com/devrev/pairdb/store-access/internal/config"
	"github.com/devrev/pairdb/store-access/internal/health"
	"github.com/devrev/pairdb/store-access/internal/metrics"
	"github.com/devrev/pairdb/store-access/internal/rawstore/memstore"
	"github.com/devrev/pairdb/store-access/internal/security"
	"github.com/devrev/pairdb/store-access/internal/server"
	"github.com/devrev/pairdb/store-access/internal/service"
	"github.com/devrev/pairdb/store-access/internal/storage/diskmanager"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("Starting access service",
		zap.String("node_id", cfg.Server.NodeID),
		zap.Bool("create", cfg.Server.Create),
		zap.String("data_dir", cfg.Storage.DataDir))

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		logger.Fatal("Failed to create data directory", zap.Error(err))
	}

	m := metrics.NewMetrics(cfg.Server.NodeID, prometheus.DefaultRegisterer)
	limitPercent := cfg.Storage.MaxDiskUsage * 100

	raw := memstore.New(memstore.Config{
		DeadlockTimeout: cfg.Access.DeadlockTimeout,
		LockWaitTimeout: cfg.Access.LockWaitTimeout,
		ReadOnly:        cfg.Access.ReadOnly,
		DiskCheck: func(dir string, estimatedBytes uint64) error {
			dmCfg := diskmanager.DefaultConfig(dir)
			dmCfg.LimitThreshold = limitPercent
			dm, err := diskmanager.NewDiskManager(dmCfg, logger)
			if err != nil {
				return err
			}
			return dm.CheckBeforeWrite(estimatedBytes)
		},
	}, logger, m)

	am := service.New(service.Config{
		NodeID: cfg.Server.NodeID,
		Cache: cache.Config{
			Target:  cfg.Access.CacheTarget,
			Ceiling: cfg.Access.CacheCeiling,
		},
		Territory:         cfg.Access.Territory,
		PostCommitWorkers: cfg.Access.PostCommitWorkers,
		PostCommitQueue:   cfg.Access.PostCommitQueue,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
	}, raw, security.NewConfigAuthorizer(cfg.AuthorizerConfig(), logger), m, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := am.Boot(ctx, cfg.Server.Create, cfg.Properties()); err != nil {
		logger.Fatal("Failed to boot access manager", zap.Error(err))
	}
	if cfg.Server.Create {
		if err := am.CreateFinished(); err != nil {
			logger.Fatal("Failed to finish database creation", zap.Error(err))
		}
	}
	logger.Info("Access manager booted",
		zap.String("lock_granularity", am.LockGranularity().String()))

	checker := health.NewHealthChecker(health.HealthCheckConfig{
		NodeID:          cfg.Server.NodeID,
		DataDir:         cfg.Storage.DataDir,
		CriticalPercent: limitPercent,
	}, am, logger)

	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(server.MetricsServerConfig{
			Port: cfg.Metrics.Port,
			Path: cfg.Metrics.Path,
		}, checker, logger)
		if err := metricsServer.Start(ctx); err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	} else {
		go checker.Start(ctx)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if metricsServer != nil {
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			logger.Error("Failed to stop metrics server", zap.Error(err))
		}
	}
	if err := am.Stop(shutdownCtx); err != nil {
		logger.Error("Failed to stop access manager", zap.Error(err))
	}
}

// initLogger builds the zap logger from the logging section
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}
