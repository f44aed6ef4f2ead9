// Package main is the entry point for the orchestration control plane.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/limiquantix/orchestrator/internal/config"
	"github.com/limiquantix/orchestrator/internal/hypervisor"
	"github.com/limiquantix/orchestrator/internal/hypervisor/fake"
	"github.com/limiquantix/orchestrator/internal/hypervisor/pve"
	"github.com/limiquantix/orchestrator/internal/repository/etcd"
	"github.com/limiquantix/orchestrator/internal/repository/postgres"
	"github.com/limiquantix/orchestrator/internal/repository/redis"
	"github.com/limiquantix/orchestrator/internal/server"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		println("Orchestrator Control Plane")
		println("Version:", version)
		println("Commit:", commit)
		println("Build Date:", buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		println("Failed to load config:", err.Error())
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging)
	defer logger.Sync()

	logger.Info("Starting Orchestrator Control Plane",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("hypervisor", cfg.Hypervisor.Driver),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts, err := connectBackends(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to connect backends", zap.Error(err))
	}

	srv := server.New(cfg, logger, opts...)

	if err := srv.Run(ctx); err != nil {
		logger.Fatal("Server error", zap.Error(err))
	}

	logger.Info("Goodbye!")
}

// connectBackends builds the hypervisor adapter and connects every enabled
// infrastructure backend.
func connectBackends(ctx context.Context, cfg *config.Config, logger *zap.Logger) ([]server.ServerOption, error) {
	var hv hypervisor.Client
	switch cfg.Hypervisor.Driver {
	case "pve":
		client, err := pve.NewClient(cfg.Hypervisor, logger)
		if err != nil {
			return nil, err
		}
		hv = client
	default:
		logger.Warn("Using in-memory development cluster")
		hv = fake.NewDevCluster()
	}
	opts := []server.ServerOption{server.WithHypervisor(hv)}

	if cfg.Database.Enabled {
		dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		db, err := postgres.NewDB(dbCtx, cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, server.WithPostgreSQL(db))
	}

	if cfg.Redis.Enabled {
		cache, err := redis.NewCache(cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, server.WithRedis(cache))
	}

	if cfg.Etcd.Enabled {
		client, err := etcd.NewClient(cfg.Etcd, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, server.WithEtcd(client))
	}

	return opts, nil
}

// setupLogger configures the zap logger based on configuration.
func setupLogger(cfg config.LoggingConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapConfig zap.Config
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	zapConfig.Level = zap.NewAtomicLevelAt(level)
	if cfg.Output != "" {
		zapConfig.OutputPaths = []string{cfg.Output}
	}

	logger, err := zapConfig.Build()
	if err != nil {
		panic("Failed to create logger: " + err.Error())
	}

	return logger
}
