// Holdfast - escrow lifecycle engine
package main

import (
	"context"
	"os"

	"github.com/mbd888/holdfast/internal/config"
	"github.com/mbd888/holdfast/internal/logging"
	"github.com/mbd888/holdfast/internal/server"
	"github.com/mbd888/holdfast/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	bootLogger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		bootLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewWithOptions(logging.Options{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	defer func() { _ = logCloser.Close() }()

	logger.Info("starting holdfast",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"store", cfg.StoreDriver,
		"ledger_timeout", cfg.LedgerTimeout,
		"payout_stale_after", cfg.PayoutStaleAfter,
	)

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	runErr := srv.Run(ctx)

	if err := shutdownTracing(context.Background()); err != nil {
		logger.Warn("failed to flush traces", "error", err)
	}
	if runErr != nil {
		logger.Error("server error", "error", runErr)
		_ = logCloser.Close()
		os.Exit(1)
	}
}
