// AetherLock - oracle-arbitrated escrow for AI agent payments
package main

import (
	"context"
	"os"

	"github.com/mbd888/aetherlock/internal/config"
	"github.com/mbd888/aetherlock/internal/logging"
	"github.com/mbd888/aetherlock/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, closer := logging.Setup(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	defer func() { _ = closer.Close() }()

	logger.Info("starting aetherlock",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	opts := []server.Option{server.WithLogger(logger)}
	if cfg.ManifestPath != "" {
		manifest, err := config.LoadManifest(cfg.ManifestPath)
		if err != nil {
			logger.Error("failed to load manifest", "path", cfg.ManifestPath, "error", err)
			os.Exit(1)
		}
		if err := manifest.Apply(cfg); err != nil {
			logger.Error("invalid configuration after manifest", "error", err)
			os.Exit(1)
		}
		opts = append(opts, server.WithManifest(manifest))
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"local_chain", cfg.LocalChain,
		"fee_rate_percent", cfg.FeeRatePercent,
		"postgres", cfg.DatabaseURL != "",
	)

	srv, err := server.New(cfg, opts...)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
