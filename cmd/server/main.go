// Chainvoice - Crypto payment invoice reconciliation engine
package main

import (
	"context"
	"os"

	"github.com/mbd888/chainvoice/internal/config"
	"github.com/mbd888/chainvoice/internal/logging"
	"github.com/mbd888/chainvoice/internal/server"
	"github.com/mbd888/chainvoice/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Create logger
	logger := logging.New("info", "text")

	logger.Info("starting chainvoice",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"poll_interval", cfg.PollInterval,
		"invoice_ttl", cfg.InvoiceTTL,
	)

	ctx := context.Background()

	// Tracing is optional; without an OTLP endpoint spans are dropped
	if cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
		if err != nil {
			logger.Warn("failed to initialize tracing", "error", err)
		} else {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
