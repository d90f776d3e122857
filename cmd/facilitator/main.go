package main

import (
	"context"
	"flag"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"

	"github.com/vorpalengineering/x402-adserver/facilitator"
	"github.com/vorpalengineering/x402-adserver/logger"
	"github.com/vorpalengineering/x402-adserver/metrics"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "facilitator/config.yaml", "Path to config file")
	flag.Parse()

	// Load config
	cfg, err := facilitator.LoadConfig(*configPath)
	if err != nil {
		stdlog.Fatalf("Failed to load config: %v", err)
	}
	log := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	// Create context that is cancelled on shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Create and start facilitator
	f := facilitator.NewFacilitator(cfg,
		facilitator.WithLogger(log),
		facilitator.WithMetrics(metrics.New()),
	)
	defer f.Close()

	if err := f.Run(ctx); err != nil {
		log.Error("failed to run facilitator", "error", err)
		os.Exit(1)
	}
}
