package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/hostpulse/hostpulse/pkg/agent"
	"github.com/hostpulse/hostpulse/pkg/config"
	_ "github.com/hostpulse/hostpulse/pkg/logutil"
	"github.com/hostpulse/hostpulse/pkg/util/contextutil"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the agent configuration file")
	flag.Parse()

	logger := slog.Default()
	ctx := contextutil.SetupSignals(context.Background())

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.With("err", err).Error("invalid configuration")
		os.Exit(1)
	}

	a, err := agent.New(cfg)
	if err != nil {
		logger.With("err", err).Error("failed to build agent")
		os.Exit(1)
	}

	logger.With(
		"system_id", cfg.SystemID,
	).With(
		"url", cfg.URL,
	).With(
		"interval", cfg.SamplingInterval(),
	).Info("hostpulse agent starting...")

	if err := a.Run(ctx); err != nil {
		logger.With("err", err).Error("agent exited with failure")
		os.Exit(1)
	}
	logger.Info("hostpulse agent stopped")
}
