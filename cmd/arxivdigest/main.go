package main

import (
	"context"
	"flag"
	"os"

	"arxivdigest/internal/app"
	"arxivdigest/internal/config"
	"arxivdigest/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional; env ARXIV_DIGEST_CONFIG also honoured)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.New("error").Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging.Level)

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}

	if err := application.Run(context.Background()); err != nil {
		logger.Error("application stopped", "error", err)
		os.Exit(1)
	}
}
