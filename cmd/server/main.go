package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/wadjakorntonsri/linkshort/pkg/app"
	"github.com/wadjakorntonsri/linkshort/pkg/config"
	"github.com/wadjakorntonsri/linkshort/pkg/logging"
)

func main() {
	cfg, err := config.Load(".", "./configs")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.AppEnv, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.WithError(err).Error("Error closing resources")
		}
	}()

	log.WithField("port", cfg.Port).Info("Server starting")
	if err := a.Run(ctx); err != nil {
		log.WithError(err).Error("Server stopped with error")
		return
	}
	log.Info("Server stopped")
}
