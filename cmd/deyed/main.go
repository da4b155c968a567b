package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/smirnovhub/my-deye-scripts-sub000/internal/config"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/logging"
	"github.com/smirnovhub/my-deye-scripts-sub000/internal/system"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	configPath := pflag.StringP("config", "c", "configs/config.yaml", "Configuration file path.")
	verbose := pflag.BoolP("verbose", "v", false, "Development logging with debug output.")
	pflag.Parse()

	// Config laden
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, *verbose)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Config loaded successfully", zap.String("path", *configPath))

	// Lifecycle Manager
	lifecycle, err := system.NewLifecycleManager(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize system", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// System starten
	if err := lifecycle.Start(ctx); err != nil {
		lifecycle.Shutdown(context.Background())
		logger.Fatal("Failed to start system", zap.Error(err))
	}

	logger.Info("deyed started successfully")

	// Graceful Shutdown auf Signal
	<-ctx.Done()
	logger.Info("Shutdown signal received")

	if err := lifecycle.Shutdown(context.Background()); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("deyed stopped successfully")
}
