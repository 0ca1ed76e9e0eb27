package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/Dhoini/travel-entitlements/config"
	"github.com/Dhoini/travel-entitlements/internal/app"
	"github.com/Dhoini/travel-entitlements/pkg/logger"
)

func main() {
	configPath := flag.String("config", ".", "directory with config.yaml")
	flag.Parse()

	// Загрузка конфигурации
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.New(logger.INFO, "console").Fatal("Failed to load configuration: %v", err)
	}

	log := logger.New(logger.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	defer log.Sync()

	// Контекст отменяется по SIGINT/SIGTERM, это запускает graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize application: %v", err)
	}

	log.Infow("Entitlement service starting", "port", cfg.Server.Port, "storage", cfg.Database.Driver)
	runErr := application.Run(ctx)

	if err := application.Close(); err != nil {
		log.Errorw("Failed to release resources", "error", err)
	}
	if runErr != nil {
		log.Errorw("Service stopped with error", "error", runErr)
		os.Exit(1)
	}
	log.Info("Server stopped gracefully")
}
