package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Dhoini/checkout-engine/internal/app"
	"github.com/Dhoini/checkout-engine/internal/config"
	"github.com/Dhoini/checkout-engine/pkg/logger"
)

func main() {
	var configPath string
	root := &cobra.Command{
		Use:          "server",
		Short:        "Checkout and subscription activation engine",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		Run:          func(*cobra.Command, []string) { serve(configPath) },
	}
	root.Flags().StringVar(&configPath, "config", "", "path to config.yaml (default: ./config.yaml or ./config/config.yaml)")

	if err := root.Execute(); err != nil {
		os.Exit(2)
	}
}

func serve(configPath string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.New(logger.INFO).Fatal("Failed to load configuration: %v", err)
	}

	log := logger.NewWithOptions(logger.Options{
		Level: logger.ParseLevel(cfg.Logging.Level),
		JSON:  cfg.Logging.Format == "json",
	})
	defer log.Sync()

	log.Infow("Checkout engine starting up", "env", cfg.App.Env, "storage", cfg.Storage.Driver, "outbox", cfg.Outbox.Driver)

	// Graceful shutdown по SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize application: %v", err)
	}
	defer func() {
		if err := application.Close(); err != nil {
			log.Errorw("Failed to close resources", "error", err)
		}
	}()

	if err := application.Run(ctx); err != nil {
		log.Errorw("Server stopped with error", "error", err)
		stop()
		os.Exit(1)
	}
}
