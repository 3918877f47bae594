// Command reaper runs the scheduled maintenance jobs: token hygiene,
// in-app expiry, tracking record retention, and queue cleanup.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/notifyhub/notifyhub/internal/config"
	"github.com/notifyhub/notifyhub/internal/notification"
	"github.com/notifyhub/notifyhub/internal/queue"
	"github.com/notifyhub/notifyhub/internal/reaper"
	"github.com/notifyhub/notifyhub/internal/sentry"
	"github.com/notifyhub/notifyhub/internal/store"
	"github.com/notifyhub/notifyhub/internal/telemetry"
	"github.com/notifyhub/notifyhub/internal/tokens"
)

func main() {
	if err := run(); err != nil {
		log.Printf("reaper exited with error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := telemetry.NewLogger(&telemetry.LogConfig{
		Level:  telemetry.LogLevel(cfg.LogLevel),
		Format: "json",
		Output: "stdout",
	})
	if err != nil {
		return err
	}

	sentry.Init(cfg)
	defer sentry.Flush(2 * time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	substrate, err := queue.NewRedisSubstrate(cfg.Redis.URL())
	if err != nil {
		return err
	}

	r := reaper.New(
		cfg,
		tokens.NewRegistry(db, logger),
		notification.NewPostgresEmailRepository(db.DB),
		notification.NewPostgresInAppRepository(db.DB),
		notification.NewPostgresPushRepository(db.DB),
		substrate,
		queue.DefaultTopology(),
		logger,
	)

	logger.Info("Reaper starting")
	if err := r.Run(ctx); err != nil {
		return err
	}
	logger.Info("Reaper stopped")
	return nil
}
