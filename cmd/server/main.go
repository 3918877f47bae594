// Command server runs one notification platform instance: the HTTP
// API, the websocket hub, and the queue consumers for every channel
// family and tier.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/notifyhub/notifyhub/internal/config"
	"github.com/notifyhub/notifyhub/internal/entities"
	"github.com/notifyhub/notifyhub/internal/httpapi"
	"github.com/notifyhub/notifyhub/internal/mailer"
	"github.com/notifyhub/notifyhub/internal/notification"
	"github.com/notifyhub/notifyhub/internal/push"
	"github.com/notifyhub/notifyhub/internal/queue"
	"github.com/notifyhub/notifyhub/internal/sentry"
	"github.com/notifyhub/notifyhub/internal/socket"
	"github.com/notifyhub/notifyhub/internal/store"
	"github.com/notifyhub/notifyhub/internal/telemetry"
	"github.com/notifyhub/notifyhub/internal/tokens"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	if err := run(); err != nil {
		log.Printf("server exited with error: %v", err)
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

	otelShutdown, err := telemetry.InitializeOpenTelemetry(ctx, telemetry.LoadOTelConfigFromEnv())
	if err != nil {
		return err
	}
	defer otelShutdown()

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	redisOpt, err := redis.ParseURL(cfg.Redis.URL())
	if err != nil {
		return err
	}
	redisClient := redis.NewClient(redisOpt)
	defer redisClient.Close()
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.WithError(err).Warn("Failed to instrument redis client")
	}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return err
	}

	substrate := queue.NewRedisSubstrateFromClient(redisClient)
	topology := queue.DefaultTopology()

	emails := notification.NewPostgresEmailRepository(db.DB)
	inApps := notification.NewPostgresInAppRepository(db.DB)
	pushes := notification.NewPostgresPushRepository(db.DB)
	entityStore := entities.NewStore(db)
	registry := tokens.NewRegistry(db, logger)

	tracker := telemetry.NewTracker(1000, prometheus.DefaultRegisterer)

	bridge := socket.NewBridge(redisClient, cfg.InstanceID, logger)
	verifier := socket.NewHMACVerifier(cfg.SessionSecret)
	hub := socket.NewHub(cfg.InstanceID, bridge, inApps, entityStore, verifier, logger)
	if err := hub.ListenBroadcast(ctx); err != nil {
		logger.WithError(err).Warn("Broadcast subscription unavailable, broadcasts stay local")
	}

	smtpSender := mailer.New(cfg.SMTP)
	fcmSender, err := push.NewFCMSender(ctx, cfg.FCM)
	if err != nil {
		return err
	}

	orchestrator := notification.NewOrchestrator(
		emails, inApps, pushes, entityStore, substrate, topology, tracker, logger)
	replay := notification.NewReplayService(substrate, topology, emails, inApps, pushes, logger)

	deps := &notification.WorkerDeps{
		Substrate: substrate,
		Topology:  topology,
		Mirrors:   entityStore,
		Tracker:   tracker,
		Logger:    logger,
	}
	handlers := map[string]queue.Handler{
		queue.ChannelEmail: notification.NewEmailWorker(deps, emails, smtpSender).Handle,
		queue.ChannelInApp: notification.NewInAppWorker(deps, inApps, hub).Handle,
		queue.ChannelPush:  notification.NewPushWorker(deps, pushes, fcmSender, registry).Handle,
	}

	var consumers []*queue.Consumer
	for _, family := range topology.Families() {
		handler, ok := handlers[family.Channel]
		if !ok {
			logger.WithField("channel", family.Channel).Warn("No handler for channel, skipping consumers")
			continue
		}
		for _, tier := range family.Tiers {
			consumers = append(consumers,
				queue.NewConsumer(substrate, queue.ConsumerFor(family, tier), handler, logger))
		}
	}

	server := httpapi.NewServer(httpapi.Deps{
		Config:       cfg,
		Logger:       logger,
		DB:           db,
		Substrate:    substrate,
		Topology:     topology,
		Orchestrator: orchestrator,
		Entities:     entityStore,
		Tokens:       registry,
		Pushes:       pushes,
		Tracker:      tracker,
		Hub:          hub,
		Replay:       replay,
	})

	g, gctx := errgroup.WithContext(ctx)

	for _, consumer := range consumers {
		g.Go(func() error {
			err := consumer.Start(gctx)
			if err == context.Canceled {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		logger.WithField("addr", cfg.HTTPAddr).
			WithField("instance", cfg.InstanceID).
			Info("Starting notification server")
		return server.Run()
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		for _, consumer := range consumers {
			consumer.Stop()
		}
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	logger.Info("Server stopped")
	return nil
}
