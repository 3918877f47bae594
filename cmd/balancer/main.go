// Command balancer fronts a fleet of server instances. Plain requests
// round-robin across healthy instances; websocket upgrades stick to one
// instance per session so a client reconnects to its hub.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/notifyhub/notifyhub/internal/balancer"
	"github.com/notifyhub/notifyhub/internal/config"
	"github.com/notifyhub/notifyhub/internal/sentry"
	"github.com/notifyhub/notifyhub/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Printf("balancer exited with error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg := config.Load()

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

	lb, err := balancer.New(cfg.Balancer, logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Balancer.Port),
		Handler:     lb,
		IdleTimeout: 2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		lb.Run(gctx)
		return nil
	})

	g.Go(func() error {
		logger.WithField("addr", server.Addr).
			WithField("instances", len(cfg.Balancer.InstanceAddrs)).
			Info("Load balancer listening")
		err := server.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	logger.Info("Load balancer stopped")
	return nil
}
