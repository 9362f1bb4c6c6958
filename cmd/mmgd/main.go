// Package main implements the entry point for the gateway service.
// It wires the configured backends, starts the HTTP server and handles
// graceful shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/RegistryAccord/registryaccord-mmg-go/internal/access"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/app"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/collab"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/config"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/event"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/identity"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/media"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-mmg-go/internal/telemetry"
)

const (
	janitorInterval = time.Minute
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("gateway stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	tp, err := telemetry.InitTracer(telemetry.Options{ServiceName: "mmgd", Writer: os.Stderr})
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(ctx, tp)
	}()

	policy, err := config.LoadProviderPolicy(cfg.ProviderPolicyFile)
	if err != nil {
		return err
	}

	opts := app.Options{
		Config:   cfg,
		Policy:   policy,
		Verifier: jwks.NewClient(cfg.JWKSURL),
		Metrics:  metrics.NewMetrics(),
		Logger:   logger,
	}
	if cfg.JWKSURL == "" {
		logger.Warn("no JWKS URL configured; every bearer token will be rejected")
	}
	if cfg.IdentityURL != "" {
		opts.Roles = access.RemoteRoles{Lookup: identity.New(cfg.IdentityURL)}
	}

	if cfg.DatabaseDSN != "" {
		if opts.Store, err = storage.NewPostgres(cfg.DatabaseDSN); err != nil {
			return fmt.Errorf("init postgres storage: %w", err)
		}
	}

	if cfg.S3Endpoint != "" || cfg.S3Bucket != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		blobs, err := media.NewS3Store(ctx, cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey)
		cancel()
		if err != nil {
			return fmt.Errorf("init asset blob store: %w", err)
		}
		opts.Blobs = blobs
	}

	// One NATS connection carries lifecycle events and realtime fan-out.
	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL, nats.Name("mmgd"), nats.MaxReconnects(-1))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Close()
		js, err := event.NewJetStream(nc)
		if err != nil {
			return fmt.Errorf("init jetstream: %w", err)
		}
		opts.Events = js
		opts.Broker = collab.NewNATSBroker(nc)
	}

	gw, err := app.New(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go gw.RunJanitor(ctx, janitorInterval)

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           gw.Handler,
		ReadHeaderTimeout: 5 * time.Second,
		// Provider calls may run up to ProviderTimeout per attempt.
		WriteTimeout: cfg.ProviderTimeout*time.Duration(max(policy.MaxAttempts, 1)) + 5*time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	if err := gw.Close(shutdownCtx); err != nil {
		logger.Error("gateway close failed", "error", err)
	}
	logger.Info("server exited")
	return nil
}
