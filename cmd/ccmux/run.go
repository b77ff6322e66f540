package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/dnscache"

	"github.com/eugener/ccmux/internal/app"
	"github.com/eugener/ccmux/internal/auth"
	"github.com/eugener/ccmux/internal/circuitbreaker"
	"github.com/eugener/ccmux/internal/config"
	"github.com/eugener/ccmux/internal/provider"
	"github.com/eugener/ccmux/internal/router"
	"github.com/eugener/ccmux/internal/server"
	"github.com/eugener/ccmux/internal/storage/sqlite"
	"github.com/eugener/ccmux/internal/telemetry"
	"github.com/eugener/ccmux/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func run(configPath, listen string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogging(cfg.Log)

	addr := cfg.Server.Addr()
	if listen != "" {
		addr = listen
	}
	slog.Info("starting ccmux", "version", version, "addr", addr)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Token store for oauth providers.
	tokenPath, err := auth.DefaultTokenPath()
	if err != nil {
		return err
	}
	tokens, err := auth.NewTokenStore(tokenPath)
	if err != nil {
		return err
	}

	// Shared upstream HTTP client with cached DNS.
	resolver := &dnscache.Resolver{}
	go refreshDNS(ctx, resolver)
	httpClient := provider.NewHTTPClient(
		provider.NewTransport(resolver, cfg.Server.ConnectTimeout(), false),
		cfg.Server.APITimeout(),
	)

	reg, aliases, err := app.BuildRegistry(ctx, cfg, app.BuildOptions{
		Tokens:     tokens,
		HTTPClient: httpClient,
	})
	if err != nil {
		return err
	}

	// Usage store and background recorder.
	store, err := sqlite.New(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	recorder := worker.NewUsageRecorder(store)

	// Telemetry.
	var (
		promReg *prometheus.Registry
		metrics *telemetry.Metrics
	)
	if cfg.Telemetry.Metrics.Enabled {
		promReg = prometheus.NewRegistry()
		metrics = telemetry.NewMetrics(promReg)
		recorder.SetQueueGauge(metrics.UsageQueueLength)
	}
	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()
			if err := shutdown(sctx); err != nil {
				slog.Warn("tracing shutdown failed", "error", err)
			}
		}()
	}

	rt := router.New(cfg.Router, slog.Default())
	dispatcher := app.NewDispatcher(reg, rt, aliases, recorder, metrics, slog.Default())

	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	dispatcher.SetBreakers(breakers)

	handler := server.New(server.Deps{
		Dispatcher: dispatcher,
		APIKey:     cfg.Server.APIKey,
		Providers:  reg,
		Tokens:     tokens,
		Usage:      store,
		Prom:       promReg,
		Metrics:    metrics,
		ReadyCheck: store.Ping,
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		// Streams stay open well past any sane write timeout.
		ReadHeaderTimeout: 10 * time.Second,
	}

	workers := worker.NewRunner(recorder, worker.NewBreakerEvictor(breakers))
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- workers.Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("ccmux ready", "addr", addr, "providers", reg.List())

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		cancel()
		<-workerDone
		return err
	}

	shutdownCtx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Wait for the usage recorder to drain.
	if err := <-workerDone; err != nil {
		return err
	}

	slog.Info("ccmux stopped")
	return nil
}

func setupLogging(cfg config.LogConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// refreshDNS re-resolves cached entries periodically so long-lived
// connections pick up upstream IP changes.
func refreshDNS(ctx context.Context, r *dnscache.Resolver) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Refresh(true)
		case <-ctx.Done():
			return
		}
	}
}
