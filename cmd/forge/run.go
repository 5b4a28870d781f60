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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	"github.com/forgelabs/forge/internal/app"
	"github.com/forgelabs/forge/internal/auth"
	"github.com/forgelabs/forge/internal/cache"
	"github.com/forgelabs/forge/internal/circuitbreaker"
	"github.com/forgelabs/forge/internal/config"
	"github.com/forgelabs/forge/internal/pricing"
	"github.com/forgelabs/forge/internal/resolver"
	"github.com/forgelabs/forge/internal/secrets"
	"github.com/forgelabs/forge/internal/server"
	"github.com/forgelabs/forge/internal/storage/sqlite"
	"github.com/forgelabs/forge/internal/telemetry"
	"github.com/forgelabs/forge/internal/usage"
	"github.com/forgelabs/forge/internal/worker"
)

func run(configPath string) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting forge", "version", version, "addr", cfg.Server.Addr)

	// Open database
	store, err := sqlite.New(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	dsnLog := cfg.Database.DSN
	if i := strings.IndexByte(dsnLog, '?'); i >= 0 {
		dsnLog = dsnLog[:i]
	}
	slog.Info("database opened", "dsn", dsnLog)

	// Credential cipher.
	cipher, err := secrets.New(cfg.Secrets.Key)
	if err != nil {
		return err
	}

	// Bootstrap from config
	ctx := context.Background()
	if err := config.Bootstrap(ctx, cfg, store, cipher); err != nil {
		return err
	}

	// Cache tiers: in-process L1, optional Redis L2.
	mem := cache.NewMemory(ctx, cfg.Cache.MaxSize)
	defer mem.Close()
	var shared cache.Cache = mem
	var redisTier *cache.Redis
	if cfg.Cache.RedisURL != "" {
		redisTier, err = cache.NewRedisFromURL(ctx, cfg.Cache.RedisURL)
		if err != nil {
			return err
		}
		defer redisTier.Close()
		shared = cache.NewTiered(mem, redisTier)
		slog.Info("redis cache tier enabled")
	}

	// Shared DNS cache for all provider HTTP clients.
	dnsResolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.Refresh(true)
		}
	}()

	// Wire services
	keyAuth := auth.NewKeyAuth(store, shared)
	models := resolver.New(store, shared, cipher, dnsResolver)
	pool := worker.NewPool()
	tracker := usage.NewTracker(store, pricing.Default(), pool)
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())

	// Prometheus metrics.
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		telemetry.ObserveCacheTier(promRegistry, "memory", mem.Stats)
		if redisTier != nil {
			telemetry.ObserveCacheTier(promRegistry, "redis", redisTier.Stats)
		}
		telemetry.ObserveFinalizer(promRegistry, pool.Inflight)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		slog.Info("prometheus metrics enabled")
	}

	// OpenTelemetry tracing.
	var tracingShutdown func(context.Context) error
	if cfg.Telemetry.Tracing.Enabled {
		endpoint := cfg.Telemetry.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		sampleRate := cfg.Telemetry.Tracing.SampleRate
		if sampleRate == 0 {
			sampleRate = 0.1
		}
		shutdown, err := telemetry.SetupTracing(ctx, endpoint, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			slog.Info("opentelemetry tracing enabled",
				"endpoint", endpoint,
				"sample_rate", sampleRate,
			)
		}
	}

	gw := app.NewGateway(app.GatewayDeps{
		Resolver:        models,
		Tracker:         tracker,
		Cache:           shared,
		Breakers:        breakers,
		Metrics:         metrics,
		UpstreamTimeout: cfg.Upstream.RequestTimeout,
	})
	admin := app.NewAdmin(store, shared, cipher)
	if cfg.Admin.Key == "" {
		slog.Info("admin surface disabled (no admin key)")
	}

	slog.Info("server timeouts",
		"read", cfg.Server.ReadTimeout,
		"write", cfg.Server.WriteTimeout,
		"shutdown", cfg.Server.ShutdownTimeout,
	)

	// Create HTTP server
	handler := server.New(server.Deps{
		Auth:           keyAuth,
		Gateway:        gw,
		Admin:          admin,
		AdminKey:       cfg.Admin.Key,
		ReadyCheck:     store.Ping,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	// Start background workers.
	runner := worker.NewRunner(pool, worker.NewJanitor(store))
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	// Periodic eviction of breakers for rotated-away credentials.
	go func() {
		t := time.NewTicker(10 * time.Minute)
		defer t.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-t.C:
				if n := breakers.EvictStale(time.Now().Add(-1 * time.Hour)); n > 0 {
					slog.Info("breaker eviction", "evicted", n)
				}
			}
		}
	}()

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("forge ready", "addr", cfg.Server.Addr)

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	// Shutdown HTTP first, then workers (so in-flight requests finish
	// finalizing usage).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("forge stopped")
	return nil
}
