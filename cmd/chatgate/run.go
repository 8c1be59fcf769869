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
	"go.opentelemetry.io/otel/trace"

	chatgateway "github.com/eugener/chatgate/internal"
	"github.com/eugener/chatgate/internal/auth"
	"github.com/eugener/chatgate/internal/circuitbreaker"
	"github.com/eugener/chatgate/internal/config"
	"github.com/eugener/chatgate/internal/credential"
	"github.com/eugener/chatgate/internal/crypto"
	"github.com/eugener/chatgate/internal/orchestrator"
	"github.com/eugener/chatgate/internal/provider"
	"github.com/eugener/chatgate/internal/provider/providera"
	"github.com/eugener/chatgate/internal/provider/providerb"
	"github.com/eugener/chatgate/internal/provider/providerc"
	"github.com/eugener/chatgate/internal/ratelimit"
	"github.com/eugener/chatgate/internal/session"
	"github.com/eugener/chatgate/internal/storage/sqlite"
	"github.com/eugener/chatgate/internal/telemetry"
	"github.com/eugener/chatgate/internal/transport"
	"github.com/eugener/chatgate/internal/worker"
)

const gcInterval = 10 * time.Minute
const gcMaxAge = time.Hour

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting chatgate", "version", version, "addr", cfg.Server.Addr)

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

	encKey, err := crypto.ResolveKey(cfg.Auth.EncryptionKeyPassphrase)
	if err != nil {
		return err
	}
	credStore, err := credential.NewStore(store, encKey, cfg.ProviderDefaults())
	if err != nil {
		return err
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

	reg := provider.NewRegistry()
	for _, p := range cfg.Providers {
		var prov chatgateway.Provider
		switch p.Name {
		case "provider-a":
			prov = providera.New(p.BaseURL, dnsResolver)
		case "provider-b":
			prov = providerb.New(p.BaseURL, dnsResolver)
		case "provider-c":
			prov = providerc.New(p.BaseURL, dnsResolver)
		default:
			slog.Warn("unknown provider, skipping", "name", p.Name)
			continue
		}
		reg.Register(prov.Name(), prov)
		slog.Info("provider registered", "name", prov.Name())
	}

	slog.Info("server timeouts",
		"read", cfg.Server.ReadTimeout,
		"write", cfg.Server.WriteTimeout,
		"shutdown", cfg.Server.ShutdownTimeout,
	)

	sessions := session.NewManager(store)

	policies := ratelimitPolicies(cfg.RateLimits)
	limiter := ratelimit.NewRegistry(policies)

	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())

	tokenIssuer := auth.NewTokenIssuer([]byte(cfg.Auth.TokenSigningSecret), cfg.Auth.TokenTTL)

	// Prometheus metrics.
	var metrics *telemetry.Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics.Enabled {
		promRegistry := prometheus.NewRegistry()
		promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		promRegistry.MustRegister(collectors.NewGoCollector())
		metrics = telemetry.NewMetrics(promRegistry)
		metricsHandler = promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
		slog.Info("prometheus metrics enabled")
	}

	// OpenTelemetry tracing.
	ctx := context.Background()
	var tracer trace.Tracer
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
			tracer = telemetry.Tracer("chatgate/server")
			slog.Info("opentelemetry tracing enabled",
				"endpoint", endpoint,
				"sample_rate", sampleRate,
			)
		}
	}

	orch := orchestrator.New(sessions, credStore, limiter, reg, breakers, tracer)

	handler, closeConns := transport.New(transport.Deps{
		Users:                 store,
		Sessions:              sessions,
		Credentials:           credStore,
		Orchestrator:          orch,
		RateLimiter:           limiter,
		Breakers:              breakers,
		Tokens:                tokenIssuer,
		MaxRequestBytes:       cfg.Server.MaxRequestBytes,
		ConnectionIdleTimeout: cfg.Server.ConnectionIdleTimeout,
		Metrics:               metrics,
		MetricsHandler:        metricsHandler,
		Tracer:                tracer,
		ReadyCheck:            store.Ping,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	// Background workers: sweep idle rate limiter buckets and circuit
	// breakers so long-running processes don't accumulate one entry per
	// user/session forever.
	gcWorker := worker.NewGCWorker(gcInterval, gcMaxAge, limiter, breakers)
	runner := worker.NewRunner(gcWorker)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("chatgate ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	// http.Server.Shutdown doesn't reach hijacked WebSocket connections, so
	// drain the connection registry explicitly before stopping the workers.
	closeConns()

	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("chatgate stopped")
	return nil
}

// ratelimitPolicies builds the active policy set from configured per-minute
// limits, falling back to the default policies for any class left at zero.
func ratelimitPolicies(cfg config.RateLimitConfig) []ratelimit.Policy {
	policies := ratelimit.DefaultPolicies()
	overrides := map[ratelimit.Class]int64{
		ratelimit.ClassAuth: cfg.AuthPerMinute,
		ratelimit.ClassChat: cfg.ChatPerMinute,
		ratelimit.ClassFile: cfg.FilePerMinute,
	}
	for i, p := range policies {
		if limit, ok := overrides[p.Class]; ok && limit > 0 {
			policies[i].Limit = limit
		}
	}
	return policies
}
