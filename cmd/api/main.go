package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/sceneforge/internal/api"
	"github.com/dunamismax/sceneforge/internal/app"
	"github.com/dunamismax/sceneforge/internal/config"
	"github.com/dunamismax/sceneforge/internal/gateway"
	"github.com/dunamismax/sceneforge/internal/logger"
	"github.com/dunamismax/sceneforge/internal/ratelimit"
	"github.com/dunamismax/sceneforge/internal/telemetry"
)

var version = "dev"

func main() {
	cfg := config.Load()
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log = log.With("service", "sceneforge-api")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:    "sceneforge-api",
		ServiceVersion: version,
		Exporter:       cfg.Telemetry.Exporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
	}, log)
	if err != nil {
		log.Fatal("tracing setup failed", "error", err)
	}

	deps, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal("startup failed", "error", err)
	}
	defer deps.Close()

	hub := gateway.NewHub(log).WithHeartbeat(cfg.API.SSEHeartbeat)
	if err := hub.Run(ctx, deps.Bus); err != nil {
		log.Fatal("gateway subscribe failed", "error", err)
	}

	opts := api.Options{
		Logger:                 log,
		Jobs:                   deps.Jobs,
		Bibles:                 deps.Bibles,
		Hub:                    hub,
		RateLimitSubjectHeader: cfg.RateLimit.SubjectHeader,
		CallbackSecret:         cfg.Generator.SigningSecret,
	}
	if cfg.RateLimit.Enabled {
		limiter, err := ratelimit.NewRedisTokenBucket(deps.Redis, cfg.RateLimit.Capacity, cfg.RateLimit.Window, "")
		if err != nil {
			log.Fatal("rate limiter setup failed", "error", err)
		}
		opts.RateLimiter = limiter
	}

	srv := api.NewServer(opts)
	if err := srv.RegisterCollectors(deps.Collectors...); err != nil {
		log.Fatal("metrics registration failed", "error", err)
	}

	httpServer := newHTTPServer(ctx, cfg.API.Addr, srv.Handler())

	go func() {
		log.Info("listening", "addr", cfg.API.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("tracing shutdown failed", "error", err)
	}
}

// newHTTPServer has no write timeout because job event streams stay open.
// Requests inherit ctx, so open streams end as soon as shutdown begins.
func newHTTPServer(ctx context.Context, addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
