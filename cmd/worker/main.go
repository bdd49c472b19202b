package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/sceneforge/internal/app"
	"github.com/dunamismax/sceneforge/internal/config"
	"github.com/dunamismax/sceneforge/internal/generator"
	"github.com/dunamismax/sceneforge/internal/jobs"
	"github.com/dunamismax/sceneforge/internal/logger"
	"github.com/dunamismax/sceneforge/internal/queue"
	"github.com/dunamismax/sceneforge/internal/telemetry"
	"github.com/dunamismax/sceneforge/internal/thumbnail"
	"github.com/dunamismax/sceneforge/internal/worker"
)

var version = "dev"

func main() {
	cfg := config.Load()
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log = log.With("service", "sceneforge-worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:    "sceneforge-worker",
		ServiceVersion: version,
		Exporter:       cfg.Telemetry.Exporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
	}, log)
	if err != nil {
		log.Fatal("tracing setup failed", "error", err)
	}

	if err := thumbnail.Startup(); err != nil {
		log.Fatal("thumbnail runtime startup failed", "error", err)
	}
	defer thumbnail.Shutdown()

	deps, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal("startup failed", "error", err)
	}
	defer deps.Close()

	var renderer worker.ThumbnailRenderer
	if deps.Storage != nil {
		r, err := thumbnail.NewRenderer(deps.Storage)
		if err != nil {
			log.Fatal("thumbnail renderer setup failed", "error", err)
		}
		renderer = r
	}

	gen := generator.NewClient(generator.Config{
		Endpoint:        cfg.Generator.URL,
		CallbackBaseURL: cfg.Generator.CallbackBaseURL,
		SigningSecret:   cfg.Generator.SigningSecret,
		Timeout:         cfg.Generator.Timeout,
		MaxAttempts:     cfg.Generator.MaxAttempts,
	})

	srv, err := worker.NewServer(log, cfg.Queue, cfg.Worker, deps.Jobs, gen, renderer)
	if err != nil {
		log.Fatal("worker setup failed", "error", err)
	}
	if err := srv.RegisterCollectors(deps.Collectors...); err != nil {
		log.Fatal("metrics registration failed", "error", err)
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           metricsMux(srv.MetricsHandler()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("metrics listening", "addr", cfg.Worker.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", "error", err)
		}
	}()

	reaper := jobs.NewReaper(log, deps.Jobs, cfg.Reaper.HeartbeatDeadline)
	go reaper.Run(ctx, cfg.Reaper.Interval)

	pruner := queue.NewPruner(log, cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	go pruner.Run(ctx, cfg.Queue.PruneInterval)

	log.Info("starting worker",
		"concurrency", cfg.Worker.Concurrency,
		"max_active_jobs", cfg.Worker.MaxActiveJobs,
		"queue", cfg.Queue.Name,
		"redis", cfg.Queue.RedisAddr,
	)

	// asynq handles SIGINT/SIGTERM itself and returns once in-flight tasks
	// have drained.
	if err := srv.Run(); err != nil {
		log.Error("worker failed", "error", err)
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics shutdown failed", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("tracing shutdown failed", "error", err)
	}
}

func metricsMux(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
