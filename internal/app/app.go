// Package app assembles the components shared by the api and worker
// binaries from configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dunamismax/sceneforge/internal/bus"
	"github.com/dunamismax/sceneforge/internal/cache"
	"github.com/dunamismax/sceneforge/internal/config"
	"github.com/dunamismax/sceneforge/internal/continuity"
	"github.com/dunamismax/sceneforge/internal/jobs"
	"github.com/dunamismax/sceneforge/internal/logger"
	"github.com/dunamismax/sceneforge/internal/queue"
	"github.com/dunamismax/sceneforge/internal/storage"
	"github.com/dunamismax/sceneforge/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

type Deps struct {
	Redis   *redis.Client
	Queue   *queue.Client
	Bus     *bus.RedisBus
	Jobs    *jobs.Manager
	Bibles  *continuity.Store
	Storage *storage.Client

	// Collectors are the lifecycle and cache counters each binary exposes
	// on its metrics endpoint.
	Collectors []prometheus.Collector

	log     *logger.Logger
	closers []func() error
}

// Build connects to Redis, Postgres (when a DSN is configured) and MinIO
// (when enabled) and wires the job manager and continuity store on top.
// Without a DSN the record stores live in process memory, which only
// suits a single-process setup.
func Build(ctx context.Context, cfg config.Config, log *logger.Logger) (*Deps, error) {
	d := &Deps{log: log}

	d.Redis = redis.NewClient(cfg.Queue.RedisOptions())
	d.closers = append(d.closers, d.Redis.Close)
	if err := d.Redis.Ping(ctx).Err(); err != nil {
		d.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	progressBus, err := bus.NewRedisBus(log, d.Redis)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Bus = progressBus

	d.Queue = queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	d.closers = append(d.closers, d.Queue.Close)

	jobStore, bibleStore, err := d.openStores(ctx, cfg.Database)
	if err != nil {
		d.Close()
		return nil, err
	}

	redisCache, err := cache.NewRedisCache(d.Redis)
	if err != nil {
		d.Close()
		return nil, err
	}
	cacheRequests := cache.NewRequestCounter()

	d.Jobs = jobs.NewManager(
		log,
		jobStore,
		cache.Instrument(redisCache, "job_status", cacheRequests),
		d.Bus,
		d.Queue,
	).WithStatusTTL(cfg.Cache.JobStatusTTL)

	d.Bibles = continuity.NewStore(
		log,
		bibleStore,
		cache.Instrument(redisCache, "bible", cacheRequests),
	).WithTTL(cfg.Cache.BibleTTL)

	if cfg.Storage.Enabled {
		client, err := storage.NewClient(storage.Config{
			Endpoint: cfg.Storage.Endpoint,
			Access:   cfg.Storage.AccessKey,
			Secret:   cfg.Storage.SecretKey,
			Bucket:   cfg.Storage.Bucket,
			UseSSL:   cfg.Storage.UseSSL,
		})
		if err != nil {
			d.Close()
			return nil, err
		}
		if err := client.EnsureBucket(ctx); err != nil {
			d.Close()
			return nil, err
		}
		d.Storage = client
		d.Bibles.WithArchiver(client)
	} else {
		log.Warn("object storage disabled; bible history and thumbnails are unavailable")
	}

	d.Collectors = append(d.Jobs.Collectors(), cacheRequests)
	return d, nil
}

func (d *Deps) openStores(ctx context.Context, cfg config.DatabaseConfig) (store.JobStore, store.BibleStore, error) {
	if cfg.DSN == "" {
		d.log.Warn("POSTGRES_DSN not set; keeping jobs and bibles in memory")
		return store.NewMemoryJobStore(), store.NewMemoryBibleStore(), nil
	}

	db, err := store.OpenPostgres(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, err
	}
	d.closers = append(d.closers, db.Close)
	return postgresStores(ctx, db)
}

func postgresStores(ctx context.Context, db *sql.DB) (store.JobStore, store.BibleStore, error) {
	jobStore, err := store.NewPostgresJobStore(ctx, db)
	if err != nil {
		return nil, nil, err
	}
	bibleStore, err := store.NewPostgresBibleStore(ctx, db)
	if err != nil {
		return nil, nil, err
	}
	return jobStore, bibleStore, nil
}

// Close releases connections in reverse order of opening.
func (d *Deps) Close() {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	if err := errors.Join(errs...); err != nil {
		d.log.Warn("closing dependencies", "error", err)
	}
}
