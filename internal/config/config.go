package config

import (
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

type Config struct {
	Log       LogConfig
	API       APIConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Generator GeneratorConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	Cache     CacheConfig
	Reaper    ReaperConfig
	RateLimit RateLimitConfig
	Telemetry TelemetryConfig
}

type LogConfig struct {
	Mode string
}

type APIConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
	SSEHeartbeat    time.Duration
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
	PruneInterval time.Duration
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

// RedisOptions configures the go-redis client shared by the caches, the
// progress bus and the rate limiter.
func (q QueueConfig) RedisOptions() *redis.Options {
	return &redis.Options{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency   int
	MaxActiveJobs int
	MetricsAddr   string
}

type GeneratorConfig struct {
	URL             string
	CallbackBaseURL string
	SigningSecret   string
	Timeout         time.Duration
	MaxAttempts     int
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Enabled   bool
}

// DatabaseConfig selects the record stores. An empty DSN keeps jobs and
// bibles in memory.
type DatabaseConfig struct {
	DSN string
}

type CacheConfig struct {
	JobStatusTTL time.Duration
	BibleTTL     time.Duration
}

type ReaperConfig struct {
	Interval          time.Duration
	HeartbeatDeadline time.Duration
}

type RateLimitConfig struct {
	Enabled       bool
	Capacity      int
	Window        time.Duration
	SubjectHeader string
}

type TelemetryConfig struct {
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
}

func Load() Config {
	defaultWorkerSlots := max(1, runtime.NumCPU()/2)

	return Config{
		Log: LogConfig{
			Mode: env("SCENEFORGE_LOG_MODE", "dev"),
		},
		API: APIConfig{
			Addr:            env("SCENEFORGE_API_ADDR", ":8080"),
			ShutdownTimeout: envDuration("SCENEFORGE_SHUTDOWN_TIMEOUT", 10*time.Second),
			SSEHeartbeat:    envDuration("SCENEFORGE_SSE_HEARTBEAT", 15*time.Second),
		},
		Queue: QueueConfig{
			RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			Name:          env("SCENEFORGE_QUEUE", "sceneforge"),
			PruneInterval: envDuration("SCENEFORGE_QUEUE_PRUNE_INTERVAL", time.Minute),
		},
		Worker: WorkerConfig{
			Concurrency:   envInt("WORKER_CONCURRENCY", max(2, runtime.NumCPU())),
			MaxActiveJobs: envInt("WORKER_MAX_ACTIVE_JOBS", defaultWorkerSlots),
			MetricsAddr:   env("WORKER_METRICS_ADDR", ":9091"),
		},
		Generator: GeneratorConfig{
			URL:             env("GENERATOR_URL", "http://localhost:8000/v1/generate"),
			CallbackBaseURL: env("SCENEFORGE_PUBLIC_URL", "http://localhost:8080"),
			SigningSecret:   env("GENERATOR_SIGNING_SECRET", ""),
			Timeout:         envDuration("GENERATOR_TIMEOUT", 10*time.Second),
			MaxAttempts:     envInt("GENERATOR_MAX_ATTEMPTS", 3),
		},
		Storage: StorageConfig{
			Endpoint:  env("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: env("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:    env("MINIO_BUCKET", "sceneforge"),
			UseSSL:    envBool("MINIO_USE_SSL", false),
			Enabled:   envBool("MINIO_ENABLED", true),
		},
		Database: DatabaseConfig{
			DSN: env("POSTGRES_DSN", ""),
		},
		Cache: CacheConfig{
			JobStatusTTL: envDuration("SCENEFORGE_JOB_STATUS_TTL", 30*time.Second),
			BibleTTL:     envDuration("SCENEFORGE_BIBLE_TTL", 5*time.Minute),
		},
		Reaper: ReaperConfig{
			Interval:          envDuration("SCENEFORGE_REAPER_INTERVAL", time.Minute),
			HeartbeatDeadline: envDuration("SCENEFORGE_HEARTBEAT_DEADLINE", 15*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Enabled:       envBool("SCENEFORGE_RATE_LIMIT_ENABLED", true),
			Capacity:      envInt("SCENEFORGE_RATE_LIMIT_CAPACITY", 60),
			Window:        envDuration("SCENEFORGE_RATE_LIMIT_WINDOW", time.Minute),
			SubjectHeader: env("SCENEFORGE_RATE_LIMIT_SUBJECT_HEADER", "X-User-ID"),
		},
		Telemetry: TelemetryConfig{
			Exporter:     env("OTEL_TRACES_EXPORTER", "none"),
			OTLPEndpoint: env("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTLPInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		},
	}
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// envDuration accepts Go durations ("30s") or bare seconds ("30").
func envDuration(key string, fallback time.Duration) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}
