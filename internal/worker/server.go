package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/sceneforge/internal/config"
	"github.com/dunamismax/sceneforge/internal/domain"
	"github.com/dunamismax/sceneforge/internal/generator"
	"github.com/dunamismax/sceneforge/internal/logger"
	"github.com/dunamismax/sceneforge/internal/queue"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StageDispatched is the stage a job reports once a worker has picked it up.
const StageDispatched = "dispatched"

const (
	outcomeSucceeded = "succeeded"
	outcomeForwarded = "forwarded"
	outcomeSkipped   = "skipped"
	outcomeFailed    = "failed"
)

type JobService interface {
	Get(ctx context.Context, jobID string) (domain.Job, error)
	UpdateProgress(ctx context.Context, jobID string, progress int, stage *string) (domain.Job, error)
	Complete(ctx context.Context, jobID string, result domain.JobResult) (domain.Job, error)
	Fail(ctx context.Context, jobID, reason string) (domain.Job, error)
}

type Generator interface {
	RequestForJob(job domain.Job) generator.Request
	Submit(ctx context.Context, req generator.Request) error
}

type ThumbnailRenderer interface {
	Render(ctx context.Context, params domain.ThumbnailParams) (domain.ThumbnailResult, error)
}

type Server struct {
	logger     *logger.Logger
	server     *asynq.Server
	sem        chan struct{}
	jobs       JobService
	generator  Generator
	thumbnails ThumbnailRenderer
	metrics    *metrics
	tracer     trace.Tracer
}

// NewServer builds the queue consumer. thumbnails may be nil when object
// storage is disabled; thumbnail jobs then fail without retry.
func NewServer(
	log *logger.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	jobs JobService,
	gen Generator,
	thumbnails ThumbnailRenderer,
) (*Server, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job service is required")
	}
	if gen == nil {
		return nil, fmt.Errorf("generator client is required")
	}

	s := &Server{
		logger:     log.With("component", "Worker"),
		sem:        make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		jobs:       jobs,
		generator:  gen,
		thumbnails: thumbnails,
		metrics:    newMetrics(),
		tracer:     otel.Tracer("sceneforge/worker"),
	}
	s.server = asynq.NewServer(
		queueCfg.RedisClientOpt(),
		asynq.Config{
			Concurrency: workerCfg.Concurrency,
			Queues: map[string]int{
				queueCfg.Name: 1,
			},
			LogLevel:       asynq.InfoLevel,
			RetryDelayFunc: queue.RetryDelay,
			ErrorHandler:   asynq.ErrorHandlerFunc(s.handleError),
		},
	)
	return s, nil
}

// Run blocks until the process receives SIGINT or SIGTERM.
func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeGenerate, s.handleGenerate)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleGenerate(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := outcomeFailed

	payload, err := queue.ParseGeneratePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.generate", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.type", string(payload.JobType)),
		attribute.String("scene.id", payload.SceneID),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(string(payload.JobType), outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(string(payload.JobType), outcome).Inc()
	}()

	s.sem <- struct{}{}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	job, err := s.jobs.Get(ctx, payload.JobID)
	if errors.Is(err, domain.ErrNotFound) {
		outcome = outcomeSkipped
		s.logger.Warn("dropping task for unknown job", "job_id", payload.JobID)
		return nil
	}
	if err != nil {
		return s.spanError(span, fmt.Errorf("load job: %w", err))
	}
	if !job.Status.Active() {
		outcome = outcomeSkipped
		s.logger.Info("skipping inactive job", "job_id", job.ID, "status", job.Status)
		return nil
	}

	if _, err := s.jobs.UpdateProgress(ctx, job.ID, 0, domain.StringPtr(StageDispatched)); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			outcome = outcomeSkipped
			return nil
		}
		return s.spanError(span, fmt.Errorf("mark job started: %w", err))
	}

	s.logger.Info("working", "job_id", job.ID, "job_type", job.Type, "scene_id", job.SceneID, "attempt", job.Attempts+1)

	if job.Type == domain.JobTypeGenerateThumbnail {
		if err := s.renderThumbnail(ctx, job); err != nil {
			return s.spanError(span, err)
		}
		outcome = outcomeSucceeded
		span.SetStatus(codes.Ok, "rendered")
		return nil
	}

	if err := s.forward(ctx, job); err != nil {
		return s.spanError(span, err)
	}
	outcome = outcomeForwarded
	span.SetStatus(codes.Ok, "forwarded")
	return nil
}

func (s *Server) renderThumbnail(ctx context.Context, job domain.Job) error {
	if s.thumbnails == nil {
		return fmt.Errorf("thumbnail rendering is not configured: %w", asynq.SkipRetry)
	}
	if job.Params.Thumbnail == nil {
		return fmt.Errorf("job has no thumbnail params: %w", asynq.SkipRetry)
	}

	result, err := s.thumbnails.Render(ctx, *job.Params.Thumbnail)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidPayload) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
	s.metrics.thumbnailBytes.Add(float64(result.Bytes))

	if _, err := s.jobs.Complete(ctx, job.ID, domain.JobResult{Thumbnail: &result}); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			s.logger.Warn("thumbnail rendered for job that already finished", "job_id", job.ID)
			return nil
		}
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// forward hands the job to the external generator, which reports progress
// and the outcome through the API callbacks.
func (s *Server) forward(ctx context.Context, job domain.Job) error {
	err := s.generator.Submit(ctx, s.generator.RequestForJob(job))
	if errors.Is(err, generator.ErrRejected) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if err != nil {
		return fmt.Errorf("submit to generator: %w", err)
	}
	return nil
}

func (s *Server) handleError(ctx context.Context, task *asynq.Task, err error) {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	s.recordFailure(ctx, task, err, retried, maxRetry)
}

// recordFailure logs every failed delivery and marks the job failed once
// the transport gives up on it.
func (s *Server) recordFailure(ctx context.Context, task *asynq.Task, err error, retried, maxRetry int) {
	s.logger.Warn("task failed", "type", task.Type(), "retry", retried, "max_retry", maxRetry, "error", err)

	if !errors.Is(err, asynq.SkipRetry) && retried < maxRetry {
		return
	}

	payload, parseErr := queue.ParseGeneratePayload(task)
	if parseErr != nil {
		s.logger.Error("cannot record failure for malformed task", "error", parseErr)
		return
	}

	reason := strings.TrimSuffix(err.Error(), ": "+asynq.SkipRetry.Error())
	if _, failErr := s.jobs.Fail(ctx, payload.JobID, reason); failErr != nil {
		if errors.Is(failErr, domain.ErrInvalidTransition) || errors.Is(failErr, domain.ErrNotFound) {
			return
		}
		s.logger.Error("recording job failure failed", "job_id", payload.JobID, "error", failErr)
		return
	}
	s.metrics.failuresRecorded.Inc()
}

func (s *Server) spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// RegisterCollectors exposes lifecycle and cache counters on the worker's
// metrics endpoint.
func (s *Server) RegisterCollectors(collectors ...prometheus.Collector) error {
	return s.metrics.Register(collectors...)
}
