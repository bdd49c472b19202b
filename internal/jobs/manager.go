package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/sceneforge/internal/bus"
	"github.com/dunamismax/sceneforge/internal/cache"
	"github.com/dunamismax/sceneforge/internal/domain"
	"github.com/dunamismax/sceneforge/internal/id"
	"github.com/dunamismax/sceneforge/internal/logger"
	"github.com/dunamismax/sceneforge/internal/queue"
	"github.com/dunamismax/sceneforge/internal/store"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Enqueuer interface {
	EnqueueGenerate(ctx context.Context, payload queue.GeneratePayload) (*asynq.TaskInfo, error)
}

// Manager owns every Job Record mutation. Each transition is a locked
// read-check-write against the store, followed by best-effort cache and bus
// side effects.
type Manager struct {
	log       *logger.Logger
	store     store.JobStore
	cache     cache.Cache
	publisher bus.Publisher
	queue     Enqueuer
	statusTTL time.Duration
	now       func() time.Time
	metrics   *metrics
	tracer    trace.Tracer
}

func NewManager(log *logger.Logger, jobStore store.JobStore, statusCache cache.Cache, publisher bus.Publisher, enqueuer Enqueuer) *Manager {
	return &Manager{
		log:       log.With("component", "JobManager"),
		store:     jobStore,
		cache:     statusCache,
		publisher: publisher,
		queue:     enqueuer,
		statusTTL: cache.JobStatusTTL,
		now:       time.Now,
		metrics:   newMetrics(),
		tracer:    otel.Tracer("sceneforge/jobs"),
	}
}

func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) WithStatusTTL(ttl time.Duration) *Manager {
	if ttl > 0 {
		m.statusTTL = ttl
	}
	return m
}

func (m *Manager) Collectors() []prometheus.Collector {
	return m.metrics.collectors()
}

// CreateSegmentJob is the segment-creation workflow: it persists a PENDING
// generate_segment job for the scene and dispatches it.
func (m *Manager) CreateSegmentJob(ctx context.Context, sceneID string, req domain.CreateSegmentRequest) (domain.Job, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return domain.Job{}, err
	}

	job := domain.NewJob(id.New(), domain.JobTypeGenerateSegment, req.Params(sceneID), m.clock())
	job.Priority = req.Priority

	if _, err := m.Create(ctx, job); err != nil {
		return domain.Job{}, err
	}
	return m.Dispatch(ctx, job.ID)
}

func (m *Manager) Create(ctx context.Context, job domain.Job) (domain.Job, error) {
	ctx, span := m.startSpan(ctx, "jobs.create", job.ID)
	defer span.End()

	if job.Status == "" {
		job.Status = domain.JobStatusPending
	}
	if job.Status != domain.JobStatusPending {
		return domain.Job{}, endSpan(span, fmt.Errorf("%w: jobs are created pending, got %s", domain.ErrInvalidTransition, job.Status))
	}
	if err := job.Validate(); err != nil {
		return domain.Job{}, endSpan(span, err)
	}

	if err := m.store.Create(ctx, job); err != nil {
		if errors.Is(err, store.ErrJobExists) {
			return domain.Job{}, endSpan(span, fmt.Errorf("%w: job %s already exists", domain.ErrInvalidTransition, job.ID))
		}
		return domain.Job{}, endSpan(span, fmt.Errorf("create job: %w", err))
	}

	m.metrics.transitions.WithLabelValues(string(domain.JobStatusPending)).Inc()
	m.log.Debug("job created", "job_id", job.ID, "scene_id", job.SceneID, "type", job.Type)
	return job, endSpan(span, nil)
}

// Dispatch moves a PENDING job to QUEUED and hands it to the work queue. If
// the enqueue fails the job is put back to PENDING.
func (m *Manager) Dispatch(ctx context.Context, jobID string) (domain.Job, error) {
	ctx, span := m.startSpan(ctx, "jobs.dispatch", jobID)
	defer span.End()

	job, err := m.mutate(ctx, jobID, func(job *domain.Job) error {
		if job.Status != domain.JobStatusPending {
			return transitionError(job, "dispatch")
		}
		job.Status = domain.JobStatusQueued
		return nil
	})
	if err != nil {
		return domain.Job{}, endSpan(span, err)
	}
	m.evict(ctx, job.ID)

	if err := m.enqueue(ctx, job); err != nil {
		m.revert(ctx, jobID, domain.JobStatusQueued, func(job *domain.Job) {
			job.Status = domain.JobStatusPending
		})
		return domain.Job{}, endSpan(span, err)
	}

	m.transitioned(ctx, job)
	return job, endSpan(span, nil)
}

func (m *Manager) Get(ctx context.Context, jobID string) (domain.Job, error) {
	job, ok, err := m.store.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("get job: %w", err)
	}
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
	}
	return job, nil
}

// GetStatus serves polling clients. Only active jobs are written to the
// status cache, so a terminal status is always read from the store.
func (m *Manager) GetStatus(ctx context.Context, jobID string) (domain.JobStatusView, error) {
	ctx, span := m.startSpan(ctx, "jobs.get_status", jobID)
	defer span.End()

	var view domain.JobStatusView
	ok, err := m.cache.Get(ctx, cache.JobKey(jobID), &view)
	if err != nil {
		m.log.Warn("status cache read failed", "job_id", jobID, "error", err)
	}
	if ok && err == nil {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return view, endSpan(span, nil)
	}

	job, err := m.Get(ctx, jobID)
	if err != nil {
		return domain.JobStatusView{}, endSpan(span, err)
	}

	view = job.StatusView()
	if job.Status.Active() {
		m.cacheStatus(ctx, job)
	}
	return view, endSpan(span, nil)
}

// UpdateProgress records worker progress and stamps the heartbeat. A nil
// stage leaves the current stage unchanged.
func (m *Manager) UpdateProgress(ctx context.Context, jobID string, progress int, stage *string) (domain.Job, error) {
	ctx, span := m.startSpan(ctx, "jobs.update_progress", jobID)
	defer span.End()

	if progress < 0 || progress > 100 {
		return domain.Job{}, endSpan(span, fmt.Errorf("%w: progress must be between 0 and 100", domain.ErrInvalidPayload))
	}

	var previous domain.JobStatus
	job, err := m.mutate(ctx, jobID, func(job *domain.Job) error {
		if !job.Status.Active() {
			return transitionError(job, "update progress")
		}
		now := m.clock()
		previous = job.Status
		job.Status = domain.JobStatusProcessing
		if job.StartedAt == nil {
			job.StartedAt = domain.TimePtr(now)
		}
		job.HeartbeatAt = domain.TimePtr(now)
		job.Progress = progress
		if stage != nil {
			job.Stage = domain.StringPtr(*stage)
		}
		return nil
	})
	if err != nil {
		return domain.Job{}, endSpan(span, err)
	}

	if previous != domain.JobStatusProcessing {
		m.transitioned(ctx, job)
	}
	m.publish(ctx, bus.ChannelJobProgress, bus.ProgressEvent{
		JobID:    job.ID,
		Progress: job.Progress,
		Stage:    job.Stage,
		Status:   job.Status,
	})
	m.cacheStatus(ctx, job)
	return job, endSpan(span, nil)
}

func (m *Manager) Complete(ctx context.Context, jobID string, result domain.JobResult) (domain.Job, error) {
	ctx, span := m.startSpan(ctx, "jobs.complete", jobID)
	defer span.End()

	job, err := m.mutate(ctx, jobID, func(job *domain.Job) error {
		if !job.Status.Active() {
			return transitionError(job, "complete")
		}
		if err := result.Validate(job.Type); err != nil {
			return err
		}
		now := m.clock()
		job.Status = domain.JobStatusCompleted
		job.Progress = 100
		job.Result = &result
		job.Error = nil
		if job.StartedAt == nil {
			job.StartedAt = domain.TimePtr(now)
		}
		job.CompletedAt = domain.TimePtr(now)
		return nil
	})
	if err != nil {
		return domain.Job{}, endSpan(span, err)
	}

	m.evict(ctx, job.ID)
	m.transitioned(ctx, job)
	m.publish(ctx, bus.ChannelJobComplete, bus.CompleteEvent{
		JobID:   job.ID,
		Success: true,
		Result:  job.Result,
	})
	return job, endSpan(span, nil)
}

// Fail records a generation failure and counts it against maxAttempts.
// The job is not retried automatically.
func (m *Manager) Fail(ctx context.Context, jobID, reason string) (domain.Job, error) {
	return m.fail(ctx, jobID, reason, nil)
}

func (m *Manager) fail(ctx context.Context, jobID, reason string, guard store.MutateFunc) (domain.Job, error) {
	ctx, span := m.startSpan(ctx, "jobs.fail", jobID)
	defer span.End()

	if reason == "" {
		reason = "generation failed"
	}

	job, err := m.mutate(ctx, jobID, func(job *domain.Job) error {
		if !job.Status.Active() {
			return transitionError(job, "fail")
		}
		if guard != nil {
			if err := guard(job); err != nil {
				return err
			}
		}
		now := m.clock()
		job.Status = domain.JobStatusFailed
		job.Error = domain.StringPtr(reason)
		job.Attempts = min(job.Attempts+1, job.MaxAttempts)
		if job.StartedAt == nil {
			job.StartedAt = domain.TimePtr(now)
		}
		job.CompletedAt = domain.TimePtr(now)
		return nil
	})
	if err != nil {
		return domain.Job{}, endSpan(span, err)
	}

	m.evict(ctx, job.ID)
	m.transitioned(ctx, job)
	m.publish(ctx, bus.ChannelJobComplete, bus.CompleteEvent{
		JobID:   job.ID,
		Success: false,
		Error:   job.Error,
	})
	m.log.Info("job failed", "job_id", job.ID, "attempts", job.Attempts, "max_attempts", job.MaxAttempts, "error", reason)
	return job, endSpan(span, nil)
}

// Retry resets a failed job with attempts left back to PENDING and
// re-enqueues it under the same id. Attempts are preserved.
func (m *Manager) Retry(ctx context.Context, jobID string) (domain.Job, error) {
	ctx, span := m.startSpan(ctx, "jobs.retry", jobID)
	defer span.End()

	var before domain.Job
	job, err := m.mutate(ctx, jobID, func(job *domain.Job) error {
		if job.Status != domain.JobStatusFailed {
			return transitionError(job, "retry")
		}
		if job.Attempts >= job.MaxAttempts {
			return fmt.Errorf("%w: job %s exhausted %d/%d attempts", domain.ErrInvalidTransition, job.ID, job.Attempts, job.MaxAttempts)
		}
		before = *job
		job.Status = domain.JobStatusPending
		job.Progress = 0
		job.Stage = nil
		job.Error = nil
		job.Result = nil
		job.StartedAt = nil
		job.HeartbeatAt = nil
		job.CompletedAt = nil
		return nil
	})
	if err != nil {
		return domain.Job{}, endSpan(span, err)
	}

	if err := m.enqueue(ctx, job); err != nil {
		m.revert(ctx, jobID, domain.JobStatusPending, func(job *domain.Job) {
			job.Status = before.Status
			job.Error = before.Error
			job.Stage = before.Stage
			job.Progress = before.Progress
			job.Result = before.Result
			job.StartedAt = before.StartedAt
			job.HeartbeatAt = before.HeartbeatAt
			job.CompletedAt = before.CompletedAt
		})
		return domain.Job{}, endSpan(span, err)
	}

	m.evict(ctx, job.ID)
	m.transitioned(ctx, job)
	m.log.Info("job retried", "job_id", job.ID, "attempts", job.Attempts, "max_attempts", job.MaxAttempts)
	return job, endSpan(span, nil)
}

// Cancel stops a job that has not started yet. Processing jobs cannot be
// interrupted.
func (m *Manager) Cancel(ctx context.Context, jobID string) (domain.Job, error) {
	ctx, span := m.startSpan(ctx, "jobs.cancel", jobID)
	defer span.End()

	job, err := m.mutate(ctx, jobID, func(job *domain.Job) error {
		if job.Status != domain.JobStatusPending && job.Status != domain.JobStatusQueued {
			return transitionError(job, "cancel")
		}
		job.Status = domain.JobStatusCancelled
		job.CompletedAt = domain.TimePtr(m.clock())
		return nil
	})
	if err != nil {
		return domain.Job{}, endSpan(span, err)
	}

	m.evict(ctx, job.ID)
	m.transitioned(ctx, job)
	m.publish(ctx, bus.ChannelJobComplete, bus.CompleteEvent{
		JobID:   job.ID,
		Success: false,
		Error:   domain.StringPtr("job cancelled"),
	})
	return job, endSpan(span, nil)
}

func (m *Manager) mutate(ctx context.Context, jobID string, fn store.MutateFunc) (domain.Job, error) {
	job, err := m.store.Mutate(ctx, jobID, fn)
	if err == nil {
		return job, nil
	}
	if errors.Is(err, store.ErrJobNotFound) {
		return domain.Job{}, fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
	}
	if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrInvalidPayload) {
		return domain.Job{}, err
	}
	return domain.Job{}, fmt.Errorf("update job: %w", err)
}

func (m *Manager) enqueue(ctx context.Context, job domain.Job) error {
	if m.queue == nil {
		return errors.New("enqueue job: queue is unavailable")
	}
	info, err := m.queue.EnqueueGenerate(ctx, queue.PayloadForJob(job, m.clock()))
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	if info != nil {
		m.log.Debug("job enqueued", "job_id", job.ID, "queue", info.Queue, "task_id", info.ID)
	}
	return nil
}

// revert undoes a transition whose queue hand-off failed, provided nothing
// else has moved the job since.
func (m *Manager) revert(ctx context.Context, jobID string, expect domain.JobStatus, undo func(job *domain.Job)) {
	_, err := m.store.Mutate(ctx, jobID, func(job *domain.Job) error {
		if job.Status != expect {
			return transitionError(job, "revert")
		}
		undo(job)
		return nil
	})
	if err != nil {
		m.log.Error("job revert after enqueue failure failed", "job_id", jobID, "error", err)
		return
	}
	m.evict(ctx, jobID)
}

func (m *Manager) cacheStatus(ctx context.Context, job domain.Job) {
	if err := m.cache.Set(ctx, cache.JobKey(job.ID), job.StatusView(), m.statusTTL); err != nil {
		m.log.Warn("status cache write failed", "job_id", job.ID, "error", err)
	}
}

func (m *Manager) evict(ctx context.Context, jobID string) {
	if err := m.cache.Delete(ctx, cache.JobKey(jobID)); err != nil {
		m.log.Warn("status cache evict failed", "job_id", jobID, "error", err)
	}
}

func (m *Manager) publish(ctx context.Context, channel string, payload any) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, channel, payload); err != nil {
		m.log.Warn("progress bus publish failed", "channel", channel, "error", err)
	}
}

func (m *Manager) transitioned(ctx context.Context, job domain.Job) {
	m.metrics.transitions.WithLabelValues(string(job.Status)).Inc()
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("job.status", string(job.Status)))
}

func (m *Manager) clock() time.Time {
	return m.now().UTC()
}

func (m *Manager) startSpan(ctx context.Context, name, jobID string) (context.Context, trace.Span) {
	ctx, span := m.tracer.Start(ctx, name)
	span.SetAttributes(attribute.String("job.id", jobID))
	return ctx, span
}

func endSpan(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func transitionError(job *domain.Job, op string) error {
	return fmt.Errorf("%w: cannot %s job %s in status %s", domain.ErrInvalidTransition, op, job.ID, job.Status)
}
