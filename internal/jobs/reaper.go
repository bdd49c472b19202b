package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/sceneforge/internal/domain"
	"github.com/dunamismax/sceneforge/internal/logger"
)

const (
	DefaultHeartbeatDeadline = 15 * time.Minute
	HeartbeatExpiredError    = "worker heartbeat expired"

	reapBatchSize = 100
)

// Reaper fails PROCESSING jobs whose worker stopped reporting, so they become
// retryable instead of staying stuck.
type Reaper struct {
	log      *logger.Logger
	manager  *Manager
	deadline time.Duration
}

func NewReaper(log *logger.Logger, manager *Manager, deadline time.Duration) *Reaper {
	if deadline <= 0 {
		deadline = DefaultHeartbeatDeadline
	}
	return &Reaper{
		log:      log.With("component", "JobReaper"),
		manager:  manager,
		deadline: deadline,
	}
}

func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Reap(ctx); err != nil {
				r.log.Warn("reap stale jobs failed", "error", err)
			}
		}
	}
}

// Reap fails every stale job once and returns the ids it failed.
func (r *Reaper) Reap(ctx context.Context) ([]string, error) {
	cutoff := r.manager.clock().Add(-r.deadline)

	stale, err := r.manager.store.ListStale(ctx, cutoff, reapBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}

	var reaped []string
	for _, job := range stale {
		_, err := r.manager.fail(ctx, job.ID, HeartbeatExpiredError, func(current *domain.Job) error {
			if current.Status != domain.JobStatusProcessing || !current.LastSeen().Before(cutoff) {
				return fmt.Errorf("%w: job %s is no longer stale", domain.ErrInvalidTransition, current.ID)
			}
			return nil
		})
		if err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return reaped, fmt.Errorf("fail stale job %s: %w", job.ID, err)
		}
		r.manager.metrics.reaped.Inc()
		r.log.Warn("job heartbeat expired", "job_id", job.ID, "deadline", r.deadline)
		reaped = append(reaped, job.ID)
	}
	return reaped, nil
}
