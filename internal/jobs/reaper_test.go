package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/dunamismax/sceneforge/internal/domain"
	"github.com/dunamismax/sceneforge/internal/logger"
)

func TestReaperFailsStaleProcessingJobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.createJob(t, "stale")
	h.createJob(t, "fresh")
	h.createJob(t, "waiting")

	if _, err := h.manager.UpdateProgress(ctx, "stale", 30, domain.StringPtr("rendering")); err != nil {
		t.Fatalf("update stale: %v", err)
	}
	h.now = h.now.Add(20 * time.Minute)
	if _, err := h.manager.UpdateProgress(ctx, "fresh", 60, nil); err != nil {
		t.Fatalf("update fresh: %v", err)
	}

	reaper := NewReaper(logger.NewNop(), h.manager, 0)
	reaped, err := reaper.Reap(ctx)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if len(reaped) != 1 || reaped[0] != "stale" {
		t.Fatalf("expected only the stale job to be reaped, got %v", reaped)
	}

	job, _, _ := h.store.Get(ctx, "stale")
	if job.Status != domain.JobStatusFailed || job.Error == nil || *job.Error != HeartbeatExpiredError {
		t.Fatalf("unexpected reaped job: %+v", job)
	}
	if !job.Retryable() {
		t.Fatal("expected reaped job to remain retryable")
	}

	for _, jobID := range []string{"fresh", "waiting"} {
		job, _, _ := h.store.Get(ctx, jobID)
		if job.Status == domain.JobStatusFailed {
			t.Fatalf("expected %s to be left alone", jobID)
		}
	}

	reaped, err = reaper.Reap(ctx)
	if err != nil {
		t.Fatalf("second reap: %v", err)
	}
	if len(reaped) != 0 {
		t.Fatalf("expected nothing left to reap, got %v", reaped)
	}
}
