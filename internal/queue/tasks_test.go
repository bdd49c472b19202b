package queue

import (
	"testing"
	"time"

	"github.com/dunamismax/sceneforge/internal/domain"
	"github.com/hibiken/asynq"
)

func TestGenerateTaskRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job := domain.NewJob("job-123", domain.JobTypeGenerateSegment, domain.JobParams{
		Segment: &domain.SegmentParams{
			SceneID:         "scene-1",
			SegmentID:       "seg-1",
			Prompt:          "A lighthouse keeper climbs the stairs at dawn",
			AspectRatio:     "9:16",
			DurationSeconds: 45,
		},
	}, now)

	task, err := NewGenerateTask(PayloadForJob(job, now))
	if err != nil {
		t.Fatalf("NewGenerateTask returned error: %v", err)
	}
	if task.Type() != TypeGenerate {
		t.Fatalf("expected task type %q, got %q", TypeGenerate, task.Type())
	}

	parsed, err := ParseGeneratePayload(task)
	if err != nil {
		t.Fatalf("ParseGeneratePayload returned error: %v", err)
	}
	if parsed.JobID != "job-123" || parsed.SceneID != "scene-1" || parsed.SegmentID != "seg-1" {
		t.Fatalf("unexpected routing: %+v", parsed)
	}
	if parsed.AspectRatio != "9:16" || parsed.DurationSeconds != 45 {
		t.Fatalf("expected segment shape to be carried, got %+v", parsed)
	}
	if !parsed.RequestedAt.Equal(now) {
		t.Fatalf("expected requestedAt %v, got %v", now, parsed.RequestedAt)
	}
}

func TestParseGeneratePayloadRequiresJobID(t *testing.T) {
	task := asynq.NewTask(TypeGenerate, []byte(`{"sceneId":"scene-1"}`))
	if _, err := ParseGeneratePayload(task); err == nil {
		t.Fatal("expected missing jobId to be rejected")
	}

	task = asynq.NewTask(TypeGenerate, []byte(`not json`))
	if _, err := ParseGeneratePayload(task); err == nil {
		t.Fatal("expected malformed payload to be rejected")
	}
}

func TestRetryDelayDoubles(t *testing.T) {
	cases := map[int]time.Duration{
		-1: 30 * time.Second,
		0:  30 * time.Second,
		1:  time.Minute,
		2:  2 * time.Minute,
	}
	for n, want := range cases {
		if got := RetryDelay(n, nil, nil); got != want {
			t.Fatalf("RetryDelay(%d): expected %v, got %v", n, want, got)
		}
	}
	if RetryDelay(100, nil, nil) != RetryDelay(16, nil, nil) {
		t.Fatal("expected retry delay to be capped")
	}
}

func TestDispatchOptions(t *testing.T) {
	opts := DispatchOptions("sceneforge")
	seen := map[asynq.OptionType]any{}
	for _, opt := range opts {
		seen[opt.Type()] = opt.Value()
	}

	if seen[asynq.QueueOpt] != "sceneforge" {
		t.Fatalf("expected queue option, got %v", seen[asynq.QueueOpt])
	}
	if seen[asynq.MaxRetryOpt] != TransportAttempts-1 {
		t.Fatalf("expected max retry %d, got %v", TransportAttempts-1, seen[asynq.MaxRetryOpt])
	}
	if seen[asynq.TimeoutOpt] != TaskTimeout {
		t.Fatalf("expected timeout %v, got %v", TaskTimeout, seen[asynq.TimeoutOpt])
	}
	if seen[asynq.RetentionOpt] != CompletedRetention {
		t.Fatalf("expected retention %v, got %v", CompletedRetention, seen[asynq.RetentionOpt])
	}
}
