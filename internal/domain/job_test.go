package domain

import (
	"errors"
	"testing"
	"time"
)

func TestCreateSegmentRequestValidate(t *testing.T) {
	valid := CreateSegmentRequest{
		SegmentID: "seg-1",
		Prompt:    "Maya walks into the rain-soaked market",
	}
	valid.Normalize()
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid request, got error: %v", err)
	}
	if valid.AspectRatio != AspectRatioLandscape {
		t.Fatalf("expected default aspect ratio %s, got %s", AspectRatioLandscape, valid.AspectRatio)
	}
	if valid.DurationSeconds != DefaultSegmentSeconds {
		t.Fatalf("expected default duration %d, got %d", DefaultSegmentSeconds, valid.DurationSeconds)
	}

	invalid := CreateSegmentRequest{}
	invalid.Normalize()
	if err := invalid.Validate(); err == nil {
		t.Fatal("expected validation error for empty request")
	}

	shortPrompt := CreateSegmentRequest{SegmentID: "seg-1", Prompt: "rain"}
	shortPrompt.Normalize()
	if err := shortPrompt.Validate(); err == nil {
		t.Fatal("expected validation error for short prompt")
	}

	badRatio := CreateSegmentRequest{SegmentID: "seg-1", Prompt: "Maya walks into the market", AspectRatio: "4:3"}
	badRatio.Normalize()
	if err := badRatio.Validate(); err == nil {
		t.Fatal("expected validation error for unsupported aspect ratio")
	}

	tooLong := CreateSegmentRequest{SegmentID: "seg-1", Prompt: "Maya walks into the market", DurationSeconds: 600}
	tooLong.Normalize()
	if err := tooLong.Validate(); err == nil {
		t.Fatal("expected validation error for duration over the limit")
	}
}

func TestNewJobDefaultsAndRouting(t *testing.T) {
	now := time.Now().UTC()
	req := CreateSegmentRequest{SegmentID: "seg-9", Prompt: "The lighthouse keeper opens the door"}
	req.Normalize()

	job := NewJob("job-1", JobTypeGenerateSegment, req.Params("scene-1"), now)
	if job.Status != JobStatusPending {
		t.Fatalf("expected pending, got %s", job.Status)
	}
	if job.MaxAttempts != DefaultMaxAttempts {
		t.Fatalf("expected maxAttempts=%d, got %d", DefaultMaxAttempts, job.MaxAttempts)
	}
	if job.SceneID != "scene-1" || job.SegmentID != "seg-9" {
		t.Fatalf("expected routing scene-1/seg-9, got %s/%s", job.SceneID, job.SegmentID)
	}
	if err := job.Validate(); err != nil {
		t.Fatalf("expected valid job, got %v", err)
	}
}

func TestJobParamsRejectMismatchedVariant(t *testing.T) {
	params := JobParams{Compile: &CompileParams{SceneID: "scene-1"}}
	if err := params.Validate(JobTypeGenerateSegment); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}

	both := JobParams{
		Compile: &CompileParams{SceneID: "scene-1"},
		Segment: &SegmentParams{SceneID: "scene-1", SegmentID: "seg-1"},
	}
	if err := both.Validate(JobTypeCompileScene); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for two variants, got %v", err)
	}

	thumb := JobParams{Thumbnail: &ThumbnailParams{SceneID: "scene-1", FrameKey: "frames/a.png"}}
	if err := thumb.Validate(JobTypeGenerateThumbnail); err == nil {
		t.Fatal("expected error for missing thumbnail width")
	}
}

func TestJobResultValidate(t *testing.T) {
	ok := JobResult{Segment: &SegmentResult{SegmentID: "seg-1", VideoURL: "https://cdn/seg-1.mp4"}}
	if err := ok.Validate(JobTypeGenerateSegment); err != nil {
		t.Fatalf("expected valid result, got %v", err)
	}
	if err := ok.Validate(JobTypeGenerateThumbnail); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for wrong variant, got %v", err)
	}
	if err := (JobResult{}).Validate(JobTypeCompileScene); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for empty result, got %v", err)
	}
}

func TestJobStatusPredicates(t *testing.T) {
	cases := []struct {
		status   JobStatus
		active   bool
		terminal bool
	}{
		{JobStatusPending, true, false},
		{JobStatusQueued, true, false},
		{JobStatusProcessing, true, false},
		{JobStatusCompleted, false, true},
		{JobStatusFailed, false, false},
		{JobStatusCancelled, false, true},
	}
	for _, tc := range cases {
		if got := tc.status.Active(); got != tc.active {
			t.Fatalf("%s: expected active=%v, got %v", tc.status, tc.active, got)
		}
		if got := tc.status.Terminal(); got != tc.terminal {
			t.Fatalf("%s: expected terminal=%v, got %v", tc.status, tc.terminal, got)
		}
	}

	job := Job{Status: JobStatusFailed, Attempts: 3, MaxAttempts: 3}
	if !job.Exhausted() || job.Retryable() {
		t.Fatal("expected failed job at max attempts to be exhausted")
	}
	job.Attempts = 2
	if job.Exhausted() || !job.Retryable() {
		t.Fatal("expected failed job below max attempts to be retryable")
	}
}

func TestJobLastSeenPrefersHeartbeat(t *testing.T) {
	updated := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	started := updated.Add(time.Minute)
	beat := updated.Add(5 * time.Minute)

	job := Job{UpdatedAt: updated}
	if !job.LastSeen().Equal(updated) {
		t.Fatalf("expected updatedAt fallback, got %s", job.LastSeen())
	}
	job.StartedAt = &started
	if !job.LastSeen().Equal(started) {
		t.Fatalf("expected startedAt, got %s", job.LastSeen())
	}
	job.HeartbeatAt = &beat
	if !job.LastSeen().Equal(beat) {
		t.Fatalf("expected heartbeatAt, got %s", job.LastSeen())
	}
}
