package domain

import (
	"fmt"
	"strings"
	"time"
)

type JobType string

const (
	JobTypeGenerateSegment   JobType = "generate_segment"
	JobTypeCompileScene      JobType = "compile_scene"
	JobTypeGenerateThumbnail JobType = "generate_thumbnail"
)

func (t JobType) Valid() bool {
	switch t {
	case JobTypeGenerateSegment, JobTypeCompileScene, JobTypeGenerateThumbnail:
		return true
	default:
		return false
	}
}

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Active reports whether a worker may still act on the job. Only active
// jobs are held in the status cache.
func (s JobStatus) Active() bool {
	switch s {
	case JobStatusPending, JobStatusQueued, JobStatusProcessing:
		return true
	default:
		return false
	}
}

// Terminal reports statuses that are never mutated again. A failed job is
// only terminal once its attempts are exhausted, see Job.Exhausted.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusCancelled
}

const (
	PriorityUrgent = 1
	PriorityHigh   = 2
	PriorityNormal = 5
	PriorityLow    = 10

	DefaultMaxAttempts = 3
)

type Job struct {
	ID          string     `json:"id"`
	Type        JobType    `json:"type"`
	Status      JobStatus  `json:"status"`
	Priority    int        `json:"priority"`
	Progress    int        `json:"progress"`
	Stage       *string    `json:"stage"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"maxAttempts"`
	Error       *string    `json:"error"`
	Params      JobParams  `json:"params"`
	Result      *JobResult `json:"result"`
	SceneID     string     `json:"sceneId"`
	SegmentID   string     `json:"segmentId,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt"`
	HeartbeatAt *time.Time `json:"heartbeatAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// NewJob builds a pending job with defaults applied. Callers still need to
// persist it before dispatching.
func NewJob(id string, jobType JobType, params JobParams, now time.Time) Job {
	job := Job{
		ID:          id,
		Type:        jobType,
		Status:      JobStatusPending,
		Priority:    PriorityNormal,
		MaxAttempts: DefaultMaxAttempts,
		Params:      params,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	job.SceneID, job.SegmentID = params.routing()
	return job
}

func (j Job) Exhausted() bool {
	return j.Status == JobStatusFailed && j.Attempts >= j.MaxAttempts
}

func (j Job) Retryable() bool {
	return j.Status == JobStatusFailed && j.Attempts < j.MaxAttempts
}

// LastSeen is the most recent sign of worker activity: the heartbeat, else
// the start time, else the last update.
func (j Job) LastSeen() time.Time {
	switch {
	case j.HeartbeatAt != nil:
		return *j.HeartbeatAt
	case j.StartedAt != nil:
		return *j.StartedAt
	default:
		return j.UpdatedAt
	}
}

func (j Job) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return fmt.Errorf("%w: job id is required", ErrInvalidPayload)
	}
	if !j.Type.Valid() {
		return fmt.Errorf("%w: unsupported job type %q", ErrInvalidPayload, j.Type)
	}
	if j.MaxAttempts < 1 {
		return fmt.Errorf("%w: maxAttempts must be positive", ErrInvalidPayload)
	}
	return j.Params.Validate(j.Type)
}

// JobStatusView is the snapshot served to polling clients and held in the
// status cache.
type JobStatusView struct {
	ID          string     `json:"id"`
	Type        JobType    `json:"type"`
	Status      JobStatus  `json:"status"`
	Progress    int        `json:"progress"`
	Stage       *string    `json:"stage"`
	Error       *string    `json:"error"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"maxAttempts"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt"`
}

func (j Job) StatusView() JobStatusView {
	return JobStatusView{
		ID:          j.ID,
		Type:        j.Type,
		Status:      j.Status,
		Progress:    j.Progress,
		Stage:       j.Stage,
		Error:       j.Error,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}

func StringPtr(s string) *string {
	return &s
}

func TimePtr(t time.Time) *time.Time {
	return &t
}
