package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dunamismax/sceneforge/internal/domain"
	"github.com/hibiken/asynq"
)

const TypeGenerate = "segment:generate"

// GeneratePayload is the task body the worker consumes. The worker
// correlates it with the job record through JobID, which stays the same
// across retries.
type GeneratePayload struct {
	JobID           string         `json:"jobId"`
	JobType         domain.JobType `json:"jobType"`
	SceneID         string         `json:"sceneId"`
	SegmentID       string         `json:"segmentId,omitempty"`
	AspectRatio     string         `json:"aspectRatio,omitempty"`
	DurationSeconds int            `json:"durationSeconds,omitempty"`
	RequestedAt     time.Time      `json:"requestedAt"`
}

// PayloadForJob derives the queue task from a job's routing parameters.
func PayloadForJob(job domain.Job, now time.Time) GeneratePayload {
	payload := GeneratePayload{
		JobID:       job.ID,
		JobType:     job.Type,
		SceneID:     job.SceneID,
		SegmentID:   job.SegmentID,
		RequestedAt: now,
	}
	if seg := job.Params.Segment; seg != nil {
		payload.AspectRatio = seg.AspectRatio
		payload.DurationSeconds = seg.DurationSeconds
	}
	return payload
}

func NewGenerateTask(payload GeneratePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal generate payload: %w", err)
	}
	return asynq.NewTask(TypeGenerate, body), nil
}

func ParseGeneratePayload(task *asynq.Task) (GeneratePayload, error) {
	var payload GeneratePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return GeneratePayload{}, fmt.Errorf("unmarshal generate payload: %w", err)
	}
	if payload.JobID == "" {
		return GeneratePayload{}, fmt.Errorf("generate payload is missing jobId")
	}
	return payload, nil
}
