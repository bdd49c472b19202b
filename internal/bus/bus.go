package bus

import (
	"context"

	"github.com/dunamismax/sceneforge/internal/domain"
)

const (
	ChannelJobProgress = "job:progress"
	ChannelJobComplete = "job:complete"
)

type ProgressEvent struct {
	JobID    string           `json:"jobId"`
	Progress int              `json:"progress"`
	Stage    *string          `json:"stage"`
	Status   domain.JobStatus `json:"status"`
}

type CompleteEvent struct {
	JobID   string            `json:"jobId"`
	Success bool              `json:"success"`
	Result  *domain.JobResult `json:"result,omitempty"`
	Error   *string           `json:"error,omitempty"`
}

// Handler receives raw message payloads. Delivery is at most once.
type Handler func(channel string, payload []byte)

type Publisher interface {
	Publish(ctx context.Context, channel string, payload any) error
}

type Subscriber interface {
	// Subscribe starts delivering messages on channels to h until ctx is
	// done. It returns once the subscription is live.
	Subscribe(ctx context.Context, h Handler, channels ...string) error
}
