package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

// Transport-level delivery policy. These retries are independent of a job
// record's own attempts/maxAttempts.
const (
	TransportAttempts  = 3
	BackoffBase        = 30 * time.Second
	TaskTimeout        = 10 * time.Minute
	CompletedRetention = 24 * time.Hour

	RetainCompleted = 100
	RetainFailed    = 50
)

type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(redisOpt asynq.RedisConnOpt, queueName string) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		queue:  queueName,
	}
}

func (c *Client) Queue() string {
	return c.queue
}

func (c *Client) EnqueueGenerate(ctx context.Context, payload GeneratePayload) (*asynq.TaskInfo, error) {
	task, err := NewGenerateTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, DispatchOptions(c.queue)...)
}

func DispatchOptions(queueName string) []asynq.Option {
	return []asynq.Option{
		asynq.Queue(queueName),
		asynq.MaxRetry(TransportAttempts - 1),
		asynq.Timeout(TaskTimeout),
		asynq.Retention(CompletedRetention),
	}
}

// RetryDelay is the server-side backoff: 30s, 60s, 120s, ... n is the number
// of retries already made.
func RetryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > 16 {
		n = 16
	}
	return BackoffBase << uint(n)
}

func (c *Client) Close() error {
	return c.client.Close()
}
