package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/sceneforge/internal/logger"
	"github.com/hibiken/asynq"
)

const prunePageSize = 100

type inspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	ListCompletedTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	ListArchivedTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
}

// Pruner bounds how many finished queue entries are retained: the newest
// RetainCompleted completed tasks and the newest RetainFailed archived ones.
// Job records are unaffected.
type Pruner struct {
	log       *logger.Logger
	inspector inspector
	queue     string
}

func NewPruner(log *logger.Logger, redisOpt asynq.RedisConnOpt, queueName string) *Pruner {
	return newPruner(log, asynq.NewInspector(redisOpt), queueName)
}

func newPruner(log *logger.Logger, insp inspector, queueName string) *Pruner {
	return &Pruner{
		log:       log.With("component", "QueuePruner"),
		inspector: insp,
		queue:     queueName,
	}
}

func (p *Pruner) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := p.Prune(ctx); err != nil {
			p.log.Warn("queue prune failed", "queue", p.queue, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Prune deletes the oldest finished entries beyond the retention bounds and
// returns how many it removed.
func (p *Pruner) Prune(ctx context.Context) (int, error) {
	info, err := p.inspector.GetQueueInfo(p.queue)
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("get queue info: %w", err)
	}

	removedCompleted, err := p.trim(ctx, info.Completed-RetainCompleted, p.inspector.ListCompletedTasks)
	if err != nil {
		return removedCompleted, fmt.Errorf("trim completed tasks: %w", err)
	}
	removedArchived, err := p.trim(ctx, info.Archived-RetainFailed, p.inspector.ListArchivedTasks)
	total := removedCompleted + removedArchived
	if err != nil {
		return total, fmt.Errorf("trim archived tasks: %w", err)
	}

	if total > 0 {
		p.log.Debug("pruned queue entries", "queue", p.queue, "completed", removedCompleted, "archived", removedArchived)
	}
	return total, nil
}

type listFunc func(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)

// trim removes up to excess entries from the head of a listing, which asynq
// orders oldest first.
func (p *Pruner) trim(ctx context.Context, excess int, list listFunc) (int, error) {
	removed := 0
	for excess > 0 {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		tasks, err := list(p.queue, asynq.Page(1), asynq.PageSize(min(excess, prunePageSize)))
		if err != nil {
			return removed, err
		}
		if len(tasks) == 0 {
			return removed, nil
		}
		for _, task := range tasks {
			if err := p.inspector.DeleteTask(p.queue, task.ID); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
				return removed, fmt.Errorf("delete task %s: %w", task.ID, err)
			}
			removed++
			excess--
		}
	}
	return removed, nil
}
