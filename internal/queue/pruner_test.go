package queue

import (
	"context"
	"fmt"
	"testing"

	"github.com/dunamismax/sceneforge/internal/logger"
	"github.com/hibiken/asynq"
)

type fakeInspector struct {
	completed []string
	archived  []string
	deleted   []string
}

func (f *fakeInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return &asynq.QueueInfo{Completed: len(f.completed), Archived: len(f.archived)}, nil
}

func (f *fakeInspector) ListCompletedTasks(_ string, _ ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	return page(f.completed), nil
}

func (f *fakeInspector) ListArchivedTasks(_ string, _ ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	return page(f.archived), nil
}

func (f *fakeInspector) DeleteTask(_ string, id string) error {
	f.deleted = append(f.deleted, id)
	f.completed = without(f.completed, id)
	f.archived = without(f.archived, id)
	return nil
}

func page(ids []string) []*asynq.TaskInfo {
	n := min(len(ids), prunePageSize)
	out := make([]*asynq.TaskInfo, 0, n)
	for _, id := range ids[:n] {
		out = append(out, &asynq.TaskInfo{ID: id})
	}
	return out
}

func without(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func taskIDs(prefix string, n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%03d", prefix, i)
	}
	return ids
}

func TestPrunerKeepsNewestEntries(t *testing.T) {
	insp := &fakeInspector{
		completed: taskIDs("done", RetainCompleted+130),
		archived:  taskIDs("dead", RetainFailed+2),
	}
	p := newPruner(logger.NewNop(), insp, "sceneforge")

	removed, err := p.Prune(context.Background())
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 132 {
		t.Fatalf("expected 132 removals, got %d", removed)
	}
	if len(insp.completed) != RetainCompleted || len(insp.archived) != RetainFailed {
		t.Fatalf("expected %d/%d retained, got %d/%d", RetainCompleted, RetainFailed, len(insp.completed), len(insp.archived))
	}
	if insp.completed[0] != "done-130" {
		t.Fatalf("expected oldest entries to be removed first, head is %s", insp.completed[0])
	}
}

func TestPrunerNoopUnderLimit(t *testing.T) {
	insp := &fakeInspector{completed: taskIDs("done", 3)}
	p := newPruner(logger.NewNop(), insp, "sceneforge")

	removed, err := p.Prune(context.Background())
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 0 || len(insp.deleted) != 0 {
		t.Fatalf("expected no deletions, got %v", insp.deleted)
	}
}
