package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/dunamismax/sceneforge/internal/domain"
	"github.com/dunamismax/sceneforge/internal/id"
)

func openTestPostgres(t *testing.T) (*PostgresJobStore, *PostgresBibleStore) {
	t.Helper()
	dsn := os.Getenv("SCENEFORGE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SCENEFORGE_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	db, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	jobs, err := NewPostgresJobStore(ctx, db)
	if err != nil {
		t.Fatalf("job store: %v", err)
	}
	bibles, err := NewPostgresBibleStore(ctx, db)
	if err != nil {
		t.Fatalf("bible store: %v", err)
	}
	return jobs, bibles
}

func TestPostgresJobStoreRoundTripAndMutate(t *testing.T) {
	jobs, _ := openTestPostgres(t)
	ctx := context.Background()

	job := seedJob(id.New(), time.Now().UTC().Truncate(time.Microsecond))
	if err := jobs.Create(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := jobs.Create(ctx, job); !errors.Is(err, ErrJobExists) {
		t.Fatalf("expected ErrJobExists, got %v", err)
	}

	updated, err := jobs.Mutate(ctx, job.ID, func(j *domain.Job) error {
		j.Status = domain.JobStatusProcessing
		j.Progress = 40
		j.Stage = domain.StringPtr("expanding")
		return nil
	})
	if err != nil {
		t.Fatalf("mutate job: %v", err)
	}
	if updated.Status != domain.JobStatusProcessing {
		t.Fatalf("expected processing, got %s", updated.Status)
	}

	got, ok, err := jobs.Get(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("get job: ok=%v err=%v", ok, err)
	}
	if got.Progress != 40 || got.Stage == nil || *got.Stage != "expanding" {
		t.Fatalf("unexpected stored job: %+v", got)
	}
	if got.Params.Segment == nil || got.Params.Segment.SceneID != "scene-1" {
		t.Fatalf("expected segment params to round trip, got %+v", got.Params)
	}
}

func TestPostgresBibleStoreCompareAndSwap(t *testing.T) {
	_, bibles := openTestPostgres(t)
	ctx := context.Background()
	sceneID := id.New()

	zero := 0
	first, err := bibles.Upsert(ctx, sceneID, domain.BiblePatch{
		Characters: map[string]domain.Character{"c1": {ID: "c1", Name: "Maya"}},
	}, &zero)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if first.Version != 1 {
		t.Fatalf("expected version 1, got %d", first.Version)
	}

	if _, err := bibles.Upsert(ctx, sceneID, domain.BiblePatch{Rules: []domain.StoryRule{}}, &zero); !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	got, ok, err := bibles.Get(ctx, sceneID)
	if err != nil || !ok {
		t.Fatalf("get bible: ok=%v err=%v", ok, err)
	}
	if got.Characters["c1"].Name != "Maya" || got.Version != 1 {
		t.Fatalf("unexpected stored bible: %+v", got)
	}
}
