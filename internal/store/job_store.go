package store

import (
	"context"
	"errors"
	"time"

	"github.com/dunamismax/sceneforge/internal/domain"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobExists   = errors.New("job already exists")
)

// MutateFunc edits a job in place. Returning an error aborts the write and
// leaves the stored record untouched.
type MutateFunc func(job *domain.Job) error

type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	// Mutate runs fn against the current record while holding the record
	// exclusively, then persists the result.
	Mutate(ctx context.Context, id string, fn MutateFunc) (domain.Job, error)
	// ListStale returns processing jobs whose last heartbeat is older than
	// before, oldest first.
	ListStale(ctx context.Context, before time.Time, limit int) ([]domain.Job, error)
}
