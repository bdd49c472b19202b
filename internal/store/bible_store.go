package store

import (
	"context"

	"github.com/dunamismax/sceneforge/internal/domain"
)

type BibleStore interface {
	Get(ctx context.Context, sceneID string) (domain.SceneBible, bool, error)
	// Upsert merges patch into the stored document (or a fresh one) and
	// bumps the version by one. When expectedVersion is non-nil the write
	// only happens if the stored version still equals it; otherwise
	// domain.ErrVersionConflict is returned.
	Upsert(ctx context.Context, sceneID string, patch domain.BiblePatch, expectedVersion *int) (domain.SceneBible, error)
}
