package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dunamismax/sceneforge/internal/domain"
)

type MemoryBibleStore struct {
	mu     sync.Mutex
	bibles map[string]domain.SceneBible
	now    func() time.Time
}

func NewMemoryBibleStore() *MemoryBibleStore {
	return &MemoryBibleStore{
		bibles: make(map[string]domain.SceneBible),
		now:    time.Now,
	}
}

func (s *MemoryBibleStore) Get(_ context.Context, sceneID string) (domain.SceneBible, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bible, ok := s.bibles[sceneID]
	if !ok {
		return domain.SceneBible{}, false, nil
	}
	return bible.Clone(), true, nil
}

func (s *MemoryBibleStore) Upsert(_ context.Context, sceneID string, patch domain.BiblePatch, expectedVersion *int) (domain.SceneBible, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.bibles[sceneID]
	if !ok {
		current = domain.NewSceneBible(sceneID)
	}
	if expectedVersion != nil && current.Version != *expectedVersion {
		return domain.SceneBible{}, fmt.Errorf("%w: scene %s at version %d, expected %d",
			domain.ErrVersionConflict, sceneID, current.Version, *expectedVersion)
	}

	next := current.Clone()
	next.Apply(patch.Clone())
	next.Version = current.Version + 1
	next.UpdatedAt = domain.TimePtr(s.now().UTC())
	s.bibles[sceneID] = next
	return next.Clone(), nil
}
