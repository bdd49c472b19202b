package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dunamismax/sceneforge/internal/domain"
)

type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]domain.Job
	now  func() time.Time
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]domain.Job),
		now:  time.Now,
	}
}

func (s *MemoryJobStore) Create(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (domain.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return job, ok, nil
}

func (s *MemoryJobStore) Mutate(_ context.Context, id string, fn MutateFunc) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	if err := fn(&job); err != nil {
		return domain.Job{}, err
	}

	job.UpdatedAt = s.now().UTC()
	s.jobs[id] = job
	return job, nil
}

func (s *MemoryJobStore) ListStale(_ context.Context, before time.Time, limit int) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stale []domain.Job
	for _, job := range s.jobs {
		if job.Status != domain.JobStatusProcessing {
			continue
		}
		if job.LastSeen().Before(before) {
			stale = append(stale, job)
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].LastSeen().Before(stale[j].LastSeen())
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}
