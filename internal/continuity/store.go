package continuity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/sceneforge/internal/cache"
	"github.com/dunamismax/sceneforge/internal/domain"
	"github.com/dunamismax/sceneforge/internal/logger"
	"github.com/dunamismax/sceneforge/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MaxWriteAttempts bounds how often an additive mutation re-reads and retries
// after losing a version race.
const MaxWriteAttempts = 5

// Archiver keeps an immutable copy of every committed Bible version.
type Archiver interface {
	ArchiveBible(ctx context.Context, bible domain.SceneBible) error
	ArchivedBible(ctx context.Context, sceneID string, version int) (domain.SceneBible, bool, error)
}

type Store struct {
	log      *logger.Logger
	bibles   store.BibleStore
	cache    cache.Cache
	archiver Archiver
	ttl      time.Duration
	tracer   trace.Tracer
}

func NewStore(log *logger.Logger, bibles store.BibleStore, bibleCache cache.Cache) *Store {
	return &Store{
		log:    log.With("component", "ContinuityStore"),
		bibles: bibles,
		cache:  bibleCache,
		ttl:    cache.BibleTTL,
		tracer: otel.Tracer("sceneforge/continuity"),
	}
}

func (s *Store) WithArchiver(archiver Archiver) *Store {
	s.archiver = archiver
	return s
}

func (s *Store) WithTTL(ttl time.Duration) *Store {
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

// GetForScene returns the scene's Bible, synthesizing an empty version-0
// document when none has been persisted. Synthesized Bibles are neither
// stored nor cached.
func (s *Store) GetForScene(ctx context.Context, sceneID string) (domain.SceneBible, error) {
	ctx, span := s.startSpan(ctx, "continuity.get_for_scene", sceneID)
	defer span.End()

	var bible domain.SceneBible
	ok, err := s.cache.Get(ctx, cache.BibleKey(sceneID), &bible)
	if err != nil {
		s.log.Warn("bible cache read failed", "scene_id", sceneID, "error", err)
	}
	if ok && err == nil {
		bible.Normalize()
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return bible, nil
	}

	bible, found, err := s.load(ctx, sceneID)
	if err != nil {
		return domain.SceneBible{}, endSpan(span, err)
	}
	if found {
		if err := s.cache.Set(ctx, cache.BibleKey(sceneID), bible, s.ttl); err != nil {
			s.log.Warn("bible cache write failed", "scene_id", sceneID, "error", err)
		}
	}
	return bible, nil
}

// Update merges the provided top-level fields and bumps the version by one.
// With a non-nil expectedVersion the write is conditional and fails with
// domain.ErrVersionConflict if another writer got there first.
func (s *Store) Update(ctx context.Context, sceneID string, patch domain.BiblePatch, expectedVersion *int) (domain.SceneBible, error) {
	ctx, span := s.startSpan(ctx, "continuity.update", sceneID)
	defer span.End()

	if err := validatePatch(patch); err != nil {
		return domain.SceneBible{}, endSpan(span, err)
	}

	written, err := s.bibles.Upsert(ctx, sceneID, patch, expectedVersion)
	if err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return domain.SceneBible{}, endSpan(span, err)
		}
		return domain.SceneBible{}, endSpan(span, fmt.Errorf("upsert bible: %w", err))
	}
	span.SetAttributes(attribute.Int("bible.version", written.Version))

	if err := s.cache.Delete(ctx, cache.BibleKey(sceneID)); err != nil {
		s.log.Warn("bible cache evict failed", "scene_id", sceneID, "error", err)
	}
	if s.archiver != nil {
		if err := s.archiver.ArchiveBible(ctx, written); err != nil {
			s.log.Warn("bible archive failed", "scene_id", sceneID, "version", written.Version, "error", err)
		}
	}
	s.log.Debug("bible updated", "scene_id", sceneID, "version", written.Version)

	bible, err := s.GetForScene(ctx, sceneID)
	return bible, endSpan(span, err)
}

func (s *Store) AddCharacter(ctx context.Context, sceneID string, character domain.Character) (domain.SceneBible, error) {
	if character.Status == "" {
		character.Status = domain.CharacterAlive
	}
	if err := character.Validate(); err != nil {
		return domain.SceneBible{}, err
	}
	return s.modify(ctx, sceneID, func(b domain.SceneBible) domain.BiblePatch {
		b.Characters[character.ID] = character
		return domain.BiblePatch{Characters: b.Characters}
	})
}

func (s *Store) AddLocation(ctx context.Context, sceneID string, location domain.Location) (domain.SceneBible, error) {
	if err := location.Validate(); err != nil {
		return domain.SceneBible{}, err
	}
	return s.modify(ctx, sceneID, func(b domain.SceneBible) domain.BiblePatch {
		b.Locations[location.ID] = location
		return domain.BiblePatch{Locations: b.Locations}
	})
}

func (s *Store) AddObject(ctx context.Context, sceneID string, object domain.StoryObject) (domain.SceneBible, error) {
	if err := object.Validate(); err != nil {
		return domain.SceneBible{}, err
	}
	return s.modify(ctx, sceneID, func(b domain.SceneBible) domain.BiblePatch {
		b.Objects[object.ID] = object
		return domain.BiblePatch{Objects: b.Objects}
	})
}

// AddRule inserts a rule, replacing an existing rule with the same id in place.
func (s *Store) AddRule(ctx context.Context, sceneID string, rule domain.StoryRule) (domain.SceneBible, error) {
	if err := rule.Validate(); err != nil {
		return domain.SceneBible{}, err
	}
	return s.modify(ctx, sceneID, func(b domain.SceneBible) domain.BiblePatch {
		for i, existing := range b.Rules {
			if existing.ID == rule.ID {
				b.Rules[i] = rule
				return domain.BiblePatch{Rules: b.Rules}
			}
		}
		return domain.BiblePatch{Rules: append(b.Rules, rule)}
	})
}

// AddTimelineEvent appends to the timeline; earlier events are never
// reordered or dropped.
func (s *Store) AddTimelineEvent(ctx context.Context, sceneID string, event domain.TimelineEvent) (domain.SceneBible, error) {
	if err := event.Validate(); err != nil {
		return domain.SceneBible{}, err
	}
	return s.modify(ctx, sceneID, func(b domain.SceneBible) domain.BiblePatch {
		return domain.BiblePatch{Timeline: append(b.Timeline, event)}
	})
}

// History returns a committed version of the scene's Bible.
func (s *Store) History(ctx context.Context, sceneID string, version int) (domain.SceneBible, error) {
	if version < 1 {
		return domain.SceneBible{}, fmt.Errorf("%w: version must be positive", domain.ErrInvalidPayload)
	}

	current, found, err := s.load(ctx, sceneID)
	if err != nil {
		return domain.SceneBible{}, err
	}
	if !found || version > current.Version {
		return domain.SceneBible{}, fmt.Errorf("%w: scene %s has no bible version %d", domain.ErrNotFound, sceneID, version)
	}
	if version == current.Version {
		return current, nil
	}
	if s.archiver == nil {
		return domain.SceneBible{}, fmt.Errorf("%w: bible history is not archived", domain.ErrNotFound)
	}

	bible, ok, err := s.archiver.ArchivedBible(ctx, sceneID, version)
	if err != nil {
		return domain.SceneBible{}, fmt.Errorf("read archived bible: %w", err)
	}
	if !ok {
		return domain.SceneBible{}, fmt.Errorf("%w: scene %s has no archived version %d", domain.ErrNotFound, sceneID, version)
	}
	bible.Normalize()
	return bible, nil
}

// modify runs an additive mutation as read, mutate, then a version-checked
// write. Losing a race re-reads and reapplies the mutation.
func (s *Store) modify(ctx context.Context, sceneID string, mutate func(domain.SceneBible) domain.BiblePatch) (domain.SceneBible, error) {
	var lastErr error
	for attempt := 1; attempt <= MaxWriteAttempts; attempt++ {
		current, _, err := s.load(ctx, sceneID)
		if err != nil {
			return domain.SceneBible{}, err
		}

		version := current.Version
		bible, err := s.Update(ctx, sceneID, mutate(current.Clone()), &version)
		if err == nil {
			return bible, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return domain.SceneBible{}, err
		}
		lastErr = err
		s.log.Debug("bible write lost version race", "scene_id", sceneID, "version", version, "attempt", attempt)
	}
	return domain.SceneBible{}, fmt.Errorf("update bible after %d attempts: %w", MaxWriteAttempts, lastErr)
}

// load reads the source of truth, bypassing the cache.
func (s *Store) load(ctx context.Context, sceneID string) (domain.SceneBible, bool, error) {
	bible, ok, err := s.bibles.Get(ctx, sceneID)
	if err != nil {
		return domain.SceneBible{}, false, fmt.Errorf("get bible: %w", err)
	}
	if !ok {
		return domain.NewSceneBible(sceneID), false, nil
	}
	bible.Normalize()
	return bible, true, nil
}

func validatePatch(patch domain.BiblePatch) error {
	if patch.Empty() {
		return fmt.Errorf("%w: bible update has no fields", domain.ErrInvalidPayload)
	}
	for key, character := range patch.Characters {
		if err := character.Validate(); err != nil {
			return err
		}
		if key != character.ID {
			return fmt.Errorf("%w: character key %q does not match id %q", domain.ErrInvalidPayload, key, character.ID)
		}
	}
	for key, location := range patch.Locations {
		if err := location.Validate(); err != nil {
			return err
		}
		if key != location.ID {
			return fmt.Errorf("%w: location key %q does not match id %q", domain.ErrInvalidPayload, key, location.ID)
		}
	}
	for key, object := range patch.Objects {
		if err := object.Validate(); err != nil {
			return err
		}
		if key != object.ID {
			return fmt.Errorf("%w: object key %q does not match id %q", domain.ErrInvalidPayload, key, object.ID)
		}
	}
	for _, event := range patch.Timeline {
		if err := event.Validate(); err != nil {
			return err
		}
	}
	for _, rule := range patch.Rules {
		if err := rule.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) startSpan(ctx context.Context, name, sceneID string) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, name)
	span.SetAttributes(attribute.String("scene.id", sceneID))
	return ctx, span
}

func endSpan(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
