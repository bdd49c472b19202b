package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/sceneforge/internal/domain"
)

const bibleSchemaSQL = `
CREATE TABLE IF NOT EXISTS scene_bibles (
	scene_id TEXT PRIMARY KEY,
	version INTEGER NOT NULL,
	characters JSONB NOT NULL DEFAULT '{}',
	locations JSONB NOT NULL DEFAULT '{}',
	objects JSONB NOT NULL DEFAULT '{}',
	timeline JSONB NOT NULL DEFAULT '[]',
	relationships JSONB NOT NULL DEFAULT '[]',
	rules JSONB NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

// blind upserts re-read and retry this many times when another writer
// commits between the read and the write.
const maxBlindUpsertRounds = 3

type PostgresBibleStore struct {
	db *sql.DB
}

func NewPostgresBibleStore(ctx context.Context, db *sql.DB) (*PostgresBibleStore, error) {
	store := &PostgresBibleStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresBibleStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, bibleSchemaSQL); err != nil {
		return fmt.Errorf("ensure scene_bibles schema: %w", err)
	}
	return nil
}

func (s *PostgresBibleStore) Get(ctx context.Context, sceneID string) (domain.SceneBible, bool, error) {
	bible, err := s.load(ctx, sceneID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SceneBible{}, false, nil
		}
		return domain.SceneBible{}, false, fmt.Errorf("query scene bible: %w", err)
	}
	return bible, true, nil
}

func (s *PostgresBibleStore) Upsert(ctx context.Context, sceneID string, patch domain.BiblePatch, expectedVersion *int) (domain.SceneBible, error) {
	for round := 0; ; round++ {
		current, ok, err := s.Get(ctx, sceneID)
		if err != nil {
			return domain.SceneBible{}, err
		}
		if !ok {
			current = domain.NewSceneBible(sceneID)
		}
		if expectedVersion != nil && current.Version != *expectedVersion {
			return domain.SceneBible{}, fmt.Errorf("%w: scene %s at version %d, expected %d",
				domain.ErrVersionConflict, sceneID, current.Version, *expectedVersion)
		}

		next := current.Clone()
		next.Apply(patch)
		next.Version = current.Version + 1
		now := time.Now().UTC()
		next.UpdatedAt = &now

		written, err := s.write(ctx, next, current.Version, now)
		if err != nil {
			return domain.SceneBible{}, err
		}
		if written {
			return next, nil
		}
		if expectedVersion != nil || round+1 >= maxBlindUpsertRounds {
			return domain.SceneBible{}, fmt.Errorf("%w: scene %s changed during write", domain.ErrVersionConflict, sceneID)
		}
	}
}

// write inserts or updates the document only if the stored version is still
// readVersion. It reports false when another writer got there first.
func (s *PostgresBibleStore) write(ctx context.Context, bible domain.SceneBible, readVersion int, now time.Time) (bool, error) {
	cols, err := marshalBibleColumns(bible)
	if err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO scene_bibles (scene_id, version, characters, locations, objects, timeline, relationships, rules, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		 ON CONFLICT (scene_id) DO UPDATE
		 SET version = EXCLUDED.version,
		     characters = EXCLUDED.characters,
		     locations = EXCLUDED.locations,
		     objects = EXCLUDED.objects,
		     timeline = EXCLUDED.timeline,
		     relationships = EXCLUDED.relationships,
		     rules = EXCLUDED.rules,
		     updated_at = EXCLUDED.updated_at
		 WHERE scene_bibles.version = $10`,
		bible.SceneID,
		bible.Version,
		cols[0], cols[1], cols[2], cols[3], cols[4], cols[5],
		now,
		readVersion,
	)
	if err != nil {
		return false, fmt.Errorf("upsert scene bible: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("upsert scene bible rows: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresBibleStore) load(ctx context.Context, sceneID string) (domain.SceneBible, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT scene_id, version, characters, locations, objects, timeline, relationships, rules, updated_at
		 FROM scene_bibles
		 WHERE scene_id = $1`,
		sceneID,
	)

	var (
		bible     domain.SceneBible
		raw       [6][]byte
		updatedAt time.Time
	)
	if err := row.Scan(&bible.SceneID, &bible.Version, &raw[0], &raw[1], &raw[2], &raw[3], &raw[4], &raw[5], &updatedAt); err != nil {
		return domain.SceneBible{}, err
	}

	targets := []any{&bible.Characters, &bible.Locations, &bible.Objects, &bible.Timeline, &bible.Relationships, &bible.Rules}
	for i, target := range targets {
		if err := json.Unmarshal(raw[i], target); err != nil {
			return domain.SceneBible{}, fmt.Errorf("unmarshal scene bible column %d: %w", i, err)
		}
	}
	bible.UpdatedAt = &updatedAt
	bible.Normalize()
	return bible, nil
}

func marshalBibleColumns(bible domain.SceneBible) ([6][]byte, error) {
	var out [6][]byte
	values := []any{bible.Characters, bible.Locations, bible.Objects, bible.Timeline, bible.Relationships, bible.Rules}
	for i, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return out, fmt.Errorf("marshal scene bible column %d: %w", i, err)
		}
		out[i] = data
	}
	return out, nil
}
