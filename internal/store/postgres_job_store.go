package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/sceneforge/internal/domain"
	"github.com/lib/pq"
)

const jobSchemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 5,
	progress INTEGER NOT NULL DEFAULT 0,
	stage TEXT,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 3,
	error TEXT,
	params JSONB NOT NULL,
	result JSONB,
	scene_id TEXT NOT NULL DEFAULT '',
	segment_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	heartbeat_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_status_heartbeat_idx ON jobs (status, heartbeat_at);
`

const jobColumns = `id, type, status, priority, progress, stage, attempts, max_attempts, error,
	params, result, scene_id, segment_id, created_at, started_at, heartbeat_at, completed_at, updated_at`

type PostgresJobStore struct {
	db *sql.DB
}

func NewPostgresJobStore(ctx context.Context, db *sql.DB) (*PostgresJobStore, error) {
	store := &PostgresJobStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// OpenPostgres opens and pings a lib/pq connection pool.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func (s *PostgresJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, jobSchemaSQL); err != nil {
		return fmt.Errorf("ensure jobs schema: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Create(ctx context.Context, job domain.Job) error {
	paramsJSON, resultJSON, err := marshalJobPayloads(job)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		job.ID,
		string(job.Type),
		string(job.Status),
		job.Priority,
		job.Progress,
		job.Stage,
		job.Attempts,
		job.MaxAttempts,
		job.Error,
		paramsJSON,
		nullableJSON(resultJSON),
		job.SceneID,
		job.SegmentID,
		job.CreatedAt,
		job.StartedAt,
		job.HeartbeatAt,
		job.CompletedAt,
		job.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
		}
		return fmt.Errorf("insert job: %w", err)
	}

	return nil
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}
	return job, true, nil
}

func (s *PostgresJobStore) Mutate(ctx context.Context, id string, fn MutateFunc) (domain.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, fmt.Errorf("begin job tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, ErrJobNotFound
		}
		return domain.Job{}, fmt.Errorf("lock job: %w", err)
	}

	if err := fn(&job); err != nil {
		return domain.Job{}, err
	}
	job.UpdatedAt = time.Now().UTC()

	_, resultJSON, err := marshalJobPayloads(job)
	if err != nil {
		return domain.Job{}, err
	}

	_, err = tx.ExecContext(
		ctx,
		`UPDATE jobs
		 SET status = $1, priority = $2, progress = $3, stage = $4, attempts = $5, error = $6,
		     result = $7, started_at = $8, heartbeat_at = $9, completed_at = $10, updated_at = $11
		 WHERE id = $12`,
		string(job.Status),
		job.Priority,
		job.Progress,
		job.Stage,
		job.Attempts,
		job.Error,
		nullableJSON(resultJSON),
		job.StartedAt,
		job.HeartbeatAt,
		job.CompletedAt,
		job.UpdatedAt,
		id,
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Job{}, fmt.Errorf("commit job tx: %w", err)
	}
	return job, nil
}

func (s *PostgresJobStore) ListStale(ctx context.Context, before time.Time, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+`
		 FROM jobs
		 WHERE status = $1 AND COALESCE(heartbeat_at, started_at, updated_at) < $2
		 ORDER BY COALESCE(heartbeat_at, started_at, updated_at) ASC
		 LIMIT $3`,
		string(domain.JobStatusProcessing),
		before,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale jobs: %w", err)
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		job         domain.Job
		jobType     string
		status      string
		stage       sql.NullString
		errText     sql.NullString
		paramsJSON  []byte
		resultJSON  []byte
		startedAt   sql.NullTime
		heartbeatAt sql.NullTime
		completedAt sql.NullTime
	)
	if err := row.Scan(
		&job.ID,
		&jobType,
		&status,
		&job.Priority,
		&job.Progress,
		&stage,
		&job.Attempts,
		&job.MaxAttempts,
		&errText,
		&paramsJSON,
		&resultJSON,
		&job.SceneID,
		&job.SegmentID,
		&job.CreatedAt,
		&startedAt,
		&heartbeatAt,
		&completedAt,
		&job.UpdatedAt,
	); err != nil {
		return domain.Job{}, err
	}

	job.Type = domain.JobType(jobType)
	job.Status = domain.JobStatus(status)
	if stage.Valid {
		job.Stage = domain.StringPtr(stage.String)
	}
	if errText.Valid {
		job.Error = domain.StringPtr(errText.String)
	}
	if startedAt.Valid {
		job.StartedAt = domain.TimePtr(startedAt.Time)
	}
	if heartbeatAt.Valid {
		job.HeartbeatAt = domain.TimePtr(heartbeatAt.Time)
	}
	if completedAt.Valid {
		job.CompletedAt = domain.TimePtr(completedAt.Time)
	}

	if err := json.Unmarshal(paramsJSON, &job.Params); err != nil {
		return domain.Job{}, fmt.Errorf("unmarshal job params: %w", err)
	}
	if len(resultJSON) > 0 {
		var result domain.JobResult
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return domain.Job{}, fmt.Errorf("unmarshal job result: %w", err)
		}
		job.Result = &result
	}
	return job, nil
}

func marshalJobPayloads(job domain.Job) (params []byte, result []byte, err error) {
	params, err = json.Marshal(job.Params)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal job params: %w", err)
	}
	if job.Result != nil {
		result, err = json.Marshal(job.Result)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal job result: %w", err)
		}
	}
	return params, result, nil
}

func nullableJSON(raw []byte) any {
	if raw == nil {
		return nil
	}
	return raw
}
