package postgresstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/briancasteel/youtube-transcriber-sub001/internal/entity"
	"github.com/briancasteel/youtube-transcriber-sub001/internal/store"
)

// Store persists job records in a jobs table with the full record as jsonb
// plus status/created_at columns for filtering. Retention is an expires_at
// column refreshed on every write; expired rows are simply never read.
type Store struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func New(pool *pgxpool.Pool, ttl time.Duration) *Store {
	return &Store{pool: pool, ttl: ttl}
}

// Migrate creates the jobs table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	const q = `
CREATE TABLE IF NOT EXISTS jobs (
    id         TEXT PRIMARY KEY,
    record     JSONB NOT NULL,
    status     TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status);
`
	_, err := s.pool.Exec(ctx, q)
	return err
}

func (s *Store) Put(ctx context.Context, job *entity.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}

	const q = `
INSERT INTO jobs (id, record, status, created_at, expires_at)
VALUES ($1, $2, $3, $4, now() + make_interval(secs => $5))
ON CONFLICT (id) DO UPDATE
SET record = EXCLUDED.record,
    status = EXCLUDED.status,
    expires_at = EXCLUDED.expires_at;
`
	if _, err := s.pool.Exec(ctx, q, job.ID, data, string(job.Status), job.CreatedAt, s.ttl.Seconds()); err != nil {
		return fmt.Errorf("pg upsert %s: %w", job.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*entity.Job, error) {
	const q = `SELECT record FROM jobs WHERE id = $1 AND expires_at > now();`

	var data []byte
	if err := s.pool.QueryRow(ctx, q, id).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("pg get %s: %w", id, err)
	}

	var job entity.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

func (s *Store) List(ctx context.Context, f store.Filter, p store.Page) ([]*entity.Job, int, error) {
	const countQ = `
SELECT count(*) FROM jobs
WHERE expires_at > now() AND ($1 = '' OR status = $1);
`
	var total int
	if err := s.pool.QueryRow(ctx, countQ, string(f.Status)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pg count: %w", err)
	}

	const q = `
SELECT record FROM jobs
WHERE expires_at > now() AND ($1 = '' OR status = $1)
ORDER BY created_at DESC, id
LIMIT $2 OFFSET $3;
`
	limit := p.Limit
	if limit <= 0 {
		limit = total
	}

	rows, err := s.pool.Query(ctx, q, string(f.Status), limit, p.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("pg list: %w", err)
	}
	defer rows.Close()

	var jobs []*entity.Job
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, 0, err
		}
		var job entity.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return nil, 0, fmt.Errorf("unmarshal job record: %w", err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, total, rows.Err()
}

func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("pg delete %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
