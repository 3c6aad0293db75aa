package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/andresmejia3/refacer/internal/types"
)

// Store keeps the reface job history in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New establishes a connection pool and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// initSchema creates the job table if it doesn't exist (Auto-Migration).
func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS reface_jobs (
			id TEXT PRIMARY KEY,
			video_path TEXT NOT NULL,
			normalized BOOLEAN NOT NULL DEFAULT FALSE,
			directive_count INT NOT NULL,
			status TEXT NOT NULL,
			output_path TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS reface_jobs_started_at_idx ON reface_jobs (started_at DESC);
	`
	_, err := pool.Exec(ctx, query)
	return err
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// RecordJob saves a finished job. Recording the same ID twice keeps the latest result.
func (s *Store) RecordJob(ctx context.Context, job types.JobRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reface_jobs (id, video_path, normalized, directive_count, status, output_path, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			output_path = EXCLUDED.output_path,
			error = EXCLUDED.error,
			finished_at = EXCLUDED.finished_at
	`, job.ID, job.VideoPath, job.Normalized, job.DirectiveCount, job.Status,
		job.OutputPath, job.Error, job.StartedAt, job.FinishedAt)
	return err
}

// ListJobs returns the most recent jobs first. limit <= 0 returns everything.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]types.JobRecord, error) {
	query := `
		SELECT id, video_path, normalized, directive_count, status, output_path, error, started_at, finished_at
		FROM reface_jobs
		ORDER BY started_at DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.JobRecord, error) {
		var j types.JobRecord
		var started, finished time.Time
		err := row.Scan(&j.ID, &j.VideoPath, &j.Normalized, &j.DirectiveCount, &j.Status,
			&j.OutputPath, &j.Error, &started, &finished)
		j.StartedAt, j.FinishedAt = started.UTC(), finished.UTC()
		return j, err
	})
}

// Reset drops all application tables to clear the database state.
// The schema comes back on the next New.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DROP TABLE IF EXISTS reface_jobs CASCADE;`)
	return err
}
