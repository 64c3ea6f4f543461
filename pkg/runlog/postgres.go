// Package runlog keeps a durable history of completed orchestration runs:
// what was rented, what it cost, how the job ended, and whether teardown
// succeeded. The registry tracks live instances; this is the audit trail.
package runlog

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Entry is one finished run.
type Entry struct {
	RunID         string    `json:"run_id"`
	InstanceID    int64     `json:"instance_id"`
	GPUName       string    `json:"gpu_name"`
	PricePerHour  float64   `json:"price_per_hour"`
	JobID         string    `json:"job_id,omitempty"`
	JobState      string    `json:"job_state,omitempty"`
	Outcome       string    `json:"outcome"`
	ArtifactCount int       `json:"artifact_count"`
	Destroyed     bool      `json:"destroyed"`
	DestroyError  string    `json:"destroy_error,omitempty"`
	EstimatedCost float64   `json:"estimated_cost"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
}

// PostgresStore persists run entries to Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the connection and ensures the schema exists.
func NewPostgresStore(conn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", conn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)

	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS rental_runs (
    run_id TEXT PRIMARY KEY,
    instance_id BIGINT NOT NULL,
    gpu_name TEXT NOT NULL,
    price_per_hour DOUBLE PRECISION NOT NULL,
    job_id TEXT,
    job_state TEXT,
    outcome TEXT NOT NULL,
    artifact_count INTEGER NOT NULL DEFAULT 0,
    destroyed BOOLEAN NOT NULL,
    destroy_error TEXT,
    estimated_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
    started_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL
);
`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the database connection.
func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Record inserts or replaces the entry for a run.
func (s *PostgresStore) Record(e Entry) error {
	query := `INSERT INTO rental_runs (run_id, instance_id, gpu_name, price_per_hour, job_id, job_state, outcome, artifact_count, destroyed, destroy_error, estimated_cost, started_at, finished_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (run_id) DO UPDATE SET
    job_id = EXCLUDED.job_id,
    job_state = EXCLUDED.job_state,
    outcome = EXCLUDED.outcome,
    artifact_count = EXCLUDED.artifact_count,
    destroyed = EXCLUDED.destroyed,
    destroy_error = EXCLUDED.destroy_error,
    estimated_cost = EXCLUDED.estimated_cost,
    finished_at = EXCLUDED.finished_at`
	_, err := s.db.Exec(query,
		e.RunID,
		e.InstanceID,
		e.GPUName,
		e.PricePerHour,
		nullable(e.JobID),
		nullable(e.JobState),
		e.Outcome,
		e.ArtifactCount,
		e.Destroyed,
		nullable(e.DestroyError),
		e.EstimatedCost,
		e.StartedAt,
		e.FinishedAt,
	)
	return err
}

// List returns the most recent runs, newest first.
func (s *PostgresStore) List(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT run_id, instance_id, gpu_name, price_per_hour, job_id, job_state, outcome, artifact_count, destroyed, destroy_error, estimated_cost, started_at, finished_at
FROM rental_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var jobID, jobState, destroyErr sql.NullString
		if err := rows.Scan(&e.RunID, &e.InstanceID, &e.GPUName, &e.PricePerHour, &jobID, &jobState, &e.Outcome, &e.ArtifactCount, &e.Destroyed, &destroyErr, &e.EstimatedCost, &e.StartedAt, &e.FinishedAt); err != nil {
			return nil, err
		}
		if jobID.Valid {
			e.JobID = jobID.String
		}
		if jobState.Valid {
			e.JobState = jobState.String
		}
		if destroyErr.Valid {
			e.DestroyError = destroyErr.String
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
