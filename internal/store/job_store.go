// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// JobStore records scheduled-job bookkeeping so runs survive restarts
// and re-runs over settled windows stay idempotent.
type JobStore struct {
	mu sync.Mutex
	db *sql.DB
}

// NewJobStore creates a job store backed by db.
func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{db: db}
}

// CreateTables creates the job_runs table.
func (s *JobStore) CreateTables(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return execStatements(ctx, s.db, `
		CREATE TABLE IF NOT EXISTS job_runs (
			job_name VARCHAR PRIMARY KEY,
			last_run_at TIMESTAMP NOT NULL,
			last_status VARCHAR NOT NULL
		)
	`)
}

// LastRun returns the last recorded run time for a job. A job that
// never ran returns the zero time and no error.
func (s *JobStore) LastRun(ctx context.Context, jobName string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var at time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT last_run_at FROM job_runs WHERE job_name = ?`, jobName).Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load last run for %s: %w", jobName, err)
	}
	return at.UTC(), nil
}

// RecordRun upserts the last run of a job.
func (s *JobStore) RecordRun(ctx context.Context, jobName string, at time.Time, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_runs (job_name, last_run_at, last_status)
		VALUES (?, ?, ?)
		ON CONFLICT (job_name) DO UPDATE SET
			last_run_at = excluded.last_run_at,
			last_status = excluded.last_status
	`, jobName, at.UTC(), status)
	if err != nil {
		return fmt.Errorf("record run for %s: %w", jobName, err)
	}
	return nil
}
