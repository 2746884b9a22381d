// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/auditforge/internal/models"
)

// ReportStore persists scheduled report configurations.
type ReportStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewReportStore creates a report store over an open database.
func NewReportStore(db *sql.DB) *ReportStore {
	return &ReportStore{db: db}
}

// CreateTables creates the scheduled_reports table. Safe to call
// repeatedly.
func (s *ReportStore) CreateTables(ctx context.Context) error {
	return execStatements(ctx, s.db, `
		CREATE TABLE IF NOT EXISTS scheduled_reports (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			cron_schedule TEXT NOT NULL,
			filter_spec JSON,
			format TEXT NOT NULL,
			recipients JSON NOT NULL,
			last_run_at TIMESTAMPTZ,
			last_status TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_reports_tenant ON scheduled_reports(tenant_id)
	`)
}

// Create persists a new scheduled report.
func (s *ReportStore) Create(ctx context.Context, rc *models.ScheduledReportConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	recipients, err := json.Marshal(rc.Recipients)
	if err != nil {
		return fmt.Errorf("failed to encode recipients: %w", err)
	}
	var filterSpec interface{}
	if len(rc.FilterSpec) > 0 {
		filterSpec = string(rc.FilterSpec)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_reports (id, tenant_id, cron_schedule, filter_spec, format, recipients)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rc.ID, rc.TenantID, rc.CronSchedule, filterSpec, string(rc.Format), string(recipients))
	if err != nil {
		return fmt.Errorf("failed to create scheduled report: %w", err)
	}
	return nil
}

// Delete removes a tenant's scheduled report.
func (s *ReportStore) Delete(ctx context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduled_reports WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to delete scheduled report: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: report %s", models.ErrNotFound, id)
	}
	return nil
}

// GetByID retrieves one scheduled report scoped to a tenant.
func (s *ReportStore) GetByID(ctx context.Context, tenantID, id string) (*models.ScheduledReportConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, selectReports+` WHERE tenant_id = ? AND id = ?`, tenantID, id)
	rc, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: report %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scheduled report: %w", err)
	}
	return rc, nil
}

// ListByTenant returns a tenant's scheduled reports.
func (s *ReportStore) ListByTenant(ctx context.Context, tenantID string) ([]models.ScheduledReportConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.list(ctx, selectReports+` WHERE tenant_id = ? ORDER BY created_at`, tenantID)
}

// All returns every scheduled report; the scheduler evaluates each
// cron expression against the current tick.
func (s *ReportStore) All(ctx context.Context) ([]models.ScheduledReportConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.list(ctx, selectReports+` ORDER BY tenant_id, created_at`)
}

// MarkRun records the outcome of a report run.
func (s *ReportStore) MarkRun(ctx context.Context, id, status string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_reports SET last_run_at = ?, last_status = ? WHERE id = ?`,
		at, status, id)
	if err != nil {
		return fmt.Errorf("failed to mark report run: %w", err)
	}
	return nil
}

const selectReports = `
	SELECT id, tenant_id, cron_schedule, CAST(filter_spec AS VARCHAR), format,
	       CAST(recipients AS VARCHAR), last_run_at, last_status
	FROM scheduled_reports`

func (s *ReportStore) list(ctx context.Context, query string, args ...interface{}) ([]models.ScheduledReportConfig, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled reports: %w", err)
	}
	defer rows.Close()

	var out []models.ScheduledReportConfig
	for rows.Next() {
		rc, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report row: %w", err)
		}
		out = append(out, *rc)
	}
	return out, rows.Err()
}

func scanReport(row rowScanner) (*models.ScheduledReportConfig, error) {
	var (
		rc         models.ScheduledReportConfig
		filterSpec sql.NullString
		recipients string
		format     string
		lastRun    sql.NullTime
	)
	if err := row.Scan(
		&rc.ID, &rc.TenantID, &rc.CronSchedule, &filterSpec, &format,
		&recipients, &lastRun, &rc.LastStatus,
	); err != nil {
		return nil, err
	}
	rc.Format = models.ReportFormat(format)
	if filterSpec.Valid && filterSpec.String != "" {
		rc.FilterSpec = json.RawMessage(filterSpec.String)
	}
	if err := json.Unmarshal([]byte(recipients), &rc.Recipients); err != nil {
		return nil, fmt.Errorf("failed to decode recipients: %w", err)
	}
	if lastRun.Valid {
		t := lastRun.Time.UTC()
		rc.LastRunAt = &t
	}
	return &rc, nil
}
