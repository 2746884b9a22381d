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

// AnomalyStore persists anomaly records and human feedback on them.
type AnomalyStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewAnomalyStore creates an anomaly store over an open database.
func NewAnomalyStore(db *sql.DB) *AnomalyStore {
	return &AnomalyStore{db: db}
}

// CreateTables creates the anomalies table. Safe to call repeatedly.
func (s *AnomalyStore) CreateTables(ctx context.Context) error {
	return execStatements(ctx, s.db, `
		CREATE TABLE IF NOT EXISTS anomalies (
			id TEXT PRIMARY KEY,
			audit_event_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			score DOUBLE NOT NULL,
			detected_at TIMESTAMPTZ NOT NULL,
			model_version TEXT NOT NULL,
			explanation JSON,
			is_false_positive BOOLEAN,
			feedback_notes TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_anomalies_tenant ON anomalies(tenant_id, detected_at DESC);
		CREATE INDEX IF NOT EXISTS idx_anomalies_event ON anomalies(audit_event_id)
	`)
}

// Insert persists a new anomaly record.
func (s *AnomalyStore) Insert(ctx context.Context, rec *models.AnomalyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var explanation interface{}
	if len(rec.Explanation) > 0 {
		data, err := json.Marshal(rec.Explanation)
		if err != nil {
			return fmt.Errorf("failed to encode explanation: %w", err)
		}
		explanation = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO anomalies (id, audit_event_id, tenant_id, score, detected_at, model_version, explanation)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.AuditEventID, rec.TenantID, rec.Score, rec.DetectedAt, rec.ModelVersion, explanation)
	if err != nil {
		return fmt.Errorf("failed to insert anomaly: %w", err)
	}
	return nil
}

// GetByID retrieves one anomaly record scoped to a tenant.
func (s *AnomalyStore) GetByID(ctx context.Context, tenantID, id string) (*models.AnomalyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, audit_event_id, tenant_id, score, detected_at, model_version,
		       CAST(explanation AS VARCHAR), is_false_positive, feedback_notes
		FROM anomalies WHERE tenant_id = ? AND id = ?
	`, tenantID, id)

	rec, err := scanAnomaly(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: anomaly %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get anomaly: %w", err)
	}
	return rec, nil
}

// ListByTenant returns anomalies for a tenant, newest first.
func (s *AnomalyStore) ListByTenant(ctx context.Context, tenantID string, since *time.Time, limit, offset int) ([]models.AnomalyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, audit_event_id, tenant_id, score, detected_at, model_version,
		       CAST(explanation AS VARCHAR), is_false_positive, feedback_notes
		FROM anomalies WHERE tenant_id = ?`
	args := []interface{}{tenantID}
	if since != nil {
		query += ` AND detected_at >= ?`
		args = append(args, *since)
	}
	query += ` ORDER BY detected_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list anomalies: %w", err)
	}
	defer rows.Close()

	var records []models.AnomalyRecord
	for rows.Next() {
		rec, err := scanAnomaly(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan anomaly row: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// RecordFeedback attaches human review to an anomaly. Feedback may be
// revised; the score and explanation never change.
func (s *AnomalyStore) RecordFeedback(ctx context.Context, tenantID, id string, isFalsePositive bool, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE anomalies SET is_false_positive = ?, feedback_notes = ?
		WHERE tenant_id = ? AND id = ?
	`, isFalsePositive, notes, tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to record feedback: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: anomaly %s", models.ErrNotFound, id)
	}
	return nil
}

// FeedbackCount returns the number of human-labeled anomalies for a
// tenant, which gates tenant-specific model training.
func (s *AnomalyStore) FeedbackCount(ctx context.Context, tenantID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM anomalies WHERE tenant_id = ? AND is_false_positive IS NOT NULL`,
		tenantID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count feedback: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAnomaly(row rowScanner) (*models.AnomalyRecord, error) {
	var (
		rec         models.AnomalyRecord
		explanation sql.NullString
		falsePos    sql.NullBool
	)
	if err := row.Scan(
		&rec.ID, &rec.AuditEventID, &rec.TenantID, &rec.Score, &rec.DetectedAt,
		&rec.ModelVersion, &explanation, &falsePos, &rec.FeedbackNotes,
	); err != nil {
		return nil, err
	}
	rec.DetectedAt = rec.DetectedAt.UTC()
	if explanation.Valid && explanation.String != "" {
		if err := json.Unmarshal([]byte(explanation.String), &rec.Explanation); err != nil {
			return nil, fmt.Errorf("failed to decode explanation: %w", err)
		}
	}
	if falsePos.Valid {
		v := falsePos.Bool
		rec.IsFalsePositive = &v
	}
	return &rec, nil
}
