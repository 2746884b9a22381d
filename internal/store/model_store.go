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

	"github.com/goccy/go-json"

	"github.com/tomtom215/auditforge/internal/logging"
	"github.com/tomtom215/auditforge/internal/models"
)

// ModelStore persists trained model versions. Models are deactivated
// when superseded, never deleted, so any historical score can be
// traced back to the exact model that produced it.
type ModelStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewModelStore creates a model store over an open database.
func NewModelStore(db *sql.DB) *ModelStore {
	return &ModelStore{db: db}
}

// CreateTables creates the ml_models table. Safe to call repeatedly.
func (s *ModelStore) CreateTables(ctx context.Context) error {
	return execStatements(ctx, s.db, `
		CREATE TABLE IF NOT EXISTS ml_models (
			id TEXT PRIMARY KEY,
			model_type TEXT NOT NULL,
			version TEXT NOT NULL,
			trained_at TIMESTAMPTZ NOT NULL,
			training_window_start TIMESTAMPTZ NOT NULL,
			training_window_end TIMESTAMPTZ NOT NULL,
			metrics JSON,
			is_active BOOLEAN NOT NULL DEFAULT FALSE,
			tenant_id TEXT NOT NULL DEFAULT '',
			parameters JSON,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_models_lookup ON ml_models(model_type, tenant_id, is_active)
	`)
}

// SaveAndActivate persists a newly trained model and atomically makes
// it the active version for its (type, tenant) scope, deactivating the
// previous one in the same transaction.
func (s *ModelStore) SaveAndActivate(ctx context.Context, model *models.MLModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	metrics, err := json.Marshal(model.Metrics)
	if err != nil {
		return fmt.Errorf("failed to encode model metrics: %w", err)
	}
	var params interface{}
	if len(model.Parameters) > 0 {
		params = string(model.Parameters)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin model transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE ml_models SET is_active = FALSE WHERE model_type = ? AND tenant_id = ? AND is_active`,
		string(model.ModelType), model.TenantID,
	); err != nil {
		return fmt.Errorf("failed to deactivate previous model: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ml_models (
			id, model_type, version, trained_at,
			training_window_start, training_window_end,
			metrics, is_active, tenant_id, parameters
		) VALUES (?, ?, ?, ?, ?, ?, ?, TRUE, ?, ?)
	`, model.ID, string(model.ModelType), model.Version, model.TrainedAt,
		model.TrainingWindowStart, model.TrainingWindowEnd,
		string(metrics), model.TenantID, params,
	); err != nil {
		return fmt.Errorf("failed to insert model: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit model activation: %w", err)
	}

	logging.Info().
		Str("model_type", string(model.ModelType)).
		Str("version", model.Version).
		Str("tenant", model.TenantID).
		Msg("Model activated")
	model.IsActive = true
	return nil
}

// ActiveModel returns the active model for the given type and tenant.
// A tenant without its own model falls back to the shared baseline
// (empty tenant scope). Returns models.ErrNotFound when neither exists.
func (s *ModelStore) ActiveModel(ctx context.Context, modelType models.ModelType, tenantID string) (*models.MLModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if tenantID != "" {
		m, err := s.activeModelScoped(ctx, modelType, tenantID)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
	}
	return s.activeModelScoped(ctx, modelType, "")
}

func (s *ModelStore) activeModelScoped(ctx context.Context, modelType models.ModelType, tenantID string) (*models.MLModel, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, model_type, version, trained_at,
		       training_window_start, training_window_end,
		       CAST(metrics AS VARCHAR), is_active, tenant_id,
		       CAST(parameters AS VARCHAR)
		FROM ml_models
		WHERE model_type = ? AND tenant_id = ? AND is_active
	`, string(modelType), tenantID)

	model, err := scanModel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no active %s model for scope %q", models.ErrNotFound, modelType, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read active model: %w", err)
	}
	return model, nil
}

// Versions lists all versions for a model type and tenant scope,
// newest first.
func (s *ModelStore) Versions(ctx context.Context, modelType models.ModelType, tenantID string) ([]models.MLModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, model_type, version, trained_at,
		       training_window_start, training_window_end,
		       CAST(metrics AS VARCHAR), is_active, tenant_id,
		       CAST(parameters AS VARCHAR)
		FROM ml_models
		WHERE model_type = ? AND tenant_id = ?
		ORDER BY trained_at DESC
	`, string(modelType), tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list model versions: %w", err)
	}
	defer rows.Close()

	var out []models.MLModel
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan model row: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func scanModel(row rowScanner) (*models.MLModel, error) {
	var (
		m         models.MLModel
		modelType string
		metrics   sql.NullString
		params    sql.NullString
	)
	if err := row.Scan(
		&m.ID, &modelType, &m.Version, &m.TrainedAt,
		&m.TrainingWindowStart, &m.TrainingWindowEnd,
		&metrics, &m.IsActive, &m.TenantID, &params,
	); err != nil {
		return nil, err
	}
	m.ModelType = models.ModelType(modelType)
	m.TrainedAt = m.TrainedAt.UTC()
	if metrics.Valid && metrics.String != "" {
		if err := json.Unmarshal([]byte(metrics.String), &m.Metrics); err != nil {
			return nil, fmt.Errorf("failed to decode model metrics: %w", err)
		}
	}
	if params.Valid && params.String != "" {
		m.Parameters = json.RawMessage(params.String)
	}
	return &m, nil
}
