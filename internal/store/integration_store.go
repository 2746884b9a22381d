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

	"github.com/tomtom215/auditforge/internal/models"
)

// IntegrationStore persists alert delivery channel configurations and
// their delivery statistics.
type IntegrationStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewIntegrationStore creates an integration store over an open database.
func NewIntegrationStore(db *sql.DB) *IntegrationStore {
	return &IntegrationStore{db: db}
}

// CreateTables creates the integrations table. Safe to call repeatedly.
func (s *IntegrationStore) CreateTables(ctx context.Context) error {
	return execStatements(ctx, s.db, `
		CREATE TABLE IF NOT EXISTS integrations (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			channel_type TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			min_severity TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			delivered_count BIGINT NOT NULL DEFAULT 0,
			failed_count BIGINT NOT NULL DEFAULT 0,
			last_delivery_at TIMESTAMPTZ,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_integrations_tenant ON integrations(tenant_id, is_active)
	`)
}

// Create persists a new integration.
func (s *IntegrationStore) Create(ctx context.Context, ic *models.IntegrationConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO integrations (id, tenant_id, channel_type, endpoint, min_severity, is_active)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ic.ID, ic.TenantID, string(ic.ChannelType), ic.Endpoint, string(ic.MinSeverity), ic.IsActive)
	if err != nil {
		return fmt.Errorf("failed to create integration: %w", err)
	}
	return nil
}

// Update modifies a tenant's integration configuration. Delivery
// statistics are not touched here.
func (s *IntegrationStore) Update(ctx context.Context, ic *models.IntegrationConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE integrations
		SET channel_type = ?, endpoint = ?, min_severity = ?, is_active = ?
		WHERE tenant_id = ? AND id = ?
	`, string(ic.ChannelType), ic.Endpoint, string(ic.MinSeverity), ic.IsActive, ic.TenantID, ic.ID)
	if err != nil {
		return fmt.Errorf("failed to update integration: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: integration %s", models.ErrNotFound, ic.ID)
	}
	return nil
}

// Delete removes a tenant's integration.
func (s *IntegrationStore) Delete(ctx context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM integrations WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		return fmt.Errorf("failed to delete integration: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: integration %s", models.ErrNotFound, id)
	}
	return nil
}

// GetByID retrieves one integration scoped to a tenant.
func (s *IntegrationStore) GetByID(ctx context.Context, tenantID, id string) (*models.IntegrationConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, selectIntegrations+` WHERE tenant_id = ? AND id = ?`, tenantID, id)
	ic, err := scanIntegration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: integration %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get integration: %w", err)
	}
	return ic, nil
}

// ListByTenant returns all of a tenant's integrations.
func (s *IntegrationStore) ListByTenant(ctx context.Context, tenantID string) ([]models.IntegrationConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.list(ctx, selectIntegrations+` WHERE tenant_id = ? ORDER BY created_at`, tenantID)
}

// ActiveForTenant returns the tenant's active integrations, the set
// the dispatcher fans out to.
func (s *IntegrationStore) ActiveForTenant(ctx context.Context, tenantID string) ([]models.IntegrationConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.list(ctx, selectIntegrations+` WHERE tenant_id = ? AND is_active ORDER BY created_at`, tenantID)
}

// RecordDelivery updates delivery statistics after an attempt chain
// concludes.
func (s *IntegrationStore) RecordDelivery(ctx context.Context, id string, ok bool, errMsg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if ok {
		_, err = s.db.ExecContext(ctx, `
			UPDATE integrations
			SET delivered_count = delivered_count + 1, last_delivery_at = ?, last_error = ''
			WHERE id = ?
		`, at, id)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE integrations
			SET failed_count = failed_count + 1, last_error = ?
			WHERE id = ?
		`, errMsg, id)
	}
	if err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	return nil
}

const selectIntegrations = `
	SELECT id, tenant_id, channel_type, endpoint, min_severity, is_active,
	       delivered_count, failed_count, last_delivery_at, last_error
	FROM integrations`

func (s *IntegrationStore) list(ctx context.Context, query string, args ...interface{}) ([]models.IntegrationConfig, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}
	defer rows.Close()

	var out []models.IntegrationConfig
	for rows.Next() {
		ic, err := scanIntegration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan integration row: %w", err)
		}
		out = append(out, *ic)
	}
	return out, rows.Err()
}

func scanIntegration(row rowScanner) (*models.IntegrationConfig, error) {
	var (
		ic          models.IntegrationConfig
		channelType string
		minSeverity string
		lastAt      sql.NullTime
	)
	if err := row.Scan(
		&ic.ID, &ic.TenantID, &channelType, &ic.Endpoint, &minSeverity, &ic.IsActive,
		&ic.DeliveredCount, &ic.FailedCount, &lastAt, &ic.LastError,
	); err != nil {
		return nil, err
	}
	ic.ChannelType = models.ChannelType(channelType)
	ic.MinSeverity = models.Severity(minSeverity)
	if lastAt.Valid {
		t := lastAt.Time.UTC()
		ic.LastDeliveryAt = &t
	}
	return &ic, nil
}
