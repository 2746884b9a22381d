// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

// Package retention enforces the audit data lifecycle: events age from
// the active tier into the archive and are purged past the maximum
// retention, with every purge itself audited.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/auditforge/internal/config"
	"github.com/tomtom215/auditforge/internal/logging"
	"github.com/tomtom215/auditforge/internal/models"
)

// EventArchiver is the slice of the event store the manager drives.
type EventArchiver interface {
	ArchiveBefore(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (map[string]int64, error)
	SubjectEvents(ctx context.Context, tenantID, actorID string, limit int) ([]models.AuditEvent, error)
}

// Ingestor appends system events through the normal chained path so
// purge records are themselves tamper-evident.
type Ingestor interface {
	Append(ctx context.Context, tenantID string, raws []models.RawEvent) ([]models.AuditEvent, error)
}

// ArchivalResult summarizes one archival run.
type ArchivalResult struct {
	Archived     int64
	Purged       int64
	PurgeTenants int
}

// Manager runs the scheduled retention job.
type Manager struct {
	cfg    config.RetentionConfig
	events EventArchiver
	ingest Ingestor

	now func() time.Time
}

const (
	defaultActiveWindow = 365 * 24 * time.Hour
	defaultMaxRetention = 7 * 365 * 24 * time.Hour
	defaultExportLimit  = 100000
)

// NewManager wires a retention manager.
func NewManager(cfg config.RetentionConfig, events EventArchiver, ingest Ingestor) *Manager {
	return &Manager{
		cfg:    cfg,
		events: events,
		ingest: ingest,
		now:    time.Now,
	}
}

// RunArchival moves events past the active window into the archive
// tier and purges events past the maximum retention. Each purged
// tenant gets a purge audit event appended through the normal ingest
// path. Idempotent: a re-run over a settled window moves nothing.
func (m *Manager) RunArchival(ctx context.Context) (ArchivalResult, error) {
	var result ArchivalResult
	now := m.now().UTC()

	activeWindow := m.cfg.ActiveWindow
	if activeWindow <= 0 {
		activeWindow = defaultActiveWindow
	}
	maxRetention := m.cfg.MaxRetention
	if maxRetention <= 0 {
		maxRetention = defaultMaxRetention
	}

	archived, err := m.events.ArchiveBefore(ctx, now.Add(-activeWindow))
	if err != nil {
		return result, fmt.Errorf("archive events: %w", err)
	}
	result.Archived = archived

	purged, err := m.events.PurgeBefore(ctx, now.Add(-maxRetention))
	if err != nil {
		return result, fmt.Errorf("purge events: %w", err)
	}
	for tenantID, count := range purged {
		if count == 0 {
			continue
		}
		result.Purged += count
		result.PurgeTenants++
		if err := m.recordPurge(ctx, tenantID, count, now.Add(-maxRetention)); err != nil {
			// The purge itself succeeded; the missing audit record is
			// reported but does not fail the run.
			logging.Err(err).Str("tenant", tenantID).Msg("Failed to append purge audit event")
		}
	}

	if result.Archived == 0 && result.Purged == 0 {
		logging.Info().Msg("Retention run: nothing to do")
	} else {
		logging.Info().
			Int64("archived", result.Archived).
			Int64("purged", result.Purged).
			Int("tenants_purged", result.PurgeTenants).
			Msg("Retention run complete")
	}
	return result, nil
}

func (m *Manager) recordPurge(ctx context.Context, tenantID string, count int64, cutoff time.Time) error {
	details, err := json.Marshal(map[string]interface{}{
		"purged_events": count,
		"cutoff":        cutoff.Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	_, err = m.ingest.Append(ctx, tenantID, []models.RawEvent{{
		EventType:     "retention_purge",
		EntityType:    "audit_log",
		ActorID:       "system",
		Severity:      models.SeverityInfo,
		ActionDetails: details,
	}})
	return err
}

// SubjectExport returns every retained event for one actor across all
// tiers, for data-subject access requests.
func (m *Manager) SubjectExport(ctx context.Context, tenantID, actorID string) ([]models.AuditEvent, error) {
	if tenantID == "" || actorID == "" {
		return nil, fmt.Errorf("%w: tenant and actor are required", models.ErrValidation)
	}
	limit := m.cfg.SubjectExportMaxEvents
	if limit <= 0 {
		limit = defaultExportLimit
	}
	events, err := m.events.SubjectEvents(ctx, tenantID, actorID, limit)
	if err != nil {
		return nil, fmt.Errorf("subject export for %s: %w", actorID, err)
	}
	return events, nil
}
