// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

package anomaly

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/auditforge/internal/config"
	"github.com/tomtom215/auditforge/internal/features"
	"github.com/tomtom215/auditforge/internal/logging"
	"github.com/tomtom215/auditforge/internal/models"
)

// EventSource is the slice of the event store the scorer reads.
type EventSource interface {
	TenantIDs(ctx context.Context) ([]string, error)
	UnscoredInWindow(ctx context.Context, tenantID string, since time.Time, limit int) ([]models.AuditEvent, error)
	RecentByTenant(ctx context.Context, tenantID string, lookback time.Duration, maxEvents int) ([]models.AuditEvent, error)
	MarkScored(ctx context.Context, id string, score float64, isAnomaly bool) error
}

// AnomalySink receives flagged anomalies and answers labeled-volume
// questions for model selection.
type AnomalySink interface {
	Insert(ctx context.Context, rec *models.AnomalyRecord) error
	FeedbackCount(ctx context.Context, tenantID string) (int, error)
}

// ModelRegistry resolves the active model for a scope.
type ModelRegistry interface {
	ActiveModel(ctx context.Context, modelType models.ModelType, tenantID string) (*models.MLModel, error)
}

// Notifier is told about freshly flagged anomalies. Implementations
// must not block the sweep.
type Notifier interface {
	AnomalyFlagged(ctx context.Context, rec *models.AnomalyRecord, ev *models.AuditEvent)
}

// SweepResult summarizes one sweep run.
type SweepResult struct {
	TenantsSwept  int
	EventsScored  int
	Flagged       int
	TenantsFailed int
}

// Scorer runs the scheduled anomaly sweep. Scoring is asynchronous by
// design: events stay unscored until a sweep covers them, and a failed
// tenant is retried on the next tick because mark-scored never ran.
type Scorer struct {
	cfg       config.AnomalyConfig
	events    EventSource
	anomalies AnomalySink
	registry  ModelRegistry
	extractor *features.Extractor
	notifier  Notifier

	now func() time.Time
}

// NewScorer wires a sweep scorer. notifier may be nil.
func NewScorer(cfg config.AnomalyConfig, events EventSource, anomalies AnomalySink, registry ModelRegistry, extractor *features.Extractor, notifier Notifier) *Scorer {
	return &Scorer{
		cfg:       cfg,
		events:    events,
		anomalies: anomalies,
		registry:  registry,
		extractor: extractor,
		notifier:  notifier,
		now:       time.Now,
	}
}

// RunSweep scores every tenant's unscored events inside the sweep
// window. Tenants are independent: one tenant's failure is logged and
// skipped, and cancellation is honored between tenants.
func (s *Scorer) RunSweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	tenants, err := s.events.TenantIDs(ctx)
	if err != nil {
		return result, fmt.Errorf("list tenants: %w", err)
	}

	for _, tenant := range tenants {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		scored, flagged, err := s.sweepTenant(ctx, tenant)
		if err != nil {
			result.TenantsFailed++
			logging.Err(err).Str("tenant", tenant).Msg("Sweep failed for tenant, will retry next tick")
			continue
		}
		result.TenantsSwept++
		result.EventsScored += scored
		result.Flagged += flagged
	}

	logging.Info().
		Int("tenants", result.TenantsSwept).
		Int("scored", result.EventsScored).
		Int("flagged", result.Flagged).
		Int("failed", result.TenantsFailed).
		Msg("Anomaly sweep complete")
	return result, nil
}

func (s *Scorer) sweepTenant(ctx context.Context, tenantID string) (scored, flagged int, err error) {
	since := s.now().UTC().Add(-s.cfg.SweepWindow)
	batch := s.cfg.SweepBatchSize
	if batch <= 0 {
		batch = 1000
	}

	events, err := s.events.UnscoredInWindow(ctx, tenantID, since, batch)
	if err != nil {
		return 0, 0, fmt.Errorf("load unscored events: %w", err)
	}
	if len(events) == 0 {
		return 0, 0, nil
	}

	model, forest, err := s.modelFor(ctx, tenantID)
	if err != nil {
		return 0, 0, err
	}

	history, err := s.events.RecentByTenant(ctx, tenantID, s.cfg.SweepWindow, batch)
	if err != nil {
		return 0, 0, fmt.Errorf("load tenant history: %w", err)
	}

	for i := range events {
		ev := &events[i]
		fv := s.extractor.Extract(ctx, ev, history)
		score := forest.Score(fv.Values())
		isAnomaly := score >= s.cfg.Threshold

		// The record is persisted before the write-once score: a failed
		// insert leaves the event unscored, so the next sweep picks it
		// up again instead of dropping the anomaly silently.
		var rec *models.AnomalyRecord
		if isAnomaly {
			rec = &models.AnomalyRecord{
				ID:           uuid.New().String(),
				AuditEventID: ev.ID,
				TenantID:     tenantID,
				Score:        score,
				DetectedAt:   s.now().UTC(),
				ModelVersion: model.Version,
				Explanation:  forest.Explain(fv.Values(), 5),
			}
			if err := s.anomalies.Insert(ctx, rec); err != nil {
				return scored, flagged, fmt.Errorf("record anomaly: %w", err)
			}
		}

		if err := s.events.MarkScored(ctx, ev.ID, score, isAnomaly); err != nil {
			return scored, flagged, fmt.Errorf("mark scored: %w", err)
		}
		scored++

		if rec != nil {
			flagged++
			if s.notifier != nil {
				s.notifier.AnomalyFlagged(ctx, rec, ev)
			}
		}
	}
	return scored, flagged, nil
}

// modelFor picks the tenant-specific model once the tenant's labeled
// volume crosses the threshold, otherwise the shared baseline.
func (s *Scorer) modelFor(ctx context.Context, tenantID string) (*models.MLModel, *IsolationForest, error) {
	scope := ""
	labeled, err := s.anomalies.FeedbackCount(ctx, tenantID)
	if err != nil {
		return nil, nil, fmt.Errorf("count labeled anomalies: %w", err)
	}
	if labeled >= s.cfg.TenantModelMinLabeled {
		scope = tenantID
	}

	model, err := s.registry.ActiveModel(ctx, models.ModelAnomaly, scope)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: no anomaly model trained yet", models.ErrScoringJobFailure)
		}
		return nil, nil, err
	}
	forest, err := LoadForest(model.Parameters)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", models.ErrScoringJobFailure, err)
	}
	return model, forest, nil
}
