// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

package anomaly

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/auditforge/internal/classify"
	"github.com/tomtom215/auditforge/internal/config"
	"github.com/tomtom215/auditforge/internal/features"
	"github.com/tomtom215/auditforge/internal/logging"
	"github.com/tomtom215/auditforge/internal/models"
)

// TrainingSource is the slice of the event store the trainer reads.
type TrainingSource interface {
	TenantIDs(ctx context.Context) ([]string, error)
	ScoredSince(ctx context.Context, tenantID string, since time.Time, limit int) ([]models.AuditEvent, error)
	ClassifiedSince(ctx context.Context, since time.Time, limit int) ([]models.AuditEvent, error)
}

// ModelWriter persists and activates trained models.
type ModelWriter interface {
	ModelRegistry
	SaveAndActivate(ctx context.Context, model *models.MLModel) error
}

// EnsembleSwapper receives freshly trained classifiers.
type EnsembleSwapper interface {
	SetClassifiers(category, risk classify.Classifier)
}

// Trainer runs the scheduled retraining jobs. Training is idempotent:
// the seed derives from the training window, so re-running over the
// same data and config produces an equivalent model, and the previous
// version stays active until the new one is activated atomically.
type Trainer struct {
	cfg       config.AnomalyConfig
	source    TrainingSource
	registry  ModelWriter
	anomalies AnomalySink
	extractor *features.Extractor
	ensemble  EnsembleSwapper

	trainingLimit int
	now           func() time.Time
}

// NewTrainer wires a trainer. ensemble may be nil when classifier
// retraining is not hosted in this process.
func NewTrainer(cfg config.AnomalyConfig, source TrainingSource, registry ModelWriter, anomalies AnomalySink, extractor *features.Extractor, ensemble EnsembleSwapper) *Trainer {
	return &Trainer{
		cfg:           cfg,
		source:        source,
		registry:      registry,
		anomalies:     anomalies,
		extractor:     extractor,
		ensemble:      ensemble,
		trainingLimit: 50000,
		now:           time.Now,
	}
}

// RetrainAnomaly trains the shared baseline forest and a forest for
// every tenant whose labeled volume qualifies.
func (t *Trainer) RetrainAnomaly(ctx context.Context) error {
	windowEnd := t.now().UTC().Truncate(time.Hour)
	windowStart := windowEnd.Add(-t.cfg.TrainingWindow)

	tenants, err := t.source.TenantIDs(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}

	// Shared baseline over all tenants' events.
	var all [][]float64
	for _, tenant := range tenants {
		if err := ctx.Err(); err != nil {
			return err
		}
		vecs, err := t.tenantVectors(ctx, tenant, windowStart)
		if err != nil {
			return err
		}
		all = append(all, vecs...)
	}
	if len(all) == 0 {
		logging.Info().Msg("Anomaly retrain: no events in window, nothing to do")
		return nil
	}
	if err := t.trainScope(ctx, "", all, windowStart, windowEnd); err != nil {
		return err
	}

	// Tenant-specific forests where labeled volume qualifies.
	for _, tenant := range tenants {
		if err := ctx.Err(); err != nil {
			return err
		}
		labeled, err := t.anomalies.FeedbackCount(ctx, tenant)
		if err != nil {
			return fmt.Errorf("count labeled anomalies: %w", err)
		}
		if labeled < t.cfg.TenantModelMinLabeled {
			continue
		}
		vecs, err := t.tenantVectors(ctx, tenant, windowStart)
		if err != nil {
			return err
		}
		if len(vecs) == 0 {
			continue
		}
		if err := t.trainScope(ctx, tenant, vecs, windowStart, windowEnd); err != nil {
			return err
		}
	}
	return nil
}

func (t *Trainer) tenantVectors(ctx context.Context, tenant string, since time.Time) ([][]float64, error) {
	events, err := t.source.ScoredSince(ctx, tenant, since, t.trainingLimit)
	if err != nil {
		return nil, fmt.Errorf("load training events: %w", err)
	}
	vecs := make([][]float64, 0, len(events))
	for i := range events {
		fv := t.extractor.Extract(ctx, &events[i], events)
		vecs = append(vecs, fv.Values())
	}
	return vecs, nil
}

func (t *Trainer) trainScope(ctx context.Context, tenant string, data [][]float64, windowStart, windowEnd time.Time) error {
	forest, err := TrainForest(data, t.cfg.Trees, t.cfg.SubsampleSize, trainingSeed(tenant, windowStart, windowEnd))
	if err != nil {
		return fmt.Errorf("train forest for scope %q: %w", tenant, err)
	}
	params, err := forest.Parameters()
	if err != nil {
		return err
	}

	model := &models.MLModel{
		ID:                  uuid.New().String(),
		ModelType:           models.ModelAnomaly,
		Version:             modelVersion("anomaly", tenant, windowEnd),
		TrainedAt:           t.now().UTC(),
		TrainingWindowStart: windowStart,
		TrainingWindowEnd:   windowEnd,
		Metrics:             models.ModelMetrics{Samples: len(data)},
		TenantID:            tenant,
		Parameters:          params,
	}
	if err := t.registry.SaveAndActivate(ctx, model); err != nil {
		return fmt.Errorf("activate model for scope %q: %w", tenant, err)
	}
	return nil
}

// RetrainClassifiers trains category and risk classifiers from events
// the pipeline has already labeled, then swaps them into the ensemble.
func (t *Trainer) RetrainClassifiers(ctx context.Context) error {
	windowEnd := t.now().UTC().Truncate(time.Hour)
	windowStart := windowEnd.Add(-t.cfg.TrainingWindow)

	events, err := t.source.ClassifiedSince(ctx, windowStart, t.trainingLimit)
	if err != nil {
		return fmt.Errorf("load classified events: %w", err)
	}
	if len(events) == 0 {
		logging.Info().Msg("Classifier retrain: no labeled events in window, nothing to do")
		return nil
	}

	var catSamples, riskSamples []classify.Sample
	for i := range events {
		ev := &events[i]
		tokens := classify.Tokens(t.extractor.Extract(ctx, ev, events), ev)
		catSamples = append(catSamples, classify.Sample{Tokens: tokens, Label: string(ev.Category)})
		if ev.RiskLevel != "" {
			riskSamples = append(riskSamples, classify.Sample{Tokens: tokens, Label: string(ev.RiskLevel)})
		}
	}

	category := classify.NewNaiveBayes()
	if err := category.Train(catSamples); err != nil {
		return fmt.Errorf("train category classifier: %w", err)
	}
	risk := classify.NewNaiveBayes()
	if err := risk.Train(riskSamples); err != nil {
		return fmt.Errorf("train risk classifier: %w", err)
	}

	for _, m := range []struct {
		modelType models.ModelType
		nb        *classify.NaiveBayes
		samples   int
	}{
		{models.ModelCategoryClassifier, category, len(catSamples)},
		{models.ModelRiskClassifier, risk, len(riskSamples)},
	} {
		params, err := m.nb.Parameters()
		if err != nil {
			return err
		}
		model := &models.MLModel{
			ID:                  uuid.New().String(),
			ModelType:           m.modelType,
			Version:             modelVersion(string(m.modelType), "", windowEnd),
			TrainedAt:           t.now().UTC(),
			TrainingWindowStart: windowStart,
			TrainingWindowEnd:   windowEnd,
			Metrics:             models.ModelMetrics{Samples: m.samples},
			Parameters:          params,
		}
		if err := t.registry.SaveAndActivate(ctx, model); err != nil {
			return fmt.Errorf("activate %s: %w", m.modelType, err)
		}
	}

	if t.ensemble != nil {
		t.ensemble.SetClassifiers(category, risk)
	}
	logging.Info().Int("samples", len(catSamples)).Msg("Classifiers retrained")
	return nil
}

// trainingSeed derives a deterministic seed from the training scope
// and window, making retraining over identical data reproducible.
func trainingSeed(tenant string, start, end time.Time) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%d", tenant, start.Unix(), end.Unix())
	return int64(h.Sum64())
}

func modelVersion(kind, tenant string, windowEnd time.Time) string {
	scope := "shared"
	if tenant != "" {
		scope = tenant
	}
	return fmt.Sprintf("%s-%s-%s", kind, scope, windowEnd.Format("20060102T15"))
}
