// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

package anomaly

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/auditforge/internal/classify"
	"github.com/tomtom215/auditforge/internal/config"
	"github.com/tomtom215/auditforge/internal/features"
	"github.com/tomtom215/auditforge/internal/models"
)

func testAnomalyConfig() config.AnomalyConfig {
	return config.AnomalyConfig{
		Threshold:             0.7,
		SweepWindow:           time.Hour,
		SweepBatchSize:        1000,
		TenantModelMinLabeled: 1000,
		Trees:                 100,
		SubsampleSize:         128,
		TrainingWindow:        24 * time.Hour,
	}
}

// trainingData builds a dense mass at baseline plus a sparse tail
// along one dimension.
func trainingData(baseline []float64, dim, dense, tail int) [][]float64 {
	var data [][]float64
	for i := 0; i < dense; i++ {
		row := append([]float64{}, baseline...)
		data = append(data, row)
	}
	for i := 1; i <= tail; i++ {
		row := append([]float64{}, baseline...)
		row[dim] = float64(i) / float64(tail)
		data = append(data, row)
	}
	return data
}

func TestTrainForest_Deterministic(t *testing.T) {
	data := trainingData(make([]float64, features.Count()), features.FeatureBurst, 100, 20)

	f1, err := TrainForest(data, 50, 64, 42)
	if err != nil {
		t.Fatalf("TrainForest failed: %v", err)
	}
	f2, err := TrainForest(data, 50, 64, 42)
	if err != nil {
		t.Fatalf("TrainForest failed: %v", err)
	}

	p1, _ := f1.Parameters()
	p2, _ := f2.Parameters()
	if !bytes.Equal(p1, p2) {
		t.Error("same data, config and seed must yield identical forests")
	}

	f3, err := TrainForest(data, 50, 64, 43)
	if err != nil {
		t.Fatalf("TrainForest failed: %v", err)
	}
	p3, _ := f3.Parameters()
	if bytes.Equal(p1, p3) {
		t.Error("different seeds should yield different forests")
	}
}

func TestForest_SparseTailScoresHigher(t *testing.T) {
	baseline := make([]float64, features.Count())
	data := trainingData(baseline, features.FeatureBurst, 200, 20)

	f, err := TrainForest(data, 100, 128, 7)
	if err != nil {
		t.Fatalf("TrainForest failed: %v", err)
	}

	dense := append([]float64{}, baseline...)
	tail := append([]float64{}, baseline...)
	tail[features.FeatureBurst] = 0.2

	if f.Score(tail) <= f.Score(dense) {
		t.Errorf("sparse tail point must score higher: tail=%f dense=%f",
			f.Score(tail), f.Score(dense))
	}
}

func TestForest_RoundTripAndExplain(t *testing.T) {
	baseline := make([]float64, features.Count())
	data := trainingData(baseline, features.FeatureBurst, 200, 20)

	f, err := TrainForest(data, 50, 64, 1)
	if err != nil {
		t.Fatalf("TrainForest failed: %v", err)
	}
	raw, err := f.Parameters()
	if err != nil {
		t.Fatalf("Parameters failed: %v", err)
	}
	restored, err := LoadForest(raw)
	if err != nil {
		t.Fatalf("LoadForest failed: %v", err)
	}

	x := append([]float64{}, baseline...)
	x[features.FeatureBurst] = 0.9
	if f.Score(x) != restored.Score(x) {
		t.Error("restored forest disagrees with original")
	}

	expl := restored.Explain(x, 3)
	if len(expl) == 0 {
		t.Fatal("outlier must have at least one contributing feature")
	}
	if expl[0].Feature != "burst" {
		t.Errorf("top contribution should be burst, got %s", expl[0].Feature)
	}
	for i := 1; i < len(expl); i++ {
		if expl[i].Contribution > expl[i-1].Contribution {
			t.Error("contributions must be ranked descending")
		}
	}

	if _, err := LoadForest([]byte(`{}`)); err == nil {
		t.Error("empty forest parameters must be rejected")
	}
}

// --- sweep fakes ---

type fakeEventSource struct {
	mu       sync.Mutex
	tenants  []string
	unscored map[string][]models.AuditEvent
	history  map[string][]models.AuditEvent
	scores   map[string]float64
	flags    map[string]bool

	failUnscored map[string]error
}

func newFakeEventSource() *fakeEventSource {
	return &fakeEventSource{
		unscored:     make(map[string][]models.AuditEvent),
		history:      make(map[string][]models.AuditEvent),
		scores:       make(map[string]float64),
		flags:        make(map[string]bool),
		failUnscored: make(map[string]error),
	}
}

func (f *fakeEventSource) TenantIDs(context.Context) ([]string, error) { return f.tenants, nil }

func (f *fakeEventSource) UnscoredInWindow(_ context.Context, tenant string, _ time.Time, _ int) ([]models.AuditEvent, error) {
	if err := f.failUnscored[tenant]; err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.AuditEvent
	for _, ev := range f.unscored[tenant] {
		if _, done := f.scores[ev.ID]; !done {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeEventSource) RecentByTenant(_ context.Context, tenant string, _ time.Duration, _ int) ([]models.AuditEvent, error) {
	return f.history[tenant], nil
}

func (f *fakeEventSource) MarkScored(_ context.Context, id string, score float64, isAnomaly bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, done := f.scores[id]; done {
		return nil
	}
	f.scores[id] = score
	f.flags[id] = isAnomaly
	return nil
}

func (f *fakeEventSource) ScoredSince(_ context.Context, tenant string, _ time.Time, _ int) ([]models.AuditEvent, error) {
	return f.history[tenant], nil
}

func (f *fakeEventSource) ClassifiedSince(_ context.Context, _ time.Time, _ int) ([]models.AuditEvent, error) {
	var out []models.AuditEvent
	for _, tenant := range f.tenants {
		for _, ev := range f.history[tenant] {
			if ev.Category != "" {
				out = append(out, ev)
			}
		}
	}
	return out, nil
}

type fakeAnomalySink struct {
	mu         sync.Mutex
	records    []models.AnomalyRecord
	feedback   map[string]int
	failInsert error
}

func (f *fakeAnomalySink) Insert(_ context.Context, rec *models.AnomalyRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failInsert != nil {
		return f.failInsert
	}
	f.records = append(f.records, *rec)
	return nil
}

func (f *fakeAnomalySink) FeedbackCount(_ context.Context, tenant string) (int, error) {
	return f.feedback[tenant], nil
}

type fakeRegistry struct {
	mu     sync.Mutex
	models []models.MLModel
}

func (f *fakeRegistry) ActiveModel(_ context.Context, modelType models.ModelType, tenantID string) (*models.MLModel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for scope := tenantID; ; scope = "" {
		for i := len(f.models) - 1; i >= 0; i-- {
			m := f.models[i]
			if m.ModelType == modelType && m.TenantID == scope && m.IsActive {
				return &m, nil
			}
		}
		if scope == "" {
			return nil, fmt.Errorf("%w: no active model", models.ErrNotFound)
		}
	}
}

func (f *fakeRegistry) SaveAndActivate(_ context.Context, model *models.MLModel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.models {
		if f.models[i].ModelType == model.ModelType && f.models[i].TenantID == model.TenantID {
			f.models[i].IsActive = false
		}
	}
	model.IsActive = true
	f.models = append(f.models, *model)
	return nil
}

// seedForest trains a forest around the given baseline vector and
// registers it as the active shared anomaly model.
func seedForest(t *testing.T, registry *fakeRegistry, baseline []float64) {
	t.Helper()
	data := trainingData(baseline, features.FeatureBurst, 200, 20)
	f, err := TrainForest(data, 100, 128, 7)
	if err != nil {
		t.Fatalf("TrainForest failed: %v", err)
	}
	params, err := f.Parameters()
	if err != nil {
		t.Fatalf("Parameters failed: %v", err)
	}
	if err := registry.SaveAndActivate(context.Background(), &models.MLModel{
		ID: "m-shared", ModelType: models.ModelAnomaly, Version: "shared-v1",
		TrainedAt: time.Now().UTC(), Parameters: params,
	}); err != nil {
		t.Fatalf("SaveAndActivate failed: %v", err)
	}
}

func TestScorer_RepeatedFailuresScoreHigher(t *testing.T) {
	source := newFakeEventSource()
	sink := &fakeAnomalySink{feedback: map[string]int{}}
	registry := &fakeRegistry{}
	extractor := features.NewExtractor()

	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	background := make([]models.AuditEvent, 30)
	for i := range background {
		background[i] = models.AuditEvent{
			ID: fmt.Sprintf("bg-%d", i), TenantID: "tenant-a",
			EventType: "login_success", ActorID: fmt.Sprintf("user-%d", i%5),
			Severity: models.SeverityInfo, Timestamp: base.Add(-time.Hour),
		}
	}
	trio := make([]models.AuditEvent, 3)
	for i := range trio {
		trio[i] = models.AuditEvent{
			ID: fmt.Sprintf("fail-%d", i), TenantID: "tenant-a",
			EventType: "login_failed", ActorID: "user-9",
			Severity: models.SeverityError, Timestamp: base.Add(time.Duration(i) * 20 * time.Second),
		}
	}

	source.tenants = []string{"tenant-a"}
	source.unscored["tenant-a"] = trio
	source.history["tenant-a"] = append(append([]models.AuditEvent{}, background...), trio...)

	// Train the model around the first failure's vector so the only
	// separating dimension across the trio is the burst feature.
	firstFV := extractor.Extract(context.Background(), &trio[0], source.history["tenant-a"])
	seedForest(t, registry, firstFV.Values())

	scorer := NewScorer(testAnomalyConfig(), source, sink, registry, extractor, nil)
	scorer.now = func() time.Time { return base.Add(10 * time.Minute) }

	result, err := scorer.RunSweep(context.Background())
	if err != nil {
		t.Fatalf("RunSweep failed: %v", err)
	}
	if result.EventsScored != 3 {
		t.Fatalf("expected 3 scored events, got %d", result.EventsScored)
	}

	if source.scores["fail-2"] <= source.scores["fail-0"] {
		t.Errorf("3rd repeated failure must outscore the 1st: first=%f third=%f",
			source.scores["fail-0"], source.scores["fail-2"])
	}
}

func TestScorer_ThresholdFlagsAndRecords(t *testing.T) {
	source := newFakeEventSource()
	sink := &fakeAnomalySink{feedback: map[string]int{}}
	registry := &fakeRegistry{}
	extractor := features.NewExtractor()

	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	ev := models.AuditEvent{
		ID: "ev-1", TenantID: "tenant-a", EventType: "config_change",
		ActorID: "user-1", Severity: models.SeverityInfo, Timestamp: base,
	}
	source.tenants = []string{"tenant-a"}
	source.unscored["tenant-a"] = []models.AuditEvent{ev}
	fv := extractor.Extract(context.Background(), &ev, nil)
	seedForest(t, registry, fv.Values())

	cfg := testAnomalyConfig()
	cfg.Threshold = 0 // everything flags
	scorer := NewScorer(cfg, source, sink, registry, extractor, nil)
	scorer.now = func() time.Time { return base }

	if _, err := scorer.RunSweep(context.Background()); err != nil {
		t.Fatalf("RunSweep failed: %v", err)
	}
	if !source.flags["ev-1"] {
		t.Error("event at threshold must be flagged")
	}
	if len(sink.records) != 1 {
		t.Fatalf("expected 1 anomaly record, got %d", len(sink.records))
	}
	rec := sink.records[0]
	if rec.AuditEventID != "ev-1" || rec.ModelVersion != "shared-v1" {
		t.Errorf("anomaly record incomplete: %+v", rec)
	}

	// Re-running the sweep rescans a fully processed window: nothing
	// to do, no duplicate records.
	if _, err := scorer.RunSweep(context.Background()); err != nil {
		t.Fatalf("second RunSweep failed: %v", err)
	}
	if len(sink.records) != 1 {
		t.Errorf("idempotent sweep created duplicates: %d records", len(sink.records))
	}
}

func TestScorer_FailedRecordLeavesEventUnscored(t *testing.T) {
	source := newFakeEventSource()
	sink := &fakeAnomalySink{feedback: map[string]int{}}
	registry := &fakeRegistry{}
	extractor := features.NewExtractor()

	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	ev := models.AuditEvent{
		ID: "ev-1", TenantID: "tenant-a", EventType: "config_change",
		ActorID: "user-1", Severity: models.SeverityInfo, Timestamp: base,
	}
	source.tenants = []string{"tenant-a"}
	source.unscored["tenant-a"] = []models.AuditEvent{ev}
	fv := extractor.Extract(context.Background(), &ev, nil)
	seedForest(t, registry, fv.Values())

	cfg := testAnomalyConfig()
	cfg.Threshold = 0 // everything flags
	scorer := NewScorer(cfg, source, sink, registry, extractor, nil)
	scorer.now = func() time.Time { return base }

	sink.failInsert = errors.New("storage flake")
	result, err := scorer.RunSweep(context.Background())
	if err != nil {
		t.Fatalf("RunSweep failed: %v", err)
	}
	if result.TenantsFailed != 1 {
		t.Errorf("insert failure should fail the tenant: %+v", result)
	}
	if _, scored := source.scores["ev-1"]; scored {
		t.Fatal("event must stay unscored when the anomaly record was not persisted")
	}

	// The next sweep picks the event up again and records the anomaly.
	sink.failInsert = nil
	if _, err := scorer.RunSweep(context.Background()); err != nil {
		t.Fatalf("retry sweep failed: %v", err)
	}
	if !source.flags["ev-1"] {
		t.Error("event must be flagged once the record persists")
	}
	if len(sink.records) != 1 {
		t.Errorf("expected 1 anomaly record after retry, got %d", len(sink.records))
	}
}

func TestScorer_TenantFailureIsolated(t *testing.T) {
	source := newFakeEventSource()
	sink := &fakeAnomalySink{feedback: map[string]int{}}
	registry := &fakeRegistry{}
	extractor := features.NewExtractor()

	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	good := models.AuditEvent{
		ID: "ok-1", TenantID: "tenant-b", EventType: "config_change",
		ActorID: "user-1", Severity: models.SeverityInfo, Timestamp: base,
	}
	source.tenants = []string{"tenant-a", "tenant-b"}
	source.unscored["tenant-b"] = []models.AuditEvent{good}
	source.failUnscored["tenant-a"] = errors.New("storage flake")

	fv := extractor.Extract(context.Background(), &good, nil)
	seedForest(t, registry, fv.Values())

	cfg := testAnomalyConfig()
	cfg.Threshold = 0.99
	scorer := NewScorer(cfg, source, sink, registry, extractor, nil)
	scorer.now = func() time.Time { return base }

	result, err := scorer.RunSweep(context.Background())
	if err != nil {
		t.Fatalf("RunSweep failed: %v", err)
	}
	if result.TenantsFailed != 1 || result.TenantsSwept != 1 {
		t.Errorf("failure not isolated: %+v", result)
	}
	if _, scored := source.scores["ok-1"]; !scored {
		t.Error("healthy tenant must still be scored")
	}
	if source.flags["ok-1"] {
		t.Error("ordinary event above nothing should not flag at 0.99 threshold")
	}
}

func TestScorer_NoModelLeavesEventsUnscored(t *testing.T) {
	source := newFakeEventSource()
	sink := &fakeAnomalySink{feedback: map[string]int{}}
	registry := &fakeRegistry{}

	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	source.tenants = []string{"tenant-a"}
	source.unscored["tenant-a"] = []models.AuditEvent{{
		ID: "ev-1", TenantID: "tenant-a", EventType: "x",
		ActorID: "u", Severity: models.SeverityInfo, Timestamp: base,
	}}

	scorer := NewScorer(testAnomalyConfig(), source, sink, registry, features.NewExtractor(), nil)
	scorer.now = func() time.Time { return base }

	result, err := scorer.RunSweep(context.Background())
	if err != nil {
		t.Fatalf("RunSweep failed: %v", err)
	}
	if result.TenantsFailed != 1 {
		t.Errorf("missing model should fail the tenant, got %+v", result)
	}
	if len(source.scores) != 0 {
		t.Error("events must stay unscored when no model exists")
	}
}

func TestTrainer_IdempotentRetrain(t *testing.T) {
	source := newFakeEventSource()
	sink := &fakeAnomalySink{feedback: map[string]int{}}
	registry := &fakeRegistry{}
	extractor := features.NewExtractor()

	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	history := make([]models.AuditEvent, 50)
	for i := range history {
		history[i] = models.AuditEvent{
			ID: fmt.Sprintf("ev-%d", i), TenantID: "tenant-a",
			EventType: "login_success", ActorID: fmt.Sprintf("user-%d", i%5),
			Severity: models.SeverityInfo, Timestamp: base.Add(-time.Duration(i) * time.Minute),
		}
	}
	source.tenants = []string{"tenant-a"}
	source.history["tenant-a"] = history

	trainer := NewTrainer(testAnomalyConfig(), source, registry, sink, extractor, nil)
	trainer.now = func() time.Time { return base }

	if err := trainer.RetrainAnomaly(context.Background()); err != nil {
		t.Fatalf("first RetrainAnomaly failed: %v", err)
	}
	first, err := registry.ActiveModel(context.Background(), models.ModelAnomaly, "")
	if err != nil {
		t.Fatalf("no active model after retrain: %v", err)
	}

	if err := trainer.RetrainAnomaly(context.Background()); err != nil {
		t.Fatalf("second RetrainAnomaly failed: %v", err)
	}
	second, err := registry.ActiveModel(context.Background(), models.ModelAnomaly, "")
	if err != nil {
		t.Fatalf("no active model after second retrain: %v", err)
	}

	// Identical data, config and window: equivalent models.
	if !bytes.Equal(first.Parameters, second.Parameters) {
		t.Error("retraining over identical data must yield identical parameters")
	}
	if first.Metrics.Samples != second.Metrics.Samples {
		t.Error("retraining over identical data must report equivalent metrics")
	}

	// History preserved: the superseded model still exists, inactive.
	if len(registry.models) != 2 {
		t.Fatalf("expected 2 model versions, got %d", len(registry.models))
	}
	if registry.models[0].IsActive {
		t.Error("superseded model must be deactivated")
	}
	if !bytes.Equal(registry.models[0].Parameters, first.Parameters) {
		t.Error("previous model corrupted by retraining")
	}
}

func TestTrainer_EmptyWindowNothingToDo(t *testing.T) {
	source := newFakeEventSource()
	sink := &fakeAnomalySink{feedback: map[string]int{}}
	registry := &fakeRegistry{}

	trainer := NewTrainer(testAnomalyConfig(), source, registry, sink, features.NewExtractor(), nil)
	if err := trainer.RetrainAnomaly(context.Background()); err != nil {
		t.Fatalf("empty retrain should be a no-op, got %v", err)
	}
	if len(registry.models) != 0 {
		t.Error("no model should be created from an empty window")
	}
}

func TestTrainer_RetrainClassifiers(t *testing.T) {
	source := newFakeEventSource()
	sink := &fakeAnomalySink{feedback: map[string]int{}}
	registry := &fakeRegistry{}

	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	history := make([]models.AuditEvent, 40)
	for i := range history {
		history[i] = models.AuditEvent{
			ID: fmt.Sprintf("ev-%d", i), TenantID: "tenant-a",
			EventType: "funds_transfer", ActorID: "user-1",
			Severity: models.SeverityWarning, Timestamp: base,
			Category: models.CategoryFinancialImpact, RiskLevel: models.RiskHigh,
		}
	}
	source.tenants = []string{"tenant-a"}
	source.history["tenant-a"] = history

	swapped := false
	trainer := NewTrainer(testAnomalyConfig(), source, registry, sink, features.NewExtractor(), swapFunc(func() { swapped = true }))
	trainer.now = func() time.Time { return base }

	if err := trainer.RetrainClassifiers(context.Background()); err != nil {
		t.Fatalf("RetrainClassifiers failed: %v", err)
	}
	if !swapped {
		t.Error("ensemble must receive the new classifiers")
	}
	if _, err := registry.ActiveModel(context.Background(), models.ModelCategoryClassifier, ""); err != nil {
		t.Errorf("category classifier not activated: %v", err)
	}
	if _, err := registry.ActiveModel(context.Background(), models.ModelRiskClassifier, ""); err != nil {
		t.Errorf("risk classifier not activated: %v", err)
	}
}

type swapFunc func()

func (f swapFunc) SetClassifiers(_, _ classify.Classifier) { f() }
