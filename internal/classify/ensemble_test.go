// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

package classify

import (
	"context"
	"testing"
	"time"

	"github.com/tomtom215/auditforge/internal/config"
	"github.com/tomtom215/auditforge/internal/features"
	"github.com/tomtom215/auditforge/internal/models"
)

func testConfig() config.ClassifierConfig {
	return config.ClassifierConfig{
		Timeout:             150 * time.Millisecond,
		ConfidenceFloor:     0.4,
		BreakerMaxFailures:  3,
		BreakerOpenInterval: time.Second,
	}
}

func eventOf(eventType string, severity models.Severity) *models.AuditEvent {
	return &models.AuditEvent{
		ID:         "ev-1",
		TenantID:   "tenant-a",
		EventType:  eventType,
		ActorID:    "user-1",
		EntityType: "account",
		Severity:   severity,
		Timestamp:  time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC),
	}
}

func extract(ev *models.AuditEvent) features.FeatureVector {
	return features.NewExtractor().Extract(context.Background(), ev, nil)
}

// slowClassifier blocks until the context expires.
type slowClassifier struct{}

func (slowClassifier) Classify(ctx context.Context, _ features.FeatureVector, _ *models.AuditEvent) (Prediction, error) {
	<-ctx.Done()
	return Prediction{}, ctx.Err()
}

// fixedClassifier always returns the same prediction.
type fixedClassifier struct {
	label      string
	confidence float64
}

func (f fixedClassifier) Classify(context.Context, features.FeatureVector, *models.AuditEvent) (Prediction, error) {
	return Prediction{Label: f.label, Confidence: f.confidence}, nil
}

func TestEnsemble_FallbackOnTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 10 * time.Millisecond
	e := NewEnsemble(cfg, slowClassifier{}, slowClassifier{})

	ev := eventOf("funds_transfer", models.SeverityWarning)

	start := time.Now()
	result := e.Classify(context.Background(), extract(ev), ev)
	elapsed := time.Since(start)

	if !result.Fallback {
		t.Error("timeout must produce a rule-table result")
	}
	if result.Category == "" || result.Risk == "" {
		t.Error("fallback must always label the event")
	}
	if result.Category != models.CategoryFinancialImpact {
		t.Errorf("funds_transfer should map to financial_impact, got %s", result.Category)
	}
	if elapsed > 100*time.Millisecond {
		t.Errorf("classification exceeded timeout budget: %v", elapsed)
	}
	if !hasTag(result.Tags, models.TagLowConfidence) {
		t.Error("fallback results carry the low_confidence tag")
	}
}

func TestEnsemble_FallbackWhenUntrained(t *testing.T) {
	e := NewEnsemble(testConfig(), nil, nil)
	ev := eventOf("permission_grant", models.SeverityCritical)

	result := e.Classify(context.Background(), extract(ev), ev)
	if !result.Fallback {
		t.Error("nil classifiers must use the rule table")
	}
	if result.Category != models.CategorySecurityChange {
		t.Errorf("permission_grant should map to security_change, got %s", result.Category)
	}
	if result.Risk != models.RiskCritical {
		t.Errorf("critical privileged change should be critical risk, got %s", result.Risk)
	}
}

func TestEnsemble_ConcurrentSwapDuringClassify(t *testing.T) {
	e := NewEnsemble(testConfig(),
		fixedClassifier{label: string(models.CategoryComplianceAction), confidence: 0.9},
		fixedClassifier{label: string(models.RiskLow), confidence: 0.9},
	)
	ev := eventOf("consent_recorded", models.SeverityInfo)
	fv := extract(ev)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			e.SetClassifiers(
				fixedClassifier{label: string(models.CategorySecurityChange), confidence: 0.9},
				fixedClassifier{label: string(models.RiskHigh), confidence: 0.9},
			)
			e.SetClassifiers(
				fixedClassifier{label: string(models.CategoryComplianceAction), confidence: 0.9},
				fixedClassifier{label: string(models.RiskLow), confidence: 0.9},
			)
		}
	}()

	// Every result must come from one coherent classifier pair, never a
	// mix across a mid-flight swap.
	for i := 0; i < 200; i++ {
		result := e.Classify(context.Background(), fv, ev)
		if result.Fallback {
			t.Fatal("healthy classifiers should not fall back")
		}
		securityPair := result.Category == models.CategorySecurityChange && result.Risk == models.RiskHigh
		compliancePair := result.Category == models.CategoryComplianceAction && result.Risk == models.RiskLow
		if !securityPair && !compliancePair {
			t.Fatalf("torn classifier pair observed: %s/%s", result.Category, result.Risk)
		}
	}
	<-done
}

func TestEnsemble_TrainedPath(t *testing.T) {
	e := NewEnsemble(testConfig(),
		fixedClassifier{label: string(models.CategoryFinancialImpact), confidence: 0.95},
		fixedClassifier{label: string(models.RiskHigh), confidence: 0.9},
	)
	ev := eventOf("payment_method_added", models.SeverityInfo)

	result := e.Classify(context.Background(), extract(ev), ev)
	if result.Fallback {
		t.Error("healthy classifiers should not fall back")
	}
	if result.Category != models.CategoryFinancialImpact || result.Risk != models.RiskHigh {
		t.Errorf("unexpected labels: %s/%s", result.Category, result.Risk)
	}
	if hasTag(result.Tags, models.TagLowConfidence) {
		t.Error("confident prediction should not be tagged low_confidence")
	}
}

func TestEnsemble_LowConfidenceTagged(t *testing.T) {
	e := NewEnsemble(testConfig(),
		fixedClassifier{label: string(models.CategoryRiskEvent), confidence: 0.2},
		fixedClassifier{label: string(models.RiskLow), confidence: 0.9},
	)
	ev := eventOf("odd_event", models.SeverityInfo)

	result := e.Classify(context.Background(), extract(ev), ev)
	if result.Fallback {
		t.Fatal("should not fall back")
	}
	if !hasTag(result.Tags, models.TagLowConfidence) {
		t.Error("sub-floor confidence must be tagged")
	}
}

func TestEnsemble_UnknownLabelFallsBack(t *testing.T) {
	e := NewEnsemble(testConfig(),
		fixedClassifier{label: "weather_event", confidence: 0.99},
		fixedClassifier{label: string(models.RiskLow), confidence: 0.99},
	)
	ev := eventOf("config_change", models.SeverityInfo)

	result := e.Classify(context.Background(), extract(ev), ev)
	if !result.Fallback {
		t.Error("label outside the enum must fall back to the rule table")
	}
}

func TestNaiveBayes_TrainAndClassify(t *testing.T) {
	nb := NewNaiveBayes()

	var samples []Sample
	for i := 0; i < 50; i++ {
		ev := eventOf("funds_transfer", models.SeverityWarning)
		samples = append(samples, Sample{
			Tokens: Tokens(extract(ev), ev),
			Label:  string(models.CategoryFinancialImpact),
		})
		ev2 := eventOf("permission_grant", models.SeverityError)
		samples = append(samples, Sample{
			Tokens: Tokens(extract(ev2), ev2),
			Label:  string(models.CategorySecurityChange),
		})
	}
	if err := nb.Train(samples); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	ev := eventOf("funds_transfer", models.SeverityWarning)
	pred, err := nb.Classify(context.Background(), extract(ev), ev)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if pred.Label != string(models.CategoryFinancialImpact) {
		t.Errorf("expected financial_impact, got %s", pred.Label)
	}
	if pred.Confidence <= 0.5 || pred.Confidence > 1 {
		t.Errorf("confidence out of range: %f", pred.Confidence)
	}
}

func TestNaiveBayes_RoundTripParameters(t *testing.T) {
	nb := NewNaiveBayes()
	ev := eventOf("login_failed", models.SeverityError)
	samples := []Sample{
		{Tokens: Tokens(extract(ev), ev), Label: string(models.CategorySecurityChange)},
	}
	if err := nb.Train(samples); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	raw, err := nb.Parameters()
	if err != nil {
		t.Fatalf("Parameters failed: %v", err)
	}
	restored, err := LoadNaiveBayes(raw)
	if err != nil {
		t.Fatalf("LoadNaiveBayes failed: %v", err)
	}

	p1, err := nb.Classify(context.Background(), extract(ev), ev)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	p2, err := restored.Classify(context.Background(), extract(ev), ev)
	if err != nil {
		t.Fatalf("restored Classify failed: %v", err)
	}
	if p1 != p2 {
		t.Errorf("restored model disagrees: %+v vs %+v", p1, p2)
	}
}

func TestNaiveBayes_Untrained(t *testing.T) {
	nb := NewNaiveBayes()
	ev := eventOf("x", models.SeverityInfo)
	if _, err := nb.Classify(context.Background(), extract(ev), ev); err == nil {
		t.Error("untrained classifier must error")
	}
	if _, err := LoadNaiveBayes([]byte(`{}`)); err == nil {
		t.Error("empty parameters must be rejected")
	}
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
