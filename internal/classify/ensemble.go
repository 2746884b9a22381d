// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

package classify

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/tomtom215/auditforge/internal/config"
	"github.com/tomtom215/auditforge/internal/features"
	"github.com/tomtom215/auditforge/internal/logging"
	"github.com/tomtom215/auditforge/internal/models"
)

// Ensemble runs the category and risk classifiers under a hard latency
// budget. A timeout, classifier error or open breaker falls back to
// the deterministic rule table, so classification always completes and
// ingestion latency never depends on model health.
type Ensemble struct {
	cfg config.ClassifierConfig

	// mu guards the classifier pair: the retraining job swaps it while
	// ingest goroutines classify concurrently.
	mu       sync.RWMutex
	category Classifier
	risk     Classifier

	breaker *gobreaker.CircuitBreaker[Result]
}

// NewEnsemble creates the ensemble. Either classifier may be nil until
// the first training job completes; the rule table covers the gap.
func NewEnsemble(cfg config.ClassifierConfig, category, risk Classifier) *Ensemble {
	maxFailures := cfg.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	openInterval := cfg.BreakerOpenInterval
	if openInterval <= 0 {
		openInterval = 30 * time.Second
	}

	e := &Ensemble{cfg: cfg, category: category, risk: risk}
	e.breaker = gobreaker.NewCircuitBreaker[Result](gobreaker.Settings{
		Name:    "classifier",
		Timeout: openInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Classifier breaker state change")
		},
	})
	return e
}

// SetClassifiers swaps in newly trained classifiers. Called by the
// retraining job after activation.
func (e *Ensemble) SetClassifiers(category, risk Classifier) {
	e.mu.Lock()
	e.category = category
	e.risk = risk
	e.mu.Unlock()
}

// Classify labels one event within the configured budget. The returned
// Result always carries a category and risk level.
func (e *Ensemble) Classify(ctx context.Context, fv features.FeatureVector, ev *models.AuditEvent) Result {
	timeout := e.cfg.Timeout
	if timeout <= 0 {
		timeout = 150 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := e.breaker.Execute(func() (Result, error) {
		return e.classifyOnce(ctx, fv, ev)
	})
	if err != nil {
		logging.Debug().Err(err).Str("event_id", ev.ID).Msg("classifier unavailable, using rule fallback")
		result = RuleFallback(fv, ev)
	}

	if result.LowConfidence || result.Fallback {
		result.Tags = appendUnique(result.Tags, models.TagLowConfidence)
	}
	return result
}

func (e *Ensemble) classifyOnce(ctx context.Context, fv features.FeatureVector, ev *models.AuditEvent) (Result, error) {
	e.mu.RLock()
	category, risk := e.category, e.risk
	e.mu.RUnlock()

	if category == nil || risk == nil {
		return Result{}, errUntrained
	}

	catPred, err := category.Classify(ctx, fv, ev)
	if err != nil {
		return Result{}, err
	}
	riskPred, err := risk.Classify(ctx, fv, ev)
	if err != nil {
		return Result{}, err
	}

	floor := e.cfg.ConfidenceFloor
	result := Result{
		Category:      models.Category(catPred.Label),
		Risk:          models.RiskLevel(riskPred.Label),
		LowConfidence: catPred.Confidence < floor || riskPred.Confidence < floor,
	}

	// A trained model can only emit labels it was trained on; anything
	// else is treated as a classifier fault.
	if !validCategory(result.Category) || !validRisk(result.Risk) {
		return Result{}, errBadLabel
	}
	return result, nil
}

var (
	errUntrained = &classifyError{"classifier not trained"}
	errBadLabel  = &classifyError{"classifier emitted unknown label"}
)

type classifyError struct{ msg string }

func (e *classifyError) Error() string { return e.msg }

func validCategory(c models.Category) bool {
	switch c {
	case models.CategorySecurityChange, models.CategoryFinancialImpact,
		models.CategoryResourceAllocation, models.CategoryRiskEvent,
		models.CategoryComplianceAction:
		return true
	}
	return false
}

func validRisk(r models.RiskLevel) bool {
	switch r {
	case models.RiskLow, models.RiskMedium, models.RiskHigh, models.RiskCritical:
		return true
	}
	return false
}

func appendUnique(tags []string, tag string) []string {
	for _, t := range tags {
		if t == tag {
			return tags
		}
	}
	return append(tags, tag)
}
