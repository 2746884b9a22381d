// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

// Package classify assigns category and risk labels to audit events.
// Classification is advisory: it runs after the durable write and can
// never fail an ingest. A deterministic rule table backstops the
// trained classifiers so every event ends up labeled.
package classify

import (
	"context"
	"strings"

	"github.com/tomtom215/auditforge/internal/features"
	"github.com/tomtom215/auditforge/internal/models"
)

// Prediction is one classifier's verdict.
type Prediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Classifier scores an event into a label. Implementations must be
// safe for concurrent use.
type Classifier interface {
	Classify(ctx context.Context, fv features.FeatureVector, ev *models.AuditEvent) (Prediction, error)
}

// Result is the ensemble's combined output. Labels are always set;
// Fallback reports whether the rule table produced them.
type Result struct {
	Category      models.Category
	Risk          models.RiskLevel
	Tags          []string
	Fallback      bool
	LowConfidence bool
}

// categoryRule maps event-type substrings to categories, evaluated in
// order. The table is intentionally small and auditable.
var categoryRules = []struct {
	substr   string
	category models.Category
}{
	{"payment", models.CategoryFinancialImpact},
	{"funds", models.CategoryFinancialImpact},
	{"invoice", models.CategoryFinancialImpact},
	{"refund", models.CategoryFinancialImpact},
	{"permission", models.CategorySecurityChange},
	{"role", models.CategorySecurityChange},
	{"api_key", models.CategorySecurityChange},
	{"login", models.CategorySecurityChange},
	{"auth", models.CategorySecurityChange},
	{"password", models.CategorySecurityChange},
	{"quota", models.CategoryResourceAllocation},
	{"resource", models.CategoryResourceAllocation},
	{"capacity", models.CategoryResourceAllocation},
	{"export", models.CategoryComplianceAction},
	{"retention", models.CategoryComplianceAction},
	{"purge", models.CategoryComplianceAction},
	{"consent", models.CategoryComplianceAction},
}

// ruleCategory is the deterministic fallback: substring table first,
// then risk_event as the catch-all.
func ruleCategory(ev *models.AuditEvent) models.Category {
	et := strings.ToLower(ev.EventType)
	for _, r := range categoryRules {
		if strings.Contains(et, r.substr) {
			return r.category
		}
	}
	return models.CategoryRiskEvent
}

// ruleRisk derives a risk level from severity and delta magnitude.
func ruleRisk(fv features.FeatureVector, ev *models.AuditEvent) models.RiskLevel {
	score := fv[features.FeatureSeverity]
	if fv[features.FeatureDeltaMagnitude] > 0.5 {
		score += 0.25
	}
	if fv[features.FeaturePrivilege] >= 0.8 {
		score += 0.25
	}
	switch {
	case score >= 1:
		return models.RiskCritical
	case score >= 0.75:
		return models.RiskHigh
	case score >= 0.5:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

// RuleFallback returns the deterministic labels for an event. It never
// fails and takes no external dependency.
func RuleFallback(fv features.FeatureVector, ev *models.AuditEvent) Result {
	return Result{
		Category: ruleCategory(ev),
		Risk:     ruleRisk(fv, ev),
		Fallback: true,
	}
}
