// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

// Package features turns audit events into fixed-shape numeric vectors
// for the classifier ensemble and the anomaly scorer.
package features

import (
	"context"
	"math"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/auditforge/internal/models"
)

// Feature indexes into a FeatureVector. The shape is fixed; models are
// trained against these positions and names.
const (
	FeatureHourSin = iota
	FeatureHourCos
	FeatureDaySin
	FeatureDayCos
	FeatureEventTypeRarity
	FeatureActorRarity
	FeatureBurst
	FeatureDeltaMagnitude
	FeaturePrivilege
	FeatureEntityRecurrence
	FeatureOffHours
	FeatureSeverity
	featureCount
)

// FeatureNames maps vector positions to stable names used in anomaly
// explanations.
var FeatureNames = [featureCount]string{
	"hour_sin",
	"hour_cos",
	"day_sin",
	"day_cos",
	"event_type_rarity",
	"actor_rarity",
	"burst",
	"delta_magnitude",
	"privilege",
	"entity_recurrence",
	"off_hours",
	"severity",
}

// FeatureVector is one event's numeric representation. All components
// lie in [-1, 1].
type FeatureVector [featureCount]float64

// Values returns the vector as a plain slice.
func (fv FeatureVector) Values() []float64 {
	out := make([]float64, featureCount)
	copy(out, fv[:])
	return out
}

// Count returns the fixed vector width.
func Count() int { return featureCount }

// minHistory below which frequency features fall back to a neutral 0.5
// rather than over-reacting to a near-empty window.
const minHistory = 20

// burstWindow bounds how far back repeated identical activity counts
// toward the burst feature.
const burstWindow = 5 * time.Minute

// privilegeTable scores how privileged an operation is by event type.
// Unknown types score 0.
var privilegeTable = map[string]float64{
	"permission_grant":     1.0,
	"permission_revoke":    0.9,
	"role_change":          0.9,
	"user_created":         0.7,
	"user_deleted":         0.8,
	"api_key_created":      0.8,
	"api_key_revoked":      0.6,
	"config_change":        0.6,
	"export_requested":     0.5,
	"login_failed":         0.4,
	"login_success":        0.2,
	"payment_method_added": 0.7,
	"funds_transfer":       0.8,
	"quota_change":         0.5,
}

// deltaKeys are the action_details fields mined for a numeric change
// magnitude, in priority order.
var deltaKeys = []string{"delta", "percent_change", "amount"}

// Extractor derives feature vectors from an event and the tenant's
// recent history. Extraction is a pure function of its inputs, so
// sweeping the same window twice produces identical vectors.
type Extractor struct{}

// NewExtractor creates an extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract computes the feature vector for one event. It never fails:
// sparse history degrades to neutral values rather than errors.
func (e *Extractor) Extract(_ context.Context, ev *models.AuditEvent, history []models.AuditEvent) FeatureVector {
	var fv FeatureVector

	ts := ev.Timestamp.UTC()
	hour := float64(ts.Hour()) + float64(ts.Minute())/60
	fv[FeatureHourSin] = math.Sin(2 * math.Pi * hour / 24)
	fv[FeatureHourCos] = math.Cos(2 * math.Pi * hour / 24)
	day := float64(ts.Weekday())
	fv[FeatureDaySin] = math.Sin(2 * math.Pi * day / 7)
	fv[FeatureDayCos] = math.Cos(2 * math.Pi * day / 7)

	fv[FeatureEventTypeRarity] = rarity(ev, history, func(h *models.AuditEvent) bool {
		return h.EventType == ev.EventType
	})
	fv[FeatureActorRarity] = rarity(ev, history, func(h *models.AuditEvent) bool {
		return h.ActorID == ev.ActorID
	})
	fv[FeatureBurst] = burst(ev, history)

	fv[FeatureDeltaMagnitude] = DeltaMagnitude(ev.ActionDetails)
	fv[FeaturePrivilege] = privilegeTable[ev.EventType]
	fv[FeatureEntityRecurrence] = entityRecurrence(ev, history)

	if hour < 7 || hour >= 20 || ts.Weekday() == time.Saturday || ts.Weekday() == time.Sunday {
		fv[FeatureOffHours] = 1
	}
	fv[FeatureSeverity] = severityScore(ev.Severity)

	return fv
}

// rarity is 1 minus the matching share of the history window. The
// event itself is excluded so an event never makes itself common.
func rarity(ev *models.AuditEvent, history []models.AuditEvent, match func(*models.AuditEvent) bool) float64 {
	var total, matches int
	for i := range history {
		if history[i].ID == ev.ID {
			continue
		}
		total++
		if match(&history[i]) {
			matches++
		}
	}
	if total < minHistory {
		// Cold start: neutral, never an error.
		return 0.5
	}
	return 1 - float64(matches)/float64(total)
}

// burst counts identical (actor, event_type) activity in the minutes
// strictly before the event; a run of repeated failures pushes later
// repetitions toward anomalous.
func burst(ev *models.AuditEvent, history []models.AuditEvent) float64 {
	var n int
	for i := range history {
		h := &history[i]
		if h.ID == ev.ID || h.ActorID != ev.ActorID || h.EventType != ev.EventType {
			continue
		}
		if !h.Timestamp.Before(ev.Timestamp) {
			continue
		}
		if ev.Timestamp.Sub(h.Timestamp) <= burstWindow {
			n++
		}
	}
	// Saturating count: 10+ repetitions read as a full burst.
	return math.Min(float64(n)/10, 1)
}

func entityRecurrence(ev *models.AuditEvent, history []models.AuditEvent) float64 {
	if ev.EntityID == "" || len(history) == 0 {
		return 0
	}
	var n int
	for i := range history {
		if history[i].ID == ev.ID {
			continue
		}
		if history[i].EntityType == ev.EntityType && history[i].EntityID == ev.EntityID {
			n++
		}
	}
	return math.Min(float64(n)/10, 1)
}

// DeltaMagnitude mines action_details for a numeric change and maps it
// to [0,1] on a log scale. Absent or non-numeric values score 0.
func DeltaMagnitude(details json.RawMessage) float64 {
	if len(details) == 0 {
		return 0
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(details, &fields); err != nil {
		return 0
	}
	for _, key := range deltaKeys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var v float64
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		// log1p compresses the long tail; 1e6 saturates.
		return math.Min(math.Log1p(math.Abs(v))/math.Log1p(1e6), 1)
	}
	return 0
}

func severityScore(s models.Severity) float64 {
	switch s {
	case models.SeverityCritical:
		return 1
	case models.SeverityError:
		return 0.75
	case models.SeverityWarning:
		return 0.5
	case models.SeverityInfo:
		return 0.25
	default:
		return 0
	}
}
