// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

package features

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/auditforge/internal/models"
)

func historyOf(n int, eventType string, base time.Time) []models.AuditEvent {
	out := make([]models.AuditEvent, n)
	for i := range out {
		out[i] = models.AuditEvent{
			ID:         fmt.Sprintf("hist-%d", i),
			TenantID:   "tenant-a",
			EventType:  eventType,
			ActorID:    fmt.Sprintf("user-%d", i%5),
			EntityType: "account",
			EntityID:   fmt.Sprintf("acct-%d", i%3),
			Severity:   models.SeverityInfo,
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
		}
	}
	return out
}

func TestExtract_TimeEncoding(t *testing.T) {
	e := NewExtractor()
	ev := &models.AuditEvent{
		ID:        "ev-1",
		TenantID:  "tenant-a",
		EventType: "login_success",
		ActorID:   "user-1",
		Severity:  models.SeverityInfo,
		// Monday midnight UTC: sin=0, cos=1.
		Timestamp: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
	}
	fv := e.Extract(context.Background(), ev, nil)

	if math.Abs(fv[FeatureHourSin]) > 1e-9 {
		t.Errorf("hour_sin at midnight = %f, want 0", fv[FeatureHourSin])
	}
	if math.Abs(fv[FeatureHourCos]-1) > 1e-9 {
		t.Errorf("hour_cos at midnight = %f, want 1", fv[FeatureHourCos])
	}
	if fv[FeatureOffHours] != 1 {
		t.Error("midnight should count as off hours")
	}

	noon := *ev
	noon.Timestamp = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	fv = e.Extract(context.Background(), &noon, nil)
	if math.Abs(fv[FeatureHourCos]+1) > 1e-9 {
		t.Errorf("hour_cos at noon = %f, want -1", fv[FeatureHourCos])
	}
	if fv[FeatureOffHours] != 0 {
		t.Error("Monday noon should not count as off hours")
	}
}

func TestExtract_ColdStartNeutral(t *testing.T) {
	e := NewExtractor()
	ev := &models.AuditEvent{
		ID:        "ev-1",
		TenantID:  "tenant-fresh",
		EventType: "anything",
		ActorID:   "user-new",
		Severity:  models.SeverityInfo,
		Timestamp: time.Now().UTC(),
	}
	fv := e.Extract(context.Background(), ev, nil)
	if fv[FeatureEventTypeRarity] != 0.5 {
		t.Errorf("cold-start event_type rarity = %f, want 0.5", fv[FeatureEventTypeRarity])
	}
	if fv[FeatureActorRarity] != 0.5 {
		t.Errorf("cold-start actor rarity = %f, want 0.5", fv[FeatureActorRarity])
	}
}

func TestExtract_RarityFromHistory(t *testing.T) {
	e := NewExtractor()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	history := historyOf(100, "login_success", base)

	rare := &models.AuditEvent{
		ID:        "ev-rare",
		TenantID:  "tenant-a",
		EventType: "permission_grant",
		ActorID:   "user-0",
		Severity:  models.SeverityWarning,
		Timestamp: base.Add(2 * time.Hour),
	}
	common := &models.AuditEvent{
		ID:        "ev-common",
		TenantID:  "tenant-a",
		EventType: "login_success",
		ActorID:   "user-0",
		Severity:  models.SeverityInfo,
		Timestamp: base.Add(2 * time.Hour),
	}

	rareFV := e.Extract(context.Background(), rare, history)
	commonFV := e.Extract(context.Background(), common, history)

	if rareFV[FeatureEventTypeRarity] != 1 {
		t.Errorf("unseen type rarity = %f, want 1", rareFV[FeatureEventTypeRarity])
	}
	if commonFV[FeatureEventTypeRarity] != 0 {
		t.Errorf("ubiquitous type rarity = %f, want 0", commonFV[FeatureEventTypeRarity])
	}
}

func TestExtract_BurstGrowsAcrossRepeats(t *testing.T) {
	e := NewExtractor()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	history := historyOf(30, "login_success", base.Add(-time.Hour))

	// Three identical failures within one minute from one actor.
	trio := make([]models.AuditEvent, 3)
	for i := range trio {
		trio[i] = models.AuditEvent{
			ID:        fmt.Sprintf("fail-%d", i),
			TenantID:  "tenant-a",
			EventType: "login_failed",
			ActorID:   "user-9",
			Severity:  models.SeverityError,
			Timestamp: base.Add(time.Duration(i) * 20 * time.Second),
		}
	}
	full := append(append([]models.AuditEvent{}, history...), trio...)

	first := e.Extract(context.Background(), &trio[0], full)
	third := e.Extract(context.Background(), &trio[2], full)

	if third[FeatureBurst] <= first[FeatureBurst] {
		t.Errorf("3rd repetition must burst higher: first=%f third=%f",
			first[FeatureBurst], third[FeatureBurst])
	}
	if first[FeatureBurst] != 0 {
		t.Errorf("first repetition burst = %f, want 0", first[FeatureBurst])
	}
	if third[FeatureBurst] != 0.2 {
		t.Errorf("third repetition burst = %f, want 0.2", third[FeatureBurst])
	}

	// Rarity is shared across the trio: same window, same type.
	if first[FeatureEventTypeRarity] != third[FeatureEventTypeRarity] {
		t.Error("identical events in one window must share rarity")
	}
}

func TestExtract_BurstIgnoresOldAndOtherActors(t *testing.T) {
	e := NewExtractor()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	history := []models.AuditEvent{
		// Same actor+type, but outside the burst window.
		{ID: "old", ActorID: "user-9", EventType: "login_failed", Timestamp: base.Add(-time.Hour)},
		// In window, different actor.
		{ID: "other", ActorID: "user-2", EventType: "login_failed", Timestamp: base.Add(-time.Minute)},
		// In window, same actor, later than the event.
		{ID: "future", ActorID: "user-9", EventType: "login_failed", Timestamp: base.Add(time.Minute)},
	}
	ev := &models.AuditEvent{
		ID: "ev", ActorID: "user-9", EventType: "login_failed",
		Severity: models.SeverityError, Timestamp: base,
	}
	fv := e.Extract(context.Background(), ev, history)
	if fv[FeatureBurst] != 0 {
		t.Errorf("burst = %f, want 0", fv[FeatureBurst])
	}
}

func TestDeltaMagnitude(t *testing.T) {
	cases := []struct {
		name    string
		details string
		want    func(float64) bool
	}{
		{"empty", "", func(v float64) bool { return v == 0 }},
		{"no numeric keys", `{"note":"hi"}`, func(v float64) bool { return v == 0 }},
		{"zero delta", `{"delta":0}`, func(v float64) bool { return v == 0 }},
		{"small delta", `{"delta":5}`, func(v float64) bool { return v > 0 && v < 0.2 }},
		{"huge amount", `{"amount":2000000}`, func(v float64) bool { return v == 1 }},
		{"negative percent", `{"percent_change":-80}`, func(v float64) bool { return v > 0.2 }},
		{"delta wins over amount", `{"amount":1000000,"delta":1}`, func(v float64) bool { return v < 0.1 }},
		{"malformed json", `{"delta":`, func(v float64) bool { return v == 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DeltaMagnitude(json.RawMessage(tc.details))
			if !tc.want(got) {
				t.Errorf("DeltaMagnitude(%s) = %f", tc.details, got)
			}
		})
	}
}

func TestExtract_FixedShape(t *testing.T) {
	e := NewExtractor()
	ev := &models.AuditEvent{
		ID:        "ev-1",
		TenantID:  "tenant-a",
		EventType: "funds_transfer",
		ActorID:   "user-1",
		Severity:  models.SeverityCritical,
		Timestamp: time.Now().UTC(),
	}
	fv := e.Extract(context.Background(), ev, nil)

	if len(fv.Values()) != Count() {
		t.Fatalf("vector width %d, want %d", len(fv.Values()), Count())
	}
	if len(FeatureNames) != Count() {
		t.Fatalf("feature names out of sync with vector width")
	}
	for i, v := range fv.Values() {
		if v < -1 || v > 1 {
			t.Errorf("feature %s out of range: %f", FeatureNames[i], v)
		}
		if math.IsNaN(v) {
			t.Errorf("feature %s is NaN", FeatureNames[i])
		}
	}
	if fv[FeaturePrivilege] != 0.8 {
		t.Errorf("funds_transfer privilege = %f, want 0.8", fv[FeaturePrivilege])
	}
}
