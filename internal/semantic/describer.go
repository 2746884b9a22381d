// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

// Package semantic provides natural-language search over the audit
// log: events are described, embedded and stored as vectors, then
// queried by cosine similarity with optional answer synthesis.
package semantic

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/auditforge/internal/models"
)

// Describe renders a one-line natural-language description of an
// event. The description is the embedding input, so it must be
// deterministic for a given event.
func Describe(ev *models.AuditEvent) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s by %s", ev.Severity, ev.EventType, ev.ActorID)
	if ev.EntityType != "" {
		fmt.Fprintf(&b, " on %s", ev.EntityType)
		if ev.EntityID != "" {
			fmt.Fprintf(&b, " %s", ev.EntityID)
		}
	}
	fmt.Fprintf(&b, " at %s", ev.Timestamp.UTC().Format(time.RFC3339))

	if ev.Category != "" {
		fmt.Fprintf(&b, ", category %s", ev.Category)
	}
	if ev.RiskLevel != "" {
		fmt.Fprintf(&b, ", risk %s", ev.RiskLevel)
	}
	if details := detailPairs(ev.ActionDetails); len(details) > 0 {
		b.WriteString(", details:")
		for _, pair := range details {
			fmt.Fprintf(&b, " %s", pair)
		}
	}
	return b.String()
}

// detailPairs flattens action details into sorted key=value strings.
// Malformed details are skipped rather than failing the description.
func detailPairs(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	pairs := make([]string, 0, len(m))
	for _, k := range sortedKeys(m) {
		pairs = append(pairs, fmt.Sprintf("%s=%v", k, m[k]))
	}
	return pairs
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
