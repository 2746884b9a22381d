// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

// Package hashchain implements the tamper-evident append-only log: canonical
// event serialization, BLAKE2b digests, the serialized per-tenant appender,
// and chain verification with first-divergence reporting.
package hashchain

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/crypto/blake2b"

	"github.com/tomtom215/auditforge/internal/models"
)

// timestampEpsilon is the deterministic advancement applied when a clock
// read does not move past the tenant's previous event timestamp.
const timestampEpsilon = time.Microsecond

// canonicalEvent fixes the field set and order that the digest covers.
// Only immutable ingestion-time content participates; labels and scores
// filled in asynchronously are excluded so they can be set without
// breaking the chain.
type canonicalEvent struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	Sequence      int64           `json:"sequence"`
	Timestamp     string          `json:"timestamp"`
	EventType     string          `json:"event_type"`
	ActorID       string          `json:"actor_id"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	Severity      string          `json:"severity"`
	ActionDetails json.RawMessage `json:"action_details"`
}

// Canonicalize produces the deterministic byte representation of an event's
// immutable content. Two events with identical content always canonicalize
// to identical bytes, independent of inbound payload formatting.
func Canonicalize(e *models.AuditEvent) ([]byte, error) {
	details := json.RawMessage("null")
	if len(e.ActionDetails) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, e.ActionDetails); err != nil {
			return nil, fmt.Errorf("compact action_details: %w", err)
		}
		details = json.RawMessage(buf.Bytes())
	}

	ce := canonicalEvent{
		ID:            e.ID,
		TenantID:      e.TenantID,
		Sequence:      e.Sequence,
		Timestamp:     e.Timestamp.UTC().Format(time.RFC3339Nano),
		EventType:     e.EventType,
		ActorID:       e.ActorID,
		EntityType:    e.EntityType,
		EntityID:      e.EntityID,
		Severity:      string(e.Severity),
		ActionDetails: details,
	}

	data, err := json.Marshal(ce)
	if err != nil {
		return nil, fmt.Errorf("marshal canonical event: %w", err)
	}
	return data, nil
}

// Digest computes the chain digest over canonical content and the
// predecessor's hash: BLAKE2b-256(canonical ‖ prevHash), hex encoded.
func Digest(canonical []byte, prevHash string) string {
	h, _ := blake2b.New256(nil)
	h.Write(canonical)
	h.Write([]byte(prevHash))
	return hex.EncodeToString(h.Sum(nil))
}

// EventHash canonicalizes an event and digests it against prevHash.
func EventHash(e *models.AuditEvent, prevHash string) (string, error) {
	canonical, err := Canonicalize(e)
	if err != nil {
		return "", err
	}
	return Digest(canonical, prevHash), nil
}
