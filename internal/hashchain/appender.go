// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

package hashchain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/auditforge/internal/logging"
	"github.com/tomtom215/auditforge/internal/models"
	"github.com/tomtom215/auditforge/internal/validation"
)

// ChainHead is the per-tenant chain pointer advanced by every append.
type ChainHead struct {
	TenantID string
	// Sequence of the latest event, 0 for an empty chain.
	Sequence int64
	// Hash of the latest event; models.ChainSeed for an empty chain.
	Hash string
	// LastTimestamp of the latest event, for monotonic advancement.
	LastTimestamp time.Time
	// Halted refuses further appends after an integrity violation.
	Halted bool
}

// ChainStore is the storage contract the appender requires. AppendEvents
// must persist the events and advance the head atomically: both succeed
// or both fail.
type ChainStore interface {
	ChainHead(ctx context.Context, tenantID string) (ChainHead, error)
	AppendEvents(ctx context.Context, events []models.AuditEvent, newHead ChainHead) error
}

// IngestRequest wraps a batch of raw events for validation.
type IngestRequest struct {
	Events []models.RawEvent `validate:"required,min=1,dive"`
}

// Appender validates, timestamps, chains and persists inbound events.
// Appends are serialized per tenant; cross-tenant appends run in parallel.
type Appender struct {
	store ChainStore
	locks *tenantLocks

	// maxBatch bounds one ingest call.
	maxBatch int

	// now is injectable for deterministic timestamp tests.
	now func() time.Time
}

// NewAppender creates an appender over the given chain store.
func NewAppender(store ChainStore, maxBatch int) *Appender {
	if maxBatch <= 0 {
		maxBatch = 500
	}
	return &Appender{
		store:    store,
		locks:    newTenantLocks(),
		maxBatch: maxBatch,
		now:      time.Now,
	}
}

// Append validates raw events, assigns ids and per-tenant monotonic
// timestamps, computes the chain linkage and persists the batch
// atomically. Returns the persisted events with hashes populated.
//
// Returns models.ErrValidation for malformed input and
// models.ErrTenantHalted when the tenant's chain is frozen pending
// investigation of an integrity violation.
func (a *Appender) Append(ctx context.Context, tenantID string, raws []models.RawEvent) ([]models.AuditEvent, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant id is required", models.ErrValidation)
	}
	if len(raws) == 0 {
		return nil, fmt.Errorf("%w: empty event batch", models.ErrValidation)
	}
	if len(raws) > a.maxBatch {
		return nil, fmt.Errorf("%w: batch of %d exceeds limit %d", models.ErrValidation, len(raws), a.maxBatch)
	}

	if verr := validation.ValidateStruct(&IngestRequest{Events: raws}); verr != nil {
		return nil, fmt.Errorf("%w: %s", models.ErrValidation, verr.Error())
	}
	for i := range raws {
		if !models.ValidSeverity(raws[i].Severity) {
			return nil, fmt.Errorf("%w: severity %q outside enum", models.ErrValidation, raws[i].Severity)
		}
	}

	// Serialize per tenant: the head read and the subsequent write must
	// be atomic with respect to other appends for this tenant.
	lock := a.locks.forTenant(tenantID)
	lock.Lock()
	defer lock.Unlock()

	head, err := a.store.ChainHead(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("read chain head: %w", err)
	}
	if head.Halted {
		return nil, fmt.Errorf("%w: tenant %s", models.ErrTenantHalted, tenantID)
	}

	events := make([]models.AuditEvent, 0, len(raws))
	prevHash := head.Hash
	if prevHash == "" {
		prevHash = models.ChainSeed
	}
	seq := head.Sequence
	lastTS := head.LastTimestamp

	for i := range raws {
		seq++
		// Timestamps carry microsecond precision, matching what the
		// store persists; a finer clock read would change the canonical
		// bytes after a read-back and break digest recomputation.
		ts := a.now().UTC().Truncate(timestampEpsilon)
		// Monotonic non-decreasing per tenant: a clock read at or before
		// the previous event is advanced deterministically.
		if !ts.After(lastTS) {
			ts = lastTS.Add(timestampEpsilon)
		}
		lastTS = ts

		ev := models.AuditEvent{
			ID:            uuid.New().String(),
			TenantID:      tenantID,
			Sequence:      seq,
			Timestamp:     ts,
			EventType:     raws[i].EventType,
			ActorID:       raws[i].ActorID,
			EntityType:    raws[i].EntityType,
			EntityID:      raws[i].EntityID,
			ActionDetails: raws[i].ActionDetails,
			Severity:      raws[i].Severity,
			PrevHash:      prevHash,
			Tier:          models.TierActive,
		}

		hash, err := EventHash(&ev, prevHash)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrValidation, err)
		}
		ev.Hash = hash
		prevHash = hash
		events = append(events, ev)
	}

	newHead := ChainHead{
		TenantID:      tenantID,
		Sequence:      seq,
		Hash:          prevHash,
		LastTimestamp: lastTS,
	}

	if err := a.store.AppendEvents(ctx, events, newHead); err != nil {
		return nil, fmt.Errorf("append events: %w", err)
	}

	logging.Debug().
		Str("tenant", tenantID).
		Int("events", len(events)).
		Int64("head_seq", seq).
		Msg("appended to chain")

	return events, nil
}
