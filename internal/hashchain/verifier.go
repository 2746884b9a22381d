// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

package hashchain

import (
	"context"
	"fmt"
	"time"

	"github.com/tomtom215/auditforge/internal/logging"
	"github.com/tomtom215/auditforge/internal/models"
)

// VerifyResult reports the outcome of a chain verification pass.
type VerifyResult struct {
	TenantID string `json:"tenant_id"`
	Verified bool   `json:"verified"`

	// EventsChecked is the number of events replayed.
	EventsChecked int64 `json:"events_checked"`

	// FirstDivergenceSeq and FirstDivergenceID identify the first event
	// whose stored hash does not match the recomputed digest. Zero/empty
	// when Verified.
	FirstDivergenceSeq int64  `json:"first_divergence_seq,omitempty"`
	FirstDivergenceID  string `json:"first_divergence_id,omitempty"`

	Duration time.Duration `json:"-"`
}

// VerifyStore is the storage contract for verification. ReadRange must
// return events ordered by sequence from a consistent snapshot: events
// appended after the call started must not appear mid-range.
type VerifyStore interface {
	// MaxSequence returns the highest persisted sequence for the tenant
	// at the time of the call.
	MaxSequence(ctx context.Context, tenantID string) (int64, error)

	// ReadRange streams events with fromSeq <= sequence <= toSeq in
	// ascending sequence order, in batches of at most batchSize.
	ReadRange(ctx context.Context, tenantID string, fromSeq, toSeq int64, batchSize int) ([]models.AuditEvent, error)

	// VerifyCheckpoint returns the earliest verifiable sequence and the
	// trusted prev_hash replay starts from there. Zero values mean the
	// chain is intact from the seed; a non-zero checkpoint is recorded
	// when a retention purge legally removes a chain prefix.
	VerifyCheckpoint(ctx context.Context, tenantID string) (int64, string, error)

	// HaltTenant freezes further appends for the tenant.
	HaltTenant(ctx context.Context, tenantID string) error
}

// IntegrityAlerter raises the highest-severity alert the system can
// produce when a divergence is found. Implementations must not block.
type IntegrityAlerter interface {
	IntegrityViolation(ctx context.Context, tenantID string, result VerifyResult)
}

// Verifier replays tenant chains and reports the first divergence.
// Verification is read-only and safe to run concurrently with appends:
// it snapshots the maximum sequence first and only replays that prefix,
// so a chain growing underneath never produces a false divergence.
type Verifier struct {
	store     VerifyStore
	alerter   IntegrityAlerter
	batchSize int
}

// NewVerifier creates a verifier. alerter may be nil.
func NewVerifier(store VerifyStore, alerter IntegrityAlerter) *Verifier {
	return &Verifier{store: store, alerter: alerter, batchSize: 1000}
}

// Verify replays the tenant's chain from fromSeq (or 1) through toSeq
// (or the snapshot head) and compares recomputed digests with stored
// hashes. On divergence the tenant is halted and the integrity alerter
// notified; the error wraps models.ErrIntegrity.
//
// When fromSeq > 1 the caller verifies from a checkpoint: the event at
// fromSeq-1 supplies the starting prev_hash and is trusted.
func (v *Verifier) Verify(ctx context.Context, tenantID string, fromSeq, toSeq int64) (VerifyResult, error) {
	start := time.Now()
	result := VerifyResult{TenantID: tenantID, Verified: true}

	if fromSeq < 1 {
		fromSeq = 1
	}

	// A retention purge moves the earliest verifiable sequence forward;
	// requests reaching into the purged prefix start at the checkpoint.
	checkpointSeq, checkpointHash, err := v.store.VerifyCheckpoint(ctx, tenantID)
	if err != nil {
		return result, fmt.Errorf("read verification checkpoint: %w", err)
	}
	if fromSeq < checkpointSeq {
		fromSeq = checkpointSeq
	}

	// Snapshot the prefix to replay before reading any events.
	maxSeq, err := v.store.MaxSequence(ctx, tenantID)
	if err != nil {
		return result, fmt.Errorf("snapshot max sequence: %w", err)
	}
	if toSeq < 1 || toSeq > maxSeq {
		toSeq = maxSeq
	}
	if maxSeq == 0 || fromSeq > toSeq {
		result.Duration = time.Since(start)
		return result, nil
	}

	prevHash, err := v.startingHash(ctx, tenantID, fromSeq, checkpointSeq, checkpointHash)
	if err != nil {
		return result, err
	}

	expectedSeq := fromSeq
	for seq := fromSeq; seq <= toSeq; {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		batchEnd := seq + int64(v.batchSize) - 1
		if batchEnd > toSeq {
			batchEnd = toSeq
		}
		events, err := v.store.ReadRange(ctx, tenantID, seq, batchEnd, v.batchSize)
		if err != nil {
			return result, fmt.Errorf("read range [%d,%d]: %w", seq, batchEnd, err)
		}

		for i := range events {
			ev := &events[i]
			if ev.Sequence != expectedSeq {
				// A gap in the sequence is itself a divergence.
				return v.diverged(ctx, result, ev, expectedSeq, start)
			}
			if ev.PrevHash != prevHash {
				return v.diverged(ctx, result, ev, ev.Sequence, start)
			}
			recomputed, err := EventHash(ev, prevHash)
			if err != nil {
				return result, fmt.Errorf("recompute digest at seq %d: %w", ev.Sequence, err)
			}
			if recomputed != ev.Hash {
				return v.diverged(ctx, result, ev, ev.Sequence, start)
			}
			prevHash = ev.Hash
			expectedSeq++
			result.EventsChecked++
		}

		if len(events) == 0 {
			// Store returned nothing for a range the snapshot promised.
			result.Verified = false
			result.FirstDivergenceSeq = expectedSeq
			result.Duration = time.Since(start)
			return result, fmt.Errorf("%w: tenant %s missing events at seq %d", models.ErrIntegrity, tenantID, expectedSeq)
		}
		seq = batchEnd + 1
	}

	result.Duration = time.Since(start)
	logging.Info().
		Str("tenant", tenantID).
		Int64("events", result.EventsChecked).
		Dur("took", result.Duration).
		Msg("chain verified")
	return result, nil
}

// startingHash resolves the prev_hash the replay starts from: the seed
// for a full replay, the purge checkpoint's recorded prev_hash, or the
// trusted predecessor event's hash for a mid-chain start.
func (v *Verifier) startingHash(ctx context.Context, tenantID string, fromSeq, checkpointSeq int64, checkpointHash string) (string, error) {
	if fromSeq == checkpointSeq && checkpointSeq > 0 {
		return checkpointHash, nil
	}
	if fromSeq == 1 {
		return models.ChainSeed, nil
	}
	checkpoint, err := v.store.ReadRange(ctx, tenantID, fromSeq-1, fromSeq-1, 1)
	if err != nil {
		return "", fmt.Errorf("read checkpoint at seq %d: %w", fromSeq-1, err)
	}
	if len(checkpoint) != 1 {
		return "", fmt.Errorf("%w: checkpoint event at seq %d not found", models.ErrIntegrity, fromSeq-1)
	}
	return checkpoint[0].Hash, nil
}

func (v *Verifier) diverged(ctx context.Context, result VerifyResult, ev *models.AuditEvent, seq int64, start time.Time) (VerifyResult, error) {
	result.Verified = false
	result.FirstDivergenceSeq = seq
	result.FirstDivergenceID = ev.ID
	result.Duration = time.Since(start)

	logging.Error().
		Str("tenant", result.TenantID).
		Int64("seq", seq).
		Str("event_id", ev.ID).
		Msg("hash chain divergence detected")

	if err := v.store.HaltTenant(ctx, result.TenantID); err != nil {
		logging.Err(err).Str("tenant", result.TenantID).Msg("failed to halt tenant after divergence")
	}
	if v.alerter != nil {
		v.alerter.IntegrityViolation(ctx, result.TenantID, result)
	}

	return result, fmt.Errorf("%w: tenant %s diverges at seq %d (event %s)",
		models.ErrIntegrity, result.TenantID, seq, ev.ID)
}
