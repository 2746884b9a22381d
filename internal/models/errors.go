// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

package models

import (
	"errors"
	"fmt"
)

// Pipeline error taxonomy. Each stage wraps one of these sentinels so
// callers can select recovery behavior with errors.Is.
var (
	// ErrValidation flags malformed input. Surfaced to the caller, not retried.
	ErrValidation = errors.New("validation error")

	// ErrIntegrity flags hash-chain divergence. Fatal for the affected
	// tenant: further appends are refused pending investigation.
	ErrIntegrity = errors.New("hash chain integrity violation")

	// ErrClassificationTimeout is recovered locally via the rule-based
	// fallback and never surfaced to the caller.
	ErrClassificationTimeout = errors.New("classification timed out")

	// ErrScoringJobFailure marks a failed sweep for a tenant; the window is
	// retried at the next scheduled tick and events remain unscored.
	ErrScoringJobFailure = errors.New("anomaly scoring job failed")

	// ErrIndexingFailure marks an embedding/index task failure. Retried with
	// backoff; permanent failure leaves the event without semantic search.
	ErrIndexingFailure = errors.New("embedding indexing failed")

	// ErrDeliveryFailure marks an alert delivery failure for one channel.
	ErrDeliveryFailure = errors.New("alert delivery failed")

	// ErrExternalServiceUnavailable degrades search/synthesis gracefully.
	ErrExternalServiceUnavailable = errors.New("external service unavailable")

	// ErrTenantHalted is returned for appends to a tenant whose chain
	// failed verification.
	ErrTenantHalted = errors.New("tenant appends halted pending investigation")

	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
)

// ErrExportTooLarge rejects synchronous exports whose result set
// exceeds the configured cap. It is a validation error: errors.Is
// matches both sentinels.
var ErrExportTooLarge = fmt.Errorf("%w: export result set too large", ErrValidation)
