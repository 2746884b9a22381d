// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

// Package api exposes the HTTP surface: ingestion, queries, semantic
// search, anomaly feedback, exports, integration management and the
// chain verification and dead-letter admin endpoints. Every response
// uses the models.APIResponse envelope.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/auditforge/internal/authz"
	"github.com/tomtom215/auditforge/internal/logging"
	"github.com/tomtom215/auditforge/internal/models"
	"github.com/tomtom215/auditforge/internal/validation"
)

// Error codes carried in the envelope. Clients branch on these, not on
// HTTP status alone.
const (
	codeValidation      = "VALIDATION_ERROR"
	codeIntegrity       = "INTEGRITY_ERROR"
	codeNotFound        = "NOT_FOUND"
	codeRateLimited     = "RATE_LIMIT_EXCEEDED"
	codeExportTooLarge  = "EXPORT_TOO_LARGE"
	codeUnavailable     = "SERVICE_UNAVAILABLE"
	codeDeliveryFailure = "DELIVERY_FAILURE"
	codeInternal        = "INTERNAL_ERROR"
)

// respondJSON writes a success envelope. start stamps query_time_ms.
func respondJSON(w http.ResponseWriter, status int, data interface{}, start time.Time) {
	resp := models.APIResponse{
		Status: "success",
		Data:   data,
		Metadata: models.Metadata{
			Timestamp:   time.Now().UTC(),
			QueryTimeMS: time.Since(start).Milliseconds(),
		},
	}
	writeEnvelope(w, status, resp)
}

// respondError writes an error envelope with an explicit code.
func respondError(w http.ResponseWriter, status int, code, message string, details map[string]interface{}) {
	resp := models.APIResponse{
		Status:   "error",
		Metadata: models.Metadata{Timestamp: time.Now().UTC()},
		Error: &models.APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
	writeEnvelope(w, status, resp)
}

// respondPipelineError maps the pipeline error taxonomy onto HTTP
// statuses and envelope codes. Unknown errors become a 500 without
// leaking internals to the caller.
func respondPipelineError(w http.ResponseWriter, err error) {
	var ve *validation.RequestValidationError
	if errors.As(err, &ve) {
		apiErr := ve.ToAPIError()
		respondError(w, http.StatusBadRequest, apiErr.Code, apiErr.Message, apiErr.Details)
		return
	}

	switch {
	case errors.Is(err, models.ErrExportTooLarge):
		respondError(w, http.StatusRequestEntityTooLarge, codeExportTooLarge, err.Error(), nil)
	case errors.Is(err, models.ErrValidation):
		respondError(w, http.StatusBadRequest, codeValidation, err.Error(), nil)
	case errors.Is(err, models.ErrNotFound):
		respondError(w, http.StatusNotFound, codeNotFound, err.Error(), nil)
	case errors.Is(err, models.ErrTenantHalted):
		respondError(w, http.StatusConflict, codeIntegrity, err.Error(), nil)
	case errors.Is(err, models.ErrIntegrity):
		respondError(w, http.StatusConflict, codeIntegrity, err.Error(), nil)
	case errors.Is(err, models.ErrExternalServiceUnavailable):
		respondError(w, http.StatusServiceUnavailable, codeUnavailable, err.Error(), nil)
	case errors.Is(err, models.ErrDeliveryFailure):
		respondError(w, http.StatusBadGateway, codeDeliveryFailure, err.Error(), nil)
	default:
		logging.Error().Err(err).Msg("Unhandled request error")
		respondError(w, http.StatusInternalServerError, codeInternal, "internal error", nil)
	}
}

func writeEnvelope(w http.ResponseWriter, status int, resp models.APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.Debug().Err(err).Msg("Failed to write response envelope")
	}
}

// requireTenant extracts the authenticated tenant or writes a 401. The
// authenticate middleware guarantees a tenant on every covered route;
// this guards direct handler use in tests and future unauthenticated
// mounting mistakes.
func requireTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID := authz.TenantFrom(r.Context())
	if tenantID == "" {
		respondError(w, http.StatusUnauthorized, "AUTHENTICATION_ERROR", "missing tenant identity", nil)
		return "", false
	}
	return tenantID, true
}

// decodeBody decodes a JSON request body, rejecting unknown payload
// shapes with a validation error.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return models.ErrValidation
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed JSON body: %v", models.ErrValidation, err)
	}
	return nil
}
