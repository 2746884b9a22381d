// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

package authz

import (
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/auditforge/internal/logging"
	"github.com/tomtom215/auditforge/internal/models"
)

// Authenticate validates the bearer token and attaches the caller's
// identity to the request context. Requests without a valid token get
// a 401 envelope.
func Authenticate(verifier *TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeAuthError(w, http.StatusUnauthorized, "AUTHENTICATION_ERROR", "missing bearer token")
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				logging.Debug().Err(err).Msg("Rejected bearer token")
				writeAuthError(w, http.StatusUnauthorized, "AUTHENTICATION_ERROR", "invalid or expired token")
				return
			}

			ctx := WithIdentity(r.Context(), Identity{
				TenantID: claims.TenantID,
				ActorID:  claims.ActorID,
				Roles:    claims.Roles,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Require rejects callers whose roles do not permit the action on the
// object with a 403 envelope. Must run after Authenticate.
func Require(enforcer *Enforcer, object, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFrom(r.Context())
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, "AUTHENTICATION_ERROR", "missing identity")
				return
			}

			allowed, err := enforcer.Allowed(id.Roles, object, action)
			if err != nil {
				logging.Error().Err(err).Str("object", object).Str("action", action).Msg("Permission check failed")
				writeAuthError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "permission check failed")
				return
			}
			if !allowed {
				writeAuthError(w, http.StatusForbidden, "AUTHORIZATION_ERROR", "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := models.APIResponse{
		Status:   "error",
		Metadata: models.Metadata{Timestamp: time.Now().UTC()},
		Error:    &models.APIError{Code: code, Message: message},
	}
	json.NewEncoder(w).Encode(resp) //nolint:errcheck
}
