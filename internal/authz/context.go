// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

package authz

import "context"

type contextKey string

const identityKey contextKey = "authz_identity"

// Identity is the authenticated caller attached to the request context.
type Identity struct {
	TenantID string
	ActorID  string
	Roles    []string
}

// WithIdentity attaches the identity to a context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFrom extracts the identity from a context.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// TenantFrom returns the tenant of the authenticated caller, or "".
func TenantFrom(ctx context.Context) string {
	id, _ := IdentityFrom(ctx)
	return id.TenantID
}
