// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

package hashchain

import "sync"

// tenantLocks provides one mutex per tenant so appends are serialized
// within a tenant while different tenants proceed fully in parallel.
type tenantLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newTenantLocks() *tenantLocks {
	return &tenantLocks{locks: make(map[string]*sync.Mutex)}
}

// forTenant returns the mutex for a tenant, creating it on first use.
// Lock entries are never removed; the set of tenants is small and stable
// relative to event volume.
func (t *tenantLocks) forTenant(tenantID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()

	lock, ok := t.locks[tenantID]
	if !ok {
		lock = &sync.Mutex{}
		t.locks[tenantID] = lock
	}
	return lock
}
