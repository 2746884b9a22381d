// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

//go:build integration

package semantic

import (
	"context"
	"testing"

	"github.com/tomtom215/auditforge/internal/store"
)

func setupVectorStore(t *testing.T) *VectorStore {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open in-memory database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	vs := NewVectorStore(db)
	if err := vs.CreateTables(context.Background()); err != nil {
		t.Fatalf("create tables: %v", err)
	}
	return vs
}

func TestVectorStore_UpsertAndSearch(t *testing.T) {
	vs := setupVectorStore(t)
	ctx := context.Background()

	vectors := map[string][]float32{
		"ev-1": {1, 0, 0},
		"ev-2": {0.9, 0.1, 0},
		"ev-3": {0, 0, 1},
	}
	for id, vec := range vectors {
		if err := vs.Upsert(ctx, id, "tenant-a", vec); err != nil {
			t.Fatalf("Upsert %s failed: %v", id, err)
		}
	}
	// Other tenant's vector must not leak into results.
	if err := vs.Upsert(ctx, "ev-other", "tenant-b", []float32{1, 0, 0}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	matches, err := vs.SearchTenant(ctx, "tenant-a", []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("SearchTenant failed: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].EventID != "ev-1" || matches[1].EventID != "ev-2" {
		t.Errorf("wrong ranking: %+v", matches)
	}
	for _, m := range matches {
		if m.EventID == "ev-other" {
			t.Error("cross-tenant vector leaked into results")
		}
	}

	// Re-indexing replaces the vector.
	if err := vs.Upsert(ctx, "ev-1", "tenant-a", []float32{0, 1, 0}); err != nil {
		t.Fatalf("re-upsert failed: %v", err)
	}
	matches, err = vs.SearchTenant(ctx, "tenant-a", []float32{0, 1, 0}, 1)
	if err != nil {
		t.Fatalf("SearchTenant failed: %v", err)
	}
	if len(matches) != 1 || matches[0].EventID != "ev-1" {
		t.Errorf("replaced vector not searchable: %+v", matches)
	}
}

func TestVectorStore_HasAndDelete(t *testing.T) {
	vs := setupVectorStore(t)
	ctx := context.Background()

	if err := vs.Upsert(ctx, "ev-1", "tenant-a", []float32{1, 2, 3}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	ok, err := vs.Has(ctx, "ev-1")
	if err != nil || !ok {
		t.Fatalf("Has = %v, %v; want true", ok, err)
	}

	if err := vs.DeleteByEventIDs(ctx, []string{"ev-1", "ev-unknown"}); err != nil {
		t.Fatalf("DeleteByEventIDs failed: %v", err)
	}
	ok, err = vs.Has(ctx, "ev-1")
	if err != nil {
		t.Fatalf("Has failed: %v", err)
	}
	if ok {
		t.Error("deleted vector still present")
	}
}
