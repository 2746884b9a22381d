// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestLRUCache_AddAndGet(t *testing.T) {
	cache := NewLRUCache(3, time.Minute)

	stamp := time.Now().Truncate(time.Second)
	cache.Add("tenant-a:webhook", stamp)

	got, found := cache.Get("tenant-a:webhook")
	if !found {
		t.Fatal("expected key to be present")
	}
	if !got.Equal(stamp) {
		t.Errorf("got %v, want %v", got, stamp)
	}

	if _, found := cache.Get("tenant-b:webhook"); found {
		t.Error("expected miss for unknown key")
	}
	if cache.Len() != 1 {
		t.Errorf("len = %d, want 1", cache.Len())
	}
}

func TestLRUCache_EvictsLeastRecentlyUsed(t *testing.T) {
	cache := NewLRUCache(3, time.Minute)

	cache.Add("a", time.Now())
	cache.Add("b", time.Now())
	cache.Add("c", time.Now())

	// Touch "a" so "b" becomes the eviction candidate.
	cache.Get("a")
	cache.Add("d", time.Now())

	if _, found := cache.Get("b"); found {
		t.Error("expected 'b' to be evicted")
	}
	for _, key := range []string{"a", "c", "d"} {
		if _, found := cache.Get(key); !found {
			t.Errorf("expected %q to survive eviction", key)
		}
	}
}

func TestLRUCache_TTLExpiry(t *testing.T) {
	cache := NewLRUCache(10, 10*time.Millisecond)

	cache.Add("ephemeral", time.Now())
	if !cache.Contains("ephemeral") {
		t.Fatal("expected fresh entry to be present")
	}

	time.Sleep(20 * time.Millisecond)

	if cache.Contains("ephemeral") {
		t.Error("expected entry to expire")
	}
	if _, found := cache.Get("ephemeral"); found {
		t.Error("Get returned an expired entry")
	}
}

func TestLRUCache_UpdateExisting(t *testing.T) {
	cache := NewLRUCache(2, time.Minute)

	first := time.Now().Add(-time.Hour)
	second := time.Now()
	cache.Add("key", first)
	cache.Add("key", second)

	got, found := cache.Get("key")
	if !found {
		t.Fatal("expected key to be present")
	}
	if !got.Equal(second) {
		t.Errorf("got %v, want updated value %v", got, second)
	}
	if cache.Len() != 1 {
		t.Errorf("len = %d, want 1 after in-place update", cache.Len())
	}
}

func TestLRUCache_Remove(t *testing.T) {
	cache := NewLRUCache(2, time.Minute)

	cache.Add("key", time.Now())
	cache.Remove("key")
	cache.Remove("absent")

	if _, found := cache.Get("key"); found {
		t.Error("expected removed key to be gone")
	}
	if cache.Len() != 0 {
		t.Errorf("len = %d, want 0", cache.Len())
	}
}

func TestLRUCache_ConcurrentAccess(t *testing.T) {
	cache := NewLRUCache(100, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := fmt.Sprintf("key-%d-%d", n, j%20)
				cache.Add(key, time.Now())
				cache.Get(key)
				cache.Contains(key)
			}
		}(i)
	}
	wg.Wait()

	if cache.Len() > 100 {
		t.Errorf("len = %d exceeds capacity 100", cache.Len())
	}
}
