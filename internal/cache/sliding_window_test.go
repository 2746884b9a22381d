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

func TestSlidingWindowCounter_CountsWithinWindow(t *testing.T) {
	counter := NewSlidingWindowCounter(time.Minute, 6)

	counter.IncrementOne()
	counter.IncrementOne()
	counter.Increment(3)

	if got := counter.Count(); got != 5 {
		t.Errorf("count = %d, want 5", got)
	}
}

func TestSlidingWindowCounter_ExpiresOldBuckets(t *testing.T) {
	counter := NewSlidingWindowCounter(60*time.Millisecond, 3)

	counter.Increment(10)
	if got := counter.Count(); got != 10 {
		t.Fatalf("count = %d, want 10", got)
	}

	// Wait past the full window so every bucket rotates out.
	time.Sleep(90 * time.Millisecond)

	if got := counter.Count(); got != 0 {
		t.Errorf("count = %d after window elapsed, want 0", got)
	}
}

func TestSlidingWindowCounter_Defaults(t *testing.T) {
	counter := NewSlidingWindowCounter(0, 0)

	counter.IncrementOne()
	if got := counter.Count(); got != 1 {
		t.Errorf("count = %d, want 1", got)
	}
}

func TestSlidingWindowStore_KeyedCounters(t *testing.T) {
	store := NewSlidingWindowStore(time.Minute, 6, 1000)

	store.Increment("tenant-a:alice:login")
	store.Increment("tenant-a:alice:login")
	store.Increment("tenant-b:alice:login")

	if got := store.Count("tenant-a:alice:login"); got != 2 {
		t.Errorf("tenant-a count = %d, want 2", got)
	}
	if got := store.Count("tenant-b:alice:login"); got != 1 {
		t.Errorf("tenant-b count = %d, want 1", got)
	}
	if got := store.Count("tenant-c:alice:login"); got != 0 {
		t.Errorf("unknown key count = %d, want 0", got)
	}
	if store.Len() != 2 {
		t.Errorf("len = %d, want 2", store.Len())
	}
}

func TestSlidingWindowStore_ResetsWhenOverMaxKeys(t *testing.T) {
	store := NewSlidingWindowStore(time.Minute, 4, 3)

	for i := 0; i < 4; i++ {
		store.Increment(fmt.Sprintf("key-%d", i))
	}

	// The wholesale reset happens on the increment that finds the map
	// full, so only the newest key survives.
	if store.Len() != 1 {
		t.Errorf("len = %d after reset, want 1", store.Len())
	}
	if got := store.Count("key-3"); got != 1 {
		t.Errorf("newest key count = %d, want 1", got)
	}
}

func TestSlidingWindowStore_ConcurrentIncrements(t *testing.T) {
	store := NewSlidingWindowStore(time.Minute, 6, 10000)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				store.Increment("shared")
			}
		}()
	}
	wg.Wait()

	if got := store.Count("shared"); got != 800 {
		t.Errorf("count = %d, want 800", got)
	}
}
