// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

package cache

import (
	"sync"
	"time"
)

// SlidingWindowCounter counts occurrences within a sliding time window
// using a circular buffer of buckets.
//
// Increment is O(1); Count is O(k) where k is the bucket count.
type SlidingWindowCounter struct {
	mu         sync.Mutex
	buckets    []int64
	bucketSize time.Duration
	windowSize time.Duration
	numBuckets int
	current    int
	lastUpdate time.Time
}

// NewSlidingWindowCounter creates a counter dividing windowSize into
// numBuckets buckets.
func NewSlidingWindowCounter(windowSize time.Duration, numBuckets int) *SlidingWindowCounter {
	if numBuckets <= 0 {
		numBuckets = 10
	}
	if windowSize <= 0 {
		windowSize = 5 * time.Minute
	}
	return &SlidingWindowCounter{
		buckets:    make([]int64, numBuckets),
		bucketSize: windowSize / time.Duration(numBuckets),
		windowSize: windowSize,
		numBuckets: numBuckets,
		lastUpdate: time.Now(),
	}
}

// Increment adds delta to the current bucket.
func (sw *SlidingWindowCounter) Increment(delta int64) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.advance()
	sw.buckets[sw.current] += delta
}

// IncrementOne adds 1 to the current bucket.
func (sw *SlidingWindowCounter) IncrementOne() {
	sw.Increment(1)
}

// Count returns the sum of all buckets in the window.
func (sw *SlidingWindowCounter) Count() int64 {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.advance()

	var total int64
	for _, count := range sw.buckets {
		total += count
	}
	return total
}

// advance rotates expired buckets out. Must hold the lock.
func (sw *SlidingWindowCounter) advance() {
	now := time.Now()
	bucketsElapsed := int(now.Sub(sw.lastUpdate) / sw.bucketSize)
	if bucketsElapsed <= 0 {
		return
	}

	if bucketsElapsed >= sw.numBuckets {
		for i := range sw.buckets {
			sw.buckets[i] = 0
		}
		sw.current = 0
	} else {
		for i := 0; i < bucketsElapsed; i++ {
			sw.current = (sw.current + 1) % sw.numBuckets
			sw.buckets[sw.current] = 0
		}
	}
	sw.lastUpdate = now
}

// SlidingWindowStore manages sliding window counters keyed by string,
// e.g. "tenant:actor:event_type". All keys are tenant-prefixed so no
// counter state crosses tenant boundaries.
type SlidingWindowStore struct {
	mu         sync.RWMutex
	counters   map[string]*SlidingWindowCounter
	windowSize time.Duration
	numBuckets int
	maxKeys    int
}

// NewSlidingWindowStore creates a keyed counter store. maxKeys bounds
// memory; when exceeded, the store is reset wholesale (counters are
// soft state recomputable from the event store).
func NewSlidingWindowStore(windowSize time.Duration, numBuckets, maxKeys int) *SlidingWindowStore {
	if maxKeys <= 0 {
		maxKeys = 100000
	}
	return &SlidingWindowStore{
		counters:   make(map[string]*SlidingWindowCounter),
		windowSize: windowSize,
		numBuckets: numBuckets,
		maxKeys:    maxKeys,
	}
}

// Increment adds one occurrence for key.
func (s *SlidingWindowStore) Increment(key string) {
	s.mu.Lock()
	if len(s.counters) >= s.maxKeys {
		s.counters = make(map[string]*SlidingWindowCounter)
	}
	counter, ok := s.counters[key]
	if !ok {
		counter = NewSlidingWindowCounter(s.windowSize, s.numBuckets)
		s.counters[key] = counter
	}
	s.mu.Unlock()

	counter.IncrementOne()
}

// Count returns the occurrence count for key within the window.
func (s *SlidingWindowStore) Count(key string) int64 {
	s.mu.RLock()
	counter, ok := s.counters[key]
	s.mu.RUnlock()

	if !ok {
		return 0
	}
	return counter.Count()
}

// Len returns the number of tracked keys.
func (s *SlidingWindowStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.counters)
}
