// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

// Package cache provides tenant-scoped in-memory data structures used by the
// pipeline: an LRU cache with TTL for cooldown tracking and keyed sliding
// window counters for frequency features and duplicate-alert suppression.
package cache

import (
	"sync"
	"time"
)

type lruEntry struct {
	key       string
	value     time.Time
	prev      *lruEntry
	next      *lruEntry
	expiresAt time.Time
}

// LRUCache is a thread-safe LRU cache with TTL, mapping string keys to
// timestamps. Used to remember the last time something happened per key
// (alert cooldowns, delivery pacing) with bounded memory.
//
// Doubly-linked list for ordering plus a map for O(1) lookups.
type LRUCache struct {
	mu sync.RWMutex

	capacity int
	ttl      time.Duration
	items    map[string]*lruEntry

	// head.next is most recently used, tail.prev least recently used.
	head *lruEntry
	tail *lruEntry
}

// NewLRUCache creates an LRU cache with the given capacity and TTL.
func NewLRUCache(capacity int, ttl time.Duration) *LRUCache {
	if capacity <= 0 {
		capacity = 10000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	c := &LRUCache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*lruEntry, capacity),
		head:     &lruEntry{},
		tail:     &lruEntry{},
	}
	c.head.next = c.tail
	c.tail.prev = c.head
	return c
}

// Get returns the stored timestamp and true if the key exists and has not
// expired. Found entries become most recently used.
func (c *LRUCache) Get(key string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.items[key]
	if !exists {
		return time.Time{}, false
	}
	if time.Now().After(entry.expiresAt) {
		c.removeEntry(entry)
		return time.Time{}, false
	}
	c.moveToFront(entry)
	return entry.value, true
}

// Contains reports whether key exists without updating access order.
func (c *LRUCache) Contains(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if entry, exists := c.items[key]; exists {
		return !time.Now().After(entry.expiresAt)
	}
	return false
}

// Add inserts or updates an entry, evicting the least recently used entry
// when at capacity.
func (c *LRUCache) Add(key string, value time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, exists := c.items[key]; exists {
		entry.value = value
		entry.expiresAt = time.Now().Add(c.ttl)
		c.moveToFront(entry)
		return
	}

	if len(c.items) >= c.capacity {
		c.removeEntry(c.tail.prev)
	}

	entry := &lruEntry{
		key:       key,
		value:     value,
		expiresAt: time.Now().Add(c.ttl),
	}
	c.items[key] = entry
	c.insertFront(entry)
}

// Remove deletes a key from the cache.
func (c *LRUCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, exists := c.items[key]; exists {
		c.removeEntry(entry)
	}
}

// Len returns the number of entries, including any not yet lazily expired.
func (c *LRUCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *LRUCache) insertFront(entry *lruEntry) {
	entry.prev = c.head
	entry.next = c.head.next
	c.head.next.prev = entry
	c.head.next = entry
}

func (c *LRUCache) moveToFront(entry *lruEntry) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
	c.insertFront(entry)
}

func (c *LRUCache) removeEntry(entry *lruEntry) {
	if entry == c.head || entry == c.tail {
		return
	}
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
	delete(c.items, entry.key)
}
