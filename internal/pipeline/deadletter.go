// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/auditforge/internal/logging"
)

// Dead-letter kinds. Each consumer that exhausts its retries parks the
// work item under its own kind so operators can inspect and replay
// per concern.
const (
	DeadLetterEmbedding = "embedding"
	DeadLetterAlert     = "alert"
)

// DeadLetterEntry is one parked work item.
type DeadLetterEntry struct {
	Key      string    `json:"key"`
	Kind     string    `json:"kind"`
	TenantID string    `json:"tenant_id"`
	RefID    string    `json:"ref_id"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	Payload  []byte    `json:"payload,omitempty"`
	FailedAt time.Time `json:"failed_at"`
}

// DeadLetterStore persists exhausted work items in BadgerDB. Entries
// survive restarts so permanently failing items are never silently
// dropped.
type DeadLetterStore struct {
	db *badger.DB
}

// OpenDeadLetterStore opens (or creates) the store at path. An empty
// path opens an in-memory store, used by tests and by deployments that
// accept losing the dead-letter queue on restart.
func OpenDeadLetterStore(path string) (*DeadLetterStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open dead letter store: %w", err)
	}
	return &DeadLetterStore{db: db}, nil
}

// Put parks a failed work item. The key embeds the failure time so
// listing returns entries in failure order.
func (s *DeadLetterStore) Put(ctx context.Context, entry DeadLetterEntry) error {
	if entry.Kind == "" {
		return fmt.Errorf("dead letter entry requires a kind")
	}
	if entry.FailedAt.IsZero() {
		entry.FailedAt = time.Now().UTC()
	}
	entry.Key = fmt.Sprintf("%s:%d:%s", entry.Kind, entry.FailedAt.UnixNano(), entry.RefID)

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead letter entry: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(entry.Key), data)
	})
	if err != nil {
		return fmt.Errorf("store dead letter entry: %w", err)
	}

	logging.Warn().
		Str("kind", entry.Kind).
		Str("ref_id", entry.RefID).
		Str("tenant", entry.TenantID).
		Int("attempts", entry.Attempts).
		Str("reason", entry.Reason).
		Msg("Work item dead-lettered")
	return nil
}

// List returns up to limit entries of one kind, oldest first. An empty
// kind lists everything.
func (s *DeadLetterStore) List(ctx context.Context, kind string, limit int) ([]DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []DeadLetterEntry

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(nil)
		if kind != "" {
			prefix = []byte(kind + ":")
		}
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(entries) < limit; it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var entry DeadLetterEntry
				if err := json.Unmarshal(val, &entry); err != nil {
					return err
				}
				entries = append(entries, entry)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list dead letter entries: %w", err)
	}
	return entries, nil
}

// Delete removes one entry by key, typically after a manual replay.
func (s *DeadLetterStore) Delete(ctx context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete dead letter entry: %w", err)
	}
	return nil
}

// Count returns the number of entries of one kind.
func (s *DeadLetterStore) Count(ctx context.Context, kind string) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(nil)
		if kind != "" {
			prefix = []byte(kind + ":")
		}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count dead letter entries: %w", err)
	}
	return n, nil
}

func (s *DeadLetterStore) Close() error {
	return s.db.Close()
}
