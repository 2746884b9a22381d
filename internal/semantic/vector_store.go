// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

package semantic

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

// Match is one ranked search hit.
type Match struct {
	EventID string  `json:"event_id"`
	Score   float64 `json:"score"`
}

// VectorStore persists event embeddings in DuckDB and ranks them by
// cosine similarity in-process. Vector volumes are bounded by the
// retention window, so a tenant scan is acceptable; similarity search
// stays inside the database file with no extra infrastructure.
type VectorStore struct {
	mu sync.Mutex
	db *sql.DB
}

// NewVectorStore wraps the shared DuckDB handle.
func NewVectorStore(db *sql.DB) *VectorStore {
	return &VectorStore{db: db}
}

// CreateTables creates the event_vectors table.
func (s *VectorStore) CreateTables(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS event_vectors (
			event_id VARCHAR PRIMARY KEY,
			tenant_id VARCHAR NOT NULL,
			vector FLOAT[] NOT NULL,
			indexed_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_event_vectors_tenant ON event_vectors(tenant_id)
	`)
	if err != nil {
		return fmt.Errorf("create event_vectors table: %w", err)
	}
	return nil
}

// Upsert stores the embedding for an event. Re-indexing an event
// replaces its vector.
func (s *VectorStore) Upsert(ctx context.Context, eventID, tenantID string, vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("vector for event %s is empty", eventID)
	}
	literal, err := vectorLiteral(vec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO event_vectors (event_id, tenant_id, vector, indexed_at)
		VALUES (?, ?, CAST(? AS FLOAT[]), now())
		ON CONFLICT (event_id) DO UPDATE SET
			vector = excluded.vector,
			indexed_at = excluded.indexed_at
	`, eventID, tenantID, literal)
	if err != nil {
		return fmt.Errorf("upsert vector for event %s: %w", eventID, err)
	}
	return nil
}

// Has reports whether an event is indexed.
func (s *VectorStore) Has(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM event_vectors WHERE event_id = ?`, eventID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check vector for event %s: %w", eventID, err)
	}
	return n > 0, nil
}

// SearchTenant returns the top-k events for a tenant ranked by cosine
// similarity to the query vector.
func (s *VectorStore) SearchTenant(ctx context.Context, tenantID string, query []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, CAST(vector AS VARCHAR)
		FROM event_vectors
		WHERE tenant_id = ?
	`, tenantID)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("scan tenant vectors: %w", err)
	}

	var matches []Match
	for rows.Next() {
		var eventID, raw string
		if err := rows.Scan(&eventID, &raw); err != nil {
			rows.Close()
			s.mu.Unlock()
			return nil, fmt.Errorf("scan vector row: %w", err)
		}
		vec, err := parseVector(raw)
		if err != nil {
			rows.Close()
			s.mu.Unlock()
			return nil, err
		}
		matches = append(matches, Match{EventID: eventID, Score: Cosine(query, vec)})
	}
	err = rows.Err()
	rows.Close()
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("iterate tenant vectors: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].EventID < matches[j].EventID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// DeleteByEventIDs removes vectors for purged events.
func (s *VectorStore) DeleteByEventIDs(ctx context.Context, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(eventIDs)), ",")
	args := make([]interface{}, len(eventIDs))
	for i, id := range eventIDs {
		args[i] = id
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM event_vectors WHERE event_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("delete vectors: %w", err)
	}
	return nil
}

// Cosine computes cosine similarity. Mismatched lengths or zero
// vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// vectorLiteral renders a DuckDB array literal. JSON array syntax is
// castable to FLOAT[].
func vectorLiteral(vec []float32) (string, error) {
	data, err := json.Marshal(vec)
	if err != nil {
		return "", fmt.Errorf("encode vector: %w", err)
	}
	return string(data), nil
}

func parseVector(raw string) ([]float32, error) {
	var vec []float32
	if err := json.Unmarshal([]byte(raw), &vec); err != nil {
		return nil, fmt.Errorf("decode stored vector: %w", err)
	}
	return vec, nil
}
