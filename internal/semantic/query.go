// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

package semantic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tomtom215/auditforge/internal/config"
	"github.com/tomtom215/auditforge/internal/logging"
	"github.com/tomtom215/auditforge/internal/models"
)

// EventLookup resolves ranked event IDs back to full events.
type EventLookup interface {
	GetByID(ctx context.Context, tenantID, eventID string) (*models.AuditEvent, error)
}

// VectorSearcher ranks a tenant's indexed events against a query
// vector. Satisfied by VectorStore.
type VectorSearcher interface {
	SearchTenant(ctx context.Context, tenantID string, query []float32, k int) ([]Match, error)
}

// SearchFilters narrows semantic matches by structured fields.
type SearchFilters struct {
	EventTypes []string          `json:"event_types,omitempty"`
	Severities []models.Severity `json:"severities,omitempty"`
	Categories []models.Category `json:"categories,omitempty"`
	StartTime  *time.Time        `json:"start_time,omitempty"`
	EndTime    *time.Time        `json:"end_time,omitempty"`
}

// SearchHit pairs a matched event with its similarity score.
type SearchHit struct {
	Event *models.AuditEvent `json:"event"`
	Score float64            `json:"score"`
}

// SearchResult is the outcome of one semantic query. Answer is empty
// when synthesis is unavailable; Hits are still ranked.
type SearchResult struct {
	Answer string      `json:"answer,omitempty"`
	Hits   []SearchHit `json:"hits"`
}

// QueryEngine answers natural-language questions over a tenant's
// audit log.
type QueryEngine struct {
	cfg     config.SearchConfig
	embed   EmbeddingClient
	synth   SynthesisClient
	vectors VectorSearcher
	events  EventLookup
}

// NewQueryEngine wires a query engine. synth may be nil; searches then
// return ranked hits with no synthesized answer.
func NewQueryEngine(cfg config.SearchConfig, embed EmbeddingClient, synth SynthesisClient, vectors VectorSearcher, events EventLookup) *QueryEngine {
	return &QueryEngine{
		cfg:     cfg,
		embed:   embed,
		synth:   synth,
		vectors: vectors,
		events:  events,
	}
}

// Search embeds the query, ranks the tenant's events by similarity,
// applies structured filters and synthesizes a grounded answer. Zero
// matches yield an empty result, not an error.
func (q *QueryEngine) Search(ctx context.Context, tenantID, query string, filters SearchFilters, k int) (SearchResult, error) {
	var result SearchResult
	if strings.TrimSpace(query) == "" {
		return result, fmt.Errorf("%w: query must not be empty", models.ErrValidation)
	}
	k = q.clampK(k)

	queryVec, err := q.embed.Embed(ctx, query)
	if err != nil {
		return result, fmt.Errorf("embed query: %w", err)
	}

	// Over-fetch so structured filters do not starve the result set.
	matches, err := q.vectors.SearchTenant(ctx, tenantID, queryVec, k*4)
	if err != nil {
		return result, err
	}

	for _, match := range matches {
		if len(result.Hits) == k {
			break
		}
		ev, err := q.events.GetByID(ctx, tenantID, match.EventID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				// Vector outlived its event (purged): skip.
				continue
			}
			return SearchResult{}, fmt.Errorf("load matched event %s: %w", match.EventID, err)
		}
		if !filters.matches(ev) {
			continue
		}
		result.Hits = append(result.Hits, SearchHit{Event: ev, Score: match.Score})
	}

	if len(result.Hits) == 0 {
		return result, nil
	}

	if q.synth != nil {
		passages := make([]string, len(result.Hits))
		for i, hit := range result.Hits {
			passages[i] = Describe(hit.Event)
		}
		answer, err := q.synth.Synthesize(ctx, query, passages)
		if err != nil {
			// Degrade to ranked matches without an answer.
			logging.Err(err).Str("tenant", tenantID).Msg("Answer synthesis unavailable, returning matches only")
		} else {
			result.Answer = answer
		}
	}
	return result, nil
}

func (q *QueryEngine) clampK(k int) int {
	if k <= 0 {
		k = q.cfg.TopK
	}
	if k <= 0 {
		k = 10
	}
	if q.cfg.MaxTopK > 0 && k > q.cfg.MaxTopK {
		k = q.cfg.MaxTopK
	}
	return k
}

func (f SearchFilters) matches(ev *models.AuditEvent) bool {
	if len(f.EventTypes) > 0 && !containsString(f.EventTypes, ev.EventType) {
		return false
	}
	if len(f.Severities) > 0 && !containsSeverity(f.Severities, ev.Severity) {
		return false
	}
	if len(f.Categories) > 0 && !containsCategory(f.Categories, ev.Category) {
		return false
	}
	if f.StartTime != nil && ev.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && ev.Timestamp.After(*f.EndTime) {
		return false
	}
	return true
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsSeverity(list []models.Severity, v models.Severity) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsCategory(list []models.Category, v models.Category) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
