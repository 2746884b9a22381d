// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

package semantic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"github.com/tomtom215/auditforge/internal/config"
	"github.com/tomtom215/auditforge/internal/models"
	"github.com/tomtom215/auditforge/internal/pipeline"
)

func TestDescribe_Deterministic(t *testing.T) {
	ev := &models.AuditEvent{
		ID:            "ev-1",
		TenantID:      "tenant-a",
		EventType:     "permission_grant",
		ActorID:       "admin-1",
		EntityType:    "role",
		EntityID:      "role-7",
		Severity:      models.SeverityWarning,
		Timestamp:     time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		Category:      models.CategorySecurityChange,
		RiskLevel:     models.RiskHigh,
		ActionDetails: json.RawMessage(`{"role":"admin","scope":"global"}`),
	}

	first := Describe(ev)
	for i := 0; i < 10; i++ {
		if Describe(ev) != first {
			t.Fatal("description must be deterministic")
		}
	}

	for _, want := range []string{"permission_grant", "admin-1", "role role-7", "security_change", "risk high", "role=admin", "scope=global"} {
		if !strings.Contains(first, want) {
			t.Errorf("description missing %q: %s", want, first)
		}
	}
}

func TestDescribe_MalformedDetailsSkipped(t *testing.T) {
	ev := &models.AuditEvent{
		EventType:     "login_failed",
		ActorID:       "u",
		Severity:      models.SeverityError,
		Timestamp:     time.Now(),
		ActionDetails: json.RawMessage(`not json`),
	}
	if strings.Contains(Describe(ev), "details") {
		t.Error("malformed details must be omitted, not fail")
	}
}

func TestCosine(t *testing.T) {
	if got := Cosine([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Errorf("orthogonal vectors: got %f", got)
	}
	if got := Cosine([]float32{1, 2, 3}, []float32{1, 2, 3}); got < 0.9999 {
		t.Errorf("identical vectors: got %f", got)
	}
	if got := Cosine([]float32{1, 2}, []float32{1, 2, 3}); got != 0 {
		t.Errorf("mismatched lengths: got %f", got)
	}
	if got := Cosine([]float32{0, 0}, []float32{1, 2}); got != 0 {
		t.Errorf("zero vector: got %f", got)
	}
}

// --- fakes ---

type fakeEmbedder struct {
	mu       sync.Mutex
	calls    int
	failures int
	vectors  map[string][]float32
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return nil, fmt.Errorf("%w: embedding endpoint down", models.ErrExternalServiceUnavailable)
	}
	if vec, ok := f.vectors[text]; ok {
		return vec, nil
	}
	return []float32{1, 0, 0}, nil
}

type fakeVectors struct {
	mu      sync.Mutex
	stored  map[string][]float32
	matches []Match
}

func newFakeVectors() *fakeVectors {
	return &fakeVectors{stored: make(map[string][]float32)}
}

func (f *fakeVectors) Upsert(_ context.Context, eventID, _ string, vec []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored[eventID] = vec
	return nil
}

func (f *fakeVectors) SearchTenant(_ context.Context, _ string, _ []float32, k int) ([]Match, error) {
	if len(f.matches) > k {
		return f.matches[:k], nil
	}
	return f.matches, nil
}

func (f *fakeVectors) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.stored[id]
	return ok
}

type fakeLookup struct {
	events map[string]*models.AuditEvent
}

func (f *fakeLookup) GetByID(_ context.Context, _, eventID string) (*models.AuditEvent, error) {
	ev, ok := f.events[eventID]
	if !ok {
		return nil, fmt.Errorf("%w: event %s", models.ErrNotFound, eventID)
	}
	return ev, nil
}

type fakeSynth struct {
	answer   string
	err      error
	passages []string
}

func (f *fakeSynth) Synthesize(_ context.Context, _ string, passages []string) (string, error) {
	f.passages = passages
	return f.answer, f.err
}

type countingMetrics struct {
	retries     int
	deadLetters int
}

func (m *countingMetrics) IndexRetry()        { m.retries++ }
func (m *countingMetrics) IndexDeadLettered() { m.deadLetters++ }

func testEmbeddingConfig() config.EmbeddingConfig {
	return config.EmbeddingConfig{
		Dimensions:     3,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
	}
}

func openDeadLetter(t *testing.T) *pipeline.DeadLetterStore {
	t.Helper()
	dl, err := pipeline.OpenDeadLetterStore("")
	if err != nil {
		t.Fatalf("OpenDeadLetterStore failed: %v", err)
	}
	t.Cleanup(func() { dl.Close() })
	return dl
}

func TestIndexer_RetriesThenSucceeds(t *testing.T) {
	embedder := &fakeEmbedder{failures: 2}
	vectors := newFakeVectors()
	metrics := &countingMetrics{}
	ix := NewIndexer(testEmbeddingConfig(), nil, embedder, vectors, openDeadLetter(t), metrics)
	ix.sleep = func(context.Context, time.Duration) error { return nil }

	ev := &models.AuditEvent{ID: "ev-1", TenantID: "t", EventType: "x", ActorID: "u", Severity: models.SeverityInfo, Timestamp: time.Now()}
	if err := ix.IndexEvent(context.Background(), ev); err != nil {
		t.Fatalf("IndexEvent should recover from transient failures: %v", err)
	}
	if !vectors.has("ev-1") {
		t.Error("vector not stored after successful retry")
	}
	if metrics.retries != 2 {
		t.Errorf("expected 2 retries, got %d", metrics.retries)
	}
}

func TestIndexer_ExhaustedTaskDeadLettered(t *testing.T) {
	embedder := &fakeEmbedder{failures: 1000}
	vectors := newFakeVectors()
	dl := openDeadLetter(t)
	metrics := &countingMetrics{}
	ix := NewIndexer(testEmbeddingConfig(), nil, embedder, vectors, dl, metrics)
	ix.sleep = func(context.Context, time.Duration) error { return nil }

	ev := &models.AuditEvent{ID: "ev-1", TenantID: "tenant-a", EventType: "x", ActorID: "u", Severity: models.SeverityInfo, Timestamp: time.Now()}
	err := ix.IndexEvent(context.Background(), ev)
	if !errors.Is(err, models.ErrIndexingFailure) {
		t.Fatalf("expected ErrIndexingFailure, got %v", err)
	}

	// The message handler parks the exhausted task.
	payload, _ := json.Marshal(ev)
	ix.handle(context.Background(), message.NewMessage("ev-1", payload))

	entries, err := dl.List(context.Background(), pipeline.DeadLetterEmbedding, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 dead-lettered task, got %d", len(entries))
	}
	if entries[0].RefID != "ev-1" || entries[0].TenantID != "tenant-a" {
		t.Errorf("dead letter entry mismatch: %+v", entries[0])
	}
	if metrics.deadLetters != 1 {
		t.Errorf("expected 1 dead-letter observation, got %d", metrics.deadLetters)
	}
	if vectors.has("ev-1") {
		t.Error("failed task must not leave a vector behind")
	}
}

func TestIndexer_ServeConsumesBus(t *testing.T) {
	bus := pipeline.NewInProcessBus()
	defer bus.Close()

	embedder := &fakeEmbedder{}
	vectors := newFakeVectors()
	ix := NewIndexer(testEmbeddingConfig(), bus, embedder, vectors, openDeadLetter(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- ix.Serve(ctx) }()

	// Give the subscriber a moment to attach before publishing.
	time.Sleep(50 * time.Millisecond)

	ev := &models.AuditEvent{ID: "ev-1", TenantID: "t", EventType: "x", ActorID: "u", Severity: models.SeverityInfo, Timestamp: time.Now()}
	if err := bus.PublishEvent(ctx, pipeline.TopicEventsPersisted, ev); err != nil {
		t.Fatalf("PublishEvent failed: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for !vectors.has("ev-1") {
		select {
		case <-deadline:
			t.Fatal("event never indexed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Serve should return the cancellation cause, got %v", err)
	}
}

func searchEvent(id, eventType string, sev models.Severity) *models.AuditEvent {
	return &models.AuditEvent{
		ID: id, TenantID: "tenant-a", EventType: eventType, ActorID: "u",
		Severity: sev, Timestamp: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
}

func TestQueryEngine_RanksAndFilters(t *testing.T) {
	vectors := newFakeVectors()
	vectors.matches = []Match{
		{EventID: "ev-1", Score: 0.9},
		{EventID: "ev-2", Score: 0.8},
		{EventID: "ev-3", Score: 0.7},
	}
	lookup := &fakeLookup{events: map[string]*models.AuditEvent{
		"ev-1": searchEvent("ev-1", "login_failed", models.SeverityError),
		"ev-2": searchEvent("ev-2", "config_change", models.SeverityInfo),
		"ev-3": searchEvent("ev-3", "login_failed", models.SeverityError),
	}}
	synth := &fakeSynth{answer: "two failed logins"}

	engine := NewQueryEngine(config.SearchConfig{TopK: 10, MaxTopK: 50}, &fakeEmbedder{}, synth, vectors, lookup)
	result, err := engine.Search(context.Background(), "tenant-a", "failed logins",
		SearchFilters{EventTypes: []string{"login_failed"}}, 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	if len(result.Hits) != 2 {
		t.Fatalf("expected 2 filtered hits, got %d", len(result.Hits))
	}
	if result.Hits[0].Event.ID != "ev-1" || result.Hits[1].Event.ID != "ev-3" {
		t.Errorf("hits out of rank order: %v, %v", result.Hits[0].Event.ID, result.Hits[1].Event.ID)
	}
	if result.Answer != "two failed logins" {
		t.Errorf("unexpected answer %q", result.Answer)
	}
	if len(synth.passages) != 2 {
		t.Errorf("synthesis must be grounded in the filtered hits, got %d passages", len(synth.passages))
	}
}

func TestQueryEngine_NoMatchesEmptyResult(t *testing.T) {
	synth := &fakeSynth{answer: "should not be called"}
	engine := NewQueryEngine(config.SearchConfig{}, &fakeEmbedder{}, synth, newFakeVectors(), &fakeLookup{})

	result, err := engine.Search(context.Background(), "tenant-a", "anything at all", SearchFilters{}, 5)
	if err != nil {
		t.Fatalf("zero matches must not be an error: %v", err)
	}
	if len(result.Hits) != 0 || result.Answer != "" {
		t.Errorf("expected empty result, got %+v", result)
	}
	if synth.passages != nil {
		t.Error("synthesis must be skipped with no matches")
	}
}

func TestQueryEngine_SynthesisUnavailableDegrades(t *testing.T) {
	vectors := newFakeVectors()
	vectors.matches = []Match{{EventID: "ev-1", Score: 0.9}}
	lookup := &fakeLookup{events: map[string]*models.AuditEvent{
		"ev-1": searchEvent("ev-1", "login_failed", models.SeverityError),
	}}
	synth := &fakeSynth{err: models.ErrExternalServiceUnavailable}

	engine := NewQueryEngine(config.SearchConfig{}, &fakeEmbedder{}, synth, vectors, lookup)
	result, err := engine.Search(context.Background(), "tenant-a", "failed logins", SearchFilters{}, 5)
	if err != nil {
		t.Fatalf("synthesis outage must degrade, not fail: %v", err)
	}
	if len(result.Hits) != 1 {
		t.Fatalf("ranked matches must survive synthesis outage, got %d", len(result.Hits))
	}
	if result.Answer != "" {
		t.Errorf("answer must be empty on synthesis outage, got %q", result.Answer)
	}
}

func TestQueryEngine_EmptyQueryRejected(t *testing.T) {
	engine := NewQueryEngine(config.SearchConfig{}, &fakeEmbedder{}, nil, newFakeVectors(), &fakeLookup{})
	if _, err := engine.Search(context.Background(), "tenant-a", "   ", SearchFilters{}, 5); !errors.Is(err, models.ErrValidation) {
		t.Errorf("blank query must fail validation, got %v", err)
	}
}

func TestHTTPEmbeddingClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Input == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	client := NewHTTPEmbeddingClient(config.EmbeddingConfig{
		Endpoint:   srv.URL,
		Dimensions: 3,
		Timeout:    time.Second,
	})
	vec, err := client.Embed(context.Background(), "some event")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(vec) != 3 {
		t.Errorf("expected 3 dimensions, got %d", len(vec))
	}

	strict := NewHTTPEmbeddingClient(config.EmbeddingConfig{
		Endpoint:   srv.URL,
		Dimensions: 8,
		Timeout:    time.Second,
	})
	if _, err := strict.Embed(context.Background(), "some event"); !errors.Is(err, models.ErrExternalServiceUnavailable) {
		t.Errorf("dimension mismatch must wrap ErrExternalServiceUnavailable, got %v", err)
	}
}

func TestHTTPSynthesisClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewHTTPSynthesisClient(config.SearchConfig{SynthesisEndpoint: srv.URL, SynthesisTimeout: time.Second})
	if _, err := client.Synthesize(context.Background(), "q", []string{"p"}); !errors.Is(err, models.ErrExternalServiceUnavailable) {
		t.Errorf("upstream error must wrap ErrExternalServiceUnavailable, got %v", err)
	}
}
