// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/tomtom215/auditforge/internal/models"
)

func TestInProcessBus_PublishSubscribe(t *testing.T) {
	bus := NewInProcessBus()
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs, err := bus.Subscribe(ctx, TopicEventsPersisted)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ev := &models.AuditEvent{
		ID:        "ev-1",
		TenantID:  "tenant-a",
		EventType: "login_failed",
		ActorID:   "user-1",
		Severity:  models.SeverityError,
		Timestamp: time.Now().UTC(),
	}
	if err := bus.PublishEvent(ctx, TopicEventsPersisted, ev); err != nil {
		t.Fatalf("PublishEvent failed: %v", err)
	}

	select {
	case msg := <-msgs:
		if msg.UUID != "ev-1" {
			t.Errorf("message UUID should be the event ID, got %s", msg.UUID)
		}
		if msg.Metadata.Get(MetaTenantID) != "tenant-a" {
			t.Errorf("missing tenant metadata: %v", msg.Metadata)
		}
		got, err := DecodeEvent(msg)
		if err != nil {
			t.Fatalf("DecodeEvent failed: %v", err)
		}
		if got.EventType != "login_failed" || got.TenantID != "tenant-a" {
			t.Errorf("decoded event mismatch: %+v", got)
		}
		msg.Ack()
	case <-ctx.Done():
		t.Fatal("timed out waiting for published message")
	}
}

func TestBus_PublishAfterCloseFails(t *testing.T) {
	bus := NewInProcessBus()
	if err := bus.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	ev := &models.AuditEvent{ID: "ev-1", TenantID: "t", Timestamp: time.Now()}
	if err := bus.PublishEvent(context.Background(), TopicEventsPersisted, ev); err == nil {
		t.Error("publish on a closed bus must fail")
	}
}

func TestDeadLetterStore_PutListDelete(t *testing.T) {
	dl, err := OpenDeadLetterStore("")
	if err != nil {
		t.Fatalf("OpenDeadLetterStore failed: %v", err)
	}
	defer dl.Close()

	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	for i, kind := range []string{DeadLetterEmbedding, DeadLetterEmbedding, DeadLetterAlert} {
		err := dl.Put(ctx, DeadLetterEntry{
			Kind:     kind,
			TenantID: "tenant-a",
			RefID:    "ev-" + string(rune('a'+i)),
			Reason:   "endpoint unreachable",
			Attempts: 5,
			FailedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	embeddings, err := dl.List(ctx, DeadLetterEmbedding, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(embeddings) != 2 {
		t.Fatalf("expected 2 embedding entries, got %d", len(embeddings))
	}
	if embeddings[0].FailedAt.After(embeddings[1].FailedAt) {
		t.Error("entries must be listed oldest first")
	}
	if embeddings[0].Kind != DeadLetterEmbedding || embeddings[0].Reason != "endpoint unreachable" {
		t.Errorf("entry round-trip mismatch: %+v", embeddings[0])
	}

	all, err := dl.List(ctx, "", 10)
	if err != nil {
		t.Fatalf("List all failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 entries total, got %d", len(all))
	}

	if err := dl.Delete(ctx, embeddings[0].Key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	n, err := dl.Count(ctx, DeadLetterEmbedding)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 embedding entry after delete, got %d", n)
	}

	// Deleting a missing key is a no-op.
	if err := dl.Delete(ctx, "embedding:0:nope"); err != nil {
		t.Errorf("delete of missing key should succeed: %v", err)
	}
}

func TestDeadLetterStore_RequiresKind(t *testing.T) {
	dl, err := OpenDeadLetterStore("")
	if err != nil {
		t.Fatalf("OpenDeadLetterStore failed: %v", err)
	}
	defer dl.Close()

	if err := dl.Put(context.Background(), DeadLetterEntry{RefID: "x"}); err == nil {
		t.Error("entry without a kind must be rejected")
	}
}
