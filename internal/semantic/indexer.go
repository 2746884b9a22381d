// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

package semantic

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/tomtom215/auditforge/internal/config"
	"github.com/tomtom215/auditforge/internal/logging"
	"github.com/tomtom215/auditforge/internal/models"
	"github.com/tomtom215/auditforge/internal/pipeline"
)

// EventSubscriber is the slice of the pipeline bus the indexer needs.
type EventSubscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error)
}

// VectorWriter stores embeddings. Satisfied by VectorStore.
type VectorWriter interface {
	Upsert(ctx context.Context, eventID, tenantID string, vec []float32) error
}

// IndexerMetrics receives retry counts. Nil-safe via NopIndexerMetrics.
type IndexerMetrics interface {
	IndexRetry()
	IndexDeadLettered()
}

// NopIndexerMetrics discards all observations.
type NopIndexerMetrics struct{}

func (NopIndexerMetrics) IndexRetry()        {}
func (NopIndexerMetrics) IndexDeadLettered() {}

// Indexer consumes persisted events and stores their embeddings.
// Indexing is best-effort relative to ingestion: an exhausted event is
// dead-lettered as a known search gap and never blocks the stream.
type Indexer struct {
	cfg        config.EmbeddingConfig
	subscriber EventSubscriber
	client     EmbeddingClient
	vectors    VectorWriter
	deadLetter *pipeline.DeadLetterStore
	metrics    IndexerMetrics

	sleep func(ctx context.Context, d time.Duration) error
}

// NewIndexer wires an embedding indexer. metrics may be nil.
func NewIndexer(cfg config.EmbeddingConfig, subscriber EventSubscriber, client EmbeddingClient, vectors VectorWriter, deadLetter *pipeline.DeadLetterStore, metrics IndexerMetrics) *Indexer {
	if metrics == nil {
		metrics = NopIndexerMetrics{}
	}
	return &Indexer{
		cfg:        cfg,
		subscriber: subscriber,
		client:     client,
		vectors:    vectors,
		deadLetter: deadLetter,
		metrics:    metrics,
		sleep:      sleepCtx,
	}
}

// Serve consumes the persisted-events topic until ctx is canceled.
// Implements suture.Service.
func (ix *Indexer) Serve(ctx context.Context) error {
	msgs, err := ix.subscriber.Subscribe(ctx, pipeline.TopicEventsPersisted)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", pipeline.TopicEventsPersisted, err)
	}
	logging.Info().Str("topic", pipeline.TopicEventsPersisted).Msg("Embedding indexer started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("persisted-events subscription closed")
			}
			ix.handle(ctx, msg)
			// Handled means embedded or dead-lettered. Either way the
			// message is done; redelivery would not help.
			msg.Ack()
		}
	}
}

func (ix *Indexer) handle(ctx context.Context, msg *message.Message) {
	ev, err := pipeline.DecodeEvent(msg)
	if err != nil {
		logging.Err(err).Str("message", msg.UUID).Msg("Dropping undecodable event message")
		return
	}
	if err := ix.IndexEvent(ctx, ev); err != nil {
		ix.metrics.IndexDeadLettered()
		dlErr := ix.deadLetter.Put(ctx, pipeline.DeadLetterEntry{
			Kind:     pipeline.DeadLetterEmbedding,
			TenantID: ev.TenantID,
			RefID:    ev.ID,
			Reason:   err.Error(),
			Attempts: ix.maxAttempts(),
			Payload:  msg.Payload,
		})
		if dlErr != nil {
			logging.Err(dlErr).Str("event", ev.ID).Msg("Failed to dead-letter index task")
		}
	}
}

// IndexEvent embeds and stores one event, retrying transient failures
// with exponential backoff. Also used to replay dead-lettered tasks.
func (ix *Indexer) IndexEvent(ctx context.Context, ev *models.AuditEvent) error {
	text := Describe(ev)
	backoff := ix.cfg.InitialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= ix.maxAttempts(); attempt++ {
		if attempt > 1 {
			ix.metrics.IndexRetry()
			if err := ix.sleep(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
			if ix.cfg.MaxBackoff > 0 && backoff > ix.cfg.MaxBackoff {
				backoff = ix.cfg.MaxBackoff
			}
		}

		vec, err := ix.client.Embed(ctx, text)
		if err != nil {
			lastErr = err
			continue
		}
		if err := ix.vectors.Upsert(ctx, ev.ID, ev.TenantID, vec); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: event %s after %d attempts: %v",
		models.ErrIndexingFailure, ev.ID, ix.maxAttempts(), lastErr)
}

func (ix *Indexer) maxAttempts() int {
	if ix.cfg.MaxAttempts > 0 {
		return ix.cfg.MaxAttempts
	}
	return 5
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
