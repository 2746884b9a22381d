// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

// Package pipeline carries persisted audit events to the asynchronous
// consumers (semantic indexing, alert dispatch) over Watermill. The
// transport is either an in-process channel or NATS JetStream,
// selected by configuration; consumers are transport-agnostic.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/auditforge/internal/logging"
	"github.com/tomtom215/auditforge/internal/models"
)

// Topics. Subjects are dot-separated for NATS compatibility.
const (
	// TopicEventsPersisted carries events that have been durably
	// appended to a tenant chain.
	TopicEventsPersisted = "audit.events.persisted"

	// TopicAnomaliesFlagged carries freshly recorded anomalies.
	TopicAnomaliesFlagged = "audit.anomalies.flagged"
)

// Metadata keys set on published messages.
const (
	MetaTenantID  = "tenant_id"
	MetaEventType = "event_type"
	MetaSeverity  = "severity"
)

// Bus is a publisher/subscriber pair over one transport. Publishing is
// circuit-breaker protected: when the transport is down the ingest path
// keeps accepting events and the breaker sheds publish attempts instead
// of blocking writers.
type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	breaker    *gobreaker.CircuitBreaker[any]

	mu     sync.Mutex
	closed bool
}

// NewInProcessBus builds a Bus over an in-process Go channel transport.
// Messages do not survive a restart; the dead-letter store covers
// consumer-side failures.
func NewInProcessBus() *Bus {
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 256,
	}, NewLoggerAdapter())
	return newBus(ch, ch)
}

func newBus(pub message.Publisher, sub message.Subscriber) *Bus {
	settings := gobreaker.Settings{
		Name: "pipeline-publish",
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Pipeline publish breaker state changed")
		},
	}
	return &Bus{
		publisher:  pub,
		subscriber: sub,
		breaker:    gobreaker.NewCircuitBreaker[any](settings),
	}
}

// PublishEvent publishes a persisted audit event. The event ID doubles
// as the message UUID so JetStream deduplication is free.
func (b *Bus) PublishEvent(ctx context.Context, topic string, ev *models.AuditEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}

	msg := message.NewMessage(ev.ID, data)
	msg.Metadata.Set(MetaTenantID, ev.TenantID)
	msg.Metadata.Set(MetaEventType, ev.EventType)
	msg.Metadata.Set(MetaSeverity, string(ev.Severity))
	msg.SetContext(ctx)

	return b.publish(topic, msg)
}

// PublishAnomaly publishes a flagged anomaly record.
func (b *Bus) PublishAnomaly(ctx context.Context, rec *models.AnomalyRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal anomaly %s: %w", rec.ID, err)
	}

	msg := message.NewMessage(rec.ID, data)
	msg.Metadata.Set(MetaTenantID, rec.TenantID)
	msg.SetContext(ctx)

	return b.publish(TopicAnomaliesFlagged, msg)
}

func (b *Bus) publish(topic string, msg *message.Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("pipeline bus is closed")
	}
	b.mu.Unlock()

	_, err := b.breaker.Execute(func() (any, error) {
		return nil, b.publisher.Publish(topic, msg)
	})
	return err
}

// Subscribe returns the message channel for a topic. The channel closes
// when ctx is canceled or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.subscriber.Subscribe(ctx, topic)
}

// Close shuts down both sides of the transport.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	errPub := b.publisher.Close()
	var errSub error
	// gochannel is one object serving both roles: avoid closing twice.
	if b.subscriber != nil && !sameCloser(b.publisher, b.subscriber) {
		errSub = b.subscriber.Close()
	}
	if errPub != nil {
		return errPub
	}
	return errSub
}

func sameCloser(pub message.Publisher, sub message.Subscriber) bool {
	p, ok := any(pub).(message.Subscriber)
	return ok && p == sub
}

// DecodeEvent unmarshals a pipeline message back into an audit event.
func DecodeEvent(msg *message.Message) (*models.AuditEvent, error) {
	var ev models.AuditEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return nil, fmt.Errorf("decode event message %s: %w", msg.UUID, err)
	}
	return &ev, nil
}
