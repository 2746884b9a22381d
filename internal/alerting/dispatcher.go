// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

package alerting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/tomtom215/auditforge/internal/cache"
	"github.com/tomtom215/auditforge/internal/config"
	"github.com/tomtom215/auditforge/internal/hashchain"
	"github.com/tomtom215/auditforge/internal/logging"
	"github.com/tomtom215/auditforge/internal/models"
	"github.com/tomtom215/auditforge/internal/pipeline"
	"github.com/tomtom215/auditforge/internal/semantic"
)

// IntegrationSource is the slice of the integration store the
// dispatcher needs.
type IntegrationSource interface {
	ActiveForTenant(ctx context.Context, tenantID string) ([]models.IntegrationConfig, error)
	GetByID(ctx context.Context, tenantID, id string) (*models.IntegrationConfig, error)
	RecordDelivery(ctx context.Context, id string, ok bool, errMsg string, at time.Time) error
}

// EventSubscriber is the slice of the pipeline bus the dispatcher
// consumes from.
type EventSubscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error)
}

// DispatcherMetrics observes delivery outcomes. Nil-safe via
// NopDispatcherMetrics.
type DispatcherMetrics interface {
	AlertDelivery(channel string, ok bool)
}

// NopDispatcherMetrics discards all observations.
type NopDispatcherMetrics struct{}

func (NopDispatcherMetrics) AlertDelivery(string, bool) {}

const (
	cooldownCacheSize      = 4096
	defaultCooldownWindow  = 15 * time.Minute
	defaultDeliveryRate    = 5
	defaultMaxAttempts     = 3
	defaultInitialBackoff  = time.Second
	testDeliveryNotePrefix = "auditforge test delivery"
)

// Dispatcher fans alerts out to a tenant's active integrations. One
// integration's failure never blocks another: each delivery retries
// independently and exhausted deliveries are dead-lettered.
//
// Dispatcher implements anomaly.Notifier and hashchain.IntegrityAlerter.
type Dispatcher struct {
	cfg          config.AlertingConfig
	integrations IntegrationSource
	channels     map[models.ChannelType]Channel
	cooldown     *cache.LRUCache
	limiter      *rate.Limiter
	deadLetter   *pipeline.DeadLetterStore
	subscriber   EventSubscriber
	metrics      DispatcherMetrics

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher wires a dispatcher with the standard channel set.
// subscriber and metrics may be nil; without a subscriber only direct
// notification calls are served.
func NewDispatcher(cfg config.AlertingConfig, integrations IntegrationSource, deadLetter *pipeline.DeadLetterStore, subscriber EventSubscriber, metrics DispatcherMetrics) *Dispatcher {
	if metrics == nil {
		metrics = NopDispatcherMetrics{}
	}
	cooldownWindow := cfg.CooldownWindow
	if cooldownWindow <= 0 {
		cooldownWindow = defaultCooldownWindow
	}
	perSecond := cfg.DeliveryRatePerSecond
	if perSecond <= 0 {
		perSecond = defaultDeliveryRate
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}

	channels := map[models.ChannelType]Channel{
		models.ChannelWebhook: NewWebhookChannel(cfg.DeliveryTimeout),
		models.ChannelSlack:   NewSlackChannel(cfg.DeliveryTimeout),
		models.ChannelEmail:   NewEmailChannel(cfg.DeliveryTimeout),
	}

	return &Dispatcher{
		cfg:          cfg,
		integrations: integrations,
		channels:     channels,
		cooldown:     cache.NewLRUCache(cooldownCacheSize, cooldownWindow),
		limiter:      rate.NewLimiter(rate.Limit(perSecond), burst),
		deadLetter:   deadLetter,
		subscriber:   subscriber,
		metrics:      metrics,
		now:          time.Now,
		sleep:        sleepCtx,
	}
}

// SetChannel replaces a channel implementation, used by tests and by
// deployments with custom transports.
func (d *Dispatcher) SetChannel(ch Channel) {
	d.channels[ch.Type()] = ch
}

// AnomalyFlagged implements anomaly.Notifier. Dispatch runs in the
// background so the sweep is never blocked on delivery.
func (d *Dispatcher) AnomalyFlagged(ctx context.Context, rec *models.AnomalyRecord, ev *models.AuditEvent) {
	alert := NewAnomalyAlert(rec, ev)
	go func() {
		// Detach from the sweep's deadline; keep a bound of our own.
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		d.Dispatch(dctx, alert)
	}()
}

// IntegrityViolation implements hashchain.IntegrityAlerter.
func (d *Dispatcher) IntegrityViolation(ctx context.Context, tenantID string, result hashchain.VerifyResult) {
	d.Dispatch(ctx, NewIntegrityAlert(tenantID, result))
}

// Serve consumes persisted events and flagged anomalies from the bus
// until ctx is canceled. Implements suture.Service.
func (d *Dispatcher) Serve(ctx context.Context) error {
	if d.subscriber == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	events, err := d.subscriber.Subscribe(ctx, pipeline.TopicEventsPersisted)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", pipeline.TopicEventsPersisted, err)
	}
	anomalies, err := d.subscriber.Subscribe(ctx, pipeline.TopicAnomaliesFlagged)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", pipeline.TopicAnomaliesFlagged, err)
	}
	logging.Info().Msg("Alert dispatcher started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-events:
			if !ok {
				return fmt.Errorf("persisted-events subscription closed")
			}
			d.handleEventMessage(ctx, msg)
			msg.Ack()
		case msg, ok := <-anomalies:
			if !ok {
				return fmt.Errorf("anomalies subscription closed")
			}
			d.handleAnomalyMessage(ctx, msg)
			msg.Ack()
		}
	}
}

func (d *Dispatcher) handleEventMessage(ctx context.Context, msg *message.Message) {
	ev, err := pipeline.DecodeEvent(msg)
	if err != nil {
		logging.Err(err).Str("message", msg.UUID).Msg("Dropping undecodable event message")
		return
	}
	minSeverity := models.Severity(d.cfg.MinEventSeverity)
	if minSeverity == "" {
		minSeverity = models.SeverityError
	}
	if !ev.Severity.AtLeast(minSeverity) {
		return
	}
	d.Dispatch(ctx, NewEventAlert(ev))
}

func (d *Dispatcher) handleAnomalyMessage(ctx context.Context, msg *message.Message) {
	var rec models.AnomalyRecord
	if err := json.Unmarshal(msg.Payload, &rec); err != nil {
		logging.Err(err).Str("message", msg.UUID).Msg("Dropping undecodable anomaly message")
		return
	}
	d.Dispatch(ctx, NewAnomalyAlert(&rec, nil))
}

// Dispatch delivers one alert to every matching active integration of
// its tenant.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *Alert) {
	integrations, err := d.integrations.ActiveForTenant(ctx, alert.TenantID)
	if err != nil {
		logging.Err(err).Str("tenant", alert.TenantID).Msg("Failed to load integrations for alert")
		return
	}

	for i := range integrations {
		integration := &integrations[i]
		if !alert.Severity.AtLeast(integration.MinSeverity) {
			continue
		}
		key := cooldownKey(alert, integration)
		if alert.Kind != "test" && d.cooldown.Contains(key) {
			logging.Debug().
				Str("integration", integration.ID).
				Str("kind", alert.Kind).
				Msg("Alert suppressed by cooldown")
			continue
		}

		if err := d.deliverWithRetry(ctx, integration, alert); err != nil {
			d.recordOutcome(ctx, integration, false, err)
			d.parkAlert(ctx, integration, alert, err)
			continue
		}
		d.recordOutcome(ctx, integration, true, nil)
		if alert.Kind != "test" {
			d.cooldown.Add(key, d.now().UTC())
		}
	}
}

// TestDelivery sends one synthetic alert through an integration and
// reports reachability. Single attempt, no cooldown interaction.
func (d *Dispatcher) TestDelivery(ctx context.Context, tenantID, integrationID string) error {
	integration, err := d.integrations.GetByID(ctx, tenantID, integrationID)
	if err != nil {
		return err
	}
	channel, ok := d.channels[integration.ChannelType]
	if !ok {
		return fmt.Errorf("%w: unknown channel type %q", models.ErrValidation, integration.ChannelType)
	}

	alert := newTestAlert(tenantID)
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	err = channel.Deliver(ctx, integration, alert)
	d.recordOutcome(ctx, integration, err == nil, err)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrDeliveryFailure, err)
	}
	return nil
}

func (d *Dispatcher) deliverWithRetry(ctx context.Context, integration *models.IntegrationConfig, alert *Alert) error {
	channel, ok := d.channels[integration.ChannelType]
	if !ok {
		return fmt.Errorf("unknown channel type %q", integration.ChannelType)
	}

	maxAttempts := d.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	backoff := d.cfg.InitialBackoff
	if backoff <= 0 {
		backoff = defaultInitialBackoff
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := d.sleep(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
			if d.cfg.MaxBackoff > 0 && backoff > d.cfg.MaxBackoff {
				backoff = d.cfg.MaxBackoff
			}
		}
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := channel.Deliver(ctx, integration, alert); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %d attempts: %v", models.ErrDeliveryFailure, maxAttempts, lastErr)
}

func (d *Dispatcher) recordOutcome(ctx context.Context, integration *models.IntegrationConfig, ok bool, deliveryErr error) {
	d.metrics.AlertDelivery(string(integration.ChannelType), ok)
	errMsg := ""
	if deliveryErr != nil {
		errMsg = deliveryErr.Error()
	}
	if err := d.integrations.RecordDelivery(ctx, integration.ID, ok, errMsg, d.now().UTC()); err != nil {
		logging.Err(err).Str("integration", integration.ID).Msg("Failed to record delivery outcome")
	}
}

func (d *Dispatcher) parkAlert(ctx context.Context, integration *models.IntegrationConfig, alert *Alert, cause error) {
	payload, err := json.Marshal(alert)
	if err != nil {
		payload = nil
	}
	dlErr := d.deadLetter.Put(ctx, pipeline.DeadLetterEntry{
		Kind:     pipeline.DeadLetterAlert,
		TenantID: alert.TenantID,
		RefID:    fmt.Sprintf("%s/%s", integration.ID, alert.RefID),
		Reason:   cause.Error(),
		Attempts: d.cfg.MaxAttempts,
		Payload:  payload,
	})
	if dlErr != nil {
		logging.Err(dlErr).Str("integration", integration.ID).Msg("Failed to dead-letter alert")
	}
}

// cooldownKey scopes suppression to one alert condition per
// integration; materially different alerts of the same kind (another
// event type, another divergence) are never muted by each other's
// cooldown.
func cooldownKey(alert *Alert, integration *models.IntegrationConfig) string {
	return alert.Kind + ":" + alert.condition() + ":" + alert.TenantID + ":" + integration.ID
}

// condition discriminates alerts of the same kind for cooldown
// purposes: the event type for event-bearing alerts, the divergence
// reference for integrity alerts.
func (a *Alert) condition() string {
	if a.Event != nil {
		return a.Event.EventType
	}
	if a.Kind == "integrity" {
		return a.RefID
	}
	return ""
}

// NewAnomalyAlert renders an anomaly into an alert. ev may be nil when
// the event is not at hand; the body then references the event by ID.
func NewAnomalyAlert(rec *models.AnomalyRecord, ev *models.AuditEvent) *Alert {
	var b strings.Builder
	fmt.Fprintf(&b, "Anomaly score %.2f (model %s) for event %s.", rec.Score, rec.ModelVersion, rec.AuditEventID)
	if ev != nil {
		fmt.Fprintf(&b, " %s", semantic.Describe(ev))
	}
	if len(rec.Explanation) > 0 {
		b.WriteString(" Top factors:")
		for _, fc := range rec.Explanation {
			fmt.Fprintf(&b, " %s=%.2f", fc.Feature, fc.Contribution)
		}
	}
	severity := models.SeverityWarning
	if ev != nil {
		severity = ev.Severity
	}
	return &Alert{
		Kind:       "anomaly",
		RefID:      rec.ID,
		TenantID:   rec.TenantID,
		Title:      fmt.Sprintf("Anomalous activity detected (score %.2f)", rec.Score),
		Body:       b.String(),
		Severity:   severity,
		OccurredAt: rec.DetectedAt,
		Event:      ev,
		Anomaly:    rec,
	}
}

// NewEventAlert renders a high-severity event into an alert.
func NewEventAlert(ev *models.AuditEvent) *Alert {
	return &Alert{
		Kind:       "event",
		RefID:      ev.ID,
		TenantID:   ev.TenantID,
		Title:      fmt.Sprintf("%s event: %s", ev.Severity, ev.EventType),
		Body:       semantic.Describe(ev),
		Severity:   ev.Severity,
		OccurredAt: ev.Timestamp,
		Event:      ev,
	}
}

// NewIntegrityAlert renders a chain verification failure. Always
// critical.
func NewIntegrityAlert(tenantID string, result hashchain.VerifyResult) *Alert {
	return &Alert{
		Kind:     "integrity",
		RefID:    fmt.Sprintf("%s@%d", tenantID, result.FirstDivergenceSeq),
		TenantID: tenantID,
		Title:    "Audit chain integrity violation",
		Body: fmt.Sprintf(
			"Chain verification diverged at sequence %d (event %s) after %d events checked. Appends for the tenant are halted.",
			result.FirstDivergenceSeq, result.FirstDivergenceID, result.EventsChecked),
		Severity:   models.SeverityCritical,
		OccurredAt: time.Now().UTC(),
	}
}

func newTestAlert(tenantID string) *Alert {
	return &Alert{
		Kind:       "test",
		RefID:      "test",
		TenantID:   tenantID,
		Title:      "AuditForge test alert",
		Body:       testDeliveryNotePrefix + ": this integration is reachable.",
		Severity:   models.SeverityInfo,
		OccurredAt: time.Now().UTC(),
	}
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
