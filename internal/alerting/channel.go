// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

// Package alerting delivers anomaly and high-severity event
// notifications to tenant-configured channels with retries, cooldowns
// and outbound rate pacing.
package alerting

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/auditforge/internal/models"
)

// Alert is one notification to deliver.
type Alert struct {
	// Kind is "anomaly", "event", "integrity" or "test". Together with
	// the alert's condition and tenant it forms the cooldown key.
	Kind       string                `json:"kind"`
	RefID      string                `json:"ref_id"`
	TenantID   string                `json:"tenant_id"`
	Title      string                `json:"title"`
	Body       string                `json:"body"`
	Severity   models.Severity       `json:"severity"`
	OccurredAt time.Time             `json:"occurred_at"`
	Event      *models.AuditEvent    `json:"event,omitempty"`
	Anomaly    *models.AnomalyRecord `json:"anomaly,omitempty"`
}

// Channel delivers alerts over one transport.
type Channel interface {
	Type() models.ChannelType
	Deliver(ctx context.Context, integration *models.IntegrationConfig, alert *Alert) error
}

const deliveryResponseLimit = 64 << 10

// httpPost posts a JSON payload and treats any non-2xx as failure.
func httpPost(ctx context.Context, client *http.Client, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, deliveryResponseLimit))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// WebhookChannel posts the full alert as JSON to the integration
// endpoint.
type WebhookChannel struct {
	client *http.Client
}

// NewWebhookChannel builds a webhook channel with the given delivery
// timeout.
func NewWebhookChannel(timeout time.Duration) *WebhookChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookChannel{client: &http.Client{Timeout: timeout}}
}

func (c *WebhookChannel) Type() models.ChannelType { return models.ChannelWebhook }

func (c *WebhookChannel) Deliver(ctx context.Context, integration *models.IntegrationConfig, alert *Alert) error {
	return httpPost(ctx, c.client, integration.Endpoint, alert)
}

// SlackChannel posts a Slack-compatible message to an incoming webhook
// URL.
type SlackChannel struct {
	client *http.Client
}

func NewSlackChannel(timeout time.Duration) *SlackChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SlackChannel{client: &http.Client{Timeout: timeout}}
}

func (c *SlackChannel) Type() models.ChannelType { return models.ChannelSlack }

type slackMessage struct {
	Text string `json:"text"`
}

func (c *SlackChannel) Deliver(ctx context.Context, integration *models.IntegrationConfig, alert *Alert) error {
	text := fmt.Sprintf("*%s*\n%s", alert.Title, alert.Body)
	return httpPost(ctx, c.client, integration.Endpoint, slackMessage{Text: text})
}

// EmailChannel posts subject/body to a mail gateway endpoint. The
// gateway owns SMTP details and recipient routing for the tenant.
type EmailChannel struct {
	client *http.Client
}

func NewEmailChannel(timeout time.Duration) *EmailChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &EmailChannel{client: &http.Client{Timeout: timeout}}
}

func (c *EmailChannel) Type() models.ChannelType { return models.ChannelEmail }

type emailMessage struct {
	TenantID string `json:"tenant_id"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	Severity string `json:"severity"`
}

func (c *EmailChannel) Deliver(ctx context.Context, integration *models.IntegrationConfig, alert *Alert) error {
	return httpPost(ctx, c.client, integration.Endpoint, emailMessage{
		TenantID: alert.TenantID,
		Subject:  alert.Title,
		Body:     alert.Body,
		Severity: string(alert.Severity),
	})
}
