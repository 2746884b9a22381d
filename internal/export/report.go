// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/auditforge/internal/config"
	"github.com/tomtom215/auditforge/internal/logging"
	"github.com/tomtom215/auditforge/internal/models"
)

// ReportDelivery is a generated report handed to the delivery gateway.
type ReportDelivery struct {
	ReportID    string    `json:"report_id"`
	TenantID    string    `json:"tenant_id"`
	Recipients  []string  `json:"recipients"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Data        []byte    `json:"data"`
	GeneratedAt time.Time `json:"generated_at"`
}

// ReportSink delivers a generated report to its recipients.
type ReportSink interface {
	Deliver(ctx context.Context, delivery ReportDelivery) error
}

// Generator renders scheduled reports and hands them to the sink.
type Generator struct {
	exporter *Exporter
	sink     ReportSink
}

// NewGenerator creates a scheduled report generator.
func NewGenerator(exporter *Exporter, sink ReportSink) *Generator {
	return &Generator{exporter: exporter, sink: sink}
}

// Generate renders one scheduled report per its stored filter spec and
// format, then delivers it. Reports always include the summary block.
func (g *Generator) Generate(ctx context.Context, rc models.ScheduledReportConfig) error {
	if len(rc.Recipients) == 0 {
		return fmt.Errorf("%w: report %s has no recipients", models.ErrValidation, rc.ID)
	}
	if g.sink == nil {
		return fmt.Errorf("%w: report gateway is not configured", models.ErrExternalServiceUnavailable)
	}

	filter := models.EventFilter{}
	if len(rc.FilterSpec) > 0 {
		if err := json.Unmarshal(rc.FilterSpec, &filter); err != nil {
			return fmt.Errorf("%w: report %s filter spec: %v", models.ErrValidation, rc.ID, err)
		}
	}
	// The stored spec never widens access beyond the owning tenant.
	filter.TenantID = rc.TenantID

	result, err := g.exporter.Export(ctx, rc.Format, Request{Filter: filter, IncludeSummary: true})
	if err != nil {
		return fmt.Errorf("render report %s: %w", rc.ID, err)
	}

	delivery := ReportDelivery{
		ReportID:    rc.ID,
		TenantID:    rc.TenantID,
		Recipients:  rc.Recipients,
		Filename:    result.Filename,
		ContentType: result.ContentType,
		Data:        result.Data,
		GeneratedAt: time.Now().UTC(),
	}
	if err := g.sink.Deliver(ctx, delivery); err != nil {
		return fmt.Errorf("deliver report %s: %w", rc.ID, err)
	}

	logging.Info().
		Str("report_id", rc.ID).
		Str("tenant_id", rc.TenantID).
		Int("recipients", len(rc.Recipients)).
		Int("bytes", len(result.Data)).
		Msg("Scheduled report delivered")
	return nil
}

// HTTPReportGateway posts generated reports to the configured delivery
// gateway. Report bytes travel base64-encoded inside the JSON body.
type HTTPReportGateway struct {
	endpoint string
	client   *http.Client
}

// NewHTTPReportGateway builds a gateway client from the export config.
// Returns nil when no endpoint is configured.
func NewHTTPReportGateway(cfg config.ExportConfig) *HTTPReportGateway {
	if cfg.ReportGatewayEndpoint == "" {
		return nil
	}
	timeout := cfg.RendererTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPReportGateway{
		endpoint: cfg.ReportGatewayEndpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Deliver posts the report to the gateway.
func (g *HTTPReportGateway) Deliver(ctx context.Context, delivery ReportDelivery) error {
	body, err := json.Marshal(delivery)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: report gateway: %v", models.ErrDeliveryFailure, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: report gateway returned status %d", models.ErrDeliveryFailure, resp.StatusCode)
	}
	return nil
}
