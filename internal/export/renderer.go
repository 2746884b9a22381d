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
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/auditforge/internal/config"
	"github.com/tomtom215/auditforge/internal/logging"
	"github.com/tomtom215/auditforge/internal/models"
)

// RenderDocument is the input contract of the external PDF renderer.
type RenderDocument struct {
	Title       string              `json:"title"`
	TenantID    string              `json:"tenant_id"`
	GeneratedAt time.Time           `json:"generated_at"`
	Columns     []string            `json:"columns"`
	Rows        [][]string          `json:"rows"`
	Summary     []RenderSummaryLine `json:"summary,omitempty"`
}

// RenderSummaryLine is one aggregate line of the document summary.
type RenderSummaryLine struct {
	Metric string `json:"metric"`
	Count  string `json:"count"`
}

// PDFRenderer turns a render document into PDF bytes.
type PDFRenderer interface {
	Render(ctx context.Context, doc RenderDocument) ([]byte, error)
}

// maxPDFBytes bounds renderer responses.
const maxPDFBytes = 64 << 20

// HTTPPDFRenderer posts render documents to the configured renderer
// endpoint. Failures wrap ErrExternalServiceUnavailable and a circuit
// breaker sheds calls while the renderer is down.
type HTTPPDFRenderer struct {
	endpoint string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker[[]byte]
}

// NewHTTPPDFRenderer builds a renderer client from the export config.
// Returns nil when no endpoint is configured.
func NewHTTPPDFRenderer(cfg config.ExportConfig) *HTTPPDFRenderer {
	if cfg.PDFRendererEndpoint == "" {
		return nil
	}
	timeout := cfg.RendererTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	settings := gobreaker.Settings{
		Name: "pdf-renderer",
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("PDF renderer breaker state changed")
		},
	}
	return &HTTPPDFRenderer{
		endpoint: cfg.PDFRendererEndpoint,
		client:   &http.Client{Timeout: timeout},
		breaker:  gobreaker.NewCircuitBreaker[[]byte](settings),
	}
}

// Render posts the document and returns the PDF bytes.
func (r *HTTPPDFRenderer) Render(ctx context.Context, doc RenderDocument) ([]byte, error) {
	data, err := r.breaker.Execute(func() ([]byte, error) {
		return r.render(ctx, doc)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: pdf renderer: %v", models.ErrExternalServiceUnavailable, err)
	}
	return data, nil
}

func (r *HTTPPDFRenderer) render(ctx context.Context, doc RenderDocument) ([]byte, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/pdf")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPDFBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("renderer returned status %d", resp.StatusCode)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("renderer returned an empty document")
	}
	return data, nil
}
