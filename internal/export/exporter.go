// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

// Package export renders filtered audit events as CSV or PDF. CSV is
// generated in process; PDF goes through an external renderer that
// accepts a structured render document.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tomtom215/auditforge/internal/config"
	"github.com/tomtom215/auditforge/internal/models"
)

// EventSource provides the filtered event queries behind exports.
type EventSource interface {
	Query(ctx context.Context, filter models.EventFilter) ([]models.AuditEvent, error)
	Count(ctx context.Context, filter models.EventFilter) (int64, error)
}

// Request describes one export.
type Request struct {
	Filter         models.EventFilter `json:"filters"`
	IncludeSummary bool               `json:"include_summary,omitempty"`
}

// Result is a rendered export ready to stream to the caller.
type Result struct {
	ContentType string
	Filename    string
	Data        []byte
}

// Exporter renders exports within the synchronous size bound.
type Exporter struct {
	maxResults int
	events     EventSource
	renderer   PDFRenderer
	now        func() time.Time
}

// NewExporter creates an exporter. renderer may be nil when PDF export
// is not configured.
func NewExporter(cfg config.ExportConfig, events EventSource, renderer PDFRenderer) *Exporter {
	maxResults := cfg.MaxResultSetSize
	if maxResults <= 0 {
		maxResults = 10000
	}
	return &Exporter{
		maxResults: maxResults,
		events:     events,
		renderer:   renderer,
		now:        time.Now,
	}
}

// Export renders the events selected by req in the given format. The
// result set is counted first; anything past the synchronous bound is
// rejected rather than truncated.
func (e *Exporter) Export(ctx context.Context, format models.ReportFormat, req Request) (*Result, error) {
	if req.Filter.TenantID == "" {
		return nil, fmt.Errorf("%w: export requires a tenant", models.ErrValidation)
	}
	if format != models.ReportCSV && format != models.ReportPDF {
		return nil, fmt.Errorf("%w: unsupported export format %q", models.ErrValidation, format)
	}

	countFilter := req.Filter
	countFilter.Limit = 0
	countFilter.Offset = 0
	total, err := e.events.Count(ctx, countFilter)
	if err != nil {
		return nil, fmt.Errorf("count export result set: %w", err)
	}
	if total > int64(e.maxResults) {
		return nil, fmt.Errorf("%w: result set of %d events exceeds synchronous limit %d, narrow the filters",
			models.ErrExportTooLarge, total, e.maxResults)
	}

	queryFilter := req.Filter
	queryFilter.Limit = e.maxResults
	queryFilter.Offset = 0
	events, err := e.events.Query(ctx, queryFilter)
	if err != nil {
		return nil, fmt.Errorf("query export result set: %w", err)
	}

	stamp := e.now().UTC().Format("20060102T150405Z")
	switch format {
	case models.ReportCSV:
		data, err := renderCSV(events, req.IncludeSummary)
		if err != nil {
			return nil, err
		}
		return &Result{
			ContentType: "text/csv",
			Filename:    fmt.Sprintf("audit-export-%s.csv", stamp),
			Data:        data,
		}, nil
	default:
		if e.renderer == nil {
			return nil, fmt.Errorf("%w: pdf renderer is not configured", models.ErrExternalServiceUnavailable)
		}
		doc := buildRenderDocument(req.Filter.TenantID, events, req.IncludeSummary, e.now().UTC())
		data, err := e.renderer.Render(ctx, doc)
		if err != nil {
			return nil, err
		}
		return &Result{
			ContentType: "application/pdf",
			Filename:    fmt.Sprintf("audit-export-%s.pdf", stamp),
			Data:        data,
		}, nil
	}
}

var csvHeader = []string{
	"id", "sequence", "timestamp", "event_type", "actor_id", "entity_type",
	"entity_id", "severity", "category", "risk_level", "anomaly_score",
	"is_anomaly", "tags", "action_details",
}

func renderCSV(events []models.AuditEvent, includeSummary bool) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for i := range events {
		if err := w.Write(csvRow(&events[i])); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}

	if includeSummary {
		buf.WriteString("\n")
		sw := csv.NewWriter(&buf)
		for _, row := range summaryRows(events) {
			if err := sw.Write(row); err != nil {
				return nil, fmt.Errorf("write csv summary: %w", err)
			}
		}
		sw.Flush()
		if err := sw.Error(); err != nil {
			return nil, fmt.Errorf("flush csv summary: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func csvRow(ev *models.AuditEvent) []string {
	score := ""
	if ev.AnomalyScore != nil {
		score = strconv.FormatFloat(*ev.AnomalyScore, 'f', 4, 64)
	}
	return []string{
		ev.ID,
		strconv.FormatInt(ev.Sequence, 10),
		ev.Timestamp.UTC().Format(time.RFC3339Nano),
		ev.EventType,
		ev.ActorID,
		ev.EntityType,
		ev.EntityID,
		string(ev.Severity),
		string(ev.Category),
		string(ev.RiskLevel),
		score,
		strconv.FormatBool(ev.IsAnomaly),
		strings.Join(ev.Tags, ";"),
		string(ev.ActionDetails),
	}
}

// summaryRows aggregates counts by severity and category plus the
// anomaly total, in a stable order.
func summaryRows(events []models.AuditEvent) [][]string {
	severities := make(map[models.Severity]int)
	categories := make(map[models.Category]int)
	anomalies := 0
	for i := range events {
		severities[events[i].Severity]++
		if events[i].Category != "" {
			categories[events[i].Category]++
		}
		if events[i].IsAnomaly {
			anomalies++
		}
	}

	rows := [][]string{
		{"summary", "metric", "count"},
		{"summary", "total_events", strconv.Itoa(len(events))},
		{"summary", "anomalies", strconv.Itoa(anomalies)},
	}
	for _, sev := range []models.Severity{
		models.SeverityInfo, models.SeverityWarning, models.SeverityError, models.SeverityCritical,
	} {
		if n := severities[sev]; n > 0 {
			rows = append(rows, []string{"summary", "severity_" + string(sev), strconv.Itoa(n)})
		}
	}
	for _, cat := range models.AllCategories() {
		if n := categories[cat]; n > 0 {
			rows = append(rows, []string{"summary", "category_" + string(cat), strconv.Itoa(n)})
		}
	}
	return rows
}

func buildRenderDocument(tenantID string, events []models.AuditEvent, includeSummary bool, generatedAt time.Time) RenderDocument {
	doc := RenderDocument{
		Title:       "Audit Event Export",
		TenantID:    tenantID,
		GeneratedAt: generatedAt,
		Columns:     csvHeader,
		Rows:        make([][]string, 0, len(events)),
	}
	for i := range events {
		doc.Rows = append(doc.Rows, csvRow(&events[i]))
	}
	if includeSummary {
		for _, row := range summaryRows(events) {
			if len(row) == 3 && row[1] != "metric" {
				doc.Summary = append(doc.Summary, RenderSummaryLine{Metric: row[1], Count: row[2]})
			}
		}
	}
	return doc
}
