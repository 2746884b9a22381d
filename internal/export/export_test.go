// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

package export

import (
	"context"
	"encoding/csv"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/auditforge/internal/config"
	"github.com/tomtom215/auditforge/internal/models"
)

type fakeEvents struct {
	events []models.AuditEvent
	err    error
}

func (f *fakeEvents) Query(_ context.Context, filter models.EventFilter) ([]models.AuditEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []models.AuditEvent
	for _, ev := range f.events {
		if ev.TenantID == filter.TenantID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeEvents) Count(ctx context.Context, filter models.EventFilter) (int64, error) {
	evs, err := f.Query(ctx, filter)
	return int64(len(evs)), err
}

func exportEvents(t *testing.T) []models.AuditEvent {
	t.Helper()
	score := 0.91
	base := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	return []models.AuditEvent{
		{
			ID: "ev-1", TenantID: "acme", Sequence: 1, Timestamp: base,
			EventType: "login_failed", ActorID: "user-7", EntityType: "session",
			Severity: models.SeverityWarning, Category: models.CategorySecurityChange,
			RiskLevel: models.RiskMedium, AnomalyScore: &score, IsAnomaly: true,
			Tags:          []string{"low_confidence"},
			ActionDetails: json.RawMessage(`{"ip":"10.0.0.8"}`),
		},
		{
			ID: "ev-2", TenantID: "acme", Sequence: 2, Timestamp: base.Add(time.Minute),
			EventType: "invoice_paid", ActorID: "user-3", EntityType: "invoice",
			EntityID: "inv-88", Severity: models.SeverityInfo,
			Category: models.CategoryFinancialImpact, RiskLevel: models.RiskLow,
		},
	}
}

func TestExport_CSV(t *testing.T) {
	ex := NewExporter(config.ExportConfig{MaxResultSetSize: 100}, &fakeEvents{events: exportEvents(t)}, nil)

	res, err := ex.Export(context.Background(), models.ReportCSV, Request{
		Filter: models.EventFilter{TenantID: "acme"},
	})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if res.ContentType != "text/csv" {
		t.Errorf("content type = %q, want text/csv", res.ContentType)
	}
	if !strings.HasSuffix(res.Filename, ".csv") {
		t.Errorf("filename = %q, want .csv suffix", res.Filename)
	}

	records, err := csv.NewReader(strings.NewReader(string(res.Data))).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("rows = %d, want header + 2 events", len(records))
	}
	if records[0][0] != "id" || records[0][7] != "severity" {
		t.Errorf("unexpected header: %v", records[0])
	}
	if records[1][0] != "ev-1" || records[1][10] != "0.9100" || records[1][11] != "true" {
		t.Errorf("unexpected first row: %v", records[1])
	}
	if records[2][3] != "invoice_paid" || records[2][10] != "" {
		t.Errorf("unexpected second row: %v", records[2])
	}
}

func TestExport_CSVWithSummary(t *testing.T) {
	ex := NewExporter(config.ExportConfig{MaxResultSetSize: 100}, &fakeEvents{events: exportEvents(t)}, nil)

	res, err := ex.Export(context.Background(), models.ReportCSV, Request{
		Filter:         models.EventFilter{TenantID: "acme"},
		IncludeSummary: true,
	})
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	body := string(res.Data)
	for _, want := range []string{
		"summary,total_events,2",
		"summary,anomalies,1",
		"summary,severity_warning,1",
		"summary,category_financial_impact,1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("summary missing %q", want)
		}
	}
}

func TestExport_ResultSetTooLarge(t *testing.T) {
	ex := NewExporter(config.ExportConfig{MaxResultSetSize: 1}, &fakeEvents{events: exportEvents(t)}, nil)

	_, err := ex.Export(context.Background(), models.ReportCSV, Request{
		Filter: models.EventFilter{TenantID: "acme"},
	})
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestExport_RejectsUnknownFormatAndMissingTenant(t *testing.T) {
	ex := NewExporter(config.ExportConfig{MaxResultSetSize: 100}, &fakeEvents{}, nil)

	if _, err := ex.Export(context.Background(), "xlsx", Request{
		Filter: models.EventFilter{TenantID: "acme"},
	}); !errors.Is(err, models.ErrValidation) {
		t.Errorf("unknown format err = %v, want ErrValidation", err)
	}
	if _, err := ex.Export(context.Background(), models.ReportCSV, Request{}); !errors.Is(err, models.ErrValidation) {
		t.Errorf("missing tenant err = %v, want ErrValidation", err)
	}
}

func TestExport_PDFRequiresRenderer(t *testing.T) {
	ex := NewExporter(config.ExportConfig{MaxResultSetSize: 100}, &fakeEvents{events: exportEvents(t)}, nil)

	_, err := ex.Export(context.Background(), models.ReportPDF, Request{
		Filter: models.EventFilter{TenantID: "acme"},
	})
	if !errors.Is(err, models.ErrExternalServiceUnavailable) {
		t.Fatalf("err = %v, want ErrExternalServiceUnavailable", err)
	}
}

func TestHTTPPDFRenderer(t *testing.T) {
	var got RenderDocument
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode render document: %v", err)
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.7 stub")) //nolint:errcheck
	}))
	defer srv.Close()

	renderer := NewHTTPPDFRenderer(config.ExportConfig{PDFRendererEndpoint: srv.URL})
	ex := NewExporter(config.ExportConfig{MaxResultSetSize: 100}, &fakeEvents{events: exportEvents(t)}, renderer)

	res, err := ex.Export(context.Background(), models.ReportPDF, Request{
		Filter:         models.EventFilter{TenantID: "acme"},
		IncludeSummary: true,
	})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if res.ContentType != "application/pdf" {
		t.Errorf("content type = %q, want application/pdf", res.ContentType)
	}
	if !strings.HasPrefix(string(res.Data), "%PDF") {
		t.Errorf("data = %q, want renderer bytes", res.Data)
	}
	if got.TenantID != "acme" || len(got.Rows) != 2 {
		t.Errorf("render doc tenant=%q rows=%d, want acme/2", got.TenantID, len(got.Rows))
	}
	if len(got.Summary) == 0 {
		t.Error("render doc summary missing")
	}
}

func TestHTTPPDFRenderer_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "renderer down", http.StatusBadGateway)
	}))
	defer srv.Close()

	renderer := NewHTTPPDFRenderer(config.ExportConfig{PDFRendererEndpoint: srv.URL})
	_, err := renderer.Render(context.Background(), RenderDocument{})
	if !errors.Is(err, models.ErrExternalServiceUnavailable) {
		t.Fatalf("err = %v, want ErrExternalServiceUnavailable", err)
	}
}

type fakeSink struct {
	deliveries []ReportDelivery
	err        error
}

func (f *fakeSink) Deliver(_ context.Context, d ReportDelivery) error {
	if f.err != nil {
		return f.err
	}
	f.deliveries = append(f.deliveries, d)
	return nil
}

func TestGenerator_Generate(t *testing.T) {
	ex := NewExporter(config.ExportConfig{MaxResultSetSize: 100}, &fakeEvents{events: exportEvents(t)}, nil)
	sink := &fakeSink{}
	gen := NewGenerator(ex, sink)

	rc := models.ScheduledReportConfig{
		ID:         "rep-1",
		TenantID:   "acme",
		Format:     models.ReportCSV,
		Recipients: []string{"sec-team@example.com"},
		FilterSpec: json.RawMessage(`{"severities":["warning","info"]}`),
	}
	if err := gen.Generate(context.Background(), rc); err != nil {
		t.Fatalf("generate: %v", err)
	}

	if len(sink.deliveries) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(sink.deliveries))
	}
	d := sink.deliveries[0]
	if d.ReportID != "rep-1" || d.TenantID != "acme" || d.ContentType != "text/csv" {
		t.Errorf("unexpected delivery: %+v", d)
	}
	if len(d.Data) == 0 {
		t.Error("delivered report is empty")
	}
}

func TestGenerator_FilterSpecCannotEscapeTenant(t *testing.T) {
	events := &fakeEvents{events: exportEvents(t)}
	ex := NewExporter(config.ExportConfig{MaxResultSetSize: 100}, events, nil)
	sink := &fakeSink{}
	gen := NewGenerator(ex, sink)

	rc := models.ScheduledReportConfig{
		ID:         "rep-2",
		TenantID:   "other-tenant",
		Format:     models.ReportCSV,
		Recipients: []string{"a@example.com"},
		FilterSpec: json.RawMessage(`{"tenant_id":"acme"}`),
	}
	if err := gen.Generate(context.Background(), rc); err != nil {
		t.Fatalf("generate: %v", err)
	}

	records, err := csv.NewReader(strings.NewReader(string(sink.deliveries[0].Data))).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("rows = %d, want header only for foreign tenant", len(records))
	}
}

func TestGenerator_Validation(t *testing.T) {
	ex := NewExporter(config.ExportConfig{MaxResultSetSize: 100}, &fakeEvents{}, nil)
	gen := NewGenerator(ex, &fakeSink{})

	rc := models.ScheduledReportConfig{ID: "rep-3", TenantID: "acme", Format: models.ReportCSV}
	if err := gen.Generate(context.Background(), rc); !errors.Is(err, models.ErrValidation) {
		t.Errorf("no recipients err = %v, want ErrValidation", err)
	}

	rc.Recipients = []string{"a@example.com"}
	rc.FilterSpec = json.RawMessage(`{broken`)
	if err := gen.Generate(context.Background(), rc); !errors.Is(err, models.ErrValidation) {
		t.Errorf("broken filter spec err = %v, want ErrValidation", err)
	}
}

func TestHTTPReportGateway_Deliver(t *testing.T) {
	var got ReportDelivery
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode delivery: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	gw := NewHTTPReportGateway(config.ExportConfig{ReportGatewayEndpoint: srv.URL})
	err := gw.Deliver(context.Background(), ReportDelivery{
		ReportID: "rep-1", TenantID: "acme",
		Recipients: []string{"a@example.com"},
		Data:       []byte("csv bytes"),
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got.ReportID != "rep-1" || string(got.Data) != "csv bytes" {
		t.Errorf("unexpected gateway payload: %+v", got)
	}
}

func TestHTTPReportGateway_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "mailbox full", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	gw := NewHTTPReportGateway(config.ExportConfig{ReportGatewayEndpoint: srv.URL})
	err := gw.Deliver(context.Background(), ReportDelivery{ReportID: "rep-1"})
	if !errors.Is(err, models.ErrDeliveryFailure) {
		t.Fatalf("err = %v, want ErrDeliveryFailure", err)
	}
}
