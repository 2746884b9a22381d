// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/auditforge/internal/classify"
	"github.com/tomtom215/auditforge/internal/config"
	"github.com/tomtom215/auditforge/internal/export"
	"github.com/tomtom215/auditforge/internal/features"
	"github.com/tomtom215/auditforge/internal/hashchain"
	"github.com/tomtom215/auditforge/internal/logging"
	"github.com/tomtom215/auditforge/internal/metrics"
	"github.com/tomtom215/auditforge/internal/models"
	"github.com/tomtom215/auditforge/internal/pipeline"
	"github.com/tomtom215/auditforge/internal/scheduler"
	"github.com/tomtom215/auditforge/internal/semantic"
	"github.com/tomtom215/auditforge/internal/validation"
)

// Ingestor appends validated raw events to a tenant chain.
type Ingestor interface {
	Append(ctx context.Context, tenantID string, raws []models.RawEvent) ([]models.AuditEvent, error)
}

// EventReader is the query surface of the event store used by handlers.
type EventReader interface {
	Query(ctx context.Context, filter models.EventFilter) ([]models.AuditEvent, error)
	Count(ctx context.Context, filter models.EventFilter) (int64, error)
	GetByID(ctx context.Context, tenantID, id string) (*models.AuditEvent, error)
	RecentByTenant(ctx context.Context, tenantID string, lookback time.Duration, maxEvents int) ([]models.AuditEvent, error)
	MarkClassified(ctx context.Context, id string, category models.Category, risk models.RiskLevel, tags []string) error
}

// AnomalyReader exposes anomaly records and their feedback fields.
type AnomalyReader interface {
	ListByTenant(ctx context.Context, tenantID string, since *time.Time, limit, offset int) ([]models.AnomalyRecord, error)
	GetByID(ctx context.Context, tenantID, id string) (*models.AnomalyRecord, error)
	RecordFeedback(ctx context.Context, tenantID, id string, isFalsePositive bool, notes string) error
}

// IntegrationAdmin is the CRUD surface for alert integrations.
type IntegrationAdmin interface {
	Create(ctx context.Context, ic *models.IntegrationConfig) error
	Update(ctx context.Context, ic *models.IntegrationConfig) error
	Delete(ctx context.Context, tenantID, id string) error
	GetByID(ctx context.Context, tenantID, id string) (*models.IntegrationConfig, error)
	ListByTenant(ctx context.Context, tenantID string) ([]models.IntegrationConfig, error)
}

// ReportAdmin is the CRUD surface for scheduled report configs.
type ReportAdmin interface {
	Create(ctx context.Context, rc *models.ScheduledReportConfig) error
	Delete(ctx context.Context, tenantID, id string) error
	GetByID(ctx context.Context, tenantID, id string) (*models.ScheduledReportConfig, error)
	ListByTenant(ctx context.Context, tenantID string) ([]models.ScheduledReportConfig, error)
}

// Searcher answers natural-language queries over a tenant's events.
type Searcher interface {
	Search(ctx context.Context, tenantID, query string, filters semantic.SearchFilters, k int) (semantic.SearchResult, error)
}

// EventExporter renders filtered events to a downloadable document.
type EventExporter interface {
	Export(ctx context.Context, format models.ReportFormat, req export.Request) (*export.Result, error)
}

// ChainVerifier replays a tenant chain and reports divergence.
type ChainVerifier interface {
	Verify(ctx context.Context, tenantID string, fromSeq, toSeq int64) (hashchain.VerifyResult, error)
}

// DeadLetterReader lists parked pipeline work.
type DeadLetterReader interface {
	List(ctx context.Context, kind string, limit int) ([]pipeline.DeadLetterEntry, error)
	Count(ctx context.Context, kind string) (int, error)
}

// SubjectExporter produces a per-actor data export.
type SubjectExporter interface {
	SubjectExport(ctx context.Context, tenantID, actorID string) ([]models.AuditEvent, error)
}

// AlertTester sends a synthetic alert through one integration.
type AlertTester interface {
	TestDelivery(ctx context.Context, tenantID, integrationID string) error
}

// Classifier assigns category, risk and tags to one event.
type Classifier interface {
	Classify(ctx context.Context, fv features.FeatureVector, ev *models.AuditEvent) classify.Result
}

// EventPublisher hands persisted events to the async consumers.
type EventPublisher interface {
	PublishEvent(ctx context.Context, topic string, ev *models.AuditEvent) error
}

// Handler carries the wired pipeline components behind the HTTP surface.
type Handler struct {
	ingestCfg config.IngestConfig

	ingest       Ingestor
	events       EventReader
	anomalies    AnomalyReader
	integrations IntegrationAdmin
	reports      ReportAdmin
	search       Searcher
	exporter     EventExporter
	verifier     ChainVerifier
	deadLetters  DeadLetterReader
	subjects     SubjectExporter
	alerts       AlertTester
	classifier   Classifier
	extractor    *features.Extractor
	bus          EventPublisher

	// ready reports whether downstream dependencies answer; nil means
	// always ready.
	ready func(ctx context.Context) error
}

// HandlerDeps bundles the constructor arguments for NewHandler.
type HandlerDeps struct {
	IngestConfig config.IngestConfig
	Ingest       Ingestor
	Events       EventReader
	Anomalies    AnomalyReader
	Integrations IntegrationAdmin
	Reports      ReportAdmin
	Search       Searcher
	Exporter     EventExporter
	Verifier     ChainVerifier
	DeadLetters  DeadLetterReader
	Subjects     SubjectExporter
	Alerts       AlertTester
	Classifier   Classifier
	Extractor    *features.Extractor
	Bus          EventPublisher
	Ready        func(ctx context.Context) error
}

// NewHandler builds the HTTP handler set.
func NewHandler(deps HandlerDeps) *Handler {
	return &Handler{
		ingestCfg:    deps.IngestConfig,
		ingest:       deps.Ingest,
		events:       deps.Events,
		anomalies:    deps.Anomalies,
		integrations: deps.Integrations,
		reports:      deps.Reports,
		search:       deps.Search,
		exporter:     deps.Exporter,
		verifier:     deps.Verifier,
		deadLetters:  deps.DeadLetters,
		subjects:     deps.Subjects,
		alerts:       deps.Alerts,
		classifier:   deps.Classifier,
		extractor:    deps.Extractor,
		bus:          deps.Bus,
		ready:        deps.Ready,
	}
}

// ========================
// Ingestion
// ========================

type ingestRequest struct {
	Events []models.RawEvent `json:"events" validate:"required,min=1,dive"`
}

type ingestResponse struct {
	Accepted int                 `json:"accepted"`
	Events   []models.AuditEvent `json:"events"`
}

// Ingest accepts a batch of raw events, chains them, classifies them
// synchronously and hands them to the async consumers. The batch is
// atomic: one invalid event rejects the whole request.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	var req ingestRequest
	if err := decodeBody(r, &req); err != nil {
		metrics.RecordIngestRejection("malformed")
		respondPipelineError(w, err)
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		metrics.RecordIngestRejection("validation")
		apiErr := verr.ToAPIError()
		respondError(w, http.StatusBadRequest, apiErr.Code, apiErr.Message, apiErr.Details)
		return
	}
	if max := h.ingestCfg.MaxBatchSize; max > 0 && len(req.Events) > max {
		metrics.RecordIngestRejection("batch_too_large")
		respondError(w, http.StatusBadRequest, codeValidation,
			fmt.Sprintf("batch of %d events exceeds limit %d", len(req.Events), max), nil)
		return
	}

	chained, err := h.ingest.Append(r.Context(), tenantID, req.Events)
	if err != nil {
		metrics.RecordIngestBatch(len(req.Events), time.Since(start), err)
		respondPipelineError(w, err)
		return
	}

	classified := h.classifyBatch(r.Context(), tenantID, chained)
	metrics.RecordIngestBatch(len(classified), time.Since(start), nil)

	respondJSON(w, http.StatusCreated, ingestResponse{
		Accepted: len(classified),
		Events:   classified,
	}, start)
}

// classifyBatch runs the synchronous classification stage over freshly
// chained events and publishes them for the async consumers.
// Classification never fails the ingest: the ensemble falls back to the
// rule table internally, and publish failures are absorbed by the bus
// breaker and the indexing dead letter.
func (h *Handler) classifyBatch(ctx context.Context, tenantID string, events []models.AuditEvent) []models.AuditEvent {
	history, err := h.events.RecentByTenant(ctx, tenantID,
		h.ingestCfg.HistoryLookback, h.ingestCfg.HistoryMaxEvents)
	if err != nil {
		logging.Warn().Err(err).Str("tenant_id", tenantID).Msg("History lookup failed, classifying without context")
		history = nil
	}

	out := make([]models.AuditEvent, len(events))
	for i := range events {
		ev := events[i]
		fv := h.extractor.Extract(ctx, &ev, history)
		res := h.classifier.Classify(ctx, fv, &ev)

		ev.Category = res.Category
		ev.RiskLevel = res.Risk
		ev.Tags = res.Tags

		if err := h.events.MarkClassified(ctx, ev.ID, res.Category, res.Risk, res.Tags); err != nil {
			logging.Error().Err(err).Str("event_id", ev.ID).Msg("Failed to persist classification")
		}
		if err := h.bus.PublishEvent(ctx, pipeline.TopicEventsPersisted, &ev); err != nil {
			logging.Warn().Err(err).Str("event_id", ev.ID).Msg("Failed to publish event")
		}
		out[i] = ev
	}
	return out
}

// ========================
// Event queries
// ========================

type eventListResponse struct {
	Events []models.AuditEvent `json:"events"`
	Total  int64               `json:"total"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

// ListEvents returns a filtered, paginated slice of the tenant's events.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	filter, err := filterFromQuery(r, tenantID)
	if err != nil {
		respondPipelineError(w, err)
		return
	}

	events, err := h.events.Query(r.Context(), filter)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	countFilter := filter
	countFilter.Limit = 0
	countFilter.Offset = 0
	total, err := h.events.Count(r.Context(), countFilter)
	if err != nil {
		respondPipelineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, eventListResponse{
		Events: events,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}, start)
}

// GetEvent returns one event by ID within the caller's tenant.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	ev, err := h.events.GetByID(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ev, start)
}

// maxPageSize bounds a single query page.
const maxPageSize = 1000

// filterFromQuery builds an EventFilter from URL query parameters. The
// tenant always comes from the verified identity, never the query.
func filterFromQuery(r *http.Request, tenantID string) (models.EventFilter, error) {
	q := r.URL.Query()
	filter := models.DefaultEventFilter(tenantID)

	filter.ActorID = q.Get("actor_id")
	filter.EntityType = q.Get("entity_type")
	filter.EventTypes = q["event_type"]
	for _, s := range q["severity"] {
		sev := models.Severity(s)
		if !models.ValidSeverity(sev) {
			return filter, fmt.Errorf("%w: unknown severity %q", models.ErrValidation, s)
		}
		filter.Severities = append(filter.Severities, sev)
	}
	for _, c := range q["category"] {
		filter.Categories = append(filter.Categories, models.Category(c))
	}

	if v := q.Get("start_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, fmt.Errorf("%w: invalid start_time: %v", models.ErrValidation, err)
		}
		filter.StartTime = &t
	}
	if v := q.Get("end_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, fmt.Errorf("%w: invalid end_time: %v", models.ErrValidation, err)
		}
		filter.EndTime = &t
	}
	filter.OnlyAnomalies = q.Get("only_anomalies") == "true"

	var err error
	if filter.Limit, err = intParam(q.Get("limit"), filter.Limit); err != nil {
		return filter, err
	}
	if filter.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		return filter, err
	}
	if filter.Limit <= 0 || filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return filter, nil
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid integer %q", models.ErrValidation, raw)
	}
	return n, nil
}

// ========================
// Semantic search
// ========================

type searchRequest struct {
	Query   string                 `json:"query" validate:"required,max=2048"`
	Filters semantic.SearchFilters `json:"filters"`
	TopK    int                    `json:"top_k" validate:"min=0,max=1000"`
}

// Search answers a natural-language question over the tenant's events.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	var req searchRequest
	if err := decodeBody(r, &req); err != nil {
		respondPipelineError(w, err)
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		apiErr := verr.ToAPIError()
		respondError(w, http.StatusBadRequest, apiErr.Code, apiErr.Message, apiErr.Details)
		return
	}

	result, err := h.search.Search(r.Context(), tenantID, req.Query, req.Filters, req.TopK)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	metrics.SearchDuration.Observe(time.Since(start).Seconds())
	respondJSON(w, http.StatusOK, result, start)
}

// ========================
// Anomalies
// ========================

type anomalyListResponse struct {
	Anomalies []models.AnomalyRecord `json:"anomalies"`
}

// ListAnomalies returns the tenant's flagged anomalies, newest first.
func (h *Handler) ListAnomalies(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	var since *time.Time
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, codeValidation, "invalid since timestamp", nil)
			return
		}
		since = &t
	}
	limit, err := intParam(q.Get("limit"), 100)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}

	records, err := h.anomalies.ListByTenant(r.Context(), tenantID, since, limit, offset)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, anomalyListResponse{Anomalies: records}, start)
}

// GetAnomaly returns one anomaly record with its explanation.
func (h *Handler) GetAnomaly(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	rec, err := h.anomalies.GetByID(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec, start)
}

type feedbackRequest struct {
	IsFalsePositive *bool  `json:"is_false_positive" validate:"required"`
	Notes           string `json:"notes" validate:"max=4096"`
}

// AnomalyFeedback records a human verdict on a flagged anomaly. The
// feedback fields are the only mutable part of an anomaly record.
func (h *Handler) AnomalyFeedback(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	var req feedbackRequest
	if err := decodeBody(r, &req); err != nil {
		respondPipelineError(w, err)
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		apiErr := verr.ToAPIError()
		respondError(w, http.StatusBadRequest, apiErr.Code, apiErr.Message, apiErr.Details)
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.anomalies.RecordFeedback(r.Context(), tenantID, id, *req.IsFalsePositive, req.Notes); err != nil {
		respondPipelineError(w, err)
		return
	}

	rec, err := h.anomalies.GetByID(r.Context(), tenantID, id)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec, start)
}

// ========================
// Export
// ========================

// Export streams a CSV or PDF rendering of the filtered events. Unlike
// the other endpoints the success response is the document itself, not
// the JSON envelope.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	var req export.Request
	if err := decodeBody(r, &req); err != nil {
		respondPipelineError(w, err)
		return
	}
	// The filter tenant always comes from the verified identity.
	req.Filter.TenantID = tenantID

	format := models.ReportFormat(chi.URLParam(r, "format"))
	result, err := h.exporter.Export(r.Context(), format, req)
	if err != nil {
		respondPipelineError(w, err)
		return
	}

	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(result.Data); err != nil {
		logging.Debug().Err(err).Msg("Failed to write export body")
	}
}

// SubjectExport returns every retained event naming the given actor,
// for data-subject access requests.
func (h *Handler) SubjectExport(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	actorID := chi.URLParam(r, "actorID")
	events, err := h.subjects.SubjectExport(r.Context(), tenantID, actorID)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, eventListResponse{
		Events: events,
		Total:  int64(len(events)),
		Limit:  len(events),
	}, start)
}

// ========================
// Integrations
// ========================

type integrationRequest struct {
	ChannelType models.ChannelType `json:"channel_type" validate:"required,oneof=webhook slack email"`
	Endpoint    string             `json:"endpoint" validate:"required,max=2048"`
	MinSeverity models.Severity    `json:"min_severity" validate:"required,oneof=info warning error critical"`
	IsActive    *bool              `json:"is_active"`
}

func (req *integrationRequest) apply(ic *models.IntegrationConfig) {
	ic.ChannelType = req.ChannelType
	ic.Endpoint = req.Endpoint
	ic.MinSeverity = req.MinSeverity
	ic.IsActive = req.IsActive == nil || *req.IsActive
}

// CreateIntegration registers a new alert delivery channel.
func (h *Handler) CreateIntegration(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	var req integrationRequest
	if err := decodeBody(r, &req); err != nil {
		respondPipelineError(w, err)
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		apiErr := verr.ToAPIError()
		respondError(w, http.StatusBadRequest, apiErr.Code, apiErr.Message, apiErr.Details)
		return
	}

	ic := &models.IntegrationConfig{
		ID:       uuid.New().String(),
		TenantID: tenantID,
	}
	req.apply(ic)

	if err := h.integrations.Create(r.Context(), ic); err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, ic, start)
}

// ListIntegrations returns the tenant's configured channels.
func (h *Handler) ListIntegrations(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	list, err := h.integrations.ListByTenant(r.Context(), tenantID)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, list, start)
}

// GetIntegration returns one channel config with delivery statistics.
func (h *Handler) GetIntegration(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	ic, err := h.integrations.GetByID(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ic, start)
}

// UpdateIntegration replaces the mutable fields of a channel config.
func (h *Handler) UpdateIntegration(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	var req integrationRequest
	if err := decodeBody(r, &req); err != nil {
		respondPipelineError(w, err)
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		apiErr := verr.ToAPIError()
		respondError(w, http.StatusBadRequest, apiErr.Code, apiErr.Message, apiErr.Details)
		return
	}

	ic, err := h.integrations.GetByID(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	req.apply(ic)

	if err := h.integrations.Update(r.Context(), ic); err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ic, start)
}

// DeleteIntegration removes a channel config.
func (h *Handler) DeleteIntegration(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	if err := h.integrations.Delete(r.Context(), tenantID, chi.URLParam(r, "id")); err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"deleted": chi.URLParam(r, "id")}, start)
}

// TestIntegration sends a synthetic alert through the channel so the
// operator can confirm wiring before real alerts depend on it.
func (h *Handler) TestIntegration(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	if err := h.alerts.TestDelivery(r.Context(), tenantID, chi.URLParam(r, "id")); err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"result": "delivered"}, start)
}

// ========================
// Scheduled reports
// ========================

type reportRequest struct {
	CronSchedule string              `json:"cron_schedule" validate:"required,max=64"`
	FilterSpec   json.RawMessage     `json:"filter_spec"`
	Format       models.ReportFormat `json:"format" validate:"required,oneof=csv pdf"`
	Recipients   []string            `json:"recipients" validate:"required,min=1,dive,max=512"`
}

// CreateReport registers a scheduled report. The cron expression is
// parsed up front so a broken schedule is rejected at configuration
// time, not discovered by the runner.
func (h *Handler) CreateReport(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	var req reportRequest
	if err := decodeBody(r, &req); err != nil {
		respondPipelineError(w, err)
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		apiErr := verr.ToAPIError()
		respondError(w, http.StatusBadRequest, apiErr.Code, apiErr.Message, apiErr.Details)
		return
	}
	if _, err := scheduler.ParseSchedule(req.CronSchedule); err != nil {
		respondPipelineError(w, err)
		return
	}
	if len(req.FilterSpec) > 0 {
		var filter models.EventFilter
		if err := json.Unmarshal(req.FilterSpec, &filter); err != nil {
			respondError(w, http.StatusBadRequest, codeValidation, "filter_spec is not a valid event filter", nil)
			return
		}
	}

	rc := &models.ScheduledReportConfig{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		CronSchedule: req.CronSchedule,
		FilterSpec:   req.FilterSpec,
		Format:       req.Format,
		Recipients:   req.Recipients,
	}
	if err := h.reports.Create(r.Context(), rc); err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, rc, start)
}

// ListReports returns the tenant's scheduled reports.
func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	list, err := h.reports.ListByTenant(r.Context(), tenantID)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, list, start)
}

// GetReport returns one scheduled report config.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	rc, err := h.reports.GetByID(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rc, start)
}

// DeleteReport removes a scheduled report.
func (h *Handler) DeleteReport(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	if err := h.reports.Delete(r.Context(), tenantID, chi.URLParam(r, "id")); err != nil {
		respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"deleted": chi.URLParam(r, "id")}, start)
}

// ========================
// Chain verification and dead letters (admin)
// ========================

// VerifyChain replays the tenant's hash chain over the requested
// sequence range. A failed verification is still a 200: the result
// carries the divergence point and the verifier has already halted the
// tenant and raised the integrity alert.
func (h *Handler) VerifyChain(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	fromSeq, err := int64Param(q.Get("from_seq"), 0)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	toSeq, err := int64Param(q.Get("to_seq"), 0)
	if err != nil {
		respondPipelineError(w, err)
		return
	}

	result, err := h.verifier.Verify(r.Context(), tenantID, fromSeq, toSeq)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	metrics.RecordChainVerify(result.Duration, result.Verified)
	respondJSON(w, http.StatusOK, result, start)
}

func int64Param(raw string, def int64) (int64, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid integer %q", models.ErrValidation, raw)
	}
	return n, nil
}

type deadLetterResponse struct {
	Kind    string                     `json:"kind"`
	Count   int                        `json:"count"`
	Entries []pipeline.DeadLetterEntry `json:"entries"`
}

// ListDeadLetters returns parked pipeline work for inspection.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	q := r.URL.Query()
	kind := q.Get("kind")
	limit, err := intParam(q.Get("limit"), 100)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}

	entries, err := h.deadLetters.List(r.Context(), kind, limit)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	count, err := h.deadLetters.Count(r.Context(), kind)
	if err != nil {
		respondPipelineError(w, err)
		return
	}
	metrics.UpdateDeadLetterEntries(kind, count)

	respondJSON(w, http.StatusOK, deadLetterResponse{
		Kind:    kind,
		Count:   count,
		Entries: entries,
	}, start)
}

// ========================
// Health
// ========================

// HealthLive always answers 200 while the process runs.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "alive"}, time.Now())
}

// HealthReady answers 200 once downstream dependencies respond.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, codeUnavailable, "not ready", nil)
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"}, start)
}
