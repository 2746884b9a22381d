// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

// Package metrics provides Prometheus instrumentation for the audit
// pipeline: ingestion, chain verification, classification, anomaly
// sweeps, semantic indexing, alert delivery and the HTTP API.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion Metrics
	IngestBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingest_batch_duration_seconds",
			Help:    "Duration of hash-chained batch appends in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	IngestEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_events_total",
			Help: "Total number of audit events persisted",
		},
	)

	IngestRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_rejected_total",
			Help: "Total number of rejected ingest requests",
		},
		[]string{"reason"}, // "validation", "halted", "storage"
	)

	IngestBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingest_batch_size",
			Help:    "Number of events per ingest batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	// Hash Chain Metrics
	ChainVerifyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chain_verify_duration_seconds",
			Help:    "Duration of hash chain verification in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
	)

	ChainIntegrityFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chain_integrity_failures_total",
			Help: "Total number of detected hash chain divergences",
		},
	)

	ChainHaltedTenants = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chain_halted_tenants",
			Help: "Current number of tenants with appends halted",
		},
	)

	// Classification Metrics
	ClassifierFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classifier_fallbacks_total",
			Help: "Total number of rule-table fallbacks in the classifier ensemble",
		},
		[]string{"reason"}, // "timeout", "breaker_open", "error"
	)

	ClassifierLowConfidence = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "classifier_low_confidence_total",
			Help: "Total number of classifications below the confidence floor",
		},
	)

	ClassifyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "classify_duration_seconds",
			Help:    "Duration of one ensemble classification in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.15, 0.25, 0.5},
		},
	)

	// Anomaly Sweep Metrics
	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "anomaly_sweep_duration_seconds",
			Help:    "Duration of scheduled anomaly sweeps in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	SweepEventsScored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "anomaly_sweep_events_scored_total",
			Help: "Total number of events scored by anomaly sweeps",
		},
	)

	SweepTenantFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "anomaly_sweep_tenant_failures_total",
			Help: "Total number of per-tenant sweep failures",
		},
	)

	AnomaliesFlagged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "anomalies_flagged_total",
			Help: "Total number of events flagged at or above the anomaly threshold",
		},
	)

	TrainingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "model_training_duration_seconds",
			Help:    "Duration of model retraining runs in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"model_type"},
	)

	// Semantic Indexing Metrics
	IndexRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "semantic_index_retries_total",
			Help: "Total number of embedding attempt retries",
		},
	)

	IndexDeadLettered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "semantic_index_dead_lettered_total",
			Help: "Total number of events dead-lettered after exhausted embedding attempts",
		},
	)

	SearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "semantic_search_duration_seconds",
			Help:    "Duration of semantic searches in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Alert Delivery Metrics
	AlertDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alert_deliveries_total",
			Help: "Total number of alert delivery attempts by outcome",
		},
		[]string{"channel", "result"}, // result: "success", "failure"
	)

	AlertCooldownSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alert_cooldown_suppressed_total",
			Help: "Total number of alerts suppressed by the cooldown window",
		},
	)

	// Dead Letter Metrics
	DeadLetterEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dead_letter_entries",
			Help: "Current number of dead-letter entries by kind",
		},
		[]string{"kind"},
	)

	// API Endpoint Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "api_active_requests",
			Help: "Current number of active API requests",
		},
	)

	APIRateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_rate_limit_hits_total",
			Help: "Total number of rate limit rejections",
		},
		[]string{"class"}, // "ingest", "search", "export", "default"
	)

	// System Metrics
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_info",
			Help: "Application version and build information",
		},
		[]string{"version", "go_version"},
	)
)

// RecordIngestBatch records one batch append attempt.
func RecordIngestBatch(size int, duration time.Duration, err error) {
	IngestBatchDuration.Observe(duration.Seconds())
	IngestBatchSize.Observe(float64(size))
	if err == nil {
		IngestEventsTotal.Add(float64(size))
	}
}

// RecordIngestRejection records a rejected ingest request.
func RecordIngestRejection(reason string) {
	IngestRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordChainVerify records a chain verification run.
func RecordChainVerify(duration time.Duration, intact bool) {
	ChainVerifyDuration.Observe(duration.Seconds())
	if !intact {
		ChainIntegrityFailures.Inc()
	}
}

// RecordClassifierFallback records one fall back to the rule table.
func RecordClassifierFallback(reason string) {
	ClassifierFallbacks.WithLabelValues(reason).Inc()
}

// RecordClassification records one ensemble classification.
func RecordClassification(duration time.Duration, lowConfidence bool) {
	ClassifyDuration.Observe(duration.Seconds())
	if lowConfidence {
		ClassifierLowConfidence.Inc()
	}
}

// RecordSweep records one anomaly sweep run.
func RecordSweep(duration time.Duration, scored, flagged int, tenantFailures int) {
	SweepDuration.Observe(duration.Seconds())
	SweepEventsScored.Add(float64(scored))
	AnomaliesFlagged.Add(float64(flagged))
	SweepTenantFailures.Add(float64(tenantFailures))
}

// RecordTraining records one retraining run.
func RecordTraining(modelType string, duration time.Duration) {
	TrainingDuration.WithLabelValues(modelType).Observe(duration.Seconds())
}

// RecordAPIRequest records an API request metric.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordRateLimitHit records a 429 for an endpoint class.
func RecordRateLimitHit(class string) {
	APIRateLimitHits.WithLabelValues(class).Inc()
}

// TrackActiveRequest tracks active API requests.
func TrackActiveRequest(inc bool) {
	if inc {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}

// UpdateDeadLetterEntries sets the current dead-letter depth for a kind.
func UpdateDeadLetterEntries(kind string, count int) {
	DeadLetterEntries.WithLabelValues(kind).Set(float64(count))
}

// IndexerCollector adapts the package counters to the semantic
// indexer's metrics interface.
type IndexerCollector struct{}

func (IndexerCollector) IndexRetry()        { IndexRetries.Inc() }
func (IndexerCollector) IndexDeadLettered() { IndexDeadLettered.Inc() }

// DispatcherCollector adapts the package counters to the alert
// dispatcher's metrics interface.
type DispatcherCollector struct{}

func (DispatcherCollector) AlertDelivery(channel string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	AlertDeliveries.WithLabelValues(channel, result).Inc()
}
