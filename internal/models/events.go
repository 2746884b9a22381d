// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

// Package models defines the core data model shared across the pipeline:
// audit events, anomaly records, ML model metadata, integration and
// scheduled-report configuration, and the API response envelope.
package models

import (
	"time"

	"github.com/goccy/go-json"
)

// Severity indicates the severity level of an audit event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ValidSeverity reports whether s is a member of the closed severity enum.
func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// severityRank orders severities for threshold comparisons.
var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityError:    2,
	SeverityCritical: 3,
}

// AtLeast reports whether s is at or above min in severity order.
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

// Category is the business category assigned by the classifier ensemble.
type Category string

const (
	CategorySecurityChange     Category = "security_change"
	CategoryFinancialImpact    Category = "financial_impact"
	CategoryResourceAllocation Category = "resource_allocation"
	CategoryRiskEvent          Category = "risk_event"
	CategoryComplianceAction   Category = "compliance_action"
)

// AllCategories returns the category enum in stable presentation order.
func AllCategories() []Category {
	return []Category{
		CategorySecurityChange,
		CategoryFinancialImpact,
		CategoryResourceAllocation,
		CategoryRiskEvent,
		CategoryComplianceAction,
	}
}

// RiskLevel is the risk label assigned by the classifier ensemble.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RetentionTier classifies an event's storage tier over its lifecycle.
type RetentionTier string

const (
	TierActive        RetentionTier = "active"
	TierArchive       RetentionTier = "archive"
	TierPurgeEligible RetentionTier = "purge_eligible"
)

// ChainSeed is the prev_hash of the first event of every tenant chain.
const ChainSeed = "0000000000000000000000000000000000000000000000000000000000000000"

// TagLowConfidence marks events whose classifier confidence fell below the floor.
const TagLowConfidence = "low_confidence"

// AuditEvent is an immutable, hash-chained audit record. Once persisted no
// field may be mutated; category, risk_level, anomaly_score, is_anomaly and
// tags are filled in exactly once by asynchronous stages.
type AuditEvent struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`

	// Sequence is the per-tenant chain position, starting at 1.
	Sequence int64 `json:"sequence"`

	Timestamp     time.Time       `json:"timestamp"`
	EventType     string          `json:"event_type"`
	ActorID       string          `json:"actor_id"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id,omitempty"`
	ActionDetails json.RawMessage `json:"action_details,omitempty"`
	Severity      Severity        `json:"severity"`

	// Filled in by the classifier ensemble after the synchronous path.
	Category  Category  `json:"category,omitempty"`
	RiskLevel RiskLevel `json:"risk_level,omitempty"`

	// Filled in by the scheduled anomaly sweep. AnomalyScore stays nil
	// until scored; it is never defaulted to "not anomalous".
	AnomalyScore *float64 `json:"anomaly_score,omitempty"`
	IsAnomaly    bool     `json:"is_anomaly"`

	Tags []string `json:"tags,omitempty"`

	// Hash chain linkage.
	Hash     string `json:"hash"`
	PrevHash string `json:"prev_hash"`

	Tier RetentionTier `json:"tier,omitempty"`
}

// HasTag reports whether the event carries the given tag.
func (e *AuditEvent) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// RawEvent is the inbound ingestion payload before validation and chaining.
type RawEvent struct {
	EventType     string          `json:"event_type" validate:"required,max=128"`
	EntityType    string          `json:"entity_type" validate:"required,max=128"`
	EntityID      string          `json:"entity_id,omitempty" validate:"max=256"`
	ActorID       string          `json:"actor_id,omitempty" validate:"max=256"`
	Severity      Severity        `json:"severity" validate:"required,oneof=info warning error critical"`
	ActionDetails json.RawMessage `json:"action_details,omitempty"`
}

// AnomalyRecord is created by the anomaly scorer for flagged events and
// updated only through the human feedback fields.
type AnomalyRecord struct {
	ID           string    `json:"id"`
	AuditEventID string    `json:"audit_event_id"`
	TenantID     string    `json:"tenant_id"`
	Score        float64   `json:"score"`
	DetectedAt   time.Time `json:"detected_at"`
	ModelVersion string    `json:"model_version"`

	// Explanation lists contributing features ranked by contribution.
	Explanation []FeatureContribution `json:"explanation,omitempty"`

	IsFalsePositive *bool  `json:"is_false_positive,omitempty"`
	FeedbackNotes   string `json:"feedback_notes,omitempty"`
}

// FeatureContribution names one feature's share of an anomaly score.
type FeatureContribution struct {
	Feature      string  `json:"feature"`
	Contribution float64 `json:"contribution"`
}

// ModelType identifies what a trained model predicts.
type ModelType string

const (
	ModelAnomaly            ModelType = "anomaly"
	ModelCategoryClassifier ModelType = "category_classifier"
	ModelRiskClassifier     ModelType = "risk_classifier"
)

// MLModel records a trained model version. Models are deactivated when
// superseded, never deleted.
type MLModel struct {
	ID        string    `json:"id"`
	ModelType ModelType `json:"model_type"`
	Version   string    `json:"version"`
	TrainedAt time.Time `json:"trained_at"`

	// TrainingWindow is the data window the model was trained over.
	TrainingWindowStart time.Time `json:"training_window_start"`
	TrainingWindowEnd   time.Time `json:"training_window_end"`

	Metrics  ModelMetrics `json:"metrics"`
	IsActive bool         `json:"is_active"`

	// TenantID is set only for tenant-specific models, created once a
	// tenant has accumulated sufficient labeled volume.
	TenantID string `json:"tenant_id,omitempty"`

	// Parameters is the serialized model state.
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// ModelMetrics holds evaluation metrics as applicable per model type.
type ModelMetrics struct {
	Precision float64 `json:"precision,omitempty"`
	Recall    float64 `json:"recall,omitempty"`
	F1        float64 `json:"f1,omitempty"`
	Accuracy  float64 `json:"accuracy,omitempty"`
	Samples   int     `json:"samples"`
}

// ChannelType identifies an alert delivery channel implementation.
type ChannelType string

const (
	ChannelWebhook ChannelType = "webhook"
	ChannelSlack   ChannelType = "slack"
	ChannelEmail   ChannelType = "email"
)

// IntegrationConfig configures one alert delivery channel for a tenant.
// Managed by the admin CRUD surface; the pipeline only reads it and
// updates delivery statistics.
type IntegrationConfig struct {
	ID          string      `json:"id"`
	TenantID    string      `json:"tenant_id"`
	ChannelType ChannelType `json:"channel_type"`
	Endpoint    string      `json:"endpoint"`
	MinSeverity Severity    `json:"min_severity"`
	IsActive    bool        `json:"is_active"`

	// Delivery statistics.
	DeliveredCount int64      `json:"delivered_count"`
	FailedCount    int64      `json:"failed_count"`
	LastDeliveryAt *time.Time `json:"last_delivery_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
}

// ReportFormat is the output format of a scheduled report.
type ReportFormat string

const (
	ReportCSV ReportFormat = "csv"
	ReportPDF ReportFormat = "pdf"
)

// ScheduledReportConfig drives periodic report generation per tenant.
type ScheduledReportConfig struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	CronSchedule string          `json:"cron_schedule"`
	FilterSpec   json.RawMessage `json:"filter_spec,omitempty"`
	Format       ReportFormat    `json:"format"`
	Recipients   []string        `json:"recipients"`
	LastRunAt    *time.Time      `json:"last_run_at,omitempty"`
	LastStatus   string          `json:"last_status,omitempty"`
}

// EventFilter selects events for queries, exports and reports.
type EventFilter struct {
	TenantID      string     `json:"tenant_id"`
	ActorID       string     `json:"actor_id,omitempty"`
	EntityType    string     `json:"entity_type,omitempty"`
	EventTypes    []string   `json:"event_types,omitempty"`
	Severities    []Severity `json:"severities,omitempty"`
	Categories    []Category `json:"categories,omitempty"`
	StartTime     *time.Time `json:"start_time,omitempty"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	OnlyAnomalies bool       `json:"only_anomalies,omitempty"`
	Limit         int        `json:"limit,omitempty"`
	Offset        int        `json:"offset,omitempty"`
}

// DefaultEventFilter returns a sensible default filter for a tenant.
func DefaultEventFilter(tenantID string) EventFilter {
	return EventFilter{TenantID: tenantID, Limit: 100}
}
