// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

// Package config provides strongly-typed, layered configuration for
// AuditForge using Koanf v2. Precedence: environment > file > defaults.
// Every recognized option is enumerated here and validated at load time.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration struct.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Database   DatabaseConfig   `koanf:"database"`
	Logging    LoggingConfig    `koanf:"logging"`
	Security   SecurityConfig   `koanf:"security"`
	NATS       NATSConfig       `koanf:"nats"`
	Ingest     IngestConfig     `koanf:"ingest"`
	Classifier ClassifierConfig `koanf:"classifier"`
	Anomaly    AnomalyConfig    `koanf:"anomaly"`
	Embedding  EmbeddingConfig  `koanf:"embedding"`
	Search     SearchConfig     `koanf:"search"`
	Alerting   AlertingConfig   `koanf:"alerting"`
	Retention  RetentionConfig  `koanf:"retention"`
	Scheduler  SchedulerConfig  `koanf:"scheduler"`
	Export     ExportConfig     `koanf:"export"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`
	// Environment is "development" or "production"; production tightens
	// secret validation.
	Environment string `koanf:"environment"`
}

// DatabaseConfig configures the DuckDB store.
type DatabaseConfig struct {
	Path      string `koanf:"path"`
	MaxMemory string `koanf:"max_memory"`
	// Threads 0 means runtime.NumCPU().
	Threads int `koanf:"threads"`
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// SecurityConfig configures authentication and rate limiting.
type SecurityConfig struct {
	// JWTSecret signs and verifies tenant bearer tokens.
	JWTSecret string `koanf:"jwt_secret"`

	// CasbinModelPath/CasbinPolicyPath configure the permission checker
	// for admin-only operations. Empty paths fall back to the built-in
	// model that grants admin routes to the "admin" role only.
	CasbinModelPath  string `koanf:"casbin_model_path"`
	CasbinPolicyPath string `koanf:"casbin_policy_path"`

	// Per endpoint class request limits, per window.
	RateLimitWindow  time.Duration `koanf:"rate_limit_window"`
	IngestRateLimit  int           `koanf:"ingest_rate_limit"`
	SearchRateLimit  int           `koanf:"search_rate_limit"`
	ExportRateLimit  int           `koanf:"export_rate_limit"`
	DefaultRateLimit int           `koanf:"default_rate_limit"`

	CORSOrigins []string `koanf:"cors_origins"`
}

// NATSConfig configures the async indexing transport. When Enabled is
// false the pipeline runs on an in-process Watermill channel instead.
type NATSConfig struct {
	Enabled        bool   `koanf:"enabled"`
	URL            string `koanf:"url"`
	EmbeddedServer bool   `koanf:"embedded_server"`
	StoreDir       string `koanf:"store_dir"`
	DurableName    string `koanf:"durable_name"`
	QueueGroup     string `koanf:"queue_group"`
}

// IngestConfig bounds the synchronous ingestion path.
type IngestConfig struct {
	// MaxBatchSize is the maximum events per ingest request.
	MaxBatchSize int `koanf:"max_batch_size"`

	// HistoryLookback bounds the tenant history window for feature
	// extraction.
	HistoryLookback time.Duration `koanf:"history_lookback"`

	// HistoryMaxEvents caps the number of history events loaded.
	HistoryMaxEvents int `koanf:"history_max_events"`
}

// ClassifierConfig bounds the classifier ensemble.
type ClassifierConfig struct {
	// Timeout is the hard latency budget for one classification call;
	// on expiry the deterministic rule fallback is used.
	Timeout time.Duration `koanf:"timeout"`

	// ConfidenceFloor below which results are tagged low_confidence.
	ConfidenceFloor float64 `koanf:"confidence_floor"`

	// Breaker settings for the classifier circuit breaker.
	BreakerMaxFailures  uint32        `koanf:"breaker_max_failures"`
	BreakerOpenInterval time.Duration `koanf:"breaker_open_interval"`
}

// AnomalyConfig configures the scheduled anomaly scorer.
type AnomalyConfig struct {
	// Threshold at or above which is_anomaly is set.
	Threshold float64 `koanf:"threshold"`

	// SweepWindow is the sliding window of unscored events per sweep.
	SweepWindow time.Duration `koanf:"sweep_window"`

	// SweepBatchSize caps events loaded per tenant per sweep.
	SweepBatchSize int `koanf:"sweep_batch_size"`

	// TenantModelMinLabeled is the labeled-event volume at which a
	// tenant-specific model replaces the shared baseline.
	TenantModelMinLabeled int `koanf:"tenant_model_min_labeled"`

	// Forest hyperparameters.
	Trees         int `koanf:"trees"`
	SubsampleSize int `koanf:"subsample_size"`

	// TrainingWindow is the data window used when retraining.
	TrainingWindow time.Duration `koanf:"training_window"`
}

// EmbeddingConfig configures the embedding indexer.
type EmbeddingConfig struct {
	// Endpoint of the external embedding capability.
	Endpoint string `koanf:"endpoint"`

	// Dimensions of returned vectors.
	Dimensions int `koanf:"dimensions"`

	Timeout        time.Duration `koanf:"timeout"`
	MaxAttempts    int           `koanf:"max_attempts"`
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`

	// DeadLetterPath is the badger directory holding exhausted tasks.
	DeadLetterPath string `koanf:"dead_letter_path"`
}

// SearchConfig configures the semantic query engine.
type SearchConfig struct {
	// SynthesisEndpoint of the external text-generation capability.
	SynthesisEndpoint string        `koanf:"synthesis_endpoint"`
	SynthesisTimeout  time.Duration `koanf:"synthesis_timeout"`

	// TopK is the default number of nearest vectors retrieved.
	TopK    int `koanf:"top_k"`
	MaxTopK int `koanf:"max_top_k"`
}

// AlertingConfig configures the alert dispatcher.
type AlertingConfig struct {
	// MinSeverity at which plain (non-anomaly) events alert.
	MinEventSeverity string `koanf:"min_event_severity"`

	MaxAttempts    int           `koanf:"max_attempts"`
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`

	// CooldownWindow suppresses duplicate alerts per (rule, recipient).
	CooldownWindow time.Duration `koanf:"cooldown_window"`

	// DeliveryRatePerSecond paces outbound notifications.
	DeliveryRatePerSecond float64 `koanf:"delivery_rate_per_second"`

	DeliveryTimeout time.Duration `koanf:"delivery_timeout"`
}

// RetentionConfig configures tiered retention.
type RetentionConfig struct {
	// ActiveWindow before events move to the archive tier.
	ActiveWindow time.Duration `koanf:"active_window"`

	// MaxRetention after which events are purged. Default seven years.
	MaxRetention time.Duration `koanf:"max_retention"`

	// SubjectExportMaxEvents caps on-demand subject exports.
	SubjectExportMaxEvents int `koanf:"subject_export_max_events"`
}

// SchedulerConfig configures the job runner intervals.
type SchedulerConfig struct {
	SweepInterval             time.Duration `koanf:"sweep_interval"`
	AnomalyRetrainInterval    time.Duration `koanf:"anomaly_retrain_interval"`
	ClassifierRetrainInterval time.Duration `koanf:"classifier_retrain_interval"`
	ArchivalInterval          time.Duration `koanf:"archival_interval"`
	ReportCheckInterval       time.Duration `koanf:"report_check_interval"`
	JobTimeout                time.Duration `koanf:"job_timeout"`
}

// ExportConfig bounds synchronous export generation.
type ExportConfig struct {
	// MaxResultSetSize is the maximum events rendered synchronously.
	MaxResultSetSize int `koanf:"max_result_set_size"`

	// PDFRendererEndpoint receives render documents and returns PDF
	// bytes. Empty disables PDF exports.
	PDFRendererEndpoint string        `koanf:"pdf_renderer_endpoint"`
	RendererTimeout     time.Duration `koanf:"renderer_timeout"`

	// ReportGatewayEndpoint receives generated scheduled reports for
	// delivery to recipients.
	ReportGatewayEndpoint string `koanf:"report_gateway_endpoint"`
}

// Validate checks the configuration for invalid or unsafe values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.Environment == "production" && c.Security.JWTSecret == "" {
		return fmt.Errorf("security.jwt_secret is required in production")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if c.Ingest.MaxBatchSize < 1 {
		return fmt.Errorf("ingest.max_batch_size must be positive, got %d", c.Ingest.MaxBatchSize)
	}
	if c.Classifier.Timeout <= 0 {
		return fmt.Errorf("classifier.timeout must be positive")
	}
	if c.Classifier.ConfidenceFloor < 0 || c.Classifier.ConfidenceFloor > 1 {
		return fmt.Errorf("classifier.confidence_floor must be in [0,1], got %f", c.Classifier.ConfidenceFloor)
	}
	if c.Anomaly.Threshold < 0 || c.Anomaly.Threshold > 1 {
		return fmt.Errorf("anomaly.threshold must be in [0,1], got %f", c.Anomaly.Threshold)
	}
	if c.Anomaly.Trees < 1 {
		return fmt.Errorf("anomaly.trees must be positive, got %d", c.Anomaly.Trees)
	}
	if c.Embedding.MaxAttempts < 1 {
		return fmt.Errorf("embedding.max_attempts must be positive, got %d", c.Embedding.MaxAttempts)
	}
	if c.Embedding.Dimensions < 1 {
		return fmt.Errorf("embedding.dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	if c.Alerting.MaxAttempts < 1 {
		return fmt.Errorf("alerting.max_attempts must be positive, got %d", c.Alerting.MaxAttempts)
	}
	if c.Search.TopK < 1 || c.Search.TopK > c.Search.MaxTopK {
		return fmt.Errorf("search.top_k must be in [1,%d], got %d", c.Search.MaxTopK, c.Search.TopK)
	}
	if c.Retention.ActiveWindow >= c.Retention.MaxRetention {
		return fmt.Errorf("retention.active_window must be shorter than retention.max_retention")
	}
	if c.Export.MaxResultSetSize < 1 {
		return fmt.Errorf("export.max_result_set_size must be positive, got %d", c.Export.MaxResultSetSize)
	}
	return nil
}
