// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths searched for a config file, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/auditforge/config.yaml",
	"/etc/auditforge/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns built-in defaults. These are applied first, then
// overridden by the config file and environment variables.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8460,
			Timeout:     30 * time.Second,
			Environment: "development",
		},
		Database: DatabaseConfig{
			Path:      "/data/auditforge.duckdb",
			MaxMemory: "2GB",
			Threads:   0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Security: SecurityConfig{
			JWTSecret:        "",
			CasbinModelPath:  "",
			CasbinPolicyPath: "",
			RateLimitWindow:  time.Minute,
			IngestRateLimit:  600,
			SearchRateLimit:  60,
			ExportRateLimit:  10,
			DefaultRateLimit: 300,
			CORSOrigins:      []string{"*"},
		},
		NATS: NATSConfig{
			Enabled:        false,
			URL:            "nats://127.0.0.1:4222",
			EmbeddedServer: true,
			StoreDir:       "/data/nats/jetstream",
			DurableName:    "audit-indexer",
			QueueGroup:     "indexers",
		},
		Ingest: IngestConfig{
			MaxBatchSize:     500,
			HistoryLookback:  72 * time.Hour,
			HistoryMaxEvents: 2000,
		},
		Classifier: ClassifierConfig{
			Timeout:             150 * time.Millisecond,
			ConfidenceFloor:     0.55,
			BreakerMaxFailures:  5,
			BreakerOpenInterval: 30 * time.Second,
		},
		Anomaly: AnomalyConfig{
			Threshold:             0.7,
			SweepWindow:           24 * time.Hour,
			SweepBatchSize:        5000,
			TenantModelMinLabeled: 1000,
			Trees:                 100,
			SubsampleSize:         256,
			TrainingWindow:        30 * 24 * time.Hour,
		},
		Embedding: EmbeddingConfig{
			Endpoint:       "",
			Dimensions:     384,
			Timeout:        10 * time.Second,
			MaxAttempts:    5,
			InitialBackoff: time.Second,
			MaxBackoff:     time.Minute,
			DeadLetterPath: "/data/deadletter",
		},
		Search: SearchConfig{
			SynthesisEndpoint: "",
			SynthesisTimeout:  20 * time.Second,
			TopK:              10,
			MaxTopK:           50,
		},
		Alerting: AlertingConfig{
			MinEventSeverity:      "critical",
			MaxAttempts:           5,
			InitialBackoff:        2 * time.Second,
			MaxBackoff:            2 * time.Minute,
			CooldownWindow:        15 * time.Minute,
			DeliveryRatePerSecond: 5,
			DeliveryTimeout:       10 * time.Second,
		},
		Retention: RetentionConfig{
			ActiveWindow:           365 * 24 * time.Hour,
			MaxRetention:           7 * 365 * 24 * time.Hour,
			SubjectExportMaxEvents: 100000,
		},
		Scheduler: SchedulerConfig{
			SweepInterval:             time.Hour,
			AnomalyRetrainInterval:    7 * 24 * time.Hour,
			ClassifierRetrainInterval: 30 * 24 * time.Hour,
			ArchivalInterval:          24 * time.Hour,
			ReportCheckInterval:       time.Minute,
			JobTimeout:                15 * time.Minute,
		},
		Export: ExportConfig{
			MaxResultSetSize:      10000,
			PDFRendererEndpoint:   "",
			RendererTimeout:       30 * time.Second,
			ReportGatewayEndpoint: "",
		},
	}
}

// Load builds configuration from layered sources:
//  1. Built-in defaults
//  2. Optional YAML config file
//  3. Environment variables (highest priority)
func Load() (*Config, error) {
	k := koanf.New(".")

	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths are parsed from comma-separated env strings.
var sliceConfigPaths = []string{
	"security.cors_origins",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to koanf config paths.
// Unmapped variables are dropped so stray environment noise never pollutes
// the config.
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// Server
		"http_host":    "server.host",
		"http_port":    "server.port",
		"http_timeout": "server.timeout",
		"environment":  "server.environment",

		// Database
		"duckdb_path":       "database.path",
		"duckdb_max_memory": "database.max_memory",
		"duckdb_threads":    "database.threads",

		// Logging
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",

		// Security
		"jwt_secret":         "security.jwt_secret",
		"casbin_model_path":  "security.casbin_model_path",
		"casbin_policy_path": "security.casbin_policy_path",
		"rate_limit_window":  "security.rate_limit_window",
		"ingest_rate_limit":  "security.ingest_rate_limit",
		"search_rate_limit":  "security.search_rate_limit",
		"export_rate_limit":  "security.export_rate_limit",
		"default_rate_limit": "security.default_rate_limit",
		"cors_origins":       "security.cors_origins",

		// NATS
		"nats_enabled":      "nats.enabled",
		"nats_url":          "nats.url",
		"nats_embedded":     "nats.embedded_server",
		"nats_store_dir":    "nats.store_dir",
		"nats_durable_name": "nats.durable_name",
		"nats_queue_group":  "nats.queue_group",

		// Ingestion
		"ingest_max_batch_size":     "ingest.max_batch_size",
		"ingest_history_lookback":   "ingest.history_lookback",
		"ingest_history_max_events": "ingest.history_max_events",

		// Classifier
		"classifier_timeout":               "classifier.timeout",
		"classifier_confidence_floor":      "classifier.confidence_floor",
		"classifier_breaker_max_failures":  "classifier.breaker_max_failures",
		"classifier_breaker_open_interval": "classifier.breaker_open_interval",

		// Anomaly
		"anomaly_threshold":                "anomaly.threshold",
		"anomaly_sweep_window":             "anomaly.sweep_window",
		"anomaly_sweep_batch_size":         "anomaly.sweep_batch_size",
		"anomaly_tenant_model_min_labeled": "anomaly.tenant_model_min_labeled",
		"anomaly_trees":                    "anomaly.trees",
		"anomaly_subsample_size":           "anomaly.subsample_size",
		"anomaly_training_window":          "anomaly.training_window",

		// Embedding
		"embedding_endpoint":         "embedding.endpoint",
		"embedding_dimensions":       "embedding.dimensions",
		"embedding_timeout":          "embedding.timeout",
		"embedding_max_attempts":     "embedding.max_attempts",
		"embedding_initial_backoff":  "embedding.initial_backoff",
		"embedding_max_backoff":      "embedding.max_backoff",
		"embedding_dead_letter_path": "embedding.dead_letter_path",

		// Search
		"search_synthesis_endpoint": "search.synthesis_endpoint",
		"search_synthesis_timeout":  "search.synthesis_timeout",
		"search_top_k":              "search.top_k",
		"search_max_top_k":          "search.max_top_k",

		// Alerting
		"alerting_min_event_severity": "alerting.min_event_severity",
		"alerting_max_attempts":       "alerting.max_attempts",
		"alerting_initial_backoff":    "alerting.initial_backoff",
		"alerting_max_backoff":        "alerting.max_backoff",
		"alerting_cooldown_window":    "alerting.cooldown_window",
		"alerting_delivery_rate":      "alerting.delivery_rate_per_second",
		"alerting_delivery_timeout":   "alerting.delivery_timeout",

		// Retention
		"retention_active_window":      "retention.active_window",
		"retention_max_retention":      "retention.max_retention",
		"retention_subject_export_max": "retention.subject_export_max_events",

		// Scheduler
		"scheduler_sweep_interval":              "scheduler.sweep_interval",
		"scheduler_anomaly_retrain_interval":    "scheduler.anomaly_retrain_interval",
		"scheduler_classifier_retrain_interval": "scheduler.classifier_retrain_interval",
		"scheduler_archival_interval":           "scheduler.archival_interval",
		"scheduler_report_check_interval":       "scheduler.report_check_interval",
		"scheduler_job_timeout":                 "scheduler.job_timeout",

		// Export
		"export_max_result_set_size":     "export.max_result_set_size",
		"export_pdf_renderer_endpoint":   "export.pdf_renderer_endpoint",
		"export_renderer_timeout":        "export.renderer_timeout",
		"export_report_gateway_endpoint": "export.report_gateway_endpoint",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
