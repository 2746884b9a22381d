// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 8460 {
		t.Errorf("server port = %d, want 8460", cfg.Server.Port)
	}
	if cfg.Ingest.MaxBatchSize != 500 {
		t.Errorf("max batch size = %d, want 500", cfg.Ingest.MaxBatchSize)
	}
	if cfg.Security.RateLimitWindow != time.Minute {
		t.Errorf("rate limit window = %v, want 1m", cfg.Security.RateLimitWindow)
	}
	if cfg.NATS.Enabled {
		t.Error("NATS should be disabled by default")
	}
	if cfg.Anomaly.Threshold != 0.7 {
		t.Errorf("anomaly threshold = %v, want 0.7", cfg.Anomaly.Threshold)
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9999")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("INGEST_MAX_BATCH_SIZE", "100")
	t.Setenv("ANOMALY_THRESHOLD", "0.9")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("server port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %s, want debug", cfg.Logging.Level)
	}
	if cfg.Ingest.MaxBatchSize != 100 {
		t.Errorf("max batch size = %d, want 100", cfg.Ingest.MaxBatchSize)
	}
	if cfg.Anomaly.Threshold != 0.9 {
		t.Errorf("anomaly threshold = %v, want 0.9", cfg.Anomaly.Threshold)
	}
}

func TestLoad_UnmappedEnvVarsIgnored(t *testing.T) {
	t.Setenv("PATH_INFO", "noise")
	t.Setenv("RANDOM_VARIABLE", "also noise")

	if _, err := Load(); err != nil {
		t.Fatalf("Load with stray env vars: %v", err)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "server:\n  port: 7000\nlogging:\n  level: warn\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7000 {
		t.Errorf("server port = %d, want 7000 from file", cfg.Server.Port)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("log level = %s, want warn from file", cfg.Logging.Level)
	}
}

func TestLoad_EnvBeatsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 7000\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("HTTP_PORT", "7500")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7500 {
		t.Errorf("server port = %d, want env override 7500", cfg.Server.Port)
	}
}

func TestLoad_CORSOriginsFromCommaSeparatedEnv(t *testing.T) {
	t.Setenv("CORS_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	origins := cfg.Security.CORSOrigins
	if len(origins) != 2 {
		t.Fatalf("got %d origins, want 2: %v", len(origins), origins)
	}
	if origins[1] != "https://b.example.com" {
		t.Errorf("second origin = %q, trimming failed", origins[1])
	}
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantMsg string
	}{
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantMsg: "server.port",
		},
		{
			name: "production without jwt secret",
			mutate: func(c *Config) {
				c.Server.Environment = "production"
				c.Security.JWTSecret = ""
			},
			wantMsg: "jwt_secret",
		},
		{
			name:    "empty database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantMsg: "database.path",
		},
		{
			name:    "confidence floor out of range",
			mutate:  func(c *Config) { c.Classifier.ConfidenceFloor = 1.5 },
			wantMsg: "confidence_floor",
		},
		{
			name:    "top_k above max",
			mutate:  func(c *Config) { c.Search.TopK = 500 },
			wantMsg: "top_k",
		},
		{
			name:    "active window past max retention",
			mutate:  func(c *Config) { c.Retention.ActiveWindow = c.Retention.MaxRetention },
			wantMsg: "active_window",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestValidate_DefaultsPass(t *testing.T) {
	if err := defaultConfig().Validate(); err != nil {
		t.Fatalf("defaults failed validation: %v", err)
	}
}
