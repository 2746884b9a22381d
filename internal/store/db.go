// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

// Package store provides DuckDB-backed persistence for audit events,
// anomalies, trained models, alert integrations and scheduled reports.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/tomtom215/auditforge/internal/config"
	"github.com/tomtom215/auditforge/internal/logging"
)

// Open opens (or creates) the DuckDB database at cfg.Path with the
// configured tuning options and verifies connectivity.
func Open(cfg config.DatabaseConfig) (*sql.DB, error) {
	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	maxMemory := cfg.MaxMemory
	if maxMemory == "" {
		maxMemory = "1GB"
	}

	// Disable auto-install/auto-load so startup never reaches out to the
	// network in restricted environments.
	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s&autoinstall_known_extensions=false&autoload_known_extensions=false",
		cfg.Path, threads, maxMemory)

	db, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	configurePool(db)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Int("threads", threads).Msg("Database opened")
	return db, nil
}

// OpenMemory opens an in-memory DuckDB instance, used by tests and by
// ephemeral tooling.
func OpenMemory() (*sql.DB, error) {
	db, err := sql.Open("duckdb", ":memory:?autoinstall_known_extensions=false&autoload_known_extensions=false")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	configurePool(db)
	return db, nil
}

func configurePool(db *sql.DB) {
	// DuckDB is an in-process engine; a small pool avoids contention on
	// the single storage backend while still allowing concurrent reads.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(0)
}

// CreateSchema creates all tables and indexes. Safe to call repeatedly.
func CreateSchema(ctx context.Context, db *sql.DB) error {
	stores := []interface {
		CreateTables(ctx context.Context) error
	}{
		NewEventStore(db),
		NewAnomalyStore(db),
		NewModelStore(db),
		NewIntegrationStore(db),
		NewReportStore(db),
		NewJobStore(db),
	}
	for _, s := range stores {
		if err := s.CreateTables(ctx); err != nil {
			return err
		}
	}
	return nil
}

// execStatements splits a multi-statement schema script and executes
// each statement separately, as the driver rejects batched DDL.
func execStatements(ctx context.Context, db *sql.DB, script string) error {
	for _, stmt := range strings.Split(script, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}
