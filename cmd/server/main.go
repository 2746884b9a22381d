// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

// Package main is the entry point for the AuditForge server.
//
// AuditForge ingests audit events into per-tenant tamper-evident hash
// chains, classifies them at ingest time, sweeps for anomalies on a
// schedule, and serves semantic search, alerting, retention, and
// scheduled report generation over a REST API.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: layered load from defaults, config file, and
//     environment variables (Koanf v2)
//  2. Database: DuckDB schema for events, anomalies, models,
//     integrations, reports, job runs, and embedding vectors
//  3. Dead-letter store: BadgerDB queue for exhausted async work
//  4. Event bus: in-process Watermill channels, or NATS JetStream when
//     NATS_ENABLED=true (optionally with an embedded server)
//  5. Pipeline: hash-chain appender and verifier, classifier ensemble,
//     anomaly scorer and trainer, embedding indexer, alert dispatcher,
//     retention manager, export generator
//  6. Scheduler: interval jobs for sweeps, retraining, archival, and
//     cron-driven reports
//  7. HTTP API: chi router with JWT authentication, Casbin-guarded
//     admin routes, and per-class rate limits
//
// All long-running components run under a suture supervisor tree and
// restart independently on failure.
//
// # Configuration
//
// Minimum production configuration:
//
//	export JWT_SECRET=$(openssl rand -base64 32)
//	export DATABASE_PATH=/var/lib/auditforge/audit.db
//	./auditforge
//
// With NATS JetStream and an external embedding service:
//
//	export NATS_ENABLED=true
//	export NATS_EMBEDDED_SERVER=true
//	export EMBEDDING_ENDPOINT=http://embedder:8000/embed
//	./auditforge
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the HTTP server stops
// accepting connections and drains in-flight requests, then the
// pipeline services and stores close in reverse start order.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/auditforge/internal/alerting"
	"github.com/tomtom215/auditforge/internal/anomaly"
	"github.com/tomtom215/auditforge/internal/api"
	"github.com/tomtom215/auditforge/internal/authz"
	"github.com/tomtom215/auditforge/internal/classify"
	"github.com/tomtom215/auditforge/internal/config"
	"github.com/tomtom215/auditforge/internal/export"
	"github.com/tomtom215/auditforge/internal/features"
	"github.com/tomtom215/auditforge/internal/hashchain"
	"github.com/tomtom215/auditforge/internal/logging"
	"github.com/tomtom215/auditforge/internal/metrics"
	"github.com/tomtom215/auditforge/internal/models"
	"github.com/tomtom215/auditforge/internal/pipeline"
	"github.com/tomtom215/auditforge/internal/retention"
	"github.com/tomtom215/auditforge/internal/scheduler"
	"github.com/tomtom215/auditforge/internal/semantic"
	"github.com/tomtom215/auditforge/internal/store"
	"github.com/tomtom215/auditforge/internal/supervisor"
)

//nolint:gocyclo // Sequential wiring of the full component graph.
func main() {
	cfg, err := config.Load()
	if err != nil {
		// The default logger carries config errors; logging settings
		// are not available yet.
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("db_path", cfg.Database.Path).
		Bool("nats_enabled", cfg.NATS.Enabled).
		Str("environment", cfg.Server.Environment).
		Msg("Starting AuditForge")

	db, err := store.Open(cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()

	initCtx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelInit()

	if err := store.CreateSchema(initCtx, db); err != nil {
		logging.Fatal().Err(err).Msg("Failed to create schema")
	}
	vectorStore := semantic.NewVectorStore(db)
	if err := vectorStore.CreateTables(initCtx); err != nil {
		logging.Fatal().Err(err).Msg("Failed to create vector tables")
	}
	logging.Info().Msg("Database initialized")

	deadLetter, err := pipeline.OpenDeadLetterStore(cfg.Embedding.DeadLetterPath)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open dead-letter store")
	}
	defer func() {
		if err := deadLetter.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing dead-letter store")
		}
	}()

	var bus *pipeline.Bus
	if cfg.NATS.Enabled {
		natsBus, err := pipeline.NewNATSBus(cfg.NATS)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer func() {
			if err := natsBus.Close(); err != nil {
				logging.Error().Err(err).Msg("Error closing NATS bus")
			}
		}()
		bus = natsBus.Bus
		logging.Info().Str("url", cfg.NATS.URL).Bool("embedded", cfg.NATS.EmbeddedServer).Msg("NATS JetStream bus ready")
	} else {
		inproc := pipeline.NewInProcessBus()
		defer func() {
			if err := inproc.Close(); err != nil {
				logging.Error().Err(err).Msg("Error closing event bus")
			}
		}()
		bus = inproc
	}

	eventStore := store.NewEventStore(db)
	anomalyStore := store.NewAnomalyStore(db)
	modelStore := store.NewModelStore(db)
	integrationStore := store.NewIntegrationStore(db)
	reportStore := store.NewReportStore(db)
	jobStore := store.NewJobStore(db)

	appender := hashchain.NewAppender(eventStore, cfg.Ingest.MaxBatchSize)

	dispatcher := alerting.NewDispatcher(cfg.Alerting, integrationStore, deadLetter, bus, metrics.DispatcherCollector{})
	dispatcher.SetChannel(alerting.NewWebhookChannel(cfg.Alerting.DeliveryTimeout))
	dispatcher.SetChannel(alerting.NewSlackChannel(cfg.Alerting.DeliveryTimeout))
	dispatcher.SetChannel(alerting.NewEmailChannel(cfg.Alerting.DeliveryTimeout))

	chainVerifier := hashchain.NewVerifier(eventStore, dispatcher)

	extractor := features.NewExtractor()
	ensemble := classify.NewEnsemble(cfg.Classifier, nil, nil)
	loadClassifiers(initCtx, modelStore, ensemble)

	scorer := anomaly.NewScorer(cfg.Anomaly, eventStore, anomalyStore, modelStore, extractor, dispatcher)
	trainer := anomaly.NewTrainer(cfg.Anomaly, eventStore, modelStore, anomalyStore, extractor, ensemble)

	embedClient := semantic.NewHTTPEmbeddingClient(cfg.Embedding)
	synthClient := semantic.NewHTTPSynthesisClient(cfg.Search)
	indexer := semantic.NewIndexer(cfg.Embedding, bus, embedClient, vectorStore, deadLetter, metrics.IndexerCollector{})
	queryEngine := semantic.NewQueryEngine(cfg.Search, embedClient, synthClient, vectorStore, eventStore)

	retentionManager := retention.NewManager(cfg.Retention, eventStore, appender)

	exporter := export.NewExporter(cfg.Export, eventStore, export.NewHTTPPDFRenderer(cfg.Export))
	reportGenerator := export.NewGenerator(exporter, export.NewHTTPReportGateway(cfg.Export))

	runner := scheduler.NewRunner(cfg.Scheduler, jobStore,
		scheduler.Job{
			Name:  "anomaly_sweep",
			Every: cfg.Scheduler.SweepInterval,
			Run: func(ctx context.Context) error {
				_, err := scorer.RunSweep(ctx)
				return err
			},
		},
		scheduler.Job{
			Name:  "anomaly_retrain",
			Every: cfg.Scheduler.AnomalyRetrainInterval,
			Run:   trainer.RetrainAnomaly,
		},
		scheduler.Job{
			Name:  "classifier_retrain",
			Every: cfg.Scheduler.ClassifierRetrainInterval,
			Run:   trainer.RetrainClassifiers,
		},
		scheduler.Job{
			Name:  "retention_archival",
			Every: cfg.Scheduler.ArchivalInterval,
			Run: func(ctx context.Context) error {
				_, err := retentionManager.RunArchival(ctx)
				return err
			},
		},
		scheduler.NewReportJob(cfg.Scheduler.ReportCheckInterval, reportStore, reportGenerator),
	)

	tokenVerifier, err := authz.NewTokenVerifier(cfg.Security.JWTSecret)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to configure token verification")
	}
	enforcer, err := authz.NewEnforcer(cfg.Security.CasbinModelPath, cfg.Security.CasbinPolicyPath)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to configure permission checks")
	}

	handler := api.NewHandler(api.HandlerDeps{
		IngestConfig: cfg.Ingest,
		Ingest:       appender,
		Events:       eventStore,
		Anomalies:    anomalyStore,
		Integrations: integrationStore,
		Reports:      reportStore,
		Search:       queryEngine,
		Exporter:     exporter,
		Verifier:     chainVerifier,
		DeadLetters:  deadLetter,
		Subjects:     retentionManager,
		Alerts:       dispatcher,
		Classifier:   ensemble,
		Extractor:    extractor,
		Bus:          bus,
		Ready:        db.PingContext,
	})
	router := api.NewRouter(handler, tokenVerifier, enforcer, cfg.Security)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router.Routes(),
		ReadTimeout:       cfg.Server.Timeout,
		WriteTimeout:      cfg.Server.Timeout,
		IdleTimeout:       2 * cfg.Server.Timeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddPipelineService(supervisor.Named("job-runner", runner))
	tree.AddPipelineService(supervisor.Named("alert-dispatcher", dispatcher))
	tree.AddPipelineService(supervisor.Named("embedding-indexer", indexer))
	tree.AddAPIService(supervisor.NewHTTPService(srv, 10*time.Second))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Info().Str("addr", srv.Addr).Msg("AuditForge ready")

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree exited with error")
	}
	logging.Info().Msg("Shutdown complete")
}

// loadClassifiers restores the active trained classifiers, if any.
// The ensemble serves rule-table classifications until the first
// training job completes, so a missing model is not an error.
func loadClassifiers(ctx context.Context, registry *store.ModelStore, ensemble *classify.Ensemble) {
	category := loadNaiveBayes(ctx, registry, models.ModelCategoryClassifier)
	risk := loadNaiveBayes(ctx, registry, models.ModelRiskClassifier)
	if category != nil && risk != nil {
		ensemble.SetClassifiers(category, risk)
		logging.Info().Msg("Restored trained classifiers")
	}
}

func loadNaiveBayes(ctx context.Context, registry *store.ModelStore, modelType models.ModelType) *classify.NaiveBayes {
	model, err := registry.ActiveModel(ctx, modelType, "")
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			logging.Warn().Err(err).Str("model_type", string(modelType)).Msg("Failed to load active model")
		}
		return nil
	}
	nb, err := classify.LoadNaiveBayes(model.Parameters)
	if err != nil {
		logging.Warn().Err(err).Str("model_type", string(modelType)).Msg("Stored model parameters are unreadable")
		return nil
	}
	return nb
}
