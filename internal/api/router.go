// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/auditforge/internal/authz"
	"github.com/tomtom215/auditforge/internal/config"
	"github.com/tomtom215/auditforge/internal/middleware"
)

// Router builds the HTTP routing tree.
type Router struct {
	handler  *Handler
	verifier *authz.TokenVerifier
	enforcer *authz.Enforcer
	limits   *rateLimits
	cors     func(http.Handler) http.Handler
}

// NewRouter wires the handler set with authentication, authorization
// and per-class rate limiting.
func NewRouter(handler *Handler, verifier *authz.TokenVerifier, enforcer *authz.Enforcer, sec config.SecurityConfig) *Router {
	return &Router{
		handler:  handler,
		verifier: verifier,
		enforcer: enforcer,
		limits:   newRateLimits(sec),
		cors: cors.Handler(cors.Options{
			AllowedOrigins:   sec.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           86400,
		}),
	}
}

// Routes assembles the full routing tree. Health and metrics stay
// outside authentication; everything under /api/v1 requires a valid
// tenant bearer token, and the chain and dead-letter admin surfaces
// additionally go through the permission check.
func (rt *Router) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(rt.cors)

	r.Route("/api/v1/health", func(r chi.Router) {
		r.Get("/live", rt.handler.HealthLive)
		r.Get("/ready", rt.handler.HealthReady)
	})

	authenticate := authz.Authenticate(rt.verifier)

	// Ingestion. The largest limit: this is the hot write path.
	r.Route("/api/v1/events", func(r chi.Router) {
		r.Use(middleware.PrometheusMetrics)
		r.Use(authenticate)

		r.With(rt.limits.Ingest()).Post("/", rt.handler.Ingest)
		r.With(rt.limits.Default()).Get("/", rt.handler.ListEvents)
		r.With(rt.limits.Default()).Get("/{id}", rt.handler.GetEvent)
	})

	// Semantic search fans out to the embedding and synthesis services.
	r.Route("/api/v1/search", func(r chi.Router) {
		r.Use(rt.limits.Search())
		r.Use(middleware.PrometheusMetrics)
		r.Use(authenticate)

		r.Post("/", rt.handler.Search)
	})

	r.Route("/api/v1/anomalies", func(r chi.Router) {
		r.Use(rt.limits.Default())
		r.Use(middleware.PrometheusMetrics)
		r.Use(authenticate)

		r.Get("/", rt.handler.ListAnomalies)
		r.Get("/{id}", rt.handler.GetAnomaly)
		r.Post("/{id}/feedback", rt.handler.AnomalyFeedback)
	})

	// Exports are resource intensive and get the strictest limit.
	r.Route("/api/v1/export", func(r chi.Router) {
		r.Use(rt.limits.Export())
		r.Use(middleware.PrometheusMetrics)
		r.Use(authenticate)

		r.Post("/{format}", rt.handler.Export)
	})

	r.Route("/api/v1/subjects", func(r chi.Router) {
		r.Use(rt.limits.Export())
		r.Use(middleware.PrometheusMetrics)
		r.Use(authenticate)

		r.Get("/{actorID}/events", rt.handler.SubjectExport)
	})

	r.Route("/api/v1/integrations", func(r chi.Router) {
		r.Use(rt.limits.Default())
		r.Use(middleware.PrometheusMetrics)
		r.Use(authenticate)

		r.Get("/", rt.handler.ListIntegrations)
		r.Post("/", rt.handler.CreateIntegration)
		r.Get("/{id}", rt.handler.GetIntegration)
		r.Put("/{id}", rt.handler.UpdateIntegration)
		r.Delete("/{id}", rt.handler.DeleteIntegration)
		r.Post("/{id}/test", rt.handler.TestIntegration)
	})

	r.Route("/api/v1/reports", func(r chi.Router) {
		r.Use(rt.limits.Default())
		r.Use(middleware.PrometheusMetrics)
		r.Use(authenticate)

		r.Get("/", rt.handler.ListReports)
		r.Post("/", rt.handler.CreateReport)
		r.Get("/{id}", rt.handler.GetReport)
		r.Delete("/{id}", rt.handler.DeleteReport)
	})

	// Admin surfaces: chain verification and dead-letter inspection.
	r.Route("/api/v1/chain", func(r chi.Router) {
		r.Use(rt.limits.Default())
		r.Use(middleware.PrometheusMetrics)
		r.Use(authenticate)
		r.Use(authz.Require(rt.enforcer, authz.ObjectChain, authz.ActionVerify))

		r.Get("/verify", rt.handler.VerifyChain)
	})

	r.Route("/api/v1/deadletter", func(r chi.Router) {
		r.Use(rt.limits.Default())
		r.Use(middleware.PrometheusMetrics)
		r.Use(authenticate)
		r.Use(authz.Require(rt.enforcer, authz.ObjectDeadLetter, authz.ActionRead))

		r.Get("/", rt.handler.ListDeadLetters)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
