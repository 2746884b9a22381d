// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/tomtom215/auditforge/internal/config"
	"github.com/tomtom215/auditforge/internal/metrics"
)

// Endpoint classes for rate limiting. Ingest is write-heavy and gets
// the largest budget; search fans out to external services; export is
// resource intensive and gets the strictest limit.
const (
	classIngest  = "ingest"
	classSearch  = "search"
	classExport  = "export"
	classDefault = "default"
)

// rateLimits builds per-class limiter middlewares from the security
// config. Limits are keyed by client IP so one noisy producer cannot
// starve the rest of a shared deployment.
type rateLimits struct {
	window time.Duration
	cfg    config.SecurityConfig
}

func newRateLimits(cfg config.SecurityConfig) *rateLimits {
	window := cfg.RateLimitWindow
	if window <= 0 {
		window = time.Minute
	}
	return &rateLimits{window: window, cfg: cfg}
}

func (rl *rateLimits) Ingest() func(http.Handler) http.Handler {
	return rl.limit(classIngest, rl.cfg.IngestRateLimit)
}

func (rl *rateLimits) Search() func(http.Handler) http.Handler {
	return rl.limit(classSearch, rl.cfg.SearchRateLimit)
}

func (rl *rateLimits) Export() func(http.Handler) http.Handler {
	return rl.limit(classExport, rl.cfg.ExportRateLimit)
}

func (rl *rateLimits) Default() func(http.Handler) http.Handler {
	return rl.limit(classDefault, rl.cfg.DefaultRateLimit)
}

func (rl *rateLimits) limit(class string, requests int) func(http.Handler) http.Handler {
	if requests <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		requests,
		rl.window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			metrics.RecordRateLimitHit(class)
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
			respondError(w, http.StatusTooManyRequests, codeRateLimited,
				"rate limit exceeded, retry later", nil)
		}),
	)
}
