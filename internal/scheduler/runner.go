// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/auditforge/internal/config"
	"github.com/tomtom215/auditforge/internal/logging"
	"github.com/tomtom215/auditforge/internal/models"
)

// Job statuses recorded after each run.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// defaultPollInterval bounds how often job due-times are re-checked.
const defaultPollInterval = 15 * time.Second

// Job is a named unit of periodic work. A job whose Every has elapsed
// since its last recorded run is executed on the next poll.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

// JobLog persists per-job run bookkeeping so restarts do not re-run
// work that already happened inside the interval.
type JobLog interface {
	LastRun(ctx context.Context, jobName string) (time.Time, error)
	RecordRun(ctx context.Context, jobName string, at time.Time, status string) error
}

// Runner executes registered jobs on their intervals. Jobs run
// sequentially; they share the same database and none of them is
// latency sensitive.
type Runner struct {
	jobs    []Job
	log     JobLog
	timeout time.Duration
	poll    time.Duration
	logger  zerolog.Logger
	now     func() time.Time
}

// NewRunner creates a runner for the given jobs. Jobs with a
// non-positive interval are skipped.
func NewRunner(cfg config.SchedulerConfig, log JobLog, jobs ...Job) *Runner {
	timeout := cfg.JobTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	active := make([]Job, 0, len(jobs))
	poll := defaultPollInterval
	for _, j := range jobs {
		if j.Every <= 0 {
			continue
		}
		active = append(active, j)
		if j.Every < poll {
			poll = j.Every
		}
	}

	return &Runner{
		jobs:    active,
		log:     log,
		timeout: timeout,
		poll:    poll,
		logger:  logging.Logger().With().Str("component", "scheduler").Logger(),
		now:     time.Now,
	}
}

// Serve runs the scheduling loop until ctx is cancelled. It satisfies
// the supervisor service contract.
func (r *Runner) Serve(ctx context.Context) error {
	r.logger.Info().
		Int("jobs", len(r.jobs)).
		Dur("poll_interval", r.poll).
		Msg("Starting job scheduler")

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	// Check immediately on start so restarts pick up overdue work.
	r.runDue(ctx)

	for {
		select {
		case <-ticker.C:
			r.runDue(ctx)
		case <-ctx.Done():
			r.logger.Info().Msg("Job scheduler stopped")
			return ctx.Err()
		}
	}
}

// RunDue executes every job whose interval has elapsed. Exposed for
// operational triggering; Serve calls it on each poll.
func (r *Runner) RunDue(ctx context.Context) {
	r.runDue(ctx)
}

func (r *Runner) runDue(ctx context.Context) {
	now := r.now()
	for i := range r.jobs {
		if ctx.Err() != nil {
			return
		}
		job := r.jobs[i]

		last, err := r.log.LastRun(ctx, job.Name)
		if err != nil {
			r.logger.Error().Err(err).Str("job", job.Name).Msg("Failed to read job bookkeeping")
			continue
		}
		if !last.IsZero() && now.Sub(last) < job.Every {
			continue
		}

		r.runJob(ctx, job, now)
	}
}

func (r *Runner) runJob(ctx context.Context, job Job, startedAt time.Time) {
	jobCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	logger := r.logger.With().Str("job", job.Name).Logger()
	logger.Debug().Msg("Running scheduled job")

	status := StatusOK
	start := r.now()
	if err := job.Run(jobCtx); err != nil {
		status = StatusFailed
		logger.Error().Err(err).Dur("duration", r.now().Sub(start)).Msg("Scheduled job failed")
	} else {
		logger.Info().Dur("duration", r.now().Sub(start)).Msg("Scheduled job completed")
	}

	// A failed run is still recorded so a broken job retries on its
	// interval instead of hot-looping every poll.
	if err := r.log.RecordRun(ctx, job.Name, startedAt, status); err != nil {
		logger.Error().Err(err).Msg("Failed to record job run")
	}
}

// ReportSource lists scheduled report configurations and records their
// run outcomes.
type ReportSource interface {
	All(ctx context.Context) ([]models.ScheduledReportConfig, error)
	MarkRun(ctx context.Context, id, status string, at time.Time) error
}

// ReportGenerator renders and delivers one scheduled report.
type ReportGenerator interface {
	Generate(ctx context.Context, rc models.ScheduledReportConfig) error
}

// NewReportJob builds the job that evaluates every report's cron
// expression and generates those that are due. A report is due when a
// scheduled tick falls between its last run and now; reports that have
// never run use the check interval as the lookback window.
func NewReportJob(checkInterval time.Duration, reports ReportSource, generator ReportGenerator) Job {
	if checkInterval <= 0 {
		checkInterval = time.Minute
	}
	logger := logging.Logger().With().Str("component", "report-job").Logger()

	return Job{
		Name:  "scheduled_reports",
		Every: checkInterval,
		Run: func(ctx context.Context) error {
			now := time.Now().UTC()

			configs, err := reports.All(ctx)
			if err != nil {
				return err
			}

			for _, rc := range configs {
				sched, err := ParseSchedule(rc.CronSchedule)
				if err != nil {
					// Invalid expressions are recorded, not retried.
					logger.Warn().Err(err).
						Str("report_id", rc.ID).
						Str("cron", rc.CronSchedule).
						Msg("Skipping report with invalid cron expression")
					markRun(ctx, logger, reports, rc.ID, StatusFailed, now)
					continue
				}

				last := now.Add(-checkInterval)
				if rc.LastRunAt != nil {
					last = rc.LastRunAt.UTC()
				}
				if sched.Next(last).After(now) {
					continue
				}

				status := StatusOK
				if err := generator.Generate(ctx, rc); err != nil {
					status = StatusFailed
					logger.Error().Err(err).
						Str("report_id", rc.ID).
						Str("tenant_id", rc.TenantID).
						Msg("Scheduled report generation failed")
				} else {
					logger.Info().
						Str("report_id", rc.ID).
						Str("tenant_id", rc.TenantID).
						Str("format", string(rc.Format)).
						Msg("Scheduled report generated")
				}
				markRun(ctx, logger, reports, rc.ID, status, now)
			}
			return nil
		},
	}
}

func markRun(ctx context.Context, logger zerolog.Logger, reports ReportSource, id, status string, at time.Time) {
	if err := reports.MarkRun(ctx, id, status, at); err != nil {
		logger.Error().Err(err).Str("report_id", id).Msg("Failed to record report run")
	}
}
