// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/auditforge/internal/hashchain"
	"github.com/tomtom215/auditforge/internal/logging"
	"github.com/tomtom215/auditforge/internal/models"
)

// EventStore persists audit events across retention tiers and maintains
// the per-tenant chain heads. It implements hashchain.ChainStore and
// hashchain.VerifyStore.
type EventStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewEventStore creates an event store over an open database.
func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

// eventColumns is the shared column list for active and archive tables.
const eventColumns = `
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	event_type TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL DEFAULT '',
	action_details JSON,
	severity TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT '',
	risk_level TEXT NOT NULL DEFAULT '',
	anomaly_score DOUBLE,
	is_anomaly BOOLEAN NOT NULL DEFAULT FALSE,
	tags JSON,
	hash TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	tier TEXT NOT NULL DEFAULT 'active',
	created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (tenant_id, sequence)`

// CreateTables creates the event tables, the chain head table, the
// cross-tier view and indexes. Safe to call repeatedly.
func (s *EventStore) CreateTables(ctx context.Context) error {
	script := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS audit_events (%s);
		CREATE TABLE IF NOT EXISTS audit_events_archive (%s);

		CREATE TABLE IF NOT EXISTS chain_heads (
			tenant_id TEXT PRIMARY KEY,
			sequence BIGINT NOT NULL,
			hash TEXT NOT NULL,
			last_timestamp TIMESTAMPTZ NOT NULL,
			halted BOOLEAN NOT NULL DEFAULT FALSE,
			checkpoint_seq BIGINT NOT NULL DEFAULT 0,
			checkpoint_prev_hash TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE OR REPLACE VIEW audit_events_all AS
			SELECT * FROM audit_events
			UNION ALL
			SELECT * FROM audit_events_archive;

		CREATE INDEX IF NOT EXISTS idx_events_tenant_seq ON audit_events(tenant_id, sequence);
		CREATE INDEX IF NOT EXISTS idx_events_tenant_ts ON audit_events(tenant_id, timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_events_actor ON audit_events(tenant_id, actor_id);
		CREATE INDEX IF NOT EXISTS idx_events_type ON audit_events(tenant_id, event_type);
		CREATE INDEX IF NOT EXISTS idx_archive_tenant_seq ON audit_events_archive(tenant_id, sequence);
		CREATE INDEX IF NOT EXISTS idx_archive_tenant_ts ON audit_events_archive(tenant_id, timestamp DESC)
	`, eventColumns, eventColumns)

	if err := execStatements(ctx, s.db, script); err != nil {
		return err
	}
	logging.Info().Msg("Event tables created/verified")
	return nil
}

// ChainHead returns the current head for the tenant. An unknown tenant
// gets an empty head anchored at the chain seed.
func (s *EventStore) ChainHead(ctx context.Context, tenantID string) (hashchain.ChainHead, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	head := hashchain.ChainHead{TenantID: tenantID, Hash: models.ChainSeed}
	err := s.db.QueryRowContext(ctx,
		`SELECT sequence, hash, last_timestamp, halted FROM chain_heads WHERE tenant_id = ?`,
		tenantID,
	).Scan(&head.Sequence, &head.Hash, &head.LastTimestamp, &head.Halted)
	if errors.Is(err, sql.ErrNoRows) {
		return head, nil
	}
	if err != nil {
		return head, fmt.Errorf("failed to read chain head: %w", err)
	}
	head.LastTimestamp = head.LastTimestamp.UTC()
	return head, nil
}

// AppendEvents persists a hashed batch and advances the chain head in
// one transaction. The caller holds the tenant's append lock.
func (s *EventStore) AppendEvents(ctx context.Context, events []models.AuditEvent, newHead hashchain.ChainHead) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin append transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insert := `
		INSERT INTO audit_events (
			id, tenant_id, sequence, timestamp, event_type, actor_id,
			entity_type, entity_id, action_details, severity,
			hash, prev_hash, tier
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for i := range events {
		ev := &events[i]
		if _, err := tx.ExecContext(ctx, insert,
			ev.ID, ev.TenantID, ev.Sequence, ev.Timestamp, ev.EventType, ev.ActorID,
			ev.EntityType, ev.EntityID, actionDetailsParam(ev.ActionDetails), string(ev.Severity),
			ev.Hash, ev.PrevHash, string(models.TierActive),
		); err != nil {
			return fmt.Errorf("failed to insert event seq %d: %w", ev.Sequence, err)
		}
	}

	// DuckDB's binder rejects CURRENT_TIMESTAMP inside the upsert SET
	// list; now() binds cleanly.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chain_heads (tenant_id, sequence, hash, last_timestamp, halted, updated_at)
		VALUES (?, ?, ?, ?, FALSE, now())
		ON CONFLICT (tenant_id) DO UPDATE SET
			sequence = EXCLUDED.sequence,
			hash = EXCLUDED.hash,
			last_timestamp = EXCLUDED.last_timestamp,
			updated_at = now()
	`, newHead.TenantID, newHead.Sequence, newHead.Hash, newHead.LastTimestamp); err != nil {
		return fmt.Errorf("failed to advance chain head: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit append: %w", err)
	}
	return nil
}

// HaltTenant freezes the tenant's chain after an integrity violation.
func (s *EventStore) HaltTenant(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chain_heads (tenant_id, sequence, hash, last_timestamp, halted)
		VALUES (?, 0, ?, now(), TRUE)
		ON CONFLICT (tenant_id) DO UPDATE SET halted = TRUE, updated_at = now()
	`, tenantID, models.ChainSeed)
	if err != nil {
		return fmt.Errorf("failed to halt tenant: %w", err)
	}
	logging.Warn().Str("tenant", tenantID).Msg("Tenant chain halted")
	return nil
}

// ResumeTenant lifts a halt after an investigation concludes.
func (s *EventStore) ResumeTenant(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE chain_heads SET halted = FALSE, updated_at = now() WHERE tenant_id = ?`,
		tenantID)
	if err != nil {
		return fmt.Errorf("failed to resume tenant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: tenant %s", models.ErrNotFound, tenantID)
	}
	return nil
}

// MaxSequence returns the highest persisted sequence across tiers.
func (s *EventStore) MaxSequence(ctx context.Context, tenantID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM audit_events_all WHERE tenant_id = ?`, tenantID,
	).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to read max sequence: %w", err)
	}
	return max.Int64, nil
}

// ReadRange returns events ordered by sequence across tiers, used by
// chain verification.
func (s *EventStore) ReadRange(ctx context.Context, tenantID string, fromSeq, toSeq int64, batchSize int) ([]models.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := selectEvents("audit_events_all") + `
		WHERE tenant_id = ? AND sequence >= ? AND sequence <= ?
		ORDER BY sequence ASC
		LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, tenantID, fromSeq, toSeq, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read event range: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// GetByID retrieves one event for the tenant, searching both tiers.
func (s *EventStore) GetByID(ctx context.Context, tenantID, id string) (*models.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := selectEvents("audit_events_all") + ` WHERE tenant_id = ? AND id = ?`
	rows, err := s.db.QueryContext(ctx, query, tenantID, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	defer rows.Close()

	events, err := collectEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: event %s", models.ErrNotFound, id)
	}
	return &events[0], nil
}

// Query retrieves active-tier events matching the filter, newest first.
func (s *EventStore) Query(ctx context.Context, filter models.EventFilter) ([]models.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := buildFilterConditions(filter)
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := selectEvents("audit_events") + where +
		` ORDER BY timestamp DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// Count returns the number of active-tier events matching the filter.
func (s *EventStore) Count(ctx context.Context, filter models.EventFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := buildFilterConditions(filter)
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events`+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// MarkClassified records the classifier verdict for an event. The
// category and risk fields are write-once: a second call is a no-op.
func (s *EventStore) MarkClassified(ctx context.Context, id string, category models.Category, risk models.RiskLevel, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE audit_events
		SET category = ?, risk_level = ?, tags = ?
		WHERE id = ? AND category = ''
	`, string(category), string(risk), marshalTags(tags), id)
	if err != nil {
		return fmt.Errorf("failed to mark event classified: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		logging.Debug().Str("event_id", id).Msg("classification already recorded, skipping")
	}
	return nil
}

// MarkScored records an anomaly score. Write-once: events already
// scored are left untouched.
func (s *EventStore) MarkScored(ctx context.Context, id string, score float64, isAnomaly bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE audit_events
		SET anomaly_score = ?, is_anomaly = ?
		WHERE id = ? AND anomaly_score IS NULL
	`, score, isAnomaly, id)
	if err != nil {
		return fmt.Errorf("failed to mark event scored: %w", err)
	}
	return nil
}

// UnscoredInWindow returns events awaiting an anomaly score within the
// sweep window, oldest first.
func (s *EventStore) UnscoredInWindow(ctx context.Context, tenantID string, since time.Time, limit int) ([]models.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := selectEvents("audit_events") + `
		WHERE tenant_id = ? AND anomaly_score IS NULL AND timestamp >= ?
		ORDER BY timestamp ASC
		LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, tenantID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read unscored events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// TenantIDs lists tenants with at least one event, used to drive
// per-tenant sweeps.
func (s *EventStore) TenantIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM audit_events_all ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan tenant id: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// RecentByTenant returns the tenant's recent history for feature
// extraction, newest first, bounded by lookback and maxEvents.
func (s *EventStore) RecentByTenant(ctx context.Context, tenantID string, lookback time.Duration, maxEvents int) ([]models.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	since := time.Now().UTC().Add(-lookback)
	query := selectEvents("audit_events") + `
		WHERE tenant_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC
		LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, tenantID, since, maxEvents)
	if err != nil {
		return nil, fmt.Errorf("failed to read tenant history: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ClassifiedSince returns classified events in the training window,
// used by classifier retraining.
func (s *EventStore) ClassifiedSince(ctx context.Context, since time.Time, limit int) ([]models.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := selectEvents("audit_events") + `
		WHERE category <> '' AND timestamp >= ?
		ORDER BY timestamp DESC
		LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read classified events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ScoredSince returns scored events for a tenant in the training
// window, used by anomaly model retraining.
func (s *EventStore) ScoredSince(ctx context.Context, tenantID string, since time.Time, limit int) ([]models.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := selectEvents("audit_events_all") + `
		WHERE tenant_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC
		LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, tenantID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read scored events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ArchiveBefore moves active events older than cutoff into the archive
// tier. Chain linkage is preserved; verification reads across tiers.
func (s *EventStore) ArchiveBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin archive transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO audit_events_archive
		SELECT id, tenant_id, sequence, timestamp, event_type, actor_id,
		       entity_type, entity_id, action_details, severity,
		       category, risk_level, anomaly_score, is_anomaly, tags,
		       hash, prev_hash, 'archive', created_at
		FROM audit_events
		WHERE timestamp < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to copy events to archive: %w", err)
	}
	moved, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, `DELETE FROM audit_events WHERE timestamp < ?`, cutoff); err != nil {
		return 0, fmt.Errorf("failed to remove archived events: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit archive: %w", err)
	}

	if moved > 0 {
		logging.Info().Int64("moved", moved).Time("cutoff", cutoff).Msg("Events moved to archive tier")
	}
	return moved, nil
}

// PurgeBefore deletes archived events past maximum retention and
// returns deleted counts per tenant so callers can record the purge.
// For each affected tenant a verification checkpoint is persisted on
// the chain head (earliest surviving sequence plus its trusted
// prev_hash) so full chain verification starts after the purged prefix
// instead of reporting a false divergence.
func (s *EventStore) PurgeBefore(ctx context.Context, cutoff time.Time) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin purge transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	counts := make(map[string]int64)
	rows, err := tx.QueryContext(ctx, `
		SELECT tenant_id, COUNT(*) FROM audit_events_archive
		WHERE timestamp < ? GROUP BY tenant_id
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to count purgeable events: %w", err)
	}
	for rows.Next() {
		var tenant string
		var n int64
		if err := rows.Scan(&tenant, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan purge count: %w", err)
		}
		counts[tenant] = n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating purge counts: %w", err)
	}
	rows.Close()

	if len(counts) == 0 {
		return counts, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM audit_events_archive WHERE timestamp < ?`, cutoff); err != nil {
		return nil, fmt.Errorf("failed to purge events: %w", err)
	}

	for tenant := range counts {
		if err := s.checkpointTenant(ctx, tx, tenant); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit purge: %w", err)
	}
	return counts, nil
}

// checkpointTenant records the earliest surviving sequence and its
// prev_hash on the tenant's chain head. A tenant whose every event was
// purged checkpoints at head sequence + 1 with the head hash, which is
// exactly the linkage the next append will use.
func (s *EventStore) checkpointTenant(ctx context.Context, tx *sql.Tx, tenantID string) error {
	var seq sql.NullInt64
	var prevHash sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT sequence, prev_hash FROM audit_events_all
		WHERE tenant_id = ? ORDER BY sequence ASC LIMIT 1
	`, tenantID).Scan(&seq, &prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to find checkpoint for tenant %s: %w", tenantID, err)
	}

	checkpointSeq := seq.Int64
	checkpointHash := prevHash.String
	if errors.Is(err, sql.ErrNoRows) {
		var headSeq int64
		var headHash string
		if err := tx.QueryRowContext(ctx,
			`SELECT sequence, hash FROM chain_heads WHERE tenant_id = ?`, tenantID,
		).Scan(&headSeq, &headHash); err != nil {
			return fmt.Errorf("failed to read head for purged tenant %s: %w", tenantID, err)
		}
		checkpointSeq = headSeq + 1
		checkpointHash = headHash
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE chain_heads
		SET checkpoint_seq = ?, checkpoint_prev_hash = ?, updated_at = now()
		WHERE tenant_id = ?
	`, checkpointSeq, checkpointHash, tenantID); err != nil {
		return fmt.Errorf("failed to record checkpoint for tenant %s: %w", tenantID, err)
	}
	logging.Info().
		Str("tenant", tenantID).
		Int64("checkpoint_seq", checkpointSeq).
		Msg("Verification checkpoint advanced after purge")
	return nil
}

// VerifyCheckpoint returns the tenant's verification checkpoint, or
// zero values when the chain has never been purged.
func (s *EventStore) VerifyCheckpoint(ctx context.Context, tenantID string) (int64, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var seq int64
	var prevHash string
	err := s.db.QueryRowContext(ctx,
		`SELECT checkpoint_seq, checkpoint_prev_hash FROM chain_heads WHERE tenant_id = ?`,
		tenantID,
	).Scan(&seq, &prevHash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("failed to read verification checkpoint: %w", err)
	}
	return seq, prevHash, nil
}

// SubjectEvents returns all events attributable to one actor across
// both tiers, oldest first, for data-subject exports.
func (s *EventStore) SubjectEvents(ctx context.Context, tenantID, actorID string, limit int) ([]models.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := selectEvents("audit_events_all") + `
		WHERE tenant_id = ? AND actor_id = ?
		ORDER BY sequence ASC
		LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, tenantID, actorID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read subject events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// selectEvents returns the shared SELECT list against the given table.
// JSON columns are cast to VARCHAR for scanning.
func selectEvents(table string) string {
	return fmt.Sprintf(`
		SELECT id, tenant_id, sequence, timestamp, event_type, actor_id,
		       entity_type, entity_id,
		       CAST(action_details AS VARCHAR) AS action_details,
		       severity, category, risk_level, anomaly_score, is_anomaly,
		       CAST(tags AS VARCHAR) AS tags,
		       hash, prev_hash, tier
		FROM %s`, table)
}

func buildFilterConditions(filter models.EventFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}

	if filter.TenantID != "" {
		conds = append(conds, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.ActorID != "" {
		conds = append(conds, "actor_id = ?")
		args = append(args, filter.ActorID)
	}
	if filter.EntityType != "" {
		conds = append(conds, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if c := buildSliceCondition("event_type", filter.EventTypes, &args); c != "" {
		conds = append(conds, c)
	}
	if c := buildSliceCondition("severity", filter.Severities, &args); c != "" {
		conds = append(conds, c)
	}
	if c := buildSliceCondition("category", filter.Categories, &args); c != "" {
		conds = append(conds, c)
	}
	if filter.StartTime != nil {
		conds = append(conds, "timestamp >= ?")
		args = append(args, *filter.StartTime)
	}
	if filter.EndTime != nil {
		conds = append(conds, "timestamp <= ?")
		args = append(args, *filter.EndTime)
	}
	if filter.OnlyAnomalies {
		conds = append(conds, "is_anomaly = TRUE")
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// buildSliceCondition creates a SQL IN condition for a slice of values.
func buildSliceCondition[T ~string](column string, values []T, args *[]interface{}) string {
	if len(values) == 0 {
		return ""
	}
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = "?"
		*args = append(*args, string(v))
	}
	return fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ","))
}

func collectEvents(rows *sql.Rows) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			logging.Warn().Err(err).Msg("Failed to scan event row")
			continue
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (*models.AuditEvent, error) {
	var (
		ev       models.AuditEvent
		details  sql.NullString
		severity string
		category string
		risk     string
		score    sql.NullFloat64
		tags     sql.NullString
		tier     string
	)
	if err := rows.Scan(
		&ev.ID, &ev.TenantID, &ev.Sequence, &ev.Timestamp, &ev.EventType, &ev.ActorID,
		&ev.EntityType, &ev.EntityID, &details,
		&severity, &category, &risk, &score, &ev.IsAnomaly,
		&tags, &ev.Hash, &ev.PrevHash, &tier,
	); err != nil {
		return nil, err
	}

	ev.Timestamp = ev.Timestamp.UTC()
	ev.Severity = models.Severity(severity)
	ev.Category = models.Category(category)
	ev.RiskLevel = models.RiskLevel(risk)
	ev.Tier = models.RetentionTier(tier)
	if details.Valid && details.String != "" {
		ev.ActionDetails = json.RawMessage(details.String)
	}
	if score.Valid {
		v := score.Float64
		ev.AnomalyScore = &v
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &ev.Tags); err != nil {
			logging.Warn().Err(err).Str("event_id", ev.ID).Msg("Failed to decode event tags")
		}
	}
	return &ev, nil
}

func actionDetailsParam(details json.RawMessage) interface{} {
	if len(details) == 0 {
		return nil
	}
	return string(details)
}

func marshalTags(tags []string) interface{} {
	if len(tags) == 0 {
		return nil
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return nil
	}
	return string(data)
}
