package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventKind names a deployment or job lifecycle transition worth
// recording permanently.
type EventKind string

const (
	EventDeploymentCreated   EventKind = "deployment_created"
	EventDeploymentBuilding  EventKind = "deployment_building"
	EventDeploymentRunning   EventKind = "deployment_running"
	EventDeploymentFailed    EventKind = "deployment_failed"
	EventDeploymentDestroyed EventKind = "deployment_destroyed"
	EventJobEnqueued         EventKind = "job_enqueued"
	EventJobRetried          EventKind = "job_retried"
	EventJobDeadLettered     EventKind = "job_dead_lettered"
	EventSweepReaped         EventKind = "sweep_reaped"
)

// Entry is a single immutable audit row.
type Entry struct {
	ID        int64
	PRNumber  int
	Kind      EventKind
	Detail    map[string]any
	CreatedAt time.Time
}

// Log appends and queries the audit_events table. It is independent of
// the Redis deployment store: records here outlive TTL expiry and
// survive the store being flushed.
type Log struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// New constructs a Log backed by pool.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{pool: pool, log: logger}
}

// Record appends an event. Failures are logged, not returned, so a
// transient audit-write outage never blocks the build/destroy pipeline
// that calls it.
func (l *Log) Record(ctx context.Context, pr int, kind EventKind, detail map[string]any) {
	if l == nil || l.pool == nil {
		return
	}
	payload, err := json.Marshal(detail)
	if err != nil {
		l.log.Warn("audit: marshal detail failed", "pr_number", pr, "kind", kind, "error", err)
		return
	}
	const stmt = `INSERT INTO audit_events (pr_number, kind, detail, created_at) VALUES ($1, $2, $3, $4)`
	if _, err := l.pool.Exec(ctx, stmt, pr, string(kind), payload, time.Now().UTC()); err != nil {
		l.log.Warn("audit: write failed", "pr_number", pr, "kind", kind, "error", err)
	}
}

// History returns events for pr, most recent first, capped at limit.
func (l *Log) History(ctx context.Context, pr int, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const q = `SELECT id, pr_number, kind, detail, created_at FROM audit_events WHERE pr_number = $1 ORDER BY id DESC LIMIT $2`
	rows, err := l.pool.Query(ctx, q, pr, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var raw []byte
		var kind string
		if err := rows.Scan(&e.ID, &e.PRNumber, &kind, &raw, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan row: %w", err)
		}
		e.Kind = EventKind(kind)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Detail); err != nil {
				return nil, fmt.Errorf("audit: decode detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate rows: %w", err)
	}
	return entries, nil
}

// Recent returns the most recent events across all PRs, capped at limit.
func (l *Log) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const q = `SELECT id, pr_number, kind, detail, created_at FROM audit_events ORDER BY id DESC LIMIT $1`
	rows, err := l.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query recent: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var raw []byte
		var kind string
		if err := rows.Scan(&e.ID, &e.PRNumber, &kind, &raw, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan row: %w", err)
		}
		e.Kind = EventKind(kind)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Detail); err != nil {
				return nil, fmt.Errorf("audit: decode detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate rows: %w", err)
	}
	return entries, nil
}
