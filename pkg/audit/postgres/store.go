// Package postgres provides PostgreSQL storage for audit events.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/txn2/kvadmin/pkg/audit"
)

const (
	defaultRetentionDays = 90
	defaultQueryCapacity = 100
	maxQueryCapacity     = 10000
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// auditColumns lists columns returned by audit SELECT queries.
var auditColumns = []string{
	"id", "timestamp", "duration_ms", "request_id", "session_id",
	"profile_id", "action", "target", "parameters", "success", "error_message",
}

// Store implements audit.Logger using PostgreSQL.
type Store struct {
	db            *sql.DB
	retentionDays int
	cancel        context.CancelFunc
	done          chan struct{}
}

// Config configures the PostgreSQL audit store.
type Config struct {
	RetentionDays int
}

// New creates a new PostgreSQL audit store.
func New(db *sql.DB, cfg Config) *Store {
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = defaultRetentionDays
	}
	return &Store{
		db:            db,
		retentionDays: cfg.RetentionDays,
	}
}

// Log records an audit event.
func (s *Store) Log(ctx context.Context, event audit.Event) error {
	params, err := json.Marshal(event.Parameters)
	if err != nil {
		params = []byte("{}")
	}

	query, args, err := psq.Insert("kv_audit_events").
		Columns(append(auditColumns, "created_date")...).
		Values(
			event.ID,
			event.Timestamp,
			event.DurationMS,
			event.RequestID,
			event.SessionID,
			event.ProfileID,
			string(event.Action),
			event.Target,
			params,
			event.Success,
			event.ErrorMessage,
			event.Timestamp.Format("2006-01-02"),
		).ToSql()
	if err != nil {
		return fmt.Errorf("building audit insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

// applyAuditFilter adds filter conditions to a SELECT builder.
func applyAuditFilter(qb sq.SelectBuilder, filter audit.QueryFilter) sq.SelectBuilder {
	if filter.StartTime != nil {
		qb = qb.Where(sq.GtOrEq{"timestamp": *filter.StartTime})
	}
	if filter.EndTime != nil {
		qb = qb.Where(sq.LtOrEq{"timestamp": *filter.EndTime})
	}
	if filter.SessionID != "" {
		qb = qb.Where(sq.Eq{"session_id": filter.SessionID})
	}
	if filter.ProfileID != "" {
		qb = qb.Where(sq.Eq{"profile_id": filter.ProfileID})
	}
	if filter.Action != "" {
		qb = qb.Where(sq.Eq{"action": string(filter.Action)})
	}
	if filter.Success != nil {
		qb = qb.Where(sq.Eq{"success": *filter.Success})
	}
	return qb
}

// Query retrieves audit events matching the filter.
func (s *Store) Query(ctx context.Context, filter audit.QueryFilter) ([]audit.Event, error) {
	qb := applyAuditFilter(psq.Select(auditColumns...).From("kv_audit_events"), filter)
	qb = qb.OrderBy("timestamp DESC")
	if filter.Limit > 0 {
		qb = qb.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		qb = qb.Offset(uint64(filter.Offset))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building audit query: %w", err)
	}

	return s.executeQuery(ctx, query, args, filter.Limit)
}

// Count returns the number of audit events matching the filter.
func (s *Store) Count(ctx context.Context, filter audit.QueryFilter) (int, error) {
	qb := applyAuditFilter(psq.Select("COUNT(*)").From("kv_audit_events"), filter)

	query, args, err := qb.ToSql()
	if err != nil {
		return 0, fmt.Errorf("building count query: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting audit events: %w", err)
	}
	return count, nil
}

func (s *Store) executeQuery(ctx context.Context, query string, args []any, limit int) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	allocCap := defaultQueryCapacity
	if limit > 0 && limit <= maxQueryCapacity {
		allocCap = limit
	}
	events := make([]audit.Event, 0, allocCap)

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit event rows: %w", err)
	}

	return events, nil
}

func scanEvent(rows *sql.Rows) (audit.Event, error) {
	var (
		event  audit.Event
		action string
		params []byte
	)

	err := rows.Scan(
		&event.ID,
		&event.Timestamp,
		&event.DurationMS,
		&event.RequestID,
		&event.SessionID,
		&event.ProfileID,
		&action,
		&event.Target,
		&params,
		&event.Success,
		&event.ErrorMessage,
	)
	if err != nil {
		return event, fmt.Errorf("scanning audit event row: %w", err)
	}
	event.Action = audit.Action(action)

	if len(params) > 0 {
		_ = json.Unmarshal(params, &event.Parameters)
	}

	return event, nil
}

// Close cancels the cleanup goroutine and waits for it to exit.
// It is safe to call Close even if StartCleanupRoutine was never called.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// Cleanup removes audit events older than the retention period.
func (s *Store) Cleanup(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	query := `DELETE FROM kv_audit_events WHERE timestamp < $1`
	if _, err := s.db.ExecContext(ctx, query, cutoff); err != nil {
		return fmt.Errorf("cleaning up audit events: %w", err)
	}
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically deletes
// old audit events. The goroutine is stopped when Close is called.
func (s *Store) StartCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Cleanup(ctx); err != nil {
					slog.Warn("audit: cleanup failed", "error", err)
				}
			}
		}
	}()
}

// Verify interface compliance.
var _ audit.Logger = (*Store)(nil)
