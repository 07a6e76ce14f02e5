// Package postgres provides a PostgreSQL job status table, letting several
// console instances share scan progress.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/txn2/kvadmin/pkg/scan"
)

const tableName = "kv_scan_operations"

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// operationColumns lists columns returned by operation SELECT queries.
var operationColumns = []string{
	"id", "pattern", "status", "phase", "progress", "total", "current",
	"message", "keys", "error", "cancelled", "created_at", "updated_at", "owner",
}

// notExpired filters out rows whose expiry has passed but which the
// cleanup routine has not removed yet.
var notExpired = sq.Expr("(expires_at IS NULL OR expires_at > NOW())")

// Table implements scan.Table using PostgreSQL.
type Table struct {
	db     *sql.DB
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a new PostgreSQL job status table.
func New(db *sql.DB) *Table {
	return &Table{db: db}
}

// Create inserts a new operation.
func (t *Table) Create(ctx context.Context, op *scan.Operation) error {
	keys, err := marshalKeys(op.Keys)
	if err != nil {
		return err
	}

	query, args, err := psq.Insert(tableName).
		Columns(operationColumns...).
		Values(op.ID, op.Pattern, string(op.Status), string(op.Phase), op.Progress, op.Total, op.Current,
			op.Message, keys, op.Error, op.Cancelled, op.CreatedAt, op.UpdatedAt, op.Owner).
		ToSql()
	if err != nil {
		return fmt.Errorf("building insert: %w", err)
	}

	if _, err := t.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting operation: %w", err)
	}
	return nil
}

// Get returns the operation or scan.ErrOperationNotFound.
func (t *Table) Get(ctx context.Context, id string) (*scan.Operation, error) {
	query, args, err := psq.Select(operationColumns...).
		From(tableName).
		Where(sq.Eq{"id": id}).
		Where(notExpired).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select: %w", err)
	}
	return scanOperation(t.db.QueryRowContext(ctx, query, args...))
}

// Update locks the row, applies fn and writes the result in one
// transaction.
func (t *Table) Update(ctx context.Context, id string, fn func(*scan.Operation) error) (*scan.Operation, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query, args, err := psq.Select(operationColumns...).
		From(tableName).
		Where(sq.Eq{"id": id}).
		Where(notExpired).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select: %w", err)
	}

	op, err := scanOperation(tx.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, err
	}
	if op.Status.Terminal() {
		return nil, scan.ErrOperationTerminal
	}

	if err := fn(op); err != nil {
		return nil, err
	}
	op.UpdatedAt = time.Now().UTC()

	keys, err := marshalKeys(op.Keys)
	if err != nil {
		return nil, err
	}

	update, uargs, err := psq.Update(tableName).
		Set("status", string(op.Status)).
		Set("phase", string(op.Phase)).
		Set("progress", op.Progress).
		Set("total", op.Total).
		Set("current", op.Current).
		Set("message", op.Message).
		Set("keys", keys).
		Set("error", op.Error).
		Set("cancelled", op.Cancelled).
		Set("updated_at", op.UpdatedAt).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building update: %w", err)
	}

	if _, err := tx.ExecContext(ctx, update, uargs...); err != nil {
		return nil, fmt.Errorf("updating operation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing operation update: %w", err)
	}
	return op, nil
}

// Delete removes the operation.
func (t *Table) Delete(ctx context.Context, id string) error {
	query, args, err := psq.Delete(tableName).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("building delete: %w", err)
	}
	res, err := t.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting operation: %w", err)
	}
	return requireRow(res)
}

// Expire sets the row's expiry. Expired rows are hidden immediately and
// removed by the cleanup routine.
func (t *Table) Expire(ctx context.Context, id string, after time.Duration) error {
	query, args, err := psq.Update(tableName).
		Set("expires_at", sq.Expr("NOW() + ?::interval", fmt.Sprintf("%d milliseconds", after.Milliseconds()))).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building expire: %w", err)
	}
	res, err := t.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("expiring operation: %w", err)
	}
	return requireRow(res)
}

// Cleanup removes expired operations.
func (t *Table) Cleanup(ctx context.Context) (int64, error) {
	res, err := t.db.ExecContext(ctx, `DELETE FROM `+tableName+` WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("cleaning up operations: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// StartCleanupRoutine starts a background goroutine that periodically
// removes expired operations. The goroutine is stopped when Close is called.
func (t *Table) StartCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})

	go func() {
		defer close(t.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := t.Cleanup(ctx); err != nil {
					slog.Warn("scan operation cleanup failed", "error", err)
				}
			}
		}
	}()
}

// Close stops the cleanup goroutine and waits for it to exit.
// It is safe to call Close even if StartCleanupRoutine was never called.
func (t *Table) Close() error {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
	return nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected: %w", err)
	}
	if n == 0 {
		return scan.ErrOperationNotFound
	}
	return nil
}

// marshalKeys returns nil for running operations so the column stays NULL.
func marshalKeys(keys []scan.KeySummary) (any, error) {
	if keys == nil {
		return nil, nil
	}
	b, err := json.Marshal(keys)
	if err != nil {
		return nil, fmt.Errorf("marshaling keys: %w", err)
	}
	return b, nil
}

func scanOperation(row *sql.Row) (*scan.Operation, error) {
	var (
		op     scan.Operation
		status string
		phase  string
		keys   []byte
	)
	err := row.Scan(&op.ID, &op.Pattern, &status, &phase, &op.Progress, &op.Total, &op.Current,
		&op.Message, &keys, &op.Error, &op.Cancelled, &op.CreatedAt, &op.UpdatedAt, &op.Owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, scan.ErrOperationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning operation: %w", err)
	}
	op.Status = scan.Status(status)
	op.Phase = scan.Phase(phase)
	if len(keys) > 0 {
		if err := json.Unmarshal(keys, &op.Keys); err != nil {
			return nil, fmt.Errorf("decoding keys: %w", err)
		}
	}
	return &op, nil
}

// Verify interface compliance.
var _ scan.Table = (*Table)(nil)
