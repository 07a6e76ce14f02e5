// Package postgres provides PostgreSQL storage for sessions, letting several
// console instances share one session table.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/txn2/kvadmin/pkg/session"
)

const selectSession = `
	SELECT id, profile_id, created_at, last_active_at
	FROM kv_sessions
`

// Store implements session.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL session store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get retrieves a session by ID. Returns nil, nil if not found.
func (s *Store) Get(ctx context.Context, id string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx, selectSession+` WHERE id = $1`, id)
	return scanSession(row)
}

// GetOrCreate inserts an unbound session if absent, then reads it back.
func (s *Store) GetOrCreate(ctx context.Context, id string) (*session.Session, error) {
	query := `
		INSERT INTO kv_sessions (id, profile_id, created_at, last_active_at)
		VALUES ($1, '', NOW(), NOW())
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return nil, fmt.Errorf("inserting session: %w", err)
	}
	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("session %s vanished after insert", id)
	}
	return sess, nil
}

// Touch updates LastActiveAt.
func (s *Store) Touch(ctx context.Context, id string) error {
	query := `UPDATE kv_sessions SET last_active_at = NOW() WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return nil
}

// Bind sets the session's profile, creating the row if needed.
func (s *Store) Bind(ctx context.Context, id, profileID string) error {
	query := `
		INSERT INTO kv_sessions (id, profile_id, created_at, last_active_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		SET profile_id = EXCLUDED.profile_id, last_active_at = NOW()
	`
	if _, err := s.db.ExecContext(ctx, query, id, profileID); err != nil {
		return fmt.Errorf("binding session: %w", err)
	}
	return nil
}

// Delete removes a session.
func (s *Store) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM kv_sessions WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// List returns all sessions.
func (s *Store) List(ctx context.Context) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx, selectSession)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*session.Session
	for rows.Next() {
		var sess session.Session
		if err := rows.Scan(&sess.ID, &sess.ProfileID, &sess.CreatedAt, &sess.LastActiveAt); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

// Close is a no-op; the caller owns the *sql.DB.
func (*Store) Close() error {
	return nil
}

func scanSession(row *sql.Row) (*session.Session, error) {
	var sess session.Session
	err := row.Scan(&sess.ID, &sess.ProfileID, &sess.CreatedAt, &sess.LastActiveAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	return &sess, nil
}

// Verify interface compliance.
var _ session.Store = (*Store)(nil)
