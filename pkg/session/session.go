// Package session provides the console's session table. A session is one
// cookie-identified browser client; it carries at most one bound connection
// profile and an activity timestamp used by the idle sweep.
package session

import (
	"context"
	"time"
)

// Session represents one console client.
type Session struct {
	// ID is the opaque identifier carried in the session cookie.
	ID string `json:"id"`

	// ProfileID is the connection profile the session is bound to.
	// Empty means the session holds no connection reference.
	ProfileID string `json:"profile_id,omitempty"`

	// CreatedAt is when the session was first seen.
	CreatedAt time.Time `json:"created_at"`

	// LastActiveAt is the most recent activity timestamp.
	LastActiveAt time.Time `json:"last_active_at"`
}

// Bound reports whether the session holds a connection reference.
func (s *Session) Bound() bool {
	return s.ProfileID != ""
}

// IdleFor returns how long the session has been inactive as of now.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActiveAt)
}

// Store defines the interface for session persistence. Implementations
// return copies; mutating a returned Session has no effect on the store.
type Store interface {
	// Get retrieves a session by ID. Returns nil, nil if not found.
	Get(ctx context.Context, id string) (*Session, error)

	// GetOrCreate returns the session, creating an unbound one if absent.
	GetOrCreate(ctx context.Context, id string) (*Session, error)

	// Touch updates LastActiveAt. Unknown IDs are ignored.
	Touch(ctx context.Context, id string) error

	// Bind sets the session's ProfileID. An empty profileID clears the binding.
	Bind(ctx context.Context, id, profileID string) error

	// Delete removes a session.
	Delete(ctx context.Context, id string) error

	// List returns all sessions.
	List(ctx context.Context) ([]*Session, error)

	// Close releases resources.
	Close() error
}
