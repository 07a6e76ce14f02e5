// Package audit records the mutating commands issued through the console.
package audit

import (
	"context"
	"time"
)

// Logger defines the interface for audit logging.
type Logger interface {
	// Log records an audit event.
	Log(ctx context.Context, event Event) error

	// Query retrieves audit events matching the filter, newest first.
	Query(ctx context.Context, filter QueryFilter) ([]Event, error)

	// Close releases resources.
	Close() error
}

// Event represents an auditable command.
type Event struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	DurationMS   int64          `json:"duration_ms"`
	RequestID    string         `json:"request_id,omitempty"`
	SessionID    string         `json:"session_id"`
	ProfileID    string         `json:"profile_id"`
	Action       Action         `json:"action"`
	Target       string         `json:"target"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// QueryFilter defines criteria for querying audit events.
type QueryFilter struct {
	StartTime *time.Time
	EndTime   *time.Time
	SessionID string
	ProfileID string
	Action    Action
	Success   *bool
	Limit     int
	Offset    int
}

// NoopLogger discards events. It is used when auditing is disabled.
type NoopLogger struct{}

// Log implements Logger.
func (NoopLogger) Log(context.Context, Event) error { return nil }

// Query implements Logger. It always returns no events.
func (NoopLogger) Query(context.Context, QueryFilter) ([]Event, error) { return nil, nil }

// Close implements Logger.
func (NoopLogger) Close() error { return nil }

var _ Logger = NoopLogger{}
