package audit

import (
	"context"
	"sync"
)

// DefaultMemoryCapacity is the number of events a MemoryLogger keeps.
const DefaultMemoryCapacity = 1000

// MemoryLogger keeps the most recent events in a ring buffer. It backs the
// audit trail when no database is configured.
type MemoryLogger struct {
	mu     sync.RWMutex
	events []Event
	next   int
	full   bool
}

// NewMemoryLogger creates a MemoryLogger holding up to capacity events.
func NewMemoryLogger(capacity int) *MemoryLogger {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryLogger{events: make([]Event, capacity)}
}

// Log records an audit event, evicting the oldest when full.
func (m *MemoryLogger) Log(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events[m.next] = event
	m.next = (m.next + 1) % len(m.events)
	if m.next == 0 {
		m.full = true
	}
	return nil
}

// Query returns matching events, newest first.
func (m *MemoryLogger) Query(_ context.Context, filter QueryFilter) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := m.next
	if m.full {
		n = len(m.events)
	}

	var out []Event
	skipped := 0
	for i := 1; i <= n; i++ {
		e := m.events[(m.next-i+len(m.events))%len(m.events)]
		if !matches(e, filter) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Len returns the number of stored events.
func (m *MemoryLogger) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.full {
		return len(m.events)
	}
	return m.next
}

// Close implements Logger.
func (*MemoryLogger) Close() error {
	return nil
}

func matches(e Event, f QueryFilter) bool {
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.Timestamp.After(*f.EndTime) {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.ProfileID != "" && e.ProfileID != f.ProfileID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Success != nil && e.Success != *f.Success {
		return false
	}
	return true
}

// Verify interface compliance.
var _ Logger = (*MemoryLogger)(nil)
