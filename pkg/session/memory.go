package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store using an in-memory map.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Get retrieves a session by ID. Returns nil, nil if not found.
func (s *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	cp := *sess
	return &cp, nil
}

// GetOrCreate returns the session, creating an unbound one if absent.
func (s *MemoryStore) GetOrCreate(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		now := s.now()
		sess = &Session{ID: id, CreatedAt: now, LastActiveAt: now}
		s.sessions[id] = sess
	}
	cp := *sess
	return &cp, nil
}

// Touch updates LastActiveAt.
func (s *MemoryStore) Touch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		sess.LastActiveAt = s.now()
	}
	return nil
}

// Bind sets the session's ProfileID and refreshes LastActiveAt.
func (s *MemoryStore) Bind(_ context.Context, id, profileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		now := s.now()
		sess = &Session{ID: id, CreatedAt: now}
		s.sessions[id] = sess
	}
	sess.ProfileID = profileID
	sess.LastActiveAt = s.now()
	return nil
}

// Delete removes a session.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	return nil
}

// List returns all sessions.
func (s *MemoryStore) List(_ context.Context) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		cp := *sess
		result = append(result, &cp)
	}
	return result, nil
}

// Len returns the number of sessions held.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Close is a no-op; the store holds no background resources.
func (*MemoryStore) Close() error {
	return nil
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
