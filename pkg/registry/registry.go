// Package registry multiplexes console sessions onto shared, reference
// counted store connections.
//
// Each session is bound to at most one connection profile. All sessions bound
// to the same profile share a single kvstore.Conn, which is closed when the
// last of them lets go. Mutations are serialized per session and per profile;
// no lock is held across network I/O for unrelated keys.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/txn2/kvadmin/pkg/kvstore"
	"github.com/txn2/kvadmin/pkg/session"
)

// ErrNotConnected is returned by Conn when the session holds no connection.
var ErrNotConnected = errors.New("session is not connected")

const (
	// DefaultMaxIdle is how long a session may stay untouched before the
	// sweep reclaims it.
	DefaultMaxIdle = 24 * time.Hour

	// DefaultSweepInterval is the cadence of the background idle sweep.
	DefaultSweepInterval = 10 * time.Minute

	logKeySession = "session_id"
	logKeyProfile = "profile_id"
	logKeyError   = "error"
)

// Observer receives connection lifecycle notifications.
type Observer interface {
	ConnectionOpened(profileID string)
	ConnectionClosed(profileID string)
	ConnectFailed(profileID string)
}

// entry is one shared connection. retired holds connections replaced after
// a failed liveness probe; holders may still be using them, so they are
// closed with the entry.
type entry struct {
	conn    kvstore.Conn
	retired []kvstore.Conn
	refs    int
}

// conns returns the live connection followed by every retired one.
func (e *entry) conns() []kvstore.Conn {
	return append([]kvstore.Conn{e.conn}, e.retired...)
}

// Registry maps sessions to shared connections.
type Registry struct {
	store    session.Store
	dialer   kvstore.Dialer
	observer Observer
	now      func() time.Time

	sessionLocks keyedMutex
	profileLocks keyedMutex

	// mu guards entries and every entry's fields. It is never held
	// across I/O.
	mu      sync.Mutex
	entries map[string]*entry

	hooksMu sync.RWMutex
	onPurge []func(sessionID string)

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithObserver registers an Observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// WithClock overrides the time source used by the idle sweep.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a Registry over the given session store and dialer.
func New(store session.Store, dialer kvstore.Dialer, opts ...Option) *Registry {
	r := &Registry{
		store:   store,
		dialer:  dialer,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnPurge registers fn to run for every session removed by SweepIdle.
func (r *Registry) OnPurge(fn func(sessionID string)) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.onPurge = append(r.onPurge, fn)
}

// Connect binds the session to profile p.
//
// Re-connecting to the already bound profile is a no-op while its connection
// answers PING. Otherwise the new connection is acquired first, the session
// rebound second, and the previous profile released last, so a failed attempt
// leaves the session's existing binding untouched.
func (r *Registry) Connect(ctx context.Context, sessionID string, p kvstore.Profile) error {
	unlock := r.sessionLocks.Lock(sessionID)
	defer unlock()

	sess, err := r.store.GetOrCreate(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}

	if sess.ProfileID == p.ID {
		live, err := r.revive(ctx, p)
		if err != nil {
			r.connectFailed(p.ID)
			return err
		}
		if live {
			if err := r.store.Touch(ctx, sessionID); err != nil {
				slog.Debug("registry: touch failed", logKeySession, sessionID, logKeyError, err)
			}
			return nil
		}
	}

	if err := r.acquire(ctx, p); err != nil {
		r.connectFailed(p.ID)
		return err
	}

	if err := r.store.Bind(ctx, sessionID, p.ID); err != nil {
		r.release(p.ID)
		return fmt.Errorf("binding session: %w", err)
	}

	if prev := sess.ProfileID; prev != "" && prev != p.ID {
		r.release(prev)
	}

	slog.Debug("registry: connected", logKeySession, sessionID, logKeyProfile, p.ID)
	return nil
}

// Disconnect clears the session's binding and releases its reference.
func (r *Registry) Disconnect(ctx context.Context, sessionID string) error {
	unlock := r.sessionLocks.Lock(sessionID)
	defer unlock()

	sess, err := r.store.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	if sess == nil || !sess.Bound() {
		return nil
	}

	if err := r.store.Bind(ctx, sessionID, ""); err != nil {
		return fmt.Errorf("unbinding session: %w", err)
	}
	r.release(sess.ProfileID)

	slog.Debug("registry: disconnected", logKeySession, sessionID, logKeyProfile, sess.ProfileID)
	return nil
}

// Conn returns the connection bound to the session and marks it active.
func (r *Registry) Conn(ctx context.Context, sessionID string) (kvstore.Conn, error) {
	sess, err := r.store.GetOrCreate(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if err := r.store.Touch(ctx, sessionID); err != nil {
		slog.Debug("registry: touch failed", logKeySession, sessionID, logKeyError, err)
	}
	if !sess.Bound() {
		return nil, ErrNotConnected
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sess.ProfileID]
	if !ok {
		return nil, ErrNotConnected
	}
	return e.conn, nil
}

// Session returns the session record, creating it if absent.
func (r *Registry) Session(ctx context.Context, sessionID string) (*session.Session, error) {
	sess, err := r.store.GetOrCreate(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	return sess, nil
}

// revive checks the shared connection for p. A dead connection is replaced
// in place, keeping the entry's reference count and retiring the old one. It reports false when no
// entry exists for p.
func (r *Registry) revive(ctx context.Context, p kvstore.Profile) (bool, error) {
	unlock := r.profileLocks.Lock(p.ID)
	defer unlock()

	e := r.lookup(p.ID)
	if e == nil {
		return false, nil
	}
	if err := r.ensureLive(ctx, p, e); err != nil {
		return false, err
	}
	return true, nil
}

// acquire takes one reference on p's entry, dialing when none exists.
func (r *Registry) acquire(ctx context.Context, p kvstore.Profile) error {
	unlock := r.profileLocks.Lock(p.ID)
	defer unlock()

	if e := r.lookup(p.ID); e != nil {
		if err := r.ensureLive(ctx, p, e); err != nil {
			return err
		}
		r.mu.Lock()
		e.refs++
		r.mu.Unlock()
		return nil
	}

	conn, err := r.dialer.Dial(ctx, p)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.entries[p.ID] = &entry{conn: conn, refs: 1}
	r.mu.Unlock()

	if r.observer != nil {
		r.observer.ConnectionOpened(p.ID)
	}
	slog.Info("registry: connection opened", logKeyProfile, p.ID, "addr", p.Addr())
	return nil
}

// ensureLive pings e and swaps in a fresh connection if the ping fails.
// The dead connection is retired, not closed, while references remain.
// The caller holds p's profile lock.
func (r *Registry) ensureLive(ctx context.Context, p kvstore.Profile, e *entry) error {
	r.mu.Lock()
	conn := e.conn
	r.mu.Unlock()

	pingErr := conn.Ping(ctx)
	if pingErr == nil {
		return nil
	}
	slog.Warn("registry: shared connection failed liveness probe", logKeyProfile, p.ID, logKeyError, pingErr)

	fresh, err := r.dialer.Dial(ctx, p)
	if err != nil {
		return err
	}

	r.mu.Lock()
	e.retired = append(e.retired, conn)
	e.conn = fresh
	r.mu.Unlock()

	if r.observer != nil {
		r.observer.ConnectionOpened(p.ID)
	}
	return nil
}

// release drops one reference on profileID's entry and closes its
// connection when none remain.
func (r *Registry) release(profileID string) {
	unlock := r.profileLocks.Lock(profileID)
	defer unlock()

	r.mu.Lock()
	e, ok := r.entries[profileID]
	if !ok {
		r.mu.Unlock()
		slog.Warn("registry: release of unknown profile", logKeyProfile, profileID)
		return
	}
	e.refs--
	var conns []kvstore.Conn
	if e.refs <= 0 {
		delete(r.entries, profileID)
		conns = e.conns()
	}
	r.mu.Unlock()

	if conns != nil {
		for _, conn := range conns {
			r.closeConn(profileID, conn)
		}
		slog.Info("registry: connection closed", logKeyProfile, profileID)
	}
}

func (r *Registry) closeConn(profileID string, conn kvstore.Conn) {
	if err := conn.Close(); err != nil {
		slog.Warn("registry: closing connection", logKeyProfile, profileID, logKeyError, err)
	}
	if r.observer != nil {
		r.observer.ConnectionClosed(profileID)
	}
}

func (r *Registry) lookup(profileID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[profileID]
}

func (r *Registry) connectFailed(profileID string) {
	if r.observer != nil {
		r.observer.ConnectFailed(profileID)
	}
}

// RefCount returns the number of sessions holding profileID's connection.
func (r *Registry) RefCount(profileID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[profileID]; ok {
		return e.refs
	}
	return 0
}

// Stats summarizes registry occupancy.
type Stats struct {
	Sessions      int `json:"sessions"`
	BoundSessions int `json:"bound_sessions"`
	Connections   int `json:"connections"`
	References    int `json:"references"`
}

// Stats returns current occupancy.
func (r *Registry) Stats(ctx context.Context) (Stats, error) {
	sessions, err := r.store.List(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("listing sessions: %w", err)
	}

	st := Stats{Sessions: len(sessions)}
	for _, s := range sessions {
		if s.Bound() {
			st.BoundSessions++
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	st.Connections = len(r.entries)
	for _, e := range r.entries {
		st.References += e.refs
	}
	return st, nil
}

// Close stops the sweep routine and closes every remaining connection.
func (r *Registry) Close() error {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}

	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	var errs []error
	for id, e := range entries {
		for _, conn := range e.conns() {
			if err := conn.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing %s: %w", id, err))
			}
		}
	}
	return errors.Join(errs...)
}
