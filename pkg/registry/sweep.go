package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SweepIdle removes every session idle for longer than maxIdle, releasing
// its connection reference exactly once, and runs the purge hooks for it.
// It returns the number of sessions removed.
func (r *Registry) SweepIdle(ctx context.Context, maxIdle time.Duration) (int, error) {
	sessions, err := r.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing sessions: %w", err)
	}

	removed := 0
	for _, candidate := range sessions {
		if candidate.IdleFor(r.now()) <= maxIdle {
			continue
		}
		ok, err := r.reap(ctx, candidate.ID, maxIdle)
		if err != nil {
			slog.Warn("registry: reaping session", logKeySession, candidate.ID, logKeyError, err)
			continue
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// reap re-reads the session under its lock, so a concurrent Connect,
// Disconnect or Conn call decides whether it is still idle.
func (r *Registry) reap(ctx context.Context, sessionID string, maxIdle time.Duration) (bool, error) {
	unlock := r.sessionLocks.Lock(sessionID)
	defer unlock()

	sess, err := r.store.Get(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("loading session: %w", err)
	}
	if sess == nil || sess.IdleFor(r.now()) <= maxIdle {
		return false, nil
	}

	// Delete first; a failed delete leaves the reference held.
	if err := r.store.Delete(ctx, sessionID); err != nil {
		return false, fmt.Errorf("deleting session: %w", err)
	}
	if sess.Bound() {
		r.release(sess.ProfileID)
	}

	r.hooksMu.RLock()
	hooks := r.onPurge
	r.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(sessionID)
	}

	slog.Debug("registry: reaped idle session", logKeySession, sessionID, logKeyProfile, sess.ProfileID)
	return true, nil
}

// StartSweepRoutine starts a background goroutine that periodically sweeps
// idle sessions. The goroutine is stopped when Close is called.
func (r *Registry) StartSweepRoutine(interval, maxIdle time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := r.SweepIdle(ctx, maxIdle)
				if err != nil {
					slog.Warn("registry: idle sweep failed", logKeyError, err)
					continue
				}
				if n > 0 {
					slog.Info("registry: idle sweep", "removed", n)
				}
			}
		}
	}()
}
