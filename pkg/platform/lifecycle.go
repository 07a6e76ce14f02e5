package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// hook is one named component with optional start and stop callbacks.
type hook struct {
	name  string
	start func(context.Context) error
	stop  func(context.Context) error
}

// Lifecycle starts components in registration order and stops them in
// reverse.
type Lifecycle struct {
	mu      sync.Mutex
	hooks   []hook
	started bool
}

// NewLifecycle creates a new lifecycle manager.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{}
}

// Register adds a component. Either callback may be nil.
func (l *Lifecycle) Register(name string, start, stop func(context.Context) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, hook{name: name, start: start, stop: stop})
}

// OnStop registers a callback to run on shutdown.
func (l *Lifecycle) OnStop(name string, stop func(context.Context) error) {
	l.Register(name, nil, stop)
}

// Closer is something that can be closed.
type Closer interface {
	Close() error
}

// RegisterCloser registers a closer to be closed on shutdown.
func (l *Lifecycle) RegisterCloser(name string, c Closer) {
	l.OnStop(name, func(context.Context) error {
		return c.Close()
	})
}

// Start runs every start callback. When one fails, the components already
// started are stopped in reverse order.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return errors.New("lifecycle already started")
	}

	for i, h := range l.hooks {
		if h.start == nil {
			continue
		}
		if err := h.start(ctx); err != nil {
			l.rollback(ctx, i)
			return fmt.Errorf("starting %s: %w", h.name, err)
		}
	}

	l.started = true
	return nil
}

// rollback stops the components registered before failedAt.
func (l *Lifecycle) rollback(ctx context.Context, failedAt int) {
	for j := failedAt - 1; j >= 0; j-- {
		h := l.hooks[j]
		if h.stop == nil {
			continue
		}
		if err := h.stop(ctx); err != nil {
			slog.Warn("lifecycle rollback: stop failed", "component", h.name, "error", err)
		}
	}
}

// Stop runs every stop callback in reverse order and joins their errors.
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.started {
		return nil
	}

	var errs []error
	for i := len(l.hooks) - 1; i >= 0; i-- {
		h := l.hooks[i]
		if h.stop == nil {
			continue
		}
		if err := h.stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping %s: %w", h.name, err))
		}
	}

	l.started = false
	return errors.Join(errs...)
}

// IsStarted returns whether the lifecycle has been started.
func (l *Lifecycle) IsStarted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}
