package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/txn2/kvadmin/pkg/kvstore"
)

const (
	// DefaultBatchSize is the number of keys introspected per batch.
	DefaultBatchSize = 1000

	// DefaultConcurrency bounds parallel introspection within a batch.
	DefaultConcurrency = 32

	// DefaultResultTTL is how long terminal operations are kept.
	DefaultResultTTL = 5 * time.Minute

	// streamBuffer is the channel capacity for streamed events.
	streamBuffer = 16

	logKeyOperation = "operation_id"
	logKeyError     = "error"
)

// Config configures an Orchestrator.
type Config struct {
	// BatchSize defaults to DefaultBatchSize.
	BatchSize int

	// Concurrency defaults to DefaultConcurrency.
	Concurrency int

	// RateLimit caps per-key introspections per second across all scans.
	// Zero disables limiting.
	RateLimit float64

	// ResultTTL defaults to DefaultResultTTL.
	ResultTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = DefaultResultTTL
	}
	return c
}

// Observer receives scan lifecycle notifications.
type Observer interface {
	ScanStarted()
	ScanFinished(status Status, elapsed time.Duration)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithObserver registers an Observer.
func WithObserver(o Observer) Option {
	return func(s *Orchestrator) { s.observer = o }
}

// Orchestrator runs scans against store connections and records their
// progress in a Table.
type Orchestrator struct {
	table    Table
	cfg      Config
	observer Observer
	limiter  *rate.Limiter
	now      func() time.Time

	// base outlives any request; scans stop only via Cancel or Close.
	base     context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup
}

// New creates an Orchestrator.
func New(table Table, cfg Config, opts ...Option) *Orchestrator {
	cfg = cfg.withDefaults()
	base, shutdown := context.WithCancel(context.Background())
	o := &Orchestrator{
		table:    table,
		cfg:      cfg,
		now:      time.Now,
		base:     base,
		shutdown: shutdown,
	}
	if cfg.RateLimit > 0 {
		burst := max(int(cfg.RateLimit), 1)
		o.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartOption configures a new operation.
type StartOption func(*Operation)

// OwnedBy records the session that started the operation.
func OwnedBy(sessionID string) StartOption {
	return func(op *Operation) { op.Owner = sessionID }
}

// Start creates an operation and runs it in the background.
func (o *Orchestrator) Start(ctx context.Context, conn kvstore.Conn, pattern string, opts ...StartOption) (string, error) {
	op, err := o.create(ctx, pattern, opts)
	if err != nil {
		return "", err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(conn, op, nil)
	}()
	return op.ID, nil
}

// Stream creates an operation and returns a channel of its updates. The
// channel closes after the terminal event. Cancelling ctx cancels the
// operation at the next batch boundary.
func (o *Orchestrator) Stream(ctx context.Context, conn kvstore.Conn, pattern string, opts ...StartOption) (string, <-chan Event, error) {
	op, err := o.create(ctx, pattern, opts)
	if err != nil {
		return "", nil, err
	}

	ch := make(chan Event, streamBuffer)
	e := &emitter{abort: ctx, ch: ch}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(ch)
		o.run(conn, op, e)
	}()
	return op.ID, ch, nil
}

// Status returns a snapshot of the operation.
func (o *Orchestrator) Status(ctx context.Context, id string) (*Operation, error) {
	op, err := o.table.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("operation %s: %w", id, err)
	}
	return op, nil
}

// Cancel marks a running operation cancelled. Cancelling a terminal
// operation is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	_, err := o.table.Update(ctx, id, func(op *Operation) error {
		op.Cancelled = true
		op.Status = StatusCancelled
		op.Message = "Scan cancelled"
		return nil
	})
	switch {
	case errors.Is(err, ErrOperationTerminal):
		return nil
	case err != nil:
		return fmt.Errorf("operation %s: %w", id, err)
	}
	o.expire(ctx, id)
	slog.Info("scan: cancelled", logKeyOperation, id)
	return nil
}

// Delete removes the operation. A running scan whose record is deleted
// stops at its next batch boundary.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	if err := o.table.Delete(ctx, id); err != nil {
		return fmt.Errorf("operation %s: %w", id, err)
	}
	return nil
}

// Close stops all running scans and waits for them to exit.
func (o *Orchestrator) Close() error {
	o.shutdown()
	o.wg.Wait()
	return nil
}

func (o *Orchestrator) create(ctx context.Context, pattern string, opts []StartOption) (*Operation, error) {
	if err := o.base.Err(); err != nil {
		return nil, errors.New("orchestrator is closed")
	}
	now := o.now()
	op := &Operation{
		ID:        newID(),
		Pattern:   pattern,
		Status:    StatusRunning,
		Phase:     PhaseStarting,
		Progress:  progressStart,
		Message:   "Starting scan",
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, opt := range opts {
		opt(op)
	}
	if err := o.table.Create(ctx, op); err != nil {
		return nil, fmt.Errorf("creating operation: %w", err)
	}
	return op, nil
}

func (o *Orchestrator) expire(ctx context.Context, id string) {
	if err := o.table.Expire(ctx, id, o.cfg.ResultTTL); err != nil {
		slog.Warn("scan: scheduling expiry", logKeyOperation, id, logKeyError, err)
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
