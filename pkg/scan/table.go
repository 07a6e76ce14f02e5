package scan

import (
	"context"
	"sync"
	"time"
)

// Table is the job status table. Implementations must make Update atomic
// per operation and refuse to mutate terminal operations.
type Table interface {
	// Create stores a new operation.
	Create(ctx context.Context, op *Operation) error

	// Get returns a snapshot of the operation or ErrOperationNotFound.
	Get(ctx context.Context, id string) (*Operation, error)

	// Update applies fn to the stored operation and returns the result.
	// It returns ErrOperationTerminal without calling fn when the
	// operation is already terminal. An error from fn aborts the write.
	Update(ctx context.Context, id string, fn func(*Operation) error) (*Operation, error)

	// Delete removes the operation.
	Delete(ctx context.Context, id string) error

	// Expire schedules removal of the operation after the given delay.
	Expire(ctx context.Context, id string, after time.Duration) error

	// Close releases resources.
	Close() error
}

// MemoryTable implements Table using an in-memory map.
type MemoryTable struct {
	mu     sync.RWMutex
	ops    map[string]*Operation
	timers map[string]*time.Timer
	now    func() time.Time
}

// NewMemoryTable creates an empty in-memory table.
func NewMemoryTable() *MemoryTable {
	return &MemoryTable{
		ops:    make(map[string]*Operation),
		timers: make(map[string]*time.Timer),
		now:    time.Now,
	}
}

// Create stores a copy of op.
func (t *MemoryTable) Create(_ context.Context, op *Operation) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cp := *op
	t.ops[op.ID] = &cp
	return nil
}

// Get returns a snapshot of the operation.
func (t *MemoryTable) Get(_ context.Context, id string) (*Operation, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	op, ok := t.ops[id]
	if !ok {
		return nil, ErrOperationNotFound
	}
	cp := *op
	return &cp, nil
}

// Update applies fn to a working copy and stores it if fn succeeds.
func (t *MemoryTable) Update(_ context.Context, id string, fn func(*Operation) error) (*Operation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.ops[id]
	if !ok {
		return nil, ErrOperationNotFound
	}
	if op.Status.Terminal() {
		return nil, ErrOperationTerminal
	}

	work := *op
	if err := fn(&work); err != nil {
		return nil, err
	}
	work.UpdatedAt = t.now()
	t.ops[id] = &work

	cp := work
	return &cp, nil
}

// Delete removes the operation and any pending expiry.
func (t *MemoryTable) Delete(_ context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.ops[id]; !ok {
		return ErrOperationNotFound
	}
	t.remove(id)
	return nil
}

// Expire schedules removal after the delay, replacing any earlier schedule.
func (t *MemoryTable) Expire(_ context.Context, id string, after time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.ops[id]; !ok {
		return ErrOperationNotFound
	}
	if old, ok := t.timers[id]; ok {
		old.Stop()
	}
	t.timers[id] = time.AfterFunc(after, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.remove(id)
	})
	return nil
}

// remove deletes id; the caller holds t.mu.
func (t *MemoryTable) remove(id string) {
	delete(t.ops, id)
	if timer, ok := t.timers[id]; ok {
		timer.Stop()
		delete(t.timers, id)
	}
}

// Len returns the number of stored operations.
func (t *MemoryTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.ops)
}

// Close stops every pending expiry timer.
func (t *MemoryTable) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
	return nil
}

// Verify interface compliance.
var _ Table = (*MemoryTable)(nil)
