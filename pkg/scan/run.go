package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/txn2/kvadmin/pkg/kvstore"
)

// emitter forwards updates to a stream consumer until it goes away.
type emitter struct {
	abort context.Context
	ch    chan<- Event
	gone  bool
}

func (e *emitter) send(op *Operation) {
	if e == nil || e.gone || op == nil {
		return
	}
	select {
	case e.ch <- eventFor(*op):
	case <-e.abort.Done():
		e.gone = true
	}
}

func (e *emitter) aborted() bool {
	return e != nil && e.abort.Err() != nil
}

func (o *Orchestrator) run(conn kvstore.Conn, op *Operation, e *emitter) {
	started := o.now()
	if o.observer != nil {
		o.observer.ScanStarted()
	}

	status := o.execute(conn, op, e)

	if o.observer != nil {
		o.observer.ScanFinished(status, o.now().Sub(started))
	}
	slog.Debug("scan: finished", logKeyOperation, op.ID, "status", status, "elapsed", o.now().Sub(started))
}

// execute drives one operation through its phases and returns the final
// status. Store calls use the orchestrator's base context; table writes
// use a context that survives shutdown so the final state is recorded.
func (o *Orchestrator) execute(conn kvstore.Conn, op *Operation, e *emitter) Status {
	ctx := o.base
	tctx := context.WithoutCancel(ctx)
	id := op.ID

	e.send(op)

	if err := o.step(tctx, id, e, func(op *Operation) {
		op.Phase = PhaseScanning
		op.Progress = progressScanning
		op.Message = fmt.Sprintf("Scanning keys matching %q", op.Pattern)
	}); err != nil {
		return o.stopped(tctx, id, e, err)
	}

	names, err := conn.Keys(ctx, op.Pattern)
	if err != nil {
		return o.fail(tctx, id, e, fmt.Errorf("enumerating keys: %w", err))
	}

	total := len(names)
	size := o.cfg.BatchSize
	batches := (total + size - 1) / size

	if err := o.step(tctx, id, e, func(op *Operation) {
		op.Total = total
		op.Progress = progressEnumerated
		op.Message = fmt.Sprintf("Found %d keys, processing in %d batches", total, batches)
	}); err != nil {
		return o.stopped(tctx, id, e, err)
	}

	keys := make([]KeySummary, 0, total)
	for i := range batches {
		if err := o.checkpoint(tctx, id, e); err != nil {
			return o.stopped(tctx, id, e, err)
		}

		lo := i * size
		hi := min(lo+size, total)
		keys = append(keys, o.introspect(ctx, conn, names[lo:hi])...)

		done := i + 1
		if err := o.step(tctx, id, e, func(op *Operation) {
			op.Phase = PhaseProcessing
			op.Current = hi
			op.Progress = batchProgress(done, batches)
			op.Message = fmt.Sprintf("Processed %d of %d keys (batch %d/%d)", hi, total, done, batches)
		}); err != nil {
			return o.stopped(tctx, id, e, err)
		}
	}

	if err := o.step(tctx, id, e, func(op *Operation) {
		op.Phase = PhaseCompleting
		op.Progress = progressFinalizing
		op.Message = "Finalizing results"
	}); err != nil {
		return o.stopped(tctx, id, e, err)
	}

	if err := o.step(tctx, id, e, func(op *Operation) {
		op.Status = StatusComplete
		op.Phase = PhaseComplete
		op.Progress = progressDone
		op.Current = total
		op.Keys = keys
		op.Message = fmt.Sprintf("Found %d keys", total)
	}); err != nil {
		return o.stopped(tctx, id, e, err)
	}
	o.expire(tctx, id)
	return StatusComplete
}

// errStop reports that the operation was halted by someone else.
var errStop = errors.New("scan stopped")

// checkpoint runs at every batch boundary, before any store call for the
// batch. A gone stream consumer or a shutdown cancels the operation.
func (o *Orchestrator) checkpoint(ctx context.Context, id string, e *emitter) error {
	if e.aborted() || o.base.Err() != nil {
		if err := o.Cancel(ctx, id); err != nil {
			return err
		}
		return errStop
	}

	op, err := o.table.Get(ctx, id)
	if err != nil {
		return err
	}
	if op.Cancelled || op.Status.Terminal() {
		return errStop
	}
	return nil
}

// step applies fn and forwards the new snapshot to the stream.
func (o *Orchestrator) step(ctx context.Context, id string, e *emitter, fn func(*Operation)) error {
	updated, err := o.table.Update(ctx, id, func(op *Operation) error {
		fn(op)
		return nil
	})
	if err != nil {
		return err
	}
	e.send(updated)
	return nil
}

// stopped handles a halted loop. Cancellation and deletion end quietly;
// any other failure is recorded as an error.
func (o *Orchestrator) stopped(ctx context.Context, id string, e *emitter, cause error) Status {
	switch {
	case errors.Is(cause, ErrOperationNotFound):
		return StatusCancelled
	case errors.Is(cause, errStop), errors.Is(cause, ErrOperationTerminal):
		op, err := o.table.Get(ctx, id)
		if err != nil {
			return StatusCancelled
		}
		e.send(op)
		return op.Status
	default:
		return o.fail(ctx, id, e, cause)
	}
}

func (o *Orchestrator) fail(ctx context.Context, id string, e *emitter, cause error) Status {
	slog.Warn("scan: failed", logKeyOperation, id, logKeyError, cause)

	updated, err := o.table.Update(ctx, id, func(op *Operation) error {
		op.Status = StatusError
		op.Error = cause.Error()
		op.Message = "Scan failed: " + cause.Error()
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrOperationTerminal) {
			return o.stopped(ctx, id, e, err)
		}
		slog.Error("scan: recording failure", logKeyOperation, id, logKeyError, err)
		return StatusError
	}
	o.expire(ctx, id)
	e.send(updated)
	return StatusError
}

// introspect describes a batch of keys concurrently. It never fails; keys
// that cannot be described get default fields.
func (o *Orchestrator) introspect(ctx context.Context, conn kvstore.Conn, names []string) []KeySummary {
	out := make([]KeySummary, len(names))

	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for i, name := range names {
		g.Go(func() error {
			out[i] = o.describe(ctx, conn, name)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (o *Orchestrator) describe(ctx context.Context, conn kvstore.Conn, name string) KeySummary {
	fallback := KeySummary{Name: name, Type: kvstore.TypeString, TTL: -1}

	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return fallback
		}
	}

	t, err := conn.Type(ctx, name)
	if err != nil {
		return fallback
	}

	ttl, err := conn.TTL(ctx, name)
	if err != nil {
		ttl = -1
	}

	size, err := conn.Size(ctx, name, t)
	if err != nil {
		size = 0
	}

	return KeySummary{Name: name, Type: t, TTL: ttl, Size: size}
}
