package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/kvadmin/pkg/kvstore"
	"github.com/txn2/kvadmin/pkg/kvstore/kvstoretest"
)

const (
	scanTestTimeout = 5 * time.Second
	scanTestPoll    = 5 * time.Millisecond
	scanTestPattern = "user:*"
)

type finishObserver struct {
	started  chan struct{}
	finished chan Status
}

func newFinishObserver() *finishObserver {
	return &finishObserver{started: make(chan struct{}, 8), finished: make(chan Status, 8)}
}

func (f *finishObserver) ScanStarted() { f.started <- struct{}{} }

func (f *finishObserver) ScanFinished(s Status, _ time.Duration) { f.finished <- s }

func (f *finishObserver) wait(t *testing.T) Status {
	t.Helper()
	select {
	case s := <-f.finished:
		return s
	case <-time.After(scanTestTimeout):
		t.Fatal("scan did not finish")
		return ""
	}
}

func seedKeys(conn *kvstoretest.FakeConn, prefix string, n int) {
	for i := range n {
		conn.SetKey(fmt.Sprintf("%s%d", prefix, i), kvstoretest.Key{Type: kvstore.TypeHash, TTL: -1, Size: 3})
	}
}

func newTestOrchestrator(t *testing.T, cfg Config) (*Orchestrator, *finishObserver) {
	t.Helper()
	obs := newFinishObserver()
	o := New(NewMemoryTable(), cfg, WithObserver(obs))
	t.Cleanup(func() { _ = o.Close() })
	return o, obs
}

// blockFirstBatch makes every Type call wait for release and closes
// entered on the first call.
func blockFirstBatch(conn *kvstoretest.FakeConn) (entered, release chan struct{}) {
	entered = make(chan struct{})
	release = make(chan struct{})
	var once sync.Once
	conn.TypeHook = func(string) {
		once.Do(func() { close(entered) })
		<-release
	}
	return entered, release
}

func TestStream_ProgressSequence(t *testing.T) {
	conn := kvstoretest.NewFakeConn()
	seedKeys(conn, "user:", 2500)
	seedKeys(conn, "order:", 10)
	o, _ := newTestOrchestrator(t, Config{BatchSize: 1000})

	id, events, err := o.Stream(context.Background(), conn, scanTestPattern)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	var (
		progress []int
		last     Event
	)
	for ev := range events {
		progress = append(progress, ev.Progress)
		if ev.Progress == progressDone {
			assert.Equal(t, StatusComplete, ev.Status, "progress reaches 100 only at completion")
		}
		last = ev
	}

	assert.Equal(t, []int{0, 5, 10, 38, 67, 95, 95, 100}, progress)
	assert.Equal(t, EventComplete, last.Type)
	assert.Equal(t, PhaseComplete, last.Phase)
	assert.Equal(t, 2500, last.Total)
	assert.Equal(t, 2500, last.Current)
	assert.Len(t, last.Keys, 2500)

	op, err := o.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, op.Status)
	assert.Len(t, op.Keys, 2500)
}

func TestStart_RecordsOwner(t *testing.T) {
	conn := kvstoretest.NewFakeConn()
	seedKeys(conn, "user:", 3)
	o, obs := newTestOrchestrator(t, Config{})

	id, err := o.Start(context.Background(), conn, scanTestPattern, OwnedBy("sess-a"))
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, obs.wait(t))

	op, err := o.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "sess-a", op.Owner)

	streamID, events, err := o.Stream(context.Background(), conn, scanTestPattern, OwnedBy("sess-b"))
	require.NoError(t, err)
	for range events {
	}
	op, err = o.Status(context.Background(), streamID)
	require.NoError(t, err)
	assert.Equal(t, "sess-b", op.Owner)
}

func TestStart_PollToCompletion(t *testing.T) {
	conn := kvstoretest.NewFakeConn()
	seedKeys(conn, "user:", 250)
	conn.SetKey("user:str", kvstoretest.Key{Type: kvstore.TypeString, TTL: 60, Size: 11})
	o, obs := newTestOrchestrator(t, Config{BatchSize: 100})

	id, err := o.Start(context.Background(), conn, scanTestPattern)
	require.NoError(t, err)

	assert.Equal(t, StatusComplete, obs.wait(t))

	op, err := o.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, progressDone, op.Progress)
	assert.Equal(t, 251, op.Total)
	require.Len(t, op.Keys, 251)
	assert.False(t, op.Cancelled)

	byName := make(map[string]KeySummary, len(op.Keys))
	for _, k := range op.Keys {
		byName[k.Name] = k
	}
	assert.Equal(t, KeySummary{Name: "user:str", Type: kvstore.TypeString, TTL: 60, Size: 11}, byName["user:str"])
	assert.Equal(t, KeySummary{Name: "user:7", Type: kvstore.TypeHash, TTL: -1, Size: 3}, byName["user:7"])
}

func TestStart_PerKeyFailuresStillListed(t *testing.T) {
	conn := kvstoretest.NewFakeConn()
	conn.SetKey("k:ok", kvstoretest.Key{Type: kvstore.TypeList, TTL: 10, Size: 4})
	conn.SetKey("k:typefail", kvstoretest.Key{Type: kvstore.TypeZSet, TTL: 10, Size: 4})
	conn.SetKey("k:sizefail", kvstoretest.Key{Type: kvstore.TypeSet, TTL: 10, Size: 4})
	conn.TypeErr["k:typefail"] = errors.New("WRONGTYPE")
	conn.SizeErr["k:sizefail"] = errors.New("timeout")
	o, obs := newTestOrchestrator(t, Config{})

	id, err := o.Start(context.Background(), conn, "k:*")
	require.NoError(t, err)
	require.Equal(t, StatusComplete, obs.wait(t))

	op, err := o.Status(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, op.Keys, 3)

	byName := make(map[string]KeySummary)
	for _, k := range op.Keys {
		byName[k.Name] = k
	}
	assert.Equal(t, KeySummary{Name: "k:ok", Type: kvstore.TypeList, TTL: 10, Size: 4}, byName["k:ok"])
	assert.Equal(t, KeySummary{Name: "k:typefail", Type: kvstore.TypeString, TTL: -1, Size: 0}, byName["k:typefail"])
	assert.Equal(t, KeySummary{Name: "k:sizefail", Type: kvstore.TypeSet, TTL: 10, Size: 0}, byName["k:sizefail"])
}

func TestStart_EnumerationError(t *testing.T) {
	conn := kvstoretest.NewFakeConn()
	conn.KeysErr = errors.New("NOPERM this user has no permissions to run the 'scan' command")
	o, obs := newTestOrchestrator(t, Config{})

	id, err := o.Start(context.Background(), conn, scanTestPattern)
	require.NoError(t, err)
	require.Equal(t, StatusError, obs.wait(t))

	op, err := o.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusError, op.Status)
	assert.Contains(t, op.Error, "NOPERM")
	assert.Contains(t, op.Message, "Scan failed")
	assert.Less(t, op.Progress, progressDone)
	assert.Zero(t, conn.TypeCalls())
}

func TestStart_EmptyKeyspace(t *testing.T) {
	conn := kvstoretest.NewFakeConn()
	o, obs := newTestOrchestrator(t, Config{})

	id, err := o.Start(context.Background(), conn, "none:*")
	require.NoError(t, err)
	require.Equal(t, StatusComplete, obs.wait(t))

	op, err := o.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, progressDone, op.Progress)
	assert.Zero(t, op.Total)
	assert.Empty(t, op.Keys)
}

func TestCancel_StopsForwardProgress(t *testing.T) {
	conn := kvstoretest.NewFakeConn()
	seedKeys(conn, "user:", 100)
	entered, release := blockFirstBatch(conn)
	o, obs := newTestOrchestrator(t, Config{BatchSize: 10})
	ctx := context.Background()

	id, err := o.Start(ctx, conn, scanTestPattern)
	require.NoError(t, err)

	<-entered
	require.NoError(t, o.Cancel(ctx, id))

	op, err := o.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, op.Status, "cancellation is visible to pollers immediately")
	assert.True(t, op.Cancelled)

	close(release)
	assert.Equal(t, StatusCancelled, obs.wait(t))

	op, err = o.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, op.Status)
	assert.Zero(t, op.Current, "the in-flight batch is not recorded after cancel")
	assert.Empty(t, op.Keys)
	assert.Equal(t, int64(10), conn.TypeCalls(), "no batch starts after cancel")
}

func TestCancel_TerminalWins(t *testing.T) {
	conn := kvstoretest.NewFakeConn()
	seedKeys(conn, "user:", 5)
	o, obs := newTestOrchestrator(t, Config{})
	ctx := context.Background()

	id, err := o.Start(ctx, conn, scanTestPattern)
	require.NoError(t, err)
	require.Equal(t, StatusComplete, obs.wait(t))

	require.NoError(t, o.Cancel(ctx, id))

	op, err := o.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, op.Status)
	assert.False(t, op.Cancelled)
	assert.Equal(t, progressDone, op.Progress)
	assert.Len(t, op.Keys, 5)
}

func TestCancel_Unknown(t *testing.T) {
	o, _ := newTestOrchestrator(t, Config{})
	assert.ErrorIs(t, o.Cancel(context.Background(), "missing"), ErrOperationNotFound)
}

func TestStream_ConsumerAbort(t *testing.T) {
	conn := kvstoretest.NewFakeConn()
	seedKeys(conn, "user:", 100)
	entered, release := blockFirstBatch(conn)
	o, _ := newTestOrchestrator(t, Config{BatchSize: 10})

	ctx, cancel := context.WithCancel(context.Background())
	id, events, err := o.Stream(ctx, conn, scanTestPattern)
	require.NoError(t, err)

	<-entered
	cancel()
	close(release)

	for range events {
	}

	op, err := o.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, op.Status)
	assert.True(t, op.Cancelled)
	assert.LessOrEqual(t, op.Current, 10)
	assert.Equal(t, int64(10), conn.TypeCalls())
}

func TestStream_CancelledEmitsErrorEvent(t *testing.T) {
	conn := kvstoretest.NewFakeConn()
	seedKeys(conn, "user:", 30)
	entered, release := blockFirstBatch(conn)
	o, _ := newTestOrchestrator(t, Config{BatchSize: 10})
	ctx := context.Background()

	id, events, err := o.Stream(ctx, conn, scanTestPattern)
	require.NoError(t, err)

	<-entered
	require.NoError(t, o.Cancel(ctx, id))
	close(release)

	var last Event
	for ev := range events {
		last = ev
	}
	assert.Equal(t, EventError, last.Type)
	assert.Equal(t, StatusCancelled, last.Status)
}

func TestTerminalExpiry(t *testing.T) {
	conn := kvstoretest.NewFakeConn()
	seedKeys(conn, "user:", 3)
	o, obs := newTestOrchestrator(t, Config{ResultTTL: 50 * time.Millisecond})
	ctx := context.Background()

	id, err := o.Start(ctx, conn, scanTestPattern)
	require.NoError(t, err)
	require.Equal(t, StatusComplete, obs.wait(t))

	assert.Eventually(t, func() bool {
		_, err := o.Status(ctx, id)
		return errors.Is(err, ErrOperationNotFound)
	}, scanTestTimeout, scanTestPoll)
}

func TestDelete(t *testing.T) {
	conn := kvstoretest.NewFakeConn()
	seedKeys(conn, "user:", 3)
	o, obs := newTestOrchestrator(t, Config{})
	ctx := context.Background()

	assert.ErrorIs(t, o.Delete(ctx, "missing"), ErrOperationNotFound)

	id, err := o.Start(ctx, conn, scanTestPattern)
	require.NoError(t, err)
	require.Equal(t, StatusComplete, obs.wait(t))

	require.NoError(t, o.Delete(ctx, id))
	_, err = o.Status(ctx, id)
	assert.ErrorIs(t, err, ErrOperationNotFound)
}

func TestDelete_WhileRunning(t *testing.T) {
	conn := kvstoretest.NewFakeConn()
	seedKeys(conn, "user:", 30)
	entered, release := blockFirstBatch(conn)
	o, obs := newTestOrchestrator(t, Config{BatchSize: 10})
	ctx := context.Background()

	id, err := o.Start(ctx, conn, scanTestPattern)
	require.NoError(t, err)

	<-entered
	require.NoError(t, o.Delete(ctx, id))
	close(release)

	assert.Equal(t, StatusCancelled, obs.wait(t))
	assert.Equal(t, int64(10), conn.TypeCalls())
}

func TestRateLimitedScanCompletes(t *testing.T) {
	conn := kvstoretest.NewFakeConn()
	seedKeys(conn, "user:", 50)
	o, obs := newTestOrchestrator(t, Config{RateLimit: 10000, Concurrency: 4})

	id, err := o.Start(context.Background(), conn, scanTestPattern)
	require.NoError(t, err)
	require.Equal(t, StatusComplete, obs.wait(t))

	op, err := o.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, op.Keys, 50)
}

func TestClose_CancelsRunningScans(t *testing.T) {
	conn := kvstoretest.NewFakeConn()
	seedKeys(conn, "user:", 30)
	entered, release := blockFirstBatch(conn)
	table := NewMemoryTable()
	o := New(table, Config{BatchSize: 10})
	ctx := context.Background()

	id, err := o.Start(ctx, conn, scanTestPattern)
	require.NoError(t, err)
	<-entered

	closed := make(chan struct{})
	go func() {
		_ = o.Close()
		close(closed)
	}()
	require.Eventually(t, func() bool { return o.base.Err() != nil }, scanTestTimeout, scanTestPoll)
	close(release)

	select {
	case <-closed:
	case <-time.After(scanTestTimeout):
		t.Fatal("Close did not return")
	}

	op, err := table.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, op.Status)

	_, err = o.Start(ctx, conn, scanTestPattern)
	assert.Error(t, err, "closed orchestrator rejects new scans")
}

func TestBatchProgress(t *testing.T) {
	tests := []struct {
		done, total, want int
	}{
		{0, 0, 10},
		{1, 3, 38},
		{2, 3, 67},
		{3, 3, 95},
		{1, 1, 95},
		{1, 2, 53},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_of_%d", tt.done, tt.total), func(t *testing.T) {
			assert.Equal(t, tt.want, batchProgress(tt.done, tt.total))
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultBatchSize, cfg.BatchSize)
	assert.Equal(t, DefaultConcurrency, cfg.Concurrency)
	assert.Equal(t, DefaultResultTTL, cfg.ResultTTL)
}
