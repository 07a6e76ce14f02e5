package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/txn2/kvadmin/pkg/kvstore"
	"github.com/txn2/kvadmin/pkg/kvstore/kvstoretest"
	"github.com/txn2/kvadmin/pkg/session"
)

const (
	regTestS1         = "s1"
	regTestS2         = "s2"
	regTestGoroutines = 20
)

var (
	profileP1 = kvstore.Profile{ID: "p1", Name: "primary", Host: "db1", Port: 6379}
	profileP2 = kvstore.Profile{ID: "p2", Name: "replica", Host: "db2", Port: 6379}
)

type testClock struct {
	offset atomic.Int64
}

func (c *testClock) now() time.Time {
	return time.Now().Add(time.Duration(c.offset.Load()))
}

func (c *testClock) advance(d time.Duration) {
	c.offset.Add(int64(d))
}

type recordingObserver struct {
	opened, closed, failed atomic.Int32
}

func (o *recordingObserver) ConnectionOpened(string) { o.opened.Add(1) }
func (o *recordingObserver) ConnectionClosed(string) { o.closed.Add(1) }
func (o *recordingObserver) ConnectFailed(string)    { o.failed.Add(1) }

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *kvstoretest.FakeDialer, *session.MemoryStore) {
	t.Helper()
	store := session.NewMemoryStore()
	dialer := kvstoretest.NewFakeDialer(nil)
	r := New(store, dialer, opts...)
	t.Cleanup(func() { _ = r.Close() })
	return r, dialer, store
}

func boundProfile(t *testing.T, store session.Store, id string) string {
	t.Helper()
	sess, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	if sess == nil {
		return ""
	}
	return sess.ProfileID
}

func TestRegistry_SharedConnectionScenario(t *testing.T) {
	r, dialer, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Connect(ctx, regTestS1, profileP1))
	require.NoError(t, r.Connect(ctx, regTestS2, profileP1))
	assert.Equal(t, 2, r.RefCount(profileP1.ID))

	conns := dialer.Conns(profileP1.ID)
	require.Len(t, conns, 1, "sessions on the same profile share one connection")
	shared := conns[0]

	require.NoError(t, r.Disconnect(ctx, regTestS1))
	assert.Equal(t, 1, r.RefCount(profileP1.ID))
	assert.False(t, shared.Closed(), "connection must stay open while referenced")

	require.NoError(t, r.Disconnect(ctx, regTestS2))
	assert.Equal(t, 0, r.RefCount(profileP1.ID))
	assert.True(t, shared.Closed())
	assert.Equal(t, 1, shared.CloseCalls())

	st, err := r.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Connections)
}

func TestRegistry_ConnectIdempotent(t *testing.T) {
	r, dialer, _ := newTestRegistry(t)
	ctx := context.Background()

	for range 3 {
		require.NoError(t, r.Connect(ctx, regTestS1, profileP1))
	}
	assert.Equal(t, 1, r.RefCount(profileP1.ID))
	assert.Len(t, dialer.Conns(profileP1.ID), 1)
}

func TestRegistry_ConnectFailureIsAtomic(t *testing.T) {
	obs := &recordingObserver{}
	r, dialer, store := newTestRegistry(t, WithObserver(obs))
	ctx := context.Background()

	require.NoError(t, r.Connect(ctx, regTestS1, profileP1))
	before, err := r.Conn(ctx, regTestS1)
	require.NoError(t, err)

	dialer.FailProfile(profileP2.ID, errors.New("WRONGPASS invalid username-password pair"))
	err = r.Connect(ctx, regTestS1, profileP2)
	require.Error(t, err)

	var connErr *kvstore.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Contains(t, err.Error(), "WRONGPASS")

	assert.Equal(t, profileP1.ID, boundProfile(t, store, regTestS1))
	assert.Equal(t, 1, r.RefCount(profileP1.ID))
	assert.Equal(t, 0, r.RefCount(profileP2.ID))

	after, err := r.Conn(ctx, regTestS1)
	require.NoError(t, err)
	assert.Same(t, before, after)
	assert.NoError(t, after.Ping(ctx))
	assert.Equal(t, int32(1), obs.failed.Load())
}

func TestRegistry_ConnectFailureOnFreshSession(t *testing.T) {
	r, dialer, store := newTestRegistry(t)
	ctx := context.Background()

	dialer.FailProfile(profileP1.ID, errors.New("connection refused"))
	require.Error(t, r.Connect(ctx, regTestS1, profileP1))

	assert.Empty(t, boundProfile(t, store, regTestS1))
	_, err := r.Conn(ctx, regTestS1)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRegistry_SwitchProfileReleasesPrevious(t *testing.T) {
	r, dialer, store := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Connect(ctx, regTestS1, profileP1))
	require.NoError(t, r.Connect(ctx, regTestS2, profileP1))
	require.NoError(t, r.Connect(ctx, regTestS1, profileP2))

	assert.Equal(t, profileP2.ID, boundProfile(t, store, regTestS1))
	assert.Equal(t, 1, r.RefCount(profileP1.ID))
	assert.Equal(t, 1, r.RefCount(profileP2.ID))
	assert.False(t, dialer.Conns(profileP1.ID)[0].Closed())

	require.NoError(t, r.Connect(ctx, regTestS2, profileP2))
	assert.Equal(t, 0, r.RefCount(profileP1.ID))
	assert.Equal(t, 2, r.RefCount(profileP2.ID))
	assert.True(t, dialer.Conns(profileP1.ID)[0].Closed())
}

func TestRegistry_DeadConnectionRefreshed(t *testing.T) {
	r, dialer, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Connect(ctx, regTestS1, profileP1))
	require.NoError(t, r.Connect(ctx, regTestS2, profileP1))
	held, err := r.Conn(ctx, regTestS2)
	require.NoError(t, err)
	dead := dialer.Conns(profileP1.ID)[0]
	require.Same(t, dead, held)
	dead.SetPingErr(errors.New("EOF"))

	require.NoError(t, r.Connect(ctx, regTestS1, profileP1))

	conns := dialer.Conns(profileP1.ID)
	require.Len(t, conns, 2)
	assert.Equal(t, 2, r.RefCount(profileP1.ID), "refresh keeps references")
	assert.False(t, dead.Closed(), "replaced connection stays open while referenced")
	_, err = held.Keys(ctx, "*")
	assert.NoError(t, err, "handle taken before the refresh keeps working")

	got, err := r.Conn(ctx, regTestS2)
	require.NoError(t, err)
	assert.Same(t, conns[1], got, "other sessions see the refreshed connection")

	require.NoError(t, r.Disconnect(ctx, regTestS1))
	assert.False(t, dead.Closed())
	require.NoError(t, r.Disconnect(ctx, regTestS2))
	assert.True(t, dead.Closed(), "retired connection closes with the last reference")
	assert.True(t, conns[1].Closed())
	assert.Equal(t, 1, dead.CloseCalls())
}

func TestRegistry_CloseClosesRetiredConnections(t *testing.T) {
	r, dialer, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Connect(ctx, regTestS1, profileP1))
	dead := dialer.Conns(profileP1.ID)[0]
	dead.SetPingErr(errors.New("EOF"))
	require.NoError(t, r.Connect(ctx, regTestS1, profileP1))
	require.False(t, dead.Closed())

	require.NoError(t, r.Close())
	assert.True(t, dead.Closed())
	assert.True(t, dialer.Conns(profileP1.ID)[1].Closed())
}

func TestRegistry_DeadConnectionRedialFails(t *testing.T) {
	r, dialer, store := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Connect(ctx, regTestS1, profileP1))
	dialer.Conns(profileP1.ID)[0].SetPingErr(errors.New("EOF"))
	dialer.FailProfile(profileP1.ID, errors.New("connection refused"))

	err := r.Connect(ctx, regTestS1, profileP1)
	require.Error(t, err)
	assert.Equal(t, profileP1.ID, boundProfile(t, store, regTestS1))
	assert.Equal(t, 1, r.RefCount(profileP1.ID))
}

func TestRegistry_DisconnectUnbound(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	assert.NoError(t, r.Disconnect(ctx, "never-seen"))
	require.NoError(t, r.Connect(ctx, regTestS1, profileP1))
	require.NoError(t, r.Disconnect(ctx, regTestS1))
	assert.NoError(t, r.Disconnect(ctx, regTestS1), "second disconnect is a no-op")
	assert.Equal(t, 0, r.RefCount(profileP1.ID))
}

func TestRegistry_RefCountInvariant(t *testing.T) {
	r, dialer, store := newTestRegistry(t)
	ctx := context.Background()
	profiles := []kvstore.Profile{profileP1, profileP2}

	var wg sync.WaitGroup
	for g := range regTestGoroutines {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			sid := fmt.Sprintf("sess-%d", g)
			for i := range 50 {
				p := profiles[(g+i)%len(profiles)]
				if i%3 == 2 {
					assert.NoError(t, r.Disconnect(ctx, sid))
					continue
				}
				assert.NoError(t, r.Connect(ctx, sid, p))
			}
		}(g)
	}
	wg.Wait()

	sessions, err := store.List(ctx)
	require.NoError(t, err)
	bound := map[string]int{}
	for _, s := range sessions {
		if s.Bound() {
			bound[s.ProfileID]++
		}
	}

	for _, p := range profiles {
		assert.Equal(t, bound[p.ID], r.RefCount(p.ID), "profile %s", p.ID)

		conns := dialer.Conns(p.ID)
		for i, c := range conns {
			live := i == len(conns)-1 && bound[p.ID] > 0
			assert.Equal(t, !live, c.Closed(), "profile %s conn %d", p.ID, i)
		}
	}
	assert.Zero(t, r.sessionLocks.len())
	assert.Zero(t, r.profileLocks.len())
}

func TestRegistry_ConcurrentConnectDialsOnce(t *testing.T) {
	r, dialer, _ := newTestRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := range regTestGoroutines {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			assert.NoError(t, r.Connect(ctx, fmt.Sprintf("sess-%d", g), profileP1))
		}(g)
	}
	wg.Wait()

	assert.Len(t, dialer.Conns(profileP1.ID), 1)
	assert.Equal(t, regTestGoroutines, r.RefCount(profileP1.ID))
}

func TestRegistry_ConnNotConnected(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	conn, err := r.Conn(context.Background(), regTestS1)
	assert.Nil(t, conn)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestRegistry_SweepIdle(t *testing.T) {
	clock := &testClock{}
	r, dialer, store := newTestRegistry(t, WithClock(clock.now))
	ctx := context.Background()

	var purged []string
	var mu sync.Mutex
	r.OnPurge(func(id string) {
		mu.Lock()
		purged = append(purged, id)
		mu.Unlock()
	})

	require.NoError(t, r.Connect(ctx, regTestS1, profileP1))
	require.NoError(t, r.Connect(ctx, regTestS2, profileP1))
	_, err := r.Session(ctx, "unbound")
	require.NoError(t, err)

	n, err := r.SweepIdle(ctx, DefaultMaxIdle)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh sessions are not idle")

	clock.advance(DefaultMaxIdle + time.Minute)
	n, err = r.SweepIdle(ctx, DefaultMaxIdle)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Zero(t, store.Len())
	assert.Equal(t, 0, r.RefCount(profileP1.ID))

	conn := dialer.Conns(profileP1.ID)[0]
	assert.Equal(t, 1, conn.CloseCalls())
	assert.ElementsMatch(t, []string{regTestS1, regTestS2, "unbound"}, purged)
}

func TestRegistry_SweepSkipsRecentlyTouched(t *testing.T) {
	clock := &testClock{}
	r, _, store := newTestRegistry(t, WithClock(clock.now))
	ctx := context.Background()

	require.NoError(t, r.Connect(ctx, regTestS1, profileP1))
	clock.advance(time.Hour)

	n, err := r.SweepIdle(ctx, 2*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, store.Len())
}

func TestRegistry_SweepConcurrentWithDisconnect(t *testing.T) {
	for i := range 50 {
		t.Run(fmt.Sprintf("round-%d", i), func(t *testing.T) {
			clock := &testClock{}
			r, dialer, _ := newTestRegistry(t, WithClock(clock.now))
			ctx := context.Background()

			require.NoError(t, r.Connect(ctx, regTestS1, profileP1))
			require.NoError(t, r.Connect(ctx, regTestS2, profileP1))
			clock.advance(DefaultMaxIdle + time.Second)

			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				assert.NoError(t, r.Disconnect(ctx, regTestS1))
			}()
			go func() {
				defer wg.Done()
				_, err := r.SweepIdle(ctx, DefaultMaxIdle)
				assert.NoError(t, err)
			}()
			wg.Wait()

			// The sweep may or may not have reached s2; s1's reference is
			// released exactly once either way.
			refs := r.RefCount(profileP1.ID)
			assert.LessOrEqual(t, refs, 1)
			conn := dialer.Conns(profileP1.ID)[0]
			if refs == 1 {
				assert.False(t, conn.Closed())
			} else {
				assert.Equal(t, 1, conn.CloseCalls())
			}
		})
	}
}

func TestRegistry_StartSweepRoutine(t *testing.T) {
	clock := &testClock{}
	r, dialer, store := newTestRegistry(t, WithClock(clock.now))
	ctx := context.Background()

	require.NoError(t, r.Connect(ctx, regTestS1, profileP1))
	clock.advance(DefaultMaxIdle + time.Minute)

	r.StartSweepRoutine(10*time.Millisecond, DefaultMaxIdle)
	assert.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 10*time.Millisecond)
	assert.True(t, dialer.Conns(profileP1.ID)[0].Closed())
	require.NoError(t, r.Close())
}

func TestRegistry_CloseClosesEverything(t *testing.T) {
	store := session.NewMemoryStore()
	dialer := kvstoretest.NewFakeDialer(nil)
	r := New(store, dialer)
	ctx := context.Background()

	require.NoError(t, r.Connect(ctx, regTestS1, profileP1))
	require.NoError(t, r.Connect(ctx, regTestS2, profileP2))
	require.NoError(t, r.Close())

	assert.True(t, dialer.Conns(profileP1.ID)[0].Closed())
	assert.True(t, dialer.Conns(profileP2.ID)[0].Closed())
	st, err := r.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Connections)
}

func TestRegistry_Stats(t *testing.T) {
	obs := &recordingObserver{}
	r, _, _ := newTestRegistry(t, WithObserver(obs))
	ctx := context.Background()

	require.NoError(t, r.Connect(ctx, regTestS1, profileP1))
	require.NoError(t, r.Connect(ctx, regTestS2, profileP1))
	_, err := r.Session(ctx, "idle")
	require.NoError(t, err)

	st, err := r.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Sessions: 3, BoundSessions: 2, Connections: 1, References: 2}, st)
	assert.Equal(t, int32(1), obs.opened.Load())
}
