// Package kvstoretest provides an in-memory kvstore.Conn for tests.
package kvstoretest

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/txn2/kvadmin/pkg/kvstore"
)

// ErrClosed is returned by every operation on a closed FakeConn.
var ErrClosed = errors.New("kvstoretest: connection closed")

// Key is one key held by a FakeConn.
type Key struct {
	Type kvstore.KeyType
	TTL  int64
	Size int64
}

// FakeConn is a concurrency-safe in-memory kvstore.Conn.
type FakeConn struct {
	mu     sync.Mutex
	keys   map[string]Key
	config map[string]string
	info   string

	// Failure injection. Nil means success.
	PingErr   error
	KeysErr   error
	TypeErr   map[string]error
	SizeErr   map[string]error
	ExecErr   error
	ConfigErr error

	// KeysHook, when set, runs at the start of every Keys call.
	KeysHook func()
	// TypeHook, when set, runs at the start of every Type call.
	TypeHook func(key string)

	monitorLines chan string
	dupErr       error

	closed     atomic.Bool
	closeCalls atomic.Int32
	typeCalls  atomic.Int64
	execLog    []kvstore.Command

	parent *FakeConn
	dups   []*FakeConn
}

// NewFakeConn creates an empty FakeConn.
func NewFakeConn() *FakeConn {
	return &FakeConn{
		keys:    make(map[string]Key),
		config:  make(map[string]string),
		TypeErr: make(map[string]error),
		SizeErr: make(map[string]error),
	}
}

// SetKey stores or replaces a key.
func (f *FakeConn) SetKey(name string, k Key) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[name] = k
}

// SetInfo sets the INFO reply.
func (f *FakeConn) SetInfo(info string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.info = info
}

// SetMonitorLines makes Monitor on duplicates of f deliver from ch.
func (f *FakeConn) SetMonitorLines(ch chan string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.monitorLines = ch
}

// SetDuplicateErr makes Duplicate fail with err.
func (f *FakeConn) SetDuplicateErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dupErr = err
}

// Closed reports whether Close has been called.
func (f *FakeConn) Closed() bool {
	return f.closed.Load()
}

// CloseCalls returns the number of Close calls.
func (f *FakeConn) CloseCalls() int {
	return int(f.closeCalls.Load())
}

// TypeCalls returns the number of Type calls.
func (f *FakeConn) TypeCalls() int64 {
	return f.typeCalls.Load()
}

// Executed returns the maintenance commands run so far.
func (f *FakeConn) Executed() []kvstore.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kvstore.Command(nil), f.execLog...)
}

// Duplicates returns the connections created by Duplicate.
func (f *FakeConn) Duplicates() []*FakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeConn(nil), f.dups...)
}

// Ping implements kvstore.Conn.
func (f *FakeConn) Ping(_ context.Context) error {
	if f.closed.Load() {
		return ErrClosed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.PingErr
}

// SetPingErr changes the liveness probe result.
func (f *FakeConn) SetPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PingErr = err
}

// Keys implements kvstore.Conn using path.Match glob semantics.
func (f *FakeConn) Keys(_ context.Context, pattern string) ([]string, error) {
	if f.KeysHook != nil {
		f.KeysHook()
	}
	if f.closed.Load() {
		return nil, ErrClosed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.KeysErr != nil {
		return nil, f.KeysErr
	}
	var out []string
	for name := range f.keys {
		if ok, _ := path.Match(pattern, name); ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Type implements kvstore.Conn.
func (f *FakeConn) Type(_ context.Context, key string) (kvstore.KeyType, error) {
	f.typeCalls.Add(1)
	if f.TypeHook != nil {
		f.TypeHook(key)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.TypeErr[key]; err != nil {
		return "", err
	}
	k, ok := f.keys[key]
	if !ok {
		return kvstore.TypeNone, nil
	}
	return k.Type, nil
}

// TTL implements kvstore.Conn.
func (f *FakeConn) TTL(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[key]
	if !ok {
		return -2, nil
	}
	return k.TTL, nil
}

// Size implements kvstore.Conn.
func (f *FakeConn) Size(_ context.Context, key string, _ kvstore.KeyType) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.SizeErr[key]; err != nil {
		return 0, err
	}
	return f.keys[key].Size, nil
}

// Info implements kvstore.Conn.
func (f *FakeConn) Info(_ context.Context, _ ...string) (string, error) {
	if f.closed.Load() {
		return "", ErrClosed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info, nil
}

// ConfigGet implements kvstore.Conn.
func (f *FakeConn) ConfigGet(_ context.Context, parameter string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ConfigErr != nil {
		return nil, f.ConfigErr
	}
	out := make(map[string]string)
	for k, v := range f.config {
		if ok, _ := path.Match(parameter, k); ok {
			out[k] = v
		}
	}
	return out, nil
}

// ConfigSet implements kvstore.Conn.
func (f *FakeConn) ConfigSet(_ context.Context, parameter, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ConfigErr != nil {
		return f.ConfigErr
	}
	f.config[parameter] = value
	return nil
}

// Exec implements kvstore.Conn.
func (f *FakeConn) Exec(_ context.Context, cmd kvstore.Command) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ExecErr != nil {
		return "", f.ExecErr
	}
	f.execLog = append(f.execLog, cmd)
	if cmd == kvstore.CommandFlushDB {
		f.keys = make(map[string]Key)
		return "OK", nil
	}
	return fmt.Sprintf("%s started", cmd), nil
}

// Monitor implements kvstore.Conn. Only duplicates may monitor.
func (f *FakeConn) Monitor(_ context.Context) (kvstore.MonitorFeed, error) {
	if f.parent == nil {
		return nil, errors.New("kvstoretest: monitor on shared connection")
	}
	f.parent.mu.Lock()
	lines := f.parent.monitorLines
	f.parent.mu.Unlock()
	if lines == nil {
		lines = make(chan string)
	}
	return &fakeFeed{lines: lines}, nil
}

// Duplicate implements kvstore.Conn.
func (f *FakeConn) Duplicate(_ context.Context) (kvstore.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dupErr != nil {
		return nil, f.dupErr
	}
	dup := NewFakeConn()
	dup.parent = f
	f.dups = append(f.dups, dup)
	return dup, nil
}

// Close implements kvstore.Conn.
func (f *FakeConn) Close() error {
	f.closeCalls.Add(1)
	f.closed.Store(true)
	return nil
}

type fakeFeed struct {
	lines  chan string
	closed atomic.Bool
}

func (f *fakeFeed) Lines() <-chan string { return f.lines }

func (f *fakeFeed) Close() error {
	f.closed.Store(true)
	return nil
}

// FakeDialer hands out FakeConns and records dials per profile.
type FakeDialer struct {
	mu    sync.Mutex
	errs  map[string]error
	conns map[string][]*FakeConn
	setup func(profileID string, c *FakeConn)
}

// NewFakeDialer creates a FakeDialer. setup, if non-nil, runs on every new conn.
func NewFakeDialer(setup func(profileID string, c *FakeConn)) *FakeDialer {
	return &FakeDialer{
		errs:  make(map[string]error),
		conns: make(map[string][]*FakeConn),
		setup: setup,
	}
}

// FailProfile makes dials for profileID fail with err. A nil err clears it.
func (d *FakeDialer) FailProfile(profileID string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.errs, profileID)
		return
	}
	d.errs[profileID] = err
}

// Conns returns every conn dialed for profileID, oldest first.
func (d *FakeDialer) Conns(profileID string) []*FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeConn(nil), d.conns[profileID]...)
}

// Dial implements kvstore.Dialer.
func (d *FakeDialer) Dial(_ context.Context, p kvstore.Profile) (kvstore.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.errs[p.ID]; err != nil {
		return nil, &kvstore.ConnectionError{ProfileID: p.ID, Addr: p.Addr(), Err: err}
	}
	c := NewFakeConn()
	if d.setup != nil {
		d.setup(p.ID, c)
	}
	d.conns[p.ID] = append(d.conns[p.ID], c)
	return c, nil
}

// Verify interface compliance.
var (
	_ kvstore.Conn   = (*FakeConn)(nil)
	_ kvstore.Dialer = (*FakeDialer)(nil)
)
