package admin

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/txn2/kvadmin/pkg/audit"
	"github.com/txn2/kvadmin/pkg/kvstore"
	"github.com/txn2/kvadmin/pkg/kvstore/kvstoretest"
	"github.com/txn2/kvadmin/pkg/metrics"
	"github.com/txn2/kvadmin/pkg/registry"
	"github.com/txn2/kvadmin/pkg/scan"
	"github.com/txn2/kvadmin/pkg/session"
)

const (
	testProfileLocal   = "local"
	testProfileStaging = "staging"
	testPassword       = "s3cr3t-password"
	testInfo           = `# Server
redis_version:7.2.4
redis_mode:standalone
uptime_in_seconds:3600

# Clients
connected_clients:12
blocked_clients:0

# Memory
used_memory:1048576
maxmemory:4194304
mem_fragmentation_ratio:1.20

# Stats
total_commands_processed:5000
keyspace_hits:900
keyspace_misses:100

# Keyspace
db0:keys=3,expires=1,avg_ttl=3000
`
)

type testEnv struct {
	t        *testing.T
	srv      *httptest.Server
	dialer   *kvstoretest.FakeDialer
	registry *registry.Registry
	scans    *scan.Orchestrator
	engine   *metrics.Engine
	audit    *audit.MemoryLogger

	routesMu sync.Mutex
	routes   map[string]int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{t: t, routes: make(map[string]int)}
	env.dialer = kvstoretest.NewFakeDialer(func(_ string, c *kvstoretest.FakeConn) {
		c.SetKey("user:1", kvstoretest.Key{Type: kvstore.TypeHash, TTL: -1, Size: 3})
		c.SetKey("user:2", kvstoretest.Key{Type: kvstore.TypeString, TTL: 60, Size: 5})
		c.SetKey("order:1", kvstoretest.Key{Type: kvstore.TypeList, TTL: -1, Size: 2})
		c.SetInfo(testInfo)
	})
	env.registry = registry.New(session.NewMemoryStore(), env.dialer)
	table := scan.NewMemoryTable()
	env.scans = scan.New(table, scan.Config{BatchSize: 2})
	env.engine = metrics.NewEngine()
	env.audit = audit.NewMemoryLogger(100)

	h := NewHandler(Deps{
		Profiles: kvstore.NewProfileSet([]kvstore.Profile{
			{ID: testProfileLocal, Name: "Local", Host: "127.0.0.1", Port: 6379, Password: testPassword},
			{ID: testProfileStaging, Name: "Staging", Host: "staging.internal", Port: 6380},
		}),
		Connections: env.registry,
		Scans:       env.scans,
		Metrics:     env.engine,
		Audit:       env.audit,
		Instrument: func(route string, next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				env.routesMu.Lock()
				env.routes[route]++
				env.routesMu.Unlock()
				next.ServeHTTP(w, r)
			})
		},
	})
	env.srv = httptest.NewServer(h)

	t.Cleanup(func() {
		env.srv.Close()
		_ = env.scans.Close()
		_ = table.Close()
		_ = env.registry.Close()
	})
	return env
}

// client returns an HTTP client with its own cookie jar, i.e. its own
// session.
func (e *testEnv) client() *http.Client {
	e.t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(e.t, err)
	return &http.Client{Jar: jar}
}

func (e *testEnv) do(c *http.Client, method, path string, body any) (*http.Response, []byte) {
	e.t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(e.t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+APIPrefix+path, reader)
	require.NoError(e.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.Do(req)
	require.NoError(e.t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(e.t, err)
	return resp, data
}

func (e *testEnv) connect(c *http.Client, profileID string) {
	e.t.Helper()
	resp, body := e.do(c, http.MethodPost, "/connection", connectRequest{ProfileID: profileID})
	require.Equal(e.t, http.StatusOK, resp.StatusCode, string(body))
}

// lastConn returns the most recently dialed connection for profileID.
func (e *testEnv) lastConn(profileID string) *kvstoretest.FakeConn {
	e.t.Helper()
	conns := e.dialer.Conns(profileID)
	require.NotEmpty(e.t, conns)
	return conns[len(conns)-1]
}

func (e *testEnv) routeHits(route string) int {
	e.routesMu.Lock()
	defer e.routesMu.Unlock()
	return e.routes[route]
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}
