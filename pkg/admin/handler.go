// Package admin provides the console's REST and SSE endpoints. Handlers are
// thin: they resolve the session, fetch its connection from the registry,
// and delegate to the scan orchestrator, the metrics engine, or the store.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/txn2/kvadmin/pkg/audit"
	"github.com/txn2/kvadmin/pkg/kvstore"
	"github.com/txn2/kvadmin/pkg/metrics"
	"github.com/txn2/kvadmin/pkg/registry"
	"github.com/txn2/kvadmin/pkg/scan"
	"github.com/txn2/kvadmin/pkg/session"
)

// APIPrefix is the path prefix for every route.
const APIPrefix = "/api/v1"

const (
	defaultStreamTimeout = 10 * time.Minute
	maxBodyBytes         = 1 << 20
)

// Connections is the session registry as seen by the handlers.
type Connections interface {
	Connect(ctx context.Context, sessionID string, p kvstore.Profile) error
	Disconnect(ctx context.Context, sessionID string) error
	Conn(ctx context.Context, sessionID string) (kvstore.Conn, error)
	Session(ctx context.Context, sessionID string) (*session.Session, error)
}

// Scanner is the scan orchestrator as seen by the handlers.
type Scanner interface {
	Start(ctx context.Context, conn kvstore.Conn, pattern string, opts ...scan.StartOption) (string, error)
	Stream(ctx context.Context, conn kvstore.Conn, pattern string, opts ...scan.StartOption) (string, <-chan scan.Event, error)
	Status(ctx context.Context, id string) (*scan.Operation, error)
	Cancel(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// MetricsEngine derives dashboard metrics from raw status reports.
type MetricsEngine interface {
	Compute(raw metrics.RawStatus, sessionID string) metrics.Derived
	Forget(sessionID string)
}

// Deps holds the handler's collaborators.
type Deps struct {
	Profiles    *kvstore.ProfileSet
	Connections Connections
	Scans       Scanner
	Metrics     MetricsEngine
	Audit       audit.Logger

	// Session configures the session cookie.
	Session session.MiddlewareConfig

	// StreamTimeout bounds a streamed scan. Zero means ten minutes.
	StreamTimeout time.Duration

	// Instrument, if set, wraps each non-streaming route.
	Instrument func(route string, h http.Handler) http.Handler
}

// Handler provides the admin REST API endpoints.
type Handler struct {
	mux     *http.ServeMux
	deps    Deps
	handler http.Handler
}

// NewHandler creates a new admin API handler.
func NewHandler(deps Deps) *Handler {
	if deps.StreamTimeout <= 0 {
		deps.StreamTimeout = defaultStreamTimeout
	}
	if deps.Audit == nil {
		deps.Audit = audit.NewMemoryLogger(0)
	}
	if deps.Profiles == nil {
		deps.Profiles = kvstore.NewProfileSet(nil)
	}
	h := &Handler{
		mux:  http.NewServeMux(),
		deps: deps,
	}
	h.registerRoutes()
	h.handler = session.Middleware(deps.Session)(h.mux)
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

// registerRoutes registers all admin API routes.
func (h *Handler) registerRoutes() {
	h.handle("GET /profiles", h.listProfiles)
	h.handle("GET /connection", h.getConnection)
	h.handle("POST /connection", h.connect)
	h.handle("DELETE /connection", h.disconnect)

	h.handle("POST /scans", h.startScan)
	h.stream("GET /scans/stream", h.streamScan)
	h.handle("GET /scans/{id}", h.getScan)
	h.handle("DELETE /scans/{id}", h.deleteScan)
	h.handle("POST /scans/{id}/cancel", h.cancelScan)

	h.handle("GET /metrics", h.getMetrics)
	h.stream("GET /monitor", h.streamMonitor)

	h.handle("GET /config/{parameter}", h.getConfig)
	h.handle("PUT /config/{parameter}", h.setConfig)
	h.handle("POST /maintenance/{command}", h.runMaintenance)

	h.handle("GET /audit", h.listAudit)
}

// handle registers an instrumented route. pattern is "METHOD /path".
func (h *Handler) handle(pattern string, fn http.HandlerFunc) {
	method, path := splitPattern(pattern)
	var handler http.Handler = fn
	if h.deps.Instrument != nil {
		handler = h.deps.Instrument(APIPrefix+path, handler)
	}
	h.mux.Handle(method+" "+APIPrefix+path, handler)
}

// stream registers a long-lived route without instrumentation.
func (h *Handler) stream(pattern string, fn http.HandlerFunc) {
	method, path := splitPattern(pattern)
	h.mux.Handle(method+" "+APIPrefix+path, fn)
}

func splitPattern(pattern string) (method, path string) {
	method, path, _ = strings.Cut(pattern, " ")
	return method, path
}

// problemDetail is an RFC 7807 error body.
type problemDetail struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a problem-detail error response.
func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problemDetail{
		Type:   "about:blank",
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	})
}

// decodeJSON reads a bounded JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// sessionID returns the caller's session id. The session middleware always
// sets one.
func sessionID(r *http.Request) string {
	id, _ := session.IDFromContext(r.Context())
	return id
}

// requireConn returns the session's connection or writes 409 when the
// session is not connected.
func (h *Handler) requireConn(w http.ResponseWriter, r *http.Request) (kvstore.Conn, bool) {
	conn, err := h.deps.Connections.Conn(r.Context(), sessionID(r))
	if err == nil {
		return conn, true
	}
	if errors.Is(err, registry.ErrNotConnected) {
		writeError(w, http.StatusConflict, "not connected")
		return nil, false
	}
	writeError(w, http.StatusInternalServerError, err.Error())
	return nil, false
}

// storeError reports a failed store command. The store's own message is
// passed through because the operator needs it.
func storeError(w http.ResponseWriter, err error) {
	writeError(w, http.StatusBadGateway, err.Error())
}
