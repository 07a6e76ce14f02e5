package admin

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/txn2/kvadmin/pkg/metrics"
	"github.com/txn2/kvadmin/pkg/monitor"
)

// getMetrics handles GET /api/v1/metrics. It reads a fresh status report,
// measures round-trip latency, and derives dashboard metrics relative to
// the session's previous sample.
func (h *Handler) getMetrics(w http.ResponseWriter, r *http.Request) {
	if h.deps.Metrics == nil {
		writeError(w, http.StatusNotImplemented, "metrics are disabled")
		return
	}
	conn, ok := h.requireConn(w, r)
	if !ok {
		return
	}

	start := time.Now()
	if err := conn.Ping(r.Context()); err != nil {
		storeError(w, err)
		return
	}
	latency := time.Since(start)

	text, err := conn.Info(r.Context())
	if err != nil {
		storeError(w, err)
		return
	}

	raw := metrics.ParseInfo(text)
	raw.Latency = &latency
	writeJSON(w, http.StatusOK, h.deps.Metrics.Compute(raw, sessionID(r)))
}

// streamMonitor handles GET /api/v1/monitor. Each command the store
// processes is sent as a "command" event until the client disconnects.
func (h *Handler) streamMonitor(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.requireConn(w, r)
	if !ok {
		return
	}

	stream, err := monitor.Subscribe(r.Context(), conn)
	if err != nil {
		storeError(w, err)
		return
	}
	defer func() { _ = stream.Close() }()

	sse, ok := newSSEWriter(w)
	if !ok {
		return
	}

	sid := sessionID(r)
	slog.Debug("admin: monitor started", "session_id", sid)
	for ev := range stream.Events() {
		if err := sse.send("command", ev); err != nil {
			slog.Debug("admin: monitor stream closed", "session_id", sid, "error", err)
			return
		}
	}
}
