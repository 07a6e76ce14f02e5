package admin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/txn2/kvadmin/pkg/scan"
)

const defaultPattern = "*"

// startScanRequest is the body of POST /scans.
type startScanRequest struct {
	Pattern string `json:"pattern"`
}

// startScanResponse carries the new operation's id.
type startScanResponse struct {
	OperationID string `json:"operationId"`
}

// startScan handles POST /api/v1/scans.
func (h *Handler) startScan(w http.ResponseWriter, r *http.Request) {
	var req startScanRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Pattern == "" {
		req.Pattern = defaultPattern
	}

	conn, ok := h.requireConn(w, r)
	if !ok {
		return
	}

	id, err := h.deps.Scans.Start(r.Context(), conn, req.Pattern, scan.OwnedBy(sessionID(r)))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	slog.Debug("admin: scan started", "session_id", sessionID(r), "operation_id", id)
	writeJSON(w, http.StatusAccepted, startScanResponse{OperationID: id})
}

// getScan handles GET /api/v1/scans/{id}.
func (h *Handler) getScan(w http.ResponseWriter, r *http.Request) {
	op, ok := h.ownedScan(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// deleteScan handles DELETE /api/v1/scans/{id}.
func (h *Handler) deleteScan(w http.ResponseWriter, r *http.Request) {
	op, ok := h.ownedScan(w, r)
	if !ok {
		return
	}
	if err := h.deps.Scans.Delete(r.Context(), op.ID); err != nil {
		scanError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// cancelScan handles POST /api/v1/scans/{id}/cancel.
func (h *Handler) cancelScan(w http.ResponseWriter, r *http.Request) {
	op, ok := h.ownedScan(w, r)
	if !ok {
		return
	}
	id := op.ID
	if err := h.deps.Scans.Cancel(r.Context(), id); err != nil {
		scanError(w, err)
		return
	}
	op, err := h.deps.Scans.Status(r.Context(), id)
	if err != nil {
		scanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// streamScan handles GET /api/v1/scans/stream. The scan runs for as long
// as the client stays connected, up to the stream timeout.
func (h *Handler) streamScan(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		pattern = defaultPattern
	}

	conn, ok := h.requireConn(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.deps.StreamTimeout)
	defer cancel()

	id, events, err := h.deps.Scans.Stream(ctx, conn, pattern, scan.OwnedBy(sessionID(r)))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		cancel()
		drain(events)
		return
	}

	for ev := range events {
		if err := sse.send(string(ev.Type), ev); err != nil {
			slog.Debug("admin: scan stream closed", "operation_id", id, "error", err)
			cancel()
			drain(events)
			return
		}
	}
}

// ownedScan loads the operation named in the path. Operations started by
// another session are reported as not found.
func (h *Handler) ownedScan(w http.ResponseWriter, r *http.Request) (*scan.Operation, bool) {
	op, err := h.deps.Scans.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		scanError(w, err)
		return nil, false
	}
	if op.Owner != sessionID(r) {
		scanError(w, scan.ErrOperationNotFound)
		return nil, false
	}
	return op, true
}

func drain(events <-chan scan.Event) {
	for range events {
	}
}

func scanError(w http.ResponseWriter, err error) {
	if errors.Is(err, scan.ErrOperationNotFound) {
		writeError(w, http.StatusNotFound, "operation not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
