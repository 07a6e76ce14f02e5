package admin

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/txn2/kvadmin/pkg/audit"
	"github.com/txn2/kvadmin/pkg/kvstore"
)

// configResponse carries CONFIG GET results.
type configResponse struct {
	Parameters map[string]string `json:"parameters"`
}

// setConfigRequest is the body of PUT /config/{parameter}.
type setConfigRequest struct {
	Value string `json:"value"`
}

// maintenanceResponse carries the store's reply to a maintenance command.
type maintenanceResponse struct {
	Command kvstore.Command `json:"command"`
	Reply   string          `json:"reply"`
}

// getConfig handles GET /api/v1/config/{parameter}. The parameter may be
// a glob.
func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.requireConn(w, r)
	if !ok {
		return
	}
	params, err := conn.ConfigGet(r.Context(), r.PathValue("parameter"))
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, configResponse{Parameters: redactConfig(params)})
}

// redactConfig masks the values of password parameters.
func redactConfig(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		if audit.IsSensitive(k) && v != "" {
			v = audit.Redacted
		}
		out[k] = v
	}
	return out
}

// setConfig handles PUT /api/v1/config/{parameter}.
func (h *Handler) setConfig(w http.ResponseWriter, r *http.Request) {
	parameter := r.PathValue("parameter")
	var req setConfigRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, ok := h.requireConn(w, r)
	if !ok {
		return
	}

	start := time.Now()
	err := conn.ConfigSet(r.Context(), parameter, req.Value)
	h.record(r, audit.NewEvent(audit.ActionConfigSet, parameter).
		WithParameters(map[string]any{"parameter": parameter, "value": req.Value}).
		WithResult(err, time.Since(start)))
	if err != nil {
		storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// runMaintenance handles POST /api/v1/maintenance/{command}.
func (h *Handler) runMaintenance(w http.ResponseWriter, r *http.Request) {
	cmd, err := kvstore.ParseCommand(r.PathValue("command"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, ok := h.requireConn(w, r)
	if !ok {
		return
	}

	start := time.Now()
	reply, err := conn.Exec(r.Context(), cmd)
	h.record(r, audit.NewEvent(audit.ActionMaintenance, string(cmd)).WithResult(err, time.Since(start)))
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, maintenanceResponse{Command: cmd, Reply: reply})
}

// record stamps the event with the caller's session and logs it. Audit
// failures are logged, never returned to the caller.
func (h *Handler) record(r *http.Request, event *audit.Event) {
	sid := sessionID(r)
	profileID := ""
	if sess, err := h.deps.Connections.Session(r.Context(), sid); err == nil && sess != nil {
		profileID = sess.ProfileID
	}
	event.WithSession(sid, profileID).WithRequestID(r.Header.Get("X-Request-ID"))

	ctx := context.WithoutCancel(r.Context())
	if err := h.deps.Audit.Log(ctx, *event); err != nil {
		slog.Error("admin: audit log failed", "session_id", sid, "action", event.Action, "error", err)
	}
}
