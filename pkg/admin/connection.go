package admin

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/txn2/kvadmin/pkg/kvstore"
)

// profileListResponse lists configured profiles. Passwords never leave the
// server.
type profileListResponse struct {
	Profiles []kvstore.Profile `json:"profiles"`
	Total    int               `json:"total"`
}

// connectRequest is the body of POST /connection.
type connectRequest struct {
	ProfileID string `json:"profile_id"`
}

// connectionResponse describes the session's binding.
type connectionResponse struct {
	Connected bool             `json:"connected"`
	Profile   *kvstore.Profile `json:"profile,omitempty"`
	Alive     bool             `json:"alive"`
	Error     string           `json:"error,omitempty"`
}

// listProfiles handles GET /api/v1/profiles.
func (h *Handler) listProfiles(w http.ResponseWriter, _ *http.Request) {
	profiles := h.deps.Profiles.List()
	writeJSON(w, http.StatusOK, profileListResponse{Profiles: profiles, Total: len(profiles)})
}

// getConnection handles GET /api/v1/connection.
func (h *Handler) getConnection(w http.ResponseWriter, r *http.Request) {
	sess, err := h.deps.Connections.Session(r.Context(), sessionID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sess == nil || !sess.Bound() {
		writeJSON(w, http.StatusOK, connectionResponse{})
		return
	}

	resp := connectionResponse{Connected: true}
	if p, ok := h.deps.Profiles.Profile(sess.ProfileID); ok {
		resp.Profile = &p
	}

	conn, err := h.deps.Connections.Conn(r.Context(), sess.ID)
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, http.StatusOK, resp)
		return
	}
	if err := conn.Ping(r.Context()); err != nil {
		resp.Error = err.Error()
	} else {
		resp.Alive = true
	}
	writeJSON(w, http.StatusOK, resp)
}

// connect handles POST /api/v1/connection.
func (h *Handler) connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ProfileID == "" {
		writeError(w, http.StatusBadRequest, "profile_id is required")
		return
	}
	p, ok := h.deps.Profiles.Profile(req.ProfileID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown profile: "+req.ProfileID)
		return
	}

	sid := sessionID(r)
	prev, err := h.deps.Connections.Session(r.Context(), sid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.deps.Connections.Connect(r.Context(), sid, p); err != nil {
		var connErr *kvstore.ConnectionError
		if errors.As(err, &connErr) {
			slog.Warn("admin: connect failed", "session_id", sid, "profile", p.ID, "error", err)
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if h.deps.Metrics != nil && (prev == nil || prev.ProfileID != p.ID) {
		// Rates from the previous store are meaningless against this one.
		h.deps.Metrics.Forget(sid)
	}

	writeJSON(w, http.StatusOK, connectionResponse{Connected: true, Profile: &p, Alive: true})
}

// disconnect handles DELETE /api/v1/connection.
func (h *Handler) disconnect(w http.ResponseWriter, r *http.Request) {
	sid := sessionID(r)
	if err := h.deps.Connections.Disconnect(r.Context(), sid); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if h.deps.Metrics != nil {
		h.deps.Metrics.Forget(sid)
	}
	w.WriteHeader(http.StatusNoContent)
}
