package admin

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/txn2/kvadmin/pkg/audit"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 1000
)

// auditEventResponse wraps a page of audit events.
type auditEventResponse struct {
	Data    []audit.Event `json:"data"`
	Page    int           `json:"page"`
	PerPage int           `json:"per_page"`
}

// listAudit handles GET /api/v1/audit. Without a session_id filter it
// returns events from every session.
func (h *Handler) listAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.QueryFilter{
		SessionID: q.Get("session_id"),
		ProfileID: q.Get("profile_id"),
		Action:    audit.Action(q.Get("action")),
		StartTime: parseTimeParam(q, "start_time"),
		EndTime:   parseTimeParam(q, "end_time"),
	}
	if v := q.Get("success"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			filter.Success = &b
		}
	}

	perPage := parseIntParam(q, "per_page", defaultAuditLimit)
	if perPage <= 0 {
		perPage = defaultAuditLimit
	}
	perPage = min(perPage, maxAuditLimit)
	page := max(parseIntParam(q, "page", 1), 1)
	filter.Limit = perPage
	filter.Offset = (page - 1) * perPage

	events, err := h.deps.Audit.Query(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, auditEventResponse{Data: events, Page: page, PerPage: perPage})
}

func parseTimeParam(q url.Values, key string) *time.Time {
	v := q.Get(key)
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	return &t
}

func parseIntParam(q url.Values, key string, fallback int) int {
	v := q.Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
