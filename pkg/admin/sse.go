package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// sseWriter writes server-sent events.
type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// newSSEWriter sets the event-stream headers and flushes them. It reports
// false when the response cannot be flushed, after writing an error.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		h.Del("Cache-Control")
		h.Del("Connection")
		h.Del("X-Accel-Buffering")
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return nil, false
	}
	return &sseWriter{w: w, rc: rc}, true
}

// send writes one event with a JSON payload.
func (s *sseWriter) send(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return fmt.Errorf("writing %s event: %w", event, err)
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("flushing %s event: %w", event, err)
	}
	return nil
}
