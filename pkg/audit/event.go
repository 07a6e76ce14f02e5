package audit

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action categorizes audit events.
type Action string

const (
	// ActionConfigSet is a CONFIG SET on the bound store.
	ActionConfigSet Action = "config_set"

	// ActionMaintenance is a maintenance command such as BGSAVE or FLUSHDB.
	ActionMaintenance Action = "maintenance"
)

// NewEvent creates a new audit event.
func NewEvent(action Action, target string) *Event {
	return &Event{
		ID:        generateEventID(),
		Timestamp: time.Now(),
		Action:    action,
		Target:    target,
	}
}

// WithSession adds session and profile information to the event.
func (e *Event) WithSession(sessionID, profileID string) *Event {
	e.SessionID = sessionID
	e.ProfileID = profileID
	return e
}

// WithParameters adds parameters to the event.
func (e *Event) WithParameters(params map[string]any) *Event {
	e.Parameters = SanitizeParameters(params)
	return e
}

// WithResult adds result information to the event.
func (e *Event) WithResult(err error, duration time.Duration) *Event {
	e.Success = err == nil
	if err != nil {
		e.ErrorMessage = err.Error()
	}
	e.DurationMS = duration.Milliseconds()
	return e
}

// WithRequestID adds a request ID to the event.
func (e *Event) WithRequestID(requestID string) *Event {
	e.RequestID = requestID
	return e
}

// generateEventID generates a time-ordered event ID.
func generateEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// sensitiveKeys are parameter names whose values are never stored. The
// store-side names cover CONFIG SET on password parameters.
var sensitiveKeys = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"requirepass":   true,
	"masterauth":    true,
	"masteruser":    true,
	"authorization": true,
}

// Redacted replaces the value of a sensitive parameter.
const Redacted = "[REDACTED]"

// IsSensitive reports whether name is a parameter whose value must never
// be stored or returned.
func IsSensitive(name string) bool {
	return sensitiveKeys[strings.ToLower(name)]
}

// SanitizeParameters removes sensitive parameters. A "value" parameter is
// redacted when the "parameter" it sets is itself sensitive.
func SanitizeParameters(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}

	secretValue := false
	if name, ok := params["parameter"].(string); ok && IsSensitive(name) {
		secretValue = true
	}

	sanitized := make(map[string]any, len(params))
	for k, v := range params {
		switch {
		case IsSensitive(k):
			sanitized[k] = Redacted
		case k == "value" && secretValue:
			sanitized[k] = Redacted
		default:
			sanitized[k] = v
		}
	}
	return sanitized
}
