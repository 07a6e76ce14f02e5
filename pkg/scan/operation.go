// Package scan runs full keyspace enumerations in the background.
//
// A scan resolves every key name matching a pattern, then introspects the
// names in fixed-size batches, publishing progress to a Table that clients
// poll or stream from. Scans are cancelled cooperatively at batch
// boundaries.
package scan

import (
	"errors"
	"time"

	"github.com/txn2/kvadmin/pkg/kvstore"
)

var (
	// ErrOperationNotFound is returned for unknown or expired operation IDs.
	ErrOperationNotFound = errors.New("operation not found")

	// ErrOperationTerminal is returned by Table.Update when the operation
	// already reached a terminal status.
	ErrOperationTerminal = errors.New("operation is terminal")
)

// Status is the lifecycle state of an operation.
type Status string

// Operation statuses.
const (
	StatusRunning   Status = "running"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further mutation is allowed.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusCancelled
}

// Phase is the step of the scan pipeline an operation is in.
type Phase string

// Scan phases, in order.
const (
	PhaseStarting   Phase = "starting"
	PhaseScanning   Phase = "scanning"
	PhaseProcessing Phase = "processing"
	PhaseCompleting Phase = "completing"
	PhaseComplete   Phase = "complete"
)

// KeySummary describes one key found by a scan.
type KeySummary struct {
	Name string          `json:"name"`
	Type kvstore.KeyType `json:"type"`
	TTL  int64           `json:"ttl"`
	Size int64           `json:"size"`
}

// Operation is one scan job.
type Operation struct {
	ID        string       `json:"id"`
	Owner     string       `json:"-"`
	Pattern   string       `json:"pattern"`
	Status    Status       `json:"status"`
	Phase     Phase        `json:"phase"`
	Progress  int          `json:"progress"`
	Total     int          `json:"total"`
	Current   int          `json:"current"`
	Message   string       `json:"message"`
	Keys      []KeySummary `json:"keys,omitempty"`
	Error     string       `json:"error,omitempty"`
	Cancelled bool         `json:"cancelled"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// EventType classifies a streamed update.
type EventType string

// Stream event types. A cancelled operation ends with EventError.
const (
	EventProgress EventType = "progress"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Event is one streamed operation update. It carries the full operation
// snapshot so poll and stream clients see the same fields.
type Event struct {
	Type EventType `json:"type"`
	Operation
}

func eventFor(op Operation) Event {
	switch op.Status {
	case StatusComplete:
		return Event{Type: EventComplete, Operation: op}
	case StatusError, StatusCancelled:
		return Event{Type: EventError, Operation: op}
	default:
		return Event{Type: EventProgress, Operation: op}
	}
}

// batchProgress maps finished batches onto the 10..95 band. The band is a
// fixed approximation: enumeration always counts as the first 10%.
func batchProgress(done, total int) int {
	if total <= 0 {
		return progressEnumerated
	}
	return progressEnumerated + int(float64(done)/float64(total)*progressBatchBand+0.5)
}

const (
	progressStart      = 0
	progressScanning   = 5
	progressEnumerated = 10
	progressBatchBand  = 85
	progressFinalizing = 95
	progressDone       = 100
)
