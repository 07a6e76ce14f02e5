// Package health provides readiness state tracking and HTTP health check
// handlers. Readiness also runs named probes, such as registry occupancy
// or database reachability, and reports their output.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// State constants for the readiness state machine.
const (
	stateStarting int32 = iota
	stateReady
	stateDraining
)

const (
	statusDegraded = "degraded"
	probeTimeout   = 2 * time.Second
)

// Probe reports a component's details. A non-nil error marks the process
// not ready.
type Probe func(ctx context.Context) (any, error)

// Checker tracks the readiness state of the console.
// It is safe for concurrent use.
type Checker struct {
	state atomic.Int32

	mu     sync.RWMutex
	probes map[string]Probe
}

// NewChecker creates a Checker in the Starting state.
func NewChecker() *Checker {
	return &Checker{probes: make(map[string]Probe)}
}

// SetReady transitions to the Ready state.
func (c *Checker) SetReady() {
	c.state.Store(stateReady)
}

// SetDraining transitions to the Draining state.
func (c *Checker) SetDraining() {
	c.state.Store(stateDraining)
}

// IsReady returns true when the state is Ready.
func (c *Checker) IsReady() bool {
	return c.state.Load() == stateReady
}

// State returns the current state as a human-readable string.
func (c *Checker) State() string {
	switch c.state.Load() {
	case stateReady:
		return "ready"
	case stateDraining:
		return "draining"
	default:
		return "starting"
	}
}

// AddProbe registers a named probe run by the readiness handler.
func (c *Checker) AddProbe(name string, p Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = p
}

// healthResponse is the JSON body returned by health endpoints.
type healthResponse struct {
	Status string                 `json:"status"`
	Checks map[string]probeResult `json:"checks,omitempty"`
}

type probeResult struct {
	OK      bool   `json:"ok"`
	Details any    `json:"details,omitempty"`
	Error   string `json:"error,omitempty"`
}

// LivenessHandler returns an http.HandlerFunc that always responds 200 OK.
// Use this for K8s livenessProbe (/healthz).
func (*Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
	}
}

// ReadinessHandler returns an http.HandlerFunc that responds 200 when ready
// and every probe passes, and 503 otherwise.
// Use this for K8s readinessProbe (/readyz).
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !c.IsReady() {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: c.State()})
			return
		}

		checks, ok := c.runProbes(r.Context())
		if !ok {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: statusDegraded, Checks: checks})
			return
		}
		writeJSON(w, http.StatusOK, healthResponse{Status: c.State(), Checks: checks})
	}
}

func (c *Checker) runProbes(ctx context.Context) (map[string]probeResult, bool) {
	c.mu.RLock()
	names := make([]string, 0, len(c.probes))
	for name := range c.probes {
		names = append(names, name)
	}
	probes := make(map[string]Probe, len(c.probes))
	for name, p := range c.probes {
		probes[name] = p
	}
	c.mu.RUnlock()

	if len(names) == 0 {
		return nil, true
	}
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	allOK := true
	results := make(map[string]probeResult, len(names))
	for _, name := range names {
		details, err := probes[name](ctx)
		if err != nil {
			allOK = false
			results[name] = probeResult{Error: err.Error()}
			continue
		}
		results[name] = probeResult{OK: true, Details: details}
	}
	return results, allOK
}

func writeJSON(w http.ResponseWriter, code int, v healthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
