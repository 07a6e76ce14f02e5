package metrics

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// nominalInterval stands in for the elapsed time when a session has no
// previous sample. Deltas are zero then, so rates are zero too.
const nominalInterval = 5 * time.Second

// Server describes the store process.
type Server struct {
	Version       string `json:"version"`
	Mode          string `json:"mode"`
	Role          string `json:"role"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// Memory reports memory usage. Percentage is nil when the store has no
// memory limit.
type Memory struct {
	Used          int64    `json:"used"`
	UsedHuman     string   `json:"used_human"`
	Peak          int64    `json:"peak"`
	PeakHuman     string   `json:"peak_human"`
	Max           int64    `json:"max"`
	MaxHuman      string   `json:"max_human"`
	RSS           int64    `json:"rss"`
	Percentage    *float64 `json:"percentage"`
	Fragmentation float64  `json:"fragmentation_ratio"`
}

// Clients reports client connections.
type Clients struct {
	Connected int64 `json:"connected"`
	Blocked   int64 `json:"blocked"`
	// RejectedDelta is connections rejected since the previous sample.
	RejectedDelta int64 `json:"rejected_delta"`
	RejectedTotal int64 `json:"rejected_total"`
}

// Stats reports command and keyspace activity. HitRatio is nil when no
// lookups have happened.
type Stats struct {
	OpsPerSec     int64    `json:"ops_per_sec"`
	TotalCommands int64    `json:"total_commands"`
	Hits          int64    `json:"hits"`
	Misses        int64    `json:"misses"`
	HitRatio      *float64 `json:"hit_ratio"`
	EvictedPerSec float64  `json:"evicted_per_sec"`
	ExpiredPerSec float64  `json:"expired_per_sec"`
}

// Network reports traffic rates in KiB per second.
type Network struct {
	InputKbps   float64 `json:"input_kbps"`
	OutputKbps  float64 `json:"output_kbps"`
	TotalInput  int64   `json:"total_input"`
	TotalOutput int64   `json:"total_output"`
}

// CPU reports processor use over the sample interval.
type CPU struct {
	Percentage float64 `json:"percentage"`
	Sys        float64 `json:"sys"`
	User       float64 `json:"user"`
}

// Derived is the computed view of one INFO sample.
type Derived struct {
	Timestamp time.Time                `json:"timestamp"`
	Interval  float64                  `json:"interval_seconds"`
	Server    Server                   `json:"server"`
	Memory    Memory                   `json:"memory"`
	Clients   Clients                  `json:"clients"`
	Stats     Stats                    `json:"stats"`
	Network   Network                  `json:"network"`
	CPU       CPU                      `json:"cpu"`
	Keyspace  map[string]KeyspaceStats `json:"keyspace"`
	TotalKeys int64                    `json:"total_keys"`
	LatencyMS *float64                 `json:"latency_ms"`
	Alerts    []Alert                  `json:"alerts"`
	Health    Health                   `json:"health"`
}

type sample struct {
	raw RawStatus
	at  time.Time
}

// Engine derives metrics and remembers the last sample per session.
type Engine struct {
	mu         sync.Mutex
	samples    map[string]sample
	now        func() time.Time
	thresholds []Threshold
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source. The default is time.Now, whose
// readings carry a monotonic component.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithThresholds replaces the default alert table.
func WithThresholds(t []Threshold) Option {
	return func(e *Engine) { e.thresholds = t }
}

// NewEngine creates an Engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		samples:    make(map[string]sample),
		now:        time.Now,
		thresholds: DefaultThresholds(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Compute derives metrics from raw, diffing against the session's previous
// sample. The session's sample is replaced with raw in every case.
func (e *Engine) Compute(raw RawStatus, sessionID string) Derived {
	now := e.now()

	e.mu.Lock()
	prev, hasPrev := e.samples[sessionID]
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.samples[sessionID] = sample{raw: raw, at: now}
		e.mu.Unlock()
	}()

	elapsed := nominalInterval.Seconds()
	if hasPrev {
		elapsed = now.Sub(prev.at).Seconds()
	} else {
		// Diff against itself so every delta is zero.
		prev = sample{raw: raw, at: now}
	}

	d := Derived{
		Timestamp: now,
		Interval:  elapsed,
		Keyspace:  raw.Keyspace,
	}
	d.Server = Server{
		Version:       raw.Value("redis_version"),
		Mode:          raw.Value("redis_mode"),
		Role:          raw.Value("role"),
		UptimeSeconds: raw.Int("uptime_in_seconds"),
	}
	d.Memory = deriveMemory(raw)
	d.Clients = Clients{
		Connected:     raw.Int("connected_clients"),
		Blocked:       raw.Int("blocked_clients"),
		RejectedTotal: raw.Int("rejected_connections"),
		RejectedDelta: max(0, raw.Int("rejected_connections")-prev.raw.Int("rejected_connections")),
	}
	d.Stats = Stats{
		OpsPerSec:     raw.Int("instantaneous_ops_per_sec"),
		TotalCommands: raw.Int("total_commands_processed"),
		Hits:          raw.Int("keyspace_hits"),
		Misses:        raw.Int("keyspace_misses"),
		HitRatio:      hitRatio(raw.Int("keyspace_hits"), raw.Int("keyspace_misses")),
		EvictedPerSec: rate(raw.Float("evicted_keys"), prev.raw.Float("evicted_keys"), elapsed),
		ExpiredPerSec: rate(raw.Float("expired_keys"), prev.raw.Float("expired_keys"), elapsed),
	}
	d.Network = Network{
		InputKbps:   rate(raw.Float("total_net_input_bytes"), prev.raw.Float("total_net_input_bytes"), elapsed) / 1024,
		OutputKbps:  rate(raw.Float("total_net_output_bytes"), prev.raw.Float("total_net_output_bytes"), elapsed) / 1024,
		TotalInput:  raw.Int("total_net_input_bytes"),
		TotalOutput: raw.Int("total_net_output_bytes"),
	}
	d.CPU = deriveCPU(raw, prev.raw, elapsed)

	for _, ks := range raw.Keyspace {
		d.TotalKeys += ks.Keys
	}
	if raw.Latency != nil {
		ms := float64(*raw.Latency) / float64(time.Millisecond)
		d.LatencyMS = &ms
	}

	d.Alerts = evaluate(e.thresholds, d)
	d.Health = healthOf(d.Alerts)
	return d
}

// Forget drops the session's sample.
func (e *Engine) Forget(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.samples, sessionID)
}

// Len returns the number of sessions with a stored sample.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.samples)
}

func rate(cur, prev, elapsed float64) float64 {
	if elapsed <= 0 {
		return 0
	}
	return max(0, (cur-prev)/elapsed)
}

func hitRatio(hits, misses int64) *float64 {
	lookups := hits + misses
	if lookups == 0 {
		return nil
	}
	r := float64(hits) / float64(lookups) * 100
	return &r
}

func deriveMemory(raw RawStatus) Memory {
	m := Memory{
		Used:          raw.Int("used_memory"),
		Peak:          raw.Int("used_memory_peak"),
		Max:           raw.Int("maxmemory"),
		RSS:           raw.Int("used_memory_rss"),
		Fragmentation: raw.Float("mem_fragmentation_ratio"),
	}
	m.UsedHuman = humanBytes(m.Used)
	m.PeakHuman = humanBytes(m.Peak)
	m.MaxHuman = humanBytes(m.Max)
	if m.Max > 0 {
		pct := float64(m.Used) / float64(m.Max) * 100
		m.Percentage = &pct
	}
	return m
}

func deriveCPU(cur, prev RawStatus, elapsed float64) CPU {
	c := CPU{
		Sys:  cur.Float("used_cpu_sys"),
		User: cur.Float("used_cpu_user"),
	}
	if elapsed <= 0 {
		return c
	}
	busy := (c.Sys - prev.Float("used_cpu_sys")) + (c.User - prev.Float("used_cpu_user"))
	c.Percentage = min(100, max(0, 100*busy/elapsed))
	return c
}

func humanBytes(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	return humanize.IBytes(uint64(n))
}
