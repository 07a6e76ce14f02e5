// Package metrics derives rates, percentages and health alerts from the
// store's INFO report.
//
// Counters in the report are cumulative, so rates need two samples. The
// Engine keeps the previous sample per session and diffs against it; the
// first sample for a session always reports zero rates.
package metrics

import (
	"strconv"
	"strings"
	"time"
)

// KeyspaceStats is one "dbN" line of the keyspace section.
type KeyspaceStats struct {
	Keys    int64 `json:"keys"`
	Expires int64 `json:"expires"`
	AvgTTL  int64 `json:"avg_ttl"`
}

// RawStatus is a parsed INFO report.
type RawStatus struct {
	// Fields holds every "name:value" pair, across all sections.
	Fields map[string]string

	// Keyspace is keyed by database name ("db0").
	Keyspace map[string]KeyspaceStats

	// Latency is a round-trip measurement taken alongside the report.
	// Nil when none was taken.
	Latency *time.Duration
}

// ParseInfo parses INFO output. Unknown or malformed lines are skipped.
func ParseInfo(text string) RawStatus {
	raw := RawStatus{
		Fields:   make(map[string]string),
		Keyspace: make(map[string]KeyspaceStats),
	}

	section := ""
	for line := range strings.Lines(text) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			section = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(line, "#")))
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if section == "keyspace" {
			raw.Keyspace[name] = parseKeyspace(value)
			continue
		}
		raw.Fields[name] = value
	}
	return raw
}

// parseKeyspace parses "keys=1,expires=0,avg_ttl=0".
func parseKeyspace(value string) KeyspaceStats {
	var ks KeyspaceStats
	for _, part := range strings.Split(value, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		switch k {
		case "keys":
			ks.Keys = n
		case "expires":
			ks.Expires = n
		case "avg_ttl":
			ks.AvgTTL = n
		}
	}
	return ks
}

// Int returns the named field as an integer, or 0.
func (r RawStatus) Int(name string) int64 {
	n, err := strconv.ParseInt(r.Fields[name], 10, 64)
	if err != nil {
		return int64(r.Float(name))
	}
	return n
}

// Float returns the named field as a float, or 0.
func (r RawStatus) Float(name string) float64 {
	f, err := strconv.ParseFloat(r.Fields[name], 64)
	if err != nil {
		return 0
	}
	return f
}

// Value returns the named field, or "".
func (r RawStatus) Value(name string) string {
	return r.Fields[name]
}
