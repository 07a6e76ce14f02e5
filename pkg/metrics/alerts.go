package metrics

import "fmt"

// Level is an alert severity.
type Level string

// Alert levels.
const (
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Health summarizes a connection's alerts.
type Health string

// Health values, most severe first.
const (
	HealthCritical Health = "critical"
	HealthWarning  Health = "warning"
	HealthHealthy  Health = "healthy"
)

// Alert is one threshold breach.
type Alert struct {
	Level     Level   `json:"level"`
	Metric    string  `json:"metric"`
	Message   string  `json:"message"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// Threshold is one row of the alert table. When Below is set the metric
// breaches by falling under the limits instead of exceeding them.
type Threshold struct {
	Metric   string
	Label    string
	Warning  float64
	Critical float64
	Below    bool
	Value    func(Derived) (float64, bool)
}

// DefaultThresholds returns the built-in alert table.
func DefaultThresholds() []Threshold {
	return []Threshold{
		{
			Metric: "memory_percentage", Label: "Memory usage", Warning: 80, Critical: 90,
			Value: func(d Derived) (float64, bool) { return deref(d.Memory.Percentage) },
		},
		{
			Metric: "fragmentation_ratio", Label: "Memory fragmentation", Warning: 1.5, Critical: 2.0,
			Value: func(d Derived) (float64, bool) { return d.Memory.Fragmentation, d.Memory.Fragmentation > 0 },
		},
		{
			Metric: "hit_ratio", Label: "Cache hit ratio", Warning: 80, Critical: 50, Below: true,
			Value: func(d Derived) (float64, bool) { return deref(d.Stats.HitRatio) },
		},
		{
			Metric: "evicted_per_sec", Label: "Key evictions", Warning: 10, Critical: 100,
			Value: func(d Derived) (float64, bool) { return d.Stats.EvictedPerSec, true },
		},
		{
			Metric: "connected_clients", Label: "Connected clients", Warning: 5000, Critical: 9000,
			Value: func(d Derived) (float64, bool) { return float64(d.Clients.Connected), true },
		},
		{
			Metric: "blocked_clients", Label: "Blocked clients", Warning: 10, Critical: 50,
			Value: func(d Derived) (float64, bool) { return float64(d.Clients.Blocked), true },
		},
		{
			Metric: "rejected_connections", Label: "Rejected connections", Warning: 1, Critical: 10,
			Value: func(d Derived) (float64, bool) { return float64(d.Clients.RejectedDelta), true },
		},
		{
			Metric: "cpu_percentage", Label: "CPU usage", Warning: 70, Critical: 90,
			Value: func(d Derived) (float64, bool) { return d.CPU.Percentage, true },
		},
	}
}

func deref(p *float64) (float64, bool) {
	if p == nil {
		return 0, false
	}
	return *p, true
}

// evaluate yields at most one alert per threshold, at its highest level.
func evaluate(table []Threshold, d Derived) []Alert {
	alerts := []Alert{}
	for _, th := range table {
		v, ok := th.Value(d)
		if !ok {
			continue
		}
		switch {
		case breaches(v, th.Critical, th.Below):
			alerts = append(alerts, newAlert(LevelCritical, th, v, th.Critical))
		case breaches(v, th.Warning, th.Below):
			alerts = append(alerts, newAlert(LevelWarning, th, v, th.Warning))
		}
	}
	return alerts
}

func breaches(v, limit float64, below bool) bool {
	if below {
		return v < limit
	}
	return v >= limit
}

func newAlert(level Level, th Threshold, v, limit float64) Alert {
	dir := "above"
	if th.Below {
		dir = "below"
	}
	return Alert{
		Level:     level,
		Metric:    th.Metric,
		Message:   fmt.Sprintf("%s is %s %s threshold (%.2f, limit %.2f)", th.Label, dir, level, v, limit),
		Value:     v,
		Threshold: limit,
	}
}

func healthOf(alerts []Alert) Health {
	h := HealthHealthy
	for _, a := range alerts {
		if a.Level == LevelCritical {
			return HealthCritical
		}
		h = HealthWarning
	}
	return h
}
