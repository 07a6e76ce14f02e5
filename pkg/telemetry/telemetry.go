// Package telemetry exposes Prometheus metrics about the console process:
// connection churn, scan throughput, and HTTP latency. These describe the
// console itself, not the stores it administers.
package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/txn2/kvadmin/pkg/registry"
	"github.com/txn2/kvadmin/pkg/scan"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "kvadmin"

const statsTimeout = 2 * time.Second

// StatsSource reports registry occupancy.
type StatsSource interface {
	Stats(ctx context.Context) (registry.Stats, error)
}

// Collector owns a private Prometheus registry and the console's metrics.
type Collector struct {
	reg *prometheus.Registry

	connOpened *prometheus.CounterVec
	connClosed *prometheus.CounterVec
	connFailed *prometheus.CounterVec

	scansStarted  prometheus.Counter
	scansFinished *prometheus.CounterVec
	scanDuration  prometheus.Histogram

	requestDuration *prometheus.HistogramVec
}

// New creates a Collector with Go runtime and process collectors
// registered.
func New(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	c := &Collector{
		reg: prometheus.NewRegistry(),
		connOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_opened_total",
			Help:      "Shared store connections opened, by profile.",
		}, []string{"profile"}),
		connClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Shared store connections closed, by profile.",
		}, []string{"profile"}),
		connFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Failed attempts to open a store connection, by profile.",
		}, []string{"profile"}),
		scansStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_started_total",
			Help:      "Keyspace scans started.",
		}),
		scansFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_finished_total",
			Help:      "Keyspace scans finished, by terminal status.",
		}, []string{"status"}),
		scanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Wall time of keyspace scans.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Admin API request latency, by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "code"}),
	}

	c.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.connOpened, c.connClosed, c.connFailed,
		c.scansStarted, c.scansFinished, c.scanDuration,
		c.requestDuration,
	)
	return c
}

// Registry returns the underlying Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.reg
}

// Handler serves the metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// InstrumentRoute records latency for h under the given route label.
// Streaming routes should not be instrumented; their duration is the
// lifetime of the stream.
func (c *Collector) InstrumentRoute(route string, h http.Handler) http.Handler {
	return promhttp.InstrumentHandlerDuration(
		c.requestDuration.MustCurryWith(prometheus.Labels{"route": route}), h)
}

// WatchRegistry exports session and connection gauges read from src at
// scrape time.
func (c *Collector) WatchRegistry(namespace string, src StatsSource) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	c.reg.MustRegister(newStatsCollector(namespace, src))
}

// ConnectionOpened implements registry.Observer.
func (c *Collector) ConnectionOpened(profileID string) {
	c.connOpened.WithLabelValues(profileID).Inc()
}

// ConnectionClosed implements registry.Observer.
func (c *Collector) ConnectionClosed(profileID string) {
	c.connClosed.WithLabelValues(profileID).Inc()
}

// ConnectFailed implements registry.Observer.
func (c *Collector) ConnectFailed(profileID string) {
	c.connFailed.WithLabelValues(profileID).Inc()
}

// ScanStarted implements scan.Observer.
func (c *Collector) ScanStarted() {
	c.scansStarted.Inc()
}

// ScanFinished implements scan.Observer.
func (c *Collector) ScanFinished(status scan.Status, elapsed time.Duration) {
	c.scansFinished.WithLabelValues(string(status)).Inc()
	c.scanDuration.Observe(elapsed.Seconds())
}

// statsCollector reads registry stats once per scrape.
type statsCollector struct {
	src           StatsSource
	sessions      *prometheus.Desc
	boundSessions *prometheus.Desc
	connections   *prometheus.Desc
	references    *prometheus.Desc
}

func newStatsCollector(namespace string, src StatsSource) *statsCollector {
	return &statsCollector{
		src: src,
		sessions: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "sessions"),
			"Sessions known to the registry.", nil, nil),
		boundSessions: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "bound_sessions"),
			"Sessions bound to a profile.", nil, nil),
		connections: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "shared_connections"),
			"Open shared store connections.", nil, nil),
		references: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "connection_references"),
			"Sum of reference counts across shared connections.", nil, nil),
	}
}

func (s *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- s.sessions
	ch <- s.boundSessions
	ch <- s.connections
	ch <- s.references
}

func (s *statsCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
	defer cancel()

	st, err := s.src.Stats(ctx)
	if err != nil {
		slog.Warn("telemetry: reading registry stats", "error", err)
		return
	}
	ch <- prometheus.MustNewConstMetric(s.sessions, prometheus.GaugeValue, float64(st.Sessions))
	ch <- prometheus.MustNewConstMetric(s.boundSessions, prometheus.GaugeValue, float64(st.BoundSessions))
	ch <- prometheus.MustNewConstMetric(s.connections, prometheus.GaugeValue, float64(st.Connections))
	ch <- prometheus.MustNewConstMetric(s.references, prometheus.GaugeValue, float64(st.References))
}

// Verify interface compliance.
var (
	_ registry.Observer    = (*Collector)(nil)
	_ scan.Observer        = (*Collector)(nil)
	_ prometheus.Collector = (*statsCollector)(nil)
)
