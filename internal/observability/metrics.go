package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/solsync-africa/dispatch/internal/dispatch"
	"github.com/solsync-africa/dispatch/internal/domain"
)

const namespace = "solsync"

// Metrics records HTTP and dispatch counters on a private prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	errorCount      *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	matches         *prometheus.CounterVec
	sweepRuns       prometheus.Counter
	sweepOutcomes   *prometheus.CounterVec
	sweepDuration   prometheus.Histogram
}

// NewMetrics initializes metrics storage.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"path", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path", "method"}),
		errorCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_errors_total",
			Help:      "HTTP error responses by route, method and error code.",
		}, []string{"path", "method", "code"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_transitions_total",
			Help:      "Committed service request transitions.",
		}, []string{"from", "to"}),
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "match_attempts_total",
			Help:      "Match attempts by outcome.",
		}, []string{"outcome"}),
		sweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "Completed pending-request sweeps.",
		}),
		sweepOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_requests_total",
			Help:      "Requests examined by sweeps, by result.",
		}, []string{"result"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of pending-request sweeps.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestCount,
		m.requestDuration,
		m.errorCount,
		m.transitions,
		m.matches,
		m.sweepRuns,
		m.sweepOutcomes,
		m.sweepDuration,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer exposes the underlying registry.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// RecordRequest increments counters for requests.
func (m *Metrics) RecordRequest(path, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestCount.WithLabelValues(path, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(path, method).Observe(duration.Seconds())
}

// RecordError increments error counters.
func (m *Metrics) RecordError(path, method, code string) {
	if m == nil {
		return
	}
	m.errorCount.WithLabelValues(path, method, code).Inc()
}

// RecordTransition counts a committed request transition. Creation is
// reported with an empty from status.
func (m *Metrics) RecordTransition(from, to domain.RequestStatus) {
	if m == nil {
		return
	}
	fromLabel := string(from)
	if fromLabel == "" {
		fromLabel = "NEW"
	}
	m.transitions.WithLabelValues(fromLabel, string(to)).Inc()
}

func (m *Metrics) RecordMatch(outcome string) {
	if m == nil {
		return
	}
	m.matches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordSweep(report dispatch.SweepReport, duration time.Duration) {
	if m == nil {
		return
	}
	m.sweepRuns.Inc()
	m.sweepOutcomes.WithLabelValues("assigned").Add(float64(report.Assigned))
	m.sweepOutcomes.WithLabelValues("unmatched").Add(float64(report.Unmatched))
	m.sweepOutcomes.WithLabelValues("skipped").Add(float64(report.Skipped))
	m.sweepOutcomes.WithLabelValues("redelivered").Add(float64(report.Redelivered))
	m.sweepDuration.Observe(duration.Seconds())
}

var _ dispatch.MetricsRecorder = (*Metrics)(nil)
