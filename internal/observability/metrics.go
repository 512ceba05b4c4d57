package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for rlm.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Run metrics.
	RunsTotal        *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	RunIterations    *prometheus.HistogramVec
	DelegationsTotal *prometheus.CounterVec
	ActiveRuns       prometheus.Gauge

	// LLM metrics.
	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensUsed      *prometheus.CounterVec

	// Sandbox metrics.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec

	// Journal metrics.
	JournalPrunedTotal prometheus.Counter

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimitedTotal    prometheus.Counter

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rlm",
			Subsystem: "run",
			Name:      "total",
			Help:      "Total runs by depth and terminal status.",
		}, []string{"depth", "status"}),

		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rlm",
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Run duration in seconds.",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"depth"}),

		RunIterations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rlm",
			Subsystem: "run",
			Name:      "iterations",
			Help:      "Loop iterations used per run.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 30, 50},
		}, []string{"depth"}),

		DelegationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rlm",
			Subsystem: "run",
			Name:      "delegations_total",
			Help:      "Sub-runs started through recursive_llm, by child depth.",
		}, []string{"depth"}),

		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rlm",
			Name:      "active_runs",
			Help:      "Number of top-level runs in progress.",
		}),

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rlm",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total LLM API requests.",
		}, []string{"provider", "model", "status"}),

		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rlm",
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "LLM API request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rlm",
			Subsystem: "llm",
			Name:      "tokens_used_total",
			Help:      "Total LLM tokens consumed.",
		}, []string{"provider", "model", "direction"}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rlm",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox executions by outcome (ok, fault, timeout).",
		}, []string{"backend", "status"}),

		SandboxExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rlm",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"backend"}),

		JournalPrunedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rlm",
			Subsystem: "journal",
			Name:      "pruned_total",
			Help:      "Journal records deleted by retention.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rlm",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rlm",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rlm",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rlm",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.RunIterations,
		m.DelegationsTotal,
		m.ActiveRuns,
		m.LLMRequestsTotal,
		m.LLMRequestDuration,
		m.LLMTokensUsed,
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.JournalPrunedTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RateLimitedTotal,
		m.ActiveRequests,
	)

	return m
}

// ObserveRun records a finished run.
func (m *MetricsCollector) ObserveRun(depth int, status string, d time.Duration, iterations int) {
	if m == nil {
		return
	}
	label := strconv.Itoa(depth)
	m.RunsTotal.WithLabelValues(label, status).Inc()
	m.RunDuration.WithLabelValues(label).Observe(d.Seconds())
	m.RunIterations.WithLabelValues(label).Observe(float64(iterations))
}

// ObserveDelegation records a sub-run started at depth.
func (m *MetricsCollector) ObserveDelegation(depth int) {
	if m == nil {
		return
	}
	m.DelegationsTotal.WithLabelValues(strconv.Itoa(depth)).Inc()
}

// ObservePruned records journal records removed by retention.
func (m *MetricsCollector) ObservePruned(n int64) {
	if m == nil {
		return
	}
	m.JournalPrunedTotal.Add(float64(n))
}
