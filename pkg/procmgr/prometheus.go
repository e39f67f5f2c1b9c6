package procmgr

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsCollector exports process manager activity. Per-child
// series are labelled by handle, which is the ProcessID the supervisor uses.
type PrometheusMetricsCollector struct {
	registry *prometheus.Registry

	transitions *prometheus.CounterVec
	failures    *prometheus.CounterVec
	restarts    *prometheus.CounterVec
	launches    *prometheus.HistogramVec
	stops       prometheus.Histogram
	queued      prometheus.Gauge
	backoff     prometheus.Histogram
}

// NewPrometheusMetricsCollector registers the collector's series on a
// private registry. namespace defaults to "procmgr".
func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	if namespace == "" {
		namespace = "procmgr"
	}
	opts := func(subsystem, name, help string) prometheus.Opts {
		return prometheus.Opts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help}
	}

	pmc := &PrometheusMetricsCollector{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts(
			opts("process", "state_transitions_total", "Child state changes")),
			[]string{"handle", "from", "to"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts(
			opts("process", "failures_total", "Child failures by stage (launch, startup, restart_limit)")),
			[]string{"handle", "stage"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts(
			opts("process", "restarts_total", "Automatic restarts after a crash")),
			[]string{"handle"}),
		launches: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "launch_duration_seconds",
			Help:      "Time to fork a child",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
		stops: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "stop_duration_seconds",
			Help:      "Time from stop request to exit, including kill escalation",
			Buckets:   []float64{0.05, 0.25, 1, 2.5, 5, 10, 30},
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts(
			opts("restart_queue", "depth", "Children waiting out a restart backoff"))),
		backoff: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "restart_queue",
			Name:      "backoff_seconds",
			Help:      "Backoff applied before a restart",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 8),
		}),
	}

	pmc.registry.MustRegister(
		pmc.transitions,
		pmc.failures,
		pmc.restarts,
		pmc.launches,
		pmc.stops,
		pmc.queued,
		pmc.backoff,
	)
	return pmc
}

// ProcessStateTransition implements MetricsCollector
func (pmc *PrometheusMetricsCollector) ProcessStateTransition(id ProcessID, from, to ProcessState) {
	pmc.transitions.WithLabelValues(string(id), from.String(), to.String()).Inc()
}

// ProcessLaunchDuration implements MetricsCollector
func (pmc *PrometheusMetricsCollector) ProcessLaunchDuration(_ ProcessID, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	pmc.launches.WithLabelValues(result).Observe(d.Seconds())
}

// ProcessStopDuration implements MetricsCollector
func (pmc *PrometheusMetricsCollector) ProcessStopDuration(_ ProcessID, d time.Duration) {
	pmc.stops.Observe(d.Seconds())
}

// ProcessError implements MetricsCollector
func (pmc *PrometheusMetricsCollector) ProcessError(id ProcessID, stage string) {
	pmc.failures.WithLabelValues(string(id), stage).Inc()
}

// ProcessRestart implements MetricsCollector
func (pmc *PrometheusMetricsCollector) ProcessRestart(id ProcessID) {
	pmc.restarts.WithLabelValues(string(id)).Inc()
}

// WorkQueueDepth implements MetricsCollector
func (pmc *PrometheusMetricsCollector) WorkQueueDepth(depth int) {
	pmc.queued.Set(float64(depth))
}

// WorkQueueBackoffDuration implements MetricsCollector
func (pmc *PrometheusMetricsCollector) WorkQueueBackoffDuration(_ ProcessID, d time.Duration) {
	pmc.backoff.Observe(d.Seconds())
}

// Registry returns the registry to serve or gather.
func (pmc *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return pmc.registry
}

var _ MetricsCollector = (*PrometheusMetricsCollector)(nil)
