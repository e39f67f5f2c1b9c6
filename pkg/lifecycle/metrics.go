package lifecycle

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jrepp/botfleet/pkg/fleet"
)

// Metrics records lifecycle operation outcomes on its own registry.
type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	workers    *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates the lifecycle collectors.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botfleet",
			Subsystem: "lifecycle",
			Name:      "operations_total",
			Help:      "Lifecycle operations by result code",
		},
		[]string{"op", "result"},
	)
	m.duration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "botfleet",
			Subsystem: "lifecycle",
			Name:      "operation_duration_seconds",
			Help:      "Lifecycle operation latency",
			Buckets:   []float64{.005, .01, .05, .1, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"op"},
	)
	m.workers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "botfleet",
			Name:      "workers",
			Help:      "Workers by observed state, refreshed on reconcile",
		},
		[]string{"state"},
	)

	m.registry.MustRegister(m.operations, m.duration, m.workers)
	return m
}

// Registry returns the registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, resultLabel(err)).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) setWorkers(counts map[fleet.WorkerState]int) {
	if m == nil {
		return
	}
	for _, s := range []fleet.WorkerState{fleet.StateStopped, fleet.StateRunning, fleet.StateUnknown} {
		m.workers.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if code := fleet.CodeOf(err); code != "" {
		return strings.ToLower(string(code))
	}
	return "error"
}
