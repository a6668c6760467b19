// ABOUTME: Prometheus collectors for executions, daemons, captures and the relay link
// ABOUTME: Each Metrics owns its registry so tests and multiple gateways don't collide

package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tabpilot"

// daemonStates lists every supervisor state so the state gauge can be
// zeroed on transition.
var daemonStates = []string{"STOPPED", "STARTING", "RUNNING", "DEGRADED", "RESTARTING"}

// Metrics is the set of collectors exported on /metrics.
type Metrics struct {
	registry *prometheus.Registry

	executions        *prometheus.CounterVec
	executionDuration prometheus.Histogram
	transitions       *prometheus.CounterVec
	daemonState       *prometheus.GaugeVec
	captures          *prometheus.CounterVec
	captureBytes      prometheus.Histogram
	relayConnected    prometheus.Gauge
	reconnects        prometheus.Counter

	funcsOnce sync.Once
}

// New creates a Metrics with a private registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Executions resolved, by outcome kind.",
		}, []string{"kind"}),
		executionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Time from send to resolution of an execution.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "daemon_transitions_total",
			Help:      "Daemon state transitions, by daemon and target state.",
		}, []string{"daemon", "to"}),
		daemonState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "daemon_state",
			Help:      "1 for the current state of each daemon, 0 otherwise.",
		}, []string{"daemon", "state"}),
		captures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captures_total",
			Help:      "Capture attempts, by outcome kind.",
		}, []string{"kind"}),
		captureBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "capture_bytes",
			Help:      "Size of saved captures.",
			Buckets:   prometheus.ExponentialBuckets(16<<10, 2, 10),
		}),
		relayConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_connected",
			Help:      "1 while the relay channel is connected and registered.",
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_reconnects_total",
			Help:      "Reconnect attempts to the relay.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveExecution records one resolved execution.
func (m *Metrics) ObserveExecution(kind string, d time.Duration) {
	m.executions.WithLabelValues(kind).Inc()
	m.executionDuration.Observe(d.Seconds())
}

// ObserveTransition records a daemon moving to state to.
func (m *Metrics) ObserveTransition(daemonID, to string) {
	m.transitions.WithLabelValues(daemonID, to).Inc()
	for _, s := range daemonStates {
		v := 0.0
		if s == to {
			v = 1
		}
		m.daemonState.WithLabelValues(daemonID, s).Set(v)
	}
}

// ObserveCapture records a capture attempt. size is ignored unless kind is "ok".
func (m *Metrics) ObserveCapture(kind string, size int) {
	m.captures.WithLabelValues(kind).Inc()
	if kind == "ok" {
		m.captureBytes.Observe(float64(size))
	}
}

// SetRelayConnected flips the relay link gauge.
func (m *Metrics) SetRelayConnected(up bool) {
	if up {
		m.relayConnected.Set(1)
		return
	}
	m.relayConnected.Set(0)
}

// IncReconnects counts one reconnect attempt.
func (m *Metrics) IncReconnects() {
	m.reconnects.Inc()
}

// WatchCorrelator exports the pending-request gauge and the late-result
// counter from the given readers. Only the first call registers.
func (m *Metrics) WatchCorrelator(pending, lateResults func() float64) {
	m.funcsOnce.Do(func() {
		factory := promauto.With(m.registry)
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Executions awaiting a result.",
		}, pending)
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "late_results_total",
			Help:      "Results that arrived after their request timed out or was abandoned.",
		}, lateResults)
	})
}
