// Package obs wires Prometheus metrics and OpenTelemetry tracing across
// the runtime: per-domain CounterVec/HistogramVec/GaugeVec groups behind
// a nil-receiver-safe Metrics struct, turn/step/event counters,
// node-count/running-set gauges, and a span per Simulator.Run turn and
// per experiment run.
package obs

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig controls whether metrics collection is enabled.
type MetricsConfig struct {
	Enabled bool
}

// Metrics holds every Prometheus collector the runtime records against,
// behind a private registry so multiple Metrics instances (e.g. in
// tests) never collide on the default global registry.
type Metrics struct {
	registry *prometheus.Registry

	turnsTotal *prometheus.CounterVec
	stepsTotal *prometheus.CounterVec
	eventsTotal *prometheus.CounterVec

	nodeCount prometheus.Gauge
	runningNodes prometheus.Gauge

	runsTotal *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	variantTotal *prometheus.CounterVec
}

// NewMetrics builds a Metrics instance, or returns (nil, nil) if cfg is
// nil or disabled — every Record*/Inc*/Set* method below is a no-op on a
// nil receiver, so callers never need to branch on whether metrics are
// enabled.
func NewMetrics(cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	m := &Metrics{registry: prometheus.NewRegistry()}
	if err := m.initSimMetrics(); err != nil {
		return nil, fmt.Errorf("obs: init sim metrics: %w", err)
	}
	if err := m.initTreeMetrics(); err != nil {
		return nil, fmt.Errorf("obs: init tree metrics: %w", err)
	}
	if err := m.initExperimentMetrics(); err != nil {
		return nil, fmt.Errorf("obs: init experiment metrics: %w", err)
	}
	return m, nil
}

func (m *Metrics) initSimMetrics() error {
	m.turnsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simsocius",
			Subsystem: "simulator",
			Name: "turns_total",
			Help: "Total number of Simulator.Run turns executed.",
		}, []string{"node_id"})

	m.stepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simsocius",
			Subsystem: "simulator",
			Name: "steps_total",
			Help: "Total number of intra-turn agent steps executed.",
		}, []string{"node_id", "agent"})

	m.eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simsocius",
			Subsystem: "simulator",
			Name: "events_total",
			Help: "Total number of events dispatched, labeled by kind.",
		}, []string{"kind"})

	return registerAll(m.registry, m.turnsTotal, m.stepsTotal, m.eventsTotal)
}

func (m *Metrics) initTreeMetrics() error {
	m.nodeCount = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "simsocius",
			Subsystem: "simtree",
			Name: "node_count",
			Help: "Total number of attached SimTree nodes.",
	})

	m.runningNodes = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "simsocius",
			Subsystem: "simtree",
			Name: "running_nodes",
			Help: "Number of nodes currently marked running.",
	})

	return registerAll(m.registry, m.nodeCount, m.runningNodes)
}

func (m *Metrics) initExperimentMetrics() error {
	m.runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simsocius",
			Subsystem: "experiment",
			Name: "runs_total",
			Help: "Total number of experiment runs, labeled by terminal status.",
		}, []string{"status"})

	m.runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "simsocius",
			Subsystem: "experiment",
			Name: "run_duration_seconds",
			Help: "Wall-clock duration of an experiment run from Start to terminal status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"})

	m.variantTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simsocius",
			Subsystem: "experiment",
			Name: "variants_total",
			Help: "Total number of experiment variants executed, labeled by outcome.",
		}, []string{"outcome"})

	return registerAll(m.registry, m.runsTotal, m.runDuration, m.variantTotal)
}

func registerAll(reg *prometheus.Registry, collectors ...prometheus.Collector) error {
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// RecordTurn increments the turn counter for nodeID.
func (m *Metrics) RecordTurn(nodeID int) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(fmt.Sprintf("%d", nodeID)).Inc()
}

// RecordStep increments the step counter for nodeID/agent.
func (m *Metrics) RecordStep(nodeID int, agent string) {
	if m == nil {
		return
	}
	m.stepsTotal.WithLabelValues(fmt.Sprintf("%d", nodeID), agent).Inc()
}

// RecordEvent increments the event counter for kind.
func (m *Metrics) RecordEvent(kind string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(kind).Inc()
}

// SetNodeCount sets the node-count gauge to n.
func (m *Metrics) SetNodeCount(n int) {
	if m == nil {
		return
	}
	m.nodeCount.Set(float64(n))
}

// SetRunningNodes sets the running-set gauge to n.
func (m *Metrics) SetRunningNodes(n int) {
	if m == nil {
		return
	}
	m.runningNodes.Set(float64(n))
}

// RecordRun increments the experiment run counter and observes its
// duration, both labeled by the run's terminal status.
func (m *Metrics) RecordRun(status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordVariant increments the variant counter for outcome ("ok" or
// "error").
func (m *Metrics) RecordVariant(outcome string) {
	if m == nil {
		return
	}
	m.variantTotal.WithLabelValues(outcome).Inc()
}

// Registry returns the underlying Prometheus registry, or nil if metrics
// are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an http.Handler serving the metrics in Prometheus
// exposition format, or a 503 stub if metrics are disabled.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "metrics disabled", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
