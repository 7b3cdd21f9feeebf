package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects execution counters and latencies for Prometheus
// scraping. One instance is created in main and shared by the engine;
// the underlying prometheus vectors are safe for concurrent use.
type Metrics struct {
	runsTotal      *prometheus.CounterVec
	nodeExecsTotal *prometheus.CounterVec
	nodeDuration   *prometheus.HistogramVec
}

// New registers the platform metrics on the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests can use a
// fresh registry to avoid duplicate-registration panics.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dagflow",
			Name:      "workflow_runs_total",
			Help:      "Workflow runs by terminal status.",
		}, []string{"status"}),
		nodeExecsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dagflow",
			Name:      "node_executions_total",
			Help:      "Node executions by node type and terminal status.",
		}, []string{"type", "status"}),
		nodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dagflow",
			Name:      "node_execution_duration_seconds",
			Help:      "Wall-clock duration of node handler execution.",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"type"}),
	}
}

// RunFinished records a run reaching a terminal status.
func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(status).Inc()
}

// NodeFinished records one node execution with its duration.
func (m *Metrics) NodeFinished(nodeType, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.nodeExecsTotal.WithLabelValues(nodeType, status).Inc()
	m.nodeDuration.WithLabelValues(nodeType).Observe(elapsed.Seconds())
}
