package elg

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects engine execution metrics for Prometheus scraping. All
// series are namespaced "elg_".
type Metrics struct {
	runsTotal       *prometheus.CounterVec
	stepsTotal      *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	policyDenials   *prometheus.CounterVec
	replayDiverged  prometheus.Counter
	inflightRuns    prometheus.Gauge
	activitiesTotal *prometheus.CounterVec
}

// NewMetrics registers the engine metric set. A nil registerer uses the
// process-global default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elg",
			Name:      "runs_total",
			Help:      "Completed runs by terminal status.",
		}, []string{"graph_id", "status"}),
		stepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elg",
			Name:      "steps_total",
			Help:      "Executed steps by node.",
		}, []string{"graph_id", "node_id"}),
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "elg",
			Name:      "step_duration_seconds",
			Help:      "Node execution latency.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
		}, []string{"graph_id", "node_id"}),
		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elg",
			Name:      "node_retries_total",
			Help:      "Node retry attempts.",
		}, []string{"graph_id", "node_id"}),
		policyDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elg",
			Name:      "policy_denials_total",
			Help:      "Policy gate denials by phase.",
		}, []string{"graph_id", "phase"}),
		replayDiverged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "elg",
			Name:      "replay_divergences_total",
			Help:      "Hash mismatches found during verified replay.",
		}),
		inflightRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "elg",
			Name:      "inflight_runs",
			Help:      "Runs currently executing in this process.",
		}),
		activitiesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elg",
			Name:      "activities_total",
			Help:      "Activity boundary calls by type.",
		}, []string{"activity_type", "mode"}),
	}
}
