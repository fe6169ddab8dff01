package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the orchestration counters exposed on the metrics endpoint.
type Metrics struct {
	RunsStarted        prometheus.Counter
	WorkflowsSpawned   *prometheus.CounterVec
	BatchesHealed      prometheus.Counter
	ExecutionsFinished *prometheus.CounterVec
	Recoveries         *prometheus.CounterVec
	QuestionsPending   prometheus.Gauge
}

// NewMetrics registers the orchestration metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "specflow_orchestration_runs_started_total",
			Help: "Orchestration runs started.",
		}),
		WorkflowsSpawned: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "specflow_agent_workflows_spawned_total",
			Help: "Agent workflows spawned, by skill.",
		}, []string{"skill"}),
		BatchesHealed: factory.NewCounter(prometheus.CounterOpts{
			Name: "specflow_batches_healed_total",
			Help: "Implementation batches recovered by the auto-healer.",
		}),
		ExecutionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "specflow_orchestration_runs_finished_total",
			Help: "Orchestration runs reaching a terminal status, by status.",
		}, []string{"status"}),
		Recoveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "specflow_recovery_actions_total",
			Help: "User recovery actions applied, by action.",
		}, []string{"action"}),
		QuestionsPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "specflow_questions_pending",
			Help: "Questions currently awaiting an answer.",
		}),
	}
}
