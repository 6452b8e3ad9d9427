package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
)

type engineMetrics struct {
	transitions        *prometheus.CounterVec
	partialApprovals   prometheus.Counter
	generationFailures prometheus.Counter
	escalations        prometheus.Counter
	conflicts          prometheus.Counter
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	m := &engineMetrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docflow",
			Name:      "transitions_total",
			Help:      "Committed workflow transitions by decision.",
		}, []string{"decision"}),
		partialApprovals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docflow",
			Name:      "partial_approvals_total",
			Help:      "Quorum approvals recorded below threshold.",
		}),
		generationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docflow",
			Name:      "generation_failures_total",
			Help:      "Document generation attempts that blocked a transition.",
		}),
		escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docflow",
			Name:      "escalations_total",
			Help:      "Escalation markers recorded against elapsed deadlines.",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "docflow",
			Name:      "revision_conflicts_total",
			Help:      "Mutations lost to the per-instance serialization race.",
		}),
	}
	reg.MustRegister(m.transitions, m.partialApprovals, m.generationFailures, m.escalations, m.conflicts)
	return m
}
