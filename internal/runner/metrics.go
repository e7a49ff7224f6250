package runner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reconcileTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brookd_reconcile_ticks_total",
		Help: "Supervisor reconciliation ticks.",
	})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brookd_pipeline_transitions_total",
		Help: "Observed pipeline status transitions by resulting state.",
	}, []string{"to"})
)
