package compiler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	compilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brookd_compiles_total",
		Help: "Completed compile attempts by outcome (success, SqlError, NativeError, SystemError).",
	}, []string{"outcome"})

	compileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "brookd_compile_duration_seconds",
		Help:    "End-to-end duration of successful compiles.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	artifactsReclaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brookd_artifacts_reclaimed_total",
		Help: "Superseded build directories removed by the janitor.",
	})
)
