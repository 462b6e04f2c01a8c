package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/comfyflow/internal/model"
)

var (
	activeExecutions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "comfyflow_active_executions",
			Help: "Number of executions currently running.",
		},
	)

	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfyflow_executions_total",
			Help: "Total number of finished executions by final status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(activeExecutions)
	prometheus.MustRegister(executionsTotal)

	// Pre-initialize label combinations so they appear in /metrics
	// before the first execution finishes.
	for _, s := range []string{model.StatusCompleted, model.StatusFailed, model.StatusKilled} {
		executionsTotal.WithLabelValues(s)
	}
}
