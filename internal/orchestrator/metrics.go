package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/comfyflow/internal/gateway"
)

// Outcome label values for executions.
const (
	outcomeOK = "ok"
)

var (
	pollsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "comfyflow_queue_polls_total",
			Help: "Total number of queue reads made while waiting for jobs to settle.",
		},
	)

	settleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "comfyflow_settle_duration_seconds",
			Help:    "Time from the first queue read until a job left the queue, in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfyflow_orchestrated_executions_total",
			Help: "Total number of workflow executions by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(pollsTotal)
	prometheus.MustRegister(settleDuration)
	prometheus.MustRegister(executionsTotal)
}

// outcomeLabel returns the error kind name, or "canceled" for errors that
// carry no gateway kind.
func outcomeLabel(err error) string {
	if name := gateway.KindName(err); name != "" {
		return name
	}
	return "canceled"
}
