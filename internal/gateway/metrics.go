package gateway

import "github.com/prometheus/client_golang/prometheus"

// Request outcome label values.
const (
	outcomeOK          = "ok"
	outcomeEngineError = "engine_error"
	outcomeTransport   = "transport_error"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfyflow_gateway_requests_total",
			Help: "Total number of requests sent to execution engines.",
		},
		[]string{"op", "outcome"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "comfyflow_gateway_request_duration_seconds",
			Help:    "Execution engine request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal)
	prometheus.MustRegister(requestDuration)
}
