package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// unmatchedRoute labels requests no route matched, so raw paths never become
// label values.
const unmatchedRoute = "unmatched"

// Outcomes of POST /v1/executions.
const (
	submissionAccepted    = "accepted"
	submissionInvalid     = "invalid"
	submissionUnavailable = "unavailable"
	submissionError       = "error"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfyflow_http_requests_total",
			Help: "HTTP requests by method, chi route pattern and status class.",
		},
		[]string{"method", "route", "status_class"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "comfyflow_http_request_duration_seconds",
			Help:    "Duration of non-streaming HTTP requests by chi route pattern.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfyflow_api_submissions_total",
			Help: "Execution submissions by resolved gateway and outcome.",
		},
		[]string{"gateway", "outcome"},
	)

	eventStreamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "comfyflow_api_event_streams_active",
			Help: "Open execution event streams.",
		},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, submissionsTotal, eventStreamsActive)
}

// streamingRoutes stay open for the life of an execution; their duration
// says nothing about the service's latency.
var streamingRoutes = map[string]bool{
	"/v1/executions/{id}/events": true,
}

// metricsMiddleware counts requests by route pattern and times the
// non-streaming ones.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, route, statusClass(ww.Status())).Inc()
		if !streamingRoutes[route] {
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		}
	})
}

// routePattern returns the chi route pattern the request matched. It is
// complete only after the router has served the request.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return unmatchedRoute
}

// statusClass folds a status code into 2xx, 4xx and so on. Handlers that
// never write a header answered 200.
func statusClass(code int) string {
	if code == 0 {
		code = http.StatusOK
	}
	return strconv.Itoa(code/100) + "xx"
}

// recordSubmission counts one POST /v1/executions. gateway is the resolved
// gateway name, or empty when the request never got that far; client-chosen
// names are not used as label values.
func recordSubmission(gateway, outcome string) {
	if gateway == "" {
		gateway = "unresolved"
	}
	submissionsTotal.WithLabelValues(gateway, outcome).Inc()
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
