// Package metrics holds the process's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bqagent_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bqagent_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	asksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bqagent_asks_total",
			Help: "Questions answered, by outcome.",
		},
		[]string{"outcome"},
	)

	askDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bqagent_ask_duration_seconds",
			Help:    "End-to-end latency of one question.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
	)

	modelCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bqagent_model_calls_total",
			Help: "Model generate calls, by outcome.",
		},
		[]string{"outcome"},
	)

	modelCallDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bqagent_model_call_duration_seconds",
			Help:    "Latency of a single model call.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 60},
		},
	)

	toolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bqagent_tool_calls_total",
			Help: "Tool invocations requested by the model, by tool and outcome.",
		},
		[]string{"tool", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		asksTotal,
		askDurationSeconds,
		modelCallsTotal,
		modelCallDurationSeconds,
		toolCallsTotal,
	)
}

// ObserveHTTPRequest records one served request.
func ObserveHTTPRequest(method, route, status string, elapsed time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, status).Observe(elapsed.Seconds())
}

// ObserveAsk records one completed question.
func ObserveAsk(err error, elapsed time.Duration) {
	asksTotal.WithLabelValues(outcome(err)).Inc()
	askDurationSeconds.Observe(elapsed.Seconds())
}

// ObserveModelCall records one model round trip.
func ObserveModelCall(err error, elapsed time.Duration) {
	modelCallsTotal.WithLabelValues(outcome(err)).Inc()
	modelCallDurationSeconds.Observe(elapsed.Seconds())
}

// ObserveToolCall records one tool invocation.
func ObserveToolCall(tool string, err error) {
	toolCallsTotal.WithLabelValues(tool, outcome(err)).Inc()
}

func outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}
