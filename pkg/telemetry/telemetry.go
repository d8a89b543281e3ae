// Package telemetry exposes the service's Prometheus metrics and the HTTP
// middleware that feeds the request-level ones.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsReceived counts raw deliveries accepted by the events endpoint.
	EventsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "threadrelay_events_received_total",
		Help: "Raw platform deliveries accepted into the intake queue.",
	})
	// EventsDropped counts events that left the pipeline without dispatch,
	// by reason: malformed, ignored, duplicate, overloaded, intake_full.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "threadrelay_events_dropped_total",
		Help: "Events dropped before dispatch, by reason.",
	}, []string{"reason"})
	// DispatchRetries counts agent call attempts beyond the first.
	DispatchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "threadrelay_dispatch_retries_total",
		Help: "Agent call retries.",
	})
	// DispatchFailures counts dispatches that exhausted their retries.
	DispatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "threadrelay_dispatch_failures_total",
		Help: "Dispatches failed after exhausting retries.",
	})
	// DeliveryFailures counts responses generated but not delivered.
	DeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "threadrelay_delivery_failures_total",
		Help: "Responses appended to history but not delivered.",
	})
	// DispatchDuration observes end-to-end dispatch latency.
	DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "threadrelay_dispatch_duration_seconds",
		Help:    "Agent dispatch latency including retries.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
	// IntakeDepth tracks the intake queue occupancy.
	IntakeDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "threadrelay_intake_queue_depth",
		Help: "Events waiting in the intake queue.",
	})
	// ThreadsEvicted counts threads removed by retention sweeps.
	ThreadsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "threadrelay_threads_evicted_total",
		Help: "Threads evicted by retention.",
	})
	// ThreadsRunning tracks threads with an in-flight dispatch.
	ThreadsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "threadrelay_threads_running",
		Help: "Threads currently being processed.",
	})
	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "threadrelay_http_request_duration_seconds",
		Help:    "HTTP request latency by path and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"path", "status"})
)

// Middleware records request duration and status for every handler it wraps.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		srw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(srw, r)
		httpDuration.WithLabelValues(r.URL.Path, strconv.Itoa(srw.status)).
			Observe(time.Since(start).Seconds())
	})
}

// statusRecorder captures the response status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
