// Copyright 2025 James Ross
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "optimus_jobs_submitted_total",
		Help: "Total number of jobs accepted by the gateway",
	})
	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "optimus_jobs_completed_total",
		Help: "Total number of jobs a worker finished with status completed, by language",
	}, []string{"language"})
	JobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "optimus_jobs_failed_total",
		Help: "Total number of jobs a worker finished with status failed, by language",
	}, []string{"language"})
	JobProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "optimus_job_processing_duration_seconds",
		Help:    "End-to-end duration of a job's test-case execution, by language",
		Buckets: prometheus.DefBuckets,
	}, []string{"language"})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "optimus_queue_depth",
		Help: "Current length of each per-language queue",
	}, []string{"language"})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "optimus_circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	}, []string{"component"})
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "optimus_circuit_breaker_trips_total",
		Help: "Count of times a circuit breaker transitioned to Open",
	}, []string{"component"})
	SandboxContainersStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "optimus_sandbox_containers_started_total",
		Help: "Total number of sandbox containers created, by language",
	}, []string{"language"})
	SandboxImagePullFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "optimus_sandbox_image_pull_failures_total",
		Help: "Total number of failed attempts to pull a language image",
	}, []string{"image"})
)

func init() {
	prometheus.MustRegister(
		JobsSubmitted,
		JobsCompleted,
		JobsFailed,
		JobProcessingDuration,
		QueueDepth,
		CircuitBreakerState,
		CircuitBreakerTrips,
		SandboxContainersStarted,
		SandboxImagePullFailures,
	)
}

// BreakerStateGauge maps a breaker.State ordinal (Closed=0, HalfOpen=1,
// Open=2) onto CircuitBreakerState for the named component ("gateway"
// or "worker:<language>").
func BreakerStateGauge(component string, state int) {
	CircuitBreakerState.WithLabelValues(component).Set(float64(state))
}
