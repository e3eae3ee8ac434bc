// Package metrics registers the Prometheus series every component
// contributes to, and exposes the /metrics HTTP handler the ingress
// service mounts.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics. Registered for scraping but not set by any component;
	// the autoscaler reads queue depth from the broker directly.
	QueueReady = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "altify_queue_ready_messages",
			Help: "Messages waiting for delivery, by queue",
		},
		[]string{"queue"},
	)

	QueueUnacked = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "altify_queue_unacked_messages",
			Help: "Messages delivered but not yet acked, by queue",
		},
		[]string{"queue"},
	)

	// Worker metrics.
	WorkerSlotsInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "altify_worker_slots_in_use",
			Help: "Inference slots currently occupied on this worker process (0 or 1)",
		},
	)

	TaskOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "altify_task_outcomes_total",
			Help: "Worker task deliveries by outcome",
		},
		[]string{"outcome"}, // terminal, transient_redrive, duplicate_skip, malformed_drop
	)

	InferenceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "altify_inference_duration_seconds",
			Help:    "Time spent inside Inferencer.Generate",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Ingress metrics.
	IngressRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "altify_ingress_requests_total",
			Help: "Ingress HTTP requests by route and status class",
		},
		[]string{"route", "status"},
	)

	IngressRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "altify_ingress_request_duration_seconds",
			Help:    "Ingress HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Autoscaler metrics.
	AutoscalerDesiredReplicas = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "altify_autoscaler_desired_replicas",
			Help: "Worker replica count the autoscaler most recently computed",
		},
	)

	AutoscalerCurrentReplicas = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "altify_autoscaler_current_replicas",
			Help: "Worker replica count the orchestrator last reported applying",
		},
	)

	AutoscalerCooldownRemaining = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "altify_autoscaler_cooldown_remaining_seconds",
			Help: "Seconds remaining before the autoscaler may scale down again",
		},
	)

	// Reconciler and DLQ metrics.
	ReconcilerRepublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "altify_reconciler_republished_total",
			Help: "Stale PENDING rows the reconciler has republished",
		},
	)

	ReconcilerGCedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "altify_reconciler_gced_total",
			Help: "Terminal rows the reconciler has garbage collected",
		},
	)

	DLQRedrivesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "altify_dlq_redrives_total",
			Help: "Dead-lettered messages by redrive decision",
		},
		[]string{"decision"}, // retried, failed
	)
)

func init() {
	prometheus.MustRegister(
		QueueReady,
		QueueUnacked,
		WorkerSlotsInUse,
		TaskOutcomesTotal,
		InferenceDuration,
		IngressRequestsTotal,
		IngressRequestDuration,
		AutoscalerDesiredReplicas,
		AutoscalerCurrentReplicas,
		AutoscalerCooldownRemaining,
		ReconcilerRepublishedTotal,
		ReconcilerGCedTotal,
		DLQRedrivesTotal,
	)
}

// Handler returns the Prometheus scrape handler mounted at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times one operation and reports it to a histogram on Observe.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
