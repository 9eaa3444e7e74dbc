package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors shared by the API and the worker.
type Metrics struct {
	SessionsCreated   prometheus.Counter
	PipelineSucceeded prometheus.Counter
	PipelineFailed    prometheus.Counter
	StepFailures      *prometheus.CounterVec
	StepDuration      *prometheus.HistogramVec
	RequestsCreated   prometheus.Counter
	RequestsApproved  *prometheus.CounterVec
	RequestsRejected  prometheus.Counter
	QueueDepth        prometheus.Gauge
	InFlight          prometheus.Gauge
	OverdueSessions   prometheus.Gauge
}

var (
	once    sync.Once
	metrics *Metrics
)

// NewMetrics registers all collectors against the default registry exactly
// once and returns the shared set on subsequent calls.
func NewMetrics() *Metrics {
	once.Do(func() {
		metrics = &Metrics{
			SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "sessions_created_total",
				Help: "Total sessions accepted for analysis.",
			}),
			PipelineSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "pipeline_succeeded_total",
				Help: "Total analysis pipelines that reached completed.",
			}),
			PipelineFailed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "pipeline_failed_total",
				Help: "Total analysis pipelines that reached failed.",
			}),
			StepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "pipeline_step_failures_total",
				Help: "Step failures by step name.",
			}, []string{"step"}),
			StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "pipeline_step_duration_seconds",
				Help:    "Step execution time by step name.",
				Buckets: prometheus.DefBuckets,
			}, []string{"step"}),
			RequestsCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "outcome_requests_created_total",
				Help: "Total outcome label requests created.",
			}),
			RequestsApproved: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "outcome_requests_approved_total",
				Help: "Total approvals by audit action.",
			}, []string{"action"}),
			RequestsRejected: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "outcome_requests_rejected_total",
				Help: "Total outcome label requests rejected.",
			}),
			QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "analysis_queue_depth",
				Help: "Sessions waiting in the analysis queue.",
			}),
			InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "analysis_in_flight",
				Help: "Sessions currently being analyzed.",
			}),
			OverdueSessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "label_deadline_overdue_sessions",
				Help: "Unlabeled sessions past the approval deadline.",
			}),
		}
		prometheus.MustRegister(
			metrics.SessionsCreated,
			metrics.PipelineSucceeded,
			metrics.PipelineFailed,
			metrics.StepFailures,
			metrics.StepDuration,
			metrics.RequestsCreated,
			metrics.RequestsApproved,
			metrics.RequestsRejected,
			metrics.QueueDepth,
			metrics.InFlight,
			metrics.OverdueSessions,
		)
	})
	return metrics
}

// Handler exposes the default registry for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
