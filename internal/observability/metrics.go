package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the Prometheus collectors exported by threadgate.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.ChatRequest("new")
//	metrics.GenerationFinished("done", time.Since(start).Seconds())
type Metrics struct {
	// ChatRequests counts start-chat calls.
	// Labels: outcome (new|duplicate|rejected)
	ChatRequests *prometheus.CounterVec

	// GenerationRuns counts generation worker runs.
	// Labels: status (done|error|cancelled|skipped)
	GenerationRuns *prometheus.CounterVec

	// GenerationDuration measures generation run time in seconds.
	// Labels: status
	GenerationDuration *prometheus.HistogramVec

	// ApprovalsCreated counts approval records by resource type.
	ApprovalsCreated *prometheus.CounterVec

	// ApprovalDecisions counts decisions.
	// Labels: resource_type, decision (approved|rejected|responded)
	ApprovalDecisions *prometheus.CounterVec

	// ApprovalExecutions counts execution attempts.
	// Labels: resource_type, status (success|error)
	ApprovalExecutions *prometheus.CounterVec

	// StreamChunks counts chunks written to streams.
	// Labels: type
	StreamChunks *prometheus.CounterVec

	// JobOutcomes counts queue job completions.
	// Labels: kind, outcome (succeeded|retried|failed|requeued)
	JobOutcomes *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and error type.
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors with reg. A nil reg
// registers with the Prometheus default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ChatRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadgate_chat_requests_total",
				Help: "Total number of start-chat requests by outcome",
			},
			[]string{"outcome"},
		),
		GenerationRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadgate_generation_runs_total",
				Help: "Total number of generation runs by terminal status",
			},
			[]string{"status"},
		),
		GenerationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "threadgate_generation_duration_seconds",
				Help:    "Duration of generation runs in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),
		ApprovalsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadgate_approvals_created_total",
				Help: "Total number of approvals created by resource type",
			},
			[]string{"resource_type"},
		),
		ApprovalDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadgate_approval_decisions_total",
				Help: "Total number of approval decisions by resource type and decision",
			},
			[]string{"resource_type", "decision"},
		),
		ApprovalExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadgate_approval_executions_total",
				Help: "Total number of approval executions by resource type and status",
			},
			[]string{"resource_type", "status"},
		),
		StreamChunks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadgate_stream_chunks_total",
				Help: "Total number of stream chunks written by type",
			},
			[]string{"type"},
		),
		JobOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadgate_job_outcomes_total",
				Help: "Total number of job queue outcomes by kind",
			},
			[]string{"kind", "outcome"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "threadgate_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadgate_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),
	}
}

func (m *Metrics) ChatRequest(outcome string) {
	if m == nil {
		return
	}
	m.ChatRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) GenerationFinished(status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.GenerationRuns.WithLabelValues(status).Inc()
	m.GenerationDuration.WithLabelValues(status).Observe(durationSeconds)
}

func (m *Metrics) ApprovalCreated(resourceType string) {
	if m == nil {
		return
	}
	m.ApprovalsCreated.WithLabelValues(resourceType).Inc()
}

func (m *Metrics) ApprovalDecided(resourceType, decision string) {
	if m == nil {
		return
	}
	m.ApprovalDecisions.WithLabelValues(resourceType, decision).Inc()
}

func (m *Metrics) ApprovalExecuted(resourceType, status string) {
	if m == nil {
		return
	}
	m.ApprovalExecutions.WithLabelValues(resourceType, status).Inc()
}

func (m *Metrics) StreamChunk(chunkType string) {
	if m == nil {
		return
	}
	m.StreamChunks.WithLabelValues(chunkType).Inc()
}

func (m *Metrics) JobOutcome(kind, outcome string) {
	if m == nil {
		return
	}
	m.JobOutcomes.WithLabelValues(kind, outcome).Inc()
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordError increments the error counter for a given component and error type.
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}
