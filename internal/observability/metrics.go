package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Tool call lifecycle transitions and approval decisions
//   - Dual-store read behavior (cache hit vs store fallback)
//   - Event bus publish volume and stream subscriber counts
//   - Cleanup sweeper activity
//   - HTTP API latency and error rates
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordTransition("web_search", "pending", "processing")
//	defer metrics.RecordHTTPRequest("POST", "/api/tool-calls", "201", time.Since(start).Seconds())
type Metrics struct {
	// TransitionCounter tracks status transitions.
	// Labels: tool_name, from, to
	TransitionCounter *prometheus.CounterVec

	// CallCreatedCounter counts created tool calls.
	// Labels: tool_name, initial_status (pending|awaiting_approval)
	CallCreatedCounter *prometheus.CounterVec

	// ApprovalDecisionCounter counts human approval decisions.
	// Labels: tool_name, decision (approved|rejected)
	ApprovalDecisionCounter *prometheus.CounterVec

	// RetryCounter counts retry requests by tool.
	// Labels: tool_name
	RetryCounter *prometheus.CounterVec

	// RecordReadCounter tracks where reads were served from.
	// Labels: record (tool_call|pipeline), source (cache|store)
	RecordReadCounter *prometheus.CounterVec

	// PublishCounter counts event bus publishes.
	// Labels: topic
	PublishCounter *prometheus.CounterVec

	// ActiveStreams is a gauge of connected stream consumers.
	// Labels: transport (sse|websocket)
	ActiveStreams *prometheus.GaugeVec

	// StreamDuration measures stream connection lifetime in seconds.
	// Labels: transport
	// Buckets: 1s, 10s, 60s, 300s, 900s, 1800s, 3600s
	StreamDuration *prometheus.HistogramVec

	// SweeperRemovedCounter counts records hard-deleted by the sweeper.
	// Labels: record (tool_call|pipeline)
	SweeperRemovedCounter *prometheus.CounterVec

	// SweeperRunDuration measures sweep latency in seconds.
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 30s
	SweeperRunDuration prometheus.Histogram

	// ErrorCounter tracks errors by component and type.
	// Labels: component (engine|repo|cache|sweeper|stream), error_type
	ErrorCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
// This should be called once at application startup.
//
// All metrics are automatically registered with Prometheus's default registry
// and will be available at the /metrics endpoint when using prometheus HTTP handler.
func NewMetrics() *Metrics {
	return newMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsForTesting registers against a throwaway registry so tests
// can create metrics repeatedly without duplicate-registration panics.
func NewMetricsForTesting() *Metrics {
	return newMetricsWith(prometheus.NewRegistry())
}

func newMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TransitionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolflow_transitions_total",
				Help: "Total number of tool call status transitions",
			},
			[]string{"tool_name", "from", "to"},
		),

		CallCreatedCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolflow_calls_created_total",
				Help: "Total number of tool calls created by tool name and initial status",
			},
			[]string{"tool_name", "initial_status"},
		),

		ApprovalDecisionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolflow_approval_decisions_total",
				Help: "Total number of human approval decisions",
			},
			[]string{"tool_name", "decision"},
		),

		RetryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolflow_retries_total",
				Help: "Total number of retry requests by tool name",
			},
			[]string{"tool_name"},
		),

		RecordReadCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolflow_record_reads_total",
				Help: "Total number of record reads by record kind and serving source",
			},
			[]string{"record", "source"},
		),

		PublishCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolflow_events_published_total",
				Help: "Total number of event bus publishes by topic",
			},
			[]string{"topic"},
		),

		ActiveStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "toolflow_active_streams",
				Help: "Current number of connected stream consumers by transport",
			},
			[]string{"transport"},
		),

		StreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolflow_stream_duration_seconds",
				Help:    "Duration of stream connections in seconds",
				Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600},
			},
			[]string{"transport"},
		),

		SweeperRemovedCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolflow_sweeper_removed_total",
				Help: "Total number of stale records removed by the sweeper",
			},
			[]string{"record"},
		),

		SweeperRunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "toolflow_sweeper_run_duration_seconds",
				Help:    "Duration of sweeper runs in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolflow_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolflow_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolflow_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// RecordTransition increments the transition counter.
//
// Example:
//
//	metrics.RecordTransition("web_search", "pending", "processing")
func (m *Metrics) RecordTransition(toolName, from, to string) {
	m.TransitionCounter.WithLabelValues(toolName, from, to).Inc()
}

// RecordCallCreated counts a newly created call and its initial status.
func (m *Metrics) RecordCallCreated(toolName, initialStatus string) {
	m.CallCreatedCounter.WithLabelValues(toolName, initialStatus).Inc()
}

// RecordApprovalDecision counts a human approve/reject decision.
//
// Example:
//
//	metrics.RecordApprovalDecision("delete_files", "rejected")
func (m *Metrics) RecordApprovalDecision(toolName, decision string) {
	m.ApprovalDecisionCounter.WithLabelValues(toolName, decision).Inc()
}

// RecordRetry counts a retry request.
func (m *Metrics) RecordRetry(toolName string) {
	m.RetryCounter.WithLabelValues(toolName).Inc()
}

// RecordRead notes where a record read was served from.
//
// Example:
//
//	metrics.RecordRead("tool_call", "cache")
func (m *Metrics) RecordRead(record, source string) {
	m.RecordReadCounter.WithLabelValues(record, source).Inc()
}

// RecordPublish counts an event bus publish.
func (m *Metrics) RecordPublish(topic string) {
	m.PublishCounter.WithLabelValues(topic).Inc()
}

// StreamStarted increments the active streams gauge.
func (m *Metrics) StreamStarted(transport string) {
	m.ActiveStreams.WithLabelValues(transport).Inc()
}

// StreamEnded decrements the gauge and records connection lifetime.
//
// Example:
//
//	start := time.Now()
//	// ... stream lifecycle ...
//	metrics.StreamEnded("sse", time.Since(start).Seconds())
func (m *Metrics) StreamEnded(transport string, durationSeconds float64) {
	m.ActiveStreams.WithLabelValues(transport).Dec()
	m.StreamDuration.WithLabelValues(transport).Observe(durationSeconds)
}

// RecordSweep records one sweeper run.
func (m *Metrics) RecordSweep(callsRemoved, pipelinesRemoved int, durationSeconds float64) {
	m.SweeperRemovedCounter.WithLabelValues("tool_call").Add(float64(callsRemoved))
	m.SweeperRemovedCounter.WithLabelValues("pipeline").Add(float64(pipelinesRemoved))
	m.SweeperRunDuration.Observe(durationSeconds)
}

// RecordError increments the error counter for a component and type.
//
// Example:
//
//	metrics.RecordError("engine", "validation")
//	metrics.RecordError("cache", "write_failed")
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// RecordHTTPRequest records metrics for an HTTP request.
//
// Example:
//
//	start := time.Now()
//	// ... handle HTTP request ...
//	metrics.RecordHTTPRequest("GET", "/api/tool-calls", "200", time.Since(start).Seconds())
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
