package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects webster's Prometheus metrics.
//
// Tracked domains:
//   - Tool executions (sync and async) with latency
//   - Task lifecycle transitions, queue depth, active workers
//   - Language-model calls: latency, tokens, estimated cost, cache outcome
//   - Description cache hits and misses
//   - Browser pool leases and acquire latency
//   - Web action steps by primitive
//   - HTTP request latency and SSE connections
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordToolExecution("web_task", "async", "completed", elapsed.Seconds())
type Metrics struct {
	// ToolExecutions counts tool invocations.
	// Labels: tool, mode (sync|async), status (completed|failed|cancelled|timed_out)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// TaskTransitions counts task status transitions.
	// Labels: status (queued|running|completed|failed|cancelled|timed_out)
	TaskTransitions *prometheus.CounterVec

	// TaskRetries counts task-level re-enqueues after retryable failures.
	// Labels: error_kind
	TaskRetries *prometheus.CounterVec

	// QueueDepth is the number of tasks waiting for a worker.
	QueueDepth prometheus.Gauge

	// ActiveTasks is the number of tasks currently running.
	ActiveTasks prometheus.Gauge

	// LMRequestDuration measures model call latency in seconds.
	// Labels: provider, model
	LMRequestDuration *prometheus.HistogramVec

	// LMRequests counts model calls.
	// Labels: provider, model, status (success|error|cache_hit)
	LMRequests *prometheus.CounterVec

	// LMTokens counts token consumption.
	// Labels: provider, model, type (input|output)
	LMTokens *prometheus.CounterVec

	// LMCostUSD accumulates estimated spend in USD.
	// Labels: provider, model
	LMCostUSD *prometheus.CounterVec

	// DescriptionCache counts description-cache lookups.
	// Labels: result (hit|miss|error)
	DescriptionCache *prometheus.CounterVec

	// BrowserLeases is the number of leased browser contexts.
	BrowserLeases prometheus.Gauge

	// BrowserAcquireDuration measures how long tasks wait for a context.
	BrowserAcquireDuration prometheus.Histogram

	// ActionSteps counts interpreter steps.
	// Labels: primitive, status (ok|repaired|failed)
	ActionSteps *prometheus.CounterVec

	// HTTPRequestDuration measures request latency in seconds.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequests counts requests.
	// Labels: method, path, status_code
	HTTPRequests *prometheus.CounterVec

	// SSEConnections is the number of open event-stream connections.
	SSEConnections prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the default registry.
// Call once at startup; a second call panics on duplicate registration.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the metrics with reg. Tests pass a fresh
// prometheus.NewRegistry() for isolation.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webster_tool_executions_total",
				Help: "Total tool executions by tool, mode and outcome",
			},
			[]string{"tool", "mode", "status"},
		),

		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webster_tool_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"tool"},
		),

		TaskTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webster_task_transitions_total",
				Help: "Total task status transitions",
			},
			[]string{"status"},
		),

		TaskRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webster_task_retries_total",
				Help: "Total task re-enqueues by error kind",
			},
			[]string{"error_kind"},
		),

		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "webster_task_queue_depth",
				Help: "Tasks currently waiting for a worker",
			},
		),

		ActiveTasks: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "webster_tasks_active",
				Help: "Tasks currently running",
			},
		),

		LMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webster_lm_request_duration_seconds",
				Help:    "Duration of language-model calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LMRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webster_lm_requests_total",
				Help: "Total language-model calls by provider, model and status",
			},
			[]string{"provider", "model", "status"},
		),

		LMTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webster_lm_tokens_total",
				Help: "Total tokens consumed by provider, model and type",
			},
			[]string{"provider", "model", "type"},
		),

		LMCostUSD: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webster_lm_cost_usd_total",
				Help: "Estimated language-model spend in USD",
			},
			[]string{"provider", "model"},
		),

		DescriptionCache: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webster_description_cache_lookups_total",
				Help: "Description cache lookups by result",
			},
			[]string{"result"},
		),

		BrowserLeases: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "webster_browser_leases",
				Help: "Browser contexts currently leased",
			},
		),

		BrowserAcquireDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "webster_browser_acquire_duration_seconds",
				Help:    "Time spent waiting to acquire a browser context",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
			},
		),

		ActionSteps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webster_action_steps_total",
				Help: "Web action steps by primitive and outcome",
			},
			[]string{"primitive", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webster_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webster_http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),

		SSEConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "webster_sse_connections",
				Help: "Open task event-stream connections",
			},
		),
	}
}

// RecordToolExecution records one finished tool invocation.
func (m *Metrics) RecordToolExecution(tool, mode, status string, durationSeconds float64) {
	m.ToolExecutions.WithLabelValues(tool, mode, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordTaskTransition records a task entering the given status.
func (m *Metrics) RecordTaskTransition(status string) {
	m.TaskTransitions.WithLabelValues(status).Inc()
}

// RecordTaskRetry records a re-enqueue caused by a retryable error kind.
func (m *Metrics) RecordTaskRetry(errorKind string) {
	m.TaskRetries.WithLabelValues(errorKind).Inc()
}

// RecordLMRequest records one model call, fresh or served from cache.
func (m *Metrics) RecordLMRequest(provider, model, status string, durationSeconds float64, inputTokens, outputTokens int, costUSD float64) {
	m.LMRequests.WithLabelValues(provider, model, status).Inc()
	m.LMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if inputTokens > 0 {
		m.LMTokens.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LMTokens.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
	if costUSD > 0 {
		m.LMCostUSD.WithLabelValues(provider, model).Add(costUSD)
	}
}

// RecordDescriptionCache records a description-cache lookup outcome.
func (m *Metrics) RecordDescriptionCache(result string) {
	m.DescriptionCache.WithLabelValues(result).Inc()
}

// RecordBrowserAcquire records a successful lease acquisition wait.
func (m *Metrics) RecordBrowserAcquire(waitSeconds float64) {
	m.BrowserAcquireDuration.Observe(waitSeconds)
	m.BrowserLeases.Inc()
}

// RecordBrowserRelease records a lease going back to the pool.
func (m *Metrics) RecordBrowserRelease() {
	m.BrowserLeases.Dec()
}

// RecordActionStep records one interpreter step outcome.
func (m *Metrics) RecordActionStep(primitive, status string) {
	m.ActionSteps.WithLabelValues(primitive, status).Inc()
}

// RecordHTTPRequest records one served HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
