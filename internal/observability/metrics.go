package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	storeDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	WorkflowCreationsTotal     *prometheus.CounterVec
	WorkflowTransitionsTotal   *prometheus.CounterVec
	WorkflowTransitionDuration *prometheus.HistogramVec
	WorkflowRejectionsTotal    *prometheus.CounterVec
	WorkflowsActive            *prometheus.GaugeVec
	SegregationViolationsTotal prometheus.Counter

	// Task metrics
	TaskUpdatesTotal *prometheus.CounterVec

	// Store metrics
	StoreOperationDuration *prometheus.HistogramVec
	StoreConflictsTotal    *prometheus.CounterVec

	// Cache metrics
	CapabilityCacheHitsTotal   prometheus.Counter
	CapabilityCacheMissesTotal prometheus.Counter
	IdempotencyReplaysTotal    *prometheus.CounterVec

	// System metrics
	PolicyReloadTotal *prometheus.CounterVec
	PolicyRolesLoaded prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signoff_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signoff_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signoff_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signoff_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflows
		WorkflowCreationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signoff_workflow_creations_total",
			Help: "Total number of workflows created.",
		}, []string{"status"}),
		WorkflowTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signoff_workflow_transitions_total",
			Help: "Total number of workflow transition attempts.",
		}, []string{"operation", "outcome"}),
		WorkflowTransitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signoff_workflow_transition_duration_seconds",
			Help:    "Workflow transition duration in seconds.",
			Buckets: storeDurationBuckets,
		}, []string{"operation"}),
		WorkflowRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signoff_workflow_rejections_total",
			Help: "Total number of rejections returning a workflow to draft.",
		}, []string{"stage"}),
		WorkflowsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "signoff_workflows_active",
			Help: "Number of workflows currently in a non-terminal status.",
		}, []string{"status"}),
		SegregationViolationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signoff_segregation_violations_total",
			Help: "Total number of approvals blocked by segregation of duties.",
		}),

		// Tasks
		TaskUpdatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signoff_task_updates_total",
			Help: "Total number of task updates.",
		}, []string{"stage", "outcome"}),

		// Store
		StoreOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signoff_store_operation_duration_seconds",
			Help:    "Store operation duration in seconds.",
			Buckets: storeDurationBuckets,
		}, []string{"operation"}),
		StoreConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signoff_store_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts.",
		}, []string{"operation"}),

		// Cache
		CapabilityCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signoff_capability_cache_hits_total",
			Help: "Total capability cache hits.",
		}),
		CapabilityCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signoff_capability_cache_misses_total",
			Help: "Total capability cache misses.",
		}),
		IdempotencyReplaysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signoff_idempotency_replays_total",
			Help: "Total transition requests answered from the idempotency store.",
		}, []string{"operation"}),

		// System
		PolicyReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signoff_policy_reload_total",
			Help: "Total authorization policy reloads.",
		}, []string{"status"}),
		PolicyRolesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signoff_policy_roles_loaded",
			Help: "Number of roles in the loaded authorization policy.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Workflows
		m.WorkflowCreationsTotal,
		m.WorkflowTransitionsTotal,
		m.WorkflowTransitionDuration,
		m.WorkflowRejectionsTotal,
		m.WorkflowsActive,
		m.SegregationViolationsTotal,
		// Tasks
		m.TaskUpdatesTotal,
		// Store
		m.StoreOperationDuration,
		m.StoreConflictsTotal,
		// Cache
		m.CapabilityCacheHitsTotal,
		m.CapabilityCacheMissesTotal,
		m.IdempotencyReplaysTotal,
		// System
		m.PolicyReloadTotal,
		m.PolicyRolesLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordWorkflowCreation records a workflow creation attempt.
func (m *Metrics) RecordWorkflowCreation(status string) {
	m.WorkflowCreationsTotal.WithLabelValues(status).Inc()
}

// RecordWorkflowTransition records a transition attempt and its duration.
func (m *Metrics) RecordWorkflowTransition(operation, outcome string, duration time.Duration) {
	m.WorkflowTransitionsTotal.WithLabelValues(operation, outcome).Inc()
	m.WorkflowTransitionDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordWorkflowRejection records a rejection that returned a workflow to draft.
func (m *Metrics) RecordWorkflowRejection(stage string) {
	m.WorkflowRejectionsTotal.WithLabelValues(stage).Inc()
}

// RecordSegregationViolation records an approval blocked by segregation of duties.
func (m *Metrics) RecordSegregationViolation() {
	m.SegregationViolationsTotal.Inc()
}

// RecordTaskUpdate records a task update attempt.
func (m *Metrics) RecordTaskUpdate(stage, outcome string) {
	m.TaskUpdatesTotal.WithLabelValues(stage, outcome).Inc()
}

// RecordStoreOperation records the duration of a store operation.
func (m *Metrics) RecordStoreOperation(operation string, duration time.Duration) {
	m.StoreOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordStoreConflict records an optimistic concurrency conflict.
func (m *Metrics) RecordStoreConflict(operation string) {
	m.StoreConflictsTotal.WithLabelValues(operation).Inc()
}

// RecordCapabilityCacheHit records a capability cache hit.
func (m *Metrics) RecordCapabilityCacheHit() {
	m.CapabilityCacheHitsTotal.Inc()
}

// RecordCapabilityCacheMiss records a capability cache miss.
func (m *Metrics) RecordCapabilityCacheMiss() {
	m.CapabilityCacheMissesTotal.Inc()
}

// RecordIdempotencyReplay records a transition answered from the idempotency store.
func (m *Metrics) RecordIdempotencyReplay(operation string) {
	m.IdempotencyReplaysTotal.WithLabelValues(operation).Inc()
}

// RecordPolicyReload records an authorization policy reload.
func (m *Metrics) RecordPolicyReload(status string) {
	m.PolicyReloadTotal.WithLabelValues(status).Inc()
}

// SetPolicyRolesLoaded sets the number of roles in the loaded policy.
func (m *Metrics) SetPolicyRolesLoaded(count float64) {
	m.PolicyRolesLoaded.Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
