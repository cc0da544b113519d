package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/signoffhq/signoff/internal/config"
	"github.com/signoffhq/signoff/internal/engine"
	"github.com/signoffhq/signoff/internal/idempotency"
	"github.com/signoffhq/signoff/internal/observability"
	"github.com/signoffhq/signoff/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config             *config.Config
	Logger             *zap.Logger
	Engine             *engine.Engine
	Authenticate       func(http.Handler) http.Handler
	CapabilityResolver model.CapabilityResolver
	Idempotency        idempotency.Store
	Metrics            *observability.Metrics
	ReadinessChecks    observability.ReadinessChecks
	OpenAPISpec        []byte
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics, and the OpenAPI document
// bypass the authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if deps.Config.Observability.Tracing.Enabled {
		r.Use(observability.TracingMiddleware)
	}
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes — bypass authentication.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.ReadinessChecks))
	if deps.Config.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, observability.Handler())
	}
	if len(deps.OpenAPISpec) > 0 {
		r.Get("/openapi.yaml", handleOpenAPISpec(deps.OpenAPISpec))
	}

	// Authenticated routes — full middleware chain.
	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	t := &transitioner{
		engine:  deps.Engine,
		idem:    deps.Idempotency,
		ttl:     deps.Config.Idempotency.Store.DefaultTTL,
		metrics: deps.Metrics,
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext)
		r.Use(ResolveCapabilities(deps.CapabilityResolver, logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Post("/workflows", handleWorkflowCreate(deps.Engine, deps.Metrics))
		r.Get("/workflows", handleWorkflowList(deps.Engine))
		r.Get("/workflows/{workflowId}", handleWorkflowGet(deps.Engine))
		r.Get("/workflows/{workflowId}/tasks", handleWorkflowTasks(deps.Engine))
		r.Get("/workflows/{workflowId}/events", handleWorkflowEvents(deps.Engine))
		r.Post("/workflows/{workflowId}/submit-for-review", handleSubmitForReview(t))
		r.Post("/workflows/{workflowId}/validate-review", handleValidateReview(t))
		r.Post("/workflows/{workflowId}/approve-sign", handleApproveSign(t))
		r.Post("/workflows/{workflowId}/publish", handlePublish(t))
		r.Post("/workflows/{workflowId}/abandon", handleAbandon(t))
		r.Get("/tasks/mine", handleMyTasks(deps.Engine))
		r.Put("/tasks/{taskId}", handleTaskUpdate(deps.Engine))
	})

	return r
}

func handleOpenAPISpec(spec []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/yaml; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write(spec)
	}
}
