package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hdinguyen/mesh-sdk/internal/flow"
	"github.com/hdinguyen/mesh-sdk/internal/metrics"
	"github.com/hdinguyen/mesh-sdk/internal/registry"
	"github.com/hdinguyen/mesh-sdk/internal/supervisor"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main after all components are initialized and
// passed to NewRouter as a single struct.
type RouterConfig struct {
	Registry   *registry.Registry
	Supervisor *supervisor.Supervisor
	Flows      *flow.Store
	Engine     *flow.Engine
	Metrics    *metrics.Metrics
	Logger     *zap.Logger

	// PromRegistry is served on /metrics. Optional; the endpoint is
	// omitted when nil.
	PromRegistry *prometheus.Registry
}

// NewRouter builds and returns the fully configured Chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	agentHandler := NewAgentHandler(cfg.Registry, cfg.Supervisor, cfg.Metrics, cfg.Logger)
	runHandler := NewRunHandler(cfg.Registry, cfg.Logger)
	flowHandler := NewFlowHandler(cfg.Flows, cfg.Engine, cfg.Registry, cfg.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.PromRegistry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.PromRegistry, promhttp.HandlerOpts{}))
	}

	// Platform management endpoints.
	r.Route("/platform/agents", func(r chi.Router) {
		r.Post("/register", agentHandler.Register)
		// The cleanup route must be registered before the wildcard so
		// "cleanup" is not matched as an agent name.
		r.Delete("/cleanup", agentHandler.Cleanup)
		r.Delete("/{name}", agentHandler.Delete)
	})

	// Agent discovery endpoints.
	r.Get("/agents", agentHandler.List)
	r.Get("/agents/{name}", agentHandler.Manifest)

	// Single-agent runs.
	r.Post("/runs", runHandler.Create)
	r.Get("/runs/{run_id}", runHandler.Status)
	r.Post("/runs/{run_id}/cancel", runHandler.Cancel)

	// Flows.
	r.Route("/flows", func(r chi.Router) {
		r.Post("/", flowHandler.Create)
		r.Get("/", flowHandler.List)
		r.Post("/import", flowHandler.Import)

		r.Route("/{flow_id}", func(r chi.Router) {
			r.Get("/", flowHandler.Get)
			r.Delete("/", flowHandler.Delete)
			r.Get("/export", flowHandler.Export)
			r.Post("/execute", flowHandler.Execute)

			r.Post("/agents", flowHandler.AddAgent)
			r.Delete("/agents/{agent_name}", flowHandler.RemoveAgent)

			r.Get("/executions", flowHandler.ListExecutions)
			r.Get("/executions/{execution_id}", flowHandler.GetExecution)
		})
	})

	return r
}
