package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	audithttp "github.com/familyhub/familyhub/internal/audit/http"
	"github.com/familyhub/familyhub/internal/observability"
	rbachttp "github.com/familyhub/familyhub/internal/rbac/http"
	"github.com/familyhub/familyhub/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger       *slog.Logger
	Config       *Config
	AuthzHandler *rbachttp.Handler
	AuditHandler *audithttp.Handler
	JobHandler   *jobs.Handler
	Metrics      *observability.Metrics
}

// NewRouter constructs the chi.Router with familyhub defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/authz", func(r chi.Router) {
		if params.AuthzHandler != nil {
			params.AuthzHandler.MountRoutes(r)
		}
		if params.AuditHandler != nil {
			params.AuditHandler.MountRoutes(r)
		}
	})
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	return r
}

// NewEngineRouter builds the router for a wired engine.
func NewEngineRouter(e *Engine, warmups rbachttp.WarmupQueue, jobHandler *jobs.Handler) http.Handler {
	authz := rbachttp.NewHandler(rbachttp.Config{
		Logger:      e.Logger,
		Service:     e.Service,
		Cache:       e.Tier,
		Coordinator: e.Coordinator,
		Warmups:     warmups,
	})
	return NewRouter(RouterParams{
		Logger:       e.Logger,
		Config:       e.Config,
		AuthzHandler: authz,
		AuditHandler: audithttp.NewHandler(e.Logger, e.Audit, e.Service),
		JobHandler:   jobHandler,
		Metrics:      e.Metrics,
	})
}
