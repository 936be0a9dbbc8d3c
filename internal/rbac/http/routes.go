package rbachttp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/familyhub/familyhub/internal/rbac"
	"github.com/familyhub/familyhub/internal/shared"
)

const adminRateLimit = 60
const adminRateWindow = time.Minute

// MountRoutes registers the authorization API on r.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	r.Post("/check", h.handleCheck)

	limiter := httprate.Limit(adminRateLimit, adminRateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)
	r.Group(func(gr chi.Router) {
		gr.Use(limiter)
		gr.Post("/assignments", h.handleAssignRole)
		gr.Post("/assignments/{id}/revoke", h.handleRevokeRole)
		gr.Post("/delegations", h.handleCreateDelegation)
		gr.Post("/delegations/{id}/approve", h.handleApproveDelegation)
		gr.Post("/delegations/{id}/reject", h.handleRejectDelegation)
		gr.Post("/delegations/{id}/revoke", h.handleRevokeDelegation)
		gr.Post("/overrides", h.handleActivateOverride)
		gr.Post("/overrides/{id}/deactivate", h.handleDeactivateOverride)
		gr.Put("/roles/{id}/permissions", h.handleUpdatePermissions)
		gr.Post("/cache/invalidate", h.handleInvalidateCache)
		gr.Post("/cache/clear", h.handleClearCache)
	})

	r.Group(func(gr chi.Router) {
		gr.Use(h.require.Require(rbac.ActionManageCache, rbac.ResourceUser, ""))
		gr.Get("/cache/health", h.handleCacheHealth)
		gr.Get("/cache/metrics", h.handleCacheMetrics)
		gr.With(limiter).Post("/cache/warmup", h.handleWarmup)
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	if userID, ok := shared.UserIDFromContext(r.Context()); ok {
		return "user:" + userID.String(), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
