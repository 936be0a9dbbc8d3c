package audithttp

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/familyhub/familyhub/internal/platform/httpx"
	"github.com/familyhub/familyhub/internal/shared"
)

// Per-caller export budget.
const (
	exportRateLimit  = 10
	exportRateWindow = time.Minute
)

// MountRoutes mendaftarkan endpoint audit timeline dan ekspor CSV.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	r.Get("/audit", h.handleTimeline)
	r.With(h.exportLimiter()).Get("/audit/export.csv", h.handleExport)
}

func (h *Handler) exportLimiter() func(http.Handler) http.Handler {
	return httprate.Limit(exportRateLimit, exportRateWindow,
		httprate.WithKeyFuncs(callerKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			h.logger.Warn("audit export throttled", slog.String("remote", r.RemoteAddr))
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "audit export limit reached, retry later")
		}),
	)
}

// callerKey buckets requests by authenticated user, falling back to the client IP.
func callerKey(r *http.Request) (string, error) {
	if userID, ok := shared.UserIDFromContext(r.Context()); ok {
		return "user:" + userID.String(), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
