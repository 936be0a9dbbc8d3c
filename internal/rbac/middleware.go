package rbac

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/familyhub/familyhub/internal/platform/httpx"
	"github.com/familyhub/familyhub/internal/shared"
)

// Middleware wires resolver checks into HTTP handlers.
type Middleware struct {
	Resolver *Resolver
	Logger   *slog.Logger
}

// Require allows the request through only when the current user may perform action
// on the resource named by the resourceParam URL parameter. An empty resourceParam
// targets the current user.
func (m Middleware) Require(action, resourceType, resourceParam string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := shared.UserIDFromContext(r.Context())
			if !ok {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing authenticated user")
				return
			}
			resourceID := userID
			if resourceParam != "" {
				raw := chi.URLParam(r, resourceParam)
				parsed, err := uuid.Parse(raw)
				if err != nil {
					httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid "+resourceParam)
					return
				}
				resourceID = parsed
			}
			d, err := m.Resolver.Authorize(r.Context(), Request{
				UserID: userID, Action: action, ResourceID: resourceID, ResourceType: resourceType,
			})
			if err != nil {
				m.logger().Error("rbac require", slog.String("action", action), slog.Any("error", err))
				switch {
				case errors.Is(err, ErrValidation):
					httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
				case errors.Is(err, ErrIndeterminate):
					httpx.Problem(w, http.StatusServiceUnavailable, "Authorization Indeterminate", "authorization could not be evaluated")
				default:
					httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
				}
				return
			}
			if !d.Allowed {
				httpx.Problem(w, http.StatusForbidden, "Forbidden", d.Reason)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
