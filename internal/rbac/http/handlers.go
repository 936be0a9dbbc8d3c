// Package rbachttp exposes the authorization engine over a JSON API.
package rbachttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/familyhub/familyhub/internal/authcache"
	"github.com/familyhub/familyhub/internal/platform/httpx"
	"github.com/familyhub/familyhub/internal/rbac"
	"github.com/familyhub/familyhub/internal/shared"
)

const maxWarmupUsers = 500

// WarmupQueue hands warmup requests to the background worker.
type WarmupQueue interface {
	EnqueueWarmup(ctx context.Context, userIDs []uuid.UUID) (*asynq.TaskInfo, error)
}

// CacheInspector reports the state of the decision cache.
type CacheInspector interface {
	Health(ctx context.Context) authcache.Health
	Metrics() authcache.Metrics
}

// Handler serves the authorization API.
type Handler struct {
	logger      *slog.Logger
	service     *rbac.Service
	cache       CacheInspector
	coordinator *authcache.Coordinator
	warmups     WarmupQueue
	require     rbac.Middleware
}

// Config wires the handler. Cache, Coordinator and Warmups are optional.
type Config struct {
	Logger      *slog.Logger
	Service     *rbac.Service
	Cache       CacheInspector
	Coordinator *authcache.Coordinator
	Warmups     WarmupQueue
}

// NewHandler builds the handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:      logger,
		service:     cfg.Service,
		cache:       cfg.Cache,
		coordinator: cfg.Coordinator,
		warmups:     cfg.Warmups,
		require:     rbac.Middleware{Resolver: cfg.Service.Resolver(), Logger: logger},
	}
}

type checkRequest struct {
	UserID       uuid.UUID `json:"userId"`
	Action       string    `json:"action"`
	ResourceID   uuid.UUID `json:"resourceId"`
	ResourceType string    `json:"resourceType"`
}

// handleCheck answers a single authorization question. A deny is a normal 200
// response; only failures to decide map to error statuses.
func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var body checkRequest
	if err := decode(r, &body); err != nil {
		h.respondError(w, r, err, nil)
		return
	}
	if body.UserID == uuid.Nil {
		body.UserID = actor
	}
	d, err := h.service.Authorize(r.Context(), rbac.Request{
		UserID:       body.UserID,
		Action:       body.Action,
		ResourceID:   body.ResourceID,
		ResourceType: body.ResourceType,
	})
	if err != nil {
		h.respondError(w, r, err, nil)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

func (h *Handler) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var in rbac.AssignRoleInput
	if err := decode(r, &in); err != nil {
		h.respondError(w, r, err, nil)
		return
	}
	in.ActorID = actor
	a, err := h.service.AssignRole(r.Context(), in)
	if err != nil {
		h.respondError(w, r, err, a)
		return
	}
	httpx.JSON(w, http.StatusCreated, a)
}

type reasonBody struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	var body reasonBody
	if err := decode(r, &body); err != nil {
		h.respondError(w, r, err, nil)
		return
	}
	a, err := h.service.RevokeRole(r.Context(), actor, id, body.Reason)
	if err != nil {
		h.respondError(w, r, err, a)
		return
	}
	httpx.JSON(w, http.StatusOK, a)
}

func (h *Handler) handleCreateDelegation(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var in rbac.CreateDelegationInput
	if err := decode(r, &in); err != nil {
		h.respondError(w, r, err, nil)
		return
	}
	in.ActorID = actor
	d, err := h.service.CreateDelegation(r.Context(), in)
	if err != nil {
		h.respondError(w, r, err, d)
		return
	}
	httpx.JSON(w, http.StatusCreated, d)
}

func (h *Handler) handleApproveDelegation(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	d, err := h.service.ApproveDelegation(r.Context(), actor, id)
	if err != nil {
		h.respondError(w, r, err, d)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

func (h *Handler) handleRejectDelegation(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	d, err := h.service.RejectDelegation(r.Context(), actor, id)
	if err != nil {
		h.respondError(w, r, err, d)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

func (h *Handler) handleRevokeDelegation(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	var body reasonBody
	if err := decode(r, &body); err != nil {
		h.respondError(w, r, err, nil)
		return
	}
	d, err := h.service.RevokeDelegation(r.Context(), actor, id, body.Reason)
	if err != nil {
		h.respondError(w, r, err, d)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

func (h *Handler) handleActivateOverride(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var in rbac.ActivateOverrideInput
	if err := decode(r, &in); err != nil {
		h.respondError(w, r, err, nil)
		return
	}
	in.ActorID = actor
	o, err := h.service.ActivateOverride(r.Context(), in)
	if err != nil {
		h.respondError(w, r, err, o)
		return
	}
	httpx.JSON(w, http.StatusCreated, o)
}

func (h *Handler) handleDeactivateOverride(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	o, err := h.service.DeactivateOverride(r.Context(), actor, id)
	if err != nil {
		h.respondError(w, r, err, o)
		return
	}
	httpx.JSON(w, http.StatusOK, o)
}

type permissionsBody struct {
	Permissions []string `json:"permissions"`
}

type permissionsResponse struct {
	RoleID      uuid.UUID         `json:"roleId"`
	Permissions []rbac.Permission `json:"permissions"`
}

func (h *Handler) handleUpdatePermissions(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	var body permissionsBody
	if err := decode(r, &body); err != nil {
		h.respondError(w, r, err, nil)
		return
	}
	perms, err := h.service.UpdateRolePermissions(r.Context(), actor, id, body.Permissions)
	resp := permissionsResponse{RoleID: id, Permissions: perms}
	if resp.Permissions == nil {
		resp.Permissions = []rbac.Permission{}
	}
	if err != nil {
		h.respondError(w, r, err, resp)
		return
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var e rbac.Event
	if err := decode(r, &e); err != nil {
		h.respondError(w, r, err, nil)
		return
	}
	if err := h.service.InvalidateCache(r.Context(), actor, e); err != nil {
		h.respondError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleClearCache(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	if err := h.service.ClearCache(r.Context(), actor); err != nil {
		h.respondError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type warmupBody struct {
	UserIDs []uuid.UUID `json:"userIds"`
}

// handleWarmup queues a warmup when a worker is configured and otherwise runs it inline.
func (h *Handler) handleWarmup(w http.ResponseWriter, r *http.Request) {
	var body warmupBody
	if err := decode(r, &body); err != nil {
		h.respondError(w, r, err, nil)
		return
	}
	if len(body.UserIDs) == 0 || len(body.UserIDs) > maxWarmupUsers {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", fmt.Sprintf("userIds must list between 1 and %d users", maxWarmupUsers))
		return
	}
	if h.warmups != nil {
		info, err := h.warmups.EnqueueWarmup(r.Context(), body.UserIDs)
		if err != nil {
			h.logger.Error("enqueue warmup", slog.Any("error", err))
			httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "warmup could not be queued")
			return
		}
		httpx.JSON(w, http.StatusAccepted, map[string]string{"taskId": info.ID, "queue": info.Queue})
		return
	}
	res, err := h.service.Warmup(r.Context(), body.UserIDs)
	if err != nil {
		h.respondError(w, r, err, nil)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) handleCacheHealth(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		httpx.Problem(w, http.StatusNotImplemented, "Not Implemented", "decision cache not configured")
		return
	}
	report := h.cache.Health(r.Context())
	status := http.StatusOK
	if report.Status != authcache.StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	httpx.JSON(w, status, report)
}

type metricsResponse struct {
	Cache        authcache.Metrics           `json:"cache"`
	Invalidation *authcache.CoordinatorStats `json:"invalidation,omitempty"`
}

func (h *Handler) handleCacheMetrics(w http.ResponseWriter, _ *http.Request) {
	if h.cache == nil {
		httpx.Problem(w, http.StatusNotImplemented, "Not Implemented", "decision cache not configured")
		return
	}
	resp := metricsResponse{Cache: h.cache.Metrics()}
	if h.coordinator != nil {
		stats := h.coordinator.Stats()
		resp.Invalidation = &stats
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := shared.UserIDFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing authenticated user")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) actorAndID(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	actor, ok := h.actor(w, r)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid id")
		return uuid.Nil, uuid.Nil, false
	}
	return actor, id, true
}

// decode reads a JSON body. An empty body leaves target untouched.
func decode(r *http.Request, target any) error {
	if err := httpx.DecodeJSON(r, target); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid JSON body: %v", rbac.ErrValidation, err)
	}
	return nil
}

type auditProblem struct {
	httpx.ProblemDetail
	Record any `json:"record,omitempty"`
}

// respondError maps engine errors to problem responses. When the audit trail
// rejected an already committed write, the committed record travels with the problem.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error, record any) {
	switch {
	case errors.Is(err, rbac.ErrAuditUnavailable):
		h.logger.Error("audit trail unavailable after commit", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.WriteProblem(w, http.StatusInternalServerError, auditProblem{
			ProblemDetail: httpx.ProblemDetail{
				Title:  "Audit Unavailable",
				Status: http.StatusInternalServerError,
				Detail: "change committed but the audit record could not be written",
			},
			Record: record,
		})
	case errors.Is(err, rbac.ErrIndeterminate):
		h.logger.Warn("authorization indeterminate", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Authorization Indeterminate", "authorization could not be evaluated")
	case errors.Is(err, rbac.ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, rbac.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, rbac.ErrConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, rbac.ErrForbidden):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	default:
		h.logger.Error("authz request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
