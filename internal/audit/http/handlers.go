package audithttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/familyhub/familyhub/internal/audit"
	"github.com/familyhub/familyhub/internal/platform/httpx"
	"github.com/familyhub/familyhub/internal/rbac"
	"github.com/familyhub/familyhub/internal/shared"
)

const (
	defaultPageSize   = 20
	maxPageSize       = 50
	defaultDateRange  = 7 * 24 * time.Hour
	maxDateRangeHours = 24 * 90
	dateLayout        = "2006-01-02"

	// ResourceAudit is the resource type checked for timeline reads that are not
	// narrowed to a single subject.
	ResourceAudit = "audit"
)

// TimelineResource stands for the whole audit trail. Only global scopes, or an
// individual scope naming it, cover it.
var TimelineResource = uuid.MustParse("00000000-0000-0000-0000-0000000a0d17")

// TimelineService defines the business contract for timeline data.
type TimelineService interface {
	Timeline(ctx context.Context, filters audit.TimelineFilters) (audit.Result, error)
	Export(ctx context.Context, filters audit.TimelineFilters) ([]audit.Entry, error)
}

// Authorizer answers whether the caller may read the requested slice of the trail.
type Authorizer interface {
	Authorize(ctx context.Context, req rbac.Request) (rbac.Decision, error)
}

// Handler menangani permintaan audit timeline.
type Handler struct {
	logger  *slog.Logger
	service TimelineService
	authz   Authorizer
	now     func() time.Time
}

// NewHandler membuat handler audit baru.
func NewHandler(logger *slog.Logger, service TimelineService, authz Authorizer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:  logger,
		service: service,
		authz:   authz,
		now:     time.Now,
	}
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		httpx.Problem(w, http.StatusNotImplemented, "Not Implemented", "audit timeline not configured")
		return
	}
	filters, err := h.parseFilters(r)
	if err != nil {
		h.handleFilterError(w, err)
		return
	}
	if err := h.authorize(r.Context(), filters); err != nil {
		h.respondAuthError(w, err)
		return
	}
	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.handleServerError(w, "load audit timeline", err)
		return
	}
	if result.Rows == nil {
		result.Rows = []audit.Entry{}
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	if h.service == nil {
		httpx.Problem(w, http.StatusNotImplemented, "Not Implemented", "audit timeline not configured")
		return
	}
	filters, err := h.parseFilters(r)
	if err != nil {
		h.handleFilterError(w, err)
		return
	}
	if err := h.authorize(r.Context(), filters); err != nil {
		h.respondAuthError(w, err)
		return
	}
	rows, err := h.service.Export(r.Context(), filters)
	if err != nil {
		h.handleServerError(w, "export audit timeline", err)
		return
	}
	csvBytes, err := audit.WriteCSV(rows)
	if err != nil {
		h.handleServerError(w, "encode csv", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=\"audit-timeline.csv\"")
	if _, err := w.Write(csvBytes); err != nil {
		h.logger.Warn("write csv", slog.Any("error", err))
	}
}

func (h *Handler) parseFilters(r *http.Request) (audit.TimelineFilters, error) {
	q := r.URL.Query()
	now := h.now().UTC()
	toStr := strings.TrimSpace(q.Get("to"))
	if toStr == "" {
		toStr = now.Format(dateLayout)
	}
	toDay, err := time.Parse(dateLayout, toStr)
	if err != nil {
		return audit.TimelineFilters{}, validationError{field: "to"}
	}
	fromStr := strings.TrimSpace(q.Get("from"))
	if fromStr == "" {
		fromStr = toDay.Add(-defaultDateRange).Format(dateLayout)
	}
	fromDay, err := time.Parse(dateLayout, fromStr)
	if err != nil {
		return audit.TimelineFilters{}, validationError{field: "from"}
	}
	if fromDay.After(toDay) {
		return audit.TimelineFilters{}, validationError{field: "range"}
	}
	if toDay.Sub(fromDay) > maxDateRangeHours*time.Hour {
		return audit.TimelineFilters{}, validationError{field: "range"}
	}

	page := 1
	if v := strings.TrimSpace(q.Get("page")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return audit.TimelineFilters{}, validationError{field: "page"}
		}
		page = parsed
	}
	pageSize := defaultPageSize
	if v := strings.TrimSpace(q.Get("page_size")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return audit.TimelineFilters{}, validationError{field: "page_size"}
		}
		if parsed > maxPageSize {
			parsed = maxPageSize
		}
		pageSize = parsed
	}

	actor, err := optionalUUID(q.Get("actor"), "actor")
	if err != nil {
		return audit.TimelineFilters{}, err
	}
	subject, err := optionalUUID(q.Get("subject"), "subject")
	if err != nil {
		return audit.TimelineFilters{}, err
	}

	return audit.TimelineFilters{
		From: fromDay,
		// The "to" day is inclusive.
		To:        toDay.Add(24 * time.Hour),
		ActorID:   actor,
		SubjectID: subject,
		EventType: strings.TrimSpace(q.Get("event_type")),
		Category:  audit.Category(strings.TrimSpace(q.Get("category"))),
		Page:      page,
		PageSize:  pageSize,
	}, nil
}

func optionalUUID(raw, field string) (*uuid.UUID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, validationError{field: field}
	}
	return &id, nil
}

// authorize checks admin.audit.read against the filtered subject, or against the
// whole trail when no subject is given.
func (h *Handler) authorize(ctx context.Context, filters audit.TimelineFilters) error {
	if h.authz == nil {
		return fmt.Errorf("audit: authorizer not configured")
	}
	userID, ok := shared.UserIDFromContext(ctx)
	if !ok {
		return errUnauthenticated
	}
	req := rbac.Request{UserID: userID, Action: rbac.ActionReadAudit, ResourceID: TimelineResource, ResourceType: ResourceAudit}
	if filters.SubjectID != nil {
		req.ResourceID, req.ResourceType = *filters.SubjectID, rbac.ResourceUser
	}
	d, err := h.authz.Authorize(ctx, req)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return errPermissionDenied
	}
	return nil
}

func (h *Handler) respondAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errUnauthenticated):
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "missing authenticated user")
	case errors.Is(err, errPermissionDenied):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "audit timeline requires "+rbac.ActionReadAudit)
	case errors.Is(err, rbac.ErrIndeterminate):
		h.logger.Error("authorize audit read", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Authorization Indeterminate", "authorization could not be evaluated")
	default:
		h.handleServerError(w, "authorize", err)
	}
}

func (h *Handler) handleFilterError(w http.ResponseWriter, err error) {
	var v validationError
	if errors.As(err, &v) {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid "+v.field)
		return
	}
	h.handleServerError(w, "validate filters", err)
}

func (h *Handler) handleServerError(w http.ResponseWriter, message string, err error) {
	if h.logger != nil {
		h.logger.Error(message, slog.Any("error", err))
	}
	httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
}

type validationError struct {
	field string
}

func (validationError) Error() string {
	return "validation failed"
}

var (
	errPermissionDenied = errors.New("audit: permission denied")
	errUnauthenticated  = errors.New("audit: unauthenticated")
)
