package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/familyhub/familyhub/internal/audit"
)

const defaultStoreTimeout = 2 * time.Second

// Source names the layer that produced a decision.
type Source string

const (
	SourceOverride    Source = "override"
	SourceDelegation  Source = "delegation"
	SourceRole        Source = "role"
	SourceDefaultDeny Source = "default-deny"
)

// ReasonNoMatchingGrant is the reason attached to default-deny decisions.
const ReasonNoMatchingGrant = "no matching grant"

// Request asks whether UserID may perform Action on a resource.
type Request struct {
	UserID       uuid.UUID `json:"userId" validate:"required"`
	Action       string    `json:"action" validate:"required,max=128,action"`
	ResourceID   uuid.UUID `json:"resourceId" validate:"required"`
	ResourceType string    `json:"resourceType" validate:"required,max=64,resource_type"`
}

func (r Request) normalized() Request {
	r.Action = NormalizePermission(r.Action)
	r.ResourceType = strings.ToLower(strings.TrimSpace(r.ResourceType))
	return r
}

// Key returns the cache key for the request.
func (r Request) Key() DecisionKey {
	n := r.normalized()
	return DecisionKey{UserID: n.UserID, Action: n.Action, ResourceID: n.ResourceID, ResourceType: n.ResourceType}
}

// DecisionKey identifies a cached decision.
type DecisionKey struct {
	UserID       uuid.UUID
	Action       string
	ResourceID   uuid.UUID
	ResourceType string
}

func (k DecisionKey) String() string {
	return k.UserID.String() + "|" + k.Action + "|" + k.ResourceType + "|" + k.ResourceID.String()
}

// Decision is the stable answer returned to callers.
type Decision struct {
	Allowed             bool              `json:"allowed"`
	Reason              string            `json:"reason"`
	Source              Source            `json:"source"`
	RoleID              *uuid.UUID        `json:"roleId,omitempty"`
	DelegationID        *uuid.UUID        `json:"delegationId,omitempty"`
	EmergencyOverrideID *uuid.UUID        `json:"emergencyOverrideId,omitempty"`
	Details             map[string]string `json:"details,omitempty"`
	ComputedAt          time.Time         `json:"computedAt"`
}

// CacheStamp identifies the cache state an evaluation started from. Local is the
// instance's invalidation epoch. Shared is the cluster-wide invalidation
// sequence, negative when no shared tier can be trusted.
type CacheStamp struct {
	Local  uint64
	Shared int64
}

// DecisionCache stores computed decisions. Implementations must refuse a Put whose
// stamp predates an invalidation of any of its dependencies, on this instance or
// any other, and must never fail the caller.
type DecisionCache interface {
	Get(ctx context.Context, key DecisionKey, now time.Time) (Decision, bool)
	Stamp(ctx context.Context) CacheStamp
	Put(ctx context.Context, key DecisionKey, d Decision, deps []uuid.UUID, expiresAt time.Time, stamp CacheStamp)
}

// Auditor records audit entries under an explicit policy.
type Auditor interface {
	Log(ctx context.Context, entry audit.Entry, policy audit.Policy) error
}

// DecisionRecorder observes resolver outcomes for metrics.
type DecisionRecorder interface {
	ObserveDecision(source string, allowed, cached bool, elapsed time.Duration)
	ObserveIndeterminate(op string)
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithCache enables decision caching.
func WithCache(c DecisionCache) ResolverOption { return func(r *Resolver) { r.cache = c } }

// WithAuditor records every decision as a best-effort audit entry.
func WithAuditor(a Auditor) ResolverOption { return func(r *Resolver) { r.auditor = a } }

// WithRecorder attaches a metrics recorder.
func WithRecorder(m DecisionRecorder) ResolverOption { return func(r *Resolver) { r.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ResolverOption { return func(r *Resolver) { r.now = now } }

// WithStoreTimeout bounds the store work of a single evaluation.
func WithStoreTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		if d > 0 {
			r.storeTimeout = d
		}
	}
}

// Resolver evaluates overrides, then delegations, then role assignments.
type Resolver struct {
	store        Reader
	cache        DecisionCache
	auditor      Auditor
	metrics      DecisionRecorder
	logger       *slog.Logger
	now          func() time.Time
	storeTimeout time.Duration
	validate     *validator.Validate
	group        singleflight.Group
}

// NewResolver constructs a resolver over store.
func NewResolver(store Reader, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:        store,
		logger:       slog.Default(),
		now:          time.Now,
		storeTimeout: defaultStoreTimeout,
		validate:     newValidator(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var (
	actionPattern       = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)*$`)
	resourceTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("action", func(fl validator.FieldLevel) bool {
		return actionPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("resource_type", func(fl validator.FieldLevel) bool {
		return resourceTypePattern.MatchString(fl.Field().String())
	})
	return v
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		parts := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
		return validationf("%s", strings.Join(parts, "; "))
	}
	return validationf("%v", err)
}

// Authorize answers the request. Store failures and timeouts return an error
// matching ErrIndeterminate; such outcomes are neither allow nor deny and are never cached.
func (r *Resolver) Authorize(ctx context.Context, req Request) (Decision, error) {
	req = req.normalized()
	if err := r.validate.Struct(req); err != nil {
		return Decision{}, validationError(err)
	}
	start := time.Now()
	key := req.Key()

	if r.cache != nil {
		if d, ok := r.cache.Get(ctx, key, r.now()); ok {
			r.observe(d, true, start)
			r.auditDecision(ctx, req, d, true)
			return d, nil
		}
	}

	var stamp CacheStamp
	if r.cache != nil {
		stamp = r.cache.Stamp(ctx)
	}
	flightKey := key.String() + "#" + strconv.FormatUint(stamp.Local, 10) + "." + strconv.FormatInt(stamp.Shared, 10)
	ch := r.group.DoChan(flightKey, func() (any, error) {
		return r.compute(ctx, req, key, stamp)
	})

	var d Decision
	select {
	case <-ctx.Done():
		r.indeterminate("context")
		return Decision{}, indeterminate("await evaluation", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			var ie *IndeterminateError
			if errors.As(res.Err, &ie) {
				r.indeterminate(ie.Op)
			}
			r.auditFailure(ctx, req, res.Err)
			return Decision{}, res.Err
		}
		d = res.Val.(Decision)
	}
	r.observe(d, false, start)
	r.auditDecision(ctx, req, d, false)
	return cloneDecision(d), nil
}

func (r *Resolver) compute(ctx context.Context, req Request, key DecisionKey, stamp CacheStamp) (Decision, error) {
	evalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.storeTimeout)
	defer cancel()

	now := r.now()
	d, deps, expiresAt, err := r.evaluate(evalCtx, req, now)
	if err != nil {
		return Decision{}, err
	}
	if r.cache != nil {
		r.cache.Put(context.WithoutCancel(ctx), key, d, deps, expiresAt, stamp)
	}
	return d, nil
}

// evaluation carries per-call memoization so the store is asked at most once per record.
type evaluation struct {
	r           *Resolver
	now         time.Time
	matcher     *ScopeMatcher
	permissions map[uuid.UUID][]string
	assignments map[uuid.UUID][]Assignment
	deps        []uuid.UUID
	expiresAt   time.Time
}

func (r *Resolver) evaluate(ctx context.Context, req Request, now time.Time) (Decision, []uuid.UUID, time.Time, error) {
	ev := &evaluation{
		r:           r,
		now:         now,
		matcher:     NewScopeMatcher(newMemoLookup(r.store)),
		permissions: make(map[uuid.UUID][]string),
		assignments: make(map[uuid.UUID][]Assignment),
		deps:        []uuid.UUID{req.UserID},
		expiresAt:   now.Add(ClassOf(req.Action).TTL()),
	}

	if d, ok, err := ev.checkOverride(ctx, req); err != nil || ok {
		return d, ev.deps, ev.expiresAt, err
	}
	if d, ok, err := ev.checkDelegations(ctx, req); err != nil || ok {
		return d, ev.deps, ev.expiresAt, err
	}
	if d, ok, err := ev.checkRoles(ctx, req); err != nil || ok {
		return d, ev.deps, ev.expiresAt, err
	}
	if err := ev.boundDeny(ctx); err != nil {
		return Decision{}, nil, time.Time{}, err
	}
	d := Decision{
		Allowed:    false,
		Reason:     ReasonNoMatchingGrant,
		Source:     SourceDefaultDeny,
		ComputedAt: stamp(now),
	}
	return d, ev.deps, ev.expiresAt, nil
}

func (ev *evaluation) bound(t time.Time) {
	if !t.IsZero() && t.Before(ev.expiresAt) {
		ev.expiresAt = t
	}
}

func (ev *evaluation) addDep(id uuid.UUID) {
	for _, d := range ev.deps {
		if d == id {
			return
		}
	}
	ev.deps = append(ev.deps, id)
}

func (ev *evaluation) checkOverride(ctx context.Context, req Request) (Decision, bool, error) {
	o, err := ev.r.store.ActiveOverrideFor(ctx, req.UserID, ev.now)
	if err != nil {
		return Decision{}, false, indeterminate("active override", err)
	}
	if o == nil || !PermissionsCover(o.Permissions, req.Action) {
		return Decision{}, false, nil
	}
	ev.bound(o.ExpiresAt)
	notified := make([]string, 0, len(o.NotifiedUserIDs))
	for _, id := range o.NotifiedUserIDs {
		notified = append(notified, id.String())
	}
	id := o.ID
	return Decision{
		Allowed:             true,
		Reason:              fmt.Sprintf("emergency override (%s) grants %s", o.Reason, req.Action),
		Source:              SourceOverride,
		EmergencyOverrideID: &id,
		Details: map[string]string{
			"overrideReason": string(o.Reason),
			"expiresAt":      o.ExpiresAt.UTC().Format(time.RFC3339),
			"triggeredBy":    o.TriggeredBy.String(),
			"notifiedUsers":  strings.Join(notified, ","),
			"scopeChecked":   "false",
		},
		ComputedAt: stamp(ev.now),
	}, true, nil
}

func (ev *evaluation) checkDelegations(ctx context.Context, req Request) (Decision, bool, error) {
	delegations, err := ev.r.store.ActiveDelegationsTo(ctx, req.UserID, ev.now)
	if err != nil {
		return Decision{}, false, indeterminate("active delegations", err)
	}
	for _, d := range delegations {
		perms, err := ev.rolePermissions(ctx, d.RoleID)
		if err != nil {
			return Decision{}, false, err
		}
		if len(d.Permissions) > 0 {
			perms = IntersectPermissions(d.Permissions, perms)
		}
		if !PermissionsCover(perms, req.Action) {
			continue
		}
		ok, err := ev.matcher.MatchesAny(ctx, d.Scopes, req.ResourceType, req.ResourceID)
		if err != nil {
			return Decision{}, false, indeterminate("membership lookup", err)
		}
		if !ok {
			continue
		}
		// The delegator's own grant is re-checked against their direct
		// assignments only. Delegations never chain.
		ev.addDep(d.FromUserID)
		source, err := ev.holdingAssignment(ctx, d.FromUserID, d.RoleID, req)
		if err != nil {
			return Decision{}, false, err
		}
		if source == nil {
			continue
		}
		ev.bound(d.ValidUntil)
		if end, ok := source.GrantEnd(ev.now); ok {
			ev.bound(end)
		}
		delegationID, roleID := d.ID, d.RoleID
		return Decision{
			Allowed:      true,
			Reason:       fmt.Sprintf("role %s delegated by %s grants %s", source.RoleType, d.FromUserID, req.Action),
			Source:       SourceDelegation,
			RoleID:       &roleID,
			DelegationID: &delegationID,
			Details: map[string]string{
				"delegatorId":         d.FromUserID.String(),
				"roleType":            string(source.RoleType),
				"delegatorAssignment": source.ID.String(),
				"validUntil":          d.ValidUntil.UTC().Format(time.RFC3339),
			},
			ComputedAt: stamp(ev.now),
		}, true, nil
	}
	return Decision{}, false, nil
}

// holdingAssignment returns the delegator's active assignment of roleID whose scope
// covers the requested resource, or nil.
func (ev *evaluation) holdingAssignment(ctx context.Context, userID, roleID uuid.UUID, req Request) (*Assignment, error) {
	assignments, err := ev.activeAssignments(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range assignments {
		a := assignments[i]
		if a.RoleID != roleID {
			continue
		}
		ok, err := ev.matcher.MatchesAny(ctx, a.Scopes, req.ResourceType, req.ResourceID)
		if err != nil {
			return nil, indeterminate("membership lookup", err)
		}
		if ok {
			return &a, nil
		}
	}
	return nil, nil
}

func (ev *evaluation) checkRoles(ctx context.Context, req Request) (Decision, bool, error) {
	assignments, err := ev.activeAssignments(ctx, req.UserID)
	if err != nil {
		return Decision{}, false, err
	}
	for _, a := range assignments {
		perms, err := ev.rolePermissions(ctx, a.RoleID)
		if err != nil {
			return Decision{}, false, err
		}
		if !PermissionsCover(perms, req.Action) {
			continue
		}
		ok, err := ev.matcher.MatchesAny(ctx, a.Scopes, req.ResourceType, req.ResourceID)
		if err != nil {
			return Decision{}, false, indeterminate("membership lookup", err)
		}
		if !ok {
			continue
		}
		if end, ok := a.GrantEnd(ev.now); ok {
			ev.bound(end)
		}
		roleID := a.RoleID
		return Decision{
			Allowed: true,
			Reason:  fmt.Sprintf("role %s grants %s", a.RoleType, req.Action),
			Source:  SourceRole,
			RoleID:  &roleID,
			Details: map[string]string{
				"assignmentId": a.ID.String(),
				"roleType":     string(a.RoleType),
			},
			ComputedAt: stamp(ev.now),
		}, true, nil
	}
	return Decision{}, false, nil
}

// boundDeny keeps a cached deny from outliving the next grant that becomes active
// for the subject or any consulted delegator.
func (ev *evaluation) boundDeny(ctx context.Context) error {
	for _, userID := range ev.deps {
		next, ok, err := ev.r.store.NextChange(ctx, userID, ev.now)
		if err != nil {
			return indeterminate("next change", err)
		}
		if ok {
			ev.bound(next)
		}
	}
	return nil
}

func (ev *evaluation) activeAssignments(ctx context.Context, userID uuid.UUID) ([]Assignment, error) {
	if cached, ok := ev.assignments[userID]; ok {
		return cached, nil
	}
	assignments, err := ev.r.store.ActiveAssignmentsFor(ctx, userID, ev.now)
	if err != nil {
		return nil, indeterminate("active assignments", err)
	}
	ev.assignments[userID] = assignments
	return assignments, nil
}

func (ev *evaluation) rolePermissions(ctx context.Context, roleID uuid.UUID) ([]string, error) {
	if cached, ok := ev.permissions[roleID]; ok {
		return cached, nil
	}
	perms, err := ev.r.store.PermissionsOf(ctx, roleID)
	if err != nil {
		return nil, indeterminate("role permissions", err)
	}
	names := PermissionNames(perms)
	ev.permissions[roleID] = names
	return names, nil
}

func (r *Resolver) observe(d Decision, cached bool, start time.Time) {
	if r.metrics == nil {
		return
	}
	r.metrics.ObserveDecision(string(d.Source), d.Allowed, cached, time.Since(start))
}

func (r *Resolver) indeterminate(op string) {
	if r.metrics != nil {
		r.metrics.ObserveIndeterminate(op)
	}
}

func (r *Resolver) auditDecision(ctx context.Context, req Request, d Decision, cached bool) {
	if r.auditor == nil {
		return
	}
	data := map[string]any{
		"action":       req.Action,
		"resourceId":   req.ResourceID.String(),
		"resourceType": req.ResourceType,
		"allowed":      d.Allowed,
		"source":       string(d.Source),
		"reason":       d.Reason,
		"cached":       cached,
	}
	if d.RoleID != nil {
		data["roleId"] = d.RoleID.String()
	}
	if d.DelegationID != nil {
		data["delegationId"] = d.DelegationID.String()
	}
	if d.EmergencyOverrideID != nil {
		data["emergencyOverrideId"] = d.EmergencyOverrideID.String()
	}
	severity := audit.SeverityInfo
	if d.Source == SourceOverride {
		severity = audit.SeverityWarning
	}
	entry := audit.Entry{
		EventType:   "authorization.check",
		Category:    audit.CategoryAuthorization,
		Description: fmt.Sprintf("%s %s on %s/%s: %s", req.UserID, req.Action, req.ResourceType, req.ResourceID, d.Reason),
		ActorID:     audit.UserRef(req.UserID),
		Severity:    severity,
		Success:     d.Allowed,
		Data:        data,
	}
	if err := r.auditor.Log(ctx, entry, audit.BestEffort); err != nil {
		r.logger.Warn("audit authorization check", slog.Any("error", err))
	}
}

func (r *Resolver) auditFailure(ctx context.Context, req Request, cause error) {
	r.logger.Error("authorization indeterminate",
		slog.String("user_id", req.UserID.String()),
		slog.String("action", req.Action),
		slog.Any("error", cause))
	if r.auditor == nil {
		return
	}
	entry := audit.Entry{
		EventType:   "authorization.indeterminate",
		Category:    audit.CategoryAuthorization,
		Description: fmt.Sprintf("%s %s on %s/%s could not be evaluated", req.UserID, req.Action, req.ResourceType, req.ResourceID),
		ActorID:     audit.UserRef(req.UserID),
		Severity:    audit.SeverityError,
		Success:     false,
		Data: map[string]any{
			"action":       req.Action,
			"resourceId":   req.ResourceID.String(),
			"resourceType": req.ResourceType,
			"error":        cause.Error(),
		},
	}
	if err := r.auditor.Log(ctx, entry, audit.BestEffort); err != nil {
		r.logger.Warn("audit authorization failure", slog.Any("error", err))
	}
}

func stamp(t time.Time) time.Time {
	return t.UTC().Round(0)
}

func cloneDecision(d Decision) Decision {
	if d.Details != nil {
		details := make(map[string]string, len(d.Details))
		for k, v := range d.Details {
			details[k] = v
		}
		d.Details = details
	}
	return d
}
