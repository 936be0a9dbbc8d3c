package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/familyhub/familyhub/internal/audit"
)

// Administrative actions checked through the resolver before every mutation.
const (
	ActionAssignRole         = "admin.roles.assign"
	ActionRevokeRole         = "admin.roles.revoke"
	ActionApproveDelegation  = "admin.delegations.approve"
	ActionRevokeDelegation   = "admin.delegations.revoke"
	ActionActivateOverride   = "admin.overrides.activate"
	ActionDeactivateOverride = "admin.overrides.deactivate"
	ActionUpdatePermissions  = "admin.permissions.update"
	ActionManageCache        = "admin.cache.manage"
	ActionReadAudit          = "admin.audit.read"
)

const (
	warmupConcurrency   = 8
	warmupPerUserLimit  = 64
	defaultWarmupTarget = ResourceUser
)

// OverrideNotifier hands an activated override to the notification pipeline.
type OverrideNotifier interface {
	NotifyOverride(ctx context.Context, o Override) error
}

// Service owns the administrative mutations. Each one authorizes the actor,
// commits the write, invalidates the cache and records a required audit entry,
// in that order.
type Service struct {
	store       Store
	resolver    *Resolver
	invalidator Invalidator
	auditor     Auditor
	notifier    OverrideNotifier
	logger      *slog.Logger
	now         func() time.Time
	validate    *validator.Validate
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithNotifier sets the override notification hand-off.
func WithNotifier(n OverrideNotifier) ServiceOption { return func(s *Service) { s.notifier = n } }

// WithServiceClock overrides the time source.
func WithServiceClock(now func() time.Time) ServiceOption { return func(s *Service) { s.now = now } }

// WithServiceLogger sets the logger.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService wires the administrative service.
func NewService(store Store, resolver *Resolver, invalidator Invalidator, auditor Auditor, opts ...ServiceOption) *Service {
	s := &Service{
		store:       store,
		resolver:    resolver,
		invalidator: invalidator,
		auditor:     auditor,
		logger:      slog.Default(),
		now:         time.Now,
		validate:    newValidator(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolver exposes the resolver the service authorizes with.
func (s *Service) Resolver() *Resolver { return s.resolver }

// Authorize delegates to the resolver.
func (s *Service) Authorize(ctx context.Context, req Request) (Decision, error) {
	return s.resolver.Authorize(ctx, req)
}

// AssignRoleInput describes a new role assignment.
type AssignRoleInput struct {
	ActorID    uuid.UUID  `json:"-" validate:"required"`
	UserID     uuid.UUID  `json:"userId" validate:"required"`
	RoleID     uuid.UUID  `json:"roleId" validate:"required"`
	Reason     string     `json:"reason" validate:"max=500"`
	ValidFrom  *time.Time `json:"validFrom"`
	ValidUntil *time.Time `json:"validUntil"`
	Schedule   *Schedule  `json:"schedule"`
	Scopes     []Scope    `json:"scopes" validate:"required,min=1"`
}

// AssignRole grants a role to a user.
func (s *Service) AssignRole(ctx context.Context, in AssignRoleInput) (Assignment, error) {
	if err := s.validate.Struct(in); err != nil {
		return Assignment{}, validationError(err)
	}
	if err := s.requireAllowed(ctx, in.ActorID, ActionAssignRole, in.UserID, ResourceUser); err != nil {
		return Assignment{}, err
	}
	role, err := s.store.GetRole(ctx, in.RoleID)
	if err != nil {
		return Assignment{}, fmt.Errorf("rbac: assign role: %w", err)
	}
	if role.State != RoleStateActive {
		return Assignment{}, conflictf("role %s is %s", role.ID, role.State)
	}
	now := s.now().UTC()
	a := Assignment{
		UserID:     in.UserID,
		RoleID:     in.RoleID,
		GrantedBy:  in.ActorID,
		Reason:     in.Reason,
		ValidFrom:  now,
		ValidUntil: in.ValidUntil,
		State:      AssignmentActive,
		Schedule:   in.Schedule,
		Scopes:     in.Scopes,
		CreatedAt:  now,
	}
	if in.ValidFrom != nil {
		a.ValidFrom = in.ValidFrom.UTC()
	}
	if err := a.Validate(); err != nil {
		return Assignment{}, err
	}
	created, err := s.store.CreateAssignment(ctx, a)
	if err != nil {
		return Assignment{}, fmt.Errorf("rbac: assign role: %w", err)
	}
	if err := s.commit(ctx, usersEvent(EventRoleAssigned, now, created.UserID), audit.Entry{
		EventType:   "role.assigned",
		Description: fmt.Sprintf("role %s assigned to %s", role.Type, created.UserID),
		ActorID:     audit.UserRef(in.ActorID),
		SubjectID:   audit.UserRef(created.UserID),
		Severity:    audit.SeverityWarning,
		Data: map[string]any{
			"assignmentId": created.ID.String(),
			"roleId":       role.ID.String(),
			"roleType":     string(role.Type),
			"scopes":       created.Scopes,
			"reason":       created.Reason,
		},
	}); err != nil {
		return created, err
	}
	return created, nil
}

// RevokeRole ends an assignment. Revoking twice is a conflict.
func (s *Service) RevokeRole(ctx context.Context, actorID, assignmentID uuid.UUID, reason string) (Assignment, error) {
	a, err := s.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return Assignment{}, fmt.Errorf("rbac: revoke role: %w", err)
	}
	if err := s.requireAllowed(ctx, actorID, ActionRevokeRole, a.UserID, ResourceUser); err != nil {
		return Assignment{}, err
	}
	now := s.now().UTC()
	revoked, err := s.store.RevokeAssignment(ctx, assignmentID, actorID, now)
	if err != nil {
		return Assignment{}, fmt.Errorf("rbac: revoke role: %w", err)
	}
	if err := s.commit(ctx, usersEvent(EventRoleRevoked, now, revoked.UserID), audit.Entry{
		EventType:   "role.revoked",
		Description: fmt.Sprintf("assignment %s revoked from %s", revoked.ID, revoked.UserID),
		ActorID:     audit.UserRef(actorID),
		SubjectID:   audit.UserRef(revoked.UserID),
		Severity:    audit.SeverityWarning,
		Data: map[string]any{
			"assignmentId": revoked.ID.String(),
			"roleId":       revoked.RoleID.String(),
			"reason":       reason,
		},
	}); err != nil {
		return revoked, err
	}
	return revoked, nil
}

// CreateDelegationInput describes a delegation created by the delegator.
type CreateDelegationInput struct {
	ActorID         uuid.UUID  `json:"-" validate:"required"`
	ToUserID        uuid.UUID  `json:"toUserId" validate:"required"`
	RoleID          uuid.UUID  `json:"roleId" validate:"required"`
	ValidFrom       *time.Time `json:"validFrom"`
	ValidUntil      time.Time  `json:"validUntil" validate:"required"`
	Reason          string     `json:"reason" validate:"max=500"`
	Scopes          []Scope    `json:"scopes" validate:"required,min=1"`
	Permissions     []string   `json:"permissions"`
	RequireApproval bool       `json:"requireApproval"`
}

// CreateDelegation lets the actor hand one of their roles to another user.
// The actor must currently hold the role in scopes covering every delegated scope.
func (s *Service) CreateDelegation(ctx context.Context, in CreateDelegationInput) (Delegation, error) {
	if err := s.validate.Struct(in); err != nil {
		return Delegation{}, validationError(err)
	}
	now := s.now().UTC()
	d := Delegation{
		FromUserID:  in.ActorID,
		ToUserID:    in.ToUserID,
		RoleID:      in.RoleID,
		ValidFrom:   now,
		ValidUntil:  in.ValidUntil.UTC(),
		Reason:      in.Reason,
		Scopes:      in.Scopes,
		Permissions: normalizeAll(in.Permissions),
		CreatedAt:   now,
	}
	if in.ValidFrom != nil {
		d.ValidFrom = in.ValidFrom.UTC()
	}
	if err := d.Validate(); err != nil {
		return Delegation{}, err
	}
	if !d.ValidUntil.After(now) {
		return Delegation{}, validationf("valid_until must be in the future")
	}
	role, err := s.store.GetRole(ctx, d.RoleID)
	if err != nil {
		return Delegation{}, fmt.Errorf("rbac: create delegation: %w", err)
	}
	perms, err := s.store.PermissionsOf(ctx, role.ID)
	if err != nil {
		return Delegation{}, fmt.Errorf("rbac: create delegation: %w", err)
	}
	roleNames := PermissionNames(perms)
	for _, p := range d.Permissions {
		if !PermissionsCover(roleNames, p) {
			return Delegation{}, validationf("permission %q is not part of role %s", p, role.Type)
		}
	}
	if err := s.requireHolds(ctx, d.FromUserID, d.RoleID, d.Scopes, now); err != nil {
		return Delegation{}, err
	}
	d.RequiresApproval = in.RequireApproval || role.Type.DelegationNeedsApproval()
	d.State = DelegationActive
	if d.RequiresApproval {
		d.State = DelegationPending
	}
	created, err := s.store.CreateDelegation(ctx, d)
	if err != nil {
		return Delegation{}, fmt.Errorf("rbac: create delegation: %w", err)
	}
	if err := s.commit(ctx, usersEvent(EventDelegationCreated, now, created.FromUserID, created.ToUserID), audit.Entry{
		EventType:   "delegation.created",
		Description: fmt.Sprintf("role %s delegated from %s to %s (%s)", role.Type, created.FromUserID, created.ToUserID, created.State),
		ActorID:     audit.UserRef(in.ActorID),
		SubjectID:   audit.UserRef(created.ToUserID),
		Severity:    audit.SeverityWarning,
		Data:        delegationData(created),
	}); err != nil {
		return created, err
	}
	return created, nil
}

func (s *Service) requireHolds(ctx context.Context, userID, roleID uuid.UUID, scopes []Scope, now time.Time) error {
	assignments, err := s.store.ActiveAssignmentsFor(ctx, userID, now)
	if err != nil {
		return fmt.Errorf("rbac: delegator assignments: %w", err)
	}
	var held []Scope
	for _, a := range assignments {
		if a.RoleID == roleID {
			held = append(held, a.Scopes...)
		}
	}
	if len(held) == 0 {
		return forbiddenf("delegator does not currently hold role %s", roleID)
	}
	ok, err := NewScopeMatcher(s.store).CoversAll(ctx, held, scopes)
	if err != nil {
		return fmt.Errorf("rbac: delegation scope check: %w", err)
	}
	if !ok {
		return forbiddenf("delegated scope exceeds the delegator's own grant")
	}
	return nil
}

// ApproveDelegation activates a pending delegation. Delegators cannot approve their own.
func (s *Service) ApproveDelegation(ctx context.Context, actorID, delegationID uuid.UUID) (Delegation, error) {
	return s.decideDelegation(ctx, actorID, delegationID, DelegationActive, EventDelegationApproved, "delegation.approved")
}

// RejectDelegation rejects a pending delegation.
func (s *Service) RejectDelegation(ctx context.Context, actorID, delegationID uuid.UUID) (Delegation, error) {
	return s.decideDelegation(ctx, actorID, delegationID, DelegationRejected, EventDelegationRejected, "delegation.rejected")
}

func (s *Service) decideDelegation(ctx context.Context, actorID, delegationID uuid.UUID, next DelegationState, event EventType, auditType string) (Delegation, error) {
	d, err := s.store.GetDelegation(ctx, delegationID)
	if err != nil {
		return Delegation{}, fmt.Errorf("rbac: %s: %w", auditType, err)
	}
	if actorID == d.FromUserID {
		return Delegation{}, forbiddenf("delegators cannot decide their own delegation")
	}
	if err := s.requireAllowed(ctx, actorID, ActionApproveDelegation, d.ToUserID, ResourceUser); err != nil {
		return Delegation{}, err
	}
	now := s.now().UTC()
	updated, err := s.store.SetDelegationState(ctx, delegationID, next, actorID, now)
	if err != nil {
		return Delegation{}, fmt.Errorf("rbac: %s: %w", auditType, err)
	}
	if err := s.commit(ctx, usersEvent(event, now, updated.FromUserID, updated.ToUserID), audit.Entry{
		EventType:   auditType,
		Description: fmt.Sprintf("delegation %s is now %s", updated.ID, updated.State),
		ActorID:     audit.UserRef(actorID),
		SubjectID:   audit.UserRef(updated.ToUserID),
		Severity:    audit.SeverityWarning,
		Data:        delegationData(updated),
	}); err != nil {
		return updated, err
	}
	return updated, nil
}

// RevokeDelegation ends a pending or active delegation. The delegator, the delegatee
// or an authorized admin may revoke.
func (s *Service) RevokeDelegation(ctx context.Context, actorID, delegationID uuid.UUID, reason string) (Delegation, error) {
	d, err := s.store.GetDelegation(ctx, delegationID)
	if err != nil {
		return Delegation{}, fmt.Errorf("rbac: revoke delegation: %w", err)
	}
	if actorID != d.FromUserID && actorID != d.ToUserID {
		if err := s.requireAllowed(ctx, actorID, ActionRevokeDelegation, d.ToUserID, ResourceUser); err != nil {
			return Delegation{}, err
		}
	}
	now := s.now().UTC()
	updated, err := s.store.SetDelegationState(ctx, delegationID, DelegationRevoked, actorID, now)
	if err != nil {
		return Delegation{}, fmt.Errorf("rbac: revoke delegation: %w", err)
	}
	data := delegationData(updated)
	data["reason"] = reason
	if err := s.commit(ctx, usersEvent(EventDelegationRevoked, now, updated.FromUserID, updated.ToUserID), audit.Entry{
		EventType:   "delegation.revoked",
		Description: fmt.Sprintf("delegation %s revoked", updated.ID),
		ActorID:     audit.UserRef(actorID),
		SubjectID:   audit.UserRef(updated.ToUserID),
		Severity:    audit.SeverityWarning,
		Data:        data,
	}); err != nil {
		return updated, err
	}
	return updated, nil
}

// ActivateOverrideInput describes an emergency override request.
type ActivateOverrideInput struct {
	ActorID         uuid.UUID      `json:"-" validate:"required"`
	AffectedUserID  uuid.UUID      `json:"affectedUserId" validate:"required"`
	Reason          OverrideReason `json:"reason" validate:"required"`
	DurationMinutes int            `json:"durationMinutes" validate:"min=1,max=1440"`
	Permissions     []string       `json:"permissions" validate:"required,min=1"`
	NotifiedUserIDs []uuid.UUID    `json:"notifiedUserIds"`
	Justification   string         `json:"justification" validate:"max=2000"`
}

// ActivateOverride grants a time-boxed, scope-free override to the affected user.
// Only one override may be active per user.
func (s *Service) ActivateOverride(ctx context.Context, in ActivateOverrideInput) (Override, error) {
	if err := s.validate.Struct(in); err != nil {
		return Override{}, validationError(err)
	}
	if !in.Reason.Valid() {
		return Override{}, validationf("unknown override reason %q", in.Reason)
	}
	now := s.now().UTC()
	if err := s.requireOverrideEligible(ctx, in, now); err != nil {
		return Override{}, err
	}
	notified := in.NotifiedUserIDs
	if len(notified) == 0 {
		notified = []uuid.UUID{in.ActorID, in.AffectedUserID}
	}
	notified = dedupeIDs(notified)
	o := Override{
		TriggeredBy:     in.ActorID,
		AffectedUserID:  in.AffectedUserID,
		Reason:          in.Reason,
		DurationMinutes: in.DurationMinutes,
		Permissions:     normalizeAll(in.Permissions),
		NotifiedUserIDs: notified,
		Justification:   in.Justification,
		ActivatedAt:     now,
		ExpiresAt:       now.Add(time.Duration(in.DurationMinutes) * time.Minute),
	}
	if err := o.Validate(); err != nil {
		return Override{}, err
	}
	created, err := s.store.ActivateOverride(ctx, o)
	if err != nil {
		return Override{}, fmt.Errorf("rbac: activate override: %w", err)
	}
	if err := s.commit(ctx, usersEvent(EventOverrideActivated, now, created.AffectedUserID), audit.Entry{
		EventType:   "override.activated",
		Description: fmt.Sprintf("emergency override (%s) activated for %s", created.Reason, created.AffectedUserID),
		ActorID:     audit.UserRef(in.ActorID),
		SubjectID:   audit.UserRef(created.AffectedUserID),
		Severity:    audit.SeverityCritical,
		Data:        overrideData(created),
	}); err != nil {
		return created, err
	}
	if s.notifier != nil {
		if err := s.notifier.NotifyOverride(ctx, created); err != nil {
			s.logger.Warn("override notification hand-off failed",
				slog.String("override_id", created.ID.String()),
				slog.Any("error", err))
		}
	}
	return created, nil
}

// requireOverrideEligible applies the per-reason eligibility rule. Actors allowed
// to administer overrides on the affected user are always eligible.
func (s *Service) requireOverrideEligible(ctx context.Context, in ActivateOverrideInput, now time.Time) error {
	d, err := s.resolver.Authorize(ctx, Request{
		UserID: in.ActorID, Action: ActionActivateOverride, ResourceID: in.AffectedUserID, ResourceType: ResourceUser,
	})
	if err != nil {
		return err
	}
	if d.Allowed {
		return nil
	}
	switch in.Reason {
	case ReasonPanicButton:
		if in.ActorID == in.AffectedUserID {
			return nil
		}
		return forbiddenf("only the affected user may trigger a panic button override")
	case ReasonMedicalEmergency:
		return s.requireRoleFor(ctx, in.ActorID, in.AffectedUserID, now, RoleEmergencyContact)
	case ReasonNoResponse24h:
		return s.requireRoleFor(ctx, in.ActorID, in.AffectedUserID, now, RoleEmergencyContact, RoleFamilyCoordinator)
	default:
		return forbiddenf("override reason %s requires administrator rights", in.Reason)
	}
}

func (s *Service) requireRoleFor(ctx context.Context, actorID, affectedID uuid.UUID, now time.Time, types ...RoleType) error {
	assignments, err := s.store.ActiveAssignmentsFor(ctx, actorID, now)
	if err != nil {
		return fmt.Errorf("rbac: override eligibility: %w", err)
	}
	matcher := NewScopeMatcher(s.store)
	for _, a := range assignments {
		if !slices.Contains(types, a.RoleType) {
			continue
		}
		ok, err := matcher.MatchesAny(ctx, a.Scopes, ResourceUser, affectedID)
		if err != nil {
			return fmt.Errorf("rbac: override eligibility: %w", err)
		}
		if ok {
			return nil
		}
	}
	return forbiddenf("actor holds no %v role covering %s", types, affectedID)
}

// DeactivateOverride ends an active override early.
func (s *Service) DeactivateOverride(ctx context.Context, actorID, overrideID uuid.UUID) (Override, error) {
	o, err := s.store.GetOverride(ctx, overrideID)
	if err != nil {
		return Override{}, fmt.Errorf("rbac: deactivate override: %w", err)
	}
	if actorID != o.TriggeredBy && actorID != o.AffectedUserID {
		if err := s.requireAllowed(ctx, actorID, ActionDeactivateOverride, o.AffectedUserID, ResourceUser); err != nil {
			return Override{}, err
		}
	}
	now := s.now().UTC()
	updated, err := s.store.DeactivateOverride(ctx, overrideID, actorID, now)
	if err != nil {
		return Override{}, fmt.Errorf("rbac: deactivate override: %w", err)
	}
	if err := s.commit(ctx, usersEvent(EventOverrideDeactivated, now, updated.AffectedUserID), audit.Entry{
		EventType:   "override.deactivated",
		Description: fmt.Sprintf("emergency override %s deactivated", updated.ID),
		ActorID:     audit.UserRef(actorID),
		SubjectID:   audit.UserRef(updated.AffectedUserID),
		Severity:    audit.SeverityWarning,
		Data:        overrideData(updated),
	}); err != nil {
		return updated, err
	}
	return updated, nil
}

// UpdateRolePermissions replaces a role's permission set. Every cached decision is dropped.
func (s *Service) UpdateRolePermissions(ctx context.Context, actorID, roleID uuid.UUID, names []string) ([]Permission, error) {
	if err := s.requireAllowed(ctx, actorID, ActionUpdatePermissions, roleID, ResourceRole); err != nil {
		return nil, err
	}
	normalized := normalizeAll(names)
	for _, n := range normalized {
		if !validPermissionName(n) {
			return nil, validationf("invalid permission name %q", n)
		}
	}
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return nil, fmt.Errorf("rbac: update permissions: %w", err)
	}
	perms, err := s.store.SetRolePermissions(ctx, role.ID, normalized)
	if err != nil {
		return nil, fmt.Errorf("rbac: update permissions: %w", err)
	}
	now := s.now().UTC()
	id := role.ID
	if err := s.commit(ctx, Event{Type: EventPermissionSetUpdated, RoleID: &id, At: now}, audit.Entry{
		EventType:   "permissions.updated",
		Description: fmt.Sprintf("permission set of role %s replaced", role.Type),
		ActorID:     audit.UserRef(actorID),
		Severity:    audit.SeverityWarning,
		Data: map[string]any{
			"roleId":      role.ID.String(),
			"roleType":    string(role.Type),
			"permissions": PermissionNames(perms),
		},
	}); err != nil {
		return perms, err
	}
	return perms, nil
}

// SweepExpired transitions lapsed grants and invalidates the users they affected.
// Decisions never depend on it: the read path re-checks validity windows itself.
func (s *Service) SweepExpired(ctx context.Context) (SweepResult, error) {
	now := s.now().UTC()
	res, err := s.store.ExpireStale(ctx, now)
	if err != nil {
		return SweepResult{}, fmt.Errorf("rbac: expiry sweep: %w", err)
	}
	var errs []error
	for _, a := range res.Assignments {
		errs = append(errs, s.invalidate(ctx, usersEvent(EventRoleRevoked, now, a.UserID)))
	}
	for _, d := range res.Delegations {
		errs = append(errs, s.invalidate(ctx, usersEvent(EventDelegationExpired, now, d.FromUserID, d.ToUserID)))
	}
	for _, o := range res.Overrides {
		errs = append(errs, s.invalidate(ctx, usersEvent(EventOverrideExpired, now, o.AffectedUserID)))
	}
	if !res.Empty() && s.auditor != nil {
		entry := audit.Entry{
			EventType:   "grants.expired",
			Category:    audit.CategoryAdministration,
			Description: fmt.Sprintf("expiry sweep closed %d assignments, %d delegations, %d overrides", len(res.Assignments), len(res.Delegations), len(res.Overrides)),
			Severity:    audit.SeverityInfo,
			Success:     true,
			Data: map[string]any{
				"assignments": len(res.Assignments),
				"delegations": len(res.Delegations),
				"overrides":   len(res.Overrides),
			},
		}
		if err := s.auditor.Log(ctx, entry, audit.BestEffort); err != nil {
			s.logger.Warn("audit expiry sweep", slog.Any("error", err))
		}
	}
	return res, errors.Join(errs...)
}

// WarmupResult summarizes a warmup run.
type WarmupResult struct {
	Users     int `json:"users"`
	Decisions int `json:"decisions"`
	Failed    int `json:"failed"`
}

// Warmup precomputes decisions for the permissions each user currently holds,
// against the entities named in their scopes.
func (s *Service) Warmup(ctx context.Context, userIDs []uuid.UUID) (WarmupResult, error) {
	now := s.now().UTC()
	var requests []Request
	users := dedupeIDs(userIDs)
	for _, userID := range users {
		reqs, err := s.warmupRequests(ctx, userID, now)
		if err != nil {
			return WarmupResult{}, fmt.Errorf("rbac: warmup %s: %w", userID, err)
		}
		requests = append(requests, reqs...)
	}

	results := make([]bool, len(requests))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(warmupConcurrency)
	for i, req := range requests {
		g.Go(func() error {
			if _, err := s.resolver.Authorize(gctx, req); err != nil {
				if errors.Is(err, ErrIndeterminate) {
					return nil
				}
				return err
			}
			results[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return WarmupResult{}, fmt.Errorf("rbac: warmup: %w", err)
	}
	out := WarmupResult{Users: len(users)}
	for _, ok := range results {
		if ok {
			out.Decisions++
		} else {
			out.Failed++
		}
	}
	return out, nil
}

func (s *Service) warmupRequests(ctx context.Context, userID uuid.UUID, now time.Time) ([]Request, error) {
	assignments, err := s.store.ActiveAssignmentsFor(ctx, userID, now)
	if err != nil {
		return nil, err
	}
	var out []Request
	seen := make(map[DecisionKey]bool)
	add := func(action string, resourceID uuid.UUID, resourceType string) {
		if len(out) >= warmupPerUserLimit || !actionPattern.MatchString(action) {
			return
		}
		req := Request{UserID: userID, Action: action, ResourceID: resourceID, ResourceType: resourceType}
		if seen[req.Key()] {
			return
		}
		seen[req.Key()] = true
		out = append(out, req)
	}
	for _, a := range assignments {
		perms, err := s.store.PermissionsOf(ctx, a.RoleID)
		if err != nil {
			return nil, err
		}
		for _, name := range PermissionNames(perms) {
			for _, scope := range a.Scopes {
				switch scope.Type {
				case ScopeFamily:
					for _, id := range scope.EntityIDs {
						add(name, id, ResourceFamily)
					}
				case ScopeIndividual:
					for _, id := range scope.EntityIDs {
						add(name, id, defaultWarmupTarget)
					}
				default:
					add(name, userID, defaultWarmupTarget)
				}
			}
		}
	}
	return out, nil
}

// InvalidateCache applies an externally reported event, such as a membership change.
func (s *Service) InvalidateCache(ctx context.Context, actorID uuid.UUID, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if err := s.requireAllowed(ctx, actorID, ActionManageCache, actorID, ResourceUser); err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = s.now().UTC()
	}
	return s.invalidate(ctx, e)
}

// ClearCache drops every cached decision.
func (s *Service) ClearCache(ctx context.Context, actorID uuid.UUID) error {
	if err := s.requireAllowed(ctx, actorID, ActionManageCache, actorID, ResourceUser); err != nil {
		return err
	}
	if s.invalidator == nil {
		return nil
	}
	if err := s.invalidator.Clear(ctx); err != nil {
		return fmt.Errorf("rbac: clear cache: %w", err)
	}
	if s.auditor != nil {
		entry := audit.Entry{
			EventType:   "cache.cleared",
			Category:    audit.CategoryCache,
			Description: "decision cache cleared",
			ActorID:     audit.UserRef(actorID),
			Severity:    audit.SeverityInfo,
			Success:     true,
		}
		if err := s.auditor.Log(ctx, entry, audit.BestEffort); err != nil {
			s.logger.Warn("audit cache clear", slog.Any("error", err))
		}
	}
	return nil
}

func (s *Service) requireAllowed(ctx context.Context, actorID uuid.UUID, action string, resourceID uuid.UUID, resourceType string) error {
	d, err := s.resolver.Authorize(ctx, Request{UserID: actorID, Action: action, ResourceID: resourceID, ResourceType: resourceType})
	if err != nil {
		return err
	}
	if !d.Allowed {
		return forbiddenf("%s on %s/%s", action, resourceType, resourceID)
	}
	return nil
}

// commit runs the post-write steps: invalidation, then the required audit entry.
// The store write has already happened; a failure here is returned with the record.
func (s *Service) commit(ctx context.Context, e Event, entry audit.Entry) error {
	if err := s.invalidate(ctx, e); err != nil {
		return err
	}
	if s.auditor == nil {
		return fmt.Errorf("%w: no auditor configured", ErrAuditUnavailable)
	}
	entry.Category = audit.CategoryAdministration
	entry.Success = true
	if err := s.auditor.Log(ctx, entry, audit.Required); err != nil {
		return fmt.Errorf("%w: %v", ErrAuditUnavailable, err)
	}
	return nil
}

func (s *Service) invalidate(ctx context.Context, e Event) error {
	if s.invalidator == nil {
		return nil
	}
	if err := s.invalidator.Invalidate(ctx, e); err != nil {
		s.logger.Error("cache invalidation failed", slog.String("event", string(e.Type)), slog.Any("error", err))
		return fmt.Errorf("rbac: invalidate %s: %w", e.Type, err)
	}
	return nil
}

func delegationData(d Delegation) map[string]any {
	return map[string]any{
		"delegationId":     d.ID.String(),
		"fromUserId":       d.FromUserID.String(),
		"toUserId":         d.ToUserID.String(),
		"roleId":           d.RoleID.String(),
		"state":            string(d.State),
		"validFrom":        d.ValidFrom.Format(time.RFC3339),
		"validUntil":       d.ValidUntil.Format(time.RFC3339),
		"scopes":           d.Scopes,
		"permissions":      d.Permissions,
		"requiresApproval": d.RequiresApproval,
	}
}

func overrideData(o Override) map[string]any {
	notified := make([]string, 0, len(o.NotifiedUserIDs))
	for _, id := range o.NotifiedUserIDs {
		notified = append(notified, id.String())
	}
	return map[string]any{
		"overrideId":      o.ID.String(),
		"reason":          string(o.Reason),
		"durationMinutes": o.DurationMinutes,
		"permissions":     o.Permissions,
		"notifiedUserIds": notified,
		"justification":   o.Justification,
		"expiresAt":       o.ExpiresAt.Format(time.RFC3339),
	}
}

func normalizeAll(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = NormalizePermission(n)
		if n != "" && !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out
}

func validPermissionName(name string) bool {
	if name == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(name, ".*"); ok {
		return actionPattern.MatchString(prefix)
	}
	return actionPattern.MatchString(name)
}

func dedupeIDs(ids []uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id != uuid.Nil && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
