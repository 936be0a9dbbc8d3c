// Package memstore is an in-process rbac.Store used by tests and by the memory store driver.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/familyhub/familyhub/internal/rbac"
)

// Store keeps every record in maps guarded by one mutex.
type Store struct {
	mu sync.RWMutex

	roles       map[uuid.UUID]rbac.Role
	rolePerms   map[uuid.UUID][]uuid.UUID
	permissions map[uuid.UUID]rbac.Permission
	permByName  map[string]uuid.UUID
	assignments map[uuid.UUID]rbac.Assignment
	delegations map[uuid.UUID]rbac.Delegation
	overrides   map[uuid.UUID]rbac.Override
	reported    map[uuid.UUID]bool
	memberOf    map[uuid.UUID][]uuid.UUID

	readErr error
	delay   time.Duration
	calls   map[string]int
}

var _ rbac.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		roles:       make(map[uuid.UUID]rbac.Role),
		rolePerms:   make(map[uuid.UUID][]uuid.UUID),
		permissions: make(map[uuid.UUID]rbac.Permission),
		permByName:  make(map[string]uuid.UUID),
		assignments: make(map[uuid.UUID]rbac.Assignment),
		delegations: make(map[uuid.UUID]rbac.Delegation),
		overrides:   make(map[uuid.UUID]rbac.Override),
		reported:    make(map[uuid.UUID]bool),
		memberOf:    make(map[uuid.UUID][]uuid.UUID),
		calls:       make(map[string]int),
	}
}

// AddRole registers a role with the given permission names, or the role type's
// defaults when none are given.
func (s *Store) AddRole(roleType rbac.RoleType, name string, perms ...string) rbac.Role {
	if len(perms) == 0 {
		perms = roleType.DefaultPermissions()
	}
	now := time.Now().UTC()
	role := rbac.Role{ID: uuid.New(), Type: roleType, Name: name, State: rbac.RoleStateActive, CreatedAt: now, UpdatedAt: now}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles[role.ID] = role
	s.rolePerms[role.ID] = s.permissionIDsLocked(perms)
	return role
}

// SetRoleState toggles a role between active and inactive.
func (s *Store) SetRoleState(roleID uuid.UUID, state rbac.RoleState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if role, ok := s.roles[roleID]; ok {
		role.State = state
		s.roles[roleID] = role
	}
}

// AddFamilyMember records entityID as a member of familyID.
func (s *Store) AddFamilyMember(familyID, entityID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(s.memberOf[entityID], familyID) {
		s.memberOf[entityID] = append(s.memberOf[entityID], familyID)
	}
}

// RemoveFamilyMember drops entityID from familyID.
func (s *Store) RemoveFamilyMember(familyID, entityID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberOf[entityID] = slices.DeleteFunc(s.memberOf[entityID], func(id uuid.UUID) bool { return id == familyID })
}

// FailReads makes every read return err until called again with nil.
func (s *Store) FailReads(err error) {
	s.mu.Lock()
	s.readErr = err
	s.mu.Unlock()
}

// SetDelay makes every read wait d or until its context ends.
func (s *Store) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

// Calls reports how often a read method was invoked.
func (s *Store) Calls(method string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[method]
}

func (s *Store) read(ctx context.Context, method string) error {
	s.mu.Lock()
	s.calls[method]++
	err, delay := s.readErr, s.delay
	s.mu.Unlock()
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Store) permissionIDsLocked(names []string) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(names))
	for _, raw := range names {
		name := rbac.NormalizePermission(raw)
		if name == "" {
			continue
		}
		id, ok := s.permByName[name]
		if !ok {
			id = uuid.New()
			s.permByName[name] = id
			s.permissions[id] = rbac.Permission{ID: id, Name: name}
		}
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *Store) roleActiveLocked(roleID uuid.UUID) bool {
	role, ok := s.roles[roleID]
	return ok && role.State == rbac.RoleStateActive
}

// EntityFamilies returns the families entityID belongs to.
func (s *Store) EntityFamilies(ctx context.Context, resourceType string, entityID uuid.UUID) ([]uuid.UUID, error) {
	if err := s.read(ctx, "EntityFamilies"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if resourceType == rbac.ResourceFamily {
		return []uuid.UUID{entityID}, nil
	}
	return slices.Clone(s.memberOf[entityID]), nil
}

func (s *Store) ActiveAssignmentsFor(ctx context.Context, userID uuid.UUID, at time.Time) ([]rbac.Assignment, error) {
	if err := s.read(ctx, "ActiveAssignmentsFor"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []rbac.Assignment
	for _, a := range s.assignments {
		if a.UserID != userID || !a.ActiveAt(at) || !s.roleActiveLocked(a.RoleID) {
			continue
		}
		out = append(out, s.assignmentLocked(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ActiveDelegationsTo(ctx context.Context, userID uuid.UUID, at time.Time) ([]rbac.Delegation, error) {
	if err := s.read(ctx, "ActiveDelegationsTo"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []rbac.Delegation
	for _, d := range s.delegations {
		if d.ToUserID != userID || !d.ActiveAt(at) || !s.roleActiveLocked(d.RoleID) {
			continue
		}
		out = append(out, cloneDelegation(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ActiveOverrideFor(ctx context.Context, userID uuid.UUID, at time.Time) (*rbac.Override, error) {
	if err := s.read(ctx, "ActiveOverrideFor"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, o := range s.overrides {
		if o.AffectedUserID == userID && o.ActiveAt(at) {
			c := cloneOverride(o)
			return &c, nil
		}
	}
	return nil, nil
}

func (s *Store) PermissionsOf(ctx context.Context, roleID uuid.UUID) ([]rbac.Permission, error) {
	if err := s.read(ctx, "PermissionsOf"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.rolePerms[roleID]
	out := make([]rbac.Permission, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.permissions[id])
	}
	return out, nil
}

func (s *Store) NextChange(ctx context.Context, userID uuid.UUID, at time.Time) (time.Time, bool, error) {
	if err := s.read(ctx, "NextChange"); err != nil {
		return time.Time{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var next time.Time
	consider := func(t time.Time) {
		if t.After(at) && (next.IsZero() || t.Before(next)) {
			next = t
		}
	}
	for _, a := range s.assignments {
		if a.UserID != userID || a.State != rbac.AssignmentActive || !s.roleActiveLocked(a.RoleID) {
			continue
		}
		if a.ValidFrom.After(at) {
			consider(a.ValidFrom)
			continue
		}
		if a.Schedule != nil && a.InWindow(at) && !a.Schedule.Contains(at) {
			if start, ok := a.Schedule.NextStart(at); ok && (a.ValidUntil == nil || start.Before(*a.ValidUntil)) {
				consider(start)
			}
		}
	}
	for _, d := range s.delegations {
		if d.ToUserID == userID && d.State == rbac.DelegationActive && d.ValidFrom.After(at) {
			consider(d.ValidFrom)
		}
	}
	return next, !next.IsZero(), nil
}

func (s *Store) GetRole(ctx context.Context, id uuid.UUID) (rbac.Role, error) {
	if err := s.read(ctx, "GetRole"); err != nil {
		return rbac.Role{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[id]
	if !ok {
		return rbac.Role{}, fmt.Errorf("role %s: %w", id, rbac.ErrNotFound)
	}
	return role, nil
}

func (s *Store) GetAssignment(ctx context.Context, id uuid.UUID) (rbac.Assignment, error) {
	if err := s.read(ctx, "GetAssignment"); err != nil {
		return rbac.Assignment{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assignments[id]
	if !ok {
		return rbac.Assignment{}, fmt.Errorf("assignment %s: %w", id, rbac.ErrNotFound)
	}
	return s.assignmentLocked(a), nil
}

func (s *Store) GetDelegation(ctx context.Context, id uuid.UUID) (rbac.Delegation, error) {
	if err := s.read(ctx, "GetDelegation"); err != nil {
		return rbac.Delegation{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.delegations[id]
	if !ok {
		return rbac.Delegation{}, fmt.Errorf("delegation %s: %w", id, rbac.ErrNotFound)
	}
	return cloneDelegation(d), nil
}

func (s *Store) GetOverride(ctx context.Context, id uuid.UUID) (rbac.Override, error) {
	if err := s.read(ctx, "GetOverride"); err != nil {
		return rbac.Override{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.overrides[id]
	if !ok {
		return rbac.Override{}, fmt.Errorf("override %s: %w", id, rbac.ErrNotFound)
	}
	return cloneOverride(o), nil
}

func (s *Store) CreateAssignment(ctx context.Context, a rbac.Assignment) (rbac.Assignment, error) {
	if err := a.Validate(); err != nil {
		return rbac.Assignment{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[a.RoleID]; !ok {
		return rbac.Assignment{}, fmt.Errorf("role %s: %w", a.RoleID, rbac.ErrNotFound)
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	a.State = rbac.AssignmentActive
	a.RevokedAt, a.RevokedBy = nil, nil
	s.assignments[a.ID] = cloneAssignment(a)
	return s.assignmentLocked(a), nil
}

func (s *Store) RevokeAssignment(ctx context.Context, id, revokedBy uuid.UUID, at time.Time) (rbac.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[id]
	if !ok {
		return rbac.Assignment{}, fmt.Errorf("assignment %s: %w", id, rbac.ErrNotFound)
	}
	if a.State == rbac.AssignmentRevoked {
		return rbac.Assignment{}, fmt.Errorf("assignment %s already revoked: %w", id, rbac.ErrConflict)
	}
	a.State = rbac.AssignmentRevoked
	a.RevokedBy = &revokedBy
	a.RevokedAt = &at
	s.assignments[id] = a
	return s.assignmentLocked(a), nil
}

func (s *Store) CreateDelegation(ctx context.Context, d rbac.Delegation) (rbac.Delegation, error) {
	if err := d.Validate(); err != nil {
		return rbac.Delegation{}, err
	}
	if d.State != rbac.DelegationPending && d.State != rbac.DelegationActive {
		return rbac.Delegation{}, fmt.Errorf("%w: new delegation must be pending or active", rbac.ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[d.RoleID]; !ok {
		return rbac.Delegation{}, fmt.Errorf("role %s: %w", d.RoleID, rbac.ErrNotFound)
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	s.delegations[d.ID] = cloneDelegation(d)
	return cloneDelegation(d), nil
}

func (s *Store) SetDelegationState(ctx context.Context, id uuid.UUID, next rbac.DelegationState, decidedBy uuid.UUID, at time.Time) (rbac.Delegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.delegations[id]
	if !ok {
		return rbac.Delegation{}, fmt.Errorf("delegation %s: %w", id, rbac.ErrNotFound)
	}
	if !d.State.CanTransitionTo(next) {
		return rbac.Delegation{}, fmt.Errorf("delegation %s is %s, cannot become %s: %w", id, d.State, next, rbac.ErrConflict)
	}
	d.State = next
	d.DecidedBy = &decidedBy
	d.DecidedAt = &at
	s.delegations[id] = d
	return cloneDelegation(d), nil
}

func (s *Store) ActivateOverride(ctx context.Context, o rbac.Override) (rbac.Override, error) {
	if err := o.Validate(); err != nil {
		return rbac.Override{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.overrides {
		if existing.AffectedUserID == o.AffectedUserID && existing.ActiveAt(o.ActivatedAt) {
			return rbac.Override{}, fmt.Errorf("user %s already has active override %s: %w", o.AffectedUserID, existing.ID, rbac.ErrConflict)
		}
	}
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	o.DeactivatedAt, o.DeactivatedBy = nil, nil
	s.overrides[o.ID] = cloneOverride(o)
	return cloneOverride(o), nil
}

func (s *Store) DeactivateOverride(ctx context.Context, id, deactivatedBy uuid.UUID, at time.Time) (rbac.Override, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.overrides[id]
	if !ok {
		return rbac.Override{}, fmt.Errorf("override %s: %w", id, rbac.ErrNotFound)
	}
	if o.DeactivatedAt != nil {
		return rbac.Override{}, fmt.Errorf("override %s already deactivated: %w", id, rbac.ErrConflict)
	}
	if !at.Before(o.ExpiresAt) {
		return rbac.Override{}, fmt.Errorf("override %s already expired: %w", id, rbac.ErrConflict)
	}
	o.DeactivatedAt = &at
	o.DeactivatedBy = &deactivatedBy
	s.overrides[id] = o
	return cloneOverride(o), nil
}

func (s *Store) SetRolePermissions(ctx context.Context, roleID uuid.UUID, names []string) ([]rbac.Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[roleID]
	if !ok {
		return nil, fmt.Errorf("role %s: %w", roleID, rbac.ErrNotFound)
	}
	ids := s.permissionIDsLocked(names)
	s.rolePerms[roleID] = ids
	role.UpdatedAt = time.Now().UTC()
	s.roles[roleID] = role
	out := make([]rbac.Permission, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.permissions[id])
	}
	return out, nil
}

func (s *Store) ExpireStale(ctx context.Context, at time.Time) (rbac.SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res rbac.SweepResult
	for id, a := range s.assignments {
		if a.State == rbac.AssignmentActive && a.ValidUntil != nil && !at.Before(*a.ValidUntil) {
			a.State = rbac.AssignmentRevoked
			revokedAt := at
			a.RevokedAt = &revokedAt
			s.assignments[id] = a
			res.Assignments = append(res.Assignments, s.assignmentLocked(a))
		}
	}
	for id, d := range s.delegations {
		if (d.State == rbac.DelegationPending || d.State == rbac.DelegationActive) && !at.Before(d.ValidUntil) {
			d.State = rbac.DelegationExpired
			decidedAt := at
			d.DecidedAt = &decidedAt
			s.delegations[id] = d
			res.Delegations = append(res.Delegations, cloneDelegation(d))
		}
	}
	for id, o := range s.overrides {
		if o.DeactivatedAt == nil && !at.Before(o.ExpiresAt) && !s.reported[id] {
			s.reported[id] = true
			res.Overrides = append(res.Overrides, cloneOverride(o))
		}
	}
	return res, nil
}

func (s *Store) assignmentLocked(a rbac.Assignment) rbac.Assignment {
	out := cloneAssignment(a)
	if role, ok := s.roles[a.RoleID]; ok {
		out.RoleType = role.Type
	}
	return out
}

func cloneScopes(scopes []rbac.Scope) []rbac.Scope {
	out := slices.Clone(scopes)
	for i := range out {
		out[i].EntityIDs = slices.Clone(out[i].EntityIDs)
	}
	return out
}

func cloneAssignment(a rbac.Assignment) rbac.Assignment {
	a.Scopes = cloneScopes(a.Scopes)
	if a.Schedule != nil {
		sched := *a.Schedule
		sched.Days = slices.Clone(sched.Days)
		a.Schedule = &sched
	}
	return a
}

func cloneDelegation(d rbac.Delegation) rbac.Delegation {
	d.Scopes = cloneScopes(d.Scopes)
	d.Permissions = slices.Clone(d.Permissions)
	return d
}

func cloneOverride(o rbac.Override) rbac.Override {
	o.Permissions = slices.Clone(o.Permissions)
	o.NotifiedUserIDs = slices.Clone(o.NotifiedUserIDs)
	return o
}
