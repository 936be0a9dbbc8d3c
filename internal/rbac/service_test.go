package rbac_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/familyhub/familyhub/internal/audit"
	"github.com/familyhub/familyhub/internal/rbac"
)

type recordingNotifier struct {
	mu  sync.Mutex
	got []rbac.Override
	err error
}

func (n *recordingNotifier) NotifyOverride(_ context.Context, o rbac.Override) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, o)
	return n.err
}

func TestAssignRoleRecordsAuditAndInvalidates(t *testing.T) {
	f := newFixture(t)
	u := uuid.New()
	resource := uuid.New()
	require.False(t, f.authorize(u, "read", resource, rbac.ResourceUser).Allowed)

	a, err := f.svc.AssignRole(context.Background(), rbac.AssignRoleInput{
		ActorID: f.adminID,
		UserID:  u,
		RoleID:  f.adultRole.ID,
		Reason:  "new household member",
		Scopes:  []rbac.Scope{rbac.GlobalScope()},
	})
	require.NoError(t, err)
	assert.Equal(t, rbac.AssignmentActive, a.State)
	assert.Equal(t, rbac.RoleAdult, a.RoleType)

	assert.True(t, f.authorize(u, "read", resource, rbac.ResourceUser).Allowed)

	entries := f.sink.ByEventType("role.assigned")
	require.Len(t, entries, 1)
	assert.Equal(t, audit.CategoryAdministration, entries[0].Category)
	assert.True(t, entries[0].Success)
	require.NotNil(t, entries[0].SubjectID)
	assert.Equal(t, u, *entries[0].SubjectID)
}

func TestAssignRoleRejections(t *testing.T) {
	f := newFixture(t)
	child := f.member()
	f.grant(child, f.childRole.ID, rbac.FamilyScope(f.familyID))
	inactive := f.store.AddRole(rbac.RoleTeen, "retired teen role")
	f.store.SetRoleState(inactive.ID, rbac.RoleStateInactive)

	cases := []struct {
		name string
		in   rbac.AssignRoleInput
		want error
	}{
		{
			name: "actor lacks permission",
			in:   rbac.AssignRoleInput{ActorID: child, UserID: uuid.New(), RoleID: f.adultRole.ID, Scopes: []rbac.Scope{rbac.GlobalScope()}},
			want: rbac.ErrForbidden,
		},
		{
			name: "no scopes",
			in:   rbac.AssignRoleInput{ActorID: f.adminID, UserID: uuid.New(), RoleID: f.adultRole.ID},
			want: rbac.ErrValidation,
		},
		{
			name: "malformed scope",
			in:   rbac.AssignRoleInput{ActorID: f.adminID, UserID: uuid.New(), RoleID: f.adultRole.ID, Scopes: []rbac.Scope{{Type: rbac.ScopeFamily}}},
			want: rbac.ErrValidation,
		},
		{
			name: "unknown role",
			in:   rbac.AssignRoleInput{ActorID: f.adminID, UserID: uuid.New(), RoleID: uuid.New(), Scopes: []rbac.Scope{rbac.GlobalScope()}},
			want: rbac.ErrNotFound,
		},
		{
			name: "inactive role",
			in:   rbac.AssignRoleInput{ActorID: f.adminID, UserID: uuid.New(), RoleID: inactive.ID, Scopes: []rbac.Scope{rbac.GlobalScope()}},
			want: rbac.ErrConflict,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.AssignRole(context.Background(), tc.in)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Empty(t, f.sink.ByEventType("role.assigned"))
}

func TestRevokeRoleTwiceConflicts(t *testing.T) {
	f := newFixture(t)
	a := f.grant(uuid.New(), f.adultRole.ID, rbac.GlobalScope())

	revoked, err := f.svc.RevokeRole(context.Background(), f.adminID, a.ID, "done")
	require.NoError(t, err)
	assert.Equal(t, rbac.AssignmentRevoked, revoked.State)

	_, err = f.svc.RevokeRole(context.Background(), f.adminID, a.ID, "again")
	assert.ErrorIs(t, err, rbac.ErrConflict)
	assert.Len(t, f.sink.ByEventType("role.revoked"), 1)

	_, err = f.svc.RevokeRole(context.Background(), f.adminID, uuid.New(), "")
	assert.ErrorIs(t, err, rbac.ErrNotFound)
}

func TestWriteSurvivesAuditFailure(t *testing.T) {
	f := newFixture(t)
	u := uuid.New()
	resource := uuid.New()
	require.False(t, f.authorize(u, "read", resource, rbac.ResourceUser).Allowed)
	f.sink.FailWith(errors.New("audit store offline"))

	a, err := f.svc.AssignRole(context.Background(), rbac.AssignRoleInput{
		ActorID: f.adminID, UserID: u, RoleID: f.adultRole.ID, Scopes: []rbac.Scope{rbac.GlobalScope()},
	})
	require.ErrorIs(t, err, rbac.ErrAuditUnavailable)
	require.NotEqual(t, uuid.Nil, a.ID)

	stored, err := f.store.GetAssignment(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, rbac.AssignmentActive, stored.State)
	assert.True(t, f.authorize(u, "read", resource, rbac.ResourceUser).Allowed)
}

func TestServiceWithoutAuditorRefusesSilentWrites(t *testing.T) {
	f := newFixture(t)
	svc := rbac.NewService(f.store, f.resolver, nil, nil, rbac.WithServiceClock(f.clock.Now))

	_, err := svc.AssignRole(context.Background(), rbac.AssignRoleInput{
		ActorID: f.adminID, UserID: uuid.New(), RoleID: f.adultRole.ID, Scopes: []rbac.Scope{rbac.GlobalScope()},
	})
	assert.ErrorIs(t, err, rbac.ErrAuditUnavailable)
}

func TestCreateDelegationStates(t *testing.T) {
	f := newFixture(t)
	adult, coordinator, delegatee := f.member(), f.member(), f.member()
	f.grant(adult, f.adultRole.ID, rbac.FamilyScope(f.familyID))
	f.grant(coordinator, f.coordRole.ID, rbac.FamilyScope(f.familyID))
	until := f.clock.Now().Add(48 * time.Hour)

	direct, err := f.svc.CreateDelegation(context.Background(), rbac.CreateDelegationInput{
		ActorID: adult, ToUserID: delegatee, RoleID: f.adultRole.ID,
		ValidUntil: until, Scopes: []rbac.Scope{rbac.FamilyScope(f.familyID)},
		Permissions: []string{"calendar.read", "Task.Write"},
	})
	require.NoError(t, err)
	assert.Equal(t, rbac.DelegationActive, direct.State)
	assert.False(t, direct.RequiresApproval)
	assert.Equal(t, []string{"calendar.read", "task.write"}, direct.Permissions)

	reviewed, err := f.svc.CreateDelegation(context.Background(), rbac.CreateDelegationInput{
		ActorID: coordinator, ToUserID: delegatee, RoleID: f.coordRole.ID,
		ValidUntil: until, Scopes: []rbac.Scope{rbac.FamilyScope(f.familyID)},
	})
	require.NoError(t, err)
	assert.Equal(t, rbac.DelegationPending, reviewed.State)
	assert.True(t, reviewed.RequiresApproval)

	requested, err := f.svc.CreateDelegation(context.Background(), rbac.CreateDelegationInput{
		ActorID: adult, ToUserID: delegatee, RoleID: f.adultRole.ID, RequireApproval: true,
		ValidUntil: until, Scopes: []rbac.Scope{rbac.IndividualScope(delegatee)},
	})
	require.NoError(t, err)
	assert.Equal(t, rbac.DelegationPending, requested.State)
	assert.Len(t, f.sink.ByEventType("delegation.created"), 3)
}

func TestCreateDelegationRejections(t *testing.T) {
	f := newFixture(t)
	adult, delegatee := f.member(), f.member()
	f.grant(adult, f.adultRole.ID, rbac.FamilyScope(f.familyID))
	until := f.clock.Now().Add(time.Hour)
	base := rbac.CreateDelegationInput{
		ActorID: adult, ToUserID: delegatee, RoleID: f.adultRole.ID,
		ValidUntil: until, Scopes: []rbac.Scope{rbac.FamilyScope(f.familyID)},
	}

	cases := []struct {
		name   string
		mutate func(*rbac.CreateDelegationInput)
		want   error
	}{
		{"self delegation", func(in *rbac.CreateDelegationInput) { in.ToUserID = adult }, rbac.ErrValidation},
		{"scope broader than own", func(in *rbac.CreateDelegationInput) { in.Scopes = []rbac.Scope{rbac.GlobalScope()} }, rbac.ErrForbidden},
		{"other family", func(in *rbac.CreateDelegationInput) { in.Scopes = []rbac.Scope{rbac.FamilyScope(uuid.New())} }, rbac.ErrForbidden},
		{"role not held", func(in *rbac.CreateDelegationInput) { in.RoleID = f.coordRole.ID }, rbac.ErrForbidden},
		{"permission outside role", func(in *rbac.CreateDelegationInput) { in.Permissions = []string{"admin.roles.assign"} }, rbac.ErrValidation},
		{"already ended", func(in *rbac.CreateDelegationInput) {
			from := f.clock.Now().Add(-2 * time.Hour)
			in.ValidFrom = &from
			in.ValidUntil = f.clock.Now().Add(-time.Hour)
		}, rbac.ErrValidation},
		{"no scopes", func(in *rbac.CreateDelegationInput) { in.Scopes = nil }, rbac.ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := base
			tc.mutate(&in)
			_, err := f.svc.CreateDelegation(context.Background(), in)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestDelegationApprovalFlow(t *testing.T) {
	f := newFixture(t)
	delegator, delegatee, approver, target := f.member(), f.member(), f.member(), f.member()
	f.grant(delegator, f.coordRole.ID, rbac.FamilyScope(f.familyID))
	f.grant(approver, f.coordRole.ID, rbac.FamilyScope(f.familyID))

	pending, err := f.svc.CreateDelegation(context.Background(), rbac.CreateDelegationInput{
		ActorID: delegator, ToUserID: delegatee, RoleID: f.coordRole.ID,
		ValidUntil: f.clock.Now().Add(24 * time.Hour), Scopes: []rbac.Scope{rbac.FamilyScope(f.familyID)},
	})
	require.NoError(t, err)
	require.Equal(t, rbac.DelegationPending, pending.State)
	assert.False(t, f.authorize(delegatee, "family.write", target, rbac.ResourceUser).Allowed)

	_, err = f.svc.ApproveDelegation(context.Background(), delegator, pending.ID)
	assert.ErrorIs(t, err, rbac.ErrForbidden)

	_, err = f.svc.ApproveDelegation(context.Background(), delegatee, pending.ID)
	assert.ErrorIs(t, err, rbac.ErrForbidden)

	approved, err := f.svc.ApproveDelegation(context.Background(), approver, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, rbac.DelegationActive, approved.State)
	require.NotNil(t, approved.DecidedBy)
	assert.Equal(t, approver, *approved.DecidedBy)
	assert.True(t, f.authorize(delegatee, "family.write", target, rbac.ResourceUser).Allowed)

	_, err = f.svc.ApproveDelegation(context.Background(), approver, pending.ID)
	assert.ErrorIs(t, err, rbac.ErrConflict)
	_, err = f.svc.RejectDelegation(context.Background(), approver, pending.ID)
	assert.ErrorIs(t, err, rbac.ErrConflict)

	revoked, err := f.svc.RevokeDelegation(context.Background(), delegatee, pending.ID, "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, rbac.DelegationRevoked, revoked.State)
	assert.False(t, f.authorize(delegatee, "family.write", target, rbac.ResourceUser).Allowed)

	_, err = f.svc.RevokeDelegation(context.Background(), delegator, pending.ID, "")
	assert.ErrorIs(t, err, rbac.ErrConflict)
}

func TestRejectDelegation(t *testing.T) {
	f := newFixture(t)
	delegator, delegatee := f.member(), f.member()
	f.grant(delegator, f.coordRole.ID, rbac.FamilyScope(f.familyID))
	pending, err := f.svc.CreateDelegation(context.Background(), rbac.CreateDelegationInput{
		ActorID: delegator, ToUserID: delegatee, RoleID: f.coordRole.ID,
		ValidUntil: f.clock.Now().Add(time.Hour), Scopes: []rbac.Scope{rbac.FamilyScope(f.familyID)},
	})
	require.NoError(t, err)

	rejected, err := f.svc.RejectDelegation(context.Background(), f.adminID, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, rbac.DelegationRejected, rejected.State)
	assert.Len(t, f.sink.ByEventType("delegation.rejected"), 1)

	_, err = f.svc.RevokeDelegation(context.Background(), f.adminID, pending.ID, "")
	assert.ErrorIs(t, err, rbac.ErrConflict)
}

func TestRevokeDelegationByStrangerIsForbidden(t *testing.T) {
	f := newFixture(t)
	delegator, delegatee := f.member(), f.member()
	f.grant(delegator, f.adultRole.ID, rbac.FamilyScope(f.familyID))
	d := f.delegate(delegator, delegatee, f.adultRole.ID, nil, rbac.FamilyScope(f.familyID))

	_, err := f.svc.RevokeDelegation(context.Background(), uuid.New(), d.ID, "")
	assert.ErrorIs(t, err, rbac.ErrForbidden)
}

func TestOverrideEligibility(t *testing.T) {
	f := newFixture(t)
	affected := f.member()
	contact, coordinator, adult := f.member(), f.member(), f.member()
	f.grant(contact, f.contactRole.ID, rbac.FamilyScope(f.familyID))
	f.grant(coordinator, f.coordRole.ID, rbac.FamilyScope(f.familyID))
	f.grant(adult, f.adultRole.ID, rbac.FamilyScope(f.familyID))

	cases := []struct {
		name   string
		actor  uuid.UUID
		reason rbac.OverrideReason
		want   error
	}{
		{"panic button by affected user", affected, rbac.ReasonPanicButton, nil},
		{"panic button by someone else", adult, rbac.ReasonPanicButton, rbac.ErrForbidden},
		{"medical emergency by emergency contact", contact, rbac.ReasonMedicalEmergency, nil},
		{"medical emergency by adult", adult, rbac.ReasonMedicalEmergency, rbac.ErrForbidden},
		{"no response by coordinator", coordinator, rbac.ReasonNoResponse24h, nil},
		{"no response by adult", adult, rbac.ReasonNoResponse24h, rbac.ErrForbidden},
		{"admin override by coordinator", coordinator, rbac.ReasonAdminOverride, rbac.ErrForbidden},
		{"admin override by admin", f.adminID, rbac.ReasonAdminOverride, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o, err := f.svc.ActivateOverride(context.Background(), rbac.ActivateOverrideInput{
				ActorID: tc.actor, AffectedUserID: affected, Reason: tc.reason,
				DurationMinutes: 15, Permissions: []string{"emergency.read"},
			})
			if tc.want != nil {
				assert.ErrorIs(t, err, tc.want)
				return
			}
			require.NoError(t, err)
			_, err = f.svc.DeactivateOverride(context.Background(), tc.actor, o.ID)
			require.NoError(t, err)
		})
	}
}

func TestOverrideAtMostOneActive(t *testing.T) {
	f := newFixture(t)
	notifier := &recordingNotifier{}
	svc := rbac.NewService(f.store, f.resolver, nil, f.emitter,
		rbac.WithServiceClock(f.clock.Now), rbac.WithNotifier(notifier))
	affected := uuid.New()
	in := rbac.ActivateOverrideInput{
		ActorID: f.adminID, AffectedUserID: affected, Reason: rbac.ReasonAdminOverride,
		DurationMinutes: 30, Permissions: []string{"read"},
	}

	first, err := svc.ActivateOverride(context.Background(), in)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{f.adminID, affected}, first.NotifiedUserIDs)
	assert.Equal(t, first.ActivatedAt.Add(30*time.Minute), first.ExpiresAt)

	_, err = svc.ActivateOverride(context.Background(), in)
	assert.ErrorIs(t, err, rbac.ErrConflict)

	f.clock.Advance(31 * time.Minute)
	_, err = svc.ActivateOverride(context.Background(), in)
	require.NoError(t, err)

	require.Len(t, notifier.got, 2)
	assert.Equal(t, first.ID, notifier.got[0].ID)
	critical := f.sink.ByEventType("override.activated")
	require.Len(t, critical, 2)
	assert.Equal(t, audit.SeverityCritical, critical[0].Severity)
}

func TestOverrideNotifierFailureDoesNotFailActivation(t *testing.T) {
	f := newFixture(t)
	notifier := &recordingNotifier{err: errors.New("queue unavailable")}
	svc := rbac.NewService(f.store, f.resolver, nil, f.emitter,
		rbac.WithServiceClock(f.clock.Now), rbac.WithNotifier(notifier))

	_, err := svc.ActivateOverride(context.Background(), rbac.ActivateOverrideInput{
		ActorID: f.adminID, AffectedUserID: uuid.New(), Reason: rbac.ReasonAdminOverride,
		DurationMinutes: 5, Permissions: []string{"read"}, NotifiedUserIDs: []uuid.UUID{f.adminID, f.adminID},
	})
	require.NoError(t, err)
	require.Len(t, notifier.got, 1)
	assert.Equal(t, []uuid.UUID{f.adminID}, notifier.got[0].NotifiedUserIDs)
}

func TestActivateOverrideValidation(t *testing.T) {
	f := newFixture(t)
	base := rbac.ActivateOverrideInput{
		ActorID: f.adminID, AffectedUserID: uuid.New(), Reason: rbac.ReasonAdminOverride,
		DurationMinutes: 5, Permissions: []string{"read"},
	}
	for name, mutate := range map[string]func(*rbac.ActivateOverrideInput){
		"unknown reason": func(in *rbac.ActivateOverrideInput) { in.Reason = "boredom" },
		"zero duration":  func(in *rbac.ActivateOverrideInput) { in.DurationMinutes = 0 },
		"too long":       func(in *rbac.ActivateOverrideInput) { in.DurationMinutes = rbac.MaxOverrideMinutes + 1 },
		"no permissions": func(in *rbac.ActivateOverrideInput) { in.Permissions = nil },
	} {
		t.Run(name, func(t *testing.T) {
			in := base
			mutate(&in)
			_, err := f.svc.ActivateOverride(context.Background(), in)
			assert.ErrorIs(t, err, rbac.ErrValidation)
		})
	}
}

func TestDeactivateOverrideRules(t *testing.T) {
	f := newFixture(t)
	affected := uuid.New()
	o, err := f.svc.ActivateOverride(context.Background(), rbac.ActivateOverrideInput{
		ActorID: f.adminID, AffectedUserID: affected, Reason: rbac.ReasonAdminOverride,
		DurationMinutes: 10, Permissions: []string{"read"},
	})
	require.NoError(t, err)

	_, err = f.svc.DeactivateOverride(context.Background(), uuid.New(), o.ID)
	assert.ErrorIs(t, err, rbac.ErrForbidden)

	_, err = f.svc.DeactivateOverride(context.Background(), affected, o.ID)
	require.NoError(t, err)

	_, err = f.svc.DeactivateOverride(context.Background(), affected, o.ID)
	assert.ErrorIs(t, err, rbac.ErrConflict)
}

func TestUpdateRolePermissionsClearsEveryDecision(t *testing.T) {
	f := newFixture(t)
	u := uuid.New()
	resource := uuid.New()
	f.grant(u, f.adultRole.ID, rbac.GlobalScope())
	require.True(t, f.authorize(u, "calendar.write", resource, rbac.ResourceUser).Allowed)
	clears := f.tier.Metrics().Clears

	perms, err := f.svc.UpdateRolePermissions(context.Background(), f.adminID, f.adultRole.ID, []string{"read", " Calendar.Read "})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"read", "calendar.read"}, rbac.PermissionNames(perms))
	assert.Equal(t, clears+1, f.tier.Metrics().Clears)

	assert.False(t, f.authorize(u, "calendar.write", resource, rbac.ResourceUser).Allowed)
	assert.True(t, f.authorize(u, "calendar.read", resource, rbac.ResourceUser).Allowed)

	_, err = f.svc.UpdateRolePermissions(context.Background(), f.adminID, f.adultRole.ID, []string{"not valid!"})
	assert.ErrorIs(t, err, rbac.ErrValidation)
	_, err = f.svc.UpdateRolePermissions(context.Background(), u, f.adultRole.ID, []string{"*"})
	assert.ErrorIs(t, err, rbac.ErrForbidden)
	_, err = f.svc.UpdateRolePermissions(context.Background(), f.adminID, uuid.New(), []string{"read"})
	assert.ErrorIs(t, err, rbac.ErrNotFound)
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t)
	u, delegatee := f.member(), f.member()
	until := f.clock.Now().Add(time.Minute)
	f.grantWith(rbac.Assignment{UserID: u, RoleID: f.adultRole.ID, Scopes: []rbac.Scope{rbac.FamilyScope(f.familyID)}, ValidUntil: &until})
	f.grant(u, f.childRole.ID, rbac.FamilyScope(f.familyID))
	_, err := f.svc.CreateDelegation(context.Background(), rbac.CreateDelegationInput{
		ActorID: u, ToUserID: delegatee, RoleID: f.childRole.ID,
		ValidUntil: f.clock.Now().Add(30 * time.Minute), Scopes: []rbac.Scope{rbac.FamilyScope(f.familyID)},
	})
	require.NoError(t, err)
	_, err = f.svc.ActivateOverride(context.Background(), rbac.ActivateOverrideInput{
		ActorID: f.adminID, AffectedUserID: u, Reason: rbac.ReasonAdminOverride,
		DurationMinutes: 10, Permissions: []string{"read"},
	})
	require.NoError(t, err)

	res, err := f.svc.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Empty())

	f.clock.Advance(time.Hour)
	res, err = f.svc.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Assignments, 1)
	assert.Len(t, res.Delegations, 1)
	assert.Len(t, res.Overrides, 1)
	assert.Equal(t, rbac.DelegationExpired, res.Delegations[0].State)

	res, err = f.svc.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Empty())

	f.flushAudit()
	assert.Len(t, f.sink.ByEventType("grants.expired"), 1)
}

func TestWarmupPrecomputesHeldPermissions(t *testing.T) {
	f := newFixture(t)
	u := f.member()
	f.grant(u, f.adultRole.ID, rbac.FamilyScope(f.familyID))

	res, err := f.svc.Warmup(context.Background(), []uuid.UUID{u, u})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Users)
	assert.Equal(t, 5, res.Decisions)
	assert.Zero(t, res.Failed)

	calls := f.store.Calls("ActiveOverrideFor")
	assert.True(t, f.authorize(u, "document.write", f.familyID, rbac.ResourceFamily).Allowed)
	assert.Equal(t, calls, f.store.Calls("ActiveOverrideFor"))
}

func TestInvalidateCacheForMembershipChange(t *testing.T) {
	f := newFixture(t)
	u, target := f.member(), f.member()
	f.grant(u, f.adultRole.ID, rbac.FamilyScope(f.familyID))
	require.True(t, f.authorize(u, "read", target, rbac.ResourceUser).Allowed)

	f.store.RemoveFamilyMember(f.familyID, target)
	require.True(t, f.authorize(u, "read", target, rbac.ResourceUser).Allowed)

	familyID := f.familyID
	err := f.svc.InvalidateCache(context.Background(), f.adminID, rbac.Event{Type: rbac.EventFamilyMembershipChanged, FamilyID: &familyID})
	require.NoError(t, err)
	assert.False(t, f.authorize(u, "read", target, rbac.ResourceUser).Allowed)

	err = f.svc.InvalidateCache(context.Background(), f.adminID, rbac.Event{Type: "SOMETHING_ELSE"})
	assert.ErrorIs(t, err, rbac.ErrValidation)
	err = f.svc.InvalidateCache(context.Background(), u, rbac.Event{Type: rbac.EventRoleAssigned, UserIDs: []uuid.UUID{u}})
	assert.ErrorIs(t, err, rbac.ErrForbidden)
}

func TestClearCache(t *testing.T) {
	f := newFixture(t)
	before := f.tier.Metrics().Clears

	require.NoError(t, f.svc.ClearCache(context.Background(), f.adminID))
	assert.Equal(t, before+1, f.tier.Metrics().Clears)

	assert.ErrorIs(t, f.svc.ClearCache(context.Background(), uuid.New()), rbac.ErrForbidden)
}
