package rbac

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Reader is the query surface the resolver evaluates against. Every Active* method
// returns only records that grant at the given instant: state, validity window,
// recurring schedule and role state are filtered by the implementation.
type Reader interface {
	MembershipLookup

	ActiveAssignmentsFor(ctx context.Context, userID uuid.UUID, at time.Time) ([]Assignment, error)
	ActiveDelegationsTo(ctx context.Context, userID uuid.UUID, at time.Time) ([]Delegation, error)
	// ActiveOverrideFor returns nil when the user has no override in force.
	ActiveOverrideFor(ctx context.Context, userID uuid.UUID, at time.Time) (*Override, error)
	PermissionsOf(ctx context.Context, roleID uuid.UUID) ([]Permission, error)
	// NextChange reports the earliest instant after at where a currently inactive
	// grant for the user becomes active: a future valid_from, delegation start or
	// schedule opening.
	NextChange(ctx context.Context, userID uuid.UUID, at time.Time) (time.Time, bool, error)

	GetRole(ctx context.Context, id uuid.UUID) (Role, error)
	GetAssignment(ctx context.Context, id uuid.UUID) (Assignment, error)
	GetDelegation(ctx context.Context, id uuid.UUID) (Delegation, error)
	GetOverride(ctx context.Context, id uuid.UUID) (Override, error)
}

// Store adds the state-changing operations. Writes against a record already in a
// terminal state fail with ErrConflict and leave it untouched.
type Store interface {
	Reader

	CreateAssignment(ctx context.Context, a Assignment) (Assignment, error)
	RevokeAssignment(ctx context.Context, id, revokedBy uuid.UUID, at time.Time) (Assignment, error)
	CreateDelegation(ctx context.Context, d Delegation) (Delegation, error)
	SetDelegationState(ctx context.Context, id uuid.UUID, next DelegationState, decidedBy uuid.UUID, at time.Time) (Delegation, error)
	// ActivateOverride fails with ErrConflict while another override is active for the affected user.
	ActivateOverride(ctx context.Context, o Override) (Override, error)
	DeactivateOverride(ctx context.Context, id, deactivatedBy uuid.UUID, at time.Time) (Override, error)
	SetRolePermissions(ctx context.Context, roleID uuid.UUID, names []string) ([]Permission, error)
	// ExpireStale moves lapsed assignments and delegations to their terminal state
	// and reports overrides that lapsed since the previous sweep.
	ExpireStale(ctx context.Context, at time.Time) (SweepResult, error)
}

// SweepResult lists what an expiry sweep changed.
type SweepResult struct {
	Assignments []Assignment
	Delegations []Delegation
	Overrides   []Override
}

// Empty reports whether the sweep changed nothing.
func (r SweepResult) Empty() bool {
	return len(r.Assignments) == 0 && len(r.Delegations) == 0 && len(r.Overrides) == 0
}
