package rbac

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RoleType is the closed set of role kinds known to the engine.
type RoleType string

const (
	RoleAdmin             RoleType = "admin"
	RoleAdult             RoleType = "adult"
	RoleTeen              RoleType = "teen"
	RoleChild             RoleType = "child"
	RoleSenior            RoleType = "senior"
	RoleEmergencyContact  RoleType = "emergency_contact"
	RoleFamilyCoordinator RoleType = "family_coordinator"
	RoleSystemAdmin       RoleType = "system_admin"
)

type roleTypeInfo struct {
	permissions      []string
	delegationReview bool
}

var roleTypes = map[RoleType]roleTypeInfo{
	RoleSystemAdmin: {permissions: []string{"*"}, delegationReview: true},
	RoleAdmin: {
		permissions:      []string{"admin.*", "family.*", "calendar.*", "task.*", "document.*", "read", "write", "delete"},
		delegationReview: true,
	},
	RoleFamilyCoordinator: {
		permissions: []string{
			"admin.delegations.approve", "family.read", "family.write",
			"calendar.*", "task.*", "document.read", "document.write", "read", "write",
		},
		delegationReview: true,
	},
	RoleAdult:            {permissions: []string{"read", "write", "delete", "calendar.*", "task.*", "document.read", "document.write"}},
	RoleSenior:           {permissions: []string{"read", "write", "calendar.read", "task.read", "document.read"}},
	RoleTeen:             {permissions: []string{"read", "calendar.read", "calendar.write", "task.read", "task.write"}},
	RoleChild:            {permissions: []string{"read", "calendar.read", "task.read"}},
	RoleEmergencyContact: {permissions: []string{"read", "emergency.read", "document.read"}},
}

// RoleTypes lists every role type in a stable order.
func RoleTypes() []RoleType {
	return []RoleType{
		RoleSystemAdmin, RoleAdmin, RoleFamilyCoordinator, RoleAdult,
		RoleSenior, RoleTeen, RoleChild, RoleEmergencyContact,
	}
}

// ParseRoleType validates a raw role type.
func ParseRoleType(raw string) (RoleType, error) {
	t := RoleType(strings.ToLower(strings.TrimSpace(raw)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown role type %q", ErrValidation, raw)
	}
	return t, nil
}

// Valid reports whether t is one of the known role types.
func (t RoleType) Valid() bool {
	_, ok := roleTypes[t]
	return ok
}

// DefaultPermissions returns the permission set a freshly seeded role of this type carries.
func (t RoleType) DefaultPermissions() []string {
	info, ok := roleTypes[t]
	if !ok {
		return nil
	}
	out := make([]string, len(info.permissions))
	copy(out, info.permissions)
	return out
}

// DelegationNeedsApproval reports whether delegating this role type always requires review.
func (t RoleType) DelegationNeedsApproval() bool {
	return roleTypes[t].delegationReview
}

// RoleState toggles whether a role may grant anything.
type RoleState string

const (
	RoleStateActive   RoleState = "active"
	RoleStateInactive RoleState = "inactive"
)

// Role is a named permission bundle.
type Role struct {
	ID        uuid.UUID
	Type      RoleType
	Name      string
	State     RoleState
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Permission is an atomic capability attached to roles.
type Permission struct {
	ID          uuid.UUID
	Name        string
	Description string
}

// PermissionNames flattens permissions to their names.
func PermissionNames(perms []Permission) []string {
	names := make([]string, 0, len(perms))
	for _, p := range perms {
		names = append(names, p.Name)
	}
	return names
}

// AssignmentState is the lifecycle of a role assignment. Assignments are never deleted.
type AssignmentState string

const (
	AssignmentActive  AssignmentState = "active"
	AssignmentRevoked AssignmentState = "revoked"
)

// Assignment links a user to a role within a set of scopes.
type Assignment struct {
	ID         uuid.UUID       `json:"id"`
	UserID     uuid.UUID       `json:"userId"`
	RoleID     uuid.UUID       `json:"roleId"`
	RoleType   RoleType        `json:"roleType,omitempty"`
	GrantedBy  uuid.UUID       `json:"grantedBy"`
	Reason     string          `json:"reason,omitempty"`
	ValidFrom  time.Time       `json:"validFrom"`
	ValidUntil *time.Time      `json:"validUntil,omitempty"`
	State      AssignmentState `json:"state"`
	Schedule   *Schedule       `json:"schedule,omitempty"`
	Scopes     []Scope         `json:"scopes"`
	RevokedBy  *uuid.UUID      `json:"revokedBy,omitempty"`
	RevokedAt  *time.Time      `json:"revokedAt,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// InWindow reports whether t falls inside [ValidFrom, ValidUntil) while the assignment is active,
// ignoring any recurring schedule.
func (a Assignment) InWindow(t time.Time) bool {
	if a.State != AssignmentActive {
		return false
	}
	if t.Before(a.ValidFrom) {
		return false
	}
	return a.ValidUntil == nil || t.Before(*a.ValidUntil)
}

// ActiveAt reports whether the assignment grants access at t.
func (a Assignment) ActiveAt(t time.Time) bool {
	if !a.InWindow(t) {
		return false
	}
	return a.Schedule == nil || a.Schedule.Contains(t)
}

// GrantEnd returns the earliest instant after t at which this assignment stops granting.
func (a Assignment) GrantEnd(t time.Time) (time.Time, bool) {
	var end time.Time
	found := false
	if a.ValidUntil != nil {
		end, found = *a.ValidUntil, true
	}
	if a.Schedule != nil {
		if windowEnd, ok := a.Schedule.WindowEnd(t); ok && (!found || windowEnd.Before(end)) {
			end, found = windowEnd, true
		}
	}
	return end, found
}

// Validate checks the structured fields before they reach the store.
func (a Assignment) Validate() error {
	if a.UserID == uuid.Nil || a.RoleID == uuid.Nil || a.GrantedBy == uuid.Nil {
		return fmt.Errorf("%w: assignment requires user, role and granter", ErrValidation)
	}
	if a.ValidUntil != nil && !a.ValidUntil.After(a.ValidFrom) {
		return fmt.Errorf("%w: valid_until must be after valid_from", ErrValidation)
	}
	if err := ValidateScopes(a.Scopes); err != nil {
		return err
	}
	if a.Schedule != nil {
		if err := a.Schedule.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// DelegationState is the lifecycle of a delegation.
type DelegationState string

const (
	DelegationPending  DelegationState = "pending"
	DelegationActive   DelegationState = "active"
	DelegationRejected DelegationState = "rejected"
	DelegationRevoked  DelegationState = "revoked"
	DelegationExpired  DelegationState = "expired"
)

// Terminal reports whether no further transition is possible.
func (s DelegationState) Terminal() bool {
	return s == DelegationRejected || s == DelegationRevoked || s == DelegationExpired
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s DelegationState) CanTransitionTo(next DelegationState) bool {
	switch next {
	case DelegationActive, DelegationRejected:
		return s == DelegationPending
	case DelegationRevoked, DelegationExpired:
		return s == DelegationPending || s == DelegationActive
	default:
		return false
	}
}

// Delegation is a time-boxed transfer of a role from one user to another.
type Delegation struct {
	ID               uuid.UUID       `json:"id"`
	FromUserID       uuid.UUID       `json:"fromUserId"`
	ToUserID         uuid.UUID       `json:"toUserId"`
	RoleID           uuid.UUID       `json:"roleId"`
	ValidFrom        time.Time       `json:"validFrom"`
	ValidUntil       time.Time       `json:"validUntil"`
	Reason           string          `json:"reason,omitempty"`
	Scopes           []Scope         `json:"scopes"`
	Permissions      []string        `json:"permissions,omitempty"`
	State            DelegationState `json:"state"`
	RequiresApproval bool            `json:"requiresApproval"`
	DecidedBy        *uuid.UUID      `json:"decidedBy,omitempty"`
	DecidedAt        *time.Time      `json:"decidedAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// ActiveAt reports whether the delegation can be exercised at t.
func (d Delegation) ActiveAt(t time.Time) bool {
	return d.State == DelegationActive && !t.Before(d.ValidFrom) && t.Before(d.ValidUntil)
}

// Validate checks the structured fields before they reach the store.
func (d Delegation) Validate() error {
	if d.FromUserID == uuid.Nil || d.ToUserID == uuid.Nil || d.RoleID == uuid.Nil {
		return fmt.Errorf("%w: delegation requires delegator, delegatee and role", ErrValidation)
	}
	if d.FromUserID == d.ToUserID {
		return fmt.Errorf("%w: cannot delegate to self", ErrValidation)
	}
	if !d.ValidUntil.After(d.ValidFrom) {
		return fmt.Errorf("%w: valid_until must be after valid_from", ErrValidation)
	}
	return ValidateScopes(d.Scopes)
}

// OverrideReason enumerates why an emergency override was triggered.
type OverrideReason string

const (
	ReasonNoResponse24h    OverrideReason = "no_response_24h"
	ReasonPanicButton      OverrideReason = "panic_button"
	ReasonAdminOverride    OverrideReason = "admin_override"
	ReasonMedicalEmergency OverrideReason = "medical_emergency"
)

// Valid reports whether r is a known override reason.
func (r OverrideReason) Valid() bool {
	switch r {
	case ReasonNoResponse24h, ReasonPanicButton, ReasonAdminOverride, ReasonMedicalEmergency:
		return true
	}
	return false
}

// MaxOverrideMinutes caps the duration of a single emergency override.
const MaxOverrideMinutes = 1440

// Override is a short-lived grant that bypasses role and scope checks.
type Override struct {
	ID              uuid.UUID      `json:"id"`
	TriggeredBy     uuid.UUID      `json:"triggeredBy"`
	AffectedUserID  uuid.UUID      `json:"affectedUserId"`
	Reason          OverrideReason `json:"reason"`
	DurationMinutes int            `json:"durationMinutes"`
	Permissions     []string       `json:"permissions"`
	NotifiedUserIDs []uuid.UUID    `json:"notifiedUserIds"`
	Justification   string         `json:"justification,omitempty"`
	ActivatedAt     time.Time      `json:"activatedAt"`
	ExpiresAt       time.Time      `json:"expiresAt"`
	DeactivatedAt   *time.Time     `json:"deactivatedAt,omitempty"`
	DeactivatedBy   *uuid.UUID     `json:"deactivatedBy,omitempty"`
}

// ActiveAt reports whether the override is in force at t.
func (o Override) ActiveAt(t time.Time) bool {
	if o.DeactivatedAt != nil {
		return false
	}
	return !t.Before(o.ActivatedAt) && t.Before(o.ExpiresAt)
}

// Validate checks the structured fields before they reach the store.
func (o Override) Validate() error {
	if o.TriggeredBy == uuid.Nil || o.AffectedUserID == uuid.Nil {
		return fmt.Errorf("%w: override requires trigger and affected user", ErrValidation)
	}
	if !o.Reason.Valid() {
		return fmt.Errorf("%w: unknown override reason %q", ErrValidation, o.Reason)
	}
	if o.DurationMinutes < 1 || o.DurationMinutes > MaxOverrideMinutes {
		return fmt.Errorf("%w: duration must be between 1 and %d minutes", ErrValidation, MaxOverrideMinutes)
	}
	if len(o.Permissions) == 0 {
		return fmt.Errorf("%w: override must grant at least one permission", ErrValidation)
	}
	if !o.ExpiresAt.Equal(o.ActivatedAt.Add(time.Duration(o.DurationMinutes) * time.Minute)) {
		return fmt.Errorf("%w: expires_at must equal activated_at plus duration", ErrValidation)
	}
	return nil
}

// Resource types the engine understands natively. Other types are accepted and
// resolved to families through the store's membership lookup.
const (
	ResourceFamily = "family"
	ResourceUser   = "user"
	ResourceRole   = "role"
)
