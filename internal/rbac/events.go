package rbac

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType names a mutation that can change cached decisions.
type EventType string

const (
	EventRoleAssigned            EventType = "ROLE_ASSIGNED"
	EventRoleRevoked             EventType = "ROLE_REVOKED"
	EventDelegationCreated       EventType = "DELEGATION_CREATED"
	EventDelegationApproved      EventType = "DELEGATION_APPROVED"
	EventDelegationRejected      EventType = "DELEGATION_REJECTED"
	EventDelegationRevoked       EventType = "DELEGATION_REVOKED"
	EventDelegationExpired       EventType = "DELEGATION_EXPIRED"
	EventPermissionSetUpdated    EventType = "PERMISSION_SET_UPDATED"
	EventOverrideActivated       EventType = "EMERGENCY_OVERRIDE_ACTIVATED"
	EventOverrideDeactivated     EventType = "EMERGENCY_OVERRIDE_DEACTIVATED"
	EventOverrideExpired         EventType = "EMERGENCY_OVERRIDE_EXPIRED"
	EventFamilyMembershipChanged EventType = "FAMILY_MEMBERSHIP_CHANGED"
	EventCacheCleared            EventType = "CACHE_CLEARED"
)

var clearingEvents = map[EventType]bool{
	EventPermissionSetUpdated:    true,
	EventFamilyMembershipChanged: true,
	EventCacheCleared:            true,
}

var userEvents = map[EventType]bool{
	EventRoleAssigned:        true,
	EventRoleRevoked:         true,
	EventDelegationCreated:   true,
	EventDelegationApproved:  true,
	EventDelegationRejected:  true,
	EventDelegationRevoked:   true,
	EventDelegationExpired:   true,
	EventOverrideActivated:   true,
	EventOverrideDeactivated: true,
	EventOverrideExpired:     true,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	return clearingEvents[t] || userEvents[t]
}

// Event describes one committed mutation.
type Event struct {
	Type     EventType   `json:"type"`
	UserIDs  []uuid.UUID `json:"userIds,omitempty"`
	RoleID   *uuid.UUID  `json:"roleId,omitempty"`
	FamilyID *uuid.UUID  `json:"familyId,omitempty"`
	At       time.Time   `json:"at"`
}

// Validate checks that the event carries what its type needs.
func (e Event) Validate() error {
	if !e.Type.Valid() {
		return validationf("unknown event type %q", e.Type)
	}
	if userEvents[e.Type] && len(e.UserIDs) == 0 {
		return validationf("%s requires at least one user id", e.Type)
	}
	if e.Type == EventPermissionSetUpdated && e.RoleID == nil {
		return validationf("%s requires a role id", e.Type)
	}
	return nil
}

// ClearsAll reports whether the event drops every cached decision. Permission set
// and membership changes may affect any user, so they are handled conservatively.
func (e Event) ClearsAll() bool {
	return clearingEvents[e.Type]
}

// Invalidator applies committed mutation events to the decision cache.
type Invalidator interface {
	Invalidate(ctx context.Context, e Event) error
	Clear(ctx context.Context) error
}

func usersEvent(t EventType, at time.Time, users ...uuid.UUID) Event {
	return Event{Type: t, UserIDs: users, At: at}
}
