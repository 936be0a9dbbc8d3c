package rbac

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/google/uuid"
)

// ScopeType selects how a scope's entity list is interpreted.
type ScopeType string

const (
	ScopeGlobal     ScopeType = "global"
	ScopeFamily     ScopeType = "family"
	ScopeIndividual ScopeType = "individual"
)

// Scope bounds the resources a grant applies to.
type Scope struct {
	Type      ScopeType   `json:"type"`
	EntityIDs []uuid.UUID `json:"entities,omitempty"`

	malformed bool
}

// GlobalScope covers every resource.
func GlobalScope() Scope { return Scope{Type: ScopeGlobal} }

// FamilyScope covers the listed families and their members.
func FamilyScope(ids ...uuid.UUID) Scope { return Scope{Type: ScopeFamily, EntityIDs: ids} }

// IndividualScope covers exactly the listed entities.
func IndividualScope(ids ...uuid.UUID) Scope { return Scope{Type: ScopeIndividual, EntityIDs: ids} }

type rawScope struct {
	Type     string   `json:"type"`
	Entities []string `json:"entities"`
}

// UnmarshalJSON decodes leniently: a scope with unparsable entity ids still decodes,
// but is flagged so that it never matches.
func (s *Scope) UnmarshalJSON(data []byte) error {
	var raw rawScope
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := Scope{Type: ScopeType(raw.Type)}
	for _, e := range raw.Entities {
		id, err := uuid.Parse(e)
		if err != nil {
			out.malformed = true
			continue
		}
		out.EntityIDs = append(out.EntityIDs, id)
	}
	*s = out
	return nil
}

// DecodeScopes parses the persisted JSON form of a scope list. Undecodable input
// yields a single malformed scope so that the grant fails closed.
func DecodeScopes(raw []byte) []Scope {
	if len(raw) == 0 {
		return nil
	}
	var scopes []Scope
	if err := json.Unmarshal(raw, &scopes); err != nil {
		return []Scope{{malformed: true}}
	}
	return scopes
}

// Validate rejects scopes that can never be stored.
func (s Scope) Validate() error {
	if s.malformed {
		return validationf("scope %q contains malformed entity ids", s.Type)
	}
	switch s.Type {
	case ScopeGlobal:
		if len(s.EntityIDs) > 0 {
			return validationf("global scope takes no entities")
		}
	case ScopeFamily, ScopeIndividual:
		if len(s.EntityIDs) == 0 {
			return validationf("%s scope requires at least one entity", s.Type)
		}
		if slices.Contains(s.EntityIDs, uuid.Nil) {
			return validationf("%s scope contains a nil entity id", s.Type)
		}
	default:
		return validationf("unknown scope type %q", s.Type)
	}
	return nil
}

// ValidateScopes requires at least one scope and validates each one.
func ValidateScopes(scopes []Scope) error {
	if len(scopes) == 0 {
		return validationf("at least one scope is required")
	}
	for _, s := range scopes {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (s Scope) contains(id uuid.UUID) bool {
	return slices.Contains(s.EntityIDs, id)
}

// MembershipLookup resolves which families an entity belongs to.
type MembershipLookup interface {
	EntityFamilies(ctx context.Context, resourceType string, resourceID uuid.UUID) ([]uuid.UUID, error)
}

// ScopeMatcher decides whether a scope covers a resource.
type ScopeMatcher struct {
	members MembershipLookup
}

// NewScopeMatcher builds a matcher over the given membership lookup.
func NewScopeMatcher(members MembershipLookup) *ScopeMatcher {
	return &ScopeMatcher{members: members}
}

// Matches reports whether scope covers the resource. Unknown or malformed scopes never match.
// The only error source is the membership lookup.
func (m *ScopeMatcher) Matches(ctx context.Context, scope Scope, resourceType string, resourceID uuid.UUID) (bool, error) {
	if scope.malformed {
		return false, nil
	}
	switch scope.Type {
	case ScopeGlobal:
		return true, nil
	case ScopeIndividual:
		return scope.contains(resourceID), nil
	case ScopeFamily:
		if len(scope.EntityIDs) == 0 {
			return false, nil
		}
		if resourceType == ResourceFamily {
			return scope.contains(resourceID), nil
		}
		if m.members == nil {
			return false, nil
		}
		families, err := m.members.EntityFamilies(ctx, resourceType, resourceID)
		if err != nil {
			return false, err
		}
		for _, f := range families {
			if scope.contains(f) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, nil
	}
}

// MatchesAny reports whether any of scopes covers the resource.
func (m *ScopeMatcher) MatchesAny(ctx context.Context, scopes []Scope, resourceType string, resourceID uuid.UUID) (bool, error) {
	for _, s := range scopes {
		ok, err := m.Matches(ctx, s, resourceType, resourceID)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Covers reports whether outer is equal to or broader than inner.
func (m *ScopeMatcher) Covers(ctx context.Context, outer, inner Scope) (bool, error) {
	if outer.malformed || inner.malformed {
		return false, nil
	}
	switch outer.Type {
	case ScopeGlobal:
		return inner.Type == ScopeGlobal || inner.Type == ScopeFamily || inner.Type == ScopeIndividual, nil
	case ScopeFamily:
		switch inner.Type {
		case ScopeFamily:
			return subset(inner.EntityIDs, outer.EntityIDs), nil
		case ScopeIndividual:
			for _, id := range inner.EntityIDs {
				ok, err := m.Matches(ctx, outer, ResourceUser, id)
				if err != nil || !ok {
					return false, err
				}
			}
			return len(inner.EntityIDs) > 0, nil
		}
	case ScopeIndividual:
		if inner.Type == ScopeIndividual {
			return subset(inner.EntityIDs, outer.EntityIDs), nil
		}
	}
	return false, nil
}

// CoversAll reports whether every scope in inner is covered by some scope in outer.
func (m *ScopeMatcher) CoversAll(ctx context.Context, outer, inner []Scope) (bool, error) {
	if len(inner) == 0 {
		return false, nil
	}
	for _, in := range inner {
		covered := false
		for _, out := range outer {
			ok, err := m.Covers(ctx, out, in)
			if err != nil {
				return false, err
			}
			if ok {
				covered = true
				break
			}
		}
		if !covered {
			return false, nil
		}
	}
	return true, nil
}

func subset(inner, outer []uuid.UUID) bool {
	if len(inner) == 0 {
		return false
	}
	for _, id := range inner {
		if !slices.Contains(outer, id) {
			return false
		}
	}
	return true
}

// memoLookup caches membership answers for the lifetime of one evaluation.
type memoLookup struct {
	next MembershipLookup
	seen map[string][]uuid.UUID
}

func newMemoLookup(next MembershipLookup) *memoLookup {
	return &memoLookup{next: next, seen: make(map[string][]uuid.UUID)}
}

func (l *memoLookup) EntityFamilies(ctx context.Context, resourceType string, resourceID uuid.UUID) ([]uuid.UUID, error) {
	key := resourceType + "/" + resourceID.String()
	if families, ok := l.seen[key]; ok {
		return families, nil
	}
	families, err := l.next.EntityFamilies(ctx, resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	l.seen[key] = families
	return families, nil
}
