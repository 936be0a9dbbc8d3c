package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/familyhub/familyhub/internal/rbac"
)

type fixture struct {
	Roles    []roleSeed   `yaml:"roles"`
	Families []familySeed `yaml:"families"`
	Grants   []grantSeed  `yaml:"grants"`
}

type roleSeed struct {
	Type        string   `yaml:"type"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type familySeed struct {
	ID      uuid.UUID    `yaml:"id"`
	Members []memberSeed `yaml:"members"`
}

type memberSeed struct {
	ID   uuid.UUID `yaml:"id"`
	Type string    `yaml:"type"`
}

type grantSeed struct {
	User     uuid.UUID   `yaml:"user"`
	Role     string      `yaml:"role"`
	Scope    string      `yaml:"scope"`
	Entities []uuid.UUID `yaml:"entities"`
	Reason   string      `yaml:"reason"`
}

type seeder interface {
	EnsureRole(ctx context.Context, roleType rbac.RoleType, name string, perms []string) (uuid.UUID, error)
	AddFamilyMember(ctx context.Context, familyID, entityID uuid.UUID, entityType string) error
	CreateAssignment(ctx context.Context, a rbac.Assignment) (rbac.Assignment, error)
}

type seedStats struct {
	Roles, Members, Grants int
}

func parseFixture(raw []byte) (fixture, error) {
	var fx fixture
	if err := yaml.Unmarshal(raw, &fx); err != nil {
		return fixture{}, err
	}
	for i, r := range fx.Roles {
		t, err := rbac.ParseRoleType(r.Type)
		if err != nil {
			return fixture{}, fmt.Errorf("roles[%d]: %w", i, err)
		}
		fx.Roles[i].Type = string(t)
		if r.Name == "" {
			fx.Roles[i].Name = string(t)
		}
		if len(r.Permissions) == 0 {
			fx.Roles[i].Permissions = t.DefaultPermissions()
		}
	}
	for i, f := range fx.Families {
		if f.ID == uuid.Nil {
			return fixture{}, fmt.Errorf("families[%d]: id is required", i)
		}
		for j, m := range f.Members {
			if m.ID == uuid.Nil {
				return fixture{}, fmt.Errorf("families[%d].members[%d]: id is required", i, j)
			}
			if m.Type == "" {
				fx.Families[i].Members[j].Type = rbac.ResourceUser
			}
		}
	}
	return fx, nil
}

// apply is idempotent for roles and memberships. Grants are appended on every run.
func apply(ctx context.Context, s seeder, fx fixture, now time.Time) (seedStats, error) {
	var stats seedStats
	roleIDs := make(map[string]uuid.UUID, len(fx.Roles))
	for _, r := range fx.Roles {
		id, err := s.EnsureRole(ctx, rbac.RoleType(r.Type), r.Name, r.Permissions)
		if err != nil {
			return stats, err
		}
		roleIDs[r.Name] = id
		stats.Roles++
	}
	for _, f := range fx.Families {
		for _, m := range f.Members {
			if err := s.AddFamilyMember(ctx, f.ID, m.ID, m.Type); err != nil {
				return stats, fmt.Errorf("family %s member %s: %w", f.ID, m.ID, err)
			}
			stats.Members++
		}
	}
	for i, g := range fx.Grants {
		roleID, ok := roleIDs[g.Role]
		if !ok {
			return stats, fmt.Errorf("grants[%d]: unknown role %q", i, g.Role)
		}
		scope := rbac.Scope{Type: rbac.ScopeType(g.Scope), EntityIDs: g.Entities}
		a := rbac.Assignment{
			UserID:    g.User,
			RoleID:    roleID,
			GrantedBy: g.User,
			Reason:    g.Reason,
			ValidFrom: now,
			State:     rbac.AssignmentActive,
			Scopes:    []rbac.Scope{scope},
			CreatedAt: now,
		}
		if err := a.Validate(); err != nil {
			return stats, fmt.Errorf("grants[%d]: %w", i, err)
		}
		if _, err := s.CreateAssignment(ctx, a); err != nil {
			return stats, fmt.Errorf("grants[%d]: %w", i, err)
		}
		stats.Grants++
	}
	return stats, nil
}
