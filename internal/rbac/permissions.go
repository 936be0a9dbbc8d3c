package rbac

import (
	"strings"
	"time"
)

// NormalizePermission lowercases and trims a permission or action name.
func NormalizePermission(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// PermissionCovers reports whether a granted permission authorizes action.
// "*" grants everything and "ns.*" grants every action inside the ns namespace.
func PermissionCovers(granted, action string) bool {
	granted = NormalizePermission(granted)
	action = NormalizePermission(action)
	if granted == "" || action == "" {
		return false
	}
	if granted == "*" || granted == action {
		return true
	}
	if prefix, ok := strings.CutSuffix(granted, ".*"); ok && prefix != "" {
		return strings.HasPrefix(action, prefix+".")
	}
	return false
}

// PermissionsCover reports whether any of granted authorizes action.
func PermissionsCover(granted []string, action string) bool {
	for _, g := range granted {
		if PermissionCovers(g, action) {
			return true
		}
	}
	return false
}

// IntersectPermissions narrows subset to the entries the role set actually grants.
func IntersectPermissions(subset, role []string) []string {
	out := make([]string, 0, len(subset))
	for _, p := range subset {
		if PermissionsCover(role, p) {
			out = append(out, NormalizePermission(p))
		}
	}
	return out
}

// ActionClass groups actions by how long their decisions may be cached.
type ActionClass string

const (
	ClassRead   ActionClass = "read"
	ClassWrite  ActionClass = "write"
	ClassDelete ActionClass = "delete"
	ClassAdmin  ActionClass = "admin"
)

var classTTL = map[ActionClass]time.Duration{
	ClassRead:   300 * time.Second,
	ClassWrite:  60 * time.Second,
	ClassDelete: 30 * time.Second,
	ClassAdmin:  10 * time.Second,
}

// MaxCacheTTL bounds every cached decision.
const MaxCacheTTL = 300 * time.Second

// TTL returns the cache lifetime for decisions of this class.
func (c ActionClass) TTL() time.Duration {
	if ttl, ok := classTTL[c]; ok {
		return ttl
	}
	return classTTL[ClassWrite]
}

// ClassOf derives the action class from a dotted action name.
// Unknown verbs fall into the write class.
func ClassOf(action string) ActionClass {
	action = NormalizePermission(action)
	if strings.HasPrefix(action, "admin") {
		return ClassAdmin
	}
	segments := strings.Split(action, ".")
	for _, seg := range segments {
		if seg == "delete" {
			return ClassDelete
		}
	}
	for _, seg := range segments {
		switch seg {
		case "write", "create", "update", "edit", "manage":
			return ClassWrite
		}
	}
	for _, seg := range segments {
		switch seg {
		case "read", "view", "list":
			return ClassRead
		}
	}
	return ClassWrite
}

// CacheTTL is the cache-lifetime hint for decisions about action.
func CacheTTL(action string) time.Duration {
	return ClassOf(action).TTL()
}
