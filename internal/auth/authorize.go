package auth

import (
	"sort"
	"strings"
)

// PermissionSet is a resolved, deduplicated set of permission ids.
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from ids, ignoring blanks.
func NewPermissionSet(ids ...string) PermissionSet {
	set := make(PermissionSet, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = struct{}{}
		}
	}
	return set
}

// Has reports whether id is in the set.
func (s PermissionSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the ids in lexical order.
func (s PermissionSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// PermissionID joins resource and action into the canonical resource:action form.
func PermissionID(resource, action string) string {
	return strings.TrimSpace(resource) + ":" + strings.TrimSpace(action)
}

// HasPermission matches resource:action exactly, or grants everything when
// the set holds super. Patterns are not expanded.
func HasPermission(perms PermissionSet, super, action, resource string) bool {
	if super != "" && perms.Has(super) {
		return true
	}
	if strings.TrimSpace(action) == "" || strings.TrimSpace(resource) == "" {
		return false
	}
	return perms.Has(PermissionID(resource, action))
}

// Principal represents an authenticated user with resolved permissions.
type Principal struct {
	User        User
	SessionID   string
	Permissions PermissionSet
}

// NewPrincipal constructs a principal from a user snapshot.
func NewPrincipal(user User, sessionID string) Principal {
	return Principal{User: user, SessionID: sessionID, Permissions: NewPermissionSet(user.Permissions...)}
}

// HasPermission reports whether the principal holds the permission key.
func (p Principal) HasPermission(key string) bool {
	return p.Permissions.Has(key)
}
