package auth

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"authgate.org/internal/ids"
	"authgate.org/internal/policy"
)

// RBAC owns the permission catalog and the role table. Resolution is a pure
// set union over the roles it can find.
type RBAC struct {
	mu    sync.RWMutex
	perms map[string]Permission
	roles map[string]*Role
	now   func() time.Time
}

// NewRBAC returns a table seeded with the built-in permissions and system roles.
func NewRBAC(now func() time.Time) *RBAC {
	if now == nil {
		now = time.Now
	}
	r := &RBAC{
		perms: make(map[string]Permission, len(BuiltinPermissions)),
		roles: make(map[string]*Role),
		now:   now,
	}
	for _, p := range BuiltinPermissions {
		r.perms[p.ID] = p
	}
	at := now().UTC()
	for _, role := range builtinRoles() {
		role := role
		role.CreatedAt, role.UpdatedAt = at, at
		r.roles[role.ID] = &role
	}
	return r
}

// Resolve unions the permissions of roleIDs. Unknown role ids grant nothing
// and are returned in missing so the caller can report them.
func (r *RBAC) Resolve(roleIDs []string) (PermissionSet, []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := make(PermissionSet)
	var missing []string
	seen := make(map[string]struct{}, len(roleIDs))
	for _, id := range roleIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		role, ok := r.roles[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		for _, p := range role.Permissions {
			set[p] = struct{}{}
		}
	}
	sort.Strings(missing)
	return set, missing
}

// RegisterPermission adds a permission to the catalog. Permissions are
// immutable once registered.
func (r *RBAC) RegisterPermission(p Permission) (Permission, error) {
	p.Resource = strings.TrimSpace(strings.ToLower(p.Resource))
	p.Action = strings.TrimSpace(strings.ToLower(p.Action))
	if p.Resource == "" || p.Action == "" || strings.Contains(p.Resource, ":") || strings.Contains(p.Action, ":") {
		return Permission{}, fmt.Errorf("%w: resource and action are required and must not contain ':'", ErrInvalidInput)
	}
	p.ID = PermissionID(p.Resource, p.Action)
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		p.Name = p.ID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.perms[p.ID]; ok {
		return Permission{}, fmt.Errorf("%w: permission %s", ErrAlreadyExists, p.ID)
	}
	r.perms[p.ID] = p
	return p, nil
}

// Permissions lists the catalog sorted by id.
func (r *RBAC) Permissions() []Permission {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Permission, 0, len(r.perms))
	for _, p := range r.perms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *RBAC) checkPermissionsLocked(ids []string) ([]string, error) {
	out := dedupeStrings(ids)
	for _, id := range out {
		if _, ok := r.perms[id]; !ok {
			return nil, fmt.Errorf("%w: unknown permission %s", ErrInvalidInput, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *RBAC) nameTakenLocked(tenantID, name, exceptID string) bool {
	for _, role := range r.roles {
		if role.ID != exceptID && role.TenantID == tenantID && strings.EqualFold(role.Name, name) {
			return true
		}
	}
	return false
}

// CreateRole adds a tenant role. The system tenant is reserved.
func (r *RBAC) CreateRole(in RoleInput) (Role, error) {
	tenantID := strings.TrimSpace(in.TenantID)
	if tenantID == "" || tenantID == policy.SystemTenant {
		return Role{}, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	perms, err := r.checkPermissionsLocked(in.Permissions)
	if err != nil {
		return Role{}, err
	}
	if r.nameTakenLocked(tenantID, name, "") {
		return Role{}, fmt.Errorf("%w: role %q", ErrAlreadyExists, name)
	}
	at := r.now().UTC()
	role := &Role{
		ID:          ids.New(),
		TenantID:    tenantID,
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		Permissions: perms,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
	r.roles[role.ID] = role
	return role.clone(), nil
}

// GetRole returns the role by id.
func (r *RBAC) GetRole(id string) (Role, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return role.clone(), nil
}

// ListRoles returns the roles visible to tenantID (its own plus system
// roles), or every role when tenantID is empty.
func (r *RBAC) ListRoles(tenantID string) []Role {
	tenantID = strings.TrimSpace(tenantID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Role, 0, len(r.roles))
	for _, role := range r.roles {
		if tenantID == "" || role.TenantID == tenantID || role.System {
			out = append(out, role.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].System != out[j].System {
			return out[i].System
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// UpdateRole changes a tenant role. System roles are rejected.
func (r *RBAC) UpdateRole(id string, upd RoleUpdate) (Role, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	role, ok := r.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	if role.System {
		return Role{}, ErrImmutableRole
	}
	next := role.clone()
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
		}
		if r.nameTakenLocked(role.TenantID, name, role.ID) {
			return Role{}, fmt.Errorf("%w: role %q", ErrAlreadyExists, name)
		}
		next.Name = name
	}
	if upd.Description != nil {
		next.Description = strings.TrimSpace(*upd.Description)
	}
	if upd.Permissions != nil {
		perms, err := r.checkPermissionsLocked(*upd.Permissions)
		if err != nil {
			return Role{}, err
		}
		next.Permissions = perms
	}
	next.UpdatedAt = r.now().UTC()
	r.roles[id] = &next
	return next.clone(), nil
}

// DeleteRole removes a tenant role. Users holding it keep their resolved
// permissions until their next recompute.
func (r *RBAC) DeleteRole(id string) (Role, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Role{}, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	role, ok := r.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	if role.System {
		return Role{}, ErrImmutableRole
	}
	delete(r.roles, id)
	return role.clone(), nil
}

// assignable reports the first role in roleIDs that tenantID may not hold.
func (r *RBAC) assignable(tenantID string, roleIDs []string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range roleIDs {
		role, ok := r.roles[id]
		if !ok {
			return fmt.Errorf("%w: unknown role %s", ErrInvalidInput, id)
		}
		if !role.System && role.TenantID != tenantID {
			return fmt.Errorf("%w: role %s belongs to another tenant", ErrInvalidInput, id)
		}
	}
	return nil
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}

func sortedRoles(roleIDs []string) []string {
	out := dedupeStrings(roleIDs)
	slices.Sort(out)
	return out
}
