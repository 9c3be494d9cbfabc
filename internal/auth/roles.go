package auth

import (
	"context"

	"authgate.org/internal/audit"
)

// CreateRole adds a tenant role.
func (g *Gateway) CreateRole(ctx context.Context, in RoleInput) (Role, error) {
	role, err := g.rbac.CreateRole(in)
	if err != nil {
		return Role{}, err
	}
	g.recordRole(ctx, "created", role)
	return role, nil
}

// GetRole returns the role by id.
func (g *Gateway) GetRole(id string) (Role, error) {
	return g.rbac.GetRole(id)
}

// ListRoles returns the roles visible to tenantID.
func (g *Gateway) ListRoles(tenantID string) []Role {
	return g.rbac.ListRoles(tenantID)
}

// UpdateRole changes a tenant role. Users already holding it keep their
// resolved permissions until their roles are next updated.
func (g *Gateway) UpdateRole(ctx context.Context, id string, upd RoleUpdate) (Role, error) {
	role, err := g.rbac.UpdateRole(id, upd)
	if err != nil {
		return Role{}, err
	}
	g.recordRole(ctx, "updated", role)
	return role, nil
}

// DeleteRole removes a tenant role.
func (g *Gateway) DeleteRole(ctx context.Context, id string) error {
	role, err := g.rbac.DeleteRole(id)
	if err != nil {
		return err
	}
	g.recordRole(ctx, "deleted", role)
	return nil
}

// Permissions lists the permission catalog.
func (g *Gateway) Permissions() []Permission {
	return g.rbac.Permissions()
}

func (g *Gateway) recordRole(ctx context.Context, op string, role Role) {
	g.record(ctx, audit.Event{
		Name:     audit.EventRoleChanged,
		TenantID: role.TenantID,
		Fields:   map[string]any{"op": op, "role_id": role.ID, "permissions": role.Permissions},
	})
}
