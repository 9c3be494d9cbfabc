package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixedNow() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

func TestResolveUnionsRoles(t *testing.T) {
	r := NewRBAC(fixedNow)
	set, missing := r.Resolve([]string{RoleMCPUser, "ghost", RoleTenantAdmin, RoleMCPUser})
	require.Equal(t, []string{PermMCPAccess, PermTenantManage, PermUserManage}, set.Sorted())
	require.Equal(t, []string{"ghost"}, missing)

	empty, missing := r.Resolve(nil)
	require.Empty(t, empty)
	require.Empty(t, missing)
}

func TestSystemRolesAreImmutable(t *testing.T) {
	r := NewRBAC(fixedNow)
	name := "renamed"
	_, err := r.UpdateRole(RoleSuperAdmin, RoleUpdate{Name: &name})
	require.ErrorIs(t, err, ErrImmutableRole)
	_, err = r.DeleteRole(RoleMCPUser)
	require.ErrorIs(t, err, ErrImmutableRole)

	role, err := r.GetRole(RoleSuperAdmin)
	require.NoError(t, err)
	require.True(t, role.System)
	require.Len(t, role.Permissions, len(BuiltinPermissions))
}

func TestCreateRole(t *testing.T) {
	r := NewRBAC(fixedNow)
	role, err := r.CreateRole(RoleInput{TenantID: "T1", Name: " ops ", Permissions: []string{PermMCPAdmin, PermMCPAccess, PermMCPAdmin}})
	require.NoError(t, err)
	require.Equal(t, "ops", role.Name)
	require.Equal(t, []string{PermMCPAccess, PermMCPAdmin}, role.Permissions)
	require.Equal(t, fixedNow(), role.CreatedAt)

	_, err = r.CreateRole(RoleInput{TenantID: "T1", Name: "OPS"})
	require.ErrorIs(t, err, ErrAlreadyExists)
	_, err = r.CreateRole(RoleInput{TenantID: "T2", Name: "ops"})
	require.NoError(t, err)

	_, err = r.CreateRole(RoleInput{TenantID: "system", Name: "x"})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = r.CreateRole(RoleInput{TenantID: "T1", Name: "x", Permissions: []string{"nope:nope"}})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestUpdateAndDeleteRole(t *testing.T) {
	r := NewRBAC(fixedNow)
	a, err := r.CreateRole(RoleInput{TenantID: "T1", Name: "a"})
	require.NoError(t, err)
	_, err = r.CreateRole(RoleInput{TenantID: "T1", Name: "b"})
	require.NoError(t, err)

	taken := "b"
	_, err = r.UpdateRole(a.ID, RoleUpdate{Name: &taken})
	require.ErrorIs(t, err, ErrAlreadyExists)

	perms := []string{PermMCPAccess}
	desc := "reader"
	updated, err := r.UpdateRole(a.ID, RoleUpdate{Description: &desc, Permissions: &perms})
	require.NoError(t, err)
	require.Equal(t, "reader", updated.Description)
	require.Equal(t, perms, updated.Permissions)

	set, _ := r.Resolve([]string{a.ID})
	require.True(t, set.Has(PermMCPAccess))

	_, err = r.DeleteRole(a.ID)
	require.NoError(t, err)
	_, err = r.GetRole(a.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = r.DeleteRole(a.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListRolesScopesByTenant(t *testing.T) {
	r := NewRBAC(fixedNow)
	_, err := r.CreateRole(RoleInput{TenantID: "T1", Name: "t1-role"})
	require.NoError(t, err)
	_, err = r.CreateRole(RoleInput{TenantID: "T2", Name: "t2-role"})
	require.NoError(t, err)

	names := func(roles []Role) []string {
		out := make([]string, 0, len(roles))
		for _, role := range roles {
			out = append(out, role.Name)
		}
		return out
	}
	t1 := names(r.ListRoles("T1"))
	require.Contains(t, t1, "t1-role")
	require.NotContains(t, t1, "t2-role")
	require.Len(t, t1, 4)
	require.Len(t, r.ListRoles(""), 5)
}

func TestRegisterPermission(t *testing.T) {
	r := NewRBAC(fixedNow)
	p, err := r.RegisterPermission(Permission{Resource: "Reports", Action: "Read"})
	require.NoError(t, err)
	require.Equal(t, "reports:read", p.ID)
	require.Equal(t, "reports:read", p.Name)

	_, err = r.RegisterPermission(Permission{Resource: "reports", Action: "read"})
	require.ErrorIs(t, err, ErrAlreadyExists)
	_, err = r.RegisterPermission(Permission{Resource: "a:b", Action: "read"})
	require.ErrorIs(t, err, ErrInvalidInput)

	role, err := r.CreateRole(RoleInput{TenantID: "T1", Name: "reporter", Permissions: []string{"reports:read"}})
	require.NoError(t, err)
	require.Equal(t, []string{"reports:read"}, role.Permissions)
	require.Len(t, r.Permissions(), len(BuiltinPermissions)+1)
}
