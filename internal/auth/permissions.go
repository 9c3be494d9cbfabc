package auth

import "authgate.org/internal/policy"

const (
	PermMCPAccess     = "mcp:access"
	PermMCPAdmin      = "mcp:admin"
	PermTenantManage  = "tenant:manage"
	PermUserManage    = "user:manage"
	PermSecurityAdmin = "security:admin"
)

var BuiltinPermissions = []Permission{
	{ID: PermMCPAccess, Name: "MCP Access", Resource: "mcp", Action: "access", Description: "Access MCP servers"},
	{ID: PermMCPAdmin, Name: "MCP Administration", Resource: "mcp", Action: "admin", Description: "Administer MCP servers"},
	{ID: PermTenantManage, Name: "Tenant Management", Resource: "tenant", Action: "manage", Description: "Manage tenant settings"},
	{ID: PermUserManage, Name: "User Management", Resource: "user", Action: "manage", Description: "Manage users and roles"},
	{ID: PermSecurityAdmin, Name: "Security Administration", Resource: "security", Action: "admin", Description: "Manage security policies and sessions"},
}

const (
	RoleSuperAdmin  = "super-admin"
	RoleTenantAdmin = "tenant-admin"
	RoleMCPUser     = "mcp-user"
)

func builtinRoles() []Role {
	all := make([]string, 0, len(BuiltinPermissions))
	for _, p := range BuiltinPermissions {
		all = append(all, p.ID)
	}
	return []Role{
		{
			ID:          RoleSuperAdmin,
			TenantID:    policy.SystemTenant,
			Name:        "Super Administrator",
			Description: "Full system access",
			Permissions: all,
			System:      true,
		},
		{
			ID:          RoleTenantAdmin,
			TenantID:    policy.SystemTenant,
			Name:        "Tenant Administrator",
			Description: "Tenant-level administration",
			Permissions: []string{PermMCPAccess, PermTenantManage, PermUserManage},
			System:      true,
		},
		{
			ID:          RoleMCPUser,
			TenantID:    policy.SystemTenant,
			Name:        "MCP User",
			Description: "Standard MCP access",
			Permissions: []string{PermMCPAccess},
			System:      true,
		},
	}
}
