package auth

import (
	"slices"
	"time"
)

const (
	StatusActive    = "active"
	StatusInactive  = "inactive"
	StatusSuspended = "suspended"
)

func validStatus(s string) bool {
	return s == StatusActive || s == StatusInactive || s == StatusSuspended
}

// User is an account owned by the gateway. Secrets never leave the package
// through JSON.
type User struct {
	ID                string     `json:"id"`
	TenantID          string     `json:"tenant_id"`
	Username          string     `json:"username"`
	Email             string     `json:"email,omitempty"`
	Roles             []string   `json:"roles"`
	Permissions       []string   `json:"permissions"`
	Status            string     `json:"status"`
	MFAEnabled        bool       `json:"mfa_enabled"`
	LastLogin         *time.Time `json:"last_login,omitempty"`
	PasswordChangedAt time.Time  `json:"password_changed_at"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`

	passwordHash    string
	passwordHistory []string
	mfaSecret       string
	permSet         PermissionSet
}

// clone returns a copy that shares no slices with u.
func (u *User) clone() User {
	out := *u
	out.Roles = slices.Clone(u.Roles)
	out.Permissions = slices.Clone(u.Permissions)
	out.passwordHistory = slices.Clone(u.passwordHistory)
	if u.LastLogin != nil {
		t := *u.LastLogin
		out.LastLogin = &t
	}
	return out
}

// Role is a named bundle of permissions, scoped to a tenant or to the system.
type Role struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Permissions []string  `json:"permissions"`
	System      bool      `json:"system"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (r *Role) clone() Role {
	out := *r
	out.Permissions = slices.Clone(r.Permissions)
	return out
}

// Permission is a resource:action capability.
type Permission struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Resource    string `json:"resource"`
	Action      string `json:"action"`
	Description string `json:"description,omitempty"`
}

// LoginRequest is the input of Authenticate.
type LoginRequest struct {
	Username  string
	Password  string
	TenantID  string
	MFACode   string
	IP        string
	UserAgent string
}

// SessionHandle is returned on login and refresh.
type SessionHandle struct {
	SessionID        string    `json:"session_id"`
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	User             User      `json:"user"`
}

// AuthzResult describes a successful token check.
type AuthzResult struct {
	Allowed   bool   `json:"allowed"`
	SessionID string `json:"session_id"`
	User      User   `json:"user"`
}

// Principal converts r into the request-scoped identity.
func (r AuthzResult) Principal() Principal {
	return NewPrincipal(r.User, r.SessionID)
}

// SessionInfo is the token-free view of a session.
type SessionInfo struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	TenantID     string    `json:"tenant_id"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastAccessed time.Time `json:"last_accessed"`
	IP           string    `json:"ip,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
}

// UserInput is the input of CreateUser.
type UserInput struct {
	TenantID string
	Username string
	Email    string
	Password string
	Roles    []string
	Status   string
}

// UserUpdate lists the fields to change; nil leaves a field alone.
type UserUpdate struct {
	Email    *string
	Password *string
	Status   *string
	Roles    *[]string
}

// RoleInput is the input of CreateRole.
type RoleInput struct {
	TenantID    string
	Name        string
	Description string
	Permissions []string
}

// RoleUpdate lists the fields to change; nil leaves a field alone.
type RoleUpdate struct {
	Name        *string
	Description *string
	Permissions *[]string
}

// CleanupResult reports one sweep of both stores.
type CleanupResult struct {
	Sessions    int `json:"sessions"`
	Revocations int `json:"revocations"`
}
