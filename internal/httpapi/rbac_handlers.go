package httpapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"authgate.org/internal/auth"
)

type createUserRequest struct {
	TenantID string   `json:"tenant_id" validate:"omitempty,max=128"`
	Username string   `json:"username" validate:"required,max=256"`
	Email    string   `json:"email" validate:"omitempty,email"`
	Password string   `json:"password" validate:"required,max=1024"`
	Roles    []string `json:"roles" validate:"dive,required"`
	Status   string   `json:"status" validate:"omitempty,oneof=active inactive suspended"`
}

type updateUserRequest struct {
	Email    *string   `json:"email" validate:"omitempty,email"`
	Password *string   `json:"password" validate:"omitempty,max=1024"`
	Status   *string   `json:"status" validate:"omitempty,oneof=active inactive suspended"`
	Roles    *[]string `json:"roles" validate:"omitempty,dive,required"`
}

type createRoleRequest struct {
	TenantID    string   `json:"tenant_id" validate:"omitempty,max=128"`
	Name        string   `json:"name" validate:"required,max=128"`
	Description string   `json:"description" validate:"max=512"`
	Permissions []string `json:"permissions" validate:"dive,required"`
}

type updateRoleRequest struct {
	Name        *string   `json:"name" validate:"omitempty,max=128"`
	Description *string   `json:"description" validate:"omitempty,max=512"`
	Permissions *[]string `json:"permissions" validate:"omitempty,dive,required"`
}

// --- users ---

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	tenant, ok := a.tenantScope(r, r.URL.Query().Get("tenant_id"))
	if !ok {
		writeError(w, r, http.StatusForbidden, "forbidden", "tenant not accessible")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": a.gw.ListUsers(tenant)})
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := a.decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	tenant, ok := a.tenantScope(r, req.TenantID)
	if !ok {
		writeError(w, r, http.StatusForbidden, "forbidden", "tenant not accessible")
		return
	}
	if !a.mayGrant(w, r, req.Roles) {
		return
	}
	user, err := a.gw.CreateUser(r.Context(), auth.UserInput{
		TenantID: tenant,
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Roles:    req.Roles,
		Status:   req.Status,
	})
	if err != nil {
		a.writeAuthError(w, r, "create_user", err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/users/%s", user.ID))
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, ok := a.scopedUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	user, ok := a.scopedUser(w, r)
	if !ok {
		return
	}
	var req updateUserRequest
	if err := a.decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if req.Roles != nil && !a.mayGrant(w, r, *req.Roles) {
		return
	}
	updated, err := a.gw.UpdateUser(r.Context(), user.ID, auth.UserUpdate{
		Email:    req.Email,
		Password: req.Password,
		Status:   req.Status,
		Roles:    req.Roles,
	})
	if err != nil {
		a.writeAuthError(w, r, "update_user", err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	user, ok := a.scopedUser(w, r)
	if !ok {
		return
	}
	if err := a.gw.DeleteUser(r.Context(), user.ID); err != nil {
		a.writeAuthError(w, r, "delete_user", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleEnrollMFA(w http.ResponseWriter, r *http.Request) {
	user, ok := a.scopedUser(w, r)
	if !ok {
		return
	}
	secret, err := a.gw.EnrollMFA(r.Context(), user.ID)
	if err != nil {
		a.writeAuthError(w, r, "enroll_mfa", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": user.ID, "secret": secret})
}

// scopedUser loads the {id} user, hiding users of other tenants as not found.
func (a *API) scopedUser(w http.ResponseWriter, r *http.Request) (auth.User, bool) {
	user, err := a.gw.GetUser(chi.URLParam(r, "id"))
	if err != nil {
		a.writeAuthError(w, r, "get_user", err)
		return auth.User{}, false
	}
	if _, ok := a.tenantScope(r, user.TenantID); !ok {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
		return auth.User{}, false
	}
	return user, true
}

// mayGrant rejects role assignments that would give the target more than
// the caller holds.
func (a *API) mayGrant(w http.ResponseWriter, r *http.Request, roles []string) bool {
	p, _ := auth.PrincipalFromContext(r.Context())
	if a.isSuper(p) {
		return true
	}
	granted, _ := a.gw.RBAC().Resolve(roles)
	return a.mayGrantPermissions(w, r, granted.Sorted())
}

// mayGrantPermissions is mayGrant for permissions placed directly on a role.
func (a *API) mayGrantPermissions(w http.ResponseWriter, r *http.Request, perms []string) bool {
	p, _ := auth.PrincipalFromContext(r.Context())
	if a.isSuper(p) {
		return true
	}
	for _, perm := range perms {
		if !p.HasPermission(perm) {
			writeError(w, r, http.StatusForbidden, "forbidden", "cannot grant permission "+perm)
			return false
		}
	}
	return true
}

// --- roles ---

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	tenant, ok := a.tenantScope(r, r.URL.Query().Get("tenant_id"))
	if !ok {
		writeError(w, r, http.StatusForbidden, "forbidden", "tenant not accessible")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": a.gw.ListRoles(tenant)})
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := a.decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	tenant, ok := a.tenantScope(r, req.TenantID)
	if !ok {
		writeError(w, r, http.StatusForbidden, "forbidden", "tenant not accessible")
		return
	}
	if !a.mayGrantPermissions(w, r, req.Permissions) {
		return
	}
	role, err := a.gw.CreateRole(r.Context(), auth.RoleInput{
		TenantID:    tenant,
		Name:        req.Name,
		Description: req.Description,
		Permissions: req.Permissions,
	})
	if err != nil {
		a.writeAuthError(w, r, "create_role", err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.ID))
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleGetRole(w http.ResponseWriter, r *http.Request) {
	role, ok := a.scopedRole(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	role, ok := a.scopedRole(w, r)
	if !ok {
		return
	}
	var req updateRoleRequest
	if err := a.decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if req.Permissions != nil && !a.mayGrantPermissions(w, r, *req.Permissions) {
		return
	}
	updated, err := a.gw.UpdateRole(r.Context(), role.ID, auth.RoleUpdate{
		Name:        req.Name,
		Description: req.Description,
		Permissions: req.Permissions,
	})
	if err != nil {
		a.writeAuthError(w, r, "update_role", err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	role, ok := a.scopedRole(w, r)
	if !ok {
		return
	}
	if err := a.gw.DeleteRole(r.Context(), role.ID); err != nil {
		a.writeAuthError(w, r, "delete_role", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// scopedRole loads the {id} role. System roles are visible to every tenant.
func (a *API) scopedRole(w http.ResponseWriter, r *http.Request) (auth.Role, bool) {
	role, err := a.gw.GetRole(chi.URLParam(r, "id"))
	if err != nil {
		a.writeAuthError(w, r, "get_role", err)
		return auth.Role{}, false
	}
	if role.System {
		return role, true
	}
	if _, ok := a.tenantScope(r, role.TenantID); !ok {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
		return auth.Role{}, false
	}
	return role, true
}

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": a.gw.Permissions()})
}
