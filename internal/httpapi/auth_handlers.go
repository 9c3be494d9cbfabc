package httpapi

import (
	"net/http"
	"time"

	"authgate.org/internal/auth"
)

type loginRequest struct {
	Username string `json:"username" validate:"required,max=256"`
	Password string `json:"password" validate:"required,max=1024"`
	TenantID string `json:"tenant_id" validate:"required,max=128"`
	MFACode  string `json:"mfa_code" validate:"omitempty,numeric,len=6"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type authorizeRequest struct {
	Action   string `json:"action" validate:"required"`
	Resource string `json:"resource" validate:"required"`
}

type tokenResponse struct {
	SessionID        string    `json:"session_id"`
	TokenType        string    `json:"token_type"`
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	User             auth.User `json:"user"`
}

func newTokenResponse(h auth.SessionHandle) tokenResponse {
	return tokenResponse{
		SessionID:        h.SessionID,
		TokenType:        "Bearer",
		AccessToken:      h.AccessToken,
		RefreshToken:     h.RefreshToken,
		ExpiresAt:        h.ExpiresAt,
		RefreshExpiresAt: h.RefreshExpiresAt,
		User:             h.User,
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := a.decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	client := auth.ClientFromContext(r.Context())
	h, err := a.gw.Authenticate(r.Context(), auth.LoginRequest{
		Username:  req.Username,
		Password:  req.Password,
		TenantID:  req.TenantID,
		MFACode:   req.MFACode,
		IP:        client.IP,
		UserAgent: client.UserAgent,
	})
	if err != nil {
		a.writeAuthError(w, r, "login", err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(h))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := a.decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	h, err := a.gw.RefreshToken(r.Context(), req.RefreshToken)
	if err != nil {
		a.writeAuthError(w, r, "refresh", err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(h))
}

func (a *API) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := a.decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	token, _ := auth.TokenFromContext(r.Context())
	res, err := a.gw.ValidateToken(r.Context(), token, req.Action, req.Resource)
	if err != nil {
		a.writeAuthError(w, r, "authorize", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"allowed":     res.Allowed,
		"session_id":  res.SessionID,
		"user_id":     res.User.ID,
		"tenant_id":   res.User.TenantID,
		"permissions": res.User.Permissions,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	if err := a.gw.RevokeSession(r.Context(), p.SessionID); err != nil {
		a.writeAuthError(w, r, "logout", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": p.SessionID,
		"user":       p.User,
	})
}
