package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"authgate.org/internal/auth"
)

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	tenant, ok := a.tenantScope(r, r.URL.Query().Get("tenant_id"))
	if !ok {
		writeError(w, r, http.StatusForbidden, "forbidden", "tenant not accessible")
		return
	}
	sessions, err := a.gw.ListSessions(r.Context(), strings.TrimSpace(r.URL.Query().Get("user_id")))
	if err != nil {
		a.writeAuthError(w, r, "list_sessions", err)
		return
	}
	items := make([]auth.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		if tenant == "" || s.TenantID == tenant {
			items = append(items, s)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, err := a.gw.Session(r.Context(), id)
	switch {
	case errors.Is(err, auth.ErrNotFound):
		// already gone; revoking is idempotent
		w.WriteHeader(http.StatusNoContent)
		return
	case err != nil:
		a.writeAuthError(w, r, "revoke_session", err)
		return
	}
	if _, ok := a.tenantScope(r, info.TenantID); !ok {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
		return
	}
	if err := a.gw.RevokeSession(r.Context(), id); err != nil {
		a.writeAuthError(w, r, "revoke_session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCleanup(w http.ResponseWriter, r *http.Request) {
	res, err := a.gw.CleanupSessions(r.Context())
	if err != nil {
		a.writeAuthError(w, r, "cleanup", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
