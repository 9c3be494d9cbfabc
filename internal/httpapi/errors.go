package httpapi

import (
	"errors"
	"net/http"

	"authgate.org/internal/auth"
)

// writeAuthError maps gateway errors onto HTTP responses. Authentication
// failures collapse to a generic 401; the specific kind is only logged.
func (a *API) writeAuthError(w http.ResponseWriter, r *http.Request, op string, err error) {
	kind := auth.Kind(err)
	status, code, msg := http.StatusInternalServerError, "internal", "internal error"

	var denied *auth.PolicyDeniedError
	switch {
	case errors.Is(err, auth.ErrMFARequired):
		status, code, msg = http.StatusUnauthorized, "mfa_required", "mfa code required"
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidMFACode),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrTokenRevoked),
		errors.Is(err, auth.ErrSessionExpired),
		errors.Is(err, auth.ErrUserInactive):
		status, code, msg = http.StatusUnauthorized, "unauthorized", "unauthorized"
	case errors.As(err, &denied):
		w.Header().Set("X-Denied-Category", denied.Category)
		status, code, msg = http.StatusForbidden, "policy_denied", "access denied by "+denied.Category+" policy"
	case errors.Is(err, auth.ErrInsufficientPermissions):
		status, code, msg = http.StatusForbidden, "forbidden", "insufficient permissions"
	case errors.Is(err, auth.ErrInvalidInput):
		status, code, msg = http.StatusBadRequest, "invalid_input", err.Error()
	case errors.Is(err, auth.ErrNotFound):
		status, code, msg = http.StatusNotFound, "not_found", "resource not found"
	case errors.Is(err, auth.ErrAlreadyExists):
		status, code, msg = http.StatusConflict, "already_exists", err.Error()
	case errors.Is(err, auth.ErrImmutableRole):
		status, code, msg = http.StatusConflict, "immutable_role", "system roles cannot be changed"
	case errors.Is(err, auth.ErrUnavailable):
		status, code, msg = http.StatusServiceUnavailable, "unavailable", "service unavailable"
	}

	ev := a.log.Warn()
	if status >= http.StatusInternalServerError {
		ev = a.log.Error()
	}
	ev.Err(err).
		Str("op", op).
		Str("kind", kind).
		Int("status", status).
		Str("request_id", RequestIDFromContext(r.Context())).
		Msg("request failed")

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="authgw"`)
	}
	writeError(w, r, status, code, msg)
}
