package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"authgate.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var (
	errMissingBearer = errors.New("missing bearer token")
	errBadScheme     = errors.New("invalid authorization scheme")
)

// withAuth authenticates the bearer token and attaches the principal.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="authgw"`)
			writeError(w, r, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		res, err := a.gw.ValidateToken(r.Context(), token, "", "")
		if err != nil {
			a.writeAuthError(w, r, "authenticate", err)
			return
		}
		ctx := auth.ContextWithPrincipal(r.Context(), res.Principal())
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePermission rejects principals lacking perm or the super permission.
func (a *API) requirePermission(perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="authgw"`)
				writeError(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}
			if !a.isSuper(p) && !p.HasPermission(perm) {
				writeError(w, r, http.StatusForbidden, "forbidden", "missing permission "+perm)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (a *API) isSuper(p auth.Principal) bool {
	return p.HasPermission(a.gw.SuperPermission())
}

// tenantScope resolves the tenant a request may act on. Super principals may
// name any tenant (or none, meaning all); everyone else is pinned to their own.
func (a *API) tenantScope(r *http.Request, requested string) (string, bool) {
	requested = strings.TrimSpace(requested)
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		return "", false
	}
	if a.isSuper(p) {
		return requested, true
	}
	if requested != "" && requested != p.User.TenantID {
		return "", false
	}
	return p.User.TenantID, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingBearer
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errBadScheme
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errMissingBearer
	}
	return token, nil
}
