// Package httpapi exposes the gateway over HTTP and gRPC.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"authgate.org/internal/auth"
	"authgate.org/internal/obs"
)

const (
	serviceName         = "authgw"
	defaultMaxBodyBytes = 1 << 20
)

// Pinger is anything whose health can be probed.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe reports readiness of the session store.
type ReadyProbe struct {
	Store Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// API is the HTTP layer over an auth.Gateway.
type API struct {
	gw         *auth.Gateway
	readyProbe readinessChecker
	version    string
	validate   *validator.Validate
	log        zerolog.Logger

	rateBurst    int
	ratePerSec   float64
	maxBodyBytes int64
}

// Option configures an API.
type Option func(*API)

// WithReadyProbe overrides the readiness check (defaults to pinging the gateway store).
func WithReadyProbe(rp readinessChecker) Option {
	return func(a *API) { a.readyProbe = rp }
}

// WithVersion sets the version reported by /healthz and /v1/info.
func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

// WithRateLimit sets the per-client token bucket on login and refresh.
// A zero rate disables limiting.
func WithRateLimit(burst int, perSecond float64) Option {
	return func(a *API) {
		a.rateBurst = burst
		a.ratePerSec = perSecond
	}
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBodyBytes = n
		}
	}
}

// WithLogger sets the logger used for handler errors.
func WithLogger(log zerolog.Logger) Option {
	return func(a *API) { a.log = log }
}

// New builds the API around gw.
func New(gw *auth.Gateway, opts ...Option) *API {
	a := &API{
		gw:           gw,
		readyProbe:   ReadyProbe{Store: gw},
		version:      "dev",
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		log:          *obs.Component("httpapi"),
		rateBurst:    10,
		ratePerSec:   5,
		maxBodyBytes: defaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the root handler with the full middleware chain.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID, obs.Instrument, LoggingJSON, SecurityHeaders, CORS)
	r.Use(func(next http.Handler) http.Handler { return MaxBodyBytes(next, a.maxBodyBytes) })
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if a.ratePerSec > 0 {
				r.Use(func(next http.Handler) http.Handler { return RateLimit(next, a.rateBurst, a.ratePerSec) })
			}
			r.Post("/auth/login", a.handleLogin)
			r.Post("/auth/refresh", a.handleRefresh)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.withAuth)
			r.Post("/auth/authorize", a.handleAuthorize)
			r.Post("/auth/logout", a.handleLogout)
			r.Get("/auth/me", a.handleMe)

			r.With(a.requirePermission(auth.PermSecurityAdmin)).Route("/sessions", func(r chi.Router) {
				r.Get("/", a.handleListSessions)
				r.Post("/cleanup", a.handleCleanup)
				r.Delete("/{id}", a.handleRevokeSession)
			})
			r.With(a.requirePermission(auth.PermUserManage)).Route("/users", func(r chi.Router) {
				r.Get("/", a.handleListUsers)
				r.Post("/", a.handleCreateUser)
				r.Get("/{id}", a.handleGetUser)
				r.Patch("/{id}", a.handleUpdateUser)
				r.Delete("/{id}", a.handleDeleteUser)
				r.Post("/{id}/mfa", a.handleEnrollMFA)
			})
			r.With(a.requirePermission(auth.PermTenantManage)).Route("/roles", func(r chi.Router) {
				r.Get("/", a.handleListRoles)
				r.Post("/", a.handleCreateRole)
				r.Get("/{id}", a.handleGetRole)
				r.Patch("/{id}", a.handleUpdateRole)
				r.Delete("/{id}", a.handleDeleteRole)
			})
			r.With(a.requirePermission(auth.PermTenantManage)).Get("/permissions", a.handleListPermissions)
			r.With(a.requirePermission(auth.PermSecurityAdmin)).Route("/tenants/{id}/policy", func(r chi.Router) {
				r.Get("/", a.handleGetPolicy)
				r.Put("/", a.handlePutPolicy)
			})
		})
	})
	return r
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	payload := map[string]any{
		"error": msg,
		"code":  code,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

// decodeJSON reads exactly one JSON value into dst and validates it.
func (a *API) decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return errors.New("request body is required")
		case errors.As(err, &tooLarge):
			return errors.New("request body too large")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	if err := a.validate.Struct(dst); err != nil {
		return validationMessage(err)
	}
	return nil
}

func validationMessage(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, strings.ToLower(fe.Field())+" failed "+fe.Tag())
	}
	return errors.New(strings.Join(msgs, "; "))
}
