// Package auth implements the authentication gateway: it owns the user and
// role tables and orchestrates credential checks, policy evaluation, token
// issuance and session bookkeeping.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"authgate.org/internal/audit"
	"authgate.org/internal/credential"
	"authgate.org/internal/ids"
	"authgate.org/internal/kv"
	"authgate.org/internal/obs"
	"authgate.org/internal/policy"
	"authgate.org/internal/revocation"
	"authgate.org/internal/session"
	"authgate.org/internal/token"
)

const (
	defaultAccessTTL          = time.Hour
	defaultRefreshTTL         = 7 * 24 * time.Hour
	defaultRevocationFallback = 24 * time.Hour
	defaultSessionSweep       = time.Minute
	defaultRevocationSweep    = time.Hour
)

// Config holds the gateway's process-wide settings.
type Config struct {
	Secret                string
	Issuer                string
	AccessTTL             time.Duration
	RefreshTTL            time.Duration
	RevocationFallbackTTL time.Duration
	SuperPermission       string
	SessionSweepInterval  time.Duration
	RevocationSweep       time.Duration
}

func (c *Config) applyDefaults() {
	if c.AccessTTL <= 0 {
		c.AccessTTL = defaultAccessTTL
	}
	if c.RefreshTTL <= 0 {
		c.RefreshTTL = defaultRefreshTTL
	}
	if c.RevocationFallbackTTL <= 0 {
		c.RevocationFallbackTTL = defaultRevocationFallback
	}
	if c.SuperPermission == "" {
		c.SuperPermission = PermMCPAdmin
	}
	if c.SessionSweepInterval <= 0 {
		c.SessionSweepInterval = defaultSessionSweep
	}
	if c.RevocationSweep <= 0 {
		c.RevocationSweep = defaultRevocationSweep
	}
}

// Gateway is safe for concurrent use. Construct one per process.
type Gateway struct {
	cfg      Config
	store    kv.Store
	tokens   *token.Issuer
	verifier *credential.Verifier
	engine   *policy.Engine
	sessions *session.Store
	revoked  *revocation.Store
	rbac     *RBAC
	audit    audit.Sink
	log      zerolog.Logger
	now      func() time.Time

	mu        sync.RWMutex
	users     map[string]*User
	usernames map[string]string

	policyMu sync.RWMutex
	policies map[string]policy.AuthPolicy

	dummyOnce   sync.Once
	dummyDigest string

	cleanupMu sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option configures a Gateway.
type Option func(*Gateway) error

// WithClock overrides the time source (useful for tests).
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) error {
		if now == nil {
			return errors.New("auth: clock must not be nil")
		}
		g.now = now
		return nil
	}
}

// WithLogger sets the gateway logger.
func WithLogger(log zerolog.Logger) Option {
	return func(g *Gateway) error {
		g.log = log
		return nil
	}
}

// WithAuditSink routes audit events to sink.
func WithAuditSink(sink audit.Sink) Option {
	return func(g *Gateway) error {
		if sink == nil {
			return errors.New("auth: audit sink must not be nil")
		}
		g.audit = sink
		return nil
	}
}

// WithVerifier replaces the credential verifier.
func WithVerifier(v *credential.Verifier) Option {
	return func(g *Gateway) error {
		if v == nil {
			return errors.New("auth: verifier must not be nil")
		}
		g.verifier = v
		return nil
	}
}

// WithPolicyEngine replaces the policy engine.
func WithPolicyEngine(e *policy.Engine) Option {
	return func(g *Gateway) error {
		if e == nil {
			return errors.New("auth: policy engine must not be nil")
		}
		g.engine = e
		return nil
	}
}

// NewGateway wires a gateway over store. It refuses to start without a
// signing secret.
func NewGateway(cfg Config, store kv.Store, opts ...Option) (*Gateway, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	cfg.applyDefaults()
	g := &Gateway{
		cfg:       cfg,
		store:     store,
		audit:     audit.Nop{},
		log:       zerolog.Nop(),
		now:       time.Now,
		users:     make(map[string]*User),
		usernames: make(map[string]string),
		policies:  make(map[string]policy.AuthPolicy),
	}
	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, err
		}
	}
	tokens, err := token.NewIssuer(cfg.Secret, token.WithIssuer(cfg.Issuer), token.WithClock(g.now))
	if err != nil {
		return nil, err
	}
	g.tokens = tokens
	if g.verifier == nil {
		g.verifier = credential.NewVerifier(nil, credential.NewTOTP(cfg.Issuer), g.log)
	}
	if g.engine == nil {
		g.engine = policy.NewEngine(policy.WithLogger(g.log))
	}
	g.sessions = session.New(store, session.WithClock(g.now))
	g.revoked = revocation.New(store, revocation.WithClock(g.now))
	g.rbac = NewRBAC(g.now)
	g.policies[policy.SystemTenant] = policy.DefaultPolicy(policy.SystemTenant)
	return g, nil
}

// RBAC exposes the permission resolver.
func (g *Gateway) RBAC() *RBAC { return g.rbac }

// SuperPermission is the permission that implies every other.
func (g *Gateway) SuperPermission() string { return g.cfg.SuperPermission }

// Ping checks the backing store.
func (g *Gateway) Ping(ctx context.Context) error {
	if err := g.store.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Authenticate verifies credentials and policy and opens a session.
func (g *Gateway) Authenticate(ctx context.Context, req LoginRequest) (SessionHandle, error) {
	handle, err := g.authenticate(ctx, req)
	obs.ObserveLogin(Kind(err))
	if err != nil {
		g.record(ctx, audit.Event{
			Name:     audit.EventLoginFailed,
			UserID:   handle.User.ID,
			TenantID: strings.TrimSpace(req.TenantID),
			Kind:     Kind(err),
			IP:       req.IP,
			Fields:   loginFields(req, err),
		})
		return SessionHandle{}, err
	}
	g.record(ctx, audit.Event{
		Name:      audit.EventLogin,
		UserID:    handle.User.ID,
		TenantID:  handle.User.TenantID,
		SessionID: handle.SessionID,
		IP:        req.IP,
	})
	return handle, nil
}

func loginFields(req LoginRequest, err error) map[string]any {
	fields := map[string]any{"username": strings.ToLower(strings.TrimSpace(req.Username))}
	var denied *PolicyDeniedError
	if errors.As(err, &denied) {
		fields["reason"] = denied.Reason
		fields["rule_id"] = denied.RuleID
	}
	return fields
}

// authenticate returns a handle carrying only the user id on failure, for auditing.
func (g *Gateway) authenticate(ctx context.Context, req LoginRequest) (SessionHandle, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	tenantID := strings.TrimSpace(req.TenantID)

	user, ok := g.lookupUsername(username)
	if !ok || user.TenantID != tenantID || user.Status != StatusActive {
		// spend the same hashing work as a real check
		g.verifier.VerifyPassword(req.Password, g.dummyHash())
		var failed SessionHandle
		if ok {
			failed.User.ID = user.ID
		}
		return failed, ErrInvalidCredentials
	}
	failed := SessionHandle{User: User{ID: user.ID}}
	if !g.verifier.VerifyPassword(req.Password, user.passwordHash) {
		return failed, ErrInvalidCredentials
	}

	now := g.now().UTC()
	pol := g.Policy(tenantID)
	dec := g.engine.Evaluate(pol, policy.Attempt{
		Username:  username,
		TenantID:  tenantID,
		IP:        req.IP,
		UserAgent: req.UserAgent,
	}, now)
	if !dec.Allowed {
		return failed, &PolicyDeniedError{Reason: dec.Reason, Category: dec.Category, RuleID: dec.RuleID}
	}
	if dec.RequireMFA {
		code := strings.TrimSpace(req.MFACode)
		if code == "" {
			return failed, ErrMFARequired
		}
		if !g.verifier.VerifyMFACode(code, user.mfaSecret) {
			return failed, ErrInvalidMFACode
		}
	}

	expiresAt := now.Add(sessionTimeout(pol, g.cfg.AccessTTL))
	refreshExpiresAt := now.Add(g.cfg.RefreshTTL)
	if refreshExpiresAt.Before(expiresAt) {
		refreshExpiresAt = expiresAt
	}
	pair, err := g.tokens.MintPair(user.ID, user.TenantID, expiresAt, refreshExpiresAt)
	if err != nil {
		return failed, fmt.Errorf("auth: issue tokens: %w", err)
	}
	sess := session.Session{
		ID:               ids.Session(),
		UserID:           user.ID,
		TenantID:         user.TenantID,
		AccessToken:      pair.Access,
		RefreshToken:     pair.Refresh,
		CreatedAt:        now,
		ExpiresAt:        pair.AccessExpiresAt,
		RefreshExpiresAt: pair.RefreshExpiresAt,
		LastAccessed:     now,
		IP:               req.IP,
		UserAgent:        req.UserAgent,
	}
	if err := g.sessions.Create(ctx, sess); err != nil {
		return failed, fmt.Errorf("%w: create session: %v", ErrUnavailable, err)
	}

	g.mu.Lock()
	if u, ok := g.users[user.ID]; ok {
		at := now
		u.LastLogin = &at
		user = u.clone()
	}
	g.mu.Unlock()

	return SessionHandle{
		SessionID:        sess.ID,
		AccessToken:      pair.Access,
		RefreshToken:     pair.Refresh,
		ExpiresAt:        sess.ExpiresAt,
		RefreshExpiresAt: sess.RefreshExpiresAt,
		User:             user,
	}, nil
}

func sessionTimeout(p policy.AuthPolicy, fallback time.Duration) time.Duration {
	if p.SessionTimeout > 0 {
		return p.SessionTimeout
	}
	return fallback
}

func (g *Gateway) dummyHash() string {
	g.dummyOnce.Do(func() {
		digest, err := g.verifier.Hasher().Hash(ids.Session())
		if err != nil {
			g.log.Warn().Err(err).Msg("dummy hash unavailable")
		}
		g.dummyDigest = digest
	})
	return g.dummyDigest
}

// ValidateToken checks an access token and, unless action and resource are
// both empty, that its user holds resource:action. On success the session's
// last-accessed time is updated.
func (g *Gateway) ValidateToken(ctx context.Context, raw, action, resource string) (AuthzResult, error) {
	res, err := g.validateToken(ctx, raw, action, resource)
	obs.ObserveValidation(Kind(err))
	if err != nil {
		if !errors.Is(err, ErrInvalidToken) {
			g.record(ctx, audit.Event{
				Name:      audit.EventAccessDenied,
				UserID:    res.User.ID,
				TenantID:  res.User.TenantID,
				SessionID: res.SessionID,
				Kind:      Kind(err),
				Fields:    map[string]any{"action": action, "resource": resource},
			})
		}
		return AuthzResult{}, err
	}
	return res, nil
}

func (g *Gateway) validateToken(ctx context.Context, raw, action, resource string) (AuthzResult, error) {
	claims, err := g.tokens.Verify(raw, token.TypeAccess)
	if err != nil {
		return AuthzResult{}, ErrInvalidToken
	}
	partial := AuthzResult{User: User{ID: claims.UserID, TenantID: claims.TenantID}}

	revoked, err := g.revoked.IsRevoked(ctx, raw)
	if err != nil {
		return partial, fmt.Errorf("%w: revocation lookup: %v", ErrUnavailable, err)
	}
	if revoked {
		return partial, ErrTokenRevoked
	}

	sess, err := g.sessions.FindByAccessToken(ctx, raw)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return partial, g.missingSession(ctx, raw)
		}
		return partial, fmt.Errorf("%w: session lookup: %v", ErrUnavailable, err)
	}
	partial.SessionID = sess.ID
	now := g.now().UTC()
	if sess.UserID != claims.UserID {
		return partial, ErrInvalidToken
	}
	if sess.Expired(now) {
		return partial, ErrSessionExpired
	}

	user, ok := g.userByID(sess.UserID)
	if !ok || user.Status != StatusActive {
		return partial, ErrUserInactive
	}
	partial.User = user
	if action != "" || resource != "" {
		if !HasPermission(user.permSet, g.cfg.SuperPermission, action, resource) {
			return partial, ErrInsufficientPermissions
		}
	}

	if err := g.sessions.Touch(ctx, sess.ID, now); err != nil && !errors.Is(err, session.ErrNotFound) {
		g.log.Warn().Err(err).Str("session_id", sess.ID).Msg("session touch failed")
	}
	return AuthzResult{Allowed: true, SessionID: sess.ID, User: user}, nil
}

// missingSession classifies a token whose session could not be found. A
// concurrent revoke or rotation may have removed it after the revocation check.
func (g *Gateway) missingSession(ctx context.Context, raw string) error {
	if revoked, err := g.revoked.IsRevoked(ctx, raw); err == nil && revoked {
		return ErrTokenRevoked
	}
	return ErrSessionExpired
}

// RefreshToken rotates both tokens of the session owning refreshToken. The
// outgoing pair is revoked before the new one is stored; the session id is kept.
func (g *Gateway) RefreshToken(ctx context.Context, refreshToken string) (SessionHandle, error) {
	handle, err := g.refresh(ctx, refreshToken)
	if err != nil {
		g.record(ctx, audit.Event{
			Name:      audit.EventRefresh,
			UserID:    handle.User.ID,
			SessionID: handle.SessionID,
			Kind:      Kind(err),
		})
		return SessionHandle{}, err
	}
	g.record(ctx, audit.Event{
		Name:      audit.EventRefresh,
		UserID:    handle.User.ID,
		TenantID:  handle.User.TenantID,
		SessionID: handle.SessionID,
	})
	return handle, nil
}

func (g *Gateway) refresh(ctx context.Context, refreshToken string) (SessionHandle, error) {
	claims, err := g.tokens.Verify(refreshToken, token.TypeRefresh)
	if err != nil {
		return SessionHandle{}, ErrInvalidToken
	}
	failed := SessionHandle{User: User{ID: claims.UserID}}

	revoked, err := g.revoked.IsRevoked(ctx, refreshToken)
	if err != nil {
		return failed, fmt.Errorf("%w: revocation lookup: %v", ErrUnavailable, err)
	}
	if revoked {
		return failed, ErrTokenRevoked
	}
	sess, err := g.sessions.FindByRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return failed, g.missingSession(ctx, refreshToken)
		}
		return failed, fmt.Errorf("%w: session lookup: %v", ErrUnavailable, err)
	}
	failed.SessionID = sess.ID
	if sess.UserID != claims.UserID {
		return failed, ErrInvalidToken
	}
	user, ok := g.userByID(sess.UserID)
	if !ok || user.Status != StatusActive {
		return failed, ErrUserInactive
	}

	now := g.now().UTC()
	pol := g.Policy(user.TenantID)
	expiresAt := now.Add(sessionTimeout(pol, g.cfg.AccessTTL))
	refreshExpiresAt := now.Add(g.cfg.RefreshTTL)
	if refreshExpiresAt.Before(expiresAt) {
		refreshExpiresAt = expiresAt
	}
	pair, err := g.tokens.MintPair(user.ID, user.TenantID, expiresAt, refreshExpiresAt)
	if err != nil {
		return failed, fmt.Errorf("auth: issue tokens: %w", err)
	}
	next := *sess
	next.AccessToken = pair.Access
	next.RefreshToken = pair.Refresh
	next.ExpiresAt = pair.AccessExpiresAt
	next.RefreshExpiresAt = pair.RefreshExpiresAt
	next.LastAccessed = now

	_, err = g.sessions.Replace(ctx, refreshToken, next, func(prev *session.Session) error {
		return g.revokePair(ctx, prev)
	})
	switch {
	case errors.Is(err, session.ErrConflict):
		return failed, ErrTokenRevoked
	case errors.Is(err, session.ErrNotFound):
		return failed, g.missingSession(ctx, refreshToken)
	case err != nil:
		return failed, fmt.Errorf("%w: rotate session: %v", ErrUnavailable, err)
	}

	return SessionHandle{
		SessionID:        next.ID,
		AccessToken:      next.AccessToken,
		RefreshToken:     next.RefreshToken,
		ExpiresAt:        next.ExpiresAt,
		RefreshExpiresAt: next.RefreshExpiresAt,
		User:             user,
	}, nil
}

// RevokeSession denylists the session's tokens and deletes it. Revoking an
// unknown or already revoked session succeeds.
func (g *Gateway) RevokeSession(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("%w: session_id is required", ErrInvalidInput)
	}
	sess, err := g.sessions.Get(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: session lookup: %v", ErrUnavailable, err)
	}
	if err := g.revokePair(ctx, sess); err != nil {
		return err
	}
	if _, err := g.sessions.Delete(ctx, sessionID); err != nil && !errors.Is(err, session.ErrNotFound) {
		return fmt.Errorf("%w: delete session: %v", ErrUnavailable, err)
	}
	obs.ObserveRevocation(1)
	g.record(ctx, audit.Event{
		Name:      audit.EventRevoke,
		UserID:    sess.UserID,
		TenantID:  sess.TenantID,
		SessionID: sess.ID,
	})
	return nil
}

// revokePair denylists both tokens of s until their own expiry.
func (g *Gateway) revokePair(ctx context.Context, s *session.Session) error {
	if err := g.revokeToken(ctx, s.AccessToken); err != nil {
		return err
	}
	return g.revokeToken(ctx, s.RefreshToken)
}

// revokeToken uses the token's exp claim; tokens that can't be decoded are
// kept for the configured fallback period.
func (g *Gateway) revokeToken(ctx context.Context, raw string) error {
	exp, ok := token.ExpiresAt(raw)
	if !ok {
		exp = g.now().Add(g.cfg.RevocationFallbackTTL)
	}
	if err := g.revoked.Revoke(ctx, raw, exp); err != nil {
		return fmt.Errorf("%w: revoke token: %v", ErrUnavailable, err)
	}
	return nil
}

// revokeUserSessions revokes every session of userID and returns how many
// were revoked.
func (g *Gateway) revokeUserSessions(ctx context.Context, userID string) (int, error) {
	sessions, err := g.sessions.ListByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: list sessions: %v", ErrUnavailable, err)
	}
	for _, s := range sessions {
		if err := g.RevokeSession(ctx, s.ID); err != nil {
			return 0, err
		}
	}
	return len(sessions), nil
}

// Session returns the token-free view of one session.
func (g *Gateway) Session(ctx context.Context, id string) (SessionInfo, error) {
	sess, err := g.sessions.Get(ctx, strings.TrimSpace(id))
	if errors.Is(err, session.ErrNotFound) {
		return SessionInfo{}, ErrNotFound
	}
	if err != nil {
		return SessionInfo{}, fmt.Errorf("%w: session lookup: %v", ErrUnavailable, err)
	}
	return sessionInfo(sess), nil
}

func sessionInfo(s *session.Session) SessionInfo {
	return SessionInfo{
		ID:           s.ID,
		UserID:       s.UserID,
		TenantID:     s.TenantID,
		CreatedAt:    s.CreatedAt,
		ExpiresAt:    s.ExpiresAt,
		LastAccessed: s.LastAccessed,
		IP:           s.IP,
		UserAgent:    s.UserAgent,
	}
}

// ListSessions returns the live sessions of userID, or of every user when
// userID is empty. Token values are never included.
func (g *Gateway) ListSessions(ctx context.Context, userID string) ([]SessionInfo, error) {
	userIDs := []string{strings.TrimSpace(userID)}
	if userIDs[0] == "" {
		userIDs = g.userIDs()
	}
	var out []SessionInfo
	for _, id := range userIDs {
		sessions, err := g.sessions.ListByUser(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("%w: list sessions: %v", ErrUnavailable, err)
		}
		for i := range sessions {
			out = append(out, sessionInfo(&sessions[i]))
		}
	}
	return out, nil
}

// SetPolicy validates and stores the policy of p.TenantID. Storing the
// system tenant's policy changes the default for every other tenant.
// PasswordPolicy is stored as given; a zero value means no password rules.
func (g *Gateway) SetPolicy(ctx context.Context, p policy.AuthPolicy) (policy.AuthPolicy, error) {
	p.TenantID = strings.TrimSpace(p.TenantID)
	if p.TenantID == "" {
		return policy.AuthPolicy{}, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	if p.ID == "" {
		p.ID = "policy-" + p.TenantID
	}
	if p.SessionTimeout == 0 {
		p.SessionTimeout = policy.DefaultSessionTimeout
	}
	if err := g.engine.Validate(p); err != nil {
		return policy.AuthPolicy{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	g.policyMu.Lock()
	g.policies[p.TenantID] = p.Clone()
	g.policyMu.Unlock()
	g.record(ctx, audit.Event{
		Name:     audit.EventPolicyChanged,
		TenantID: p.TenantID,
		Fields:   map[string]any{"policy_id": p.ID, "rules": len(p.Rules), "mfa_required": p.MFARequired},
	})
	return p.Clone(), nil
}

// Policy returns the tenant's policy, or the system default.
func (g *Gateway) Policy(tenantID string) policy.AuthPolicy {
	g.policyMu.RLock()
	defer g.policyMu.RUnlock()
	if p, ok := g.policies[strings.TrimSpace(tenantID)]; ok {
		return p.Clone()
	}
	return g.policies[policy.SystemTenant].Clone()
}

func (g *Gateway) record(ctx context.Context, ev audit.Event) {
	if err := g.audit.Record(ctx, ev); err != nil {
		g.log.Warn().Err(err).Str("event", ev.Name).Msg("audit record failed")
	}
}
