package auth

import (
	"context"
	"fmt"
	"net/mail"
	"slices"
	"sort"
	"strings"

	"authgate.org/internal/audit"
	"authgate.org/internal/ids"
	"authgate.org/internal/policy"
)

// CreateUser registers a user. Usernames are unique across tenants and
// compared case-insensitively.
func (g *Gateway) CreateUser(ctx context.Context, in UserInput) (User, error) {
	tenantID := strings.TrimSpace(in.TenantID)
	if tenantID == "" {
		return User{}, fmt.Errorf("%w: tenant_id is required", ErrInvalidInput)
	}
	username := strings.ToLower(strings.TrimSpace(in.Username))
	if username == "" {
		return User{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	email, err := normaliseEmail(in.Email)
	if err != nil {
		return User{}, err
	}
	status := strings.TrimSpace(in.Status)
	if status == "" {
		status = StatusActive
	}
	if !validStatus(status) {
		return User{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	if in.Password == "" {
		return User{}, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	pol := g.Policy(tenantID)
	if err := pol.PasswordPolicy.Validate(in.Password); err != nil {
		return User{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	roles := sortedRoles(in.Roles)
	if err := g.rbac.assignable(tenantID, roles); err != nil {
		return User{}, err
	}
	if _, taken := g.lookupUsername(username); taken {
		return User{}, fmt.Errorf("%w: username %q", ErrAlreadyExists, username)
	}

	digest, err := g.verifier.Hasher().Hash(in.Password)
	if err != nil {
		return User{}, fmt.Errorf("auth: hash password: %w", err)
	}
	secret, err := g.verifier.MFA().GenerateSecret(username)
	if err != nil {
		return User{}, fmt.Errorf("auth: generate mfa secret: %w", err)
	}

	now := g.now().UTC()
	user := &User{
		ID:                ids.New(),
		TenantID:          tenantID,
		Username:          username,
		Email:             email,
		Roles:             roles,
		Status:            status,
		PasswordChangedAt: now,
		CreatedAt:         now,
		UpdatedAt:         now,
		passwordHash:      digest,
		mfaSecret:         secret,
	}
	g.applyRoles(user, roles)

	g.mu.Lock()
	if _, taken := g.usernames[username]; taken {
		g.mu.Unlock()
		return User{}, fmt.Errorf("%w: username %q", ErrAlreadyExists, username)
	}
	g.users[user.ID] = user
	g.usernames[username] = user.ID
	out := user.clone()
	g.mu.Unlock()

	g.record(ctx, audit.Event{
		Name:     audit.EventUserCreated,
		UserID:   out.ID,
		TenantID: out.TenantID,
		Fields:   map[string]any{"username": out.Username, "roles": out.Roles},
	})
	return out, nil
}

// GetUser returns the user by id.
func (g *Gateway) GetUser(id string) (User, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return User{}, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	user, ok := g.userByID(id)
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

// ListUsers returns the users of tenantID, or every user when tenantID is
// empty, ordered by username.
func (g *Gateway) ListUsers(tenantID string) []User {
	tenantID = strings.TrimSpace(tenantID)
	g.mu.RLock()
	out := make([]User, 0, len(g.users))
	for _, u := range g.users {
		if tenantID == "" || u.TenantID == tenantID {
			out = append(out, u.clone())
		}
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// UpdateUser applies upd. A role change recomputes the user's permissions;
// moving the user out of active status revokes every session it holds.
func (g *Gateway) UpdateUser(ctx context.Context, id string, upd UserUpdate) (User, error) {
	current, err := g.GetUser(id)
	if err != nil {
		return User{}, err
	}

	var email *string
	if upd.Email != nil {
		e, err := normaliseEmail(*upd.Email)
		if err != nil {
			return User{}, err
		}
		email = &e
	}
	var status string
	if upd.Status != nil {
		status = strings.TrimSpace(*upd.Status)
		if !validStatus(status) {
			return User{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
		}
	}
	var roles []string
	if upd.Roles != nil {
		roles = sortedRoles(*upd.Roles)
		if err := g.rbac.assignable(current.TenantID, roles); err != nil {
			return User{}, err
		}
	}
	var digest string
	if upd.Password != nil {
		digest, err = g.newPasswordDigest(id, *upd.Password)
		if err != nil {
			return User{}, err
		}
	}

	now := g.now().UTC()
	g.mu.Lock()
	user, ok := g.users[current.ID]
	if !ok {
		g.mu.Unlock()
		return User{}, ErrNotFound
	}
	wasActive := user.Status == StatusActive
	rolesChanged := upd.Roles != nil && !slices.Equal(user.Roles, roles)
	if email != nil {
		user.Email = *email
	}
	if upd.Status != nil {
		user.Status = status
	}
	if upd.Roles != nil {
		g.applyRoles(user, roles)
	}
	if digest != "" {
		// The current hash counts towards HistoryCount, so keep one less.
		limit := max(g.Policy(user.TenantID).PasswordPolicy.HistoryCount-1, 0)
		user.passwordHistory = append([]string{user.passwordHash}, user.passwordHistory...)
		if len(user.passwordHistory) > limit {
			user.passwordHistory = user.passwordHistory[:limit]
		}
		user.passwordHash = digest
		user.PasswordChangedAt = now
	}
	user.UpdatedAt = now
	out := user.clone()
	g.mu.Unlock()

	if wasActive && out.Status != StatusActive {
		n, err := g.revokeUserSessions(ctx, out.ID)
		if err != nil {
			return out, err
		}
		g.log.Info().Str("user_id", out.ID).Str("status", out.Status).Int("sessions", n).Msg("user deactivated")
	}
	g.record(ctx, audit.Event{
		Name:     audit.EventUserUpdated,
		UserID:   out.ID,
		TenantID: out.TenantID,
		Fields:   map[string]any{"status": out.Status, "password_changed": digest != ""},
	})
	if rolesChanged {
		g.record(ctx, audit.Event{
			Name:     audit.EventRoleChanged,
			UserID:   out.ID,
			TenantID: out.TenantID,
			Fields:   map[string]any{"roles": out.Roles, "permissions": out.Permissions},
		})
	}
	return out, nil
}

// newPasswordDigest checks password against the tenant policy and the
// user's recent passwords and returns its digest.
func (g *Gateway) newPasswordDigest(userID, password string) (string, error) {
	g.mu.RLock()
	user, ok := g.users[userID]
	if !ok {
		g.mu.RUnlock()
		return "", ErrNotFound
	}
	tenantID := user.TenantID
	recent := append([]string{user.passwordHash}, user.passwordHistory...)
	g.mu.RUnlock()

	pp := g.Policy(tenantID).PasswordPolicy
	if err := pp.Validate(password); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if pp.HistoryCount > 0 {
		if len(recent) > pp.HistoryCount {
			recent = recent[:pp.HistoryCount]
		}
		for _, old := range recent {
			if g.verifier.VerifyPassword(password, old) {
				return "", fmt.Errorf("%w: %w: matches one of the last %d passwords", ErrInvalidInput, policy.ErrWeakPassword, pp.HistoryCount)
			}
		}
	}
	digest, err := g.verifier.Hasher().Hash(password)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return digest, nil
}

// DeleteUser removes the user and revokes its sessions.
func (g *Gateway) DeleteUser(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	g.mu.Lock()
	user, ok := g.users[id]
	if !ok {
		g.mu.Unlock()
		return ErrNotFound
	}
	delete(g.users, id)
	delete(g.usernames, user.Username)
	g.mu.Unlock()

	n, err := g.revokeUserSessions(ctx, id)
	if err != nil {
		return err
	}
	g.record(ctx, audit.Event{
		Name:     audit.EventUserDeleted,
		UserID:   id,
		TenantID: user.TenantID,
		Fields:   map[string]any{"username": user.Username, "sessions_revoked": n},
	})
	return nil
}

// EnrollMFA issues a fresh TOTP secret for the user and marks MFA enabled.
// The secret is returned once for provisioning.
func (g *Gateway) EnrollMFA(ctx context.Context, id string) (string, error) {
	current, err := g.GetUser(id)
	if err != nil {
		return "", err
	}
	secret, err := g.verifier.MFA().GenerateSecret(current.Username)
	if err != nil {
		return "", fmt.Errorf("auth: generate mfa secret: %w", err)
	}
	g.mu.Lock()
	user, ok := g.users[current.ID]
	if !ok {
		g.mu.Unlock()
		return "", ErrNotFound
	}
	user.mfaSecret = secret
	user.MFAEnabled = true
	user.UpdatedAt = g.now().UTC()
	g.mu.Unlock()

	g.record(ctx, audit.Event{Name: audit.EventMFAEnrolled, UserID: current.ID, TenantID: current.TenantID})
	return secret, nil
}

// applyRoles sets roles and recomputes the cached permission set.
func (g *Gateway) applyRoles(u *User, roles []string) {
	set, missing := g.rbac.Resolve(roles)
	if len(missing) > 0 {
		g.log.Warn().Str("user_id", u.ID).Strs("roles", missing).Msg("unknown roles grant no permissions")
	}
	u.Roles = roles
	u.permSet = set
	u.Permissions = set.Sorted()
}

func (g *Gateway) userByID(id string) (User, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	u, ok := g.users[id]
	if !ok {
		return User{}, false
	}
	return u.clone(), true
}

func (g *Gateway) lookupUsername(username string) (User, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.usernames[username]
	if !ok {
		return User{}, false
	}
	u, ok := g.users[id]
	if !ok {
		return User{}, false
	}
	return u.clone(), true
}

func (g *Gateway) userIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.users))
	for id := range g.users {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func normaliseEmail(raw string) (string, error) {
	email := strings.TrimSpace(raw)
	if email == "" {
		return "", nil
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: invalid email %q", ErrInvalidInput, email)
	}
	return strings.ToLower(email), nil
}

