package auth

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("auth: not found")
	ErrAlreadyExists = errors.New("auth: already exists")
	ErrInvalidInput  = errors.New("auth: invalid input")
	ErrImmutableRole = errors.New("auth: system roles are immutable")
	// ErrUnavailable wraps failures of the session or revocation store.
	ErrUnavailable = errors.New("auth: backing store unavailable")

	// Login failures.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrPolicyDenied       = errors.New("auth: denied by policy")
	ErrMFARequired        = errors.New("auth: mfa code required")
	ErrInvalidMFACode     = errors.New("auth: invalid mfa code")

	// Authorization failures.
	ErrInvalidToken            = errors.New("auth: invalid token")
	ErrTokenRevoked            = errors.New("auth: token revoked")
	ErrSessionExpired          = errors.New("auth: session expired")
	ErrUserInactive            = errors.New("auth: user inactive")
	ErrInsufficientPermissions = errors.New("auth: insufficient permissions")
)

// PolicyDeniedError carries the rule outcome behind ErrPolicyDenied. Reason
// is for logs; Category is safe to show to the caller.
type PolicyDeniedError struct {
	Reason   string
	Category string
	RuleID   string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("auth: denied by policy: %s", e.Reason)
}

func (e *PolicyDeniedError) Unwrap() error { return ErrPolicyDenied }

var kinds = []struct {
	err  error
	name string
}{
	{ErrInvalidCredentials, "invalid_credentials"},
	{ErrPolicyDenied, "policy_denied"},
	{ErrMFARequired, "mfa_required"},
	{ErrInvalidMFACode, "invalid_mfa_code"},
	{ErrInvalidToken, "invalid_token"},
	{ErrTokenRevoked, "token_revoked"},
	{ErrSessionExpired, "session_expired"},
	{ErrUserInactive, "user_inactive"},
	{ErrInsufficientPermissions, "insufficient_permissions"},
	{ErrNotFound, "not_found"},
	{ErrAlreadyExists, "already_exists"},
	{ErrInvalidInput, "invalid_input"},
	{ErrImmutableRole, "immutable_role"},
	{ErrUnavailable, "unavailable"},
}

// Kind names the error kind of err for logs, audit and metrics. nil is "ok".
func Kind(err error) string {
	if err == nil {
		return "ok"
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}
