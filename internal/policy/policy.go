// Package policy evaluates per-tenant authentication policies against login
// attempts. Rules are declarative data; conditions are parsed by restricted
// grammars and never executed as code. Any failure to parse or evaluate a
// rule denies the attempt.
package policy

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// RuleType selects how a rule's condition is interpreted.
type RuleType string

const (
	RuleIPWhitelist RuleType = "ip-whitelist"
	RuleIPBlacklist RuleType = "ip-blacklist"
	RuleTimeBased   RuleType = "time-based"
	RuleDevice      RuleType = "device-based"
)

// Action is applied when a rule's condition decides the attempt.
type Action string

const (
	ActionAllow      Action = "allow"
	ActionDeny       Action = "deny"
	ActionRequireMFA Action = "require-mfa"
)

// SystemTenant owns the built-in default policy and system roles.
const SystemTenant = "system"

// ErrInvalidPolicy reports a policy whose rules cannot be compiled.
var ErrInvalidPolicy = errors.New("policy: invalid policy")

// Rule is one declarative condition.
type Rule struct {
	ID        string   `json:"id"`
	Type      RuleType `json:"type"`
	Condition string   `json:"condition"`
	Action    Action   `json:"action"`
	Enabled   bool     `json:"enabled"`
}

// AuthPolicy is the per-tenant ruleset applied to every login.
type AuthPolicy struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	Name           string         `json:"name"`
	Rules          []Rule         `json:"rules"`
	MFARequired    bool           `json:"mfa_required"`
	SessionTimeout time.Duration  `json:"session_timeout"`
	PasswordPolicy PasswordPolicy `json:"password_policy"`
}

// Clone returns a deep copy so callers can't mutate a stored policy.
func (p AuthPolicy) Clone() AuthPolicy {
	out := p
	out.Rules = append([]Rule(nil), p.Rules...)
	return out
}

// DefaultSessionTimeout applies when a policy leaves SessionTimeout unset.
const DefaultSessionTimeout = time.Hour

// DefaultPolicy returns the built-in policy for tenant: one hour sessions,
// MFA off, and two disabled sample rules restricting login to loopback
// addresses and office hours.
func DefaultPolicy(tenant string) AuthPolicy {
	if strings.TrimSpace(tenant) == "" {
		tenant = SystemTenant
	}
	return AuthPolicy{
		ID:       "default-" + tenant,
		TenantID: tenant,
		Name:     "Default Security Policy",
		Rules: []Rule{
			{
				ID:        "rule-001",
				Type:      RuleIPWhitelist,
				Condition: `ip in ["127.0.0.1", "::1"]`,
				Action:    ActionAllow,
				Enabled:   false,
			},
			{
				ID:        "rule-002",
				Type:      RuleTimeBased,
				Condition: "hour >= 9 && hour <= 17",
				Action:    ActionAllow,
				Enabled:   false,
			},
		},
		MFARequired:    false,
		SessionTimeout: DefaultSessionTimeout,
		PasswordPolicy: DefaultPasswordPolicy(),
	}
}

// Attempt describes the login being evaluated.
type Attempt struct {
	Username  string
	TenantID  string
	IP        string
	UserAgent string
}

// Deny categories exposed to callers. Rule internals stay in Reason.
const (
	CategoryIP     = "ip"
	CategoryTime   = "time"
	CategoryDevice = "device"
	CategoryPolicy = "policy"
)

// Decision is the outcome of evaluating a policy.
type Decision struct {
	Allowed    bool
	RequireMFA bool
	Reason     string
	Category   string
	RuleID     string
}

const (
	reasonNotWhitelisted = "IP address not in whitelist"
	reasonBlacklisted    = "IP address is blacklisted"
	reasonTime           = "Access not allowed at this time"
	reasonDevice         = "Device not allowed"
	reasonFailed         = "Policy evaluation failed"
)

func deny(rule Rule, category, reason string) Decision {
	return Decision{Allowed: false, Reason: reason, Category: category, RuleID: rule.ID}
}

func (r Rule) validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidPolicy)
	}
	switch r.Action {
	case ActionAllow, ActionDeny, ActionRequireMFA:
	default:
		return fmt.Errorf("%w: rule %s: unknown action %q", ErrInvalidPolicy, r.ID, r.Action)
	}
	return nil
}
