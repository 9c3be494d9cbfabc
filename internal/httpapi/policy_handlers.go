package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"authgate.org/internal/policy"
)

type ruleDTO struct {
	ID        string `json:"id" validate:"required,max=64"`
	Type      string `json:"type" validate:"required,oneof=ip-whitelist ip-blacklist time-based device-based"`
	Condition string `json:"condition" validate:"required,max=4096"`
	Action    string `json:"action" validate:"required,oneof=allow deny require-mfa"`
	Enabled   bool   `json:"enabled"`
}

type policyDTO struct {
	ID                    string                 `json:"id"`
	TenantID              string                 `json:"tenant_id"`
	Name                  string                 `json:"name" validate:"max=128"`
	Rules                 []ruleDTO              `json:"rules" validate:"dive"`
	MFARequired           bool                   `json:"mfa_required"`
	SessionTimeoutSeconds int64                  `json:"session_timeout_seconds" validate:"gte=0"`
	PasswordPolicy        *policy.PasswordPolicy `json:"password_policy"`
}

func toPolicyDTO(p policy.AuthPolicy) policyDTO {
	rules := make([]ruleDTO, 0, len(p.Rules))
	for _, rule := range p.Rules {
		rules = append(rules, ruleDTO{
			ID:        rule.ID,
			Type:      string(rule.Type),
			Condition: rule.Condition,
			Action:    string(rule.Action),
			Enabled:   rule.Enabled,
		})
	}
	return policyDTO{
		ID:                    p.ID,
		TenantID:              p.TenantID,
		Name:                  p.Name,
		Rules:                 rules,
		MFARequired:           p.MFARequired,
		SessionTimeoutSeconds: int64(p.SessionTimeout / time.Second),
		PasswordPolicy:        &p.PasswordPolicy,
	}
}

// toPolicy converts a request body. An absent password_policy selects the
// default rules; an explicit empty object stores no complexity rules.
func (d policyDTO) toPolicy(tenant string) policy.AuthPolicy {
	pp := policy.DefaultPasswordPolicy()
	if d.PasswordPolicy != nil {
		pp = *d.PasswordPolicy
	}
	rules := make([]policy.Rule, 0, len(d.Rules))
	for _, rule := range d.Rules {
		rules = append(rules, policy.Rule{
			ID:        rule.ID,
			Type:      policy.RuleType(rule.Type),
			Condition: rule.Condition,
			Action:    policy.Action(rule.Action),
			Enabled:   rule.Enabled,
		})
	}
	return policy.AuthPolicy{
		ID:             d.ID,
		TenantID:       tenant,
		Name:           d.Name,
		Rules:          rules,
		MFARequired:    d.MFARequired,
		SessionTimeout: time.Duration(d.SessionTimeoutSeconds) * time.Second,
		PasswordPolicy: pp,
	}
}

func (a *API) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	tenant, ok := a.tenantScope(r, chi.URLParam(r, "id"))
	if !ok || tenant == "" {
		writeError(w, r, http.StatusForbidden, "forbidden", "tenant not accessible")
		return
	}
	writeJSON(w, http.StatusOK, toPolicyDTO(a.gw.Policy(tenant)))
}

func (a *API) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	tenant, ok := a.tenantScope(r, chi.URLParam(r, "id"))
	if !ok || tenant == "" {
		writeError(w, r, http.StatusForbidden, "forbidden", "tenant not accessible")
		return
	}
	var req policyDTO
	if err := a.decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	stored, err := a.gw.SetPolicy(r.Context(), req.toPolicy(tenant))
	if err != nil {
		a.writeAuthError(w, r, "set_policy", err)
		return
	}
	writeJSON(w, http.StatusOK, toPolicyDTO(stored))
}
