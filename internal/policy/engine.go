package policy

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-bexpr"
	"github.com/rs/zerolog"
)

// Identifiers available to time-based rules.
var timeIdents = []string{"hour", "minute", "weekday", "day", "month"}

// Engine evaluates policies. Compiled conditions are cached by rule type and
// condition text, so repeated logins don't re-parse tenant rules.
type Engine struct {
	loc *time.Location
	log zerolog.Logger

	mu    sync.RWMutex
	cache map[string]any
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLocation sets the zone used for time-based rules (server-local by default).
func WithLocation(loc *time.Location) EngineOption {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithLogger attaches a logger for evaluation failures.
func WithLogger(log zerolog.Logger) EngineOption {
	return func(e *Engine) { e.log = log }
}

// NewEngine returns an engine with an empty condition cache.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		loc:   time.Local,
		log:   zerolog.Nop(),
		cache: make(map[string]any),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Validate compiles every rule of p, enabled or not, and reports the first
// problem. Used before a policy is stored.
func (e *Engine) Validate(p AuthPolicy) error {
	if p.SessionTimeout < 0 {
		return fmt.Errorf("%w: negative session timeout", ErrInvalidPolicy)
	}
	if p.PasswordPolicy.MinLength < 0 || p.PasswordPolicy.HistoryCount < 0 || p.PasswordPolicy.MaxAgeDays < 0 {
		return fmt.Errorf("%w: negative password policy value", ErrInvalidPolicy)
	}
	seen := make(map[string]struct{}, len(p.Rules))
	for _, r := range p.Rules {
		if err := r.validate(); err != nil {
			return err
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("%w: duplicate rule id %s", ErrInvalidPolicy, r.ID)
		}
		seen[r.ID] = struct{}{}
		if _, err := e.compile(r); err != nil {
			return fmt.Errorf("rule %s: %w", r.ID, err)
		}
	}
	return nil
}

// Evaluate applies the enabled rules of p in order and stops at the first
// deny. A rule that cannot be parsed or evaluated denies the attempt.
func (e *Engine) Evaluate(p AuthPolicy, a Attempt, now time.Time) Decision {
	dec := Decision{Allowed: true, RequireMFA: p.MFARequired}
	for _, rule := range p.Rules {
		if !rule.Enabled {
			continue
		}
		matched, err := e.match(rule, a, now)
		if err != nil {
			e.log.Warn().Err(err).
				Str("policy_id", p.ID).
				Str("rule_id", rule.ID).
				Str("tenant_id", p.TenantID).
				Msg("policy rule evaluation failed")
			return deny(rule, CategoryPolicy, reasonFailed)
		}
		out, ok := apply(rule, matched)
		if !ok {
			return out
		}
		if out.RequireMFA {
			dec.RequireMFA = true
		}
	}
	return dec
}

// apply turns a rule match into a verdict. ok is false when the rule denies.
func apply(rule Rule, matched bool) (Decision, bool) {
	category, reason := denyText(rule.Type)
	switch rule.Type {
	case RuleIPBlacklist:
		if !matched {
			return Decision{}, true
		}
		if rule.Action == ActionRequireMFA {
			return Decision{RequireMFA: true}, true
		}
		return deny(rule, category, reason), false
	default:
		switch rule.Action {
		case ActionAllow:
			if !matched {
				return deny(rule, category, reason), false
			}
		case ActionDeny:
			if matched {
				return deny(rule, category, reason), false
			}
		case ActionRequireMFA:
			if matched {
				return Decision{RequireMFA: true}, true
			}
		default:
			return deny(rule, CategoryPolicy, reasonFailed), false
		}
		return Decision{}, true
	}
}

func denyText(t RuleType) (string, string) {
	switch t {
	case RuleIPWhitelist:
		return CategoryIP, reasonNotWhitelisted
	case RuleIPBlacklist:
		return CategoryIP, reasonBlacklisted
	case RuleTimeBased:
		return CategoryTime, reasonTime
	case RuleDevice:
		return CategoryDevice, reasonDevice
	}
	return CategoryPolicy, reasonFailed
}

func (e *Engine) match(rule Rule, a Attempt, now time.Time) (bool, error) {
	compiled, err := e.compile(rule)
	if err != nil {
		return false, err
	}
	switch c := compiled.(type) {
	case *IPList:
		addr, err := netip.ParseAddr(strings.TrimSpace(a.IP))
		if err != nil {
			return false, fmt.Errorf("client ip %q: %w", a.IP, err)
		}
		return c.Contains(addr), nil
	case *Expr:
		local := now.In(e.loc)
		return c.Eval(map[string]int64{
			"hour":    int64(local.Hour()),
			"minute":  int64(local.Minute()),
			"weekday": int64(local.Weekday()),
			"day":     int64(local.Day()),
			"month":   int64(local.Month()),
		})
	case *bexpr.Evaluator:
		return c.Evaluate(map[string]string{
			"user_agent": a.UserAgent,
			"username":   a.Username,
			"tenant":     a.TenantID,
			"ip":         a.IP,
		})
	}
	return false, fmt.Errorf("%w: rule %s: unsupported compiled form", ErrInvalidPolicy, rule.ID)
}

func (e *Engine) compile(rule Rule) (any, error) {
	key := string(rule.Type) + "\x00" + rule.Condition
	e.mu.RLock()
	c, ok := e.cache[key]
	e.mu.RUnlock()
	if ok {
		return c, nil
	}

	var err error
	switch rule.Type {
	case RuleIPWhitelist, RuleIPBlacklist:
		c, err = ParseIPList(rule.Condition)
	case RuleTimeBased:
		c, err = ParseExpr(rule.Condition, timeIdents...)
	case RuleDevice:
		c, err = bexpr.CreateEvaluator(rule.Condition)
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
		}
	default:
		err = fmt.Errorf("%w: unknown rule type %q", ErrInvalidPolicy, rule.Type)
	}
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[key] = c
	e.mu.Unlock()
	return c, nil
}
