package policy

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrWeakPassword is returned when a password violates the complexity policy.
var ErrWeakPassword = errors.New("policy: password does not meet requirements")

// PasswordPolicy describes complexity and rotation requirements.
type PasswordPolicy struct {
	MinLength           int  `json:"min_length"`
	RequireUppercase    bool `json:"require_uppercase"`
	RequireLowercase    bool `json:"require_lowercase"`
	RequireNumbers      bool `json:"require_numbers"`
	RequireSpecialChars bool `json:"require_special_chars"`
	MaxAgeDays          int  `json:"max_age_days"`
	HistoryCount        int  `json:"history_count"`
}

// DefaultPasswordPolicy requires eight characters of every class, rotation
// after 90 days and no reuse of the last five passwords.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:           8,
		RequireUppercase:    true,
		RequireLowercase:    true,
		RequireNumbers:      true,
		RequireSpecialChars: true,
		MaxAgeDays:          90,
		HistoryCount:        5,
	}
}

// Validate reports every unmet requirement in one error.
func (p PasswordPolicy) Validate(password string) error {
	var missing []string
	if utf8.RuneCountInString(password) < p.MinLength {
		missing = append(missing, fmt.Sprintf("at least %d characters", p.MinLength))
	}
	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			special = true
		}
	}
	if p.RequireUppercase && !upper {
		missing = append(missing, "an uppercase letter")
	}
	if p.RequireLowercase && !lower {
		missing = append(missing, "a lowercase letter")
	}
	if p.RequireNumbers && !digit {
		missing = append(missing, "a digit")
	}
	if p.RequireSpecialChars && !special {
		missing = append(missing, "a special character")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: needs %s", ErrWeakPassword, strings.Join(missing, ", "))
	}
	return nil
}
