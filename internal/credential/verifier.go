package credential

import (
	"errors"

	"github.com/rs/zerolog"
)

// Verifier wraps the hashing and MFA primitives behind boolean checks.
// It holds no state of its own and is safe for concurrent use.
type Verifier struct {
	hasher Hasher
	mfa    MFA
	log    zerolog.Logger
}

// NewVerifier builds a verifier. Nil primitives select the defaults.
func NewVerifier(h Hasher, m MFA, log zerolog.Logger) *Verifier {
	if h == nil {
		h = NewArgon2(DefaultArgon2Params)
	}
	if m == nil {
		m = NewTOTP("")
	}
	return &Verifier{hasher: h, mfa: m, log: log}
}

// Hasher exposes the underlying hasher for enrolment paths.
func (v *Verifier) Hasher() Hasher { return v.hasher }

// MFA exposes the underlying second-factor provider.
func (v *Verifier) MFA() MFA { return v.mfa }

// VerifyPassword reports whether password matches digest.
func (v *Verifier) VerifyPassword(password, digest string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			v.log.Error().Interface("panic", r).Msg("password verification panicked")
			ok = false
		}
	}()
	if password == "" || digest == "" {
		return false
	}
	if err := v.hasher.Verify(digest, password); err != nil {
		if !errors.Is(err, ErrMismatch) {
			v.log.Warn().Err(err).Msg("password verification error")
		}
		return false
	}
	return true
}

// VerifyMFACode reports whether code is currently valid for secret.
func (v *Verifier) VerifyMFACode(code, secret string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			v.log.Error().Interface("panic", r).Msg("mfa verification panicked")
			ok = false
		}
	}()
	if code == "" || secret == "" {
		return false
	}
	return v.mfa.Validate(code, secret)
}
