package credential

import (
	"errors"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// MFA issues and checks second-factor secrets.
type MFA interface {
	GenerateSecret(account string) (string, error)
	Validate(code, secret string) bool
}

// TOTP implements MFA with RFC 6238 time-based codes (30s period, six digits,
// one step of skew either side).
type TOTP struct {
	issuer string
	now    func() time.Time
}

// NewTOTP returns a TOTP provider. issuer is shown by authenticator apps.
func NewTOTP(issuer string) *TOTP {
	if strings.TrimSpace(issuer) == "" {
		issuer = "authgw"
	}
	return &TOTP{issuer: issuer, now: time.Now}
}

func (t *TOTP) GenerateSecret(account string) (string, error) {
	account = strings.TrimSpace(account)
	if account == "" {
		return "", errors.New("credential: account is required")
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      t.issuer,
		AccountName: account,
	})
	if err != nil {
		return "", err
	}
	return key.Secret(), nil
}

func (t *TOTP) Validate(code, secret string) bool {
	code = strings.TrimSpace(code)
	if code == "" || secret == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, t.now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
