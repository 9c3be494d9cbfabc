// Package token mints and verifies the gateway's signed access and refresh
// tokens (HS256 JWTs).
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"

	DefaultIssuer = "authgw"

	// clockSkew tolerates small drift between gateway instances on iat.
	clockSkew = 5 * time.Second
)

var (
	// ErrMissingSecret is returned by NewIssuer when no signing secret is configured.
	ErrMissingSecret = errors.New("token: signing secret is not configured")
	// ErrInvalidToken indicates the token failed signature or claim validation.
	ErrInvalidToken = errors.New("token: invalid token")
)

// Claims carried by every gateway token.
type Claims struct {
	UserID   string `json:"uid"`
	TenantID string `json:"tid"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

// Pair is a freshly minted access/refresh token pair.
type Pair struct {
	Access           string
	Refresh          string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Issuer signs and verifies tokens with a process-wide secret.
type Issuer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithIssuer overrides the iss claim.
func WithIssuer(name string) Option {
	return func(i *Issuer) {
		if name = strings.TrimSpace(name); name != "" {
			i.issuer = name
		}
	}
}

// WithClock overrides the time source used for iat and validation.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

// NewIssuer refuses an empty secret.
func NewIssuer(secret string, opts ...Option) (*Issuer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrMissingSecret
	}
	i := &Issuer{
		secret: []byte(secret),
		issuer: DefaultIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Mint signs a single token of the given type expiring at expiresAt.
func (i *Issuer) Mint(userID, tenantID, typ string, expiresAt time.Time) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("token: user id is required")
	}
	if typ != TypeAccess && typ != TypeRefresh {
		return "", fmt.Errorf("token: unknown type %q", typ)
	}
	now := i.now().UTC()
	if !expiresAt.After(now) {
		return "", errors.New("token: expiry must be in the future")
	}
	return i.Sign(Claims{
		UserID:   userID,
		TenantID: tenantID,
		Type:     typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	})
}

// MintPair issues an access token expiring at accessExp and a refresh token
// expiring at refreshExp.
func (i *Issuer) MintPair(userID, tenantID string, accessExp, refreshExp time.Time) (Pair, error) {
	access, err := i.Mint(userID, tenantID, TypeAccess, accessExp)
	if err != nil {
		return Pair{}, err
	}
	refresh, err := i.Mint(userID, tenantID, TypeRefresh, refreshExp)
	if err != nil {
		return Pair{}, err
	}
	return Pair{
		Access:           access,
		Refresh:          refresh,
		AccessExpiresAt:  accessExp.UTC().Truncate(time.Second),
		RefreshExpiresAt: refreshExp.UTC().Truncate(time.Second),
	}, nil
}

// Sign serialises claims as an HS256 JWT.
func (i *Issuer) Sign(claims Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and claims of raw. When wantType is non-empty
// the token must carry that typ claim.
func (i *Issuer) Verify(raw, wantType string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := i.validateClaims(claims, wantType); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

func (i *Issuer) validateClaims(claims *Claims, wantType string) error {
	if claims.Issuer != i.issuer {
		return fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if strings.TrimSpace(claims.UserID) == "" || claims.Subject != claims.UserID {
		return errors.New("subject missing")
	}
	if wantType != "" && claims.Type != wantType {
		return fmt.Errorf("unexpected token type: %s", claims.Type)
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	now := i.now().UTC()
	if claims.IssuedAt.Time.After(now.Add(clockSkew)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}

// Decode reads claims without verifying the signature or expiry. Use it only
// to learn a token's expiry, never to trust its contents.
func Decode(raw string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(raw), claims); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ExpiresAt returns the exp claim of raw without verification.
func ExpiresAt(raw string) (time.Time, bool) {
	claims, err := Decode(raw)
	if err != nil || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
