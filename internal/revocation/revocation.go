// Package revocation keeps a denylist of tokens until they would have
// expired anyway.
package revocation

import (
	"context"
	"strings"
	"time"

	"authgate.org/internal/kv"
)

// Prefix namespaces revocation entries in the shared store.
const Prefix = "revoked:"

// Store records revoked tokens by digest.
type Store struct {
	kv  kv.Store
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for TTL computation.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New wraps backend.
func New(backend kv.Store, opts ...Option) *Store {
	s := &Store{kv: backend, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Revoke denylists token until expiresAt. A token that has already expired
// is not stored. Revoking twice is harmless.
func (s *Store) Revoke(ctx context.Context, token string, expiresAt time.Time) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	ttl, ok := kv.TTLUntil(expiresAt, s.now())
	if !ok {
		return nil
	}
	return s.kv.Set(ctx, Prefix+kv.Digest(token), []byte(expiresAt.UTC().Format(time.RFC3339)), ttl)
}

// IsRevoked reports whether token is on the denylist.
func (s *Store) IsRevoked(ctx context.Context, token string) (bool, error) {
	return s.kv.Exists(ctx, Prefix+kv.Digest(strings.TrimSpace(token)))
}

// Sweep reclaims expired entries when the backend needs it.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	sw, ok := s.kv.(kv.Sweeper)
	if !ok {
		return 0, nil
	}
	return sw.Sweep(ctx, Prefix)
}
