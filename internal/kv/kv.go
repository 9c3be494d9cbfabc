// Package kv defines the key-value contract shared by the session and
// revocation stores, together with an in-process and a Redis backend.
//
// Both backends behave identically from the caller's point of view: a key
// whose TTL has elapsed is reported as missing by Get and Exists. The
// in-process map enforces this lazily on read and relies on Sweep to reclaim
// memory; Redis expires keys natively.
package kv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key is absent or expired.
	ErrNotFound = errors.New("kv: not found")
	// ErrInvalidTTL is returned by Set for negative TTLs.
	ErrInvalidTTL = errors.New("kv: invalid ttl")
	// ErrNoChange may be returned by an UpdateFunc to leave the key as it is.
	// Update then reports success.
	ErrNoChange = errors.New("kv: no change")
	// ErrContention is returned by Update when the key kept changing under it.
	ErrContention = errors.New("kv: too much contention")
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// UpdateFunc computes the next value of a key from its current one. found
// is false when the key is absent or expired. A nil next deletes the key.
// Any error other than ErrNoChange aborts the update and is returned as is.
// It may be called more than once and must not use the store itself.
type UpdateFunc func(current []byte, found bool) (next []byte, ttl time.Duration, err error)

// Store is the minimal contract of a TTL-aware key-value store.
// A zero TTL stores the value without expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Update applies fn atomically: no other writer of key, in this process
	// or another one sharing the backend, interleaves with it.
	Update(ctx context.Context, key string, fn UpdateFunc) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// Sweeper is implemented by backends without native expiry. Sweep removes
// expired entries whose key starts with prefix and reports how many were removed.
type Sweeper interface {
	Sweep(ctx context.Context, prefix string) (int, error)
}

// Config selects and configures a backend.
type Config struct {
	Backend   string      `mapstructure:"backend" validate:"omitempty,oneof=memory redis"`
	KeyPrefix string      `mapstructure:"key_prefix"`
	Redis     RedisConfig `mapstructure:"redis"`
}

// Open constructs the backend named by cfg.Backend (memory when empty).
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendRedis:
		client, err := Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		store := NewRedis(client, cfg.KeyPrefix)
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("kv: unsupported backend %q", cfg.Backend)
	}
}

// Digest returns the hex sha256 of s. Token values are indexed by digest so
// raw bearer tokens never appear in key names.
func Digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// TTLUntil converts an absolute expiry into a Set TTL rounded up to whole
// seconds. ok is false when the expiry has already passed.
func TTLUntil(expiresAt, now time.Time) (time.Duration, bool) {
	d := expiresAt.Sub(now)
	if d <= 0 {
		return 0, false
	}
	if rem := d % time.Second; rem != 0 {
		d += time.Second - rem
	}
	return d, true
}
