// Package session persists login sessions in a kv.Store.
//
// Layout:
//
//	session:<id>                 JSON record, TTL = refresh token expiry
//	session:access:<sha256>      session id, same TTL
//	session:refresh:<sha256>     session id, same TTL
//	session:user:<user id>       JSON list of session ids
//
// A session stays readable until its refresh token expires so it can be
// refreshed; callers check ExpiresAt to decide whether it is still active.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"authgate.org/internal/kv"
)

const (
	Prefix       = "session:"
	accessIndex  = Prefix + "access:"
	refreshIndex = Prefix + "refresh:"
	userIndex    = Prefix + "user:"
)

var (
	ErrNotFound = errors.New("session: not found")
	// ErrConflict means the session was rotated by someone else first.
	ErrConflict = errors.New("session: refresh token already rotated")
)

// Session is one authenticated login.
type Session struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	TenantID         string    `json:"tenant_id"`
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	LastAccessed     time.Time `json:"last_accessed"`
	IP               string    `json:"ip,omitempty"`
	UserAgent        string    `json:"user_agent,omitempty"`
}

// Expired reports whether the session is past its logical expiry.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

type userEntry struct {
	IDs       []string  `json:"ids"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store is safe for concurrent use, including by several gateway instances
// sharing one backend: every read-modify-write goes through kv.Store.Update.
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

// Create persists a new session and its indexes.
func (s *Store) Create(ctx context.Context, sess Session) error {
	if sess.ID == "" || sess.UserID == "" || sess.AccessToken == "" || sess.RefreshToken == "" {
		return errors.New("session: id, user and tokens are required")
	}
	if err := s.put(ctx, sess); err != nil {
		return err
	}
	return s.addToUser(ctx, sess.UserID, sess.ID, sess.RefreshExpiresAt)
}

// Get loads a session by id.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	raw, err := s.kv.Get(ctx, Prefix+id)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("session: decode %s: %w", id, err)
	}
	return &sess, nil
}

// FindByAccessToken resolves a session through the access token index.
func (s *Store) FindByAccessToken(ctx context.Context, token string) (*Session, error) {
	sess, err := s.lookup(ctx, accessIndex+kv.Digest(token))
	if err != nil {
		return nil, err
	}
	if sess.AccessToken != token {
		return nil, ErrNotFound
	}
	return sess, nil
}

// FindByRefreshToken resolves a session through the refresh token index.
func (s *Store) FindByRefreshToken(ctx context.Context, token string) (*Session, error) {
	sess, err := s.lookup(ctx, refreshIndex+kv.Digest(token))
	if err != nil {
		return nil, err
	}
	if sess.RefreshToken != token {
		return nil, ErrNotFound
	}
	return sess, nil
}

func (s *Store) lookup(ctx context.Context, indexKey string) (*Session, error) {
	id, err := s.kv.Get(ctx, indexKey)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.Get(ctx, string(id))
}

// Replace swaps the token pair of session next.ID, provided its current
// refresh token is still expectRefresh. before runs after that check and
// before anything is written; the gateway uses it to revoke the outgoing
// pair. The swap itself is a compare-and-set on the record, so of two
// concurrent rotations of the same token exactly one succeeds and the other
// gets ErrConflict. The replaced record is returned.
func (s *Store) Replace(ctx context.Context, expectRefresh string, next Session, before func(prev *Session) error) (*Session, error) {
	prev, err := s.Get(ctx, next.ID)
	if err != nil {
		return nil, err
	}
	if prev.RefreshToken != expectRefresh {
		return nil, ErrConflict
	}
	if before != nil {
		if err := before(prev); err != nil {
			return nil, err
		}
	}
	ttl, ok := kv.TTLUntil(next.RefreshExpiresAt, s.now())
	if !ok {
		return nil, errExpired
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return nil, err
	}
	var replaced *Session
	err = s.kv.Update(ctx, Prefix+next.ID, func(cur []byte, found bool) ([]byte, time.Duration, error) {
		current, err := decodeRecord(next.ID, cur, found)
		if err != nil {
			return nil, 0, err
		}
		if current.RefreshToken != expectRefresh {
			return nil, 0, ErrConflict
		}
		replaced = current
		return raw, ttl, nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.kv.Delete(ctx, accessIndex+kv.Digest(replaced.AccessToken), refreshIndex+kv.Digest(replaced.RefreshToken)); err != nil {
		return nil, err
	}
	if err := s.putIndexes(ctx, next, ttl); err != nil {
		return nil, err
	}
	if err := s.addToUser(ctx, next.UserID, next.ID, next.RefreshExpiresAt); err != nil {
		return nil, err
	}
	return replaced, nil
}

// Touch records activity on a session without changing its expiry. Only
// LastAccessed is modified, against whatever record is current.
func (s *Store) Touch(ctx context.Context, id string, at time.Time) error {
	return s.kv.Update(ctx, Prefix+id, func(cur []byte, found bool) ([]byte, time.Duration, error) {
		sess, err := decodeRecord(id, cur, found)
		if err != nil {
			return nil, 0, err
		}
		if !at.After(sess.LastAccessed) {
			return nil, 0, kv.ErrNoChange
		}
		ttl, ok := kv.TTLUntil(sess.RefreshExpiresAt, s.now())
		if !ok {
			return nil, 0, ErrNotFound
		}
		sess.LastAccessed = at
		raw, err := json.Marshal(sess)
		if err != nil {
			return nil, 0, err
		}
		return raw, ttl, nil
	})
}

// Delete removes a session and its indexes and returns the removed record.
// A missing session yields ErrNotFound.
func (s *Store) Delete(ctx context.Context, id string) (*Session, error) {
	var removed *Session
	err := s.kv.Update(ctx, Prefix+id, func(cur []byte, found bool) ([]byte, time.Duration, error) {
		sess, err := decodeRecord(id, cur, found)
		if err != nil {
			return nil, 0, err
		}
		removed = sess
		return nil, 0, nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.kv.Delete(ctx,
		accessIndex+kv.Digest(removed.AccessToken),
		refreshIndex+kv.Digest(removed.RefreshToken),
	); err != nil {
		return nil, err
	}
	if err := s.removeFromUser(ctx, removed.UserID, removed.ID); err != nil {
		return nil, err
	}
	return removed, nil
}

// ListByUser returns the live sessions of userID. Ids whose record has
// expired are dropped from the index as a side effect.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]Session, error) {
	raw, err := s.kv.Get(ctx, userIndex+userID)
	if errors.Is(err, kv.ErrNotFound) {
		return []Session{}, nil
	}
	if err != nil {
		return nil, err
	}
	entry, err := decodeUserEntry(userID, raw)
	if err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(entry.IDs))
	var gone []string
	for _, id := range entry.IDs {
		sess, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			gone = append(gone, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	if len(gone) > 0 {
		if err := s.removeFromUser(ctx, userID, gone...); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Sweep reclaims expired records and indexes when the backend needs it and
// reports the number of sessions removed. Backends with native expiry report
// zero.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	sw, ok := s.kv.(kv.Sweeper)
	if !ok {
		return 0, nil
	}
	for _, index := range []string{accessIndex, refreshIndex, userIndex} {
		if _, err := sw.Sweep(ctx, index); err != nil {
			return 0, err
		}
	}
	return sw.Sweep(ctx, Prefix)
}

var errExpired = errors.New("session: refresh expiry already passed")

func (s *Store) put(ctx context.Context, sess Session) error {
	ttl, ok := kv.TTLUntil(sess.RefreshExpiresAt, s.now())
	if !ok {
		return errExpired
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, Prefix+sess.ID, raw, ttl); err != nil {
		return err
	}
	return s.putIndexes(ctx, sess, ttl)
}

func (s *Store) putIndexes(ctx context.Context, sess Session, ttl time.Duration) error {
	if err := s.kv.Set(ctx, accessIndex+kv.Digest(sess.AccessToken), []byte(sess.ID), ttl); err != nil {
		return err
	}
	return s.kv.Set(ctx, refreshIndex+kv.Digest(sess.RefreshToken), []byte(sess.ID), ttl)
}

func decodeRecord(id string, raw []byte, found bool) (*Session, error) {
	if !found {
		return nil, ErrNotFound
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("session: decode %s: %w", id, err)
	}
	return &sess, nil
}

func decodeUserEntry(userID string, raw []byte) (userEntry, error) {
	var entry userEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return entry, fmt.Errorf("session: decode user index %s: %w", userID, err)
	}
	return entry, nil
}

// updateUser applies mutate to the user index atomically. An entry left
// empty or already expired is deleted.
func (s *Store) updateUser(ctx context.Context, userID string, mutate func(*userEntry)) error {
	return s.kv.Update(ctx, userIndex+userID, func(cur []byte, found bool) ([]byte, time.Duration, error) {
		var entry userEntry
		if found {
			var err error
			if entry, err = decodeUserEntry(userID, cur); err != nil {
				return nil, 0, err
			}
		}
		mutate(&entry)
		if len(entry.IDs) == 0 {
			if !found {
				return nil, 0, kv.ErrNoChange
			}
			return nil, 0, nil
		}
		ttl, ok := kv.TTLUntil(entry.ExpiresAt, s.now())
		if !ok {
			return nil, 0, nil
		}
		raw, err := json.Marshal(entry)
		if err != nil {
			return nil, 0, err
		}
		return raw, ttl, nil
	})
}

func (s *Store) addToUser(ctx context.Context, userID, id string, expiresAt time.Time) error {
	return s.updateUser(ctx, userID, func(entry *userEntry) {
		if !containsID(entry.IDs, id) {
			entry.IDs = append(entry.IDs, id)
		}
		if expiresAt.After(entry.ExpiresAt) {
			entry.ExpiresAt = expiresAt
		}
	})
}

func (s *Store) removeFromUser(ctx context.Context, userID string, ids ...string) error {
	return s.updateUser(ctx, userID, func(entry *userEntry) {
		kept := make([]string, 0, len(entry.IDs))
		for _, existing := range entry.IDs {
			if !containsID(ids, existing) {
				kept = append(kept, existing)
			}
		}
		entry.IDs = kept
	})
}

func containsID(ids []string, id string) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}
