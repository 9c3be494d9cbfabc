package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"authgate.org/internal/kv"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	store   *Store
	clock   *clock
	advance func(time.Duration)
}

func fixtures(t *testing.T) map[string]func() fixture {
	return map[string]func() fixture{
		"memory": func() fixture {
			c := &clock{t: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
			mem := kv.NewMemory(kv.WithClock(c.Now))
			return fixture{store: New(mem, WithClock(c.Now)), clock: c, advance: c.Advance}
		},
		"redis": func() fixture {
			mr := miniredis.RunT(t)
			c := &clock{t: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
			backend := kv.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
			t.Cleanup(func() { _ = backend.Close() })
			return fixture{
				store: New(backend, WithClock(c.Now)),
				clock: c,
				advance: func(d time.Duration) {
					c.Advance(d)
					mr.FastForward(d)
				},
			}
		},
	}
}

func sample(now time.Time, id, user, access, refresh string) Session {
	return Session{
		ID:               id,
		UserID:           user,
		TenantID:         "t1",
		AccessToken:      access,
		RefreshToken:     refresh,
		CreatedAt:        now,
		ExpiresAt:        now.Add(time.Hour),
		RefreshExpiresAt: now.Add(24 * time.Hour),
		LastAccessed:     now,
		IP:               "10.0.0.1",
	}
}

func TestStoreLifecycle(t *testing.T) {
	for name, mk := range fixtures(t) {
		mk := mk
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := mk()
			now := f.clock.Now()
			s1 := sample(now, "s1", "u1", "a1", "r1")
			require.NoError(t, f.store.Create(ctx, s1))
			require.NoError(t, f.store.Create(ctx, sample(now, "s2", "u1", "a2", "r2")))

			got, err := f.store.FindByAccessToken(ctx, "a1")
			require.NoError(t, err)
			require.Equal(t, "s1", got.ID)

			got, err = f.store.FindByRefreshToken(ctx, "r2")
			require.NoError(t, err)
			require.Equal(t, "s2", got.ID)

			_, err = f.store.FindByAccessToken(ctx, "r1")
			require.ErrorIs(t, err, ErrNotFound)

			list, err := f.store.ListByUser(ctx, "u1")
			require.NoError(t, err)
			ids := []string{list[0].ID, list[1].ID}
			sort.Strings(ids)
			require.Equal(t, []string{"s1", "s2"}, ids)

			f.advance(time.Minute)
			require.NoError(t, f.store.Touch(ctx, "s1", f.clock.Now()))
			got, err = f.store.Get(ctx, "s1")
			require.NoError(t, err)
			require.True(t, got.LastAccessed.Equal(now.Add(time.Minute)))
			require.True(t, got.ExpiresAt.Equal(s1.ExpiresAt))

			deleted, err := f.store.Delete(ctx, "s1")
			require.NoError(t, err)
			require.Equal(t, "a1", deleted.AccessToken)
			_, err = f.store.Delete(ctx, "s1")
			require.ErrorIs(t, err, ErrNotFound)
			_, err = f.store.FindByAccessToken(ctx, "a1")
			require.ErrorIs(t, err, ErrNotFound)

			list, err = f.store.ListByUser(ctx, "u1")
			require.NoError(t, err)
			require.Len(t, list, 1)
			require.Equal(t, "s2", list[0].ID)
		})
	}
}

func TestReplaceRotatesTokens(t *testing.T) {
	for name, mk := range fixtures(t) {
		mk := mk
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := mk()
			now := f.clock.Now()
			require.NoError(t, f.store.Create(ctx, sample(now, "s1", "u1", "a1", "r1")))

			next := sample(now, "s1", "u1", "a2", "r2")
			var seen *Session
			prev, err := f.store.Replace(ctx, "r1", next, func(p *Session) error {
				seen = p
				return nil
			})
			require.NoError(t, err)
			require.Equal(t, "a1", prev.AccessToken)
			require.Equal(t, "a1", seen.AccessToken)

			_, err = f.store.FindByAccessToken(ctx, "a1")
			require.ErrorIs(t, err, ErrNotFound)
			_, err = f.store.FindByRefreshToken(ctx, "r1")
			require.ErrorIs(t, err, ErrNotFound)
			got, err := f.store.FindByAccessToken(ctx, "a2")
			require.NoError(t, err)
			require.Equal(t, "s1", got.ID)

			// a second rotation with the stale refresh token loses
			_, err = f.store.Replace(ctx, "r1", sample(now, "s1", "u1", "a3", "r3"), nil)
			require.ErrorIs(t, err, ErrConflict)

			// a failing hook leaves the session untouched
			hookErr := errors.New("revocation unavailable")
			_, err = f.store.Replace(ctx, "r2", sample(now, "s1", "u1", "a4", "r4"), func(*Session) error { return hookErr })
			require.ErrorIs(t, err, hookErr)
			got, err = f.store.FindByRefreshToken(ctx, "r2")
			require.NoError(t, err)
			require.Equal(t, "a2", got.AccessToken)

			list, err := f.store.ListByUser(ctx, "u1")
			require.NoError(t, err)
			require.Len(t, list, 1)
		})
	}
}

func TestRecordsExpireWithRefreshToken(t *testing.T) {
	for name, mk := range fixtures(t) {
		mk := mk
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := mk()
			now := f.clock.Now()
			sess := sample(now, "s1", "u1", "a1", "r1")
			require.NoError(t, f.store.Create(ctx, sess))

			f.advance(2 * time.Hour)
			got, err := f.store.Get(ctx, "s1")
			require.NoError(t, err)
			require.True(t, got.Expired(f.clock.Now()))

			f.advance(23 * time.Hour)
			_, err = f.store.FindByAccessToken(ctx, "a1")
			require.ErrorIs(t, err, ErrNotFound)
			list, err := f.store.ListByUser(ctx, "u1")
			require.NoError(t, err)
			require.Empty(t, list)
		})
	}
}

func TestSweepOnlyOnMemory(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	mem := kv.NewMemory(kv.WithClock(c.Now))
	store := New(mem, WithClock(c.Now))
	require.NoError(t, store.Create(ctx, sample(c.Now(), "s1", "u1", "a1", "r1")))
	c.Advance(25 * time.Hour)
	removed, err := store.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.Equal(t, 0, mem.Len())

	mr := miniredis.RunT(t)
	rs := New(kv.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), ""))
	removed, err = rs.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, removed)
}

func TestCreateValidates(t *testing.T) {
	store := New(kv.NewMemory())
	require.Error(t, store.Create(context.Background(), Session{ID: "x"}))
}
