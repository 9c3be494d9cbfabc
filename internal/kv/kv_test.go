package kv

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type backend struct {
	name string
	open func(t *testing.T) (Store, func(time.Duration))
}

func backends() []backend {
	return []backend{
		{
			name: "memory",
			open: func(t *testing.T) (Store, func(time.Duration)) {
				clock := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
				return NewMemory(WithClock(clock.Now)), clock.Advance
			},
		},
		{
			name: "redis",
			open: func(t *testing.T) (Store, func(time.Duration)) {
				mr := miniredis.RunT(t)
				client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
				store := NewRedis(client, "test:")
				t.Cleanup(func() { _ = store.Close() })
				return store, mr.FastForward
			},
		},
	}
}

func TestStoreConformance(t *testing.T) {
	for _, b := range backends() {
		b := b
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("get missing", func(t *testing.T) {
				store, _ := b.open(t)
				_, err := store.Get(ctx, "absent")
				require.ErrorIs(t, err, ErrNotFound)
				ok, err := store.Exists(ctx, "absent")
				require.NoError(t, err)
				require.False(t, ok)
			})

			t.Run("set get delete", func(t *testing.T) {
				store, _ := b.open(t)
				require.NoError(t, store.Set(ctx, "k", []byte("v1"), time.Minute))
				got, err := store.Get(ctx, "k")
				require.NoError(t, err)
				require.Equal(t, []byte("v1"), got)

				require.NoError(t, store.Set(ctx, "k", []byte("v2"), time.Minute))
				got, err = store.Get(ctx, "k")
				require.NoError(t, err)
				require.Equal(t, []byte("v2"), got)

				require.NoError(t, store.Delete(ctx, "k"))
				require.NoError(t, store.Delete(ctx, "k"))
				_, err = store.Get(ctx, "k")
				require.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("ttl expiry", func(t *testing.T) {
				store, advance := b.open(t)
				require.NoError(t, store.Set(ctx, "short", []byte("x"), 2*time.Second))
				require.NoError(t, store.Set(ctx, "forever", []byte("y"), 0))

				ok, err := store.Exists(ctx, "short")
				require.NoError(t, err)
				require.True(t, ok)

				advance(3 * time.Second)

				ok, err = store.Exists(ctx, "short")
				require.NoError(t, err)
				require.False(t, ok)
				_, err = store.Get(ctx, "short")
				require.ErrorIs(t, err, ErrNotFound)

				got, err := store.Get(ctx, "forever")
				require.NoError(t, err)
				require.Equal(t, []byte("y"), got)
			})

			t.Run("negative ttl rejected", func(t *testing.T) {
				store, _ := b.open(t)
				require.ErrorIs(t, store.Set(ctx, "k", []byte("v"), -time.Second), ErrInvalidTTL)
			})

			t.Run("delete many", func(t *testing.T) {
				store, _ := b.open(t)
				require.NoError(t, store.Set(ctx, "a", []byte("1"), 0))
				require.NoError(t, store.Set(ctx, "b", []byte("2"), 0))
				require.NoError(t, store.Delete(ctx, "a", "b", "c"))
				for _, k := range []string{"a", "b"} {
					ok, err := store.Exists(ctx, k)
					require.NoError(t, err)
					require.False(t, ok)
				}
			})

			t.Run("ping", func(t *testing.T) {
				store, _ := b.open(t)
				require.NoError(t, store.Ping(ctx))
			})

			t.Run("update creates modifies deletes", func(t *testing.T) {
				store, _ := b.open(t)
				appendX := func(cur []byte, found bool) ([]byte, time.Duration, error) {
					if !found {
						return []byte("x"), time.Minute, nil
					}
					return append(cur, 'x'), time.Minute, nil
				}
				require.NoError(t, store.Update(ctx, "k", appendX))
				require.NoError(t, store.Update(ctx, "k", appendX))
				got, err := store.Get(ctx, "k")
				require.NoError(t, err)
				require.Equal(t, []byte("xx"), got)

				require.NoError(t, store.Update(ctx, "k", func([]byte, bool) ([]byte, time.Duration, error) {
					return nil, 0, nil
				}))
				_, err = store.Get(ctx, "k")
				require.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("update no change and errors", func(t *testing.T) {
				store, _ := b.open(t)
				require.NoError(t, store.Set(ctx, "k", []byte("v"), 0))
				require.NoError(t, store.Update(ctx, "k", func([]byte, bool) ([]byte, time.Duration, error) {
					return nil, 0, ErrNoChange
				}))
				boom := errors.New("boom")
				require.ErrorIs(t, store.Update(ctx, "k", func([]byte, bool) ([]byte, time.Duration, error) {
					return []byte("w"), 0, boom
				}), boom)
				require.ErrorIs(t, store.Update(ctx, "k", func([]byte, bool) ([]byte, time.Duration, error) {
					return []byte("w"), -time.Second, nil
				}), ErrInvalidTTL)
				got, err := store.Get(ctx, "k")
				require.NoError(t, err)
				require.Equal(t, []byte("v"), got)
			})

			t.Run("update sees expired key as absent", func(t *testing.T) {
				store, advance := b.open(t)
				require.NoError(t, store.Set(ctx, "k", []byte("old"), time.Second))
				advance(2 * time.Second)
				var sawFound bool
				require.NoError(t, store.Update(ctx, "k", func(_ []byte, found bool) ([]byte, time.Duration, error) {
					sawFound = found
					return []byte("new"), 0, nil
				}))
				require.False(t, sawFound)
			})
		})
	}
}

func TestMemorySweepHonoursPrefix(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := NewMemory(WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "session:1", []byte("a"), time.Second))
	require.NoError(t, m.Set(ctx, "session:2", []byte("b"), time.Hour))
	require.NoError(t, m.Set(ctx, "revoked:1", []byte("c"), time.Second))
	clock.Advance(2 * time.Second)

	removed, err := m.Sweep(ctx, "session:")
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.Equal(t, 2, m.Len())

	removed, err = m.Sweep(ctx, "revoked:")
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.Equal(t, 1, m.Len())
}

func TestMemoryReturnsCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	value := []byte("abc")
	require.NoError(t, m.Set(ctx, "k", value, 0))
	value[0] = 'z'
	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "abc", string(got))
	got[1] = 'z'
	again, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "abc", string(again))
}

func TestRedisUpdateRetriesOnConcurrentWrite(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	a := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "gw:")
	b := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "gw:")
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })

	require.NoError(t, a.Set(ctx, "list", []byte("a"), 0))
	calls := 0
	err := a.Update(ctx, "list", func(cur []byte, found bool) ([]byte, time.Duration, error) {
		calls++
		if calls == 1 {
			// Another instance writes between our read and our commit.
			require.NoError(t, b.Set(ctx, "list", append(append([]byte{}, cur...), 'b'), 0))
		}
		return append(cur, 'c'), 0, nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
	got, err := a.Get(ctx, "list")
	require.NoError(t, err)
	require.Equal(t, "abc", string(got))
}

func TestRedisUpdateGivesUpUnderContention(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	a := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	b := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")
	t.Cleanup(func() { _ = a.Close(); _ = b.Close() })

	err := a.Update(ctx, "k", func([]byte, bool) ([]byte, time.Duration, error) {
		require.NoError(t, b.Set(ctx, "k", []byte("theirs"), 0))
		return []byte("ours"), 0, nil
	})
	require.ErrorIs(t, err, ErrContention)
	got, err := a.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "theirs", string(got))
}

func TestRedisIsNotSweeper(t *testing.T) {
	var s Store = NewRedis(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), "")
	_, ok := s.(Sweeper)
	require.False(t, ok)
	_ = s.Close()
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()

	store, err := Open(ctx, Config{})
	require.NoError(t, err)
	require.IsType(t, &Memory{}, store)

	mr := miniredis.RunT(t)
	store, err = Open(ctx, Config{Backend: "redis", KeyPrefix: "gw:", Redis: RedisConfig{Addr: mr.Addr()}})
	require.NoError(t, err)
	require.IsType(t, &Redis{}, store)
	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))
	require.True(t, mr.Exists("gw:k"))
	require.NoError(t, store.Close())

	_, err = Open(ctx, Config{Backend: "etcd"})
	require.Error(t, err)

	_, err = Open(ctx, Config{Backend: "redis"})
	require.Error(t, err)
}

func TestTTLUntil(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	d, ok := TTLUntil(now.Add(1500*time.Millisecond), now)
	require.True(t, ok)
	require.Equal(t, 2*time.Second, d)

	d, ok = TTLUntil(now.Add(time.Hour), now)
	require.True(t, ok)
	require.Equal(t, time.Hour, d)

	_, ok = TTLUntil(now, now)
	require.False(t, ok)
}

func TestDigestIsStable(t *testing.T) {
	require.Equal(t, Digest("abc"), Digest("abc"))
	require.NotEqual(t, Digest("abc"), Digest("abd"))
	require.Len(t, Digest("abc"), 64)
}
