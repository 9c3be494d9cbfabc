package revocation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"authgate.org/internal/kv"
)

func TestRevokeUntilExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	mem := kv.NewMemory(kv.WithClock(clock))
	store := New(mem, WithClock(clock))

	require.NoError(t, store.Revoke(ctx, "tok-1", now.Add(time.Hour)))
	require.NoError(t, store.Revoke(ctx, "tok-1", now.Add(time.Hour)))
	revoked, err := store.IsRevoked(ctx, "tok-1")
	require.NoError(t, err)
	require.True(t, revoked)

	revoked, err = store.IsRevoked(ctx, "tok-2")
	require.NoError(t, err)
	require.False(t, revoked)

	// already expired tokens are not stored
	require.NoError(t, store.Revoke(ctx, "old", now.Add(-time.Minute)))
	revoked, err = store.IsRevoked(ctx, "old")
	require.NoError(t, err)
	require.False(t, revoked)
	require.Equal(t, 1, mem.Len())

	now = now.Add(2 * time.Hour)
	revoked, err = store.IsRevoked(ctx, "tok-1")
	require.NoError(t, err)
	require.False(t, revoked)
}

func TestSweepReclaimsMemory(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	mem := kv.NewMemory(kv.WithClock(clock))
	store := New(mem, WithClock(clock))

	require.NoError(t, store.Revoke(ctx, "a", now.Add(time.Minute)))
	require.NoError(t, store.Revoke(ctx, "b", now.Add(time.Hour)))
	require.NoError(t, mem.Set(ctx, "session:x", []byte("{}"), time.Second))

	now = now.Add(2 * time.Minute)
	removed, err := store.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.Equal(t, 2, mem.Len())
}

func TestSharedAcrossInstances(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	newStore := func() *Store {
		backend := kv.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "authgw:")
		t.Cleanup(func() { _ = backend.Close() })
		return New(backend)
	}
	first, second := newStore(), newStore()

	require.NoError(t, first.Revoke(ctx, "shared", time.Now().Add(time.Hour)))
	revoked, err := second.IsRevoked(ctx, "shared")
	require.NoError(t, err)
	require.True(t, revoked)

	mr.FastForward(2 * time.Hour)
	revoked, err = second.IsRevoked(ctx, "shared")
	require.NoError(t, err)
	require.False(t, revoked)

	removed, err := second.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, removed)
}
