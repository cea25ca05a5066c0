package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/SyndewTech/Oluso-sub001/internal/repository"
)

func newTestRedis(t *testing.T) (redis.UniversalClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()}), mr
}

func TestStateStoreRoundTrip(t *testing.T) {
	client, mr := newTestRedis(t)
	store := NewRedisStateStore(client)
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, "corr-1", []byte(`{"nonce":"n"}`), time.Minute))

	payload, err := store.Get(ctx, "corr-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"nonce":"n"}`, string(payload))

	require.NoError(t, store.Remove(ctx, "corr-1"))
	_, err = store.Get(ctx, "corr-1")
	require.ErrorIs(t, err, repository.ErrNotFound)

	// Expiry behaves like removal.
	require.NoError(t, store.Store(ctx, "corr-2", []byte("x"), time.Second))
	mr.FastForward(2 * time.Second)
	_, err = store.Get(ctx, "corr-2")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestNonceStoreSingleUse(t *testing.T) {
	client, mr := newTestRedis(t)
	store := NewRedisNonceStore(client)
	ctx := context.Background()

	fresh, err := store.TryMarkUsed(ctx, "dpop:thumb:jti-1", time.Minute)
	require.NoError(t, err)
	require.True(t, fresh)

	fresh, err = store.TryMarkUsed(ctx, "dpop:thumb:jti-1", time.Minute)
	require.NoError(t, err)
	require.False(t, fresh)

	// A different jti under the same key prefix is independent.
	fresh, err = store.TryMarkUsed(ctx, "dpop:thumb:jti-2", time.Minute)
	require.NoError(t, err)
	require.True(t, fresh)

	// After the TTL the identifier may be reused; by then the proof iat
	// window has long closed.
	mr.FastForward(2 * time.Minute)
	fresh, err = store.TryMarkUsed(ctx, "dpop:thumb:jti-1", time.Minute)
	require.NoError(t, err)
	require.True(t, fresh)
}
