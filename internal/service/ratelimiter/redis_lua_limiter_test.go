package ratelimiter

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, global, partition BucketConfig) *RedisLuaLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, global, partition)
}

func TestAllowPartitionBurstExhaustion(t *testing.T) {
	l := newTestLimiter(t,
		BucketConfig{Capacity: 100, RefillRate: 100},
		BucketConfig{Capacity: 3, RefillRate: 0.001},
	)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		dec, err := l.Allow(ctx, "ACC_BOOK_SEC")
		require.NoError(t, err)
		require.True(t, dec.Allowed, "request %d", i)
	}

	dec, err := l.Allow(ctx, "ACC_BOOK_SEC")
	require.NoError(t, err)
	require.False(t, dec.Allowed)
	require.Greater(t, dec.RetryAfter.Seconds(), 0.0)
}

func TestAllowPartitionIsolation(t *testing.T) {
	l := newTestLimiter(t,
		BucketConfig{Capacity: 100, RefillRate: 100},
		BucketConfig{Capacity: 1, RefillRate: 0.001},
	)
	ctx := context.Background()

	dec, err := l.Allow(ctx, "P1")
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	dec, err = l.Allow(ctx, "P1")
	require.NoError(t, err)
	require.False(t, dec.Allowed)

	// A different partition has its own bucket.
	dec, err = l.Allow(ctx, "P2")
	require.NoError(t, err)
	require.True(t, dec.Allowed)
}

func TestAllowGlobalExhaustion(t *testing.T) {
	l := newTestLimiter(t,
		BucketConfig{Capacity: 2, RefillRate: 0.001},
		BucketConfig{Capacity: 100, RefillRate: 100},
	)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		dec, err := l.Allow(ctx, "anypart")
		require.NoError(t, err)
		require.True(t, dec.Allowed)
	}

	dec, err := l.Allow(ctx, "otherpart")
	require.NoError(t, err)
	require.False(t, dec.Allowed)
	require.Greater(t, dec.RetryAfter.Seconds(), 0.0)
}

func TestAllowFailsOpenWithoutRedis(t *testing.T) {
	var l *RedisLuaLimiter
	dec, err := l.Allow(context.Background(), "p")
	require.NoError(t, err)
	require.True(t, dec.Allowed)
}

func TestStatusReportsTokenCounts(t *testing.T) {
	l := newTestLimiter(t,
		BucketConfig{Capacity: 10, RefillRate: 1},
		BucketConfig{Capacity: 5, RefillRate: 1},
	)
	ctx := context.Background()

	status, err := l.Status(ctx, "P1")
	require.NoError(t, err)
	require.Nil(t, status["global_tokens"])

	dec, err := l.Allow(ctx, "P1")
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	status, err = l.Status(ctx, "P1")
	require.NoError(t, err)
	require.NotNil(t, status["global_tokens"])
	require.NotNil(t, status["partition_tokens"])
	require.Equal(t, int64(10), status["global_capacity"])
}
