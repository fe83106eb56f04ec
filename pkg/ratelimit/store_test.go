package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/Mindburn-Labs/tierflow/pkg/ratelimit"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*ratelimit.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return ratelimit.NewRedisStore(client), mr
}

func TestRedisStore_TakeAndDeny(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	bucket := ratelimit.BucketKey{Key: "ratelimit:test", Type: ratelimit.LimitTier, Bucket: ratelimit.Bucket{Capacity: 100, RefillPerSecond: 10}}

	res, err := store.Take(ctx, []ratelimit.BucketKey{bucket}, 60, now)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(40), res.Remaining)
	assert.True(t, mr.Exists("ratelimit:test"))
	assert.Equal(t, 60*time.Second, mr.TTL("ratelimit:test"))

	res, err = store.Take(ctx, []ratelimit.BucketKey{bucket}, 60, now)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(2000), res.WaitMs)
	assert.Equal(t, 0, res.Exhausted)

	res, err = store.Take(ctx, []ratelimit.BucketKey{bucket}, 60, now.Add(2*time.Second))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRedisStore_AllOrNothingAcrossBuckets(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	wide := ratelimit.BucketKey{Key: "ratelimit:wide", Type: ratelimit.LimitTier, Bucket: ratelimit.Bucket{Capacity: 100, RefillPerSecond: 1}}
	narrow := ratelimit.BucketKey{Key: "ratelimit:narrow", Type: ratelimit.LimitUser, Bucket: ratelimit.Bucket{Capacity: 50, RefillPerSecond: 1}}

	res, err := store.Take(ctx, []ratelimit.BucketKey{wide, narrow}, 60, now)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 1, res.Exhausted)

	remaining, err := store.Peek(ctx, wide, now)
	require.NoError(t, err)
	assert.Equal(t, int64(100), remaining, "denied take must not charge any bucket")
}

func TestMemoryStore_AllOrNothingAcrossBuckets(t *testing.T) {
	store := ratelimit.NewMemoryStore()
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	wide := ratelimit.BucketKey{Key: "wide", Type: ratelimit.LimitTier, Bucket: ratelimit.Bucket{Capacity: 100, RefillPerSecond: 1}}
	narrow := ratelimit.BucketKey{Key: "narrow", Type: ratelimit.LimitConversation, Bucket: ratelimit.Bucket{Capacity: 50, RefillPerSecond: 1}}

	res, err := store.Take(ctx, []ratelimit.BucketKey{wide, narrow}, 60, now)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 1, res.Exhausted)
	assert.Equal(t, int64(10_000), res.WaitMs)

	remaining, err := store.Peek(ctx, wide, now)
	require.NoError(t, err)
	assert.Equal(t, int64(100), remaining)

	res, err = store.Take(ctx, []ratelimit.BucketKey{wide, narrow}, 40, now)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(10), res.Remaining)
}
