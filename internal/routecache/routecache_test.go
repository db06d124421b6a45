package routecache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nixie-Tech-LLC/bandtap/internal/model"
)

func newCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, time.Minute), mr
}

func TestSetGetInvalidate(t *testing.T) {
	cache, mr := newCache(t)
	ctx := context.Background()
	windowID := "w-live"

	_, err := cache.Get(ctx, "B-001")
	assert.ErrorIs(t, err, ErrMiss)

	route := model.CacheRoute{URL: "https://live.example", EventID: "evt-1", Mode: model.ModeLive, WindowID: &windowID}
	require.NoError(t, cache.Set(ctx, "B-001", route))

	got, err := cache.Get(ctx, "B-001")
	require.NoError(t, err)
	assert.Equal(t, route, got)
	assert.Equal(t, time.Minute, mr.TTL(Key("B-001")))

	require.NoError(t, cache.Invalidate(ctx, "B-001"))
	_, err = cache.Get(ctx, "B-001")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestEntriesExpire(t *testing.T) {
	cache, mr := newCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "B-002", model.CacheRoute{URL: "https://pre.example", EventID: "evt-1", Mode: model.ModePre}))
	mr.FastForward(61 * time.Second)

	_, err := cache.Get(ctx, "B-002")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestGarbageIsAMiss(t *testing.T) {
	cache, mr := newCache(t)
	require.NoError(t, mr.Set(Key("B-003"), "{not json"))

	_, err := cache.Get(context.Background(), "B-003")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestBackendErrorIsNotAMiss(t *testing.T) {
	cache, mr := newCache(t)
	mr.Close()

	_, err := cache.Get(context.Background(), "B-004")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMiss)
}
