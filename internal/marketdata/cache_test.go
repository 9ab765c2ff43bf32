package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, ttl time.Duration) (*SnapshotCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewSnapshotCache(client, ttl, zerolog.Nop()), mr
}

func TestSnapshotCacheRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t, time.Minute)
	ctx := context.Background()

	snap := &Snapshot{
		Symbol:      "BTCUSDT",
		Timeframe:   "3m",
		GeneratedAt: time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC),
		LastPrice:   50000,
		Closes:      []float64{49900, 49950, 50000},
		Indicators:  ComputeIndicators([]float64{49900, 49950, 50000}),
	}
	require.NoError(t, cache.Set(ctx, snap))

	got, ok := cache.Get(ctx, "BTCUSDT", "3m")
	require.True(t, ok)
	assert.Equal(t, snap.Symbol, got.Symbol)
	assert.Equal(t, snap.LastPrice, got.LastPrice)
	assert.Equal(t, snap.Closes, got.Closes)
	assert.True(t, got.Indicators.WarmingUp)
}

func TestSnapshotCacheMissAndExpiry(t *testing.T) {
	cache, mr := newTestCache(t, time.Minute)
	ctx := context.Background()

	_, ok := cache.Get(ctx, "ETHUSDT", "3m")
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, &Snapshot{Symbol: "ETHUSDT", Timeframe: "3m", LastPrice: 3000}))
	_, ok = cache.Get(ctx, "ETHUSDT", "3m")
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)
	_, ok = cache.Get(ctx, "ETHUSDT", "3m")
	assert.False(t, ok, "entry must expire with its TTL")
}

func TestSnapshotCacheTTLClamp(t *testing.T) {
	cache, _ := newTestCache(t, time.Hour)
	assert.Equal(t, maxCacheTTL, cache.ttl, "snapshot TTL must never exceed five minutes")
}

func TestSnapshotCacheInvalidate(t *testing.T) {
	cache, _ := newTestCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, &Snapshot{Symbol: "BTCUSDT", Timeframe: "3m"}))
	require.NoError(t, cache.Invalidate(ctx, "BTCUSDT", "3m"))

	_, ok := cache.Get(ctx, "BTCUSDT", "3m")
	assert.False(t, ok)
}

func TestSnapshotCacheNilIsAMiss(t *testing.T) {
	var cache *SnapshotCache
	_, ok := cache.Get(context.Background(), "BTCUSDT", "3m")
	assert.False(t, ok)
	assert.Error(t, cache.Set(context.Background(), &Snapshot{}))
}
