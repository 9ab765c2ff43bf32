package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"perpcore/internal/metrics"
)

// maxCacheTTL bounds snapshot freshness; indicator data older than this
// must never feed a trading decision.
const maxCacheTTL = 5 * time.Minute

// SnapshotCache is a Redis hot cache for market snapshots. A nil cache is
// valid and behaves as a permanent miss, so Redis stays optional.
type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

// NewSnapshotCache creates a snapshot cache. Returns nil when client is
// nil. TTLs above five minutes are clamped.
func NewSnapshotCache(client *redis.Client, ttl time.Duration, log zerolog.Logger) *SnapshotCache {
	if client == nil {
		return nil
	}
	if ttl <= 0 || ttl > maxCacheTTL {
		ttl = maxCacheTTL
	}
	return &SnapshotCache{client: client, ttl: ttl, log: log}
}

// Get retrieves a cached snapshot. Cache errors degrade to a miss.
func (c *SnapshotCache) Get(ctx context.Context, symbol, timeframe string) (*Snapshot, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}

	key := c.buildKey(symbol, timeframe)

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	cached, err := c.client.Get(cacheCtx, key).Result()
	if err != nil {
		if err != redis.Nil {
			c.log.Debug().Err(err).Str("key", key).Msg("Redis get error - treating as cache miss")
		}
		metrics.CacheMisses.Inc()
		return nil, false
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(cached), &snap); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Failed to unmarshal cached snapshot")
		metrics.CacheMisses.Inc()
		return nil, false
	}

	metrics.CacheHits.Inc()
	return &snap, true
}

// Set stores a snapshot with the configured TTL. Cache failures are
// logged and swallowed; the caller already has the snapshot.
func (c *SnapshotCache) Set(ctx context.Context, snap *Snapshot) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("cache not initialized")
	}

	key := c.buildKey(snap.Symbol, snap.Timeframe)

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	if err := c.client.Set(cacheCtx, key, data, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Failed to cache snapshot")
		return err
	}
	return nil
}

// Invalidate drops the cached snapshot for one symbol and timeframe.
func (c *SnapshotCache) Invalidate(ctx context.Context, symbol, timeframe string) error {
	if c == nil || c.client == nil {
		return nil
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	return c.client.Del(cacheCtx, c.buildKey(symbol, timeframe)).Err()
}

// Health pings Redis.
func (c *SnapshotCache) Health(ctx context.Context) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("cache not initialized")
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.client.Ping(cacheCtx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

func (c *SnapshotCache) buildKey(symbol, timeframe string) string {
	return fmt.Sprintf("perpcore:snapshot:%s:%s", symbol, timeframe)
}
