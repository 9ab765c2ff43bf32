package exchange

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketWaitConsumesTokens(t *testing.T) {
	tb := NewTokenBucket(5, 100)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, tb.Wait(ctx))
	}

	assert.Less(t, tb.Tokens(), 1.0)
}

func TestTokenBucketWaitBlocksWhenEmpty(t *testing.T) {
	tb := NewTokenBucket(1, 10) // refill 10/s, one token every 100ms

	ctx := context.Background()
	require.NoError(t, tb.Wait(ctx))

	start := time.Now()
	require.NoError(t, tb.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestTokenBucketWaitHonorsContext(t *testing.T) {
	tb := NewTokenBucket(1, 0.001) // effectively never refills
	ctx := context.Background()
	require.NoError(t, tb.Wait(ctx))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := tb.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTokenBucketTakeNowGoesNegative(t *testing.T) {
	tb := NewTokenBucket(1, 0.001)
	tb.TakeNow()
	tb.TakeNow()
	tb.TakeNow()
	assert.Less(t, tb.Tokens(), 0.0)
}

func TestLimiterCriticalBypassesWait(t *testing.T) {
	l := NewLimiter(60, 0.80, nil) // 0.8/s refill, tiny burst

	ctx := context.Background()
	// Exhaust the bucket, then confirm critical traffic is not delayed.
	for i := 0; i < 3; i++ {
		start := time.Now()
		require.NoError(t, l.Acquire(ctx, ClassCritical))
		assert.Less(t, time.Since(start), 20*time.Millisecond)
	}
	assert.Less(t, l.bucket.Tokens(), 0.0)
}

func TestLimiterRateLimitedPausesAllTraffic(t *testing.T) {
	l := NewLimiter(6000, 0.80, nil)

	l.OnRateLimited(100 * time.Millisecond)
	assert.True(t, l.Paused())

	// Even critical traffic waits out the pause.
	start := time.Now()
	require.NoError(t, l.Acquire(context.Background(), ClassCritical))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestLimiterEscalatesRepeatedHits(t *testing.T) {
	var mu sync.Mutex
	var gotHits int
	l := NewLimiter(6000, 0.80, func(hits int, window time.Duration) {
		mu.Lock()
		gotHits = hits
		mu.Unlock()
	})

	l.OnRateLimited(time.Millisecond)
	l.OnRateLimited(time.Millisecond)
	mu.Lock()
	assert.Zero(t, gotHits, "two hits must not escalate")
	mu.Unlock()

	l.OnRateLimited(time.Millisecond)
	mu.Lock()
	assert.Equal(t, 3, gotHits, "third hit inside the window escalates")
	mu.Unlock()
}
