package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Tokens may go negative when critical traffic takes without waiting; the
// deficit delays subsequent non-critical callers.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64 // tokens refilled per second
	lastTime time.Time
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

func (tb *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(tb.lastTime).Seconds()
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastTime = now
}

// Wait blocks until a token is available or ctx is cancelled
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		tb.refillLocked(time.Now())

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// TakeNow consumes a token without waiting. The balance may go negative.
func (tb *TokenBucket) TakeNow() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked(time.Now())
	tb.tokens--
}

// Drain empties the bucket so all callers wait for a full refill cycle
func (tb *TokenBucket) Drain() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked(time.Now())
	tb.tokens = 0
}

// Tokens returns the current balance, for tests and introspection
func (tb *TokenBucket) Tokens() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked(time.Now())
	return tb.tokens
}

const (
	// pressureWindow is the sliding window over which repeated rate-limit
	// responses escalate to an alert.
	pressureWindow = 5 * time.Minute
	// pressureThreshold is the number of rate-limit hits inside the window
	// that triggers the escalation.
	pressureThreshold = 3
)

// Limiter paces outgoing REST traffic at a fraction of the exchange's
// published limit. Non-critical requests wait for a token; critical requests
// (orders, position queries) never wait but still consume tokens. A
// rate-limit response from the exchange drains the bucket and pauses all
// traffic until retry-after plus ten percent.
type Limiter struct {
	bucket *TokenBucket

	mu          sync.Mutex
	pausedUntil time.Time
	hits        []time.Time

	// onPressure is invoked at most once per window when repeated
	// rate-limit responses indicate the pacing budget is wrong.
	onPressure func(hits int, window time.Duration)
}

// NewLimiter creates a limiter pacing at fraction (typically 0.80) of the
// published requests-per-minute budget.
func NewLimiter(requestsPerMinute int, fraction float64, onPressure func(hits int, window time.Duration)) *Limiter {
	perSecond := float64(requestsPerMinute) * fraction / 60.0
	// one second of burst allowance
	capacity := perSecond
	if capacity < 1 {
		capacity = 1
	}
	return &Limiter{
		bucket:     NewTokenBucket(capacity, perSecond),
		onPressure: onPressure,
	}
}

// Acquire gates one outgoing request. Critical requests bypass the token
// wait; every request waits out an active rate-limit pause.
func (l *Limiter) Acquire(ctx context.Context, class RequestClass) error {
	l.mu.Lock()
	pause := time.Until(l.pausedUntil)
	l.mu.Unlock()

	if pause > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
	}

	if class == ClassCritical {
		l.bucket.TakeNow()
		return nil
	}
	return l.bucket.Wait(ctx)
}

// OnRateLimited reacts to a 429 from the exchange: drain the bucket, pause
// all traffic for retryAfter plus ten percent, and escalate if hits repeat
// inside the sliding window.
func (l *Limiter) OnRateLimited(retryAfter time.Duration) {
	if retryAfter <= 0 {
		retryAfter = 10 * time.Second
	}
	pause := retryAfter + retryAfter/10

	l.bucket.Drain()

	l.mu.Lock()
	now := time.Now()
	l.pausedUntil = now.Add(pause)

	kept := l.hits[:0]
	for _, t := range l.hits {
		if now.Sub(t) <= pressureWindow {
			kept = append(kept, t)
		}
	}
	l.hits = append(kept, now)
	hitCount := len(l.hits)
	escalate := hitCount >= pressureThreshold && l.onPressure != nil
	if escalate {
		l.hits = l.hits[:0]
	}
	l.mu.Unlock()

	if escalate {
		l.onPressure(hitCount, pressureWindow)
	}
}

// Paused reports whether the limiter is currently inside a rate-limit pause
func (l *Limiter) Paused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return time.Now().Before(l.pausedUntil)
}
