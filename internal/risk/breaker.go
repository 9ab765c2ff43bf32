package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"perpcore/internal/metrics"
)

// DailyLossBreaker is a latch over the day's realized loss. Once the
// loss reaches the limit it trips: entries stay rejected until an
// operator resets it, regardless of the UTC day rollover.
type DailyLossBreaker struct {
	mu        sync.Mutex
	limitPct  float64
	tripped   bool
	trippedAt time.Time
	onTrip    func(lossUSD, limitUSD float64)
	log       zerolog.Logger
}

// NewDailyLossBreaker creates the breaker. limitPct is the fraction of
// account value (0.05 = 5%). onTrip fires exactly once per trip, on the
// transition into the tripped state.
func NewDailyLossBreaker(limitPct float64, onTrip func(lossUSD, limitUSD float64), log zerolog.Logger) *DailyLossBreaker {
	metrics.SetDailyLossBreaker(false)
	return &DailyLossBreaker{
		limitPct: limitPct,
		onTrip:   onTrip,
		log:      log,
	}
}

// Check evaluates today's realized P&L against the limit and trips the
// breaker when the loss is at or beyond it. Returns the tripped state.
func (b *DailyLossBreaker) Check(realizedPnLToday, accountValue float64) bool {
	limitUSD := b.limitPct * accountValue

	b.mu.Lock()
	if b.tripped {
		b.mu.Unlock()
		return true
	}
	if limitUSD <= 0 || realizedPnLToday > -limitUSD {
		b.mu.Unlock()
		return false
	}
	b.tripped = true
	b.trippedAt = time.Now().UTC()
	onTrip := b.onTrip
	b.mu.Unlock()

	metrics.SetDailyLossBreaker(true)
	b.log.Error().
		Float64("realized_pnl_usd", realizedPnLToday).
		Float64("limit_usd", limitUSD).
		Msg("Daily loss breaker tripped, entries halted")

	if onTrip != nil {
		onTrip(-realizedPnLToday, limitUSD)
	}
	return true
}

// Tripped reports the latch state.
func (b *DailyLossBreaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}

// TrippedAt returns when the breaker tripped, zero if it has not.
func (b *DailyLossBreaker) TrippedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trippedAt
}

// Reset clears the latch. Operator action only.
func (b *DailyLossBreaker) Reset() {
	b.mu.Lock()
	b.tripped = false
	b.trippedAt = time.Time{}
	b.mu.Unlock()

	metrics.SetDailyLossBreaker(false)
	b.log.Warn().Msg("Daily loss breaker manually reset")
}
