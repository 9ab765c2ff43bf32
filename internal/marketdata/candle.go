package marketdata

import (
	"fmt"
	"math"
	"sync"
	"time"

	"perpcore/internal/exchange"
)

// maxCandleMove is the largest close-to-close change accepted as real data.
// Anything beyond it is treated as a corrupt feed value and dropped.
const maxCandleMove = 0.50

// Candle is one closed OHLCV bar.
type Candle struct {
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	CloseTime time.Time `json:"close_time"`
}

// FromKline converts an exchange kline into a Candle.
func FromKline(k exchange.Kline) Candle {
	return Candle{
		OpenTime:  k.OpenTime,
		Open:      k.Open,
		High:      k.High,
		Low:       k.Low,
		Close:     k.Close,
		Volume:    k.Volume,
		CloseTime: k.CloseTime,
	}
}

// Validate checks internal OHLC consistency of a single candle.
func (c Candle) Validate() error {
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
		return fmt.Errorf("non-positive price in candle at %s", c.OpenTime)
	}
	if c.Volume < 0 {
		return fmt.Errorf("negative volume in candle at %s", c.OpenTime)
	}
	if c.High < c.Low {
		return fmt.Errorf("high %.8f below low %.8f at %s", c.High, c.Low, c.OpenTime)
	}
	if c.Open > c.High || c.Open < c.Low || c.Close > c.High || c.Close < c.Low {
		return fmt.Errorf("open/close outside high-low range at %s", c.OpenTime)
	}
	return nil
}

// ValidateTick checks a raw trade tick before it touches the series.
// lastPrice may be zero when no prior price is known.
func ValidateTick(tick exchange.Tick, lastPrice float64) error {
	if tick.Price <= 0 {
		return fmt.Errorf("non-positive tick price %.8f for %s", tick.Price, tick.Symbol)
	}
	if tick.Quantity < 0 {
		return fmt.Errorf("negative tick quantity %.8f for %s", tick.Quantity, tick.Symbol)
	}
	if lastPrice > 0 {
		move := math.Abs(tick.Price-lastPrice) / lastPrice
		if move > maxCandleMove {
			return fmt.Errorf("tick price %.8f moved %.0f%% from %.8f for %s",
				tick.Price, move*100, lastPrice, tick.Symbol)
		}
	}
	return nil
}

// Series holds the closed candles of one symbol plus the forming candle.
// A single writer appends; readers take immutable snapshots, so cycle
// pipelines never block the feed.
type Series struct {
	symbol    string
	timeframe time.Duration
	capacity  int

	mu       sync.RWMutex
	closed   []Candle  // oldest first, bounded at capacity
	current  *Candle   // forming candle, nil until first tick after warmup
	lastTick time.Time // exchange timestamp of the freshest data applied
}

// NewSeries creates a candle series for one symbol. Capacity bounds the
// closed-candle history; warmup data plus slack is the usual choice.
func NewSeries(symbol string, timeframe time.Duration, capacity int) *Series {
	if capacity < 1 {
		capacity = 1
	}
	return &Series{
		symbol:    symbol,
		timeframe: timeframe,
		capacity:  capacity,
	}
}

// Seed replaces the closed-candle history with validated warmup data.
// Candles must be in ascending open-time order; invalid or out-of-order
// entries abort the seed.
func (s *Series) Seed(candles []Candle) error {
	var prev *Candle
	for i := range candles {
		c := candles[i]
		if err := c.Validate(); err != nil {
			return err
		}
		if prev != nil {
			if !c.OpenTime.After(prev.OpenTime) {
				return fmt.Errorf("candle at %s not after previous %s", c.OpenTime, prev.OpenTime)
			}
			move := math.Abs(c.Close-prev.Close) / prev.Close
			if move > maxCandleMove {
				return fmt.Errorf("close moved %.0f%% between %s and %s", move*100, prev.OpenTime, c.OpenTime)
			}
		}
		prev = &candles[i]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed[:0], candles...)
	s.trimLocked()
	s.current = nil
	if n := len(s.closed); n > 0 {
		s.touchLocked(s.closed[n-1].CloseTime)
	}
	return nil
}

// Append adds one closed candle. Candles older than the newest closed
// candle are dropped, and moves beyond the sanity limit are rejected.
func (s *Series) Append(c Candle) error {
	if err := c.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.closed); n > 0 {
		last := s.closed[n-1]
		if !c.OpenTime.After(last.OpenTime) {
			return fmt.Errorf("out-of-order candle at %s, newest is %s", c.OpenTime, last.OpenTime)
		}
		move := math.Abs(c.Close-last.Close) / last.Close
		if move > maxCandleMove {
			return fmt.Errorf("close moved %.0f%% from previous candle at %s", move*100, c.OpenTime)
		}
	}

	s.closed = append(s.closed, c)
	s.trimLocked()
	s.touchLocked(c.CloseTime)
	if s.current != nil && !s.current.OpenTime.After(c.OpenTime) {
		s.current = nil
	}
	return nil
}

// ApplyTick folds a validated tick into the forming candle, rolling the
// previous forming candle into the closed history at bucket boundaries.
func (s *Series) ApplyTick(tick exchange.Tick) error {
	if err := ValidateTick(tick, s.LastPrice()); err != nil {
		return err
	}

	bucket := tick.ExchangeTS.Truncate(s.timeframe)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Any validated tick proves the feed is alive, including ticks for
	// buckets that already closed.
	s.touchLocked(tick.ExchangeTS)

	if s.current != nil && bucket.After(s.current.OpenTime) {
		done := *s.current
		done.CloseTime = done.OpenTime.Add(s.timeframe)
		s.closed = append(s.closed, done)
		s.trimLocked()
		s.current = nil
	}

	if s.current == nil {
		if n := len(s.closed); n > 0 && !bucket.After(s.closed[n-1].OpenTime) {
			return nil // tick belongs to an already-closed bucket, drop it
		}
		s.current = &Candle{
			OpenTime:  bucket,
			Open:      tick.Price,
			High:      tick.Price,
			Low:       tick.Price,
			Close:     tick.Price,
			Volume:    tick.Quantity,
			CloseTime: bucket.Add(s.timeframe),
		}
		return nil
	}

	s.current.Close = tick.Price
	s.current.Volume += tick.Quantity
	if tick.Price > s.current.High {
		s.current.High = tick.Price
	}
	if tick.Price < s.current.Low {
		s.current.Low = tick.Price
	}
	return nil
}

// Snapshot returns a copy of the closed candles and the forming candle.
func (s *Series) Snapshot() ([]Candle, *Candle) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	closed := make([]Candle, len(s.closed))
	copy(closed, s.closed)

	var current *Candle
	if s.current != nil {
		c := *s.current
		current = &c
	}
	return closed, current
}

// Closes returns the closing prices of the closed candles, oldest first.
func (s *Series) Closes() []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	closes := make([]float64, len(s.closed))
	for i, c := range s.closed {
		closes[i] = c.Close
	}
	return closes
}

// LastPrice returns the most recent price seen, preferring the forming
// candle over the last close. Zero when the series is empty.
func (s *Series) LastPrice() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.current != nil {
		return s.current.Close
	}
	if n := len(s.closed); n > 0 {
		return s.closed[n-1].Close
	}
	return 0
}

// LastUpdate returns the exchange timestamp of the freshest data the
// series has seen: the last applied tick, or for REST-fed series the
// close time of the newest candle. Gap detection measures from here.
func (s *Series) LastUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTick
}

// touchLocked advances the freshness watermark, never rewinding it on
// out-of-order data.
func (s *Series) touchLocked(ts time.Time) {
	if ts.After(s.lastTick) {
		s.lastTick = ts
	}
}

// Len returns the number of closed candles.
func (s *Series) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.closed)
}

func (s *Series) trimLocked() {
	if over := len(s.closed) - s.capacity; over > 0 {
		s.closed = append(s.closed[:0], s.closed[over:]...)
	}
}

// TimeframeDuration parses an interval string like "3m", "1h" or "1d".
func TimeframeDuration(timeframe string) (time.Duration, error) {
	if len(timeframe) < 2 {
		return 0, fmt.Errorf("invalid timeframe %q", timeframe)
	}
	unit := timeframe[len(timeframe)-1]
	var n int
	if _, err := fmt.Sscanf(timeframe[:len(timeframe)-1], "%d", &n); err != nil || n < 1 {
		return 0, fmt.Errorf("invalid timeframe %q", timeframe)
	}
	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid timeframe unit %q", timeframe)
	}
}
