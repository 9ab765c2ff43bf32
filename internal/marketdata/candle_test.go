package marketdata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpcore/internal/exchange"
)

var seriesStart = time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

func makeCandles(n int, start time.Time, step time.Duration, price float64) []Candle {
	candles := make([]Candle, n)
	for i := range candles {
		open := start.Add(time.Duration(i) * step)
		candles[i] = Candle{
			OpenTime:  open,
			Open:      price,
			High:      price + 5,
			Low:       price - 5,
			Close:     price + 1,
			Volume:    10,
			CloseTime: open.Add(step),
		}
		price += 1
	}
	return candles
}

func TestCandleValidate(t *testing.T) {
	base := Candle{
		OpenTime: seriesStart,
		Open:     100, High: 110, Low: 90, Close: 105, Volume: 1,
	}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Candle)
	}{
		{"zero open", func(c *Candle) { c.Open = 0 }},
		{"negative volume", func(c *Candle) { c.Volume = -1 }},
		{"high below low", func(c *Candle) { c.High = 80 }},
		{"close above high", func(c *Candle) { c.Close = 120 }},
		{"open below low", func(c *Candle) { c.Open = 50 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestValidateTickRejectsBadData(t *testing.T) {
	good := exchange.Tick{Symbol: "BTCUSDT", Price: 50000, Quantity: 0.1}
	require.NoError(t, ValidateTick(good, 49900))

	assert.Error(t, ValidateTick(exchange.Tick{Symbol: "BTCUSDT", Price: 0}, 50000))
	assert.Error(t, ValidateTick(exchange.Tick{Symbol: "BTCUSDT", Price: 50000, Quantity: -1}, 0))

	// A jump of more than half the last price is treated as corrupt.
	assert.Error(t, ValidateTick(exchange.Tick{Symbol: "BTCUSDT", Price: 80000}, 50000))
	assert.NoError(t, ValidateTick(exchange.Tick{Symbol: "BTCUSDT", Price: 74000}, 50000))
}

func TestSeriesSeedAndAppend(t *testing.T) {
	s := NewSeries("BTCUSDT", 3*time.Minute, 100)
	candles := makeCandles(10, seriesStart, 3*time.Minute, 100)
	require.NoError(t, s.Seed(candles))
	assert.Equal(t, 10, s.Len())

	next := Candle{
		OpenTime: seriesStart.Add(30 * time.Minute),
		Open:     110, High: 115, Low: 105, Close: 111, Volume: 3,
		CloseTime: seriesStart.Add(33 * time.Minute),
	}
	require.NoError(t, s.Append(next))
	assert.Equal(t, 11, s.Len())
	assert.Equal(t, 111.0, s.LastPrice())
}

func TestSeriesRejectsOutOfOrderCandle(t *testing.T) {
	s := NewSeries("BTCUSDT", 3*time.Minute, 100)
	require.NoError(t, s.Seed(makeCandles(5, seriesStart, 3*time.Minute, 100)))

	stale := Candle{
		OpenTime: seriesStart, // duplicate of the first candle
		Open:     100, High: 105, Low: 95, Close: 101, Volume: 1,
		CloseTime: seriesStart.Add(3 * time.Minute),
	}
	assert.Error(t, s.Append(stale))
	assert.Equal(t, 5, s.Len())
}

func TestSeriesRejectsImpossibleMove(t *testing.T) {
	s := NewSeries("BTCUSDT", 3*time.Minute, 100)
	require.NoError(t, s.Seed(makeCandles(5, seriesStart, 3*time.Minute, 100)))

	spike := Candle{
		OpenTime: seriesStart.Add(15 * time.Minute),
		Open:     300, High: 310, Low: 290, Close: 300, Volume: 1,
		CloseTime: seriesStart.Add(18 * time.Minute),
	}
	assert.Error(t, s.Append(spike))
}

func TestSeriesCapacityBound(t *testing.T) {
	s := NewSeries("BTCUSDT", 3*time.Minute, 5)
	require.NoError(t, s.Seed(makeCandles(20, seriesStart, 3*time.Minute, 100)))
	assert.Equal(t, 5, s.Len())

	// The survivors are the newest five.
	closes := s.Closes()
	assert.Equal(t, 116.0, closes[0])
	assert.Equal(t, 120.0, closes[4])
}

func TestSeriesApplyTickBuildsAndRollsCandles(t *testing.T) {
	s := NewSeries("BTCUSDT", 3*time.Minute, 100)

	t0 := seriesStart
	require.NoError(t, s.ApplyTick(exchange.Tick{
		Symbol: "BTCUSDT", Price: 100, Quantity: 1, ExchangeTS: t0,
	}))
	require.NoError(t, s.ApplyTick(exchange.Tick{
		Symbol: "BTCUSDT", Price: 104, Quantity: 2, ExchangeTS: t0.Add(time.Minute),
	}))
	require.NoError(t, s.ApplyTick(exchange.Tick{
		Symbol: "BTCUSDT", Price: 98, Quantity: 1, ExchangeTS: t0.Add(2 * time.Minute),
	}))

	_, current := s.Snapshot()
	require.NotNil(t, current)
	assert.Equal(t, 100.0, current.Open)
	assert.Equal(t, 104.0, current.High)
	assert.Equal(t, 98.0, current.Low)
	assert.Equal(t, 98.0, current.Close)
	assert.Equal(t, 4.0, current.Volume)
	assert.Equal(t, 0, s.Len())

	// Tick in the next bucket closes the forming candle.
	require.NoError(t, s.ApplyTick(exchange.Tick{
		Symbol: "BTCUSDT", Price: 99, Quantity: 1, ExchangeTS: t0.Add(3 * time.Minute),
	}))
	assert.Equal(t, 1, s.Len())

	closed, current := s.Snapshot()
	assert.Equal(t, 98.0, closed[0].Close)
	require.NotNil(t, current)
	assert.Equal(t, 99.0, current.Open)
}

func TestSeriesLastUpdateFollowsTickTimestamps(t *testing.T) {
	s := NewSeries("BTCUSDT", 3*time.Minute, 100)
	assert.True(t, s.LastUpdate().IsZero())

	require.NoError(t, s.ApplyTick(exchange.Tick{
		Symbol: "BTCUSDT", Price: 100, Quantity: 1, ExchangeTS: seriesStart,
	}))
	assert.True(t, s.LastUpdate().Equal(seriesStart))

	// A tick late in the bucket carries the watermark with it even though
	// the forming candle stays anchored at the bucket boundary.
	late := seriesStart.Add(2*time.Minute + 59*time.Second)
	require.NoError(t, s.ApplyTick(exchange.Tick{
		Symbol: "BTCUSDT", Price: 101, Quantity: 1, ExchangeTS: late,
	}))
	assert.True(t, s.LastUpdate().Equal(late))

	_, current := s.Snapshot()
	require.NotNil(t, current)
	assert.True(t, current.OpenTime.Equal(seriesStart))

	// Out-of-order data never rewinds the watermark.
	require.NoError(t, s.ApplyTick(exchange.Tick{
		Symbol: "BTCUSDT", Price: 100, Quantity: 1, ExchangeTS: seriesStart.Add(time.Minute),
	}))
	assert.True(t, s.LastUpdate().Equal(late))
}

func TestSeriesLastUpdateFromSeedAndAppend(t *testing.T) {
	s := NewSeries("BTCUSDT", 3*time.Minute, 100)
	require.NoError(t, s.Seed(makeCandles(3, seriesStart, 3*time.Minute, 100)))
	assert.True(t, s.LastUpdate().Equal(seriesStart.Add(9*time.Minute)))

	next := Candle{
		OpenTime: seriesStart.Add(9 * time.Minute),
		Open:     103, High: 108, Low: 98, Close: 104, Volume: 2,
		CloseTime: seriesStart.Add(12 * time.Minute),
	}
	require.NoError(t, s.Append(next))
	assert.True(t, s.LastUpdate().Equal(next.CloseTime))

	// A stale tick for an already-closed bucket leaves the watermark alone.
	require.NoError(t, s.ApplyTick(exchange.Tick{
		Symbol: "BTCUSDT", Price: 104, Quantity: 1, ExchangeTS: seriesStart.Add(4 * time.Minute),
	}))
	assert.True(t, s.LastUpdate().Equal(next.CloseTime))
}

func TestSeriesDropsTickForClosedBucket(t *testing.T) {
	s := NewSeries("BTCUSDT", 3*time.Minute, 100)
	require.NoError(t, s.Seed(makeCandles(3, seriesStart, 3*time.Minute, 100)))

	// A tick whose bucket is already in closed history is silently dropped.
	require.NoError(t, s.ApplyTick(exchange.Tick{
		Symbol: "BTCUSDT", Price: 101, Quantity: 1, ExchangeTS: seriesStart.Add(time.Minute),
	}))
	_, current := s.Snapshot()
	assert.Nil(t, current)
	assert.Equal(t, 3, s.Len())
}

func TestTimeframeDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"3m", 3 * time.Minute, false},
		{"15m", 15 * time.Minute, false},
		{"1h", time.Hour, false},
		{"1d", 24 * time.Hour, false},
		{"m", 0, true},
		{"0m", 0, true},
		{"3x", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := TimeframeDuration(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
