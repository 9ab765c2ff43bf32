package marketdata

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpcore/internal/config"
	"perpcore/internal/exchange"
)

func testMarketConfig() config.MarketConfig {
	return config.MarketConfig{
		Timeframe:           "3m",
		WarmupCandles:       20,
		GapPauseSeconds:     180,
		GapAlertSeconds:     600,
		CacheTTLSeconds:     60,
		FundingStalenessMin: 15,
	}
}

// seedPaperKlines loads n closed 3m candles ending just before `end`.
func seedPaperKlines(p *exchange.PaperExchange, symbol string, n int, end time.Time) {
	step := 3 * time.Minute
	start := end.Add(-time.Duration(n) * step)
	klines := make([]exchange.Kline, n)
	price := 50000.0
	for i := range klines {
		open := start.Add(time.Duration(i) * step)
		klines[i] = exchange.Kline{
			OpenTime:  open,
			Open:      price,
			High:      price + 20,
			Low:       price - 20,
			Close:     price + 10,
			Volume:    5,
			CloseTime: open.Add(step),
			Closed:    true,
		}
		price += 10
	}
	p.SeedKlines(symbol, klines)
}

func newTestService(t *testing.T, p *exchange.PaperExchange) *Service {
	t.Helper()
	svc, err := NewService(testMarketConfig(), p, nil, nil, nil, []string{"BTCUSDT"}, zerolog.Nop())
	require.NoError(t, err)
	return svc
}

func TestServiceWarmup(t *testing.T) {
	p := exchange.NewPaperExchange(10000)
	seedPaperKlines(p, "BTCUSDT", 30, time.Now().UTC())

	svc := newTestService(t, p)
	require.NoError(t, svc.Warmup(context.Background()))

	assert.True(t, svc.Warm("BTCUSDT"))
	assert.Greater(t, svc.LastPrice("BTCUSDT"), 0.0)
}

func TestServiceWarmupFailsShortHistory(t *testing.T) {
	p := exchange.NewPaperExchange(10000)
	seedPaperKlines(p, "BTCUSDT", 5, time.Now().UTC())

	svc := newTestService(t, p)
	err := svc.Warmup(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed candles")
	assert.False(t, svc.Warm("BTCUSDT"))
}

func TestServiceSnapshot(t *testing.T) {
	p := exchange.NewPaperExchange(10000)
	seedPaperKlines(p, "BTCUSDT", 60, time.Now().UTC())
	p.SetOpenInterest("BTCUSDT", 12345)
	p.SetFundingRate("BTCUSDT", 0.0001)

	svc := newTestService(t, p)
	ctx := context.Background()
	require.NoError(t, svc.Warmup(ctx))
	svc.RefreshAux(ctx, "BTCUSDT")

	snap, err := svc.Snapshot(ctx, "BTCUSDT")
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", snap.Symbol)
	assert.Equal(t, "3m", snap.Timeframe)
	assert.Len(t, snap.Closes, snapshotCloses)
	assert.Greater(t, snap.LastPrice, 0.0)
	require.NotNil(t, snap.Indicators)
	assert.False(t, snap.WarmingUp)

	assert.Equal(t, 12345.0, snap.OpenInterest)
	assert.Equal(t, 0.0001, snap.FundingRate)
	assert.False(t, snap.FundingStale)
	assert.NotEmpty(t, snap.Hash())
}

func TestServiceSnapshotFlagsStaleFunding(t *testing.T) {
	p := exchange.NewPaperExchange(10000)
	seedPaperKlines(p, "BTCUSDT", 30, time.Now().UTC())

	svc := newTestService(t, p)
	require.NoError(t, svc.Warmup(context.Background()))

	// Aux never refreshed: funding is stale and flagged.
	snap, err := svc.Snapshot(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, snap.FundingStale)
	assert.Contains(t, snap.Warnings, "funding rate stale")
}

func TestServicePausedOnDataGap(t *testing.T) {
	p := exchange.NewPaperExchange(10000)
	svc := newTestService(t, p)

	// No data at all: paused.
	paused, reason := svc.Paused("BTCUSDT")
	assert.True(t, paused)
	assert.Equal(t, "no data", reason)

	// Fresh data: trading allowed.
	seedPaperKlines(p, "BTCUSDT", 30, time.Now().UTC())
	require.NoError(t, svc.Warmup(context.Background()))
	paused, _ = svc.Paused("BTCUSDT")
	assert.False(t, paused)
}

func TestServicePausedAtGapThreshold(t *testing.T) {
	p := exchange.NewPaperExchange(10000)

	// History ends exactly at the pause threshold.
	seedPaperKlines(p, "BTCUSDT", 30, time.Now().UTC().Add(-181*time.Second))
	svc := newTestService(t, p)
	require.NoError(t, svc.Warmup(context.Background()))

	paused, reason := svc.Paused("BTCUSDT")
	assert.True(t, paused)
	assert.Contains(t, reason, "data gap")
}

func TestServicePausedGapBoundary(t *testing.T) {
	p := exchange.NewPaperExchange(10000)
	now := time.Now().UTC()

	// Last tick 2m59s ago: still inside the 3m threshold.
	fresh := newTestService(t, p)
	fresh.applyTick(exchange.Tick{
		Symbol: "BTCUSDT", Price: 50000, Quantity: 1, ExchangeTS: now.Add(-179 * time.Second),
	})
	paused, _ := fresh.Paused("BTCUSDT")
	assert.False(t, paused, "a gap just under the threshold keeps trading")

	// Last tick a full 3m ago: the pause engages.
	stale := newTestService(t, p)
	stale.applyTick(exchange.Tick{
		Symbol: "BTCUSDT", Price: 50000, Quantity: 1, ExchangeTS: now.Add(-180 * time.Second),
	})
	paused, reason := stale.Paused("BTCUSDT")
	assert.True(t, paused)
	assert.Contains(t, reason, "data gap")
}

func TestServicePausedMeasuresFromLastTickNotBucket(t *testing.T) {
	p := exchange.NewPaperExchange(10000)
	svc := newTestService(t, p)

	// The tick lands late in a 3m bucket. The gap must measure from the
	// tick itself, not from the bucket's open time, which is nearly a
	// full timeframe older.
	tickAt := time.Now().UTC().Add(-10 * time.Second)
	svc.applyTick(exchange.Tick{
		Symbol: "BTCUSDT", Price: 50000, Quantity: 1, ExchangeTS: tickAt,
	})
	assert.True(t, svc.series["BTCUSDT"].LastUpdate().Equal(tickAt))

	paused, _ := svc.Paused("BTCUSDT")
	assert.False(t, paused)
}

func TestServiceSnapshotServedFromCache(t *testing.T) {
	p := exchange.NewPaperExchange(10000)
	seedPaperKlines(p, "BTCUSDT", 30, time.Now().UTC())

	cache, _ := newTestCache(t, time.Minute)
	svc, err := NewService(testMarketConfig(), p, nil, cache, nil, []string{"BTCUSDT"}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, svc.Warmup(context.Background()))

	first, err := svc.Snapshot(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	second, err := svc.Snapshot(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, first.GeneratedAt.Equal(second.GeneratedAt), "second snapshot must come from cache")
}

func TestServiceUnknownSymbol(t *testing.T) {
	p := exchange.NewPaperExchange(10000)
	svc := newTestService(t, p)

	_, err := svc.Snapshot(context.Background(), "DOGEUSDT")
	assert.Error(t, err)

	paused, _ := svc.Paused("DOGEUSDT")
	assert.True(t, paused)
	assert.Zero(t, svc.LastPrice("DOGEUSDT"))
}
