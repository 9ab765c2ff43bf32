package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"perpcore/internal/alerts"
	"perpcore/internal/config"
	"perpcore/internal/exchange"
)

// restFallbackInterval is how often the mark price is polled over REST
// while the websocket feed is stale.
const restFallbackInterval = 5 * time.Second

// auxData carries the slower-moving per-symbol context: open interest and
// funding rate.
type auxData struct {
	openInterest   float64
	openInterestAt time.Time
	fundingRate    float64
	fundingRateAt  time.Time
}

// gapState tracks a feed outage for one symbol so the alert fires once
// per episode, not once per check.
type gapState struct {
	alerted bool
}

// Service maintains candle series for all traded symbols and builds the
// market snapshots the rest of the pipeline consumes.
type Service struct {
	cfg     config.MarketConfig
	gateway exchange.Gateway
	ticks   exchange.TickSource
	cache   *SnapshotCache
	alerter *alerts.Manager
	log     zerolog.Logger

	timeframe time.Duration
	series    map[string]*Series

	mu   sync.RWMutex
	aux  map[string]*auxData
	gaps map[string]*gapState
}

// NewService creates the market data service. ticks, cache and alerter
// may be nil; the service then runs REST-only, uncached and silent.
func NewService(
	cfg config.MarketConfig,
	gateway exchange.Gateway,
	ticks exchange.TickSource,
	cache *SnapshotCache,
	alerter *alerts.Manager,
	symbols []string,
	log zerolog.Logger,
) (*Service, error) {
	timeframe, err := TimeframeDuration(cfg.Timeframe)
	if err != nil {
		return nil, err
	}

	series := make(map[string]*Series, len(symbols))
	aux := make(map[string]*auxData, len(symbols))
	gaps := make(map[string]*gapState, len(symbols))
	for _, sym := range symbols {
		series[sym] = NewSeries(sym, timeframe, cfg.WarmupCandles+50)
		aux[sym] = &auxData{}
		gaps[sym] = &gapState{}
	}

	return &Service{
		cfg:       cfg,
		gateway:   gateway,
		ticks:     ticks,
		cache:     cache,
		alerter:   alerter,
		log:       log,
		timeframe: timeframe,
		series:    series,
		aux:       aux,
		gaps:      gaps,
	}, nil
}

// Warmup backfills every symbol with historical candles until each series
// holds the configured warmup depth. Trading must not start before this
// completes.
func (s *Service) Warmup(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(3)

	for sym, ser := range s.series {
		g.Go(func() error {
			klines, err := s.gateway.FetchKlines(gctx, sym, s.cfg.Timeframe, s.cfg.WarmupCandles+1)
			if err != nil {
				return fmt.Errorf("warmup fetch for %s: %w", sym, err)
			}

			candles := make([]Candle, 0, len(klines))
			for _, k := range klines {
				if !k.Closed {
					continue
				}
				candles = append(candles, FromKline(k))
			}
			if len(candles) < s.cfg.WarmupCandles {
				return fmt.Errorf("warmup for %s returned %d closed candles, need %d",
					sym, len(candles), s.cfg.WarmupCandles)
			}
			if err := ser.Seed(candles); err != nil {
				return fmt.Errorf("warmup seed for %s: %w", sym, err)
			}

			s.log.Info().
				Str("symbol", sym).
				Int("candles", len(candles)).
				Msg("Warmup complete")
			return nil
		})
	}

	return g.Wait()
}

// Run consumes the live tick feed and applies it to the candle series,
// falling back to REST mark-price polling while the feed is stale.
// Blocks until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	fallback := time.NewTicker(restFallbackInterval)
	defer fallback.Stop()

	var tickCh <-chan exchange.Tick
	if s.ticks != nil {
		tickCh = s.ticks.Ticks()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case tick, ok := <-tickCh:
			if !ok {
				tickCh = nil
				continue
			}
			s.applyTick(tick)

		case <-fallback.C:
			s.pollStaleSymbols(ctx)
		}
	}
}

func (s *Service) applyTick(tick exchange.Tick) {
	ser, ok := s.series[tick.Symbol]
	if !ok {
		return
	}
	if err := ser.ApplyTick(tick); err != nil {
		s.log.Warn().
			Err(err).
			Str("symbol", tick.Symbol).
			Msg("Dropped invalid tick")
	}
}

// pollStaleSymbols fetches the mark price over REST for every symbol
// whose feed has gone quiet and folds it in as a synthetic tick.
func (s *Service) pollStaleSymbols(ctx context.Context) {
	now := time.Now().UTC()
	for sym, ser := range s.series {
		if s.ticks != nil && !s.ticks.Stale(sym) {
			continue
		}
		if s.ticks == nil && now.Sub(ser.LastUpdate()) < restFallbackInterval {
			continue
		}

		price, err := s.gateway.FetchMarkPrice(ctx, sym)
		if err != nil {
			s.log.Warn().Err(err).Str("symbol", sym).Msg("REST price fallback failed")
			s.checkGap(ctx, sym, ser, now)
			continue
		}

		s.applyTick(exchange.Tick{
			Symbol:     sym,
			Price:      price,
			ExchangeTS: now,
			ReceivedAt: now,
		})
		s.clearGap(sym)
	}
}

// RefreshAux fetches open interest and funding rate for one symbol.
// Failures leave the previous values in place; staleness flags on the
// snapshot expose the age.
func (s *Service) RefreshAux(ctx context.Context, symbol string) {
	now := time.Now().UTC()

	if oi, err := s.gateway.FetchOpenInterest(ctx, symbol); err == nil {
		s.mu.Lock()
		if a, ok := s.aux[symbol]; ok {
			a.openInterest = oi
			a.openInterestAt = now
		}
		s.mu.Unlock()
	} else {
		s.log.Debug().Err(err).Str("symbol", symbol).Msg("Open interest refresh failed")
	}

	if fr, err := s.gateway.FetchFundingRate(ctx, symbol); err == nil && fr != nil {
		s.mu.Lock()
		if a, ok := s.aux[symbol]; ok {
			a.fundingRate = fr.Rate
			a.fundingRateAt = now
		}
		s.mu.Unlock()
	} else if err != nil {
		s.log.Debug().Err(err).Str("symbol", symbol).Msg("Funding rate refresh failed")
	}
}

// Paused reports whether trading on a symbol must pause because its data
// feed has a gap at or beyond the configured threshold.
func (s *Service) Paused(symbol string) (bool, string) {
	ser, ok := s.series[symbol]
	if !ok {
		return true, "unknown symbol"
	}

	last := ser.LastUpdate()
	if last.IsZero() {
		return true, "no data"
	}

	gap := time.Now().UTC().Sub(last)
	pauseAfter := time.Duration(s.cfg.GapPauseSeconds) * time.Second
	if gap >= pauseAfter {
		return true, fmt.Sprintf("data gap of %s", gap.Truncate(time.Second))
	}
	return false, ""
}

// checkGap escalates a long-running feed outage to a critical alert,
// once per episode.
func (s *Service) checkGap(ctx context.Context, symbol string, ser *Series, now time.Time) {
	last := ser.LastUpdate()
	if last.IsZero() {
		return
	}
	gap := now.Sub(last)
	alertAfter := time.Duration(s.cfg.GapAlertSeconds) * time.Second
	if gap < alertAfter {
		return
	}

	s.mu.Lock()
	state, ok := s.gaps[symbol]
	fire := ok && !state.alerted
	if fire {
		state.alerted = true
	}
	s.mu.Unlock()

	if !fire {
		return
	}

	s.log.Error().
		Str("symbol", symbol).
		Dur("gap", gap).
		Msg("Market data gap exceeded alert threshold")

	if s.alerter != nil {
		_ = s.alerter.SendCritical(ctx, "Market Data Gap",
			fmt.Sprintf("No market data for %s in %s", symbol, gap.Truncate(time.Second)),
			map[string]interface{}{"symbol": symbol, "gap_seconds": int(gap.Seconds())})
	}
}

func (s *Service) clearGap(symbol string) {
	s.mu.Lock()
	if state, ok := s.gaps[symbol]; ok {
		state.alerted = false
	}
	s.mu.Unlock()
}

// Snapshot builds the market view for one symbol, serving from the hot
// cache when a fresh copy exists.
func (s *Service) Snapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	if snap, ok := s.cache.Get(ctx, symbol, s.cfg.Timeframe); ok {
		return snap, nil
	}

	ser, ok := s.series[symbol]
	if !ok {
		return nil, fmt.Errorf("no candle series for %s", symbol)
	}

	closes := ser.Closes()
	_, current := ser.Snapshot()

	snap := &Snapshot{
		Symbol:      symbol,
		Timeframe:   s.cfg.Timeframe,
		GeneratedAt: time.Now().UTC(),
		LastPrice:   ser.LastPrice(),
		Current:     current,
		Indicators:  ComputeIndicators(closes),
		WarmingUp:   ser.Len() < s.cfg.WarmupCandles,
	}

	if n := len(closes); n > snapshotCloses {
		snap.Closes = closes[n-snapshotCloses:]
	} else {
		snap.Closes = closes
	}

	s.mu.RLock()
	if a, ok := s.aux[symbol]; ok {
		snap.OpenInterest = a.openInterest
		snap.OpenInterestAt = a.openInterestAt
		snap.FundingRate = a.fundingRate
		snap.FundingRateAt = a.fundingRateAt
		staleAfter := time.Duration(s.cfg.FundingStalenessMin) * time.Minute
		snap.FundingStale = a.fundingRateAt.IsZero() ||
			snap.GeneratedAt.Sub(a.fundingRateAt) > staleAfter
	}
	s.mu.RUnlock()

	if snap.WarmingUp {
		snap.Warnings = append(snap.Warnings,
			fmt.Sprintf("warming up: %d of %d candles", ser.Len(), s.cfg.WarmupCandles))
	}
	if snap.FundingStale {
		snap.Warnings = append(snap.Warnings, "funding rate stale")
	}
	if paused, reason := s.Paused(symbol); paused {
		snap.Warnings = append(snap.Warnings, reason)
	}

	if s.cache != nil {
		_ = s.cache.Set(ctx, snap)
	}
	return snap, nil
}

// LastPrice returns the freshest known price for a symbol, zero when the
// series is empty.
func (s *Service) LastPrice(symbol string) float64 {
	if ser, ok := s.series[symbol]; ok {
		return ser.LastPrice()
	}
	return 0
}

// Warm reports whether a symbol has completed warmup.
func (s *Service) Warm(symbol string) bool {
	ser, ok := s.series[symbol]
	return ok && ser.Len() >= s.cfg.WarmupCandles
}
