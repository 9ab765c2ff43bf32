package position

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"perpcore/internal/alerts"
	"perpcore/internal/exchange"
	"perpcore/internal/metrics"
)

const (
	// scanInterval is the monitor's base tick; per-position checks are
	// throttled on top of it.
	scanInterval = 1 * time.Second

	// pollInterval is the per-position check cadence, tightened to
	// fastPollInterval once the loss passes fastPollLossFraction.
	pollInterval         = 5 * time.Second
	fastPollInterval     = 1 * time.Second
	fastPollLossFraction = 0.10

	// stopGraceWindow is how long after a stop breach the exchange stop
	// gets to fire before the monitor takes over.
	stopGraceWindow = 10 * time.Second
)

// PriceFunc returns the freshest known price for a symbol. Backed by
// the market data service; the monitor falls back to REST when it has
// nothing.
type PriceFunc func(symbol string) (float64, bool)

// Monitor is the application-level stop defense. It watches every open
// position, finalizes exchange stop fills, closes positions whose stop
// the exchange failed to honor within the grace window, and liquidates
// unconditionally past the emergency loss threshold.
type Monitor struct {
	mgr          *Manager
	gateway      exchange.Gateway
	prices       PriceFunc
	alerter      *alerts.Manager
	emergencyPct float64
	log          zerolog.Logger

	// restLimiter bounds mark-price REST fallback when the feed is dark,
	// so a stale feed across many positions cannot exhaust the REST budget.
	restLimiter *rate.Limiter

	mu        sync.Mutex
	breachAt  map[string]time.Time // position id -> first stop breach
	lastCheck map[string]time.Time // position id -> last evaluation
}

// NewMonitor creates the stop monitor. prices and alerter may be nil.
func NewMonitor(mgr *Manager, gateway exchange.Gateway, prices PriceFunc, alerter *alerts.Manager, emergencyPct float64, log zerolog.Logger) *Monitor {
	return &Monitor{
		mgr:          mgr,
		gateway:      gateway,
		prices:       prices,
		alerter:      alerter,
		emergencyPct: emergencyPct,
		log:          log.With().Str("component", "stop_monitor").Logger(),
		restLimiter:  rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
		breachAt:     make(map[string]time.Time),
		lastCheck:    make(map[string]time.Time),
	}
}

// Run scans until the context is cancelled. Independent of the trading
// cycle: the monitor keeps protecting positions when cycles degrade to
// monitoring-only.
func (mon *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	mon.log.Info().
		Float64("emergency_pct", mon.emergencyPct).
		Msg("Stop monitor running")

	for {
		select {
		case <-ctx.Done():
			mon.log.Info().Msg("Stop monitor stopped")
			return
		case <-ticker.C:
			mon.Scan(ctx)
		}
	}
}

// Scan evaluates every open position once. Exported so tests and the
// engine can drive it without the ticker.
func (mon *Monitor) Scan(ctx context.Context) {
	now := time.Now()
	for _, p := range mon.mgr.ActivePositions() {
		if p.State != StateOpen {
			continue
		}
		price, ok := mon.price(ctx, p.Symbol)
		if !ok {
			continue
		}
		if !mon.due(p, price, now) {
			continue
		}
		mon.evaluate(ctx, p, price, now)
	}
	mon.prune()
}

func (mon *Monitor) price(ctx context.Context, symbol string) (float64, bool) {
	if mon.prices != nil {
		if price, ok := mon.prices(symbol); ok && price > 0 {
			return price, true
		}
	}
	if !mon.restLimiter.Allow() {
		return 0, false
	}
	price, err := mon.gateway.FetchMarkPrice(ctx, symbol)
	if err != nil || price <= 0 {
		return 0, false
	}
	return price, true
}

// due throttles per-position checks: every pollInterval normally, every
// fastPollInterval once the loss is deep.
func (mon *Monitor) due(p *Position, price float64, now time.Time) bool {
	interval := pollInterval
	if p.LossFraction(price) > fastPollLossFraction {
		interval = fastPollInterval
	}

	mon.mu.Lock()
	defer mon.mu.Unlock()
	last, ok := mon.lastCheck[p.ID]
	if ok && now.Sub(last) < interval {
		return false
	}
	mon.lastCheck[p.ID] = now
	return true
}

func (mon *Monitor) evaluate(ctx context.Context, p *Position, price float64, now time.Time) {
	mon.mgr.ApplyPrice(p.Symbol, price)

	// L3: unconditional close past the emergency threshold, regardless
	// of what the stop orders are doing.
	if loss := p.LossFraction(price); mon.emergencyPct > 0 && loss >= mon.emergencyPct {
		mon.log.Error().
			Str("position_id", p.ID).
			Str("symbol", p.Symbol).
			Float64("loss_fraction", loss).
			Msg("Emergency liquidation threshold reached")
		metrics.EmergencyLiquidations.Inc()
		if mon.alerter != nil {
			mon.alerter.EmergencyLiquidation(ctx, p.Symbol, loss)
		}
		if _, err := mon.mgr.CloseMarket(ctx, p.ID, CloseReasonEmergency); err != nil {
			mon.log.Error().Err(err).Str("position_id", p.ID).Msg("Emergency close failed")
		}
		mon.clearBreach(p.ID)
		return
	}

	if !p.StopBreached(price) {
		mon.clearBreach(p.ID)
		return
	}

	// The stop is breached. Give the exchange stop its grace window,
	// finalizing immediately if it already filled.
	if p.StopOrderID != "" {
		order, err := mon.gateway.FetchOrder(ctx, p.Symbol, p.StopOrderID)
		if err == nil && order.Status == exchange.OrderStatusFilled {
			if err := mon.mgr.StopFilled(ctx, p.ID, order); err != nil {
				mon.log.Error().Err(err).Str("position_id", p.ID).Msg("Stop fill finalization failed")
			}
			mon.clearBreach(p.ID)
			return
		}
	}

	mon.mu.Lock()
	first, seen := mon.breachAt[p.ID]
	if !seen {
		mon.breachAt[p.ID] = now
		first = now
	}
	mon.mu.Unlock()

	if now.Sub(first) < stopGraceWindow {
		return
	}

	mon.log.Warn().
		Str("position_id", p.ID).
		Str("symbol", p.Symbol).
		Float64("price", price).
		Float64("stop_price", p.StopPrice).
		Msg("Exchange stop did not fire within grace window, closing at market")
	if _, err := mon.mgr.CloseMarket(ctx, p.ID, CloseReasonStopL2); err != nil {
		mon.log.Error().Err(err).Str("position_id", p.ID).Msg("Monitor close failed")
	}
	mon.clearBreach(p.ID)
}

func (mon *Monitor) clearBreach(id string) {
	mon.mu.Lock()
	delete(mon.breachAt, id)
	mon.mu.Unlock()
}

// prune drops tracking entries for positions no longer active.
func (mon *Monitor) prune() {
	active := make(map[string]bool)
	for _, p := range mon.mgr.ActivePositions() {
		active[p.ID] = true
	}

	mon.mu.Lock()
	defer mon.mu.Unlock()
	for id := range mon.lastCheck {
		if !active[id] {
			delete(mon.lastCheck, id)
			delete(mon.breachAt, id)
		}
	}
}
