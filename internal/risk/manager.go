package risk

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"perpcore/internal/advisor"
	"perpcore/internal/config"
	"perpcore/internal/exchange"
	"perpcore/internal/metrics"
)

// Manager evaluates entry signals through the ordered risk layers and
// sizes the ones that pass. Layers short-circuit: the first rejection
// wins and later layers never run, so every rejection names exactly one
// layer.
type Manager struct {
	cfg     config.RiskConfig
	breaker *DailyLossBreaker
	log     zerolog.Logger
}

// NewManager creates the risk manager around a daily loss breaker.
func NewManager(cfg config.RiskConfig, breaker *DailyLossBreaker, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		breaker: breaker,
		log:     log.With().Str("component", "risk").Logger(),
	}
}

// Breaker exposes the daily loss breaker for engine checks and the
// operator reset path.
func (m *Manager) Breaker() *DailyLossBreaker { return m.breaker }

// Evaluate runs an entry candidate through the layers in order:
// circuit breaker, position count, exposure, leverage, confidence,
// margin. An approval carries the fully sized order.
func (m *Manager) Evaluate(c Candidate) Decision {
	sig := c.Signal
	if !sig.Action.Entry() {
		return m.reject(LayerConfidence, fmt.Sprintf("action %q is not an entry", sig.Action))
	}

	if m.breaker != nil && m.breaker.Tripped() {
		return m.reject(LayerCircuitBreaker, "daily loss breaker is tripped")
	}

	if c.OpenPositions >= m.cfg.MaxPositions {
		return m.reject(LayerMaxPositions,
			fmt.Sprintf("%d positions open, limit %d", c.OpenPositions, m.cfg.MaxPositions))
	}

	notional := sig.RiskUSD * float64(sig.Leverage)
	equity := c.Account.Equity()
	if equity <= 0 {
		return m.reject(LayerExposure, "account equity is not positive")
	}
	projected := (c.OpenNotional + notional) / equity
	if projected > m.cfg.MaxExposurePct {
		return m.reject(LayerExposure,
			fmt.Sprintf("projected exposure %.1f%% exceeds limit %.1f%%",
				projected*100, m.cfg.MaxExposurePct*100))
	}
	if projected > m.cfg.ExposureWarnPct {
		m.log.Warn().
			Str("symbol", sig.Symbol).
			Float64("projected_exposure_pct", projected*100).
			Float64("warn_pct", m.cfg.ExposureWarnPct*100).
			Msg("Exposure approaching limit")
	}

	maxLev := m.cfg.MaxLeverage
	if c.Instrument.MaxLeverage > 0 && c.Instrument.MaxLeverage < maxLev {
		maxLev = c.Instrument.MaxLeverage
	}
	if sig.Leverage < m.cfg.MinLeverage || sig.Leverage > maxLev {
		return m.reject(LayerLeverage,
			fmt.Sprintf("leverage %dx outside [%d, %d]", sig.Leverage, m.cfg.MinLeverage, maxLev))
	}

	threshold := m.entryThreshold(c)
	if sig.Confidence < threshold {
		return m.reject(LayerConfidence,
			fmt.Sprintf("confidence %.2f below entry threshold %.2f", sig.Confidence, threshold))
	}

	required := notional / float64(sig.Leverage)
	budget := m.cfg.MaxMarginUtilization * c.Account.AvailableMargin
	if required > budget {
		return m.reject(LayerMargin,
			fmt.Sprintf("required margin $%.2f exceeds %.0f%% of available $%.2f",
				required, m.cfg.MaxMarginUtilization*100, c.Account.AvailableMargin))
	}

	// Advisory only: flag stakes well past the half-Kelly line. The
	// sizing itself stays risk_usd * leverage.
	if kelly := AdvisoryKellyRiskUSD(equity, sig.Confidence, sig.StopLossPct, sig.TakeProfitPct); kelly > 0 && sig.RiskUSD > kelly {
		m.log.Warn().
			Str("symbol", sig.Symbol).
			Float64("risk_usd", sig.RiskUSD).
			Float64("half_kelly_usd", kelly).
			Msg("Requested risk exceeds half-Kelly advisory stake")
	}

	return m.size(c, notional)
}

// ApproveClose gates a close signal on the exit confidence floor. The
// volatility bump applies to entries only; raising the bar to get OUT
// of a position during a violent tape would be backwards.
func (m *Manager) ApproveClose(sig advisor.Signal) Decision {
	if sig.Action != advisor.ActionClosePosition {
		return m.reject(LayerConfidence, fmt.Sprintf("action %q is not a close", sig.Action))
	}
	if sig.Confidence < m.cfg.ExitConfidence {
		return m.reject(LayerConfidence,
			fmt.Sprintf("confidence %.2f below exit threshold %.2f", sig.Confidence, m.cfg.ExitConfidence))
	}
	return Decision{Approved: true}
}

// Preflight re-applies the margin and exposure gates against the
// freshest account state just before submission. Balances can move
// between the risk check and the order hitting the wire.
func (m *Manager) Preflight(app *Approval, account exchange.AccountState, openNotional float64) Decision {
	equity := account.Equity()
	if equity <= 0 {
		return m.reject(LayerExposure, "account equity is not positive at submission")
	}
	projected := (openNotional + app.Notional) / equity
	if projected > m.cfg.MaxExposurePct {
		return m.reject(LayerExposure,
			fmt.Sprintf("pre-flight exposure %.1f%% exceeds limit %.1f%%",
				projected*100, m.cfg.MaxExposurePct*100))
	}

	required := app.Notional / float64(app.Leverage)
	budget := m.cfg.MaxMarginUtilization * account.AvailableMargin
	if required > budget {
		return m.reject(LayerMargin,
			fmt.Sprintf("pre-flight margin $%.2f exceeds %.0f%% of available $%.2f",
				required, m.cfg.MaxMarginUtilization*100, account.AvailableMargin))
	}
	return Decision{Approved: true}
}

// entryThreshold returns the base entry confidence, bumped when the
// trailing closes show high realized volatility.
func (m *Manager) entryThreshold(c Candidate) float64 {
	threshold := m.cfg.EntryConfidence
	if c.Snapshot != nil && AssessVolatility(c.Snapshot.Closes) == VolatilityHigh {
		threshold += m.cfg.VolatilityConfidenceBump
		m.log.Debug().
			Str("symbol", c.Signal.Symbol).
			Float64("threshold", threshold).
			Msg("High volatility, entry confidence bar raised")
	}
	return threshold
}

// size converts the approved signal into order quantity, flooring to
// the instrument lot step. Quantities that floor below the exchange
// minimum notional are rejected rather than rounded up.
func (m *Manager) size(c Candidate, notional float64) Decision {
	sig := c.Signal
	price := c.Snapshot.LastPrice
	if price <= 0 {
		return m.reject(LayerMinNotional, "no usable price for sizing")
	}

	qty := notional / price
	if c.Instrument.LotStep > 0 {
		qty = floorToStep(qty, c.Instrument.LotStep)
	}
	actual := qty * price
	if qty <= 0 || actual < c.Instrument.MinNotional {
		return m.reject(LayerMinNotional,
			fmt.Sprintf("sized notional $%.2f below exchange minimum $%.2f", actual, c.Instrument.MinNotional))
	}

	side := exchange.OrderSideBuy
	if sig.Action == advisor.ActionSellToEnter {
		side = exchange.OrderSideSell
	}

	return Decision{
		Approved: true,
		Order: &Approval{
			Symbol:        sig.Symbol,
			Side:          side,
			Quantity:      qty,
			Notional:      actual,
			EntryPrice:    price,
			Leverage:      sig.Leverage,
			StopLossPct:   sig.StopLossPct,
			TakeProfitPct: sig.TakeProfitPct,
		},
	}
}

func (m *Manager) reject(layer, reason string) Decision {
	metrics.RecordRiskRejection(layer)
	m.log.Info().Str("layer", layer).Str("reason", reason).Msg("Signal rejected")
	return rejected(layer, reason)
}

// floorToStep floors qty to a multiple of step. The epsilon absorbs
// float noise so 0.3/0.1 does not floor to 0.2.
func floorToStep(qty, step float64) float64 {
	return math.Floor(qty/step+1e-9) * step
}
