package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"perpcore/internal/alerts"
	"perpcore/internal/exchange"
	"perpcore/internal/metrics"
)

const (
	// fillPollInterval is the cadence for polling an order toward its
	// terminal state during a managed close.
	fillPollInterval = 100 * time.Millisecond

	// closeFillTimeout bounds how long a managed close waits for its
	// market order before leaving the position to reconciliation.
	closeFillTimeout = 5 * time.Second

	// flashCrashGapFraction classifies a stop fill as flash-crash
	// slippage when the fill lands this far past the trigger price.
	flashCrashGapFraction = 0.002
)

// Store persists position records. The exchange remains the source of
// truth; persistence exists so protective monitors survive a restart.
type Store interface {
	SavePosition(ctx context.Context, p *Position) error
}

// OpenParams carries everything needed to create a position in OPENING.
type OpenParams struct {
	Symbol        string
	Side          Side
	Quantity      float64
	Leverage      int
	StopLossPct   float64
	TakeProfitPct *float64
	CycleID       int64
	EntryOrderID  string
}

// Manager owns the position table and is the single writer for every
// state transition. The mutex is held across transition validation,
// mutation, and the protective-order side effect so no two transitions
// for the same position are ever in flight. The one wait the lock does
// not cover is a close order's fill: the position sits in CLOSING for
// that stretch, and the state machine refuses competing transitions.
type Manager struct {
	mu      sync.Mutex
	gateway exchange.Gateway
	store   Store
	alerter *alerts.Manager
	caps    exchange.Capabilities
	log     zerolog.Logger

	positions map[string]*Position // by id, including terminal
	bySymbol  map[string]*Position // active position per symbol
}

// NewManager creates the position manager. store and alerter may be nil.
func NewManager(gateway exchange.Gateway, store Store, alerter *alerts.Manager, log zerolog.Logger) *Manager {
	return &Manager{
		gateway:   gateway,
		store:     store,
		alerter:   alerter,
		caps:      gateway.Capabilities(),
		log:       log.With().Str("component", "position").Logger(),
		positions: make(map[string]*Position),
		bySymbol:  make(map[string]*Position),
	}
}

// Create registers a new position in OPENING for a submitted entry
// order. One active position per symbol.
func (m *Manager) Create(ctx context.Context, params OpenParams) (*Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.bySymbol[params.Symbol]; ok && existing.State.Active() {
		return nil, fmt.Errorf("position %s already active for %s in state %s",
			existing.ID, params.Symbol, existing.State)
	}

	now := time.Now().UTC()
	p := &Position{
		ID:            uuid.NewString(),
		Symbol:        params.Symbol,
		Side:          params.Side,
		State:         StateNone,
		Quantity:      params.Quantity,
		Leverage:      params.Leverage,
		StopLossPct:   params.StopLossPct,
		TakeProfitPct: params.TakeProfitPct,
		CycleID:       params.CycleID,
		EntryOrderID:  params.EntryOrderID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.transitionLocked(p, StateOpening); err != nil {
		return nil, err
	}

	m.positions[p.ID] = p
	m.bySymbol[p.Symbol] = p
	m.persistLocked(ctx, p)

	m.log.Info().
		Str("position_id", p.ID).
		Str("symbol", p.Symbol).
		Str("side", string(p.Side)).
		Float64("quantity", p.Quantity).
		Int("leverage", p.Leverage).
		Msg("Position opening")
	return p, nil
}

// ConfirmFill moves an OPENING position to OPEN on fill confirmation
// and arms the exchange stop. If the stop cannot be placed the position
// is closed at market immediately rather than left unprotected.
func (m *Manager) ConfirmFill(ctx context.Context, id string, avgFillPrice, filledQty, fees float64) (*Position, error) {
	m.mu.Lock()

	p, err := m.getLocked(id)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if err := m.transitionLocked(p, StateOpen); err != nil {
		m.mu.Unlock()
		return nil, err
	}

	now := time.Now().UTC()
	p.EntryPrice = avgFillPrice
	p.Quantity = filledQty
	p.EntryFees = fees
	p.OpenedAt = &now
	p.StopPrice = p.ComputeStopPrice()

	if err := m.armStopLocked(ctx, p); err != nil {
		m.log.Error().Err(err).
			Str("position_id", p.ID).
			Str("symbol", p.Symbol).
			Msg("Stop placement failed, closing position at market")
		if m.alerter != nil {
			m.alerter.StopLossPlacementFailed(ctx, p.Symbol, p.ID, err)
		}
		pending, submitted := m.submitCloseLocked(ctx, p, CloseReasonStopFailed)
		m.persistLocked(ctx, p)
		m.mu.Unlock()
		if submitted {
			m.finalizeClose(ctx, pending)
		}
		settled, _ := m.Get(id)
		return settled, nil
	}

	m.refreshGaugesLocked()
	m.persistLocked(ctx, p)

	m.log.Info().
		Str("position_id", p.ID).
		Str("symbol", p.Symbol).
		Float64("entry_price", p.EntryPrice).
		Float64("quantity", p.Quantity).
		Float64("stop_price", p.StopPrice).
		Msg("Position open, stop armed")
	m.mu.Unlock()
	return p, nil
}

// Fail moves an OPENING position to FAILED after a rejected or unfilled
// entry order.
func (m *Manager) Fail(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if err := m.transitionLocked(p, StateFailed); err != nil {
		return err
	}
	p.FailReason = reason
	delete(m.bySymbol, p.Symbol)
	m.persistLocked(ctx, p)

	m.log.Warn().
		Str("position_id", p.ID).
		Str("symbol", p.Symbol).
		Str("reason", reason).
		Msg("Position entry failed")
	return nil
}

// Retry moves a FAILED position back to OPENING for a fresh entry
// attempt with a new order.
func (m *Manager) Retry(ctx context.Context, id, entryOrderID string) (*Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.getLocked(id)
	if err != nil {
		return nil, err
	}
	if existing, ok := m.bySymbol[p.Symbol]; ok && existing.ID != p.ID && existing.State.Active() {
		return nil, fmt.Errorf("symbol %s already has an active position", p.Symbol)
	}
	if err := m.transitionLocked(p, StateOpening); err != nil {
		return nil, err
	}
	p.EntryOrderID = entryOrderID
	p.FailReason = ""
	m.bySymbol[p.Symbol] = p
	m.persistLocked(ctx, p)
	return p, nil
}

// CloseMarket closes an OPEN position with a reduce-only market order.
// The stop is cancelled and the close submitted under the lock; the fill
// wait runs unlocked so other positions keep transitioning meanwhile. On
// fill the position reaches CLOSED; if the close order cannot be
// confirmed it stays in CLOSING for reconciliation to settle.
func (m *Manager) CloseMarket(ctx context.Context, id, reason string) (*Position, error) {
	m.mu.Lock()
	p, err := m.getLocked(id)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if p.State != StateOpen && p.State != StateClosing {
		m.mu.Unlock()
		return nil, fmt.Errorf("position %s is %s, not closable", p.ID, p.State)
	}
	pending, submitted := m.submitCloseLocked(ctx, p, reason)
	m.persistLocked(ctx, p)
	m.mu.Unlock()

	if submitted {
		m.finalizeClose(ctx, pending)
	}
	settled, _ := m.Get(id)
	return settled, nil
}

// StopFilled finalizes a position whose exchange stop order filled.
func (m *Manager) StopFilled(ctx context.Context, id string, order *exchange.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if p.State == StateOpen {
		if err := m.transitionLocked(p, StateClosing); err != nil {
			return err
		}
	}
	p.CloseReason = CloseReasonStopL1
	m.flagFlashCrashLocked(ctx, p, order.AvgFillPrice)
	m.settleLocked(ctx, p, order.AvgFillPrice, order.Fees)
	return nil
}

// flagFlashCrashLocked raises one critical alert when a stop fill gapped
// well past its trigger. The fill is honored either way.
func (m *Manager) flagFlashCrashLocked(ctx context.Context, p *Position, fillPrice float64) {
	if p.StopPrice <= 0 || fillPrice <= 0 {
		return
	}
	gap := (p.StopPrice - fillPrice) / p.StopPrice
	if p.Side == SideShort {
		gap = -gap
	}
	if gap < flashCrashGapFraction {
		return
	}

	m.log.Warn().
		Str("position_id", p.ID).
		Str("symbol", p.Symbol).
		Float64("stop_price", p.StopPrice).
		Float64("fill_price", fillPrice).
		Float64("gap_pct", gap*100).
		Msg("Stop filled well past trigger")

	if m.alerter != nil {
		_ = m.alerter.SendCritical(ctx, "Flash crash slippage",
			fmt.Sprintf("%s stop at %.2f filled at %.2f", p.Symbol, p.StopPrice, fillPrice),
			map[string]interface{}{
				"classification": "flash_crash_slippage",
				"position_id":    p.ID,
				"gap_pct":        gap * 100,
			})
	}
}

// MarkLiquidated records an exchange-side liquidation.
func (m *Manager) MarkLiquidated(ctx context.Context, id string, exitPrice float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if err := m.transitionLocked(p, StateLiquidated); err != nil {
		return err
	}
	now := time.Now().UTC()
	p.realize(exitPrice)
	p.ClosedAt = &now
	delete(m.bySymbol, p.Symbol)
	metrics.PositionNotionalBySymbol.WithLabelValues(p.Symbol).Set(0)
	m.refreshGaugesLocked()
	m.persistLocked(ctx, p)

	m.log.Error().
		Str("position_id", p.ID).
		Str("symbol", p.Symbol).
		Float64("exit_price", exitPrice).
		Float64("realized_pnl", p.RealizedPnL).
		Msg("Position liquidated")
	return nil
}

// MarkReconciled closes a local position the exchange no longer holds.
// No exit price is known, so realized P&L is left at zero.
func (m *Manager) MarkReconciled(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.getLocked(id)
	if err != nil {
		return err
	}
	if err := m.transitionLocked(p, StateClosedReconciled); err != nil {
		return err
	}
	now := time.Now().UTC()
	p.ClosedAt = &now
	p.CloseReason = "reconciled"
	p.UnrealizedPnL = 0
	m.cancelStopLocked(ctx, p)
	delete(m.bySymbol, p.Symbol)
	metrics.PositionNotionalBySymbol.WithLabelValues(p.Symbol).Set(0)
	m.refreshGaugesLocked()
	m.persistLocked(ctx, p)
	return nil
}

// Adopt inserts a position the exchange holds but the manager does not,
// arming a protective stop at the default distance.
func (m *Manager) Adopt(ctx context.Context, info exchange.PositionInfo, stopLossPct float64) (*Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.bySymbol[info.Symbol]; ok && existing.State.Active() {
		return nil, fmt.Errorf("symbol %s already has an active position", info.Symbol)
	}

	side := SideLong
	qty := info.PositionAmt
	if qty < 0 {
		side = SideShort
		qty = -qty
	}

	now := time.Now().UTC()
	p := &Position{
		ID:          uuid.NewString(),
		Symbol:      info.Symbol,
		Side:        side,
		State:       StateNone,
		Quantity:    qty,
		EntryPrice:  info.EntryPrice,
		Leverage:    info.Leverage,
		StopLossPct: stopLossPct,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.transitionLocked(p, StateOpening); err != nil {
		return nil, err
	}
	if err := m.transitionLocked(p, StateOpen); err != nil {
		return nil, err
	}
	p.OpenedAt = &now
	p.StopPrice = p.ComputeStopPrice()

	m.positions[p.ID] = p
	m.bySymbol[p.Symbol] = p

	if err := m.armStopLocked(ctx, p); err != nil {
		m.log.Error().Err(err).
			Str("position_id", p.ID).
			Str("symbol", p.Symbol).
			Msg("Stop placement failed for adopted position")
		if m.alerter != nil {
			m.alerter.StopLossPlacementFailed(ctx, p.Symbol, p.ID, err)
		}
	}

	m.refreshGaugesLocked()
	m.persistLocked(ctx, p)

	m.log.Warn().
		Str("position_id", p.ID).
		Str("symbol", p.Symbol).
		Str("side", string(p.Side)).
		Float64("quantity", p.Quantity).
		Msg("Adopted exchange-side position")
	return p, nil
}

// Restore re-adopts positions loaded from the store after a restart.
// Positions keep their original IDs and stop context; the first
// reconciliation pass settles any divergence from the exchange.
func (m *Manager) Restore(positions []*Position) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	restored := 0
	for _, p := range positions {
		if !p.State.Active() {
			continue
		}
		if existing, ok := m.bySymbol[p.Symbol]; ok && existing.State.Active() {
			m.log.Warn().
				Str("position_id", p.ID).
				Str("symbol", p.Symbol).
				Msg("Skipping restore, symbol already has an active position")
			continue
		}
		m.positions[p.ID] = p
		m.bySymbol[p.Symbol] = p
		restored++
		m.log.Info().
			Str("position_id", p.ID).
			Str("symbol", p.Symbol).
			Str("state", string(p.State)).
			Float64("quantity", p.Quantity).
			Msg("Restored position from store")
	}
	m.refreshGaugesLocked()
	return restored
}

// AdjustQuantity sets the local quantity to the exchange-reported one
// and re-arms the stop at the new size. Exchange truth wins.
func (m *Manager) AdjustQuantity(ctx context.Context, id string, exchangeQty float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.getLocked(id)
	if err != nil {
		return err
	}
	old := p.Quantity
	p.Quantity = exchangeQty
	p.UpdatedAt = time.Now().UTC()

	m.cancelStopLocked(ctx, p)
	if err := m.armStopLocked(ctx, p); err != nil {
		m.log.Error().Err(err).
			Str("position_id", p.ID).
			Msg("Stop re-placement failed after quantity adjustment")
	}
	m.refreshGaugesLocked()
	m.persistLocked(ctx, p)

	m.log.Warn().
		Str("position_id", p.ID).
		Str("symbol", p.Symbol).
		Float64("old_quantity", old).
		Float64("new_quantity", exchangeQty).
		Msg("Quantity adjusted to exchange truth")
	return nil
}

// AddFunding accrues a funding payment against the position. Positive
// amounts are payments out of the position.
func (m *Manager) AddFunding(id string, amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.getLocked(id)
	if err != nil {
		return err
	}
	p.FundingPaid += amount
	return nil
}

// ApplyPrice updates the unrealized P&L for the symbol's active
// position and refreshes the gauges.
func (m *Manager) ApplyPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.bySymbol[symbol]
	if !ok || (p.State != StateOpen && p.State != StateClosing) {
		return
	}
	p.UnrealizedPnL = p.PnLAt(price)
	m.refreshGaugesLocked()
}

// Accessors

// Get returns the position by id, terminal ones included.
func (m *Manager) Get(id string) (*Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// Active returns the active position for symbol, if any.
func (m *Manager) Active(symbol string) (*Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.bySymbol[symbol]
	if !ok || !p.State.Active() {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// ActivePositions returns a copy of every active position.
func (m *Manager) ActivePositions() []*Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Position, 0, len(m.bySymbol))
	for _, p := range m.bySymbol {
		if p.State.Active() {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out
}

// OpenCount returns the number of active positions.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, p := range m.bySymbol {
		if p.State.Active() {
			n++
		}
	}
	return n
}

// OpenNotional returns the summed entry notional of active positions.
func (m *Manager) OpenNotional() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total float64
	for _, p := range m.bySymbol {
		if p.State.Active() {
			total += p.Notional()
		}
	}
	return total
}

// TotalUnrealized returns the summed unrealized P&L of active positions.
func (m *Manager) TotalUnrealized() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total float64
	for _, p := range m.bySymbol {
		if p.State.Active() {
			total += p.UnrealizedPnL
		}
	}
	return total
}

// RealizedPnLToday sums realized P&L across positions closed since the
// current UTC midnight. Feeds the daily loss breaker, so it includes
// closes from every path: advisor, stops, monitors and reconciliation.
func (m *Manager) RealizedPnLToday(now time.Time) float64 {
	u := now.UTC()
	midnight := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)

	m.mu.Lock()
	defer m.mu.Unlock()

	var total float64
	for _, p := range m.positions {
		if p.ClosedAt != nil && !p.ClosedAt.Before(midnight) {
			total += p.RealizedPnL
		}
	}
	return total
}

// Internals, all called with the lock held.

func (m *Manager) getLocked(id string) (*Position, error) {
	p, ok := m.positions[id]
	if !ok {
		return nil, fmt.Errorf("unknown position: %s", id)
	}
	return p, nil
}

// transitionLocked validates and applies one state transition. Illegal
// transitions are refused without mutation.
func (m *Manager) transitionLocked(p *Position, next State) error {
	if !p.State.CanTransitionTo(next) {
		m.log.Error().
			Str("position_id", p.ID).
			Str("symbol", p.Symbol).
			Str("from", string(p.State)).
			Str("to", string(next)).
			Msg("Illegal state transition refused")
		return fmt.Errorf("illegal transition %s -> %s for position %s", p.State, next, p.ID)
	}
	p.State = next
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// armStopLocked places the exchange stop order. stop_market preferred,
// stop_limit when the exchange lacks it.
func (m *Manager) armStopLocked(ctx context.Context, p *Position) error {
	side := exchange.OrderSideSell
	if p.Side == SideShort {
		side = exchange.OrderSideBuy
	}

	req := exchange.PlaceOrderRequest{
		ClientOrderID: m.nextStopIDLocked(p),
		Symbol:        p.Symbol,
		Side:          side,
		Quantity:      p.Quantity,
		StopPrice:     p.StopPrice,
		ReduceOnly:    m.caps.ReduceOnly,
	}
	switch {
	case m.caps.StopMarket:
		req.Type = exchange.OrderTypeStopMarket
	case m.caps.StopLimit:
		req.Type = exchange.OrderTypeStopLimit
		// Limit a touch past the stop so a fast market still fills.
		if p.Side == SideShort {
			req.Price = p.StopPrice * 1.005
		} else {
			req.Price = p.StopPrice * 0.995
		}
	default:
		return fmt.Errorf("exchange %s supports no stop order type", m.gateway.Name())
	}

	order, err := m.gateway.CreateOrder(ctx, req)
	if err != nil {
		return fmt.Errorf("place stop order: %w", err)
	}
	if order.Status == exchange.OrderStatusRejected {
		return fmt.Errorf("stop order rejected: %s", order.RejectReason)
	}
	p.StopOrderID = order.ClientOrderID
	return nil
}

// nextStopIDLocked returns a fresh stop client order id. Re-arming after
// a quantity adjustment must not replay the prior stop.
func (m *Manager) nextStopIDLocked(p *Position) string {
	p.StopSeq++
	return fmt.Sprintf("stop-%s-%d", p.ID[:8], p.StopSeq)
}

func (m *Manager) cancelStopLocked(ctx context.Context, p *Position) {
	if p.StopOrderID == "" {
		return
	}
	if _, err := m.gateway.CancelOrder(ctx, p.Symbol, p.StopOrderID); err != nil {
		// Already filled or gone; FetchOrder during monitoring settles it.
		m.log.Debug().Err(err).
			Str("position_id", p.ID).
			Str("stop_order_id", p.StopOrderID).
			Msg("Stop cancel did not succeed")
	}
}

// pendingClose identifies a submitted close order whose fill is awaited
// outside the manager lock.
type pendingClose struct {
	positionID string
	symbol     string
	clientID   string
	order      *exchange.Order
}

// submitCloseLocked drives OPEN -> CLOSING: cancels the stop and submits
// the reduce-only market order. The position stays in CLOSING until
// finalizeClose or reconciliation settles it.
func (m *Manager) submitCloseLocked(ctx context.Context, p *Position, reason string) (pendingClose, bool) {
	if p.State == StateOpen {
		if err := m.transitionLocked(p, StateClosing); err != nil {
			return pendingClose{}, false
		}
	}
	p.CloseReason = reason
	m.cancelStopLocked(ctx, p)

	side := exchange.OrderSideSell
	if p.Side == SideShort {
		side = exchange.OrderSideBuy
	}
	cid := fmt.Sprintf("close-%s", p.ID[:8])
	order, err := m.gateway.CreateOrder(ctx, exchange.PlaceOrderRequest{
		ClientOrderID: cid,
		Symbol:        p.Symbol,
		Side:          side,
		Type:          exchange.OrderTypeMarket,
		Quantity:      p.Quantity,
		ReduceOnly:    m.caps.ReduceOnly,
	})
	if err != nil {
		m.log.Error().Err(err).
			Str("position_id", p.ID).
			Str("symbol", p.Symbol).
			Msg("Close order submission failed, leaving position in closing")
		return pendingClose{}, false
	}
	return pendingClose{positionID: p.ID, symbol: p.Symbol, clientID: cid, order: order}, true
}

// finalizeClose waits for the close order to fill without holding the
// lock, then re-acquires it to apply the terminal transition. A position
// already settled by another path is left alone.
func (m *Manager) finalizeClose(ctx context.Context, pc pendingClose) {
	order := m.awaitTerminal(ctx, pc.symbol, pc.clientID, pc.order)
	if order == nil || order.Status != exchange.OrderStatusFilled {
		m.log.Error().
			Str("position_id", pc.positionID).
			Str("symbol", pc.symbol).
			Msg("Close order not confirmed, reconciliation will settle it")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.getLocked(pc.positionID)
	if err != nil || p.State != StateClosing {
		return
	}
	m.settleLocked(ctx, p, order.AvgFillPrice, order.Fees)
}

// awaitTerminal polls an order until terminal or the close timeout.
func (m *Manager) awaitTerminal(ctx context.Context, symbol, cid string, order *exchange.Order) *exchange.Order {
	deadline := time.Now().Add(closeFillTimeout)
	for !order.Status.Terminal() {
		if ctx.Err() != nil || time.Now().After(deadline) {
			return order
		}
		time.Sleep(fillPollInterval)
		fetched, err := m.gateway.FetchOrder(ctx, symbol, cid)
		if err != nil {
			continue
		}
		order = fetched
	}
	return order
}

// settleLocked fixes realized P&L and moves the position to CLOSED.
func (m *Manager) settleLocked(ctx context.Context, p *Position, exitPrice, exitFees float64) {
	if err := m.transitionLocked(p, StateClosed); err != nil {
		return
	}
	now := time.Now().UTC()
	p.ExitFees += exitFees
	p.realize(exitPrice)
	p.ClosedAt = &now
	delete(m.bySymbol, p.Symbol)
	metrics.PositionNotionalBySymbol.WithLabelValues(p.Symbol).Set(0)
	m.refreshGaugesLocked()
	m.persistLocked(ctx, p)

	m.log.Info().
		Str("position_id", p.ID).
		Str("symbol", p.Symbol).
		Str("reason", p.CloseReason).
		Float64("entry_price", p.EntryPrice).
		Float64("exit_price", p.ExitPrice).
		Float64("realized_pnl", p.RealizedPnL).
		Msg("Position closed")
}

// persistLocked writes the position through the store. Store failures
// degrade to logging; local state keeps driving the monitors.
func (m *Manager) persistLocked(ctx context.Context, p *Position) {
	if m.store == nil {
		return
	}
	cp := *p
	if err := m.store.SavePosition(ctx, &cp); err != nil {
		m.log.Warn().Err(err).
			Str("position_id", p.ID).
			Msg("Position persistence failed")
	}
}

func (m *Manager) refreshGaugesLocked() {
	var open int
	var unrealized float64
	for _, p := range m.bySymbol {
		if !p.State.Active() {
			continue
		}
		open++
		unrealized += p.UnrealizedPnL
		metrics.PositionNotionalBySymbol.WithLabelValues(p.Symbol).Set(p.Notional())
	}
	metrics.OpenPositions.Set(float64(open))
	metrics.UnrealizedPnL.Set(unrealized)
}
