package exchange

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// FeeModel configures the paper exchange's fill simulation
type FeeModel struct {
	Taker        float64 // taker fee fraction
	Maker        float64 // maker fee fraction
	BaseSlippage float64 // slippage applied to every market fill
	MarketImpact float64 // additional slippage per million USD of notional
	MaxSlippage  float64 // slippage cap
}

// DefaultFeeModel returns Binance-like futures fees
func DefaultFeeModel() FeeModel {
	return FeeModel{
		Taker:        0.0004,
		Maker:        0.0002,
		BaseSlippage: 0.0005,
		MarketImpact: 0.0001,
		MaxSlippage:  0.003,
	}
}

// paperPosition is the simulator's net position for one symbol. Amt is
// signed: positive long, negative short.
type paperPosition struct {
	amt        float64
	entryPrice float64
	leverage   int
}

// PaperExchange simulates a futures exchange for paper trading. Market
// orders fill immediately with slippage and fees; stop orders rest until a
// price update crosses them. Idempotency mirrors the live gateway: replaying
// a client order id returns the prior order state.
type PaperExchange struct {
	mu sync.RWMutex

	orders    map[string]*Order // by client order id
	fills     map[string][]Fill
	prices    map[string]float64
	positions map[string]*paperPosition
	klines    map[string][]Kline

	balance     float64
	realizedPnL float64

	fees FeeModel

	openInterest map[string]float64
	fundingRate  map[string]float64

	// nextFillRatio scripts a partial fill for the next market order per
	// symbol; consumed on use.
	nextFillRatio map[string]float64

	tickCh   chan Tick
	lastTick map[string]time.Time
}

// NewPaperExchange creates a simulator with the given starting balance
func NewPaperExchange(initialCapital float64) *PaperExchange {
	return NewPaperExchangeWithFees(initialCapital, DefaultFeeModel())
}

// NewPaperExchangeWithFees creates a simulator with a custom fee model
func NewPaperExchangeWithFees(initialCapital float64, fees FeeModel) *PaperExchange {
	log.Info().
		Float64("initial_capital", initialCapital).
		Float64("taker_fee", fees.Taker).
		Float64("base_slippage", fees.BaseSlippage).
		Msg("Paper exchange initialized (paper trading mode)")

	return &PaperExchange{
		orders:        make(map[string]*Order),
		fills:         make(map[string][]Fill),
		prices:        make(map[string]float64),
		positions:     make(map[string]*paperPosition),
		klines:        make(map[string][]Kline),
		balance:       initialCapital,
		fees:          fees,
		openInterest:  make(map[string]float64),
		fundingRate:   make(map[string]float64),
		nextFillRatio: make(map[string]float64),
		tickCh:        make(chan Tick, tickBufferSize),
		lastTick:      make(map[string]time.Time),
	}
}

// Name returns the exchange identifier
func (p *PaperExchange) Name() string { return "paper" }

// Capabilities mirrors the live gateway so callers exercise the same paths
func (p *PaperExchange) Capabilities() Capabilities {
	return Capabilities{
		StopMarket:    true,
		StopLimit:     true,
		TrailingStop:  false,
		ReduceOnly:    true,
		ClientOrderID: true,
	}
}

// Test and simulation controls

// SetMarkPrice updates the simulated price for a symbol, emits a tick, and
// triggers any resting stop orders the move crossed.
func (p *PaperExchange) SetMarkPrice(symbol string, price float64) {
	p.mu.Lock()
	p.prices[symbol] = price
	now := time.Now()
	p.lastTick[symbol] = now
	triggered := p.collectTriggeredStopsLocked(symbol, price)
	p.mu.Unlock()

	for _, order := range triggered {
		p.executeStopFill(order, price)
	}

	select {
	case p.tickCh <- Tick{Symbol: symbol, Price: price, ExchangeTS: now, ReceivedAt: now}:
	default:
	}
}

// SetNextFillRatio scripts the next market order on symbol to fill only the
// given fraction of its quantity, leaving the remainder open.
func (p *PaperExchange) SetNextFillRatio(symbol string, ratio float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextFillRatio[symbol] = ratio
}

// SeedKlines loads historical bars served by FetchKlines
func (p *PaperExchange) SeedKlines(symbol string, klines []Kline) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.klines[symbol] = klines
}

// SetOpenInterest sets the value served by FetchOpenInterest
func (p *PaperExchange) SetOpenInterest(symbol string, oi float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.openInterest[symbol] = oi
}

// SetFundingRate sets the value served by FetchFundingRate
func (p *PaperExchange) SetFundingRate(symbol string, rate float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fundingRate[symbol] = rate
}

// InjectPosition creates an exchange-side position without an order, for
// reconciliation scenarios. Amt is signed.
func (p *PaperExchange) InjectPosition(symbol string, amt, entryPrice float64, leverage int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions[symbol] = &paperPosition{amt: amt, entryPrice: entryPrice, leverage: leverage}
}

// RemovePosition deletes an exchange-side position, for ghost scenarios
func (p *PaperExchange) RemovePosition(symbol string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.positions, symbol)
}

// TickSource

// Ticks returns the stream of simulated price updates
func (p *PaperExchange) Ticks() <-chan Tick { return p.tickCh }

// Stale reports whether a price was ever set for symbol
func (p *PaperExchange) Stale(symbol string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.lastTick[symbol]
	return !ok
}

// LastTick returns the time of the last simulated price update
func (p *PaperExchange) LastTick(symbol string) time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastTick[symbol]
}

// Gateway

// FetchInstruments returns synthetic contract metadata for the symbols
func (p *PaperExchange) FetchInstruments(ctx context.Context, symbols []string) (map[string]Instrument, error) {
	out := make(map[string]Instrument, len(symbols))
	for _, s := range symbols {
		out[s] = Instrument{
			Symbol:            s,
			PricePrecision:    2,
			QuantityPrecision: 3,
			TickSize:          0.01,
			LotStep:           0.001,
			MinNotional:       5,
			MaxLeverage:       125,
		}
	}
	return out, nil
}

// FetchKlines serves seeded bars, most recent limit of them
func (p *PaperExchange) FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	klines, ok := p.klines[symbol]
	if !ok {
		return nil, fmt.Errorf("no seeded klines for %s", symbol)
	}
	if len(klines) > limit {
		klines = klines[len(klines)-limit:]
	}
	out := make([]Kline, len(klines))
	copy(out, klines)
	return out, nil
}

// FetchMarkPrice returns the simulated price for symbol
func (p *PaperExchange) FetchMarkPrice(ctx context.Context, symbol string) (float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no price set for %s", symbol)
	}
	return price, nil
}

// FetchOpenInterest returns the configured open interest
func (p *PaperExchange) FetchOpenInterest(ctx context.Context, symbol string) (float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.openInterest[symbol], nil
}

// FetchFundingRate returns the configured funding rate
func (p *PaperExchange) FetchFundingRate(ctx context.Context, symbol string) (*FundingRate, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return &FundingRate{
		Symbol:    symbol,
		Rate:      p.fundingRate[symbol],
		Timestamp: time.Now(),
	}, nil
}

// FetchAccount returns simulated balance and margin state
func (p *PaperExchange) FetchAccount(ctx context.Context) (*AccountState, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var unrealized, usedMargin float64
	for symbol, pos := range p.positions {
		mark, ok := p.prices[symbol]
		if !ok {
			mark = pos.entryPrice
		}
		unrealized += pos.amt * (mark - pos.entryPrice)
		lev := pos.leverage
		if lev <= 0 {
			lev = 10
		}
		usedMargin += math.Abs(pos.amt) * mark / float64(lev)
	}

	return &AccountState{
		Balance:         p.balance,
		AvailableMargin: p.balance + unrealized - usedMargin,
		UnrealizedPnL:   unrealized,
		FetchedAt:       time.Now(),
	}, nil
}

// FetchPositions returns every simulated open position
func (p *PaperExchange) FetchPositions(ctx context.Context) ([]PositionInfo, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]PositionInfo, 0, len(p.positions))
	for symbol, pos := range p.positions {
		if pos.amt == 0 {
			continue
		}
		mark, ok := p.prices[symbol]
		if !ok {
			mark = pos.entryPrice
		}
		out = append(out, PositionInfo{
			Symbol:           symbol,
			PositionAmt:      pos.amt,
			EntryPrice:       pos.entryPrice,
			MarkPrice:        mark,
			UnrealizedProfit: pos.amt * (mark - pos.entryPrice),
			Leverage:         pos.leverage,
		})
	}
	return out, nil
}

// CreateOrder places a simulated order with idempotency replay
func (p *PaperExchange) CreateOrder(ctx context.Context, req PlaceOrderRequest) (*Order, error) {
	if err := validateRequest(req); err != nil {
		return &Order{
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Type:          req.Type,
			Quantity:      req.Quantity,
			Status:        OrderStatusRejected,
			RejectReason:  err.Error(),
			CreatedAt:     time.Now(),
			UpdatedAt:     time.Now(),
		}, nil
	}

	p.mu.Lock()

	if prior, replay := p.orders[req.ClientOrderID]; replay {
		p.mu.Unlock()
		log.Info().
			Str("client_order_id", req.ClientOrderID).
			Str("symbol", req.Symbol).
			Msg("Idempotent replay, returning prior order state")
		cp := *prior
		return &cp, nil
	}

	now := time.Now()
	order := &Order{
		ClientOrderID:   req.ClientOrderID,
		ExchangeOrderID: fmt.Sprintf("paper-%d", len(p.orders)+1),
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Quantity:        req.Quantity,
		Price:           req.Price,
		StopPrice:       req.StopPrice,
		Status:          OrderStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	p.orders[order.ClientOrderID] = order

	switch req.Type {
	case OrderTypeMarket:
		p.fillMarketOrderLocked(order)
		p.mu.Unlock()
	case OrderTypeStopMarket, OrderTypeStopLimit:
		order.Status = OrderStatusOpen
		p.mu.Unlock()
	default:
		order.Status = OrderStatusOpen
		p.mu.Unlock()
	}

	log.Info().
		Str("client_order_id", order.ClientOrderID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Str("type", string(order.Type)).
		Float64("quantity", order.Quantity).
		Str("status", string(order.Status)).
		Msg("Order placed")

	cp := *order
	return &cp, nil
}

// CancelOrder cancels an open simulated order
func (p *PaperExchange) CancelOrder(ctx context.Context, symbol, clientOrderID string) (*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, exists := p.orders[clientOrderID]
	if !exists {
		return nil, fmt.Errorf("order not found: %s", clientOrderID)
	}
	if order.Status.Terminal() {
		return nil, fmt.Errorf("cannot cancel order in status: %s", order.Status)
	}

	order.Status = OrderStatusCancelled
	order.UpdatedAt = time.Now()

	cp := *order
	return &cp, nil
}

// FetchOrder returns the latest state of a simulated order
func (p *PaperExchange) FetchOrder(ctx context.Context, symbol, clientOrderID string) (*Order, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	order, exists := p.orders[clientOrderID]
	if !exists {
		return nil, fmt.Errorf("order not found: %s", clientOrderID)
	}
	cp := *order
	return &cp, nil
}

// Fills returns the fills recorded for an order, for tests
func (p *PaperExchange) Fills(clientOrderID string) []Fill {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.fills[clientOrderID]
}

// Internals

func validateRequest(req PlaceOrderRequest) error {
	if req.ClientOrderID == "" {
		return fmt.Errorf("client order id is required")
	}
	if req.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if req.Side != OrderSideBuy && req.Side != OrderSideSell {
		return fmt.Errorf("invalid order side: %s", req.Side)
	}
	if req.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive")
	}
	if (req.Type == OrderTypeStopMarket || req.Type == OrderTypeStopLimit) && req.StopPrice <= 0 {
		return fmt.Errorf("stop orders require a positive stop price")
	}
	if (req.Type == OrderTypeLimit || req.Type == OrderTypeStopLimit) && req.Price <= 0 {
		return fmt.Errorf("limit orders require a positive price")
	}
	return nil
}

func (p *PaperExchange) slippage(quantity, price float64) float64 {
	notional := quantity * price
	total := p.fees.BaseSlippage + p.fees.MarketImpact*(notional/1e6)
	if total > p.fees.MaxSlippage {
		total = p.fees.MaxSlippage
	}
	return total
}

// fillMarketOrderLocked fills a market order at the current price with
// slippage and fees. Honors a scripted partial-fill ratio.
func (p *PaperExchange) fillMarketOrderLocked(order *Order) {
	mid, ok := p.prices[order.Symbol]
	if !ok {
		order.Status = OrderStatusRejected
		order.RejectReason = fmt.Sprintf("no market price for %s", order.Symbol)
		order.UpdatedAt = time.Now()
		return
	}

	slip := p.slippage(order.Quantity, mid)
	fillPrice := mid * (1 + slip)
	if order.Side == OrderSideSell {
		fillPrice = mid * (1 - slip)
	}

	fillQty := order.Quantity
	partial := false
	if ratio, scripted := p.nextFillRatio[order.Symbol]; scripted {
		delete(p.nextFillRatio, order.Symbol)
		if ratio > 0 && ratio < 1 {
			fillQty = order.Quantity * ratio
			partial = true
		}
	}

	now := time.Now()
	fee := fillPrice * fillQty * p.fees.Taker

	p.fills[order.ClientOrderID] = append(p.fills[order.ClientOrderID], Fill{
		ClientOrderID: order.ClientOrderID,
		Quantity:      fillQty,
		Price:         fillPrice,
		Fee:           fee,
		Timestamp:     now,
	})

	order.FilledQty = fillQty
	order.AvgFillPrice = fillPrice
	order.Fees = fee
	order.UpdatedAt = now

	if partial {
		order.Status = OrderStatusOpen
	} else {
		order.Status = OrderStatusFilled
		order.FilledAt = &now
	}

	p.applyFillLocked(order.Symbol, order.Side, fillQty, fillPrice, fee)
}

// applyFillLocked folds one fill into the simulator's net position and
// realized P&L.
func (p *PaperExchange) applyFillLocked(symbol string, side OrderSide, qty, price, fee float64) {
	signed := qty
	if side == OrderSideSell {
		signed = -qty
	}

	pos, exists := p.positions[symbol]
	if !exists || pos.amt == 0 {
		p.positions[symbol] = &paperPosition{amt: signed, entryPrice: price, leverage: 10}
		p.balance -= fee
		return
	}

	sameDirection := (pos.amt > 0) == (signed > 0)
	if sameDirection {
		totalCost := math.Abs(pos.amt)*pos.entryPrice + qty*price
		pos.amt += signed
		pos.entryPrice = totalCost / math.Abs(pos.amt)
	} else {
		closed := math.Min(qty, math.Abs(pos.amt))
		direction := 1.0
		if pos.amt < 0 {
			direction = -1.0
		}
		pnl := direction * closed * (price - pos.entryPrice)
		p.realizedPnL += pnl
		p.balance += pnl
		pos.amt += signed
		if pos.amt == 0 {
			delete(p.positions, symbol)
		} else if (pos.amt > 0) != (direction > 0) {
			// flipped through zero; remainder opens at the fill price
			pos.entryPrice = price
		}
	}
	p.balance -= fee
}

// collectTriggeredStopsLocked returns resting stop orders the new price
// crossed. Buy stops trigger at or above, sell stops at or below.
func (p *PaperExchange) collectTriggeredStopsLocked(symbol string, price float64) []*Order {
	var triggered []*Order
	for _, order := range p.orders {
		if order.Symbol != symbol || order.Status != OrderStatusOpen {
			continue
		}
		if order.Type != OrderTypeStopMarket && order.Type != OrderTypeStopLimit {
			continue
		}
		if order.Side == OrderSideSell && price <= order.StopPrice {
			triggered = append(triggered, order)
		}
		if order.Side == OrderSideBuy && price >= order.StopPrice {
			triggered = append(triggered, order)
		}
	}
	return triggered
}

// executeStopFill fills a triggered stop order. When price gapped past the
// stop, the fill happens at the gapped price, not the stop price.
func (p *PaperExchange) executeStopFill(order *Order, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if order.Status != OrderStatusOpen {
		return
	}

	fillPrice := order.StopPrice
	if order.Side == OrderSideSell && price < order.StopPrice {
		fillPrice = price
	}
	if order.Side == OrderSideBuy && price > order.StopPrice {
		fillPrice = price
	}

	now := time.Now()
	fee := fillPrice * order.Quantity * p.fees.Taker

	p.fills[order.ClientOrderID] = append(p.fills[order.ClientOrderID], Fill{
		ClientOrderID: order.ClientOrderID,
		Quantity:      order.Quantity,
		Price:         fillPrice,
		Fee:           fee,
		Timestamp:     now,
	})

	order.FilledQty = order.Quantity
	order.AvgFillPrice = fillPrice
	order.Fees = fee
	order.Status = OrderStatusFilled
	order.FilledAt = &now
	order.UpdatedAt = now

	p.applyFillLocked(order.Symbol, order.Side, order.Quantity, fillPrice, fee)

	log.Info().
		Str("client_order_id", order.ClientOrderID).
		Str("symbol", order.Symbol).
		Float64("stop_price", order.StopPrice).
		Float64("fill_price", fillPrice).
		Msg("Stop order triggered")
}
