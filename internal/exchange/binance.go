package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"perpcore/internal/metrics"
)

// BinanceFutures implements Gateway against Binance USD-M perpetual futures
type BinanceFutures struct {
	client  *futures.Client
	limiter *Limiter
	sem     *semaphore.Weighted // caps parallel REST requests in flight

	mu          sync.RWMutex
	orders      map[string]*Order // by client order id, for idempotency replay
	instruments map[string]Instrument

	halted      atomic.Bool
	retryConfig RetryConfig

	// onAuthFailure is invoked once when an authentication error halts the
	// gateway; the engine quiesces into protective-only mode after this.
	onAuthFailure func(err error)

	testnet bool
}

// BinanceConfig contains configuration for the live gateway
type BinanceConfig struct {
	APIKey            string
	SecretKey         string
	Testnet           bool
	RequestsPerMinute int     // published REST weight budget
	RateLimitFraction float64 // pace at this fraction of the budget
	MaxParallelREST   int     // concurrent REST requests, default 3
	RetryConfig       RetryConfig
	OnAuthFailure     func(err error)
	OnRatePressure    func(hits int, window time.Duration)
}

// NewBinanceFutures creates a live Binance USD-M futures gateway
func NewBinanceFutures(cfg BinanceConfig) (*BinanceFutures, error) {
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("binance API credentials are required")
	}

	if cfg.Testnet {
		futures.UseTestnet = true
		log.Info().Msg("Binance futures gateway initialized (TESTNET mode)")
	} else {
		log.Warn().Msg("Binance futures gateway initialized (LIVE TRADING mode)")
	}

	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	client.NewSetServerTimeService().Do(context.Background())

	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 2400
	}
	if cfg.RateLimitFraction <= 0 {
		cfg.RateLimitFraction = 0.80
	}
	if cfg.MaxParallelREST <= 0 {
		cfg.MaxParallelREST = 3
	}

	return &BinanceFutures{
		client:        client,
		limiter:       NewLimiter(cfg.RequestsPerMinute, cfg.RateLimitFraction, cfg.OnRatePressure),
		sem:           semaphore.NewWeighted(int64(cfg.MaxParallelREST)),
		orders:        make(map[string]*Order),
		instruments:   make(map[string]Instrument),
		retryConfig:   cfg.RetryConfig,
		onAuthFailure: cfg.OnAuthFailure,
		testnet:       cfg.Testnet,
	}, nil
}

// Name returns the exchange identifier
func (b *BinanceFutures) Name() string {
	if b.testnet {
		return "binance_testnet"
	}
	return "binance"
}

// Capabilities returns the Binance futures order-type capability record
func (b *BinanceFutures) Capabilities() Capabilities {
	return Capabilities{
		StopMarket:    true,
		StopLimit:     true,
		TrailingStop:  true,
		ReduceOnly:    true,
		ClientOrderID: true,
	}
}

// call wraps one REST operation with the limiter, retry policy, halt check
// and metrics. Auth failures halt the gateway permanently.
func (b *BinanceFutures) call(ctx context.Context, endpoint string, class RequestClass, op RetryableOperation) error {
	if b.halted.Load() {
		return ErrTradingHalted
	}

	if err := b.limiter.Acquire(ctx, class); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("rest slot: %w", err)
	}
	defer b.sem.Release(1)

	start := time.Now()
	err := WithRetry(ctx, b.retryConfig, op)
	metrics.RecordExchangeAPICall(b.Name(), endpoint, float64(time.Since(start).Milliseconds()), err)

	if err == nil {
		return nil
	}

	switch Classify(err) {
	case KindCapacity:
		metrics.RateLimitPauses.Inc()
		b.limiter.OnRateLimited(parseRetryAfter(err))
	case KindAuth:
		if b.halted.CompareAndSwap(false, true) {
			log.Error().Err(err).Msg("Authentication failure, halting all trading")
			if b.onAuthFailure != nil {
				b.onAuthFailure(err)
			}
		}
		return fmt.Errorf("%w: %v", ErrTradingHalted, err)
	}

	return err
}

// parseRetryAfter extracts a pause hint from a rate-limit error. Binance
// does not always surface Retry-After, so a conservative default applies.
func parseRetryAfter(err error) time.Duration {
	// SDK errors rarely carry the header; the limiter substitutes its
	// default when zero.
	return 0
}

// Halted reports whether an auth failure has shut the gateway down
func (b *BinanceFutures) Halted() bool {
	return b.halted.Load()
}

// FetchInstruments loads contract metadata for the given symbols
func (b *BinanceFutures) FetchInstruments(ctx context.Context, symbols []string) (map[string]Instrument, error) {
	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}

	var info *futures.ExchangeInfo
	err := b.call(ctx, "exchange_info", ClassNonCritical, func() error {
		var opErr error
		info, opErr = b.client.NewExchangeInfoService().Do(ctx)
		return opErr
	})
	if err != nil {
		return nil, fmt.Errorf("fetch exchange info: %w", err)
	}

	out := make(map[string]Instrument, len(symbols))
	for _, sym := range info.Symbols {
		if !wanted[sym.Symbol] {
			continue
		}
		inst := Instrument{
			Symbol:            sym.Symbol,
			PricePrecision:    sym.PricePrecision,
			QuantityPrecision: sym.QuantityPrecision,
		}
		if f := sym.LotSizeFilter(); f != nil {
			inst.LotStep, _ = strconv.ParseFloat(f.StepSize, 64)
		}
		if f := sym.PriceFilter(); f != nil {
			inst.TickSize, _ = strconv.ParseFloat(f.TickSize, 64)
		}
		if f := sym.MinNotionalFilter(); f != nil {
			inst.MinNotional, _ = strconv.ParseFloat(f.Notional, 64)
		}
		out[sym.Symbol] = inst
	}

	b.mu.Lock()
	for k, v := range out {
		b.instruments[k] = v
	}
	b.mu.Unlock()

	if len(out) < len(symbols) {
		return out, fmt.Errorf("exchange info missing %d of %d symbols", len(symbols)-len(out), len(symbols))
	}
	return out, nil
}

// FetchKlines returns up to limit most recent bars for symbol, oldest first
func (b *BinanceFutures) FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	var raw []*futures.Kline
	err := b.call(ctx, "klines", ClassNonCritical, func() error {
		var opErr error
		raw, opErr = b.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			Limit(limit).
			Do(ctx)
		return opErr
	})
	if err != nil {
		return nil, fmt.Errorf("fetch klines %s: %w", symbol, err)
	}

	now := time.Now()
	klines := make([]Kline, 0, len(raw))
	for _, k := range raw {
		open, _ := strconv.ParseFloat(k.Open, 64)
		high, _ := strconv.ParseFloat(k.High, 64)
		low, _ := strconv.ParseFloat(k.Low, 64)
		closePx, _ := strconv.ParseFloat(k.Close, 64)
		vol, _ := strconv.ParseFloat(k.Volume, 64)
		closeTime := time.UnixMilli(k.CloseTime)
		klines = append(klines, Kline{
			OpenTime:  time.UnixMilli(k.OpenTime),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePx,
			Volume:    vol,
			CloseTime: closeTime,
			Closed:    closeTime.Before(now),
		})
	}
	return klines, nil
}

// FetchMarkPrice returns the current mark price for symbol
func (b *BinanceFutures) FetchMarkPrice(ctx context.Context, symbol string) (float64, error) {
	var premium []*futures.PremiumIndex
	err := b.call(ctx, "premium_index", ClassCritical, func() error {
		var opErr error
		premium, opErr = b.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
		return opErr
	})
	if err != nil {
		return 0, fmt.Errorf("fetch mark price %s: %w", symbol, err)
	}
	if len(premium) == 0 {
		return 0, fmt.Errorf("no premium index for %s", symbol)
	}
	price, err := strconv.ParseFloat(premium[0].MarkPrice, 64)
	if err != nil {
		return 0, fmt.Errorf("parse mark price %q: %w", premium[0].MarkPrice, err)
	}
	return price, nil
}

// FetchOpenInterest returns the current open interest for symbol
func (b *BinanceFutures) FetchOpenInterest(ctx context.Context, symbol string) (float64, error) {
	var oi *futures.OpenInterest
	err := b.call(ctx, "open_interest", ClassNonCritical, func() error {
		var opErr error
		oi, opErr = b.client.NewGetOpenInterestService().Symbol(symbol).Do(ctx)
		return opErr
	})
	if err != nil {
		return 0, fmt.Errorf("fetch open interest %s: %w", symbol, err)
	}
	v, _ := strconv.ParseFloat(oi.OpenInterest, 64)
	return v, nil
}

// FetchFundingRate returns the current funding rate for symbol
func (b *BinanceFutures) FetchFundingRate(ctx context.Context, symbol string) (*FundingRate, error) {
	var premium []*futures.PremiumIndex
	err := b.call(ctx, "premium_index", ClassNonCritical, func() error {
		var opErr error
		premium, opErr = b.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
		return opErr
	})
	if err != nil {
		return nil, fmt.Errorf("fetch funding rate %s: %w", symbol, err)
	}
	if len(premium) == 0 {
		return nil, fmt.Errorf("no premium index for %s", symbol)
	}
	rate, _ := strconv.ParseFloat(premium[0].LastFundingRate, 64)
	return &FundingRate{
		Symbol:    symbol,
		Rate:      rate,
		Timestamp: time.UnixMilli(premium[0].Time),
	}, nil
}

// FetchAccount returns balance and margin state
func (b *BinanceFutures) FetchAccount(ctx context.Context) (*AccountState, error) {
	var acct *futures.Account
	err := b.call(ctx, "account", ClassCritical, func() error {
		var opErr error
		acct, opErr = b.client.NewGetAccountService().Do(ctx)
		return opErr
	})
	if err != nil {
		return nil, fmt.Errorf("fetch account: %w", err)
	}

	balance, _ := strconv.ParseFloat(acct.TotalWalletBalance, 64)
	available, _ := strconv.ParseFloat(acct.AvailableBalance, 64)
	unrealized, _ := strconv.ParseFloat(acct.TotalUnrealizedProfit, 64)

	return &AccountState{
		Balance:         balance,
		AvailableMargin: available,
		UnrealizedPnL:   unrealized,
		FetchedAt:       time.Now(),
	}, nil
}

// FetchPositions returns every open position the exchange reports
func (b *BinanceFutures) FetchPositions(ctx context.Context) ([]PositionInfo, error) {
	var risks []*futures.PositionRisk
	err := b.call(ctx, "position_risk", ClassCritical, func() error {
		var opErr error
		risks, opErr = b.client.NewGetPositionRiskService().Do(ctx)
		return opErr
	})
	if err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}

	positions := make([]PositionInfo, 0, len(risks))
	for _, r := range risks {
		amt, _ := strconv.ParseFloat(r.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(r.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(r.MarkPrice, 64)
		upnl, _ := strconv.ParseFloat(r.UnRealizedProfit, 64)
		lev, _ := strconv.Atoi(r.Leverage)
		liq, _ := strconv.ParseFloat(r.LiquidationPrice, 64)
		positions = append(positions, PositionInfo{
			Symbol:           r.Symbol,
			PositionAmt:      amt,
			EntryPrice:       entry,
			MarkPrice:        mark,
			UnrealizedProfit: upnl,
			Leverage:         lev,
			LiquidationPrice: liq,
		})
	}
	return positions, nil
}

// CreateOrder places an order. Replaying a known ClientOrderID returns the
// prior order state; Binance enforces the same dedup server-side via
// newClientOrderId.
func (b *BinanceFutures) CreateOrder(ctx context.Context, req PlaceOrderRequest) (*Order, error) {
	if req.ClientOrderID == "" {
		return nil, fmt.Errorf("client order id is required")
	}

	b.mu.RLock()
	prior, replay := b.orders[req.ClientOrderID]
	b.mu.RUnlock()
	if replay {
		log.Info().
			Str("client_order_id", req.ClientOrderID).
			Str("symbol", req.Symbol).
			Msg("Idempotent replay, returning prior order state")
		return b.FetchOrder(ctx, prior.Symbol, prior.ClientOrderID)
	}

	svc := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(sideToBinance(req.Side)).
		Quantity(b.formatQty(req.Symbol, req.Quantity)).
		NewClientOrderID(req.ClientOrderID)

	switch req.Type {
	case OrderTypeMarket:
		svc = svc.Type(futures.OrderTypeMarket)
	case OrderTypeLimit:
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(b.formatPrice(req.Symbol, req.Price))
	case OrderTypeStopMarket:
		svc = svc.Type(futures.OrderTypeStopMarket).
			StopPrice(b.formatPrice(req.Symbol, req.StopPrice))
	case OrderTypeStopLimit:
		svc = svc.Type(futures.OrderTypeStop).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(b.formatPrice(req.Symbol, req.Price)).
			StopPrice(b.formatPrice(req.Symbol, req.StopPrice))
	default:
		return nil, fmt.Errorf("unsupported order type: %s", req.Type)
	}

	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	var resp *futures.CreateOrderResponse
	err := b.call(ctx, "create_order", ClassCritical, func() error {
		var opErr error
		resp, opErr = svc.Do(ctx)
		return opErr
	})
	if err != nil {
		// An ambiguous network failure may have created the order anyway.
		// Query by client order id so a resubmit with the same key finds it.
		if Classify(err) == KindTransient {
			if order, lookupErr := b.FetchOrder(ctx, req.Symbol, req.ClientOrderID); lookupErr == nil {
				return order, nil
			}
		}
		return nil, fmt.Errorf("create order %s: %w", req.Symbol, err)
	}

	order := b.convertCreateResponse(resp, req)

	b.mu.Lock()
	b.orders[order.ClientOrderID] = order
	b.mu.Unlock()

	log.Info().
		Str("client_order_id", order.ClientOrderID).
		Str("exchange_order_id", order.ExchangeOrderID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Str("type", string(order.Type)).
		Str("status", string(order.Status)).
		Msg("Order placed")

	return order, nil
}

// CancelOrder cancels an order by its client order id
func (b *BinanceFutures) CancelOrder(ctx context.Context, symbol, clientOrderID string) (*Order, error) {
	err := b.call(ctx, "cancel_order", ClassCritical, func() error {
		_, opErr := b.client.NewCancelOrderService().
			Symbol(symbol).
			OrigClientOrderID(clientOrderID).
			Do(ctx)
		return opErr
	})
	if err != nil {
		return nil, fmt.Errorf("cancel order %s: %w", clientOrderID, err)
	}

	order, err := b.FetchOrder(ctx, symbol, clientOrderID)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("client_order_id", clientOrderID).
		Str("symbol", symbol).
		Msg("Order cancelled")

	return order, nil
}

// FetchOrder returns the latest state of an order by client order id
func (b *BinanceFutures) FetchOrder(ctx context.Context, symbol, clientOrderID string) (*Order, error) {
	var raw *futures.Order
	err := b.call(ctx, "get_order", ClassCritical, func() error {
		var opErr error
		raw, opErr = b.client.NewGetOrderService().
			Symbol(symbol).
			OrigClientOrderID(clientOrderID).
			Do(ctx)
		return opErr
	})
	if err != nil {
		return nil, fmt.Errorf("fetch order %s: %w", clientOrderID, err)
	}

	order := b.convertOrder(raw)

	b.mu.Lock()
	b.orders[order.ClientOrderID] = order
	b.mu.Unlock()

	return order, nil
}

// Helpers

func sideToBinance(side OrderSide) futures.SideType {
	if side == OrderSideSell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func (b *BinanceFutures) formatQty(symbol string, qty float64) string {
	b.mu.RLock()
	inst, ok := b.instruments[symbol]
	b.mu.RUnlock()
	if ok {
		return strconv.FormatFloat(qty, 'f', inst.QuantityPrecision, 64)
	}
	return strconv.FormatFloat(qty, 'f', 8, 64)
}

func (b *BinanceFutures) formatPrice(symbol string, price float64) string {
	b.mu.RLock()
	inst, ok := b.instruments[symbol]
	b.mu.RUnlock()
	if ok {
		return strconv.FormatFloat(price, 'f', inst.PricePrecision, 64)
	}
	return strconv.FormatFloat(price, 'f', 8, 64)
}

func mapBinanceStatus(status futures.OrderStatusType) OrderStatus {
	switch status {
	case futures.OrderStatusTypeNew, futures.OrderStatusTypePartiallyFilled:
		return OrderStatusOpen
	case futures.OrderStatusTypeFilled:
		return OrderStatusFilled
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired:
		return OrderStatusCancelled
	case futures.OrderStatusTypeRejected:
		return OrderStatusRejected
	default:
		return OrderStatusPending
	}
}

func (b *BinanceFutures) convertCreateResponse(resp *futures.CreateOrderResponse, req PlaceOrderRequest) *Order {
	now := time.Now()
	executedQty, _ := strconv.ParseFloat(resp.ExecutedQuantity, 64)
	avgPrice, _ := strconv.ParseFloat(resp.AvgPrice, 64)

	order := &Order{
		ClientOrderID:   resp.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		Symbol:          resp.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Quantity:        req.Quantity,
		Price:           req.Price,
		StopPrice:       req.StopPrice,
		FilledQty:       executedQty,
		AvgFillPrice:    avgPrice,
		Status:          mapBinanceStatus(resp.Status),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if order.Status == OrderStatusFilled {
		order.FilledAt = &now
	}
	return order
}

func (b *BinanceFutures) convertOrder(raw *futures.Order) *Order {
	executedQty, _ := strconv.ParseFloat(raw.ExecutedQuantity, 64)
	avgPrice, _ := strconv.ParseFloat(raw.AvgPrice, 64)
	origQty, _ := strconv.ParseFloat(raw.OrigQuantity, 64)
	price, _ := strconv.ParseFloat(raw.Price, 64)
	stopPrice, _ := strconv.ParseFloat(raw.StopPrice, 64)

	side := OrderSideBuy
	if raw.Side == futures.SideTypeSell {
		side = OrderSideSell
	}

	order := &Order{
		ClientOrderID:   raw.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(raw.OrderID, 10),
		Symbol:          raw.Symbol,
		Side:            side,
		Quantity:        origQty,
		Price:           price,
		StopPrice:       stopPrice,
		FilledQty:       executedQty,
		AvgFillPrice:    avgPrice,
		Status:          mapBinanceStatus(raw.Status),
		CreatedAt:       time.UnixMilli(raw.Time),
		UpdatedAt:       time.UnixMilli(raw.UpdateTime),
	}

	switch raw.Type {
	case futures.OrderTypeMarket:
		order.Type = OrderTypeMarket
	case futures.OrderTypeLimit:
		order.Type = OrderTypeLimit
	case futures.OrderTypeStopMarket:
		order.Type = OrderTypeStopMarket
	case futures.OrderTypeStop:
		order.Type = OrderTypeStopLimit
	}

	if order.Status == OrderStatusFilled {
		filled := time.UnixMilli(raw.UpdateTime)
		order.FilledAt = &filled
	}
	return order
}
