// Package exchange is the only component that sees the exchange wire format.
// It presents a single Gateway interface backed either by Binance USD-M
// futures (live) or an in-memory simulator (paper trading).
package exchange

import (
	"context"
	"time"
)

// Gateway defines the capability interface all exchange implementations
// provide. Both PaperExchange (paper trading) and BinanceFutures (live
// trading) implement this interface.
type Gateway interface {
	// Name returns the exchange identifier used in logs and metrics
	Name() string

	// Capabilities returns the order-type capability record for this
	// exchange. Callers consult it instead of assuming support.
	Capabilities() Capabilities

	// FetchInstruments loads contract metadata for the given symbols
	FetchInstruments(ctx context.Context, symbols []string) (map[string]Instrument, error)

	// FetchKlines returns up to limit most recent bars for symbol at the
	// given interval, oldest first.
	FetchKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)

	// FetchMarkPrice returns the current mark price for symbol
	FetchMarkPrice(ctx context.Context, symbol string) (float64, error)

	// FetchOpenInterest returns the current open interest for symbol
	FetchOpenInterest(ctx context.Context, symbol string) (float64, error)

	// FetchFundingRate returns the current funding rate for symbol
	FetchFundingRate(ctx context.Context, symbol string) (*FundingRate, error)

	// FetchAccount returns balance and margin state
	FetchAccount(ctx context.Context) (*AccountState, error)

	// FetchPositions returns every open position the exchange reports
	FetchPositions(ctx context.Context) ([]PositionInfo, error)

	// CreateOrder places an order. Replaying a ClientOrderID that was
	// already submitted returns the prior order state without creating a
	// duplicate.
	CreateOrder(ctx context.Context, req PlaceOrderRequest) (*Order, error)

	// CancelOrder cancels an order by its client order id
	CancelOrder(ctx context.Context, symbol, clientOrderID string) (*Order, error)

	// FetchOrder returns the latest state of an order by client order id
	FetchOrder(ctx context.Context, symbol, clientOrderID string) (*Order, error)
}

// TickSource is the streamed price feed consumed by market data and the
// stop-loss monitors. Implemented by TickerStream (live websocket) and by
// the paper exchange.
type TickSource interface {
	// Ticks returns the stream of validated price updates
	Ticks() <-chan Tick

	// Stale reports whether the feed for symbol has gone silent beyond the
	// staleness cutoff; callers fall back to REST while true.
	Stale(symbol string) bool

	// LastTick returns the time the last tick for symbol was received
	LastTick(symbol string) time.Time
}
