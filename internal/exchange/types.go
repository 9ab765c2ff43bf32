package exchange

import "time"

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType represents the supported order types
type OrderType string

const (
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeStopMarket OrderType = "stop_market"
	OrderTypeStopLimit  OrderType = "stop_limit"
)

// OrderStatus represents the current state of an order
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// Terminal reports whether the status is final. Orders are immutable once
// terminal.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

// RequestClass separates order and position traffic from historical and
// analytics traffic for rate-limit purposes.
type RequestClass int

const (
	ClassCritical    RequestClass = iota // orders, position and account queries
	ClassNonCritical                     // klines, open interest, funding
)

// Order represents a pending or completed exchange instruction
type Order struct {
	ClientOrderID   string      `json:"client_order_id"` // idempotency key
	ExchangeOrderID string      `json:"exchange_order_id,omitempty"`
	Symbol          string      `json:"symbol"`
	Side            OrderSide   `json:"side"`
	Type            OrderType   `json:"type"`
	Quantity        float64     `json:"quantity"`
	Price           float64     `json:"price,omitempty"`      // limit and stop_limit orders
	StopPrice       float64     `json:"stop_price,omitempty"` // stop orders
	FilledQty       float64     `json:"filled_qty"`
	AvgFillPrice    float64     `json:"avg_fill_price,omitempty"` // volume-weighted across fills
	Fees            float64     `json:"fees"`
	Status          OrderStatus `json:"status"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	FilledAt        *time.Time  `json:"filled_at,omitempty"`
	RejectReason    string      `json:"reject_reason,omitempty"`
}

// Fill represents a partial or complete order fill
type Fill struct {
	ClientOrderID string    `json:"client_order_id"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price"`
	Fee           float64   `json:"fee"`
	Timestamp     time.Time `json:"timestamp"`
}

// PlaceOrderRequest represents a request to place an order. ClientOrderID is
// the caller-supplied idempotency key; replaying the same key returns the
// prior order state instead of creating a duplicate.
type PlaceOrderRequest struct {
	ClientOrderID string    `json:"client_order_id"`
	Symbol        string    `json:"symbol"`
	Side          OrderSide `json:"side"`
	Type          OrderType `json:"type"`
	Quantity      float64   `json:"quantity"`
	Price         float64   `json:"price,omitempty"`
	StopPrice     float64   `json:"stop_price,omitempty"`
	ReduceOnly    bool      `json:"reduce_only,omitempty"`
}

// Kline is one OHLCV bar as delivered by the exchange
type Kline struct {
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	CloseTime time.Time `json:"close_time"`
	Closed    bool      `json:"closed"`
}

// Tick is one streamed price update
type Tick struct {
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`
	Quantity   float64   `json:"quantity"`
	ExchangeTS time.Time `json:"exchange_ts"`
	ReceivedAt time.Time `json:"received_at"`
}

// Instrument describes one perpetual contract. Immutable after load.
type Instrument struct {
	Symbol            string  `json:"symbol"`
	PricePrecision    int     `json:"price_precision"`
	QuantityPrecision int     `json:"quantity_precision"`
	TickSize          float64 `json:"tick_size"`
	LotStep           float64 `json:"lot_step"`
	MinNotional       float64 `json:"min_notional"`
	MaxLeverage       int     `json:"max_leverage"`
}

// Capabilities describes which order types an exchange supports. Callers
// consult this record instead of assuming.
type Capabilities struct {
	StopMarket    bool `json:"stop_market"`
	StopLimit     bool `json:"stop_limit"`
	TrailingStop  bool `json:"trailing_stop"`
	ReduceOnly    bool `json:"reduce_only"`
	ClientOrderID bool `json:"client_order_id"`
}

// PositionInfo is the exchange's view of one open position, used by
// reconciliation. PositionAmt is signed: positive long, negative short.
type PositionInfo struct {
	Symbol           string  `json:"symbol"`
	PositionAmt      float64 `json:"position_amt"`
	EntryPrice       float64 `json:"entry_price"`
	MarkPrice        float64 `json:"mark_price"`
	UnrealizedProfit float64 `json:"unrealized_profit"`
	Leverage         int     `json:"leverage"`
	LiquidationPrice float64 `json:"liquidation_price"`
}

// AccountState is a per-cycle snapshot of balance and margin, rebuilt from
// exchange truth and never persisted as authoritative.
type AccountState struct {
	Balance         float64   `json:"balance"`
	AvailableMargin float64   `json:"available_margin"`
	UnrealizedPnL   float64   `json:"unrealized_pnl"`
	FetchedAt       time.Time `json:"fetched_at"`
}

// Equity returns the account value including unrealized P&L
func (a *AccountState) Equity() float64 {
	return a.Balance + a.UnrealizedPnL
}

// FundingRate is the current funding rate for a symbol with its timestamp,
// so callers can judge staleness.
type FundingRate struct {
	Symbol    string    `json:"symbol"`
	Rate      float64   `json:"rate"`
	Timestamp time.Time `json:"timestamp"`
}
