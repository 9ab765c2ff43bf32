package position

import "time"

// Side is the position direction.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Direction returns +1 for long, -1 for short.
func (s Side) Direction() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// Close reasons recorded on the position and in decision records.
const (
	CloseReasonAdvisor     = "advisor"
	CloseReasonInvalidated = "invalidated"
	CloseReasonStopL1      = "stop_loss_exchange"
	CloseReasonStopL2      = "stop_loss_monitor"
	CloseReasonEmergency   = "emergency_liquidation"
	CloseReasonLossBreaker = "daily_loss_breaker"
	CloseReasonStopFailed  = "stop_placement_failed"
	CloseReasonShutdown    = "shutdown"
)

// Position is one perpetual futures position and its lifecycle record.
// Mutated only through the Manager's single-writer discipline.
type Position struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Side   Side   `json:"side"`
	State  State  `json:"state"`

	Quantity   float64 `json:"quantity"`
	EntryPrice float64 `json:"entry_price"` // volume-weighted across fills
	Leverage   int     `json:"leverage"`

	StopLossPct   float64  `json:"stop_loss_pct"`
	StopPrice     float64  `json:"stop_price"`
	TakeProfitPct *float64 `json:"take_profit_pct,omitempty"`
	StopOrderID   string   `json:"stop_order_id,omitempty"` // L1 client order id
	StopSeq       int      `json:"stop_seq,omitempty"`      // bumps on every re-arm

	EntryOrderID string `json:"entry_order_id,omitempty"`
	CycleID      int64  `json:"cycle_id"`

	EntryFees   float64 `json:"entry_fees"`
	ExitFees    float64 `json:"exit_fees"`
	FundingPaid float64 `json:"funding_paid"` // positive = paid out

	UnrealizedPnL float64 `json:"unrealized_pnl"`
	RealizedPnL   float64 `json:"realized_pnl"`
	ExitPrice     float64 `json:"exit_price,omitempty"`
	CloseReason   string  `json:"close_reason,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	OpenedAt  *time.Time `json:"opened_at,omitempty"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`

	FailReason string `json:"fail_reason,omitempty"`
}

// Notional returns the position value at entry.
func (p *Position) Notional() float64 {
	return p.EntryPrice * p.Quantity
}

// PnLAt returns the unrealized P&L at the given mark price, gross of
// fees and funding.
func (p *Position) PnLAt(price float64) float64 {
	return p.Side.Direction() * (price - p.EntryPrice) * p.Quantity
}

// LossFraction returns the adverse price move as a fraction of entry,
// zero when in profit. Stop distances and the emergency threshold are
// price distances, so this is the number they compare against.
func (p *Position) LossFraction(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	move := p.Side.Direction() * (price - p.EntryPrice) / p.EntryPrice
	if move >= 0 {
		return 0
	}
	return -move
}

// ComputeStopPrice returns the protective stop level from the entry
// price and the stop-loss fraction.
func (p *Position) ComputeStopPrice() float64 {
	if p.Side == SideShort {
		return p.EntryPrice * (1 + p.StopLossPct)
	}
	return p.EntryPrice * (1 - p.StopLossPct)
}

// StopBreached reports whether the mark price has crossed the stop.
func (p *Position) StopBreached(price float64) bool {
	if p.StopPrice <= 0 {
		return false
	}
	if p.Side == SideShort {
		return price >= p.StopPrice
	}
	return price <= p.StopPrice
}

// realize fixes the final P&L at close. Fees on both legs and funding
// paid over the lifetime come out of the gross number.
func (p *Position) realize(exitPrice float64) {
	p.ExitPrice = exitPrice
	p.RealizedPnL = p.PnLAt(exitPrice) - p.EntryFees - p.ExitFees - p.FundingPaid
	p.UnrealizedPnL = 0
}
