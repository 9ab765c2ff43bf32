package risk

import (
	"perpcore/internal/advisor"
	"perpcore/internal/exchange"
	"perpcore/internal/marketdata"
)

// Rejection layer names. These are the bounded label values fed to the
// risk rejection metric and written into decision records.
const (
	LayerCircuitBreaker = "circuit_breaker"
	LayerMaxPositions   = "max_positions"
	LayerExposure       = "exposure"
	LayerLeverage       = "leverage"
	LayerConfidence     = "low_confidence"
	LayerMargin         = "margin"
	LayerMinNotional    = "below_min_notional"
)

// Candidate is one entry signal plus the context the layers need.
type Candidate struct {
	Signal     advisor.Signal
	Snapshot   *marketdata.Snapshot
	Instrument exchange.Instrument
	Account    exchange.AccountState

	OpenPositions int     // current active position count
	OpenNotional  float64 // sum of notional across active positions
}

// Approval carries the final order parameters for an approved entry.
type Approval struct {
	Symbol        string
	Side          exchange.OrderSide
	Quantity      float64
	Notional      float64
	EntryPrice    float64
	Leverage      int
	StopLossPct   float64
	TakeProfitPct *float64
}

// Decision is the outcome of a risk evaluation: either Approved with
// order parameters, or rejected with the layer and reason.
type Decision struct {
	Approved bool
	Layer    string
	Reason   string
	Order    *Approval
}

func rejected(layer, reason string) Decision {
	return Decision{Layer: layer, Reason: reason}
}
