package advisor

import (
	"time"

	"perpcore/internal/marketdata"
)

// Action is what the advisor wants done with one symbol.
type Action string

const (
	ActionBuyToEnter    Action = "buy_to_enter"
	ActionSellToEnter   Action = "sell_to_enter"
	ActionHold          Action = "hold"
	ActionClosePosition Action = "close_position"
)

// Valid reports whether the action is one of the known values.
func (a Action) Valid() bool {
	switch a {
	case ActionBuyToEnter, ActionSellToEnter, ActionHold, ActionClosePosition:
		return true
	}
	return false
}

// Entry reports whether the action opens a new position.
func (a Action) Entry() bool {
	return a == ActionBuyToEnter || a == ActionSellToEnter
}

// Signal is one validated advisor decision for one symbol. It lives for
// exactly one cycle.
type Signal struct {
	Symbol        string   `json:"coin"`
	Action        Action   `json:"action"`
	Confidence    float64  `json:"confidence"`
	Reasoning     string   `json:"reasoning"`
	RiskUSD       float64  `json:"risk_usd"`
	Leverage      int      `json:"leverage"`
	StopLossPct   float64  `json:"stop_loss_pct"`
	TakeProfitPct *float64 `json:"take_profit_pct,omitempty"`
	Invalidation  []string `json:"invalidation_conditions,omitempty"`
}

// rawDecision is the loosely-typed wire form before validation. Leverage
// arrives as a float because models emit "10.0" as often as "10".
type rawDecision struct {
	Coin          string   `json:"coin"`
	Action        string   `json:"action"`
	Confidence    float64  `json:"confidence"`
	Reasoning     string   `json:"reasoning"`
	RiskUSD       float64  `json:"risk_usd"`
	Leverage      float64  `json:"leverage"`
	StopLossPct   float64  `json:"stop_loss_pct"`
	TakeProfitPct *float64 `json:"take_profit_pct"`
	Invalidation  []string `json:"invalidation_conditions"`
}

type rawResponse struct {
	Decisions []rawDecision `json:"decisions"`
}

// Rejection records one decision discarded during validation.
type Rejection struct {
	Symbol string `json:"symbol"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// Advice is the full advisor output for one cycle.
type Advice struct {
	CycleID          uint64
	Model            string
	Synthetic        bool // true when every model was unavailable
	Signals          []Signal
	Rejections       []Rejection
	RawResponse      string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	Duration         time.Duration
}

// PositionContext is one open position as presented in the prompt's
// portfolio block.
type PositionContext struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Quantity      float64 `json:"quantity"`
	EntryPrice    float64 `json:"entry_price"`
	CurrentPrice  float64 `json:"current_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// AccountContext is the account block of the prompt.
type AccountContext struct {
	Balance           float64
	AvailableMargin   float64
	MarginUtilization float64
}

// Request carries everything the advisor needs for one cycle.
type Request struct {
	CycleID   uint64
	Snapshots []*marketdata.Snapshot
	Positions []PositionContext
	Account   AccountContext
}

// ChatMessage is a single message in an OpenAI-style chat request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the OpenAI-compatible completion request body.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// ChatResponse is the OpenAI-compatible completion response body.
type ChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// ErrorResponse is an OpenAI-compatible error body.
type ErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}
