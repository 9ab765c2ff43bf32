package advisor

import (
	"fmt"
	"math"
	"strings"
)

// Limits are the per-field bounds applied to incoming decisions. They
// mirror the schema the system prompt states.
type Limits struct {
	Symbols     map[string]bool
	MaxRiskUSD  float64
	MinLeverage int
	MaxLeverage int
}

// Stop-loss and take-profit bounds are schema constants, not config.
const (
	minStopLossPct   = 0.01
	maxStopLossPct   = 0.10
	minTakeProfitPct = 0.02
	maxTakeProfitPct = 0.30

	minReasoningLen = 50
	maxReasoningLen = 500
)

// ValidateDecisions applies per-field rules to every raw decision.
// Invalid decisions are discarded individually; valid ones survive, so a
// half-good response still produces usable signals.
func ValidateDecisions(raw []rawDecision, limits Limits) ([]Signal, []Rejection) {
	var signals []Signal
	var rejections []Rejection
	seen := make(map[string]bool)

	for _, d := range raw {
		signal, rej := validateDecision(d, limits)
		if rej != nil {
			rejections = append(rejections, *rej)
			continue
		}
		if seen[signal.Symbol] {
			rejections = append(rejections, Rejection{
				Symbol: signal.Symbol,
				Field:  "coin",
				Reason: "duplicate decision for symbol",
			})
			continue
		}
		seen[signal.Symbol] = true
		signals = append(signals, *signal)
	}
	return signals, rejections
}

func validateDecision(d rawDecision, limits Limits) (*Signal, *Rejection) {
	reject := func(field, format string, args ...interface{}) (*Signal, *Rejection) {
		return nil, &Rejection{Symbol: d.Coin, Field: field, Reason: fmt.Sprintf(format, args...)}
	}

	symbol := strings.ToUpper(strings.TrimSpace(d.Coin))
	if symbol == "" || !limits.Symbols[symbol] {
		return reject("coin", "unknown symbol %q", d.Coin)
	}

	action := Action(strings.ToLower(strings.TrimSpace(d.Action)))
	if !action.Valid() {
		return reject("action", "unknown action %q", d.Action)
	}

	if d.Confidence < 0 || d.Confidence > 1 || math.IsNaN(d.Confidence) {
		return reject("confidence", "%.4f outside [0,1]", d.Confidence)
	}

	reasoning := strings.TrimSpace(d.Reasoning)
	if len(reasoning) < minReasoningLen || len(reasoning) > maxReasoningLen {
		return reject("reasoning", "length %d outside [%d,%d]", len(reasoning), minReasoningLen, maxReasoningLen)
	}

	signal := &Signal{
		Symbol:       symbol,
		Action:       action,
		Confidence:   d.Confidence,
		Reasoning:    reasoning,
		Invalidation: d.Invalidation,
	}

	// Sizing fields only matter for entries; hold and close carry none.
	if action.Entry() {
		if d.RiskUSD <= 0 || d.RiskUSD > limits.MaxRiskUSD {
			return reject("risk_usd", "%.2f outside (0,%.2f]", d.RiskUSD, limits.MaxRiskUSD)
		}
		leverage := int(d.Leverage)
		if d.Leverage != math.Trunc(d.Leverage) {
			return reject("leverage", "%.2f is not an integer", d.Leverage)
		}
		if leverage < limits.MinLeverage || leverage > limits.MaxLeverage {
			return reject("leverage", "%d outside [%d,%d]", leverage, limits.MinLeverage, limits.MaxLeverage)
		}
		if d.StopLossPct < minStopLossPct || d.StopLossPct > maxStopLossPct {
			return reject("stop_loss_pct", "%.4f outside [%.2f,%.2f]", d.StopLossPct, minStopLossPct, maxStopLossPct)
		}
		if d.TakeProfitPct != nil {
			tp := *d.TakeProfitPct
			if tp < minTakeProfitPct || tp > maxTakeProfitPct {
				return reject("take_profit_pct", "%.4f outside [%.2f,%.2f]", tp, minTakeProfitPct, maxTakeProfitPct)
			}
		}

		signal.RiskUSD = d.RiskUSD
		signal.Leverage = leverage
		signal.StopLossPct = d.StopLossPct
		signal.TakeProfitPct = d.TakeProfitPct
	}

	return signal, nil
}
