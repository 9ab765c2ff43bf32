package risk

import (
	"fmt"
	"strconv"
	"strings"

	"perpcore/internal/marketdata"
)

// Predicate is one parsed invalidation condition: a named market field
// compared against a constant, e.g. "rsi14 < 30" or "price >= 52000".
type Predicate struct {
	Field string
	Op    string
	Value float64
}

var predicateOps = map[string]bool{
	"<": true, "<=": true, ">": true, ">=": true, "==": true, "!=": true,
}

// ParsePredicate parses a "field op value" condition string.
func ParsePredicate(s string) (*Predicate, error) {
	parts := strings.Fields(strings.TrimSpace(s))
	if len(parts) != 3 {
		return nil, fmt.Errorf("predicate %q is not of the form 'field op value'", s)
	}

	field := strings.ToLower(parts[0])
	op := parts[1]
	if !predicateOps[op] {
		return nil, fmt.Errorf("predicate %q has unknown operator %q", s, op)
	}

	value, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return nil, fmt.Errorf("predicate %q has non-numeric value: %w", s, err)
	}

	return &Predicate{Field: field, Op: op, Value: value}, nil
}

// Evaluate resolves the field against the snapshot and applies the
// comparison. Unknown fields evaluate false rather than closing a
// position on a typo.
func (p *Predicate) Evaluate(snap *marketdata.Snapshot) bool {
	actual, ok := resolveField(p.Field, snap)
	if !ok {
		return false
	}

	switch p.Op {
	case "<":
		return actual < p.Value
	case "<=":
		return actual <= p.Value
	case ">":
		return actual > p.Value
	case ">=":
		return actual >= p.Value
	case "==":
		return actual == p.Value
	case "!=":
		return actual != p.Value
	}
	return false
}

func resolveField(field string, snap *marketdata.Snapshot) (float64, bool) {
	if snap == nil {
		return 0, false
	}

	switch field {
	case "price":
		return snap.LastPrice, true
	case "funding_rate":
		return snap.FundingRate, true
	case "open_interest":
		return snap.OpenInterest, true
	}

	ind := snap.Indicators
	if ind == nil {
		return 0, false
	}
	switch field {
	case "ema9":
		return ind.EMA.Fast, !ind.EMA.WarmingUp
	case "ema20":
		return ind.EMA.Medium, !ind.EMA.WarmingUp
	case "ema50":
		return ind.EMA.Slow, !ind.EMA.WarmingUp
	case "macd":
		return ind.MACD.MACD, !ind.MACD.WarmingUp
	case "macd_signal":
		return ind.MACD.Signal, !ind.MACD.WarmingUp
	case "macd_histogram":
		return ind.MACD.Histogram, !ind.MACD.WarmingUp
	case "rsi7":
		return ind.RSI.Short, !ind.RSI.WarmingUp
	case "rsi14":
		return ind.RSI.Long, !ind.RSI.WarmingUp
	case "bb_upper":
		return ind.Bollinger.Upper, !ind.Bollinger.WarmingUp
	case "bb_middle":
		return ind.Bollinger.Middle, !ind.Bollinger.WarmingUp
	case "bb_lower":
		return ind.Bollinger.Lower, !ind.Bollinger.WarmingUp
	}
	return 0, false
}

// AnyPredicateTrue parses and evaluates a list of condition strings,
// returning the first that holds. Unparsable conditions are skipped.
func AnyPredicateTrue(conditions []string, snap *marketdata.Snapshot) (string, bool) {
	for _, cond := range conditions {
		p, err := ParsePredicate(cond)
		if err != nil {
			continue
		}
		if p.Evaluate(snap) {
			return cond, true
		}
	}
	return "", false
}
