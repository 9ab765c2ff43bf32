package risk

import (
	"math"
)

// VolatilityLevel classifies recent realized volatility.
type VolatilityLevel string

const (
	VolatilityLow    VolatilityLevel = "low"
	VolatilityNormal VolatilityLevel = "normal"
	VolatilityHigh   VolatilityLevel = "high"
)

const (
	// volatilityWindow is the number of trailing closes used for the
	// realized volatility estimate.
	volatilityWindow = 20

	// Per-candle return stddev cutoffs. On a 3m timeframe 0.5% per
	// candle is a violent tape; below 0.1% the market is drifting.
	highVolatilityStdDev = 0.005
	lowVolatilityStdDev  = 0.001
)

// RealizedVolatility returns the standard deviation of simple returns
// over the trailing window. Returns 0 when there is not enough history.
func RealizedVolatility(closes []float64) float64 {
	if len(closes) > volatilityWindow+1 {
		closes = closes[len(closes)-volatilityWindow-1:]
	}
	if len(closes) < 3 {
		return 0
	}

	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 {
			continue
		}
		returns = append(returns, closes[i]/closes[i-1]-1)
	}
	if len(returns) < 2 {
		return 0
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)

	return math.Sqrt(variance)
}

// AssessVolatility classifies the trailing closes. Insufficient history
// reads as normal so the confidence bar is not raised on thin data.
func AssessVolatility(closes []float64) VolatilityLevel {
	sd := RealizedVolatility(closes)
	switch {
	case sd == 0:
		return VolatilityNormal
	case sd >= highVolatilityStdDev:
		return VolatilityHigh
	case sd <= lowVolatilityStdDev:
		return VolatilityLow
	default:
		return VolatilityNormal
	}
}

// KellyFraction returns the fraction of capital the Kelly criterion
// advises risking on a bet with the given win probability and average
// win/loss payoff ratio. Negative edges return 0.
func KellyFraction(winProbability, winLossRatio float64) float64 {
	if winProbability <= 0 || winProbability >= 1 || winLossRatio <= 0 {
		return 0
	}
	f := winProbability - (1-winProbability)/winLossRatio
	if f < 0 {
		return 0
	}
	return f
}

// AdvisoryKellyRiskUSD returns the half-Kelly risk stake for a signal,
// treating confidence as the win probability and the take-profit to
// stop-loss distance ratio as the payoff ratio. Returns 0 when the
// signal carries no take-profit, since the payoff ratio is unknown.
func AdvisoryKellyRiskUSD(equity, confidence, stopLossPct float64, takeProfitPct *float64) float64 {
	if equity <= 0 || stopLossPct <= 0 || takeProfitPct == nil || *takeProfitPct <= 0 {
		return 0
	}
	// Half-Kelly halves volatility drag for a small cost in growth.
	return equity * KellyFraction(confidence, *takeProfitPct/stopLossPct) / 2
}
