package marketdata

import (
	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"
)

// Indicator periods. Short RSI reacts to intrabar momentum, the standard
// one anchors it; the three EMAs cover fast, medium and slow trend.
const (
	emaFastPeriod   = 9
	emaMediumPeriod = 20
	emaSlowPeriod   = 50

	macdFastPeriod   = 12
	macdSlowPeriod   = 26
	macdSignalPeriod = 9

	rsiShortPeriod = 7
	rsiLongPeriod  = 14

	bollingerPeriod = 20
)

// EMASet holds the three exponential moving averages.
type EMASet struct {
	Fast      float64 `json:"fast"`   // period 9
	Medium    float64 `json:"medium"` // period 20
	Slow      float64 `json:"slow"`   // period 50
	WarmingUp bool    `json:"warming_up"`
}

// MACDValue holds the MACD line, signal line and histogram.
type MACDValue struct {
	MACD      float64 `json:"macd"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
	Crossover string  `json:"crossover"` // "bullish", "bearish", "none"
	WarmingUp bool    `json:"warming_up"`
}

// RSISet holds the short and standard relative strength index values.
type RSISet struct {
	Short     float64 `json:"short"`  // period 7
	Long      float64 `json:"long"`   // period 14
	Signal    string  `json:"signal"` // "oversold", "overbought", "neutral"
	WarmingUp bool    `json:"warming_up"`
}

// BollingerValue holds the Bollinger Band levels (20 period, 2 std dev).
type BollingerValue struct {
	Upper     float64 `json:"upper"`
	Middle    float64 `json:"middle"`
	Lower     float64 `json:"lower"`
	Width     float64 `json:"width"` // band width as percent of middle
	WarmingUp bool    `json:"warming_up"`
}

// Indicators is the full indicator block attached to a market snapshot.
// Each member carries its own warming_up flag so a half-warm series still
// exposes whatever is already computable.
type Indicators struct {
	EMA       EMASet         `json:"ema"`
	MACD      MACDValue      `json:"macd"`
	RSI       RSISet         `json:"rsi"`
	Bollinger BollingerValue `json:"bollinger"`
	WarmingUp bool           `json:"warming_up"`
}

// ComputeIndicators derives the indicator block from closing prices,
// oldest first. Indicators without enough history are flagged warming_up
// and left at zero.
func ComputeIndicators(closes []float64) *Indicators {
	ind := &Indicators{}

	ind.EMA = computeEMASet(closes)
	ind.MACD = computeMACD(closes)
	ind.RSI = computeRSISet(closes)
	ind.Bollinger = computeBollinger(closes)
	ind.WarmingUp = ind.EMA.WarmingUp || ind.MACD.WarmingUp ||
		ind.RSI.WarmingUp || ind.Bollinger.WarmingUp

	return ind
}

// sliceToChan feeds a price slice into a closed channel, the input shape
// cinar/indicator computes over.
func sliceToChan(values []float64) chan float64 {
	ch := make(chan float64, len(values))
	for _, v := range values {
		ch <- v
	}
	close(ch)
	return ch
}

func collectChan(ch <-chan float64) []float64 {
	var out []float64
	for v := range ch {
		out = append(out, v)
	}
	return out
}

func lastValue(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	return values[len(values)-1], true
}

func computeEMA(closes []float64, period int) (float64, bool) {
	if len(closes) < period {
		return 0, false
	}
	ema := trend.NewEmaWithPeriod[float64](period)
	return lastValue(collectChan(ema.Compute(sliceToChan(closes))))
}

func computeEMASet(closes []float64) EMASet {
	var set EMASet
	var ok bool
	if set.Fast, ok = computeEMA(closes, emaFastPeriod); !ok {
		set.WarmingUp = true
	}
	if set.Medium, ok = computeEMA(closes, emaMediumPeriod); !ok {
		set.WarmingUp = true
	}
	if set.Slow, ok = computeEMA(closes, emaSlowPeriod); !ok {
		set.WarmingUp = true
	}
	return set
}

func computeMACD(closes []float64) MACDValue {
	if len(closes) < macdSlowPeriod+macdSignalPeriod {
		return MACDValue{Crossover: "none", WarmingUp: true}
	}

	macd := trend.NewMacdWithPeriod[float64](macdFastPeriod, macdSlowPeriod, macdSignalPeriod)
	macdChan, signalChan := macd.Compute(sliceToChan(closes))

	var macdValues, signalValues []float64
	for {
		m, mok := <-macdChan
		s, sok := <-signalChan
		if !mok || !sok {
			break
		}
		macdValues = append(macdValues, m)
		signalValues = append(signalValues, s)
	}

	if len(macdValues) == 0 {
		return MACDValue{Crossover: "none", WarmingUp: true}
	}

	value := MACDValue{
		MACD:      macdValues[len(macdValues)-1],
		Signal:    signalValues[len(signalValues)-1],
		Crossover: "none",
	}
	value.Histogram = value.MACD - value.Signal

	if len(macdValues) >= 2 {
		prevHist := macdValues[len(macdValues)-2] - signalValues[len(signalValues)-2]
		if prevHist <= 0 && value.Histogram > 0 {
			value.Crossover = "bullish"
		}
		if prevHist >= 0 && value.Histogram < 0 {
			value.Crossover = "bearish"
		}
	}
	return value
}

func computeRSI(closes []float64, period int) (float64, bool) {
	if len(closes) < period+1 {
		return 0, false
	}
	rsi := momentum.NewRsiWithPeriod[float64](period)
	return lastValue(collectChan(rsi.Compute(sliceToChan(closes))))
}

func computeRSISet(closes []float64) RSISet {
	var set RSISet
	var shortOK, longOK bool
	set.Short, shortOK = computeRSI(closes, rsiShortPeriod)
	set.Long, longOK = computeRSI(closes, rsiLongPeriod)
	set.WarmingUp = !shortOK || !longOK

	set.Signal = "neutral"
	if longOK {
		if set.Long < 30 {
			set.Signal = "oversold"
		} else if set.Long > 70 {
			set.Signal = "overbought"
		}
	}
	return set
}

func computeBollinger(closes []float64) BollingerValue {
	if len(closes) < bollingerPeriod {
		return BollingerValue{WarmingUp: true}
	}

	bb := volatility.NewBollingerBandsWithPeriod[float64](bollingerPeriod)
	// Compute returns the bands in upper, middle, lower order.
	upperChan, middleChan, lowerChan := bb.Compute(sliceToChan(closes))

	var lower, middle, upper []float64
	for {
		u, uok := <-upperChan
		m, mok := <-middleChan
		l, lok := <-lowerChan
		if !uok || !mok || !lok {
			break
		}
		upper = append(upper, u)
		middle = append(middle, m)
		lower = append(lower, l)
	}

	if len(middle) == 0 {
		return BollingerValue{WarmingUp: true}
	}

	value := BollingerValue{
		Upper:  upper[len(upper)-1],
		Middle: middle[len(middle)-1],
		Lower:  lower[len(lower)-1],
	}
	if value.Middle != 0 {
		value.Width = (value.Upper - value.Lower) / value.Middle * 100
	}
	return value
}
