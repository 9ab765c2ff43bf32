package advisor

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"perpcore/internal/marketdata"
)

// ErrPromptTooLarge means the prompt stayed over budget after every trim
// step; the cycle must be skipped rather than sent truncated.
var ErrPromptTooLarge = errors.New("prompt exceeds token budget after trimming")

// closesFloor is how many recent closes survive the first trim step.
const closesFloor = 10

// systemPromptTemplate is versioned; the version string is recorded with
// every decision so prompts can be correlated with outcomes.
const systemPromptTemplate = `You are a disciplined crypto perpetual futures trading advisor (prompt %s).
Analyze the market data and respond with ONLY a JSON object, no prose:
{"decisions":[{"coin":"<symbol>","action":"buy_to_enter"|"sell_to_enter"|"hold"|"close_position","confidence":<0..1>,"reasoning":"<50-500 chars>","risk_usd":<usd at risk>,"leverage":<integer %d..%d>,"stop_loss_pct":<0.01..0.10>,"take_profit_pct":<0.02..0.30 optional>,"invalidation_conditions":["<indicator op value>" ...] optional}]}
Rules: one decision per symbol listed. Prefer hold when uncertain. Never risk more than %.0f USD per trade.`

// PromptBuilder renders the cycle prompt and enforces the token budget
// with a fixed trim ladder.
type PromptBuilder struct {
	version     string
	maxTokens   int
	minLeverage int
	maxLeverage int
	maxRiskUSD  float64
}

// NewPromptBuilder creates a prompt builder.
func NewPromptBuilder(version string, maxTokens, minLeverage, maxLeverage int, maxRiskUSD float64) *PromptBuilder {
	return &PromptBuilder{
		version:     version,
		maxTokens:   maxTokens,
		minLeverage: minLeverage,
		maxLeverage: maxLeverage,
		maxRiskUSD:  maxRiskUSD,
	}
}

// Version returns the prompt template version.
func (b *PromptBuilder) Version() string { return b.version }

// SystemPrompt returns the system message.
func (b *PromptBuilder) SystemPrompt() string {
	return fmt.Sprintf(systemPromptTemplate, b.version, b.minLeverage, b.maxLeverage, b.maxRiskUSD)
}

// EstimateTokens approximates the token count of a text. Four characters
// per token is the usual rule of thumb for English plus JSON.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// promptShape controls how much detail each render pass includes. The
// trim ladder degrades it step by step.
type promptShape struct {
	closes        int  // closes per symbol
	fullIndicator bool // include the secondary indicator fields
	positions     int  // open positions included, -1 = all
}

// Build renders the user prompt within the token budget, trimming in
// fixed order: old closes first, then secondary indicators, then the
// positions with the smallest absolute P&L. Returns ErrPromptTooLarge
// when even the smallest shape is over budget.
func (b *PromptBuilder) Build(req Request) (string, error) {
	budget := b.maxTokens - EstimateTokens(b.SystemPrompt())

	shapes := []promptShape{
		{closes: len(longestCloses(req.Snapshots)), fullIndicator: true, positions: -1},
		{closes: closesFloor, fullIndicator: true, positions: -1},
		{closes: closesFloor, fullIndicator: false, positions: -1},
	}
	// Final rung: shed positions one at a time, smallest |P&L| first.
	for n := len(req.Positions) - 1; n >= 0; n-- {
		shapes = append(shapes, promptShape{closes: closesFloor, fullIndicator: false, positions: n})
	}

	for _, shape := range shapes {
		prompt := b.render(req, shape)
		if EstimateTokens(prompt) <= budget {
			return prompt, nil
		}
	}
	return "", ErrPromptTooLarge
}

func longestCloses(snapshots []*marketdata.Snapshot) []float64 {
	var longest []float64
	for _, s := range snapshots {
		if len(s.Closes) > len(longest) {
			longest = s.Closes
		}
	}
	return longest
}

func (b *PromptBuilder) render(req Request, shape promptShape) string {
	var sb strings.Builder

	sb.WriteString("## Market\n")
	for _, snap := range req.Snapshots {
		b.renderSnapshot(&sb, snap, shape)
	}

	sb.WriteString("\n## Portfolio\n")
	positions := selectPositions(req.Positions, shape.positions)
	if len(positions) == 0 {
		sb.WriteString("no open positions\n")
	}
	for _, p := range positions {
		fmt.Fprintf(&sb, "%s %s qty=%.6f entry=%.2f now=%.2f pnl=%.2f\n",
			p.Symbol, p.Side, p.Quantity, p.EntryPrice, p.CurrentPrice, p.UnrealizedPnL)
	}

	sb.WriteString("\n## Account\n")
	fmt.Fprintf(&sb, "balance=%.2f available_margin=%.2f margin_utilization=%.2f\n",
		req.Account.Balance, req.Account.AvailableMargin, req.Account.MarginUtilization)

	sb.WriteString("\nReturn one decision per market symbol above.\n")
	return sb.String()
}

func (b *PromptBuilder) renderSnapshot(sb *strings.Builder, snap *marketdata.Snapshot, shape promptShape) {
	fmt.Fprintf(sb, "\n### %s (%s) price=%.2f\n", snap.Symbol, snap.Timeframe, snap.LastPrice)

	closes := snap.Closes
	if shape.closes > 0 && len(closes) > shape.closes {
		closes = closes[len(closes)-shape.closes:]
	}
	sb.WriteString("closes=[")
	for i, c := range closes {
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(sb, "%.2f", c)
	}
	sb.WriteString("]\n")

	if snap.Current != nil {
		fmt.Fprintf(sb, "current o=%.2f h=%.2f l=%.2f c=%.2f v=%.2f\n",
			snap.Current.Open, snap.Current.High, snap.Current.Low, snap.Current.Close, snap.Current.Volume)
	}

	if ind := snap.Indicators; ind != nil {
		fmt.Fprintf(sb, "ema9=%.2f ema20=%.2f ema50=%.2f macd=%.4f macd_signal=%.4f rsi14=%.2f\n",
			ind.EMA.Fast, ind.EMA.Medium, ind.EMA.Slow, ind.MACD.MACD, ind.MACD.Signal, ind.RSI.Long)
		if shape.fullIndicator {
			fmt.Fprintf(sb, "macd_hist=%.4f macd_cross=%s rsi7=%.2f bb_upper=%.2f bb_middle=%.2f bb_lower=%.2f bb_width=%.2f\n",
				ind.MACD.Histogram, ind.MACD.Crossover, ind.RSI.Short,
				ind.Bollinger.Upper, ind.Bollinger.Middle, ind.Bollinger.Lower, ind.Bollinger.Width)
		}
		if ind.WarmingUp {
			sb.WriteString("indicators warming_up\n")
		}
	}

	if shape.fullIndicator {
		fmt.Fprintf(sb, "open_interest=%.2f funding_rate=%.6f", snap.OpenInterest, snap.FundingRate)
		if snap.FundingStale {
			sb.WriteString(" (stale)")
		}
		sb.WriteString("\n")
	}

	if len(snap.Warnings) > 0 {
		fmt.Fprintf(sb, "data_quality=%s\n", strings.Join(snap.Warnings, "; "))
	}
}

// selectPositions keeps the n positions with the largest absolute
// unrealized P&L; those are the ones the model most needs to see.
func selectPositions(positions []PositionContext, n int) []PositionContext {
	if n < 0 || n >= len(positions) {
		return positions
	}
	sorted := make([]PositionContext, len(positions))
	copy(sorted, positions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return absFloat(sorted[i].UnrealizedPnL) > absFloat(sorted[j].UnrealizedPnL)
	})
	return sorted[:n]
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
