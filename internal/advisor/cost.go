package advisor

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"perpcore/internal/config"
	"perpcore/internal/metrics"
)

// costWarnFraction is where the daily spend raises a warning.
const costWarnFraction = 0.70

// CostTracker maintains the running daily advisor spend and enforces the
// budget: warn at 70%, force the cheapest model at 100%. The day rolls
// over at 00:00 UTC.
type CostTracker struct {
	mu        sync.Mutex
	budgetUSD float64
	prices    map[string]config.AdvisorModel
	spentUSD  float64
	day       time.Time // UTC midnight of the current accounting day
	warned    bool
	onWarn    func(spent, budget float64)
	log       zerolog.Logger
}

// NewCostTracker creates a tracker for the given models and daily budget.
// onWarn fires once per day when spend crosses the warning fraction.
func NewCostTracker(models []config.AdvisorModel, budgetUSD float64, onWarn func(spent, budget float64), log zerolog.Logger) *CostTracker {
	prices := make(map[string]config.AdvisorModel, len(models))
	for _, m := range models {
		prices[m.Name] = m
	}
	return &CostTracker{
		budgetUSD: budgetUSD,
		prices:    prices,
		day:       utcMidnight(time.Now()),
		onWarn:    onWarn,
		log:       log,
	}
}

// Cost computes the price of one call for a model.
func (t *CostTracker) Cost(model string, promptTokens, completionTokens int) float64 {
	m, ok := t.prices[model]
	if !ok {
		return 0
	}
	return float64(promptTokens)/1e6*m.PromptPricePerMTok +
		float64(completionTokens)/1e6*m.CompletionPricePerMTok
}

// Record adds one call's cost to the daily total and returns it.
func (t *CostTracker) Record(model string, promptTokens, completionTokens int) float64 {
	cost := t.Cost(model, promptTokens, completionTokens)

	t.mu.Lock()
	t.rolloverLocked()
	t.spentUSD += cost
	spent := t.spentUSD
	fireWarn := !t.warned && t.budgetUSD > 0 && spent >= costWarnFraction*t.budgetUSD
	if fireWarn {
		t.warned = true
	}
	t.mu.Unlock()

	metrics.AdvisorCostUSD.WithLabelValues(model).Add(cost)

	if fireWarn {
		t.log.Warn().
			Float64("spent_usd", spent).
			Float64("budget_usd", t.budgetUSD).
			Msg("Advisor daily cost passed warning threshold")
		if t.onWarn != nil {
			t.onWarn(spent, t.budgetUSD)
		}
	}
	return cost
}

// Exhausted reports whether the daily budget is fully spent.
func (t *CostTracker) Exhausted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()
	return t.budgetUSD > 0 && t.spentUSD >= t.budgetUSD
}

// SpentToday returns the running total for the current UTC day.
func (t *CostTracker) SpentToday() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()
	return t.spentUSD
}

// Cheapest returns the model with the lowest blended token price.
func (t *CostTracker) Cheapest() string {
	var cheapest string
	var best float64
	for name, m := range t.prices {
		blended := m.PromptPricePerMTok + m.CompletionPricePerMTok
		if cheapest == "" || blended < best {
			cheapest = name
			best = blended
		}
	}
	return cheapest
}

func (t *CostTracker) rolloverLocked() {
	today := utcMidnight(time.Now())
	if today.After(t.day) {
		t.day = today
		t.spentUSD = 0
		t.warned = false
	}
}

func utcMidnight(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
