package config

import (
	"fmt"
	"strings"
)

// ValidationError describes a single invalid configuration value
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors aggregates all validation failures so operators see the
// full list at once rather than fixing one key per restart.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the full configuration and returns every violation found
func (c *Config) Validate() error {
	var errs ValidationErrors

	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	if len(c.Trading.Symbols) == 0 {
		add("trading.symbols", "at least one symbol is required")
	}
	for _, sym := range c.Trading.Symbols {
		if sym == "" || sym != strings.ToUpper(sym) {
			add("trading.symbols", fmt.Sprintf("symbol %q must be upper-case and non-empty", sym))
		}
	}
	if c.Trading.CycleIntervalSeconds <= 0 {
		add("trading.cycle_interval_seconds", "must be positive")
	}
	if c.Trading.CycleDeadlineMS < 500 {
		add("trading.cycle_deadline_ms", "must be at least 500")
	}
	if c.Trading.OrderFillTimeoutSec <= 0 {
		add("trading.order_fill_timeout_sec", "must be positive")
	}

	if c.Risk.MaxPositions <= 0 {
		add("risk.max_positions", "must be positive")
	}
	if c.Risk.MaxExposurePct <= 0 || c.Risk.MaxExposurePct > 1 {
		add("risk.max_exposure_pct", "must be in (0, 1]")
	}
	if c.Risk.ExposureWarnPct >= c.Risk.MaxExposurePct {
		add("risk.exposure_warn_pct", "must be below max_exposure_pct")
	}
	if c.Risk.MaxRiskUSD <= 0 {
		add("risk.max_risk_usd", "must be positive")
	}
	if c.Risk.MinLeverage < 1 {
		add("risk.min_leverage", "must be at least 1")
	}
	if c.Risk.MaxLeverage < c.Risk.MinLeverage {
		add("risk.max_leverage", "must be >= min_leverage")
	}
	if c.Risk.DailyLossLimitPct <= 0 || c.Risk.DailyLossLimitPct > 0.5 {
		add("risk.daily_loss_limit_pct", "must be in (0, 0.5]")
	}
	if c.Risk.EmergencyLiquidationPct <= c.Risk.DailyLossLimitPct {
		add("risk.emergency_liquidation_pct", "must exceed daily_loss_limit_pct")
	}
	if c.Risk.EntryConfidence < 0 || c.Risk.EntryConfidence > 1 {
		add("risk.entry_confidence", "must be in [0, 1]")
	}
	if c.Risk.ExitConfidence < 0 || c.Risk.ExitConfidence > 1 {
		add("risk.exit_confidence", "must be in [0, 1]")
	}
	if c.Risk.MaxMarginUtilization <= 0 || c.Risk.MaxMarginUtilization > 1 {
		add("risk.max_margin_utilization", "must be in (0, 1]")
	}

	if c.Advisor.Temperature > 0.3 {
		add("advisor.temperature", "must be <= 0.3 for deterministic trading decisions")
	}
	if c.Advisor.MaxPromptTokens <= 0 {
		add("advisor.max_prompt_tokens", "must be positive")
	}
	if c.Advisor.DailyBudgetUSD <= 0 {
		add("advisor.daily_budget_usd", "must be positive")
	}
	for i, m := range c.Advisor.Models {
		if m.Name == "" {
			add(fmt.Sprintf("advisor.models[%d].name", i), "model name is required")
		}
		if m.PromptPricePerMTok < 0 || m.CompletionPricePerMTok < 0 {
			add(fmt.Sprintf("advisor.models[%d]", i), "token prices must be non-negative")
		}
	}

	if c.Exchange.RateLimitFraction <= 0 || c.Exchange.RateLimitFraction > 1 {
		add("exchange.rate_limit_fraction", "must be in (0, 1]")
	}
	if c.Exchange.MaxParallelREST <= 0 {
		add("exchange.max_parallel_rest", "must be positive")
	}
	if c.Exchange.WSStalenessMaxSec <= 0 {
		add("exchange.ws_staleness_max_sec", "must be positive")
	}

	if c.Market.WarmupCandles < 200 {
		add("market.warmup_candles", "must be at least 200 for indicator warm-up")
	}
	if c.Market.GapAlertSeconds <= c.Market.GapPauseSeconds {
		add("market.gap_alert_seconds", "must exceed gap_pause_seconds")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
