package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded cardinality constants for metric labels.
// These ensure metrics don't have unbounded label values which can cause memory issues.
const (
	// Cycle skip reasons (bounded set)
	SkipReasonOverlap        = "overlap"
	SkipReasonPromptTooLarge = "prompt_too_large"
	SkipReasonWarmingUp      = "warming_up"
	SkipReasonDataGap        = "data_gap"
	SkipReasonHalted         = "halted"
	SkipReasonOther          = "other"

	// Exchange API error categories (bounded set)
	ExchangeErrorTimeout     = "timeout"
	ExchangeErrorRateLimit   = "rate_limit"
	ExchangeErrorAuth        = "authentication"
	ExchangeErrorNetwork     = "network"
	ExchangeErrorInvalidReq  = "invalid_request"
	ExchangeErrorServerError = "server_error"
	ExchangeErrorOther       = "other"

	// Advisor failure categories (bounded set)
	AdvisorErrorTimeout     = "timeout"
	AdvisorErrorParse       = "parse"
	AdvisorErrorValidation  = "validation"
	AdvisorErrorCircuitOpen = "circuit_open"
	AdvisorErrorBudget      = "budget"
	AdvisorErrorOther       = "other"
)

// NormalizeSkipReason maps arbitrary skip reasons to a bounded set
func NormalizeSkipReason(reason string) string {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "overlap") || strings.Contains(lower, "running"):
		return SkipReasonOverlap
	case strings.Contains(lower, "prompt") || strings.Contains(lower, "token"):
		return SkipReasonPromptTooLarge
	case strings.Contains(lower, "warm"):
		return SkipReasonWarmingUp
	case strings.Contains(lower, "gap") || strings.Contains(lower, "stale"):
		return SkipReasonDataGap
	case strings.Contains(lower, "halt") || strings.Contains(lower, "breaker"):
		return SkipReasonHalted
	default:
		return SkipReasonOther
	}
}

// NormalizeExchangeError maps arbitrary error messages to a bounded set
func NormalizeExchangeError(err error) string {
	if err == nil {
		return ""
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return ExchangeErrorTimeout
	case strings.Contains(errStr, "rate") || strings.Contains(errStr, "429"):
		return ExchangeErrorRateLimit
	case strings.Contains(errStr, "auth") || strings.Contains(errStr, "401") || strings.Contains(errStr, "403"):
		return ExchangeErrorAuth
	case strings.Contains(errStr, "network") || strings.Contains(errStr, "connection"):
		return ExchangeErrorNetwork
	case strings.Contains(errStr, "400") || strings.Contains(errStr, "invalid"):
		return ExchangeErrorInvalidReq
	case strings.Contains(errStr, "500") || strings.Contains(errStr, "502") || strings.Contains(errStr, "503"):
		return ExchangeErrorServerError
	default:
		return ExchangeErrorOther
	}
}

// NormalizeAdvisorError maps advisor failures to a bounded set
func NormalizeAdvisorError(err error) string {
	if err == nil {
		return ""
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return AdvisorErrorTimeout
	case strings.Contains(errStr, "parse") || strings.Contains(errStr, "json"):
		return AdvisorErrorParse
	case strings.Contains(errStr, "valid") || strings.Contains(errStr, "schema"):
		return AdvisorErrorValidation
	case strings.Contains(errStr, "circuit") || strings.Contains(errStr, "open"):
		return AdvisorErrorCircuitOpen
	case strings.Contains(errStr, "budget") || strings.Contains(errStr, "cost"):
		return AdvisorErrorBudget
	default:
		return AdvisorErrorOther
	}
}

// Cycle metrics
var (
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "perpcore_cycle_duration_ms",
		Help:    "End-to-end trading cycle duration in milliseconds",
		Buckets: []float64{100, 250, 500, 1000, 1500, 2000, 3000, 5000},
	})

	CyclesCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpcore_cycles_completed_total",
		Help: "Total number of completed trading cycles",
	})

	CyclesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpcore_cycles_skipped_total",
		Help: "Total number of skipped trading cycles by reason",
	}, []string{"reason"})

	CycleDeadlineExceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpcore_cycle_deadline_exceeded_total",
		Help: "Total number of cycles that ran past the soft deadline",
	})
)

// Position and P&L metrics
var (
	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpcore_open_positions",
		Help: "Number of currently open positions",
	})

	RealizedPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpcore_realized_pnl_usd",
		Help: "Realized profit and loss in USD since start of UTC day",
	})

	UnrealizedPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpcore_unrealized_pnl_usd",
		Help: "Aggregate unrealized profit and loss in USD across open positions",
	})

	PositionNotionalBySymbol = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perpcore_position_notional_by_symbol",
		Help: "Open position notional value in USD by symbol",
	}, []string{"symbol"})

	ExposureRatio = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpcore_exposure_ratio",
		Help: "Total position notional as a fraction of account equity",
	})

	EmergencyLiquidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpcore_emergency_liquidations_total",
		Help: "Total number of emergency liquidations triggered by the last-resort monitor",
	})
)

// Order metrics
var (
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpcore_orders_submitted_total",
		Help: "Total orders submitted by side",
	}, []string{"side"})

	OrderOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpcore_order_outcomes_total",
		Help: "Total order outcomes by result (filled, partial, rejected, timeout)",
	}, []string{"outcome"})

	OrderFillLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "perpcore_order_fill_latency_ms",
		Help:    "Time from order submission to terminal fill state in milliseconds",
		Buckets: []float64{100, 250, 500, 1000, 2500, 5000},
	})

	SlippageExceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpcore_slippage_exceeded_total",
		Help: "Total fills whose slippage against expected price exceeded the flag threshold",
	})
)

// Exchange metrics
var (
	ExchangeAPILatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perpcore_exchange_api_latency_ms",
		Help:    "Exchange API latency in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"exchange", "endpoint"})

	ExchangeAPIErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpcore_exchange_api_errors_total",
		Help: "Total exchange API errors by category",
	}, []string{"exchange", "error_type"})

	RateLimitPauses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpcore_rate_limit_pauses_total",
		Help: "Total pauses caused by exchange rate-limit responses",
	})

	WSStaleness = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perpcore_ws_staleness_seconds",
		Help: "Seconds since the last websocket tick per symbol",
	}, []string{"symbol"})

	WSReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpcore_ws_reconnects_total",
		Help: "Total websocket reconnect attempts",
	})
)

// Advisor metrics
var (
	AdvisorRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "perpcore_advisor_request_duration_ms",
		Help:    "Advisor model request duration in milliseconds",
		Buckets: []float64{100, 250, 500, 1000, 2500, 5000, 10000},
	})

	AdvisorTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpcore_advisor_tokens_total",
		Help: "Total advisor tokens consumed by model and direction (prompt, completion)",
	}, []string{"model", "direction"})

	AdvisorCostUSD = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpcore_advisor_cost_usd_total",
		Help: "Total advisor spend in USD by model",
	}, []string{"model"})

	AdvisorErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpcore_advisor_errors_total",
		Help: "Total advisor failures by model and category",
	}, []string{"model", "error_type"})

	AdvisorDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpcore_advisor_decisions_total",
		Help: "Total advisor decisions by model and action",
	}, []string{"model", "action"})

	ModelCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perpcore_advisor_model_circuit_state",
		Help: "Advisor model circuit state (0 = closed, 1 = half-open, 2 = open)",
	}, []string{"model"})
)

// Risk metrics
var (
	RiskRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpcore_risk_rejections_total",
		Help: "Total signals rejected by the risk layers, by layer",
	}, []string{"layer"})

	DailyLossBreaker = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpcore_daily_loss_breaker_tripped",
		Help: "Daily loss circuit breaker state (1 = tripped, 0 = armed)",
	})

	ReconciliationMismatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpcore_reconciliation_mismatches_total",
		Help: "Total reconciliation mismatches by kind (orphan, ghost, quantity)",
	}, []string{"kind"})
)

// Cache and store metrics
var (
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpcore_cache_hits_total",
		Help: "Total market snapshot cache hits",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpcore_cache_misses_total",
		Help: "Total market snapshot cache misses",
	})

	StoreQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perpcore_store_query_duration_ms",
		Help:    "Database query duration in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	}, []string{"query_type"})

	StoreFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpcore_store_failures_total",
		Help: "Total database failures by operation",
	}, []string{"operation"})

	EventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpcore_events_published_total",
		Help: "Total lifecycle events published to the message bus",
	})
)

// Helper functions to update metrics

// RecordCycle records a completed cycle with its duration
func RecordCycle(durationMs float64) {
	CyclesCompleted.Inc()
	CycleDuration.Observe(durationMs)
}

// RecordCycleSkip records a skipped cycle with normalized reason
func RecordCycleSkip(reason string) {
	CyclesSkipped.WithLabelValues(NormalizeSkipReason(reason)).Inc()
}

// RecordExchangeAPICall records an exchange API call with normalized error category
func RecordExchangeAPICall(exchange, endpoint string, durationMs float64, err error) {
	ExchangeAPILatency.WithLabelValues(exchange, endpoint).Observe(durationMs)
	if err != nil {
		ExchangeAPIErrors.WithLabelValues(exchange, NormalizeExchangeError(err)).Inc()
	}
}

// RecordAdvisorCall records advisor usage and spend for one model call
func RecordAdvisorCall(model string, promptTokens, completionTokens int, costUSD, durationMs float64) {
	AdvisorRequestDuration.Observe(durationMs)
	AdvisorTokens.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	AdvisorTokens.WithLabelValues(model, "completion").Add(float64(completionTokens))
	AdvisorCostUSD.WithLabelValues(model).Add(costUSD)
}

// RecordAdvisorError records an advisor failure with normalized category
func RecordAdvisorError(model string, err error) {
	AdvisorErrors.WithLabelValues(model, NormalizeAdvisorError(err)).Inc()
}

// RecordOrderOutcome records the terminal state of a submitted order
func RecordOrderOutcome(side, outcome string, fillLatencyMs float64) {
	OrdersSubmitted.WithLabelValues(side).Inc()
	OrderOutcomes.WithLabelValues(outcome).Inc()
	if fillLatencyMs > 0 {
		OrderFillLatency.Observe(fillLatencyMs)
	}
}

// RecordRiskRejection records a signal rejected by a named risk layer
func RecordRiskRejection(layer string) {
	RiskRejections.WithLabelValues(layer).Inc()
}

// SetDailyLossBreaker updates the daily loss breaker gauge
func SetDailyLossBreaker(tripped bool) {
	v := 0.0
	if tripped {
		v = 1.0
	}
	DailyLossBreaker.Set(v)
}

// SetModelCircuitState updates a model circuit gauge
func SetModelCircuitState(model string, state float64) {
	ModelCircuitState.WithLabelValues(model).Set(state)
}

// RecordReconciliationMismatch records one reconciliation divergence
func RecordReconciliationMismatch(kind string) {
	ReconciliationMismatches.WithLabelValues(kind).Inc()
}

// RecordStoreQuery records a database query duration
func RecordStoreQuery(queryType string, durationMs float64) {
	StoreQueryDuration.WithLabelValues(queryType).Observe(durationMs)
}

// RecordStoreFailure records a database failure by operation
func RecordStoreFailure(operation string) {
	StoreFailures.WithLabelValues(operation).Inc()
}
