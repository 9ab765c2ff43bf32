package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"perpcore/internal/audit"
	"perpcore/internal/exchange"
	"perpcore/internal/metrics"
	"perpcore/internal/risk"
)

const (
	// executionGuard is how much headroom the execution phase needs
	// before the cycle deadline; cycles that reach it later are skipped.
	executionGuard = 200 * time.Millisecond

	fillPollInterval = 100 * time.Millisecond

	// partialAcceptFraction is the minimum filled fraction kept as a
	// position; anything below is cancelled outright.
	partialAcceptFraction = 0.50

	// slippageFlagFraction marks fills for review. The order is still
	// honored.
	slippageFlagFraction = 0.02
)

// ExecResult is the tagged outcome of one order submission.
type ExecResult struct {
	Outcome     string // audit.Outcome*
	FillPrice   float64
	FilledQty   float64
	Fees        float64
	SlippagePct float64
	FailReason  string
}

// Executor submits approved entries as market orders and resolves each
// to filled, partial or failed within the fill timeout.
type Executor struct {
	gateway     exchange.Gateway
	fillTimeout time.Duration
	log         zerolog.Logger
}

func NewExecutor(gateway exchange.Gateway, fillTimeout time.Duration, log zerolog.Logger) *Executor {
	return &Executor{
		gateway:     gateway,
		fillTimeout: fillTimeout,
		log:         log.With().Str("component", "executor").Logger(),
	}
}

// ClientOrderID derives the idempotency key for one submission. The
// minute bucket makes a retry in the same cycle replay the same key
// while a resubmission minutes later gets a fresh one.
func ClientOrderID(cycleID int64, symbol string, side exchange.OrderSide, quantity float64, at time.Time) string {
	seed := fmt.Sprintf("%d|%s|%s|%.8f|%d", cycleID, symbol, side, quantity, at.Unix()/60)
	sum := sha256.Sum256([]byte(seed))
	return "ord-" + hex.EncodeToString(sum[:10])
}

// Execute submits the approved order under the given idempotency key
// and waits for its fate. An order the exchange has accepted is tracked
// past the cycle deadline; reconciliation picks up anything left over.
func (x *Executor) Execute(ctx context.Context, cid string, app *risk.Approval) ExecResult {
	req := exchange.PlaceOrderRequest{
		ClientOrderID: cid,
		Symbol:        app.Symbol,
		Side:          app.Side,
		Type:          exchange.OrderTypeMarket,
		Quantity:      app.Quantity,
	}

	start := time.Now()
	order, err := x.gateway.CreateOrder(ctx, req)
	if err != nil {
		// Submission status is ambiguous: resubmit under the same key,
		// the gateway deduplicates.
		x.log.Warn().Err(err).
			Str("client_order_id", cid).
			Str("symbol", app.Symbol).
			Msg("Submission failed, resubmitting with same idempotency key")
		order, err = x.gateway.CreateOrder(ctx, req)
		if err != nil {
			return x.failed(app, start, fmt.Sprintf("submission failed twice: %v", err))
		}
	}

	if order.Status == exchange.OrderStatusRejected {
		// Rejections may indicate a race with a concurrent cycle; never
		// retried.
		return x.failed(app, start, "order rejected: "+order.RejectReason)
	}

	order = x.awaitFill(ctx, app.Symbol, cid, order)
	latencyMs := float64(time.Since(start).Milliseconds())

	switch {
	case order.Status == exchange.OrderStatusFilled:
		res := ExecResult{
			Outcome:     audit.OutcomeFilled,
			FillPrice:   order.AvgFillPrice,
			FilledQty:   order.FilledQty,
			Fees:        order.Fees,
			SlippagePct: slippagePct(app, order.AvgFillPrice),
		}
		x.finish(app, res, latencyMs)
		return res

	case order.FilledQty >= app.Quantity*partialAcceptFraction:
		final := x.cancelRemainder(app.Symbol, cid, order)
		res := ExecResult{
			Outcome:     audit.OutcomePartial,
			FillPrice:   final.AvgFillPrice,
			FilledQty:   final.FilledQty,
			Fees:        final.Fees,
			SlippagePct: slippagePct(app, final.AvgFillPrice),
		}
		x.finish(app, res, latencyMs)
		return res

	default:
		x.cancelRemainder(app.Symbol, cid, order)
		res := x.failed(app, start,
			fmt.Sprintf("filled %.4f of %.4f within timeout", order.FilledQty, app.Quantity))
		return res
	}
}

// awaitFill polls the order until it is terminal or the fill timeout
// lapses. Runs on its own clock: once the exchange has the order, the
// cycle deadline no longer applies.
func (x *Executor) awaitFill(ctx context.Context, symbol, cid string, order *exchange.Order) *exchange.Order {
	if order.Status.Terminal() {
		return order
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), x.fillTimeout)
	defer cancel()

	ticker := time.NewTicker(fillPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pctx.Done():
			return order
		case <-ticker.C:
			fetched, err := x.gateway.FetchOrder(pctx, symbol, cid)
			if err != nil {
				continue
			}
			order = fetched
			if order.Status.Terminal() {
				return order
			}
		}
	}
}

// cancelRemainder cancels whatever is left of a partially filled order
// and returns the final state.
func (x *Executor) cancelRemainder(symbol, cid string, order *exchange.Order) *exchange.Order {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	final, err := x.gateway.CancelOrder(ctx, symbol, cid)
	if err != nil {
		x.log.Warn().Err(err).
			Str("client_order_id", cid).
			Msg("Remainder cancel failed, reconciliation will settle it")
		return order
	}
	return final
}

func (x *Executor) finish(app *risk.Approval, res ExecResult, latencyMs float64) {
	metrics.RecordOrderOutcome(string(app.Side), res.Outcome, latencyMs)

	if res.SlippagePct > slippageFlagFraction {
		metrics.SlippageExceeded.Inc()
		x.log.Warn().
			Str("symbol", app.Symbol).
			Float64("expected_price", app.EntryPrice).
			Float64("fill_price", res.FillPrice).
			Float64("slippage_pct", res.SlippagePct*100).
			Msg("Fill slippage above review threshold")
	}

	x.log.Info().
		Str("symbol", app.Symbol).
		Str("side", string(app.Side)).
		Str("outcome", res.Outcome).
		Float64("filled_qty", res.FilledQty).
		Float64("fill_price", res.FillPrice).
		Float64("latency_ms", latencyMs).
		Msg("Order resolved")
}

func (x *Executor) failed(app *risk.Approval, start time.Time, reason string) ExecResult {
	latencyMs := float64(time.Since(start).Milliseconds())
	metrics.RecordOrderOutcome(string(app.Side), audit.OutcomeFailed, latencyMs)
	x.log.Warn().
		Str("symbol", app.Symbol).
		Str("reason", reason).
		Msg("Order failed")
	return ExecResult{Outcome: audit.OutcomeFailed, FailReason: reason}
}

// slippagePct is the adverse price move of the fill relative to the
// expected entry, zero when the fill improved on it.
func slippagePct(app *risk.Approval, fillPrice float64) float64 {
	if app.EntryPrice <= 0 || fillPrice <= 0 {
		return 0
	}
	diff := (fillPrice - app.EntryPrice) / app.EntryPrice
	if app.Side == exchange.OrderSideSell {
		diff = -diff
	}
	return math.Max(0, diff)
}
