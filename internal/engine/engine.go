package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"perpcore/internal/advisor"
	"perpcore/internal/audit"
	"perpcore/internal/config"
	"perpcore/internal/events"
	"perpcore/internal/exchange"
	"perpcore/internal/marketdata"
	"perpcore/internal/metrics"
	"perpcore/internal/position"
	"perpcore/internal/risk"
	"perpcore/internal/store"
)

// Adviser is the advisor surface the engine needs. *advisor.Advisor
// satisfies it; tests script it.
type Adviser interface {
	Advise(ctx context.Context, req advisor.Request) (*advisor.Advice, error)
	PromptVersion() string
}

// CounterStore persists the per-day counters. *store.Store satisfies it.
type CounterStore interface {
	AddDailyCounters(ctx context.Context, day time.Time, delta store.DailyDelta) error
}

// Params wires the engine's collaborators.
type Params struct {
	Trading     config.TradingConfig
	Gateway     exchange.Gateway
	Market      *marketdata.Service
	Adviser     Adviser
	Risk        *risk.Manager
	Positions   *position.Manager
	Recorder    *audit.Recorder
	Counters    CounterStore
	Events      *events.Publisher
	Instruments map[string]exchange.Instrument
	Log         zerolog.Logger
}

// Engine runs the snapshot, advise, risk, execute, record pipeline for
// each cycle the scheduler fires.
type Engine struct {
	cfg         config.TradingConfig
	symbols     []string
	gateway     exchange.Gateway
	market      *marketdata.Service
	adviser     Adviser
	risk        *risk.Manager
	positions   *position.Manager
	executor    *Executor
	recorder    *audit.Recorder
	counters    CounterStore
	events      *events.Publisher
	instruments map[string]exchange.Instrument
	log         zerolog.Logger

	mu           sync.Mutex
	invalidation map[string][]string // position id -> predicate strings
	lastRealized float64
	realizedDay  time.Time
}

func New(p Params) *Engine {
	fillTimeout := time.Duration(p.Trading.OrderFillTimeoutSec) * time.Second
	if fillTimeout <= 0 {
		fillTimeout = 5 * time.Second
	}

	return &Engine{
		cfg:         p.Trading,
		symbols:     p.Trading.Symbols,
		gateway:     p.Gateway,
		market:      p.Market,
		adviser:     p.Adviser,
		risk:        p.Risk,
		positions:   p.Positions,
		executor:    NewExecutor(p.Gateway, fillTimeout, p.Log),
		recorder:    p.Recorder,
		counters:    p.Counters,
		events:      p.Events,
		instruments: p.Instruments,
		log:         p.Log.With().Str("component", "engine").Logger(),
	}
}

// Scheduler builds the aligned scheduler driving this engine.
func (e *Engine) Scheduler() *Scheduler {
	interval := time.Duration(e.cfg.CycleIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 180 * time.Second
	}
	deadline := time.Duration(e.cfg.CycleDeadlineMS) * time.Millisecond
	if deadline <= 0 {
		deadline = 2 * time.Second
	}
	return NewScheduler(interval, deadline, e.RunCycle, e.log)
}

// RunCycle executes one full cycle. The decision records for the cycle
// are flushed before it returns, so they always land before the next
// tick.
func (e *Engine) RunCycle(ctx context.Context, cycleID int64, startedAt time.Time) {
	start := time.Now()
	log := e.log.With().Int64("cycle_id", cycleID).Logger()
	rec := e.recorder.Cycle(cycleID, startedAt)

	e.events.CycleStarted(events.CycleStartedEvent{
		CycleID:   cycleID,
		StartedAt: startedAt,
		Symbols:   e.symbols,
	})

	summary := e.runPhases(ctx, cycleID, rec, log)

	rec.Flush(context.WithoutCancel(ctx))
	e.flushCounters(ctx, summary, log)

	durationMs := time.Since(start).Milliseconds()
	if summary.skipReason == "" {
		metrics.RecordCycle(float64(durationMs))
	} else {
		metrics.RecordCycleSkip(metrics.NormalizeSkipReason(summary.skipReason))
	}

	e.events.CycleCompleted(events.CycleCompletedEvent{
		CycleID:          cycleID,
		StartedAt:        startedAt,
		DurationMs:       durationMs,
		SymbolsEvaluated: summary.evaluated,
		OrdersSubmitted:  int(summary.orders),
		Skipped:          summary.skipReason != "",
		SkipReason:       summary.skipReason,
	})

	log.Info().
		Int64("duration_ms", durationMs).
		Int("symbols", summary.evaluated).
		Int64("orders", summary.orders).
		Str("skip_reason", summary.skipReason).
		Msg("Cycle finished")
}

type cycleSummary struct {
	skipReason  string
	evaluated   int
	orders      int64
	advisorCost float64
}

func (e *Engine) runPhases(ctx context.Context, cycleID int64, rec *audit.CycleRecord, log zerolog.Logger) cycleSummary {
	var sum cycleSummary

	account, err := e.gateway.FetchAccount(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Account fetch failed, cycle skipped")
		sum.skipReason = "account_unavailable"
		return sum
	}

	// The breaker latches on the day's realized loss. A fresh trip
	// flattens the book; entries stay rejected by the risk layers.
	realized := e.positions.RealizedPnLToday(time.Now())
	wasTripped := e.risk.Breaker().Tripped()
	if e.risk.Breaker().Check(realized, account.Equity()) && !wasTripped {
		e.closeAll(ctx, position.CloseReasonLossBreaker, log)
	}

	snaps := e.collectSnapshots(ctx, rec, log)
	sum.evaluated = len(snaps)
	if len(snaps) == 0 {
		sum.skipReason = metrics.SkipReasonDataGap
		return sum
	}

	e.checkInvalidations(ctx, snaps, log)

	advice, err := e.advise(ctx, cycleID, snaps, account)
	if err != nil {
		if errors.Is(err, advisor.ErrPromptTooLarge) {
			sum.skipReason = metrics.SkipReasonPromptTooLarge
		} else {
			log.Error().Err(err).Msg("Advisor phase failed, cycle skipped")
			sum.skipReason = "advisor_error"
		}
		return sum
	}
	rec.Advice(advice, e.adviser.PromptVersion())
	sum.advisorCost = advice.CostUSD

	if !deadlineHeadroom(ctx) {
		log.Warn().Msg("Deadline guard reached before execution, cycle skipped")
		sum.skipReason = "deadline"
		return sum
	}

	sum.orders = e.applySignals(ctx, cycleID, advice.Signals, snaps, account, rec, log)
	return sum
}

// collectSnapshots fans out per symbol with bounded concurrency. Paused
// or failing symbols drop out of the cycle; the rest proceed.
func (e *Engine) collectSnapshots(ctx context.Context, rec *audit.CycleRecord, log zerolog.Logger) map[string]*marketdata.Snapshot {
	var mu sync.Mutex
	snaps := make(map[string]*marketdata.Snapshot, len(e.symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency())

	for _, sym := range e.symbols {
		g.Go(func() error {
			if paused, reason := e.market.Paused(sym); paused {
				log.Warn().Str("symbol", sym).Str("reason", reason).Msg("Symbol paused, not evaluated")
				return nil
			}
			snap, err := e.market.Snapshot(gctx, sym)
			if err != nil {
				log.Warn().Err(err).Str("symbol", sym).Msg("Snapshot failed, symbol dropped this cycle")
				return nil
			}
			rec.Observe(sym, snap.Hash())
			mu.Lock()
			snaps[sym] = snap
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return snaps
}

// advise builds the request and runs the model chain. One call per
// cycle; symbol order in the prompt follows the configured symbol list.
func (e *Engine) advise(ctx context.Context, cycleID int64, snaps map[string]*marketdata.Snapshot, account *exchange.AccountState) (*advisor.Advice, error) {
	ordered := make([]*marketdata.Snapshot, 0, len(snaps))
	for _, sym := range e.symbols {
		if snap, ok := snaps[sym]; ok {
			ordered = append(ordered, snap)
		}
	}

	var contexts []advisor.PositionContext
	for _, p := range e.positions.ActivePositions() {
		price := p.EntryPrice
		if snap, ok := snaps[p.Symbol]; ok {
			price = snap.LastPrice
		}
		contexts = append(contexts, advisor.PositionContext{
			Symbol:        p.Symbol,
			Side:          string(p.Side),
			Quantity:      p.Quantity,
			EntryPrice:    p.EntryPrice,
			CurrentPrice:  price,
			UnrealizedPnL: p.PnLAt(price),
		})
	}

	utilization := 0.0
	if account.Balance > 0 {
		utilization = 1 - account.AvailableMargin/account.Balance
	}

	return e.adviser.Advise(ctx, advisor.Request{
		CycleID:   uint64(cycleID),
		Snapshots: ordered,
		Positions: contexts,
		Account: advisor.AccountContext{
			Balance:           account.Balance,
			AvailableMargin:   account.AvailableMargin,
			MarginUtilization: utilization,
		},
	})
}

// applySignals dispatches each signal with the same bounded fan-out as
// the snapshot phase. Returns the number of orders submitted.
func (e *Engine) applySignals(ctx context.Context, cycleID int64, signals []advisor.Signal, snaps map[string]*marketdata.Snapshot, account *exchange.AccountState, rec *audit.CycleRecord, log zerolog.Logger) int64 {
	var orders atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency())

	for _, sig := range signals {
		g.Go(func() error {
			snap, ok := snaps[sig.Symbol]
			if !ok {
				return nil
			}
			rec.Signal(sig)

			switch sig.Action {
			case advisor.ActionHold:
				// Nothing to do; the record already carries the signal.

			case advisor.ActionClosePosition:
				e.applyClose(gctx, sig, rec, log)

			case advisor.ActionBuyToEnter, advisor.ActionSellToEnter:
				if e.applyEntry(gctx, cycleID, sig, snap, account, rec, log) {
					orders.Add(1)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return orders.Load()
}

func (e *Engine) applyClose(ctx context.Context, sig advisor.Signal, rec *audit.CycleRecord, log zerolog.Logger) {
	pos, ok := e.positions.Active(sig.Symbol)
	if !ok {
		log.Debug().Str("symbol", sig.Symbol).Msg("Close signal for symbol with no active position")
		return
	}

	dec := e.risk.ApproveClose(sig)
	rec.RiskDecision(sig.Symbol, dec)
	if !dec.Approved {
		return
	}

	closed, err := e.positions.CloseMarket(ctx, pos.ID, position.CloseReasonAdvisor)
	if err != nil {
		log.Error().Err(err).Str("symbol", sig.Symbol).Msg("Advisor close failed")
		rec.Execution(sig.Symbol, audit.OutcomeFailed, 0, 0, 0)
		return
	}
	e.forgetInvalidation(closed.ID)
	e.events.PositionClosed(closed)
	rec.Execution(sig.Symbol, audit.OutcomeFilled, closed.ExitPrice, closed.Quantity, 0)
}

// applyEntry runs one entry signal through risk, pre-flight and the
// executor. Returns true when an order was submitted.
func (e *Engine) applyEntry(ctx context.Context, cycleID int64, sig advisor.Signal, snap *marketdata.Snapshot, account *exchange.AccountState, rec *audit.CycleRecord, log zerolog.Logger) bool {
	if snap.WarmingUp {
		rec.RiskDecision(sig.Symbol, risk.Decision{
			Layer:  "warming_up",
			Reason: "indicators warming up, entries blocked",
		})
		return false
	}
	if _, exists := e.positions.Active(sig.Symbol); exists {
		rec.RiskDecision(sig.Symbol, risk.Decision{
			Layer:  "position_exists",
			Reason: "symbol already has an active position",
		})
		return false
	}

	dec := e.risk.Evaluate(risk.Candidate{
		Signal:        sig,
		Snapshot:      snap,
		Instrument:    e.instruments[sig.Symbol],
		Account:       *account,
		OpenPositions: e.positions.OpenCount(),
		OpenNotional:  e.positions.OpenNotional(),
	})
	rec.RiskDecision(sig.Symbol, dec)
	if !dec.Approved {
		return false
	}
	app := dec.Order

	// Balances may have moved since the risk check; recheck against
	// fresh exchange truth before anything hits the wire.
	fresh, err := e.gateway.FetchAccount(ctx)
	if err != nil {
		log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("Pre-flight account fetch failed, entry dropped")
		rec.Execution(sig.Symbol, audit.OutcomeFailed, 0, 0, 0)
		return false
	}
	if pf := e.risk.Preflight(app, *fresh, e.positions.OpenNotional()); !pf.Approved {
		rec.RiskDecision(sig.Symbol, pf)
		return false
	}

	side := position.SideLong
	if app.Side == exchange.OrderSideSell {
		side = position.SideShort
	}

	cid := ClientOrderID(cycleID, app.Symbol, app.Side, app.Quantity, time.Now())
	pos, err := e.positions.Create(ctx, position.OpenParams{
		Symbol:        app.Symbol,
		Side:          side,
		Quantity:      app.Quantity,
		Leverage:      app.Leverage,
		StopLossPct:   app.StopLossPct,
		TakeProfitPct: app.TakeProfitPct,
		CycleID:       cycleID,
		EntryOrderID:  cid,
	})
	if err != nil {
		log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("Position create refused, entry dropped")
		return false
	}

	res := e.executor.Execute(ctx, cid, app)
	rec.Execution(sig.Symbol, res.Outcome, res.FillPrice, res.FilledQty, res.SlippagePct)

	switch res.Outcome {
	case audit.OutcomeFilled, audit.OutcomePartial:
		opened, err := e.positions.ConfirmFill(ctx, pos.ID, res.FillPrice, res.FilledQty, res.Fees)
		if err != nil {
			log.Error().Err(err).Str("position_id", pos.ID).Msg("Fill confirmation failed")
			return true
		}
		if len(sig.Invalidation) > 0 {
			e.rememberInvalidation(opened.ID, sig.Invalidation)
		}
		e.events.PositionOpened(opened)

	default:
		if err := e.positions.Fail(ctx, pos.ID, res.FailReason); err != nil {
			log.Error().Err(err).Str("position_id", pos.ID).Msg("Position fail transition refused")
		}
	}
	return true
}

// checkInvalidations closes positions whose advisor-supplied predicates
// now hold against the fresh snapshots.
func (e *Engine) checkInvalidations(ctx context.Context, snaps map[string]*marketdata.Snapshot, log zerolog.Logger) {
	for _, p := range e.positions.ActivePositions() {
		conds := e.invalidationFor(p.ID)
		if len(conds) == 0 {
			continue
		}
		snap, ok := snaps[p.Symbol]
		if !ok {
			continue
		}
		cond, hit := risk.AnyPredicateTrue(conds, snap)
		if !hit {
			continue
		}

		log.Info().
			Str("symbol", p.Symbol).
			Str("position_id", p.ID).
			Str("condition", cond).
			Msg("Invalidation condition met, closing position")

		closed, err := e.positions.CloseMarket(ctx, p.ID, position.CloseReasonInvalidated)
		if err != nil {
			log.Error().Err(err).Str("position_id", p.ID).Msg("Invalidation close failed")
			continue
		}
		e.forgetInvalidation(p.ID)
		e.events.PositionClosed(closed)
	}
}

// closeAll flattens the book in parallel. Used when the daily loss
// breaker trips and on shutdown-with-flatten.
func (e *Engine) closeAll(ctx context.Context, reason string, log zerolog.Logger) {
	active := e.positions.ActivePositions()
	if len(active) == 0 {
		return
	}
	log.Warn().Int("positions", len(active)).Str("reason", reason).Msg("Flattening all positions")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency())
	for _, p := range active {
		g.Go(func() error {
			closed, err := e.positions.CloseMarket(gctx, p.ID, reason)
			if err != nil {
				log.Error().Err(err).Str("position_id", p.ID).Msg("Flatten close failed")
				return nil
			}
			e.forgetInvalidation(p.ID)
			e.events.PositionClosed(closed)
			return nil
		})
	}
	_ = g.Wait()
}

// flushCounters folds this cycle into the persisted daily counters.
func (e *Engine) flushCounters(ctx context.Context, sum cycleSummary, log zerolog.Logger) {
	if e.counters == nil {
		return
	}
	now := time.Now().UTC()
	delta := store.DailyDelta{
		RealizedPnLUSD:  e.realizedDelta(now),
		AdvisorCostUSD:  sum.advisorCost,
		OrdersSubmitted: sum.orders,
	}
	if sum.skipReason == "" {
		delta.CyclesCompleted = 1
	}

	if err := e.counters.AddDailyCounters(context.WithoutCancel(ctx), now, delta); err != nil {
		log.Warn().Err(err).Msg("Daily counter flush failed")
	}
}

// realizedDelta returns the realized P&L accrued since the last flush,
// resetting its baseline at the UTC day rollover.
func (e *Engine) realizedDelta(now time.Time) float64 {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	realized := e.positions.RealizedPnLToday(now)

	e.mu.Lock()
	defer e.mu.Unlock()
	if !day.Equal(e.realizedDay) {
		e.realizedDay = day
		e.lastRealized = 0
	}
	delta := realized - e.lastRealized
	e.lastRealized = realized
	return delta
}

func (e *Engine) rememberInvalidation(positionID string, conds []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.invalidation == nil {
		e.invalidation = make(map[string][]string)
	}
	e.invalidation[positionID] = conds
}

func (e *Engine) invalidationFor(positionID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.invalidation[positionID]
}

func (e *Engine) forgetInvalidation(positionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.invalidation, positionID)
}

func (e *Engine) concurrency() int {
	if e.cfg.MaxSymbolConcurrency > 0 {
		return e.cfg.MaxSymbolConcurrency
	}
	if n := len(e.symbols); n > 0 {
		return n
	}
	return 1
}

// deadlineHeadroom reports whether enough of the cycle budget remains
// to enter the execution phase.
func deadlineHeadroom(ctx context.Context) bool {
	deadline, ok := ctx.Deadline()
	if !ok {
		return true
	}
	return time.Until(deadline) >= executionGuard
}
