package position

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"perpcore/internal/alerts"
	"perpcore/internal/exchange"
	"perpcore/internal/metrics"
)

const (
	// reconcileInterval is the periodic diff cadence; RunNow covers the
	// on-demand cases (CRITICAL exchange error, gateway reconnect).
	reconcileInterval = 30 * time.Minute

	// qtyMismatchTolerance is the relative quantity delta that counts
	// as a mismatch. 0.01%.
	qtyMismatchTolerance = 0.0001

	// mismatchValueAlertUSD alerts when the value of a quantity delta
	// exceeds this amount.
	mismatchValueAlertUSD = 100.0
)

// Mismatch kinds reported to the reconciliation metric.
const (
	MismatchOrphan   = "orphan"
	MismatchGhost    = "ghost"
	MismatchQuantity = "quantity"
)

// Reconciler periodically diffs local positions against exchange truth.
// The exchange always wins: orphans are adopted, ghosts are closed out
// locally, and quantity drifts are adjusted to the exchange number.
type Reconciler struct {
	mgr           *Manager
	gateway       exchange.Gateway
	alerter       *alerts.Manager
	orphanStopPct float64
	log           zerolog.Logger
	demand        chan struct{}
}

// NewReconciler creates the reconciler. orphanStopPct is the stop
// distance armed on adopted positions, which arrive with no advisor
// context to size one from.
func NewReconciler(mgr *Manager, gateway exchange.Gateway, alerter *alerts.Manager, orphanStopPct float64, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		mgr:           mgr,
		gateway:       gateway,
		alerter:       alerter,
		orphanStopPct: orphanStopPct,
		log:           log.With().Str("component", "reconciler").Logger(),
		demand:        make(chan struct{}, 1),
	}
}

// Run reconciles every 30 minutes and whenever RunNow fires, until the
// context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.demand:
		}
		if err := r.Reconcile(ctx); err != nil {
			r.log.Error().Err(err).Msg("Reconciliation failed")
		}
	}
}

// RunNow requests an immediate reconciliation pass. Coalesces when one
// is already pending.
func (r *Reconciler) RunNow() {
	select {
	case r.demand <- struct{}{}:
	default:
	}
}

// Reconcile fetches exchange positions and settles every divergence.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	infos, err := r.gateway.FetchPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetch exchange positions: %w", err)
	}

	remote := make(map[string]exchange.PositionInfo, len(infos))
	for _, info := range infos {
		if info.PositionAmt != 0 {
			remote[info.Symbol] = info
		}
	}

	var mismatches int
	for _, local := range r.mgr.ActivePositions() {
		info, held := remote[local.Symbol]
		if !held {
			mismatches++
			r.ghost(ctx, local)
			continue
		}
		delete(remote, local.Symbol)

		exchangeQty := math.Abs(info.PositionAmt)
		if relativeDelta(local.Quantity, exchangeQty) > qtyMismatchTolerance {
			mismatches++
			r.quantity(ctx, local, info, exchangeQty)
		}
	}

	// Whatever remains exists only on the exchange.
	for _, info := range remote {
		mismatches++
		r.orphan(ctx, info)
	}

	if mismatches == 0 {
		r.log.Debug().Int("exchange_positions", len(infos)).Msg("Reconciliation clean")
	} else {
		r.log.Warn().Int("mismatches", mismatches).Msg("Reconciliation settled divergences")
	}
	return nil
}

// orphan adopts an exchange-only position and ensures a stop exists.
func (r *Reconciler) orphan(ctx context.Context, info exchange.PositionInfo) {
	metrics.RecordReconciliationMismatch(MismatchOrphan)
	r.log.Warn().
		Str("symbol", info.Symbol).
		Float64("position_amt", info.PositionAmt).
		Msg("Exchange-only position found")
	if r.alerter != nil {
		r.alerter.ReconciliationMismatch(ctx, info.Symbol, MismatchOrphan, 0, math.Abs(info.PositionAmt))
	}
	if _, err := r.mgr.Adopt(ctx, info, r.orphanStopPct); err != nil {
		r.log.Error().Err(err).Str("symbol", info.Symbol).Msg("Orphan adoption failed")
	}
}

// ghost closes out a local position the exchange no longer reports.
func (r *Reconciler) ghost(ctx context.Context, local *Position) {
	metrics.RecordReconciliationMismatch(MismatchGhost)
	r.log.Warn().
		Str("position_id", local.ID).
		Str("symbol", local.Symbol).
		Msg("Local-only position, exchange does not hold it")
	if r.alerter != nil {
		r.alerter.ReconciliationMismatch(ctx, local.Symbol, MismatchGhost, local.Quantity, 0)
	}
	if err := r.mgr.MarkReconciled(ctx, local.ID); err != nil {
		r.log.Error().Err(err).Str("position_id", local.ID).Msg("Ghost close-out failed")
	}
}

// quantity adjusts local quantity to exchange truth, alerting when the
// drift is worth real money.
func (r *Reconciler) quantity(ctx context.Context, local *Position, info exchange.PositionInfo, exchangeQty float64) {
	metrics.RecordReconciliationMismatch(MismatchQuantity)
	deltaUSD := math.Abs(local.Quantity-exchangeQty) * info.MarkPrice
	r.log.Warn().
		Str("position_id", local.ID).
		Str("symbol", local.Symbol).
		Float64("local_qty", local.Quantity).
		Float64("exchange_qty", exchangeQty).
		Float64("delta_usd", deltaUSD).
		Msg("Quantity mismatch, exchange wins")

	if r.alerter != nil && deltaUSD > mismatchValueAlertUSD {
		r.alerter.ReconciliationMismatch(ctx, local.Symbol, MismatchQuantity, local.Quantity, exchangeQty)
	}
	if err := r.mgr.AdjustQuantity(ctx, local.ID, exchangeQty); err != nil {
		r.log.Error().Err(err).Str("position_id", local.ID).Msg("Quantity adjustment failed")
	}
}

// relativeDelta measures |local-remote| against the larger of the two
// quantities, so a shrunken exchange position registers the same as a
// grown one.
func relativeDelta(local, remote float64) float64 {
	base := math.Max(local, remote)
	if base == 0 {
		return 0
	}
	return math.Abs(local-remote) / base
}
