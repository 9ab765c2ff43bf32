package position

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpcore/internal/alerts"
	"perpcore/internal/exchange"
)

func newTestMonitor(t *testing.T) (*exchange.PaperExchange, *Manager, *Monitor) {
	t.Helper()
	paper, mgr := newTestSetup(t)
	prices := func(symbol string) (float64, bool) {
		price, err := paper.FetchMarkPrice(context.Background(), symbol)
		return price, err == nil
	}
	mon := NewMonitor(mgr, paper, prices, nil, 0.15, zerolog.Nop())
	return paper, mgr, mon
}

func TestMonitorFinalizesExchangeStopFill(t *testing.T) {
	paper, mgr, mon := newTestMonitor(t)
	p := openTestPosition(t, mgr)

	// The move through the stop fills the exchange stop order.
	paper.SetMarkPrice("BTCUSDT", 48900)
	mon.Scan(context.Background())

	got, _ := mgr.Get(p.ID)
	assert.Equal(t, StateClosed, got.State)
	assert.Equal(t, CloseReasonStopL1, got.CloseReason)
	assert.InDelta(t, 48900, got.ExitPrice, 1e-9, "price gapped past the stop, so the fill is at the gapped print")
	assert.Negative(t, got.RealizedPnL)
}

func TestMonitorClosesAfterGraceWindow(t *testing.T) {
	paper, mgr, mon := newTestMonitor(t)
	ctx := context.Background()
	p := openTestPosition(t, mgr)

	// Simulate an exchange stop that never fires: cancel it behind the
	// manager's back, then breach the stop level.
	_, err := paper.CancelOrder(ctx, "BTCUSDT", p.StopOrderID)
	require.NoError(t, err)
	paper.SetMarkPrice("BTCUSDT", 48900)

	mon.Scan(ctx)
	got, _ := mgr.Get(p.ID)
	assert.Equal(t, StateOpen, got.State, "within the grace window the position is left to the exchange stop")

	// Age the breach past the grace window and make the check due again.
	mon.mu.Lock()
	mon.breachAt[p.ID] = time.Now().Add(-stopGraceWindow - time.Second)
	mon.lastCheck[p.ID] = time.Now().Add(-pollInterval - time.Second)
	mon.mu.Unlock()

	mon.Scan(ctx)
	got, _ = mgr.Get(p.ID)
	assert.Equal(t, StateClosed, got.State)
	assert.Equal(t, CloseReasonStopL2, got.CloseReason)
}

func TestMonitorEmergencyLiquidation(t *testing.T) {
	paper, mgr, mon := newTestMonitor(t)
	p := openTestPosition(t, mgr)

	// A 20% adverse move is past the 15% emergency threshold. The
	// emergency close wins even though the stop also fired on the way.
	paper.SetMarkPrice("BTCUSDT", 40000)
	mon.Scan(context.Background())

	got, _ := mgr.Get(p.ID)
	assert.True(t, got.State.Terminal())
	assert.Equal(t, CloseReasonEmergency, got.CloseReason)
}

func TestMonitorLeavesHealthyPositionsAlone(t *testing.T) {
	paper, mgr, mon := newTestMonitor(t)
	p := openTestPosition(t, mgr)

	paper.SetMarkPrice("BTCUSDT", 50500)
	mon.Scan(context.Background())

	got, _ := mgr.Get(p.ID)
	assert.Equal(t, StateOpen, got.State)
	assert.InDelta(t, 10, got.UnrealizedPnL, 1e-9, "the scan still refreshes unrealized P&L")
}

func TestMonitorThrottlesChecks(t *testing.T) {
	_, _, mon := newTestMonitor(t)
	p := &Position{ID: "p1", Side: SideLong, Quantity: 0.02, EntryPrice: 50000, Leverage: 10}

	now := time.Now()
	assert.True(t, mon.due(p, 50000, now))
	assert.False(t, mon.due(p, 50000, now.Add(2*time.Second)), "healthy positions are checked every 5s")
	assert.True(t, mon.due(p, 50000, now.Add(pollInterval+time.Second)))

	// Deep loss tightens the cadence to 1s.
	deepLoss := 50000 * (1 - fastPollLossFraction - 0.01)
	assert.False(t, mon.due(p, deepLoss, now.Add(pollInterval+time.Second+500*time.Millisecond)))
	assert.True(t, mon.due(p, deepLoss, now.Add(pollInterval+3*time.Second)))
}

func TestMonitorPrunesClosedPositions(t *testing.T) {
	paper, mgr, mon := newTestMonitor(t)
	p := openTestPosition(t, mgr)

	mon.Scan(context.Background())
	mon.mu.Lock()
	_, tracked := mon.lastCheck[p.ID]
	mon.mu.Unlock()
	assert.True(t, tracked)

	paper.SetMarkPrice("BTCUSDT", 51000)
	_, err := mgr.CloseMarket(context.Background(), p.ID, CloseReasonAdvisor)
	require.NoError(t, err)

	mon.Scan(context.Background())
	mon.mu.Lock()
	_, tracked = mon.lastCheck[p.ID]
	mon.mu.Unlock()
	assert.False(t, tracked)
}

type captureAlerter struct {
	mu   sync.Mutex
	sent []alerts.Alert
}

func (c *captureAlerter) Send(ctx context.Context, alert alerts.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, alert)
	return nil
}

func (c *captureAlerter) bySeverity(sev alerts.Severity) []alerts.Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []alerts.Alert
	for _, a := range c.sent {
		if a.Severity == sev {
			out = append(out, a)
		}
	}
	return out
}

func TestMonitorFlashCrashGapRaisesOneAlert(t *testing.T) {
	paper := exchange.NewPaperExchange(10000)
	paper.SetMarkPrice("BTCUSDT", 50000)
	sink := &captureAlerter{}
	mgr := NewManager(paper, nil, alerts.NewManager(sink), zerolog.Nop())
	prices := func(symbol string) (float64, bool) {
		price, err := paper.FetchMarkPrice(context.Background(), symbol)
		return price, err == nil
	}
	mon := NewMonitor(mgr, paper, prices, nil, 0.15, zerolog.Nop())

	p := openTestPosition(t, mgr)
	require.InDelta(t, 49000, p.StopPrice, 1e-9)

	// One tick gaps through the stop; the exchange stop fills at the
	// gapped print.
	paper.SetMarkPrice("BTCUSDT", 47000)
	mon.Scan(context.Background())

	got, _ := mgr.Get(p.ID)
	assert.Equal(t, StateClosed, got.State)
	assert.Equal(t, CloseReasonStopL1, got.CloseReason)
	assert.InDelta(t, 47000, got.ExitPrice, 1e-9)
	assert.InDelta(t, (47000-50000)*0.02-got.EntryFees-got.ExitFees, got.RealizedPnL, 1e-9)

	criticals := sink.bySeverity(alerts.SeverityCritical)
	require.Len(t, criticals, 1)
	assert.Equal(t, "flash_crash_slippage", criticals[0].Metadata["classification"])

	// A second scan must not double-close or re-alert.
	mon.Scan(context.Background())
	assert.Len(t, sink.bySeverity(alerts.SeverityCritical), 1)
}
