package position

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpcore/internal/exchange"
)

func newTestSetup(t *testing.T) (*exchange.PaperExchange, *Manager) {
	t.Helper()
	paper := exchange.NewPaperExchange(10000)
	paper.SetMarkPrice("BTCUSDT", 50000)
	return paper, NewManager(paper, nil, nil, zerolog.Nop())
}

func openTestPosition(t *testing.T, mgr *Manager) *Position {
	t.Helper()
	p, err := mgr.Create(context.Background(), OpenParams{
		Symbol:      "BTCUSDT",
		Side:        SideLong,
		Quantity:    0.02,
		Leverage:    10,
		StopLossPct: 0.02,
		CycleID:     1,
	})
	require.NoError(t, err)
	p, err = mgr.ConfirmFill(context.Background(), p.ID, 50000, 0.02, 0.4)
	require.NoError(t, err)
	return p
}

func TestCreateConfirmFillArmsStop(t *testing.T) {
	paper, mgr := newTestSetup(t)
	ctx := context.Background()

	p, err := mgr.Create(ctx, OpenParams{
		Symbol: "BTCUSDT", Side: SideLong, Quantity: 0.02, Leverage: 10, StopLossPct: 0.02,
	})
	require.NoError(t, err)
	assert.Equal(t, StateOpening, p.State)

	p, err = mgr.ConfirmFill(ctx, p.ID, 50000, 0.02, 0.4)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, p.State)
	assert.Equal(t, 50000.0, p.EntryPrice)
	assert.InDelta(t, 49000, p.StopPrice, 1e-9)
	require.NotEmpty(t, p.StopOrderID)

	stop, err := paper.FetchOrder(ctx, "BTCUSDT", p.StopOrderID)
	require.NoError(t, err)
	assert.Equal(t, exchange.OrderTypeStopMarket, stop.Type)
	assert.Equal(t, exchange.OrderSideSell, stop.Side)
	assert.Equal(t, exchange.OrderStatusOpen, stop.Status)
	assert.InDelta(t, 49000, stop.StopPrice, 1e-9)
	assert.Equal(t, 0.02, stop.Quantity)
}

func TestOneActivePositionPerSymbol(t *testing.T) {
	_, mgr := newTestSetup(t)
	openTestPosition(t, mgr)

	_, err := mgr.Create(context.Background(), OpenParams{
		Symbol: "BTCUSDT", Side: SideShort, Quantity: 0.01, Leverage: 10, StopLossPct: 0.02,
	})
	assert.Error(t, err)
}

func TestIllegalTransitionRefused(t *testing.T) {
	_, mgr := newTestSetup(t)
	p := openTestPosition(t, mgr)

	// A second fill confirmation attempts OPEN -> OPEN.
	_, err := mgr.ConfirmFill(context.Background(), p.ID, 50100, 0.02, 0.4)
	assert.Error(t, err)

	got, ok := mgr.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, StateOpen, got.State, "refused transition must not mutate state")
	assert.Equal(t, 50000.0, got.EntryPrice)
}

func TestFailAndRetry(t *testing.T) {
	_, mgr := newTestSetup(t)
	ctx := context.Background()

	p, err := mgr.Create(ctx, OpenParams{
		Symbol: "BTCUSDT", Side: SideLong, Quantity: 0.02, Leverage: 10, StopLossPct: 0.02,
	})
	require.NoError(t, err)

	require.NoError(t, mgr.Fail(ctx, p.ID, "order timeout"))
	got, _ := mgr.Get(p.ID)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, "order timeout", got.FailReason)
	_, active := mgr.Active("BTCUSDT")
	assert.False(t, active, "failed positions release the symbol")

	p, err = mgr.Retry(ctx, p.ID, "retry-order-1")
	require.NoError(t, err)
	assert.Equal(t, StateOpening, p.State)
	assert.Empty(t, p.FailReason)
}

func TestCloseMarketRealizesPnL(t *testing.T) {
	paper, mgr := newTestSetup(t)
	ctx := context.Background()
	p := openTestPosition(t, mgr)
	stopID := p.StopOrderID

	paper.SetMarkPrice("BTCUSDT", 51000)
	closed, err := mgr.CloseMarket(ctx, p.ID, CloseReasonAdvisor)
	require.NoError(t, err)

	assert.Equal(t, StateClosed, closed.State)
	assert.Equal(t, CloseReasonAdvisor, closed.CloseReason)
	// Sell fills just under mark due to simulated slippage.
	assert.InDelta(t, 51000, closed.ExitPrice, 51000*0.004)
	assert.Greater(t, closed.RealizedPnL, 15.0)
	require.NotNil(t, closed.ClosedAt)

	stop, err := paper.FetchOrder(ctx, "BTCUSDT", stopID)
	require.NoError(t, err)
	assert.Equal(t, exchange.OrderStatusCancelled, stop.Status, "closing cancels the stop")

	_, active := mgr.Active("BTCUSDT")
	assert.False(t, active)
	assert.Zero(t, mgr.OpenCount())
}

// stopRejectGateway refuses stop orders to exercise the unprotected
// position path.
type stopRejectGateway struct {
	*exchange.PaperExchange
}

func (g *stopRejectGateway) CreateOrder(ctx context.Context, req exchange.PlaceOrderRequest) (*exchange.Order, error) {
	if req.Type == exchange.OrderTypeStopMarket || req.Type == exchange.OrderTypeStopLimit {
		return nil, fmt.Errorf("stop placement refused")
	}
	return g.PaperExchange.CreateOrder(ctx, req)
}

func TestStopPlacementFailureClosesImmediately(t *testing.T) {
	paper := exchange.NewPaperExchange(10000)
	paper.SetMarkPrice("BTCUSDT", 50000)
	mgr := NewManager(&stopRejectGateway{paper}, nil, nil, zerolog.Nop())
	ctx := context.Background()

	p, err := mgr.Create(ctx, OpenParams{
		Symbol: "BTCUSDT", Side: SideLong, Quantity: 0.02, Leverage: 10, StopLossPct: 0.02,
	})
	require.NoError(t, err)

	p, err = mgr.ConfirmFill(ctx, p.ID, 50000, 0.02, 0.4)
	require.NoError(t, err)

	// Never left OPEN without protection: closed at market on the spot.
	assert.Equal(t, StateClosed, p.State)
	assert.Equal(t, CloseReasonStopFailed, p.CloseReason)
	_, active := mgr.Active("BTCUSDT")
	assert.False(t, active)
}

// slowFillGateway reports market orders as still working until released,
// simulating an exchange that takes a while to confirm a fill.
type slowFillGateway struct {
	*exchange.PaperExchange
	release chan struct{}
}

func (g *slowFillGateway) released() bool {
	select {
	case <-g.release:
		return true
	default:
		return false
	}
}

func (g *slowFillGateway) CreateOrder(ctx context.Context, req exchange.PlaceOrderRequest) (*exchange.Order, error) {
	order, err := g.PaperExchange.CreateOrder(ctx, req)
	if err != nil || req.Type != exchange.OrderTypeMarket || g.released() {
		return order, err
	}
	cp := *order
	cp.Status = exchange.OrderStatusOpen
	return &cp, nil
}

func (g *slowFillGateway) FetchOrder(ctx context.Context, symbol, cid string) (*exchange.Order, error) {
	order, err := g.PaperExchange.FetchOrder(ctx, symbol, cid)
	if err != nil || order.Type != exchange.OrderTypeMarket || g.released() {
		return order, err
	}
	cp := *order
	cp.Status = exchange.OrderStatusOpen
	return &cp, nil
}

func TestCloseFillWaitDoesNotBlockManager(t *testing.T) {
	paper := exchange.NewPaperExchange(10000)
	paper.SetMarkPrice("BTCUSDT", 50000)
	gw := &slowFillGateway{PaperExchange: paper, release: make(chan struct{})}
	mgr := NewManager(gw, nil, nil, zerolog.Nop())
	p := openTestPosition(t, mgr)

	settled := make(chan *Position, 1)
	go func() {
		got, err := mgr.CloseMarket(context.Background(), p.ID, CloseReasonAdvisor)
		if err == nil {
			settled <- got
		}
	}()

	require.Eventually(t, func() bool {
		got, ok := mgr.Get(p.ID)
		return ok && got.State == StateClosing
	}, time.Second, 5*time.Millisecond)

	// With the fill still pending, the manager must keep serving other
	// callers: price updates, lookups, counters.
	done := make(chan struct{})
	go func() {
		mgr.ApplyPrice("BTCUSDT", 50200)
		mgr.Get(p.ID)
		mgr.OpenCount()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("manager calls blocked while a close fill was pending")
	}

	close(gw.release)
	select {
	case got := <-settled:
		assert.Equal(t, StateClosed, got.State)
		assert.Equal(t, CloseReasonAdvisor, got.CloseReason)
		require.NotNil(t, got.ClosedAt)
	case <-time.After(3 * time.Second):
		t.Fatal("close did not settle after the fill confirmation")
	}
}

func TestAdoptOrphan(t *testing.T) {
	paper, mgr := newTestSetup(t)
	ctx := context.Background()
	paper.SetMarkPrice("ETHUSDT", 3000)

	p, err := mgr.Adopt(ctx, exchange.PositionInfo{
		Symbol:      "ETHUSDT",
		PositionAmt: -0.5,
		EntryPrice:  3000,
		Leverage:    10,
	}, 0.05)
	require.NoError(t, err)

	assert.Equal(t, StateOpen, p.State)
	assert.Equal(t, SideShort, p.Side)
	assert.Equal(t, 0.5, p.Quantity)
	assert.InDelta(t, 3150, p.StopPrice, 1e-9)
	require.NotEmpty(t, p.StopOrderID)

	stop, err := paper.FetchOrder(ctx, "ETHUSDT", p.StopOrderID)
	require.NoError(t, err)
	assert.Equal(t, exchange.OrderSideBuy, stop.Side, "short positions stop out with a buy")
}

func TestAdjustQuantityReArmsStop(t *testing.T) {
	paper, mgr := newTestSetup(t)
	ctx := context.Background()
	p := openTestPosition(t, mgr)
	oldStopID := p.StopOrderID

	require.NoError(t, mgr.AdjustQuantity(ctx, p.ID, 0.03))

	got, _ := mgr.Get(p.ID)
	assert.Equal(t, 0.03, got.Quantity)
	assert.NotEqual(t, oldStopID, got.StopOrderID)

	oldStop, err := paper.FetchOrder(ctx, "BTCUSDT", oldStopID)
	require.NoError(t, err)
	assert.Equal(t, exchange.OrderStatusCancelled, oldStop.Status)

	newStop, err := paper.FetchOrder(ctx, "BTCUSDT", got.StopOrderID)
	require.NoError(t, err)
	assert.Equal(t, 0.03, newStop.Quantity)
	assert.Equal(t, exchange.OrderStatusOpen, newStop.Status)
}

func TestMarkReconciled(t *testing.T) {
	_, mgr := newTestSetup(t)
	p := openTestPosition(t, mgr)

	require.NoError(t, mgr.MarkReconciled(context.Background(), p.ID))
	got, _ := mgr.Get(p.ID)
	assert.Equal(t, StateClosedReconciled, got.State)
	assert.Zero(t, got.RealizedPnL, "no exit price is known")
	assert.Zero(t, mgr.OpenCount())
}

func TestApplyPriceUpdatesUnrealized(t *testing.T) {
	_, mgr := newTestSetup(t)
	p := openTestPosition(t, mgr)

	mgr.ApplyPrice("BTCUSDT", 50500)
	got, _ := mgr.Get(p.ID)
	assert.InDelta(t, 10, got.UnrealizedPnL, 1e-9)
	assert.InDelta(t, 10, mgr.TotalUnrealized(), 1e-9)

	mgr.ApplyPrice("ETHUSDT", 3000) // no position, no effect
	assert.InDelta(t, 10, mgr.TotalUnrealized(), 1e-9)
}

func TestOpenNotionalAndCount(t *testing.T) {
	paper, mgr := newTestSetup(t)
	openTestPosition(t, mgr)

	paper.SetMarkPrice("ETHUSDT", 3000)
	_, err := mgr.Adopt(context.Background(), exchange.PositionInfo{
		Symbol: "ETHUSDT", PositionAmt: 1, EntryPrice: 3000, Leverage: 10,
	}, 0.05)
	require.NoError(t, err)

	assert.Equal(t, 2, mgr.OpenCount())
	assert.InDelta(t, 1000+3000, mgr.OpenNotional(), 1e-6)
}

func TestAddFundingFlowsIntoRealized(t *testing.T) {
	paper, mgr := newTestSetup(t)
	ctx := context.Background()
	p := openTestPosition(t, mgr)

	require.NoError(t, mgr.AddFunding(p.ID, 0.25))
	paper.SetMarkPrice("BTCUSDT", 51000)
	closed, err := mgr.CloseMarket(ctx, p.ID, CloseReasonAdvisor)
	require.NoError(t, err)

	gross := closed.PnLAt(closed.ExitPrice)
	assert.InDelta(t, gross-closed.EntryFees-closed.ExitFees-0.25, closed.RealizedPnL, 1e-9)
}

func TestRealizedPnLToday(t *testing.T) {
	paper, mgr := newTestSetup(t)
	ctx := context.Background()

	p := openTestPosition(t, mgr)
	paper.SetMarkPrice("BTCUSDT", 51000)
	closed, err := mgr.CloseMarket(ctx, p.ID, CloseReasonAdvisor)
	require.NoError(t, err)
	require.NotZero(t, closed.RealizedPnL)

	now := time.Now().UTC()
	assert.InDelta(t, closed.RealizedPnL, mgr.RealizedPnLToday(now), 1e-9)

	// A close from a previous UTC day does not count.
	assert.Zero(t, mgr.RealizedPnLToday(now.Add(48*time.Hour)))
}
