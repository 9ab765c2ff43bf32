package exchange

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPaper() *PaperExchange {
	p := NewPaperExchangeWithFees(10000, FeeModel{
		Taker:        0.0004,
		Maker:        0.0002,
		BaseSlippage: 0, // deterministic fills for assertions
		MarketImpact: 0,
		MaxSlippage:  0,
	})
	p.SetMarkPrice("BTCUSDT", 50000)
	return p
}

func TestPaperMarketOrderFillsImmediately(t *testing.T) {
	p := newTestPaper()

	order, err := p.CreateOrder(context.Background(), PlaceOrderRequest{
		ClientOrderID: "cid-1",
		Symbol:        "BTCUSDT",
		Side:          OrderSideBuy,
		Type:          OrderTypeMarket,
		Quantity:      0.02,
	})
	require.NoError(t, err)

	assert.Equal(t, OrderStatusFilled, order.Status)
	assert.Equal(t, 0.02, order.FilledQty)
	assert.Equal(t, 50000.0, order.AvgFillPrice)
	assert.Greater(t, order.Fees, 0.0)
	require.NotNil(t, order.FilledAt)

	positions, err := p.FetchPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 0.02, positions[0].PositionAmt)
	assert.Equal(t, 50000.0, positions[0].EntryPrice)
}

func TestPaperIdempotentReplayReturnsPriorOrder(t *testing.T) {
	p := newTestPaper()
	ctx := context.Background()

	req := PlaceOrderRequest{
		ClientOrderID: "cid-replay",
		Symbol:        "BTCUSDT",
		Side:          OrderSideBuy,
		Type:          OrderTypeMarket,
		Quantity:      0.01,
	}

	first, err := p.CreateOrder(ctx, req)
	require.NoError(t, err)

	second, err := p.CreateOrder(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ExchangeOrderID, second.ExchangeOrderID)
	assert.Equal(t, first.FilledQty, second.FilledQty)

	// create + create = create: still exactly one position of 0.01
	positions, err := p.FetchPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, 0.01, positions[0].PositionAmt)
}

func TestPaperScriptedPartialFill(t *testing.T) {
	p := newTestPaper()
	ctx := context.Background()

	p.SetNextFillRatio("BTCUSDT", 0.7)

	order, err := p.CreateOrder(ctx, PlaceOrderRequest{
		ClientOrderID: "cid-partial",
		Symbol:        "BTCUSDT",
		Side:          OrderSideBuy,
		Type:          OrderTypeMarket,
		Quantity:      1.0,
	})
	require.NoError(t, err)

	assert.Equal(t, OrderStatusOpen, order.Status)
	assert.InDelta(t, 0.7, order.FilledQty, 1e-9)

	cancelled, err := p.CancelOrder(ctx, "BTCUSDT", "cid-partial")
	require.NoError(t, err)
	assert.Equal(t, OrderStatusCancelled, cancelled.Status)
	assert.InDelta(t, 0.7, cancelled.FilledQty, 1e-9)
}

func TestPaperStopMarketTriggersOnCross(t *testing.T) {
	p := newTestPaper()
	ctx := context.Background()

	// Long 0.1 BTC, protective sell stop at 49000.
	_, err := p.CreateOrder(ctx, PlaceOrderRequest{
		ClientOrderID: "cid-entry",
		Symbol:        "BTCUSDT",
		Side:          OrderSideBuy,
		Type:          OrderTypeMarket,
		Quantity:      0.1,
	})
	require.NoError(t, err)

	stop, err := p.CreateOrder(ctx, PlaceOrderRequest{
		ClientOrderID: "cid-stop",
		Symbol:        "BTCUSDT",
		Side:          OrderSideSell,
		Type:          OrderTypeStopMarket,
		Quantity:      0.1,
		StopPrice:     49000,
		ReduceOnly:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, OrderStatusOpen, stop.Status)

	// Above the stop nothing happens.
	p.SetMarkPrice("BTCUSDT", 49500)
	stop, err = p.FetchOrder(ctx, "BTCUSDT", "cid-stop")
	require.NoError(t, err)
	assert.Equal(t, OrderStatusOpen, stop.Status)

	// Gap through the stop: fill at the gapped price, position closed.
	p.SetMarkPrice("BTCUSDT", 47000)
	stop, err = p.FetchOrder(ctx, "BTCUSDT", "cid-stop")
	require.NoError(t, err)
	assert.Equal(t, OrderStatusFilled, stop.Status)
	assert.Equal(t, 47000.0, stop.AvgFillPrice)

	positions, err := p.FetchPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestPaperRealizedPnLOnClose(t *testing.T) {
	p := newTestPaper()
	ctx := context.Background()

	_, err := p.CreateOrder(ctx, PlaceOrderRequest{
		ClientOrderID: "cid-open",
		Symbol:        "BTCUSDT",
		Side:          OrderSideBuy,
		Type:          OrderTypeMarket,
		Quantity:      0.1,
	})
	require.NoError(t, err)

	p.SetMarkPrice("BTCUSDT", 51000)

	_, err = p.CreateOrder(ctx, PlaceOrderRequest{
		ClientOrderID: "cid-close",
		Symbol:        "BTCUSDT",
		Side:          OrderSideSell,
		Type:          OrderTypeMarket,
		Quantity:      0.1,
		ReduceOnly:    true,
	})
	require.NoError(t, err)

	acct, err := p.FetchAccount(ctx)
	require.NoError(t, err)
	// +100 on the move, minus entry and exit taker fees
	assert.InDelta(t, 10000+100-0.1*50000*0.0004-0.1*51000*0.0004, acct.Balance, 0.01)
	assert.Zero(t, acct.UnrealizedPnL)
}

func TestPaperRejectsInvalidRequests(t *testing.T) {
	p := newTestPaper()
	ctx := context.Background()

	order, err := p.CreateOrder(ctx, PlaceOrderRequest{
		ClientOrderID: "cid-bad",
		Symbol:        "BTCUSDT",
		Side:          OrderSideBuy,
		Type:          OrderTypeMarket,
		Quantity:      -1,
	})
	require.NoError(t, err)
	assert.Equal(t, OrderStatusRejected, order.Status)
	assert.NotEmpty(t, order.RejectReason)

	// No market price for the symbol also rejects.
	order, err = p.CreateOrder(ctx, PlaceOrderRequest{
		ClientOrderID: "cid-noprice",
		Symbol:        "ETHUSDT",
		Side:          OrderSideBuy,
		Type:          OrderTypeMarket,
		Quantity:      1,
	})
	require.NoError(t, err)
	assert.Equal(t, OrderStatusRejected, order.Status)
}

func TestPaperAccountMarginReflectsOpenPositions(t *testing.T) {
	p := newTestPaper()
	ctx := context.Background()

	before, err := p.FetchAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10000.0, before.Balance)
	assert.Equal(t, before.Balance, before.AvailableMargin)

	_, err = p.CreateOrder(ctx, PlaceOrderRequest{
		ClientOrderID: "cid-margin",
		Symbol:        "BTCUSDT",
		Side:          OrderSideBuy,
		Type:          OrderTypeMarket,
		Quantity:      0.1,
	})
	require.NoError(t, err)

	after, err := p.FetchAccount(ctx)
	require.NoError(t, err)
	assert.Less(t, after.AvailableMargin, after.Balance)
}
