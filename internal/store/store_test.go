package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpcore/internal/position"
)

// anyArgs returns n pgxmock.AnyArg matchers; pgxmock requires the
// expected argument count to match exactly.
func anyArgs(n int) []interface{} {
	out := make([]interface{}, n)
	for i := range out {
		out[i] = pgxmock.AnyArg()
	}
	return out
}

func newTestStore(t *testing.T) (pgxmock.PgxPoolIface, *Store) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewWithPool(mock, zerolog.Nop())
}

func testPosition() *position.Position {
	now := time.Now().UTC()
	return &position.Position{
		ID:          "f3b4c6ae-9a1d-4f2e-8f60-1c2c4c9aa111",
		Symbol:      "BTCUSDT",
		Side:        position.SideLong,
		State:       position.StateOpen,
		Quantity:    0.02,
		EntryPrice:  50000,
		Leverage:    10,
		StopLossPct: 0.02,
		StopPrice:   49000,
		StopOrderID: "stop-f3b4c6ae-1",
		StopSeq:     1,
		CycleID:     7,
		EntryFees:   0.4,
		CreatedAt:   now,
		OpenedAt:    &now,
		UpdatedAt:   now,
	}
}

func TestMigrate(t *testing.T) {
	mock, s := newTestStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS positions").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePosition(t *testing.T) {
	mock, s := newTestStore(t)
	mock.ExpectExec("INSERT INTO positions").
		WithArgs(anyArgs(26)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SavePosition(context.Background(), testPosition()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePositionPropagatesError(t *testing.T) {
	mock, s := newTestStore(t)
	mock.ExpectExec("INSERT INTO positions").
		WillReturnError(fmt.Errorf("connection refused"))

	err := s.SavePosition(context.Background(), testPosition())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save_position")
}

func TestLoadActivePositions(t *testing.T) {
	mock, s := newTestStore(t)
	p := testPosition()

	rows := pgxmock.NewRows([]string{
		"id", "symbol", "side", "state", "quantity", "entry_price", "leverage",
		"stop_loss_pct", "stop_price", "take_profit_pct", "stop_order_id", "stop_seq",
		"entry_order_id", "cycle_id", "entry_fees", "exit_fees", "funding_paid",
		"unrealized_pnl", "realized_pnl", "exit_price", "close_reason", "fail_reason",
		"created_at", "opened_at", "closed_at", "updated_at",
	}).AddRow(
		p.ID, p.Symbol, string(p.Side), string(p.State), p.Quantity, p.EntryPrice, p.Leverage,
		p.StopLossPct, p.StopPrice, (*float64)(nil), p.StopOrderID, p.StopSeq,
		p.EntryOrderID, p.CycleID, p.EntryFees, p.ExitFees, p.FundingPaid,
		p.UnrealizedPnL, p.RealizedPnL, p.ExitPrice, p.CloseReason, p.FailReason,
		p.CreatedAt, p.OpenedAt, (*time.Time)(nil), p.UpdatedAt,
	)
	mock.ExpectQuery("SELECT(.+)FROM positions").WillReturnRows(rows)

	got, err := s.LoadActivePositions(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, p.ID, got[0].ID)
	assert.Equal(t, position.SideLong, got[0].Side)
	assert.Equal(t, position.StateOpen, got[0].State)
	assert.Equal(t, 0.02, got[0].Quantity)
	assert.Equal(t, "stop-f3b4c6ae-1", got[0].StopOrderID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertDecisionAppendOnly(t *testing.T) {
	mock, s := newTestStore(t)
	row := DecisionRow{
		CycleID:        42,
		Symbol:         "BTCUSDT",
		CycleStartedAt: time.Now().UTC(),
		SnapshotHash:   "abc123",
		Model:          "primary",
		PromptVersion:  "v1",
		RiskApproved:   true,
		RecordedAt:     time.Now().UTC(),
	}

	// A replay of the same (cycle_id, symbol) affects zero rows and is
	// not an error.
	mock.ExpectExec("INSERT INTO decision_records").
		WithArgs(anyArgs(20)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO decision_records").
		WithArgs(anyArgs(20)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	require.NoError(t, s.InsertDecision(context.Background(), row))
	require.NoError(t, s.InsertDecision(context.Background(), row))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddDailyCounters(t *testing.T) {
	mock, s := newTestStore(t)
	mock.ExpectExec("INSERT INTO daily_counters").
		WithArgs(anyArgs(6)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.AddDailyCounters(context.Background(), time.Now(), DailyDelta{
		RealizedPnLUSD:  -42.5,
		CyclesCompleted: 1,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDailyCountersMissingRowIsZero(t *testing.T) {
	mock, s := newTestStore(t)
	mock.ExpectQuery("SELECT(.+)FROM daily_counters").
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{
			"day", "realized_pnl_usd", "advisor_cost_usd", "cycles_completed", "orders_submitted",
		}))

	got, err := s.GetDailyCounters(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, got.RealizedPnLUSD)
	assert.Zero(t, got.CyclesCompleted)
}

func TestUTCDate(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	// 03:00 on the 2nd in UTC+9 is still the 1st in UTC.
	local := time.Date(2026, 3, 2, 3, 0, 0, 0, loc)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), utcDate(local))
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	mock, s := newTestStore(t)
	boom := fmt.Errorf("database down")
	for i := 0; i < breakerMinRequests; i++ {
		mock.ExpectExec("INSERT INTO decision_records").WithArgs(anyArgs(20)...).WillReturnError(boom)
	}

	ctx := context.Background()
	row := DecisionRow{CycleID: 1, Symbol: "BTCUSDT"}
	for i := 0; i < breakerMinRequests; i++ {
		err := s.InsertDecision(ctx, row)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrUnavailable, "real errors pass through while closed")
	}

	// The breaker is open now; the pool is never touched again.
	err := s.InsertDecision(ctx, row)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}
