package store

import (
	"context"

	"perpcore/internal/position"
)

const upsertPositionSQL = `
INSERT INTO positions (
    id, symbol, side, state, quantity, entry_price, leverage,
    stop_loss_pct, stop_price, take_profit_pct, stop_order_id, stop_seq,
    entry_order_id, cycle_id, entry_fees, exit_fees, funding_paid,
    unrealized_pnl, realized_pnl, exit_price, close_reason, fail_reason,
    created_at, opened_at, closed_at, updated_at
) VALUES (
    $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
    $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26
)
ON CONFLICT (id) DO UPDATE SET
    state = EXCLUDED.state,
    quantity = EXCLUDED.quantity,
    entry_price = EXCLUDED.entry_price,
    stop_price = EXCLUDED.stop_price,
    stop_order_id = EXCLUDED.stop_order_id,
    stop_seq = EXCLUDED.stop_seq,
    entry_fees = EXCLUDED.entry_fees,
    exit_fees = EXCLUDED.exit_fees,
    funding_paid = EXCLUDED.funding_paid,
    unrealized_pnl = EXCLUDED.unrealized_pnl,
    realized_pnl = EXCLUDED.realized_pnl,
    exit_price = EXCLUDED.exit_price,
    close_reason = EXCLUDED.close_reason,
    fail_reason = EXCLUDED.fail_reason,
    opened_at = EXCLUDED.opened_at,
    closed_at = EXCLUDED.closed_at,
    updated_at = EXCLUDED.updated_at
`

const selectActivePositionsSQL = `
SELECT
    id, symbol, side, state, quantity, entry_price, leverage,
    stop_loss_pct, stop_price, take_profit_pct, stop_order_id, stop_seq,
    entry_order_id, cycle_id, entry_fees, exit_fees, funding_paid,
    unrealized_pnl, realized_pnl, exit_price, close_reason, fail_reason,
    created_at, opened_at, closed_at, updated_at
FROM positions
WHERE state IN ('opening', 'open', 'closing')
ORDER BY created_at
`

// SavePosition upserts one position record. Satisfies position.Store.
func (s *Store) SavePosition(ctx context.Context, p *position.Position) error {
	return s.do("save_position", func() error {
		_, err := s.pool.Exec(ctx, upsertPositionSQL,
			p.ID, p.Symbol, string(p.Side), string(p.State), p.Quantity,
			p.EntryPrice, p.Leverage, p.StopLossPct, p.StopPrice,
			p.TakeProfitPct, p.StopOrderID, p.StopSeq, p.EntryOrderID,
			p.CycleID, p.EntryFees, p.ExitFees, p.FundingPaid,
			p.UnrealizedPnL, p.RealizedPnL, p.ExitPrice, p.CloseReason,
			p.FailReason, p.CreatedAt, p.OpenedAt, p.ClosedAt, p.UpdatedAt,
		)
		return err
	})
}

// LoadActivePositions returns positions that were live at the last
// shutdown, so the monitors re-arm over them before trading resumes.
func (s *Store) LoadActivePositions(ctx context.Context) ([]*position.Position, error) {
	var out []*position.Position
	err := s.do("load_active_positions", func() error {
		rows, err := s.pool.Query(ctx, selectActivePositionsSQL)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var p position.Position
			var side, state string
			if err := rows.Scan(
				&p.ID, &p.Symbol, &side, &state, &p.Quantity,
				&p.EntryPrice, &p.Leverage, &p.StopLossPct, &p.StopPrice,
				&p.TakeProfitPct, &p.StopOrderID, &p.StopSeq, &p.EntryOrderID,
				&p.CycleID, &p.EntryFees, &p.ExitFees, &p.FundingPaid,
				&p.UnrealizedPnL, &p.RealizedPnL, &p.ExitPrice, &p.CloseReason,
				&p.FailReason, &p.CreatedAt, &p.OpenedAt, &p.ClosedAt, &p.UpdatedAt,
			); err != nil {
				return err
			}
			p.Side = position.Side(side)
			p.State = position.State(state)
			out = append(out, &p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
