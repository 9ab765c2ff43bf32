package store

import (
	"context"
	"time"
)

// DailyDelta is one additive update to the UTC day's counters.
type DailyDelta struct {
	RealizedPnLUSD  float64
	AdvisorCostUSD  float64
	CyclesCompleted int64
	OrdersSubmitted int64
}

// DailyCounters is the accumulated row for one UTC day.
type DailyCounters struct {
	Day             time.Time
	RealizedPnLUSD  float64
	AdvisorCostUSD  float64
	CyclesCompleted int64
	OrdersSubmitted int64
}

const upsertCountersSQL = `
INSERT INTO daily_counters (
    day, realized_pnl_usd, advisor_cost_usd, cycles_completed,
    orders_submitted, updated_at
) VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (day) DO UPDATE SET
    realized_pnl_usd = daily_counters.realized_pnl_usd + EXCLUDED.realized_pnl_usd,
    advisor_cost_usd = daily_counters.advisor_cost_usd + EXCLUDED.advisor_cost_usd,
    cycles_completed = daily_counters.cycles_completed + EXCLUDED.cycles_completed,
    orders_submitted = daily_counters.orders_submitted + EXCLUDED.orders_submitted,
    updated_at = EXCLUDED.updated_at
`

const selectCountersSQL = `
SELECT day, realized_pnl_usd, advisor_cost_usd, cycles_completed, orders_submitted
FROM daily_counters
WHERE day = $1
`

// AddDailyCounters folds a delta into the day's row. The day key is
// the UTC date; counters reset by rolling onto a fresh row at midnight.
func (s *Store) AddDailyCounters(ctx context.Context, day time.Time, delta DailyDelta) error {
	return s.do("add_daily_counters", func() error {
		_, err := s.pool.Exec(ctx, upsertCountersSQL,
			utcDate(day), delta.RealizedPnLUSD, delta.AdvisorCostUSD,
			delta.CyclesCompleted, delta.OrdersSubmitted, time.Now().UTC(),
		)
		return err
	})
}

// GetDailyCounters returns the row for the given UTC day, zero-valued
// when none exists yet.
func (s *Store) GetDailyCounters(ctx context.Context, day time.Time) (*DailyCounters, error) {
	out := &DailyCounters{Day: utcDate(day)}
	err := s.do("get_daily_counters", func() error {
		rows, err := s.pool.Query(ctx, selectCountersSQL, utcDate(day))
		if err != nil {
			return err
		}
		defer rows.Close()

		if rows.Next() {
			if err := rows.Scan(&out.Day, &out.RealizedPnLUSD, &out.AdvisorCostUSD,
				&out.CyclesCompleted, &out.OrdersSubmitted); err != nil {
				return err
			}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func utcDate(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
