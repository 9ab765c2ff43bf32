package store

import "context"

// schema is applied idempotently at startup. Decision records are
// append-only; positions are upserted by id.
const schema = `
CREATE TABLE IF NOT EXISTS positions (
    id              UUID PRIMARY KEY,
    symbol          TEXT NOT NULL,
    side            TEXT NOT NULL,
    state           TEXT NOT NULL,
    quantity        DOUBLE PRECISION NOT NULL,
    entry_price     DOUBLE PRECISION NOT NULL DEFAULT 0,
    leverage        INTEGER NOT NULL DEFAULT 0,
    stop_loss_pct   DOUBLE PRECISION NOT NULL DEFAULT 0,
    stop_price      DOUBLE PRECISION NOT NULL DEFAULT 0,
    take_profit_pct DOUBLE PRECISION,
    stop_order_id   TEXT NOT NULL DEFAULT '',
    stop_seq        INTEGER NOT NULL DEFAULT 0,
    entry_order_id  TEXT NOT NULL DEFAULT '',
    cycle_id        BIGINT NOT NULL DEFAULT 0,
    entry_fees      DOUBLE PRECISION NOT NULL DEFAULT 0,
    exit_fees       DOUBLE PRECISION NOT NULL DEFAULT 0,
    funding_paid    DOUBLE PRECISION NOT NULL DEFAULT 0,
    unrealized_pnl  DOUBLE PRECISION NOT NULL DEFAULT 0,
    realized_pnl    DOUBLE PRECISION NOT NULL DEFAULT 0,
    exit_price      DOUBLE PRECISION NOT NULL DEFAULT 0,
    close_reason    TEXT NOT NULL DEFAULT '',
    fail_reason     TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL,
    opened_at       TIMESTAMPTZ,
    closed_at       TIMESTAMPTZ,
    updated_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_positions_symbol_state ON positions (symbol, state);

CREATE TABLE IF NOT EXISTS decision_records (
    cycle_id          BIGINT NOT NULL,
    symbol            TEXT NOT NULL,
    cycle_started_at  TIMESTAMPTZ NOT NULL,
    snapshot_hash     TEXT NOT NULL,
    model             TEXT NOT NULL,
    prompt_version    TEXT NOT NULL,
    prompt_tokens     INTEGER NOT NULL DEFAULT 0,
    completion_tokens INTEGER NOT NULL DEFAULT 0,
    cost_usd          DOUBLE PRECISION NOT NULL DEFAULT 0,
    raw_response      TEXT NOT NULL DEFAULT '',
    signal            JSONB,
    rejections        JSONB,
    risk_approved     BOOLEAN NOT NULL DEFAULT FALSE,
    risk_layer        TEXT NOT NULL DEFAULT '',
    risk_reason       TEXT NOT NULL DEFAULT '',
    execution_outcome TEXT NOT NULL DEFAULT '',
    fill_price        DOUBLE PRECISION NOT NULL DEFAULT 0,
    fill_quantity     DOUBLE PRECISION NOT NULL DEFAULT 0,
    slippage_pct      DOUBLE PRECISION NOT NULL DEFAULT 0,
    recorded_at       TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (cycle_id, symbol)
);

CREATE INDEX IF NOT EXISTS idx_decision_records_symbol ON decision_records (symbol, recorded_at);

CREATE TABLE IF NOT EXISTS daily_counters (
    day              DATE PRIMARY KEY,
    realized_pnl_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
    advisor_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
    cycles_completed BIGINT NOT NULL DEFAULT 0,
    orders_submitted BIGINT NOT NULL DEFAULT 0,
    updated_at       TIMESTAMPTZ NOT NULL
);
`

// Migrate applies the schema.
func (s *Store) Migrate(ctx context.Context) error {
	return s.do("migrate", func() error {
		_, err := s.pool.Exec(ctx, schema)
		return err
	})
}
