package store

import (
	"context"
	"time"
)

// DecisionRow is one appended audit entry: everything the system knew
// and did for a symbol in one cycle. Keyed (cycle_id, symbol); replays
// of the same key are ignored, never updated.
type DecisionRow struct {
	CycleID          int64
	Symbol           string
	CycleStartedAt   time.Time
	SnapshotHash     string
	Model            string
	PromptVersion    string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	RawResponse      string
	Signal           []byte // JSON, nil when the advisor returned nothing usable
	Rejections       []byte // JSON array of schema rejections
	RiskApproved     bool
	RiskLayer        string
	RiskReason       string
	ExecutionOutcome string
	FillPrice        float64
	FillQuantity     float64
	SlippagePct      float64
	RecordedAt       time.Time
}

const insertDecisionSQL = `
INSERT INTO decision_records (
    cycle_id, symbol, cycle_started_at, snapshot_hash, model,
    prompt_version, prompt_tokens, completion_tokens, cost_usd,
    raw_response, signal, rejections, risk_approved, risk_layer,
    risk_reason, execution_outcome, fill_price, fill_quantity,
    slippage_pct, recorded_at
) VALUES (
    $1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
    $11, $12, $13, $14, $15, $16, $17, $18, $19, $20
)
ON CONFLICT (cycle_id, symbol) DO NOTHING
`

// InsertDecision appends one decision record.
func (s *Store) InsertDecision(ctx context.Context, row DecisionRow) error {
	return s.do("insert_decision", func() error {
		_, err := s.pool.Exec(ctx, insertDecisionSQL,
			row.CycleID, row.Symbol, row.CycleStartedAt, row.SnapshotHash,
			row.Model, row.PromptVersion, row.PromptTokens,
			row.CompletionTokens, row.CostUSD, row.RawResponse, row.Signal,
			row.Rejections, row.RiskApproved, row.RiskLayer, row.RiskReason,
			row.ExecutionOutcome, row.FillPrice, row.FillQuantity,
			row.SlippagePct, row.RecordedAt,
		)
		return err
	})
}
