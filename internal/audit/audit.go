// Package audit records one decision row per (cycle, symbol): what the
// system saw, what the advisor said, what risk decided, and what
// execution did. Rows are flushed before the next cycle starts so the
// trail never lags live trading by more than one cycle.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"perpcore/internal/advisor"
	"perpcore/internal/risk"
	"perpcore/internal/store"
)

// Execution outcomes written into decision records.
const (
	OutcomeFilled  = "filled"
	OutcomePartial = "partial"
	OutcomeFailed  = "failed"
	OutcomeNone    = "none" // hold, rejection, or nothing to execute
)

// DecisionWriter persists assembled rows. *store.Store satisfies it.
type DecisionWriter interface {
	InsertDecision(ctx context.Context, row store.DecisionRow) error
}

// Recorder builds and flushes decision records. A nil writer degrades
// to logging only; trading never blocks on the audit trail.
type Recorder struct {
	writer DecisionWriter
	log    zerolog.Logger
}

func NewRecorder(writer DecisionWriter, log zerolog.Logger) *Recorder {
	return &Recorder{
		writer: writer,
		log:    log.With().Str("component", "audit").Logger(),
	}
}

// CycleRecord accumulates per-symbol rows for one cycle.
type CycleRecord struct {
	rec *Recorder

	mu        sync.Mutex
	cycleID   int64
	startedAt time.Time

	model            string
	promptVersion    string
	promptTokens     int
	completionTokens int
	costUSD          float64
	rawResponse      string
	rejections       []advisor.Rejection

	rows map[string]*store.DecisionRow
}

// Cycle opens the record for one cycle.
func (r *Recorder) Cycle(cycleID int64, startedAt time.Time) *CycleRecord {
	return &CycleRecord{
		rec:       r,
		cycleID:   cycleID,
		startedAt: startedAt,
		rows:      make(map[string]*store.DecisionRow),
	}
}

// Advice attaches the advisor output shared by every symbol this cycle.
func (c *CycleRecord) Advice(adv *advisor.Advice, promptVersion string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = adv.Model
	c.promptVersion = promptVersion
	c.promptTokens = adv.PromptTokens
	c.completionTokens = adv.CompletionTokens
	c.costUSD = adv.CostUSD
	c.rawResponse = adv.RawResponse
	c.rejections = adv.Rejections
}

// Observe opens the row for a symbol with its snapshot digest. Called
// once per evaluated symbol, before any decision lands.
func (c *CycleRecord) Observe(symbol, snapshotHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rowLocked(symbol).SnapshotHash = snapshotHash
}

// Signal records the validated advisor signal for a symbol.
func (c *CycleRecord) Signal(sig advisor.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	row := c.rowLocked(sig.Symbol)
	data, err := json.Marshal(sig)
	if err != nil {
		c.rec.log.Error().Err(err).Str("symbol", sig.Symbol).Msg("Failed to marshal signal")
		return
	}
	row.Signal = data
}

// RiskDecision records the risk outcome for a symbol.
func (c *CycleRecord) RiskDecision(symbol string, d risk.Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	row := c.rowLocked(symbol)
	row.RiskApproved = d.Approved
	row.RiskLayer = d.Layer
	row.RiskReason = d.Reason
}

// Execution records what the executor did for a symbol.
func (c *CycleRecord) Execution(symbol, outcome string, fillPrice, fillQty, slippagePct float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	row := c.rowLocked(symbol)
	row.ExecutionOutcome = outcome
	row.FillPrice = fillPrice
	row.FillQuantity = fillQty
	row.SlippagePct = slippagePct
}

// Flush writes every accumulated row. A failed write is logged and
// dropped; the next cycle must not wait on the database.
func (c *CycleRecord) Flush(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rejections := c.marshalRejectionsLocked()
	now := time.Now().UTC()

	for symbol, row := range c.rows {
		row.CycleID = c.cycleID
		row.Symbol = symbol
		row.CycleStartedAt = c.startedAt
		row.Model = c.model
		row.PromptVersion = c.promptVersion
		row.PromptTokens = c.promptTokens
		row.CompletionTokens = c.completionTokens
		row.CostUSD = c.costUSD
		row.RawResponse = c.rawResponse
		row.Rejections = rejections[symbol]
		if row.ExecutionOutcome == "" {
			row.ExecutionOutcome = OutcomeNone
		}
		row.RecordedAt = now

		if c.rec.writer == nil {
			continue
		}
		if err := c.rec.writer.InsertDecision(ctx, *row); err != nil {
			c.rec.log.Error().Err(err).
				Int64("cycle_id", c.cycleID).
				Str("symbol", symbol).
				Msg("Decision record dropped")
		}
	}
}

func (c *CycleRecord) rowLocked(symbol string) *store.DecisionRow {
	row, ok := c.rows[symbol]
	if !ok {
		row = &store.DecisionRow{}
		c.rows[symbol] = row
	}
	return row
}

// marshalRejectionsLocked groups schema rejections by symbol. Rejections
// with no symbol (whole-response problems) attach to every row.
func (c *CycleRecord) marshalRejectionsLocked() map[string][]byte {
	if len(c.rejections) == 0 {
		return nil
	}

	bySymbol := make(map[string][]advisor.Rejection)
	var global []advisor.Rejection
	for _, rej := range c.rejections {
		if rej.Symbol == "" {
			global = append(global, rej)
			continue
		}
		bySymbol[rej.Symbol] = append(bySymbol[rej.Symbol], rej)
	}

	out := make(map[string][]byte, len(c.rows))
	for symbol := range c.rows {
		list := append(append([]advisor.Rejection(nil), bySymbol[symbol]...), global...)
		if len(list) == 0 {
			continue
		}
		data, err := json.Marshal(list)
		if err != nil {
			c.rec.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to marshal rejections")
			continue
		}
		out[symbol] = data
	}
	return out
}
