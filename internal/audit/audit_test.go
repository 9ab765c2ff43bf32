package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpcore/internal/advisor"
	"perpcore/internal/risk"
	"perpcore/internal/store"
)

type captureWriter struct {
	rows []store.DecisionRow
	err  error
}

func (w *captureWriter) InsertDecision(_ context.Context, row store.DecisionRow) error {
	if w.err != nil {
		return w.err
	}
	w.rows = append(w.rows, row)
	return nil
}

func testAdvice() *advisor.Advice {
	return &advisor.Advice{
		Model:            "primary",
		Signals:          nil,
		RawResponse:      `{"decisions":[]}`,
		PromptTokens:     1200,
		CompletionTokens: 300,
		CostUSD:          0.0045,
	}
}

func TestCycleRecordAssemblesFullRow(t *testing.T) {
	w := &captureWriter{}
	rec := NewRecorder(w, zerolog.Nop())

	started := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	cr := rec.Cycle(42, started)
	cr.Advice(testAdvice(), "v1")

	sig := advisor.Signal{
		Symbol:      "BTCUSDT",
		Action:      advisor.ActionBuyToEnter,
		Confidence:  0.72,
		RiskUSD:     100,
		Leverage:    10,
		StopLossPct: 0.02,
	}
	cr.Observe("BTCUSDT", "abc123")
	cr.Signal(sig)
	cr.RiskDecision("BTCUSDT", risk.Decision{Approved: true})
	cr.Execution("BTCUSDT", OutcomeFilled, 50012.5, 0.02, 0.00025)

	cr.Flush(context.Background())

	require.Len(t, w.rows, 1)
	row := w.rows[0]
	assert.Equal(t, int64(42), row.CycleID)
	assert.Equal(t, "BTCUSDT", row.Symbol)
	assert.Equal(t, started, row.CycleStartedAt)
	assert.Equal(t, "abc123", row.SnapshotHash)
	assert.Equal(t, "primary", row.Model)
	assert.Equal(t, "v1", row.PromptVersion)
	assert.Equal(t, 1200, row.PromptTokens)
	assert.Equal(t, 0.0045, row.CostUSD)
	assert.True(t, row.RiskApproved)
	assert.Equal(t, OutcomeFilled, row.ExecutionOutcome)
	assert.Equal(t, 50012.5, row.FillPrice)
	assert.False(t, row.RecordedAt.IsZero())

	var got advisor.Signal
	require.NoError(t, json.Unmarshal(row.Signal, &got))
	assert.Equal(t, sig, got)
}

func TestRejectedSymbolGetsNoneOutcome(t *testing.T) {
	w := &captureWriter{}
	rec := NewRecorder(w, zerolog.Nop())

	cr := rec.Cycle(7, time.Now().UTC())
	cr.Observe("ETHUSDT", "def456")
	cr.RiskDecision("ETHUSDT", risk.Decision{
		Layer:  risk.LayerConfidence,
		Reason: "confidence 0.50 below entry threshold 0.60",
	})

	cr.Flush(context.Background())

	require.Len(t, w.rows, 1)
	row := w.rows[0]
	assert.False(t, row.RiskApproved)
	assert.Equal(t, risk.LayerConfidence, row.RiskLayer)
	assert.Equal(t, OutcomeNone, row.ExecutionOutcome)
	assert.Nil(t, row.Signal)
}

func TestRejectionsGroupedBySymbol(t *testing.T) {
	w := &captureWriter{}
	rec := NewRecorder(w, zerolog.Nop())

	adv := testAdvice()
	adv.Rejections = []advisor.Rejection{
		{Symbol: "BTCUSDT", Field: "leverage", Reason: "above maximum"},
		{Symbol: "SOLUSDT", Field: "action", Reason: "unknown action"},
		{Field: "decisions", Reason: "truncated array"},
	}

	cr := rec.Cycle(9, time.Now().UTC())
	cr.Advice(adv, "v1")
	cr.Observe("BTCUSDT", "h1")
	cr.Observe("ETHUSDT", "h2")
	cr.Flush(context.Background())

	require.Len(t, w.rows, 2)
	byms := map[string]store.DecisionRow{}
	for _, row := range w.rows {
		byms[row.Symbol] = row
	}

	var btc []advisor.Rejection
	require.NoError(t, json.Unmarshal(byms["BTCUSDT"].Rejections, &btc))
	require.Len(t, btc, 2)
	assert.Equal(t, "leverage", btc[0].Field)
	assert.Equal(t, "truncated array", btc[1].Reason)

	// ETHUSDT had no symbol-specific rejection, only the global one.
	var eth []advisor.Rejection
	require.NoError(t, json.Unmarshal(byms["ETHUSDT"].Rejections, &eth))
	require.Len(t, eth, 1)
	assert.Equal(t, "truncated array", eth[0].Reason)
}

func TestFlushSurvivesWriterFailure(t *testing.T) {
	w := &captureWriter{err: fmt.Errorf("database down")}
	rec := NewRecorder(w, zerolog.Nop())

	cr := rec.Cycle(1, time.Now().UTC())
	cr.Observe("BTCUSDT", "h1")

	// Must not panic or block; the row is logged and dropped.
	cr.Flush(context.Background())
	assert.Empty(t, w.rows)
}

func TestNilWriterDegradesToLogging(t *testing.T) {
	rec := NewRecorder(nil, zerolog.Nop())
	cr := rec.Cycle(1, time.Now().UTC())
	cr.Observe("BTCUSDT", "h1")
	cr.Flush(context.Background())
}
