package alerts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAlerter struct {
	sent []Alert
	err  error
}

func (r *recordingAlerter) Send(ctx context.Context, alert Alert) error {
	r.sent = append(r.sent, alert)
	return r.err
}

func TestManagerFansOutToAllChannels(t *testing.T) {
	a := &recordingAlerter{}
	b := &recordingAlerter{}
	m := NewManager(a, b)

	err := m.SendWarning(context.Background(), "High Exposure", "exposure above warn threshold", map[string]interface{}{
		"exposure_pct": 0.72,
	})
	require.NoError(t, err)

	require.Len(t, a.sent, 1)
	require.Len(t, b.sent, 1)
	assert.Equal(t, SeverityWarning, a.sent[0].Severity)
	assert.Equal(t, "High Exposure", a.sent[0].Title)
	assert.False(t, a.sent[0].Timestamp.IsZero())
}

func TestManagerContinuesPastFailingChannel(t *testing.T) {
	failing := &recordingAlerter{err: errors.New("telegram down")}
	healthy := &recordingAlerter{}
	m := NewManager(failing, healthy)

	err := m.SendCritical(context.Background(), "Stop-Loss Placement Failed", "placing stop failed", nil)
	assert.Error(t, err)

	// delivery to the healthy channel must not be suppressed
	require.Len(t, healthy.sent, 1)
	assert.Equal(t, SeverityCritical, healthy.sent[0].Severity)
}

func TestManagerPreservesExplicitTimestamp(t *testing.T) {
	a := &recordingAlerter{}
	m := NewManager(a)

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	err := m.Send(context.Background(), Alert{
		Title:     "Position Reconciliation Mismatch",
		Message:   "ghost position detected",
		Severity:  SeverityCritical,
		Timestamp: ts,
	})
	require.NoError(t, err)
	assert.Equal(t, ts, a.sent[0].Timestamp)
}

func TestOperationalAlertHelpers(t *testing.T) {
	a := &recordingAlerter{}
	m := NewManager(a)
	ctx := context.Background()

	require.NoError(t, m.StopLossPlacementFailed(ctx, "BTCUSDT", "pos-1", errors.New("rejected")))
	require.NoError(t, m.DailyLossBreakerTripped(ctx, 520.0, 500.0))
	require.NoError(t, m.AdvisorUnavailable(ctx, []string{"primary", "fallback"}))
	require.NoError(t, m.EmergencyLiquidation(ctx, "ETHUSDT", 0.16))

	require.Len(t, a.sent, 4)
	for _, alert := range a.sent {
		assert.Equal(t, SeverityCritical, alert.Severity, alert.Title)
	}
	assert.Equal(t, "BTCUSDT", a.sent[0].Metadata["symbol"])
	assert.Equal(t, 0.16, a.sent[3].Metadata["unrealized_loss_pct"])
}
