package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpcore/internal/alerts"
	"perpcore/internal/config"
	"perpcore/internal/position"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) (*server.Server, string) {
	t.Helper()
	opts := &server.Options{
		Port: -1, // Random port
	}
	ns, err := server.NewServer(opts)
	require.NoError(t, err)
	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(ns.Shutdown)

	return ns, ns.ClientURL()
}

func newTestPublisher(t *testing.T) (*Publisher, *nats.Conn) {
	t.Helper()
	_, url := startTestNATSServer(t)

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	return NewWithConn(nc, zerolog.Nop()), nc
}

// collect subscribes to a subject and returns a getter for received payloads.
func collect(t *testing.T, nc *nats.Conn, subject string) func() [][]byte {
	t.Helper()
	var mu sync.Mutex
	var got [][]byte

	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		mu.Lock()
		got = append(got, msg.Data)
		mu.Unlock()
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	return func() [][]byte {
		mu.Lock()
		defer mu.Unlock()
		out := make([][]byte, len(got))
		copy(out, got)
		return out
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestConnectDisabledReturnsNil(t *testing.T) {
	pub, err := Connect(config.NATSConfig{Enabled: false}, zerolog.Nop())
	require.NoError(t, err)
	assert.Nil(t, pub)
}

func TestNilPublisherIsANoOp(t *testing.T) {
	var pub *Publisher

	// None of these may panic.
	pub.CycleStarted(CycleStartedEvent{CycleID: 1})
	pub.CycleCompleted(CycleCompletedEvent{CycleID: 1})
	pub.PositionOpened(&position.Position{ID: "x", Symbol: "BTCUSDT"})
	pub.PositionClosed(&position.Position{ID: "x", Symbol: "BTCUSDT"})
	pub.BreakerTripped(500, 450)
	pub.Close()
}

func TestConnectAndPublishCycleEvents(t *testing.T) {
	_, url := startTestNATSServer(t)

	pub, err := Connect(config.NATSConfig{Enabled: true, URL: url}, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, pub)
	t.Cleanup(pub.Close)

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	started := collect(t, nc, SubjectCycleStarted)
	completed := collect(t, nc, SubjectCycleCompleted)

	now := time.Now().UTC()
	pub.CycleStarted(CycleStartedEvent{
		CycleID:   42,
		StartedAt: now,
		Symbols:   []string{"BTCUSDT", "ETHUSDT"},
	})
	pub.CycleCompleted(CycleCompletedEvent{
		CycleID:          42,
		StartedAt:        now,
		DurationMs:       1850,
		SymbolsEvaluated: 2,
		OrdersSubmitted:  1,
	})

	waitFor(t, func() bool { return len(started()) == 1 && len(completed()) == 1 })

	var ev CycleStartedEvent
	require.NoError(t, json.Unmarshal(started()[0], &ev))
	assert.Equal(t, int64(42), ev.CycleID)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, ev.Symbols)

	var done CycleCompletedEvent
	require.NoError(t, json.Unmarshal(completed()[0], &done))
	assert.Equal(t, int64(1850), done.DurationMs)
	assert.Equal(t, 1, done.OrdersSubmitted)
	assert.False(t, done.Skipped)
}

func TestPositionEvents(t *testing.T) {
	pub, nc := newTestPublisher(t)

	opened := collect(t, nc, SubjectPositionOpened)
	closed := collect(t, nc, SubjectPositionClosed)

	pos := &position.Position{
		ID:         "f3b4c6ae-9a1d-4f2e-8f60-1c2c4c9aa111",
		Symbol:     "BTCUSDT",
		Side:       position.SideLong,
		Quantity:   0.02,
		EntryPrice: 50000,
		Leverage:   10,
	}
	pub.PositionOpened(pos)

	pos.ExitPrice = 51000
	pos.RealizedPnL = 19.2
	pos.CloseReason = position.CloseReasonAdvisor
	pub.PositionClosed(pos)

	waitFor(t, func() bool { return len(opened()) == 1 && len(closed()) == 1 })

	var open PositionEvent
	require.NoError(t, json.Unmarshal(opened()[0], &open))
	assert.Equal(t, pos.ID, open.PositionID)
	assert.Equal(t, "long", open.Side)
	assert.Equal(t, 0.02, open.Quantity)
	assert.Zero(t, open.ExitPrice)

	var settled PositionEvent
	require.NoError(t, json.Unmarshal(closed()[0], &settled))
	assert.Equal(t, 51000.0, settled.ExitPrice)
	assert.Equal(t, 19.2, settled.RealizedPnL)
	assert.Equal(t, position.CloseReasonAdvisor, settled.CloseReason)
}

func TestBreakerTrippedEvent(t *testing.T) {
	pub, nc := newTestPublisher(t)

	tripped := collect(t, nc, SubjectBreakerTripped)
	pub.BreakerTripped(512.5, 500)

	waitFor(t, func() bool { return len(tripped()) == 1 })

	var ev BreakerTrippedEvent
	require.NoError(t, json.Unmarshal(tripped()[0], &ev))
	assert.Equal(t, 512.5, ev.LossUSD)
	assert.Equal(t, 500.0, ev.LimitUSD)
	assert.False(t, ev.At.IsZero())
}

func TestAlertSinkPublishesBySeverity(t *testing.T) {
	_, url := startTestNATSServer(t)

	pub, err := Connect(config.NATSConfig{Enabled: true, URL: url}, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, pub)
	t.Cleanup(pub.Close)

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	critical := collect(t, nc, SubjectAlertPrefix+"critical")
	warning := collect(t, nc, SubjectAlertPrefix+"warning")

	sink := pub.AlertSink()
	require.NoError(t, sink.Send(context.Background(), alerts.Alert{
		Title:     "Daily Loss Circuit Breaker Tripped",
		Message:   "loss $512.50 exceeded limit $500.00",
		Severity:  alerts.SeverityCritical,
		Timestamp: time.Now().UTC(),
		Metadata:  map[string]interface{}{"loss_usd": 512.5},
	}))

	waitFor(t, func() bool { return len(critical()) == 1 })
	assert.Empty(t, warning())

	var ev AlertEvent
	require.NoError(t, json.Unmarshal(critical()[0], &ev))
	assert.Equal(t, "Daily Loss Circuit Breaker Tripped", ev.Title)
	assert.Equal(t, "CRITICAL", ev.Severity)
	assert.Equal(t, 512.5, ev.Metadata["loss_usd"])
}

func TestNilPublisherAlertSinkIsANoOp(t *testing.T) {
	var pub *Publisher
	sink := pub.AlertSink()
	assert.NoError(t, sink.Send(context.Background(), alerts.Alert{
		Title:    "x",
		Severity: alerts.SeverityWarning,
	}))
}
