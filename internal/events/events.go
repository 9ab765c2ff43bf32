// Package events publishes trading lifecycle events to NATS for any
// downstream consumer (dashboards, notifiers, analytics). Publishing is
// best-effort: a slow or absent bus never blocks a trading cycle.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"perpcore/internal/alerts"
	"perpcore/internal/config"
	"perpcore/internal/metrics"
	"perpcore/internal/position"
)

// Subjects carried on the bus.
const (
	SubjectCycleStarted   = "perpcore.cycle.started"
	SubjectCycleCompleted = "perpcore.cycle.completed"
	SubjectPositionOpened = "perpcore.position.opened"
	SubjectPositionClosed = "perpcore.position.closed"
	SubjectBreakerTripped = "perpcore.breaker.tripped"

	// SubjectAlertPrefix carries alerts; the severity is appended, so
	// consumers subscribe to perpcore.alert.> or a single level.
	SubjectAlertPrefix = "perpcore.alert."
)

// CycleStartedEvent marks the beginning of one evaluation cycle.
type CycleStartedEvent struct {
	CycleID   int64     `json:"cycle_id"`
	StartedAt time.Time `json:"started_at"`
	Symbols   []string  `json:"symbols"`
}

// CycleCompletedEvent summarizes one finished cycle.
type CycleCompletedEvent struct {
	CycleID          int64     `json:"cycle_id"`
	StartedAt        time.Time `json:"started_at"`
	DurationMs       int64     `json:"duration_ms"`
	SymbolsEvaluated int       `json:"symbols_evaluated"`
	OrdersSubmitted  int       `json:"orders_submitted"`
	Skipped          bool      `json:"skipped"`
	SkipReason       string    `json:"skip_reason,omitempty"`
}

// PositionEvent describes a position at open or close time.
type PositionEvent struct {
	PositionID  string    `json:"position_id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Quantity    float64   `json:"quantity"`
	EntryPrice  float64   `json:"entry_price"`
	Leverage    int       `json:"leverage"`
	ExitPrice   float64   `json:"exit_price,omitempty"`
	RealizedPnL float64   `json:"realized_pnl,omitempty"`
	CloseReason string    `json:"close_reason,omitempty"`
	At          time.Time `json:"at"`
}

// BreakerTrippedEvent announces the daily loss breaker halting entries.
type BreakerTrippedEvent struct {
	LossUSD  float64   `json:"loss_usd"`
	LimitUSD float64   `json:"limit_usd"`
	At       time.Time `json:"at"`
}

// Publisher emits events on a NATS connection. A nil *Publisher is a
// valid no-op, so callers never branch on whether the bus is configured.
type Publisher struct {
	nc  *nats.Conn
	log zerolog.Logger
}

// Connect dials NATS per the config. Returns a nil Publisher when the
// bus is disabled.
func Connect(cfg config.NATSConfig, log zerolog.Logger) (*Publisher, error) {
	if !cfg.Enabled {
		log.Info().Msg("NATS disabled, lifecycle events will not be published")
		return nil, nil
	}

	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info().Str("url", cfg.URL).Msg("Connected to NATS")

	return NewWithConn(nc, log), nil
}

// NewWithConn wraps an existing connection.
func NewWithConn(nc *nats.Conn, log zerolog.Logger) *Publisher {
	return &Publisher{nc: nc, log: log.With().Str("component", "events").Logger()}
}

// Close drains the connection so queued events flush before shutdown.
func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.log.Warn().Err(err).Msg("NATS drain failed")
	}
}

// CycleStarted publishes the start of a cycle.
func (p *Publisher) CycleStarted(ev CycleStartedEvent) {
	p.publish(SubjectCycleStarted, ev)
}

// CycleCompleted publishes the end of a cycle.
func (p *Publisher) CycleCompleted(ev CycleCompletedEvent) {
	p.publish(SubjectCycleCompleted, ev)
}

// PositionOpened publishes a freshly confirmed position.
func (p *Publisher) PositionOpened(pos *position.Position) {
	p.publish(SubjectPositionOpened, positionEvent(pos))
}

// PositionClosed publishes a settled position.
func (p *Publisher) PositionClosed(pos *position.Position) {
	p.publish(SubjectPositionClosed, positionEvent(pos))
}

// BreakerTripped publishes the daily loss breaker latching.
func (p *Publisher) BreakerTripped(lossUSD, limitUSD float64) {
	p.publish(SubjectBreakerTripped, BreakerTrippedEvent{
		LossUSD:  lossUSD,
		LimitUSD: limitUSD,
		At:       time.Now().UTC(),
	})
}

// AlertEvent is the bus form of an alert.
type AlertEvent struct {
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Severity  string                 `json:"severity"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// AlertSink adapts the publisher into an alert channel, so alert traffic
// reaches bus subscribers alongside the log and Telegram emitters.
type AlertSink struct {
	pub *Publisher
}

// AlertSink returns an alerts.Alerter backed by this publisher. Valid on
// a nil publisher; delivery is then a no-op.
func (p *Publisher) AlertSink() *AlertSink {
	return &AlertSink{pub: p}
}

// Send publishes the alert on perpcore.alert.<severity>.
func (s *AlertSink) Send(ctx context.Context, alert alerts.Alert) error {
	s.pub.publish(SubjectAlertPrefix+strings.ToLower(string(alert.Severity)), AlertEvent{
		Title:     alert.Title,
		Message:   alert.Message,
		Severity:  string(alert.Severity),
		Timestamp: alert.Timestamp,
		Metadata:  alert.Metadata,
	})
	return nil
}

func positionEvent(pos *position.Position) PositionEvent {
	return PositionEvent{
		PositionID:  pos.ID,
		Symbol:      pos.Symbol,
		Side:        string(pos.Side),
		Quantity:    pos.Quantity,
		EntryPrice:  pos.EntryPrice,
		Leverage:    pos.Leverage,
		ExitPrice:   pos.ExitPrice,
		RealizedPnL: pos.RealizedPnL,
		CloseReason: pos.CloseReason,
		At:          time.Now().UTC(),
	}
}

func (p *Publisher) publish(subject string, payload interface{}) {
	if p == nil || p.nc == nil {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error().Err(err).Str("subject", subject).Msg("Failed to marshal event")
		return
	}

	if err := p.nc.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).Str("subject", subject).Msg("Failed to publish event")
		return
	}
	metrics.EventsPublished.Inc()
}
