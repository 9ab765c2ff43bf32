package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Severity levels for alerts
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert represents an alert message
type Alert struct {
	Title     string
	Message   string
	Severity  Severity
	Timestamp time.Time
	Metadata  map[string]interface{}
}

// Alerter defines the interface for sending alerts
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Manager fans an alert out to every configured channel. A channel failure
// never suppresses delivery to the remaining channels.
type Manager struct {
	alerters []Alerter
}

// NewManager creates a new alert manager
func NewManager(alerters ...Alerter) *Manager {
	return &Manager{
		alerters: alerters,
	}
}

// Send sends an alert to all configured alerters
func (m *Manager) Send(ctx context.Context, alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}

	var lastErr error
	for _, alerter := range m.alerters {
		if err := alerter.Send(ctx, alert); err != nil {
			log.Error().
				Err(err).
				Str("title", alert.Title).
				Msg("Failed to send alert")
			lastErr = err
		}
	}

	return lastErr
}

// SendCritical is a convenience method for sending critical alerts
func (m *Manager) SendCritical(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{
		Title:    title,
		Message:  message,
		Severity: SeverityCritical,
		Metadata: metadata,
	})
}

// SendWarning is a convenience method for sending warning alerts
func (m *Manager) SendWarning(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{
		Title:    title,
		Message:  message,
		Severity: SeverityWarning,
		Metadata: metadata,
	})
}

// SendInfo is a convenience method for sending info alerts
func (m *Manager) SendInfo(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{
		Title:    title,
		Message:  message,
		Severity: SeverityInfo,
		Metadata: metadata,
	})
}

// LogAlerter logs alerts using zerolog
type LogAlerter struct{}

// NewLogAlerter creates a new log-based alerter
func NewLogAlerter() *LogAlerter {
	return &LogAlerter{}
}

// Send sends an alert by logging it
func (l *LogAlerter) Send(ctx context.Context, alert Alert) error {
	event := log.Log()

	switch alert.Severity {
	case SeverityCritical:
		event = log.Error()
	case SeverityWarning:
		event = log.Warn()
	case SeverityInfo:
		event = log.Info()
	}

	if alert.Metadata != nil {
		for key, value := range alert.Metadata {
			event = event.Interface(key, value)
		}
	}

	event.
		Str("alert_title", alert.Title).
		Str("alert_severity", string(alert.Severity)).
		Time("alert_time", alert.Timestamp).
		Msg(fmt.Sprintf("ALERT: %s", alert.Message))

	return nil
}

// Operational alerts that must always page, regardless of which channels are
// configured. Each maps one failure mode of the trading core to a fixed title
// so downstream routing stays stable.

// StopLossPlacementFailed fires when the exchange-side protective stop for a
// freshly opened position could not be placed.
func (m *Manager) StopLossPlacementFailed(ctx context.Context, symbol string, positionID string, err error) error {
	return m.SendCritical(ctx, "Stop-Loss Placement Failed", fmt.Sprintf(
		"Protective stop for %s could not be placed, position is being market-closed: %v", symbol, err,
	), map[string]interface{}{
		"symbol":      symbol,
		"position_id": positionID,
		"error":       err.Error(),
	})
}

// ReconciliationMismatch fires when local and exchange position state diverge.
func (m *Manager) ReconciliationMismatch(ctx context.Context, symbol, kind string, localQty, exchangeQty float64) error {
	return m.SendCritical(ctx, "Position Reconciliation Mismatch", fmt.Sprintf(
		"Local and exchange state diverged for %s (%s): local=%.8f exchange=%.8f", symbol, kind, localQty, exchangeQty,
	), map[string]interface{}{
		"symbol":       symbol,
		"kind":         kind,
		"local_qty":    localQty,
		"exchange_qty": exchangeQty,
	})
}

// DailyLossBreakerTripped fires when the daily loss limit halts trading.
func (m *Manager) DailyLossBreakerTripped(ctx context.Context, lossUSD, limitUSD float64) error {
	return m.SendCritical(ctx, "Daily Loss Circuit Breaker Tripped", fmt.Sprintf(
		"Realized daily loss %.2f USD reached the %.2f USD limit; all positions are being closed and trading is halted until manual reset", lossUSD, limitUSD,
	), map[string]interface{}{
		"loss_usd":  lossUSD,
		"limit_usd": limitUSD,
	})
}

// AdvisorUnavailable fires when every advisor model circuit is open.
func (m *Manager) AdvisorUnavailable(ctx context.Context, models []string) error {
	return m.SendCritical(ctx, "Advisor Unavailable",
		"All advisor models are circuit-open; cycles fall back to synthetic hold decisions",
		map[string]interface{}{
			"models": models,
		})
}

// AuthFailure fires on an exchange authentication failure. The engine halts
// after sending this.
func (m *Manager) AuthFailure(ctx context.Context, exchange string, err error) error {
	return m.SendCritical(ctx, "Exchange Authentication Failed", fmt.Sprintf(
		"Authentication against %s failed, trading halted: %v", exchange, err,
	), map[string]interface{}{
		"exchange": exchange,
		"error":    err.Error(),
	})
}

// EmergencyLiquidation fires when the last-resort liquidator closes a
// position at market.
func (m *Manager) EmergencyLiquidation(ctx context.Context, symbol string, unrealizedLossPct float64) error {
	return m.SendCritical(ctx, "Emergency Liquidation", fmt.Sprintf(
		"Position %s exceeded the emergency loss threshold (%.1f%% unrealized) and was closed at market", symbol, unrealizedLossPct*100,
	), map[string]interface{}{
		"symbol":              symbol,
		"unrealized_loss_pct": unrealizedLossPct,
	})
}

// RateLimitPressure fires when 429 responses repeat inside the sliding window.
func (m *Manager) RateLimitPressure(ctx context.Context, exchange string, hits int, window time.Duration) error {
	return m.SendCritical(ctx, "Exchange Rate Limit Pressure", fmt.Sprintf(
		"%d rate-limit responses from %s within %s; request pacing is misconfigured or the exchange lowered limits", hits, exchange, window,
	), map[string]interface{}{
		"exchange": exchange,
		"hits":     hits,
		"window":   window.String(),
	})
}
