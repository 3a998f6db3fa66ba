// Package alerts fans alert messages out to the configured channels.
package alerts

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Severity levels for alerts.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is one outbound message. HTML is optional; channels that only
// do plain text use Message.
type Alert struct {
	Title     string
	Message   string
	HTML      string
	Severity  Severity
	Timestamp time.Time
	Metadata  map[string]interface{}
}

// Alerter defines the interface for sending alerts.
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Manager fans out to multiple alert channels. Send returns the last
// channel error but always attempts every channel.
type Manager struct {
	alerters []Alerter
}

// NewManager creates a new alert manager.
func NewManager(alerters ...Alerter) *Manager {
	return &Manager{alerters: alerters}
}

// Send sends an alert to all configured alerters.
func (m *Manager) Send(ctx context.Context, alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
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

// Primary keys delivery success on one channel and treats the rest as
// best-effort. The gate's exactly-once alert rule needs this shape: a
// flaky secondary channel must not leave a delivered alert looking
// unsent and eligible for resending.
type Primary struct {
	primary   Alerter
	secondary []Alerter
}

// NewPrimary wraps a primary channel with best-effort secondaries.
func NewPrimary(primary Alerter, secondary ...Alerter) *Primary {
	return &Primary{primary: primary, secondary: secondary}
}

// Send delivers to every channel but reports only the primary outcome.
func (p *Primary) Send(ctx context.Context, alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	err := p.primary.Send(ctx, alert)
	for _, alerter := range p.secondary {
		if serr := alerter.Send(ctx, alert); serr != nil {
			log.Warn().
				Err(serr).
				Str("title", alert.Title).
				Msg("Secondary alert channel failed")
		}
	}
	return err
}

// SendCritical is a convenience method for critical alerts.
func (m *Manager) SendCritical(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{
		Title:    title,
		Message:  message,
		Severity: SeverityCritical,
		Metadata: metadata,
	})
}

// SendInfo is a convenience method for informational alerts such as
// the daily digest.
func (m *Manager) SendInfo(ctx context.Context, title, message string) error {
	return m.Send(ctx, Alert{
		Title:    title,
		Message:  message,
		Severity: SeverityInfo,
	})
}
