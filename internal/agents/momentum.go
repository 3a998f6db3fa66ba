// Package agents holds the built-in signal agents. Third-party agents
// plug into the same scheduler interface; these ship with the binary so
// a fresh deployment produces findings on day one.
package agents

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/signalplane/signalplane/internal/indicators"
	"github.com/signalplane/signalplane/internal/store"
)

// SeriesSource feeds the scanner close series, oldest first.
type SeriesSource interface {
	Closes(ctx context.Context, symbol string) ([]float64, error)
}

const (
	rsiOverbought = 70.0
	rsiOversold   = 30.0
)

// MomentumScanner watches a symbol list for RSI extremes confirmed by
// the moving-average stack.
type MomentumScanner struct {
	name    string
	symbols []string
	source  SeriesSource
	log     zerolog.Logger
}

// NewMomentumScanner builds a scanner over the given symbols.
func NewMomentumScanner(name string, symbols []string, source SeriesSource, logger zerolog.Logger) *MomentumScanner {
	return &MomentumScanner{
		name:    name,
		symbols: symbols,
		source:  source,
		log:     logger.With().Str("component", "agent").Str("agent", name).Logger(),
	}
}

// Name implements the scheduler agent interface.
func (m *MomentumScanner) Name() string { return m.name }

// Run scans every symbol and drafts a finding per extreme. A symbol
// whose series cannot be fetched is skipped; the run only fails when no
// symbol could be evaluated at all.
func (m *MomentumScanner) Run(ctx context.Context) ([]store.FindingDraft, error) {
	var drafts []store.FindingDraft
	evaluated := 0
	var lastErr error

	for _, symbol := range m.symbols {
		select {
		case <-ctx.Done():
			return drafts, ctx.Err()
		default:
		}

		closes, err := m.source.Closes(ctx, symbol)
		if err != nil {
			m.log.Warn().Err(err).Str("symbol", symbol).Msg("Close series unavailable, skipping symbol")
			lastErr = err
			continue
		}
		snap, err := indicators.Compute(closes)
		if err != nil {
			m.log.Debug().Err(err).Str("symbol", symbol).Msg("Indicator snapshot unavailable")
			lastErr = err
			continue
		}
		evaluated++

		if draft, ok := m.evaluate(symbol, snap); ok {
			drafts = append(drafts, draft)
		}
	}

	if evaluated == 0 && lastErr != nil {
		return nil, fmt.Errorf("no symbol could be evaluated: %w", lastErr)
	}
	return drafts, nil
}

// evaluate drafts a finding when RSI crosses an extreme. Trend
// agreement escalates the severity: an overbought reading inside a
// downtrend is a stronger exhaustion signal than one still trending up.
func (m *MomentumScanner) evaluate(symbol string, snap *indicators.Snapshot) (store.FindingDraft, bool) {
	var (
		title    string
		severity string
		conf     float64
	)

	switch {
	case snap.RSI14 >= rsiOverbought && snap.TrendDown():
		title = fmt.Sprintf("%s overbought against downtrend", symbol)
		severity = store.SeverityHigh
		conf = 0.75
	case snap.RSI14 >= rsiOverbought:
		title = fmt.Sprintf("%s overbought", symbol)
		severity = store.SeverityMedium
		conf = 0.6
	case snap.RSI14 <= rsiOversold && snap.TrendUp():
		title = fmt.Sprintf("%s oversold inside uptrend", symbol)
		severity = store.SeverityHigh
		conf = 0.75
	case snap.RSI14 <= rsiOversold:
		title = fmt.Sprintf("%s oversold", symbol)
		severity = store.SeverityMedium
		conf = 0.6
	default:
		return store.FindingDraft{}, false
	}

	sym := symbol
	return store.FindingDraft{
		Title: title,
		Description: fmt.Sprintf("RSI(14) at %.1f with price %.2f, MA20 %.2f, MA50 %.2f",
			snap.RSI14, snap.Price, snap.MA20, snap.MA50),
		Severity:   severity,
		Confidence: conf,
		Symbol:     &sym,
		Metadata: map[string]any{
			"rsi_14":   snap.RSI14,
			"price":    snap.Price,
			"ma_20":    snap.MA20,
			"ma_50":    snap.MA50,
			"trend_up": snap.TrendUp(),
		},
	}, true
}
