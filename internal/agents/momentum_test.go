package agents

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalplane/signalplane/internal/store"
)

type fakeSeries struct {
	closes map[string][]float64
	err    map[string]error
}

func (f *fakeSeries) Closes(_ context.Context, symbol string) ([]float64, error) {
	if err := f.err[symbol]; err != nil {
		return nil, err
	}
	return f.closes[symbol], nil
}

// rising returns n strictly increasing closes: RSI pegs at 100 and the
// MA stack confirms an uptrend.
func rising(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 100 + float64(i)
	}
	return out
}

// falling returns n strictly decreasing closes.
func falling(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 200 - float64(i)
	}
	return out
}

// exhaustion builds a steep decline followed by 14 marginal gains: RSI
// reads fully overbought while price sits under both moving averages.
func exhaustion() []float64 {
	out := make([]float64, 0, 60)
	for i := 0; i < 46; i++ {
		out = append(out, 200-float64(i)*100/45)
	}
	last := out[len(out)-1]
	for i := 0; i < 14; i++ {
		last += 0.1
		out = append(out, last)
	}
	return out
}

// flat returns closes oscillating in a tight band: RSI hovers near 50.
func flat(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 100
		if i%2 == 0 {
			out[i] = 100.5
		}
	}
	return out
}

func TestMomentumScannerOverbought(t *testing.T) {
	src := &fakeSeries{closes: map[string][]float64{"SPY": rising(60)}}
	scanner := NewMomentumScanner("momentum", []string{"SPY"}, src, zerolog.Nop())

	drafts, err := scanner.Run(context.Background())

	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, "SPY overbought", drafts[0].Title)
	assert.Equal(t, store.SeverityMedium, drafts[0].Severity)
	require.NotNil(t, drafts[0].Symbol)
	assert.Equal(t, "SPY", *drafts[0].Symbol)
}

func TestMomentumScannerOversold(t *testing.T) {
	src := &fakeSeries{closes: map[string][]float64{"TLT": falling(60)}}
	scanner := NewMomentumScanner("momentum", []string{"TLT"}, src, zerolog.Nop())

	drafts, err := scanner.Run(context.Background())

	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, "TLT oversold", drafts[0].Title)
	assert.Equal(t, store.SeverityMedium, drafts[0].Severity)
}

func TestMomentumScannerExhaustionEscalates(t *testing.T) {
	src := &fakeSeries{closes: map[string][]float64{"QQQ": exhaustion()}}
	scanner := NewMomentumScanner("momentum", []string{"QQQ"}, src, zerolog.Nop())

	drafts, err := scanner.Run(context.Background())

	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, "QQQ overbought against downtrend", drafts[0].Title)
	assert.Equal(t, store.SeverityHigh, drafts[0].Severity)
	assert.InDelta(t, 0.75, drafts[0].Confidence, 1e-9)
}

func TestMomentumScannerQuietMarket(t *testing.T) {
	src := &fakeSeries{closes: map[string][]float64{"IWM": flat(60)}}
	scanner := NewMomentumScanner("momentum", []string{"IWM"}, src, zerolog.Nop())

	drafts, err := scanner.Run(context.Background())

	require.NoError(t, err)
	assert.Empty(t, drafts)
}

func TestMomentumScannerSkipsBrokenSymbol(t *testing.T) {
	src := &fakeSeries{
		closes: map[string][]float64{"SPY": rising(60)},
		err:    map[string]error{"TLT": errors.New("quotes down")},
	}
	scanner := NewMomentumScanner("momentum", []string{"TLT", "SPY"}, src, zerolog.Nop())

	drafts, err := scanner.Run(context.Background())

	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, "SPY overbought", drafts[0].Title)
}

func TestMomentumScannerFailsWhenNothingEvaluates(t *testing.T) {
	src := &fakeSeries{err: map[string]error{"SPY": errors.New("quotes down")}}
	scanner := NewMomentumScanner("momentum", []string{"SPY"}, src, zerolog.Nop())

	_, err := scanner.Run(context.Background())

	assert.Error(t, err)
}

func TestMomentumScannerShortSeriesIsNotFatalAlone(t *testing.T) {
	src := &fakeSeries{closes: map[string][]float64{
		"NEW": rising(10),
		"SPY": rising(60),
	}}
	scanner := NewMomentumScanner("momentum", []string{"NEW", "SPY"}, src, zerolog.Nop())

	drafts, err := scanner.Run(context.Background())

	require.NoError(t, err)
	assert.Len(t, drafts, 1)
}
