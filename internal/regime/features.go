package regime

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Market symbols feeding the feature menu.
const (
	symbolSPY         = "SPY"
	symbolVIX         = "^VIX"
	symbolTenYear     = "^TNX"
	symbolCommodities = "DBC"

	lookback     = 20
	vixThreshold = 25.0
)

// SeriesSource loads a time-ordered close series for a symbol, oldest
// first. An empty series is a valid degenerate answer.
type SeriesSource interface {
	Closes(ctx context.Context, symbol string) ([]float64, error)
}

// FeatureBuilder computes the classifier feature menu from market series.
type FeatureBuilder struct {
	source SeriesSource
	log    zerolog.Logger
}

// NewFeatureBuilder wires a feature builder over a series source.
func NewFeatureBuilder(source SeriesSource, logger zerolog.Logger) *FeatureBuilder {
	return &FeatureBuilder{
		source: source,
		log:    logger.With().Str("component", "regime_features").Logger(),
	}
}

// Build loads the four input series and derives the feature menu. SPY and
// VIX are required; rates and commodities degrade to neutral values when
// missing.
func (b *FeatureBuilder) Build(ctx context.Context) (Features, error) {
	spy, err := b.source.Closes(ctx, symbolSPY)
	if err != nil {
		return Features{}, fmt.Errorf("load %s: %w", symbolSPY, err)
	}
	if len(spy) < lookback+1 {
		return Features{}, fmt.Errorf("insufficient %s history: %d bars", symbolSPY, len(spy))
	}

	vix, err := b.source.Closes(ctx, symbolVIX)
	if err != nil {
		return Features{}, fmt.Errorf("load %s: %w", symbolVIX, err)
	}
	if len(vix) == 0 {
		return Features{}, fmt.Errorf("empty %s series", symbolVIX)
	}

	f := Features{
		SPYTrendUp: periodReturn(spy, lookback) > 0,
		VIXHigh:    vix[len(vix)-1] > vixThreshold,
	}

	if tnx, err := b.source.Closes(ctx, symbolTenYear); err == nil && len(tnx) >= lookback+1 {
		f.RatesUp = periodReturn(tnx, lookback) > 0
	} else if err != nil {
		b.log.Debug().Err(err).Msg("Rates series unavailable, treating as flat")
	}

	if dbc, err := b.source.Closes(ctx, symbolCommodities); err == nil && len(dbc) >= lookback+1 {
		up := periodReturn(dbc, lookback) > 0
		f.CommoditiesUp = &up
	}

	return f, nil
}

// periodReturn is the simple n-period return of the series tail.
func periodReturn(closes []float64, n int) float64 {
	last := closes[len(closes)-1]
	base := closes[len(closes)-1-n]
	if base == 0 {
		return 0
	}
	return (last - base) / base
}
