package indicators

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rising(n int) []float64 {
	out := make([]float64, n)
	v := 100.0
	for i := range out {
		out[i] = v
		v += 1.0
	}
	return out
}

func falling(n int) []float64 {
	out := make([]float64, n)
	v := 200.0
	for i := range out {
		out[i] = v
		v -= 1.0
	}
	return out
}

func TestComputeRejectsShortSeries(t *testing.T) {
	_, err := Compute(rising(MinBars - 1))
	assert.Error(t, err)
}

func TestComputeUptrend(t *testing.T) {
	s, err := Compute(rising(100))
	require.NoError(t, err)

	assert.True(t, s.TrendUp())
	assert.False(t, s.TrendDown())
	// Monotonically rising closes push RSI to the ceiling.
	assert.Greater(t, s.RSI14, 70.0)
	assert.Equal(t, 199.0, s.Price)
	assert.Greater(t, s.MA20, s.MA50)
}

func TestComputeDowntrend(t *testing.T) {
	s, err := Compute(falling(100))
	require.NoError(t, err)

	assert.True(t, s.TrendDown())
	assert.False(t, s.TrendUp())
	assert.Less(t, s.RSI14, 30.0)
	assert.Less(t, s.MA20, s.MA50)
}

func TestComputeFlatSeriesHasNoTrend(t *testing.T) {
	flat := make([]float64, 100)
	for i := range flat {
		flat[i] = 50.0
	}

	s, err := Compute(flat)
	require.NoError(t, err)
	assert.False(t, s.TrendUp())
	assert.False(t, s.TrendDown())
}
