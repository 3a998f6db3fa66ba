// Package indicators computes the technical snapshot the gate's TA vote
// is built from.
package indicators

import (
	"fmt"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
)

// MinBars is the shortest series the snapshot accepts; below it the TA
// vote degrades to WATCH.
const MinBars = 60

// Snapshot holds the indicator values for the latest bar.
type Snapshot struct {
	Price float64 `json:"price"`
	RSI14 float64 `json:"rsi_14"`
	MA20  float64 `json:"ma_20"`
	MA50  float64 `json:"ma_50"`
}

// TrendUp reports price > MA20 > MA50.
func (s *Snapshot) TrendUp() bool {
	return s.Price > s.MA20 && s.MA20 > s.MA50
}

// TrendDown reports price < MA20 < MA50.
func (s *Snapshot) TrendDown() bool {
	return s.Price < s.MA20 && s.MA20 < s.MA50
}

// Compute derives RSI(14), SMA(20) and SMA(50) for the last bar of a
// close series, oldest first.
func Compute(closes []float64) (*Snapshot, error) {
	if len(closes) < MinBars {
		return nil, fmt.Errorf("insufficient history: %d bars, need %d", len(closes), MinBars)
	}

	rsi := lastValue(momentum.NewRsiWithPeriod[float64](14).Compute(sliceToChan(closes)))
	ma20 := lastValue(trend.NewSmaWithPeriod[float64](20).Compute(sliceToChan(closes)))
	ma50 := lastValue(trend.NewSmaWithPeriod[float64](50).Compute(sliceToChan(closes)))

	return &Snapshot{
		Price: closes[len(closes)-1],
		RSI14: rsi,
		MA20:  ma20,
		MA50:  ma50,
	}, nil
}

func sliceToChan(values []float64) chan float64 {
	c := make(chan float64, len(values))
	for _, v := range values {
		c <- v
	}
	close(c)
	return c
}

func lastValue(c <-chan float64) float64 {
	var last float64
	for v := range c {
		last = v
	}
	return last
}
