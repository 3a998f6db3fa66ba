// Package drawdown implements the portfolio-level circuit breaker. The
// governor folds the telemetry reward stream into an equity curve and maps
// the running drawdown onto a risk multiplier for the allocator and
// scheduler.
package drawdown

import (
	"math"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// RiskState is the governor's verdict for the current reward prefix.
type RiskState struct {
	OK             bool    `json:"ok"`
	Halt           bool    `json:"halt"`
	Drawdown       float64 `json:"drawdown"` // negative distance from peak
	Peak           float64 `json:"peak"`
	Equity         float64 `json:"equity"`
	RiskMultiplier float64 `json:"risk_multiplier"`
}

// RewardSource provides the recent reward stream, most recent last.
type RewardSource interface {
	Rewards(n int) ([]float64, error)
}

type governorMetrics struct {
	drawdown   prometheus.Gauge
	multiplier prometheus.Gauge
	halts      prometheus.Counter
}

var (
	govMetricsInstance *governorMetrics
	govMetricsOnce     sync.Once
)

func getGovernorMetrics() *governorMetrics {
	govMetricsOnce.Do(func() {
		govMetricsInstance = &governorMetrics{
			drawdown: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "drawdown_current",
				Help: "Current portfolio drawdown (negative distance from peak)",
			}),
			multiplier: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "drawdown_risk_multiplier",
				Help: "Risk multiplier applied to the allocator (0 = halted)",
			}),
			halts: promauto.NewCounter(prometheus.CounterOpts{
				Name: "drawdown_hard_halts_total",
				Help: "Total number of hard-halt evaluations",
			}),
		}
	})
	return govMetricsInstance
}

// Governor evaluates drawdown against a configured negative limit.
type Governor struct {
	source      RewardSource
	limit       float64 // negative
	replayDepth int
	metrics     *governorMetrics
	log         zerolog.Logger
}

// New creates a governor over a reward source. limit must be negative;
// replayDepth bounds how much of the event log is folded (default 5000).
func New(source RewardSource, limit float64, replayDepth int, logger zerolog.Logger) *Governor {
	if replayDepth <= 0 {
		replayDepth = 5000
	}
	return &Governor{
		source:      source,
		limit:       limit,
		replayDepth: replayDepth,
		metrics:     getGovernorMetrics(),
		log:         logger.With().Str("component", "drawdown").Logger(),
	}
}

// Evaluate reads the reward tail and returns the current risk state.
func (g *Governor) Evaluate() (RiskState, error) {
	rewards, err := g.source.Rewards(g.replayDepth)
	if err != nil {
		return RiskState{}, err
	}

	state := Compute(rewards, g.limit)

	g.metrics.drawdown.Set(state.Drawdown)
	g.metrics.multiplier.Set(state.RiskMultiplier)
	if state.Halt {
		g.metrics.halts.Inc()
		g.log.Warn().
			Float64("drawdown", state.Drawdown).
			Float64("limit", g.limit).
			Msg("Drawdown hard halt engaged")
	} else if !state.OK {
		g.log.Info().
			Float64("drawdown", state.Drawdown).
			Float64("risk_multiplier", state.RiskMultiplier).
			Msg("Drawdown soft throttle")
	}

	return state, nil
}

// Compute is the pure fold: rewards -> equity curve -> running peak ->
// drawdown -> thresholds. Idempotent per (rewards, limit).
func Compute(rewards []float64, limit float64) RiskState {
	equity := 0.0
	peak := 0.0
	dd := 0.0

	for _, r := range rewards {
		equity += r
		if equity > peak {
			peak = equity
		}
		if d := equity - peak; d < dd {
			dd = d
		}
	}

	state := RiskState{
		Drawdown: dd,
		Peak:     peak,
		Equity:   equity,
	}

	switch {
	case dd <= 1.5*limit:
		state.Halt = true
		state.RiskMultiplier = 0
	case dd <= limit:
		over := math.Abs(dd) - math.Abs(limit)
		state.RiskMultiplier = math.Max(0.2, 1-over/(0.5*math.Abs(limit)))
	default:
		state.OK = true
		state.RiskMultiplier = 1
	}

	return state
}
