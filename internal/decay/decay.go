// Package decay implements the two multiplicative decay curves applied to
// agent weights: a regime-indexed exponential decay on tracked age, and a
// reward-recency decay driven by an EMA of per-agent rewards accelerated by
// system uncertainty. Both are bounded in [MinFloor, 1] and compose by
// product.
package decay

import (
	"math"
	"sync"
)

// MinFloor is the lower bound for every decay factor.
const MinFloor = 0.15

// DefaultHalfLives is the regime half-life table, in allocator steps.
var DefaultHalfLives = map[string]float64{
	"risk_on":    120,
	"risk_off":   40,
	"transition": 20,
	"shock":      10,
	"unknown":    60,
}

// RegimeDecay returns exp(-age/halfLife(regime)), floored at MinFloor.
// Unknown regimes fall back to the "unknown" half-life.
func RegimeDecay(age float64, regime string, halfLives map[string]float64) float64 {
	if halfLives == nil {
		halfLives = DefaultHalfLives
	}
	hl, ok := halfLives[regime]
	if !ok || hl <= 0 {
		hl = halfLives["unknown"]
		if hl <= 0 {
			hl = DefaultHalfLives["unknown"]
		}
	}
	if age < 0 {
		age = 0
	}
	return clamp(math.Exp(-age / hl))
}

type agentState struct {
	ema   float64
	decay float64
	seen  bool
}

// Model tracks per-agent reward-recency decay. Negative or stale rewards
// erode the factor, positive rewards restore it, and high uncertainty
// accelerates erosion. Single writer (the rebalance job), many readers.
type Model struct {
	mu     sync.RWMutex
	agents map[string]*agentState

	// EMA smoothing for the reward trace
	alpha float64
	// base erosion per update when the EMA is non-positive
	erosion float64
	// restoration per update applied proportionally to positive EMA
	restore float64
}

// NewModel creates a reward-recency decay model with default coefficients.
func NewModel() *Model {
	return &Model{
		agents:  make(map[string]*agentState),
		alpha:   0.2,
		erosion: 0.05,
		restore: 0.10,
	}
}

// Update folds one reward observation for an agent. uncertainty in [0,1]
// scales erosion: at 0 the base rate applies, at 1 erosion triples.
func (m *Model) Update(agent string, reward, uncertainty float64) {
	if uncertainty < 0 {
		uncertainty = 0
	} else if uncertainty > 1 {
		uncertainty = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.agents[agent]
	if !ok {
		st = &agentState{decay: 1}
		m.agents[agent] = st
	}

	if st.seen {
		st.ema = m.alpha*reward + (1-m.alpha)*st.ema
	} else {
		st.ema = reward
		st.seen = true
	}

	accel := 1 + 2*uncertainty
	if st.ema > 0 {
		st.decay += m.restore * math.Min(st.ema, 1)
	} else {
		st.decay -= m.erosion * accel
	}
	st.decay = clamp(st.decay)
}

// Value returns the agent's current reward-recency decay in [MinFloor, 1].
// Untracked agents decay at 1 (no history, no penalty).
func (m *Model) Value(agent string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if st, ok := m.agents[agent]; ok {
		return st.decay
	}
	return 1
}

// EMA exposes the smoothed reward trace, mainly for the admin surface.
func (m *Model) EMA(agent string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if st, ok := m.agents[agent]; ok {
		return st.ema
	}
	return 0
}

// Reset drops an agent's decay state, restoring it to 1.
func (m *Model) Reset(agent string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, agent)
}

// Combined composes the regime and reward-recency decays for an agent by
// product, bounded below by MinFloor.
func (m *Model) Combined(agent string, age float64, regime string, halfLives map[string]float64) float64 {
	return clamp(RegimeDecay(age, regime, halfLives) * m.Value(agent))
}

func clamp(v float64) float64 {
	if v < MinFloor {
		return MinFloor
	}
	if v > 1 {
		return 1
	}
	return v
}
