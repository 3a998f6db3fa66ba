package regime

import (
	"sync"

	"github.com/rs/zerolog"
)

// Skill summarizes how an agent has historically performed in a regime.
type Skill struct {
	MeanReturn float64 `json:"mean_return"`
	HitRate    float64 `json:"hit_rate"`
}

// SkillTable maps agent -> regime -> skill. The rebalance job is the single
// writer; readers take consistent copies.
type SkillTable struct {
	mu     sync.RWMutex
	skills map[string]map[string]Skill
	log    zerolog.Logger
}

// NewSkillTable creates an empty skill table.
func NewSkillTable(logger zerolog.Logger) *SkillTable {
	return &SkillTable{
		skills: make(map[string]map[string]Skill),
		log:    logger.With().Str("component", "regime_skills").Logger(),
	}
}

// ewmaAlpha is the smoothing factor for observed run rewards.
const ewmaAlpha = 0.1

// Observe folds one run's reward proxy into the (agent, regime) skill.
// The mean is an exponential moving average; the hit rate tracks the
// smoothed share of positive-reward runs. The first observation seeds
// the entry directly.
func (t *SkillTable) Observe(agent, regime string, reward float64) {
	hit := 0.0
	if reward > 0 {
		hit = 1.0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	byRegime, ok := t.skills[agent]
	if !ok {
		byRegime = make(map[string]Skill)
		t.skills[agent] = byRegime
	}

	s, ok := byRegime[regime]
	if !ok {
		byRegime[regime] = Skill{MeanReturn: reward, HitRate: hit}
		return
	}
	s.MeanReturn = (1-ewmaAlpha)*s.MeanReturn + ewmaAlpha*reward
	s.HitRate = (1-ewmaAlpha)*s.HitRate + ewmaAlpha*hit
	byRegime[regime] = s
}

// Record replaces the skill entry for (agent, regime).
func (t *SkillTable) Record(agent, regime string, s Skill) {
	t.mu.Lock()
	defer t.mu.Unlock()

	byRegime, ok := t.skills[agent]
	if !ok {
		byRegime = make(map[string]Skill)
		t.skills[agent] = byRegime
	}
	byRegime[regime] = s
}

// Lookup returns the skill for (agent, regime) and whether data exists.
func (t *SkillTable) Lookup(agent, regime string) (Skill, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if byRegime, ok := t.skills[agent]; ok {
		s, ok := byRegime[regime]
		return s, ok
	}
	return Skill{}, false
}

// Weights derives per-agent weights for the active regime:
//
//	w_i = base_i * max(mean_return, 0) * hit_rate * confidence
//
// Agents without skill data in the regime keep their base weight: a
// fresh fleet must be allowed to run before any skill exists, and
// muting it would starve the table of the very data it needs. When the
// regime is unknown (confidence 0) base weights pass through unchanged
// so the allocator degrades to its plain UCB behavior.
func (t *SkillTable) Weights(state State, baseWeights map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(baseWeights))

	if state.Active == Unknown || state.Confidence == 0 {
		for agent, base := range baseWeights {
			out[agent] = base
		}
		return out
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	for agent, base := range baseWeights {
		byRegime, ok := t.skills[agent]
		if !ok {
			out[agent] = base
			continue
		}
		s, ok := byRegime[state.Active]
		if !ok {
			out[agent] = base
			continue
		}
		mean := s.MeanReturn
		if mean < 0 {
			mean = 0
		}
		out[agent] = base * mean * s.HitRate * state.Confidence
	}
	return out
}
