// Package regime classifies the current market regime from a fixed feature
// menu and derives per-agent regime weights from an agent-regime skill
// table.
package regime

import (
	"math"
	"time"
)

// Regime labels form a fixed menu; Unknown is returned when classification
// is impossible (missing data).
const (
	RiskOn     = "risk_on"
	RiskOff    = "risk_off"
	Transition = "transition"
	Shock      = "shock"
	Unknown    = "unknown"
)

// Labels lists the classifiable regimes, in scoring order.
var Labels = []string{RiskOn, RiskOff, Transition, Shock}

// Hysteresis and transition thresholds.
const (
	stickyProb          = 0.35
	transitionThreshold = 0.60
)

// Features is the fixed input menu computed from recent market series.
type Features struct {
	SPYTrendUp    bool  // sign of the 20-period SPY return
	VIXHigh       bool  // VIX level above threshold (default 25)
	RatesUp       bool  // 10Y yield 20-period change positive
	CommoditiesUp *bool // optional 20-period commodities sign
}

// State is the classifier output snapshot. Published atomically by the
// regime rotation job; readers see either the old or the new value.
type State struct {
	Active     string             `json:"active_regime"`
	Confidence float64            `json:"confidence"`
	Transition bool               `json:"transition"`
	Probs      map[string]float64 `json:"probs"`
	ComputedAt time.Time          `json:"computed_at"`
}

// UnknownState is the fallback when market data is unavailable.
func UnknownState() State {
	return State{
		Active:     Unknown,
		Confidence: 0,
		Transition: true,
		Probs:      map[string]float64{},
		ComputedAt: time.Now().UTC(),
	}
}

// rule is one required feature value for a regime.
type rule func(f Features) bool

// Each regime scores one point per matching rule.
var regimeRules = map[string][]rule{
	RiskOn: {
		func(f Features) bool { return f.SPYTrendUp },
		func(f Features) bool { return !f.VIXHigh },
		func(f Features) bool { return !f.RatesUp },
	},
	RiskOff: {
		func(f Features) bool { return !f.SPYTrendUp },
		func(f Features) bool { return f.VIXHigh },
		func(f Features) bool { return f.CommoditiesUp != nil && !*f.CommoditiesUp },
	},
	Transition: {
		func(f Features) bool { return f.SPYTrendUp == f.VIXHigh }, // conflicting tape
		func(f Features) bool { return f.RatesUp },
	},
	Shock: {
		func(f Features) bool { return !f.SPYTrendUp },
		func(f Features) bool { return f.VIXHigh },
		func(f Features) bool { return f.RatesUp },
		func(f Features) bool { return f.CommoditiesUp != nil && *f.CommoditiesUp },
	},
}

// Classify scores every regime against the feature rules, converts scores
// to a distribution via softmax, and applies hysteresis against prev: when
// the previous active regime still holds probability above 0.35 it stays
// active. Deterministic for identical inputs.
func Classify(f Features, prev State) State {
	scores := make(map[string]float64, len(Labels))
	for _, label := range Labels {
		s := 0.0
		for _, r := range regimeRules[label] {
			if r(f) {
				s++
			}
		}
		scores[label] = s
	}

	probs := softmax(scores)

	active := argmax(probs)
	if prev.Active != "" && prev.Active != Unknown {
		if p, ok := probs[prev.Active]; ok && p > stickyProb {
			active = prev.Active
		}
	}

	conf := probs[active]
	return State{
		Active:     active,
		Confidence: conf,
		Transition: conf < transitionThreshold,
		Probs:      probs,
		ComputedAt: time.Now().UTC(),
	}
}

func softmax(scores map[string]float64) map[string]float64 {
	maxScore := math.Inf(-1)
	for _, s := range scores {
		if s > maxScore {
			maxScore = s
		}
	}

	sum := 0.0
	exp := make(map[string]float64, len(scores))
	for label, s := range scores {
		e := math.Exp(s - maxScore)
		exp[label] = e
		sum += e
	}

	probs := make(map[string]float64, len(scores))
	for label, e := range exp {
		probs[label] = e / sum
	}
	return probs
}

// argmax breaks ties deterministically by the fixed label order.
func argmax(probs map[string]float64) string {
	best := Unknown
	bestP := math.Inf(-1)
	for _, label := range Labels {
		if p, ok := probs[label]; ok && p > bestP {
			best = label
			bestP = p
		}
	}
	return best
}
