// Package council implements the triple-confirmation gate: a
// deterministic technical-analysis vote, a three-provider LLM council,
// and the consensus and alert rules that combine them.
package council

import (
	"github.com/signalplane/signalplane/internal/indicators"
)

// TA vote scores per verdict.
const (
	taScoreAct          = 0.85
	taScoreWatch        = 0.60
	taScoreIgnore       = 0.25
	taScoreInsufficient = 0.50

	rsiActHigh = 55.0
	rsiActLow  = 45.0
)

// TAVote is the deterministic technical-analysis verdict for a symbol.
type TAVote struct {
	Verdict  string               `json:"verdict"`
	Score    float64              `json:"score"`
	Snapshot *indicators.Snapshot `json:"snapshot,omitempty"`
}

// TechnicalVote derives the TA verdict from a close series. Fewer than
// 60 bars degrades to WATCH at half confidence.
func TechnicalVote(closes []float64) TAVote {
	snap, err := indicators.Compute(closes)
	if err != nil {
		return TAVote{Verdict: VerdictWatch, Score: taScoreInsufficient}
	}

	trendUp := snap.TrendUp()
	trendDown := snap.TrendDown()

	switch {
	case (trendUp && snap.RSI14 >= rsiActHigh) || (trendDown && snap.RSI14 <= rsiActLow):
		return TAVote{Verdict: VerdictAct, Score: taScoreAct, Snapshot: snap}
	case trendUp || trendDown:
		return TAVote{Verdict: VerdictWatch, Score: taScoreWatch, Snapshot: snap}
	default:
		return TAVote{Verdict: VerdictIgnore, Score: taScoreIgnore, Snapshot: snap}
	}
}
