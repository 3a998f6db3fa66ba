package council

import (
	"math"
)

// Consensus weights when combining council and TA confidence.
const (
	councilWeight = 0.65
	taWeight      = 0.35

	spikePenalty = 0.75

	maxKeyDrivers   = 6
	maxWhatToVerify = 5

	// disagreementScale normalizes the stddev of verdict scores; 0.35
	// is roughly the spread of a maximally split 3-vote council.
	disagreementScale = 0.35
)

// Consensus is the council's aggregate view of one finding.
type Consensus struct {
	Action           string            `json:"action"`
	Confidence       float64           `json:"confidence"`
	Disagreement     float64           `json:"disagreement"`
	UncertaintySpike bool              `json:"uncertainty_spike"`
	KeyDrivers       []string          `json:"key_drivers"`
	WhatToVerify     []string          `json:"what_to_verify"`
	Votes            map[string]string `json:"votes"`
	UsableVotes      int               `json:"usable_votes"`
}

// verdictScore maps a verdict to a scalar for the disagreement metric.
func verdictScore(verdict string) float64 {
	switch verdict {
	case VerdictAct:
		return 1.0
	case VerdictWatch:
		return 0.5
	default:
		return 0.0
	}
}

// BuildConsensus aggregates the usable votes. With no votes the
// consensus is WATCH at zero confidence with full disagreement. With
// fewer than minAgree votes on the top verdict, the weighted-score
// argmax wins and the spike flag is raised.
func BuildConsensus(votes []MemberVote, minAgree int) Consensus {
	if len(votes) == 0 {
		return Consensus{
			Action:           VerdictWatch,
			Confidence:       0,
			Disagreement:     1,
			UncertaintySpike: true,
			Votes:            map[string]string{},
		}
	}

	counts := make(map[string]int)
	weighted := make(map[string]float64)
	voteMap := make(map[string]string, len(votes))

	for _, v := range votes {
		counts[v.Verdict.Verdict]++
		weighted[v.Verdict.Verdict] += v.Verdict.Confidence
		voteMap[v.Provider] = v.Verdict.Verdict
	}

	topVerdict, topCount := argmaxCount(counts)
	secondCount := 0
	for verdict, n := range counts {
		if verdict != topVerdict && n > secondCount {
			secondCount = n
		}
	}

	var action string
	var spike bool
	if topCount < minAgree {
		action = argmaxWeighted(weighted)
		spike = true
	} else {
		action = topVerdict
		spike = secondCount == topCount
	}

	// Confidence is the mean over the voters backing the chosen action.
	confidence := 0.0
	if n := counts[action]; n > 0 {
		confidence = weighted[action] / float64(n)
	}
	if spike {
		confidence *= spikePenalty
	}

	return Consensus{
		Action:           action,
		Confidence:       confidence,
		Disagreement:     disagreement(votes),
		UncertaintySpike: spike,
		KeyDrivers:       mergeCapped(votes, func(v Verdict) []string { return v.KeyDrivers }, maxKeyDrivers),
		WhatToVerify:     mergeCapped(votes, func(v Verdict) []string { return v.WhatToVerify }, maxWhatToVerify),
		Votes:            voteMap,
		UsableVotes:      len(votes),
	}
}

// CombinedConfidence blends the council and TA scores.
func CombinedConfidence(councilConfidence, taScore float64) float64 {
	return councilWeight*councilConfidence + taWeight*taScore
}

// disagreement is the stddev of the verdict scores, normalized and
// clamped to [0,1].
func disagreement(votes []MemberVote) float64 {
	if len(votes) < 2 {
		return 0
	}

	mean := 0.0
	for _, v := range votes {
		mean += verdictScore(v.Verdict.Verdict)
	}
	mean /= float64(len(votes))

	variance := 0.0
	for _, v := range votes {
		d := verdictScore(v.Verdict.Verdict) - mean
		variance += d * d
	}
	variance /= float64(len(votes))

	d := math.Sqrt(variance) / disagreementScale
	if d > 1 {
		d = 1
	}
	return d
}

// argmaxCount breaks ties by the fixed verdict order so consensus is
// deterministic.
func argmaxCount(counts map[string]int) (string, int) {
	best := VerdictWatch
	bestN := -1
	for _, verdict := range []string{VerdictAct, VerdictWatch, VerdictIgnore} {
		if n := counts[verdict]; n > bestN {
			best = verdict
			bestN = n
		}
	}
	return best, bestN
}

func argmaxWeighted(weighted map[string]float64) string {
	best := VerdictWatch
	bestW := math.Inf(-1)
	for _, verdict := range []string{VerdictAct, VerdictWatch, VerdictIgnore} {
		if w, ok := weighted[verdict]; ok && w > bestW {
			best = verdict
			bestW = w
		}
	}
	return best
}

// mergeCapped concatenates per-vote lists preserving order, dedupes,
// and caps the result.
func mergeCapped(votes []MemberVote, extract func(Verdict) []string, limit int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, v := range votes {
		for _, item := range extract(v.Verdict) {
			if item == "" || seen[item] {
				continue
			}
			seen[item] = true
			out = append(out, item)
			if len(out) == limit {
				return out
			}
		}
	}
	return out
}
