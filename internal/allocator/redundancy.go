package allocator

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Redundancy detection over recent findings.
const (
	redundancyWindow      = 300
	redundancyCorrelation = 0.85
	redundancyPenalty     = 0.3
	firingBucket          = time.Hour
)

// FindingRef is the slice of a finding the redundancy check needs.
type FindingRef struct {
	Agent     string
	Timestamp time.Time
}

// RedundantAgents builds per-agent binary firing vectors over hourly
// buckets of the last <= 300 findings and flags any agent whose vector
// has Pearson correlation >= 0.85 with an earlier agent. Earlier means
// lexicographically first, so the flagging is deterministic and one
// agent per redundant pair keeps its full score.
func RedundantAgents(findings []FindingRef) map[string]bool {
	if len(findings) > redundancyWindow {
		findings = findings[len(findings)-redundancyWindow:]
	}
	if len(findings) == 0 {
		return nil
	}

	bucketIndex := make(map[int64]int)
	for _, f := range findings {
		b := f.Timestamp.Truncate(firingBucket).Unix()
		if _, ok := bucketIndex[b]; !ok {
			bucketIndex[b] = len(bucketIndex)
		}
	}
	buckets := len(bucketIndex)
	if buckets < 2 {
		return nil
	}

	vectors := make(map[string][]float64)
	for _, f := range findings {
		v, ok := vectors[f.Agent]
		if !ok {
			v = make([]float64, buckets)
			vectors[f.Agent] = v
		}
		v[bucketIndex[f.Timestamp.Truncate(firingBucket).Unix()]] = 1
	}

	agents := make([]string, 0, len(vectors))
	for a := range vectors {
		agents = append(agents, a)
	}
	sort.Strings(agents)

	redundant := make(map[string]bool)
	for i := 1; i < len(agents); i++ {
		for j := 0; j < i; j++ {
			if redundant[agents[j]] {
				continue
			}
			corr := stat.Correlation(vectors[agents[i]], vectors[agents[j]], nil)
			if corr >= redundancyCorrelation {
				redundant[agents[i]] = true
				break
			}
		}
	}
	return redundant
}
