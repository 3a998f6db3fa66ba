package telemetry

import (
	"sort"
	"time"

	"github.com/signalplane/signalplane/internal/eventlog"
)

// AgentSummary is the compacted per-agent view of the recent event tail.
type AgentSummary struct {
	Agent      string    `json:"agent"`
	Runs       int       `json:"runs"`
	Errors     int       `json:"errors"`
	ErrorRate  float64   `json:"error_rate"`
	MeanReward float64   `json:"mean_reward"`
	MeanLatMS  float64   `json:"mean_latency_ms"`
	TotalCost  float64   `json:"total_cost_usd"`
	LastRun    time.Time `json:"last_run"`
}

// Rollup compacts events into per-agent summaries, sorted by agent name.
// Events without an agent are skipped.
func Rollup(events []eventlog.Event) []AgentSummary {
	type acc struct {
		runs, errors int
		rewardSum    float64
		rewardN      int
		latencySum   float64
		latencyN     int
		cost         float64
		last         time.Time
	}

	byAgent := make(map[string]*acc)
	for _, ev := range events {
		if ev.Agent == "" {
			continue
		}
		a, ok := byAgent[ev.Agent]
		if !ok {
			a = &acc{}
			byAgent[ev.Agent] = a
		}
		a.runs++
		if ev.Errors != nil {
			a.errors += *ev.Errors
		}
		if ev.Reward != nil {
			a.rewardSum += *ev.Reward
			a.rewardN++
		}
		if ev.LatencyMS != nil {
			a.latencySum += float64(*ev.LatencyMS)
			a.latencyN++
		}
		if ev.CostUSD != nil {
			a.cost += *ev.CostUSD
		}
		if ev.TS.After(a.last) {
			a.last = ev.TS
		}
	}

	out := make([]AgentSummary, 0, len(byAgent))
	for agent, a := range byAgent {
		s := AgentSummary{
			Agent:     agent,
			Runs:      a.runs,
			Errors:    a.errors,
			TotalCost: a.cost,
			LastRun:   a.last,
		}
		if a.runs > 0 {
			s.ErrorRate = float64(a.errors) / float64(a.runs)
		}
		if a.rewardN > 0 {
			s.MeanReward = a.rewardSum / float64(a.rewardN)
		}
		if a.latencyN > 0 {
			s.MeanLatMS = a.latencySum / float64(a.latencyN)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}
