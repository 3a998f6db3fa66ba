package controlplane

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/signalplane/signalplane/internal/alerts"
	"github.com/signalplane/signalplane/internal/allocator"
	"github.com/signalplane/signalplane/internal/regime"
	"github.com/signalplane/signalplane/internal/store"
	"github.com/signalplane/signalplane/internal/telemetry"
	"github.com/signalplane/signalplane/internal/uncertainty"
)

const (
	findingsSummaryLimit = 20
	digestLookback       = 24 * time.Hour
	quarantineMinSamples = 10
)

// RotateRegime recomputes the regime classification and publishes it.
func (p *Plane) RotateRegime(ctx context.Context) {
	p.mu.RLock()
	prev := p.regimeState
	p.mu.RUnlock()

	var next regime.State
	features, err := p.dep.Features.Build(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("Regime features unavailable, degrading to unknown")
		next = regime.UnknownState()
	} else {
		next = regime.Classify(features, prev)
	}

	p.mu.Lock()
	p.regimeState = next
	p.mu.Unlock()

	p.pm.SetRegime(next.Active, next.Confidence)
	p.log.Info().Str("regime", next.Active).Float64("confidence", next.Confidence).
		Bool("transition", next.Transition).Msg("Regime rotated")
}

// UpdateUncertainty runs one ensemble cycle and pushes the cadence
// multiplier into the scheduler.
func (p *Plane) UpdateUncertainty(ctx context.Context) {
	p.mu.RLock()
	rs := p.regimeState
	p.mu.RUnlock()

	state := p.dep.Loop.Compute(ctx, uncertainty.Snapshot{
		FindingsSummary:  p.findingsSummary(ctx),
		ActiveRegime:     rs.Active,
		RegimeConfidence: rs.Confidence,
	})

	p.dep.Sched.SetCadenceMultiplier(state.CadenceMultiplier)
	p.pm.UncertaintyScore.Set(state.Score)
	p.pm.CadenceMult.Set(state.CadenceMultiplier)
}

// findingsSummary compacts recent finding titles for the uncertainty
// prompt.
func (p *Plane) findingsSummary(ctx context.Context) string {
	findings, err := p.dep.Store.ListRecentFindings(ctx, findingsSummaryLimit)
	if err != nil {
		p.log.Warn().Err(err).Msg("Recent findings unavailable for uncertainty summary")
		return ""
	}

	lines := make([]string, 0, len(findings))
	for _, f := range findings {
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", f.Severity, f.AgentName, f.Title))
	}
	return strings.Join(lines, "\n")
}

// Rebalance rebuilds the allocator plan and republishes per-agent
// intervals. It also clears the quarantine set: a flagged agent stays
// out only until the next rebalance reassesses it.
func (p *Plane) Rebalance(ctx context.Context) {
	risk, err := p.dep.Risk.Evaluate()
	if err != nil {
		p.log.Error().Err(err).Msg("Drawdown evaluation failed, keeping previous risk state")
		p.mu.RLock()
		risk = p.risk
		p.mu.RUnlock()
	}
	p.pm.Drawdown.Set(risk.Drawdown)
	p.pm.RiskMultiplier.Set(risk.RiskMultiplier)

	statuses, err := p.dep.Store.GetAllAgentStatuses(ctx)
	if err != nil {
		p.log.Error().Err(err).Msg("Agent statuses unavailable, skipping rebalance")
		return
	}

	baseWeights := make(map[string]float64, len(statuses))
	enabled := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		baseWeights[st.Name] = st.BaseWeight
		enabled[st.Name] = st.Enabled
	}

	p.mu.RLock()
	rs := p.regimeState
	p.mu.RUnlock()
	u := p.dep.Loop.Current()

	weights := p.dep.Skills.Weights(rs, baseWeights)
	ages := p.advanceRegimeAges(rs.Active, baseWeights)

	plan := p.dep.Alloc.Rebalance(allocator.Inputs{
		Regime:         rs.Active,
		RegimeAges:     ages,
		Weights:        weights,
		Uncertainty:    u.Score,
		GlobalDecay:    u.DecayMultiplier,
		RiskMultiplier: risk.RiskMultiplier,
		IgnoreRates:    p.ignoreRates(ctx, rs.Active),
		HistoryDecay:   p.dep.Decay.Value,
		RecentFindings: p.recentFindingRefs(ctx),
		HalfLives:      p.cfg.HalfLives,
		Clusters:       p.cfg.Clusters,
	})

	p.mu.Lock()
	p.risk = risk
	p.plan = plan
	p.enabled = enabled
	p.quarantined = make(map[string]bool)
	p.mu.Unlock()

	p.applyQuotas(ctx, plan)
}

// advanceRegimeAges increments per-agent tracked age within the regime,
// resetting everything when the regime flips.
func (p *Plane) advanceRegimeAges(active string, agents map[string]float64) map[string]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if active != p.lastRegime {
		p.regimeAges = make(map[string]float64)
		p.lastRegime = active
	}
	for agent := range agents {
		p.regimeAges[agent]++
	}

	out := make(map[string]float64, len(p.regimeAges))
	for agent, age := range p.regimeAges {
		out[agent] = age
	}
	return out
}

// ignoreRates projects council voting stats for the active regime.
func (p *Plane) ignoreRates(ctx context.Context, activeRegime string) map[string]float64 {
	stats, err := p.dep.Store.GetVotingStats(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("Voting stats unavailable for rebalance")
		return nil
	}

	rates := make(map[string]float64)
	for _, s := range stats {
		if s.Regime == activeRegime {
			rates[s.AgentName] = s.IgnoreRate()
		}
	}
	return rates
}

func (p *Plane) recentFindingRefs(ctx context.Context) []allocator.FindingRef {
	findings, err := p.dep.Store.ListRecentFindings(ctx, 300)
	if err != nil {
		p.log.Warn().Err(err).Msg("Recent findings unavailable for redundancy check")
		return nil
	}

	// Oldest first, matching the redundancy window semantics.
	refs := make([]allocator.FindingRef, 0, len(findings))
	for i := len(findings) - 1; i >= 0; i-- {
		refs = append(refs, allocator.FindingRef{
			Agent:     findings[i].AgentName,
			Timestamp: findings[i].Timestamp,
		})
	}
	return refs
}

// applyQuotas turns quotas into trigger intervals: an agent with quota q
// runs q times per rebalance period, floored at one minute.
func (p *Plane) applyQuotas(ctx context.Context, plan *allocator.Plan) {
	for agent, quota := range plan.Quotas {
		if quota <= 0 {
			continue
		}
		interval := p.cfg.RebalanceEvery / time.Duration(quota)
		if interval < time.Minute {
			interval = time.Minute
		}

		if err := p.dep.Sched.UpdateInterval(agent, interval); err != nil {
			p.log.Debug().Err(err).Str("agent", agent).Msg("Interval update skipped")
		}
		if err := p.dep.Store.UpdateAgentCadence(ctx, agent, int(interval.Minutes()), plan.Weights[agent]); err != nil {
			p.log.Warn().Err(err).Str("agent", agent).Msg("Failed to persist agent cadence")
		}
	}
}

// RollupTelemetry compacts the event tail into per-agent summaries.
func (p *Plane) RollupTelemetry(_ context.Context) {
	events, err := p.dep.Events.Tail(p.cfg.EventWindow)
	if err != nil {
		p.log.Warn().Err(err).Msg("Event tail unavailable for rollup")
		return
	}
	summary := telemetry.Rollup(events)

	p.mu.Lock()
	p.rollup = summary
	p.mu.Unlock()
}

// CheckQuarantine flags agents with extreme recent reward variance
// while the drawdown governor is throttling. The flag holds until the
// next rebalance.
func (p *Plane) CheckQuarantine(_ context.Context) {
	p.mu.RLock()
	risk := p.risk
	p.mu.RUnlock()

	if risk.OK {
		return
	}

	events, err := p.dep.Events.Tail(p.cfg.EventWindow)
	if err != nil {
		p.log.Warn().Err(err).Msg("Event tail unavailable for quarantine check")
		return
	}

	rewards := make(map[string][]float64)
	for _, ev := range events {
		if ev.Reward != nil && ev.Agent != "" {
			rewards[ev.Agent] = append(rewards[ev.Agent], *ev.Reward)
		}
	}

	flagged := make(map[string]bool)
	for agent, r := range rewards {
		if len(r) < quarantineMinSamples {
			continue
		}
		if stat.StdDev(r, nil) > p.cfg.QuarantineStdDev {
			flagged[agent] = true
			p.log.Warn().Str("agent", agent).Int("samples", len(r)).
				Msg("Agent quarantined for extreme reward variance under throttle")
		}
	}

	p.mu.Lock()
	p.quarantined = flagged
	p.mu.Unlock()
}

// WatchTransitions scans recent uncertainty events for early-warning
// patterns: two consecutive spikes, or a label flip.
func (p *Plane) WatchTransitions(ctx context.Context) {
	events, err := p.dep.Store.ListRecentUncertaintyEvents(ctx, 2)
	if err != nil {
		p.log.Warn().Err(err).Msg("Uncertainty events unavailable for transition watch")
		return
	}
	if len(events) < 2 {
		return
	}

	latest, prior := events[0], events[1]
	doubleSpike := latest.Spike && prior.Spike
	labelFlip := latest.Label != prior.Label
	if !doubleSpike && !labelFlip {
		return
	}

	p.mu.Lock()
	if p.lastWarnedID == latest.ID {
		p.mu.Unlock()
		return
	}
	p.lastWarnedID = latest.ID
	p.mu.Unlock()

	if p.dep.Alerts == nil {
		return
	}
	err = p.dep.Alerts.Send(ctx, alerts.Alert{
		Title: "Uncertainty transition warning",
		Message: fmt.Sprintf("Label moved %s -> %s (score %.2f, spike=%v). Expect tighter cadences.",
			prior.Label, latest.Label, latest.Score, latest.Spike),
		Severity: alerts.SeverityWarning,
		Metadata: map[string]interface{}{
			"label":        latest.Label,
			"prior_label":  prior.Label,
			"score":        latest.Score,
			"double_spike": doubleSpike,
		},
	})
	if err != nil {
		p.log.Warn().Err(err).Msg("Transition warning alert failed")
	}
}

// SendDigest summarizes the last day of findings through the alert
// manager at info severity.
func (p *Plane) SendDigest(ctx context.Context) {
	if p.dep.Alerts == nil {
		return
	}

	findings, err := p.dep.Store.ListRecentFindings(ctx, 500)
	if err != nil {
		p.log.Warn().Err(err).Msg("Findings unavailable for daily digest")
		return
	}

	cutoff := time.Now().UTC().Add(-digestLookback)
	bySeverity := make(map[string]int)
	actCount := 0
	total := 0
	for _, f := range findings {
		if f.Timestamp.Before(cutoff) {
			continue
		}
		total++
		bySeverity[f.Severity]++
		if f.ConsensusAction != nil && *f.ConsensusAction == store.ActionAct {
			actCount++
		}
	}

	msg := fmt.Sprintf(
		"Findings last 24h: %d total (critical %d, high %d, medium %d, low %d). Council ACT decisions: %d.",
		total, bySeverity[store.SeverityCritical], bySeverity[store.SeverityHigh],
		bySeverity[store.SeverityMedium], bySeverity[store.SeverityLow], actCount,
	)
	if err := p.dep.Alerts.Send(ctx, alerts.Alert{
		Title:    "Daily signal digest",
		Message:  msg,
		Severity: alerts.SeverityInfo,
	}); err != nil {
		p.log.Warn().Err(err).Msg("Daily digest alert failed")
	}
}
