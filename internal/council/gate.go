package council

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/signalplane/signalplane/internal/alerts"
	"github.com/signalplane/signalplane/internal/store"
)

// GateStore is the persistence surface the gate needs.
type GateStore interface {
	GetFinding(ctx context.Context, id int64) (*store.Finding, error)
	ApplyAnalysis(ctx context.Context, id int64, a store.Analysis, force bool) (bool, error)
	InsertCouncilResult(ctx context.Context, r *store.CouncilResult) error
	RecordVote(ctx context.Context, agentName, regime, verdict string) error
	MarkAlerted(ctx context.Context, id int64) (bool, error)
}

// SeriesSource loads close series for the TA vote.
type SeriesSource interface {
	Closes(ctx context.Context, symbol string) ([]float64, error)
}

// RegimeSource exposes the active regime label at gate time.
type RegimeSource interface {
	ActiveRegime() string
}

// Gate runs the triple-confirmation pipeline for one finding.
type Gate struct {
	store    GateStore
	council  *Council
	series   SeriesSource
	regimes  RegimeSource
	alerter  alerts.Alerter
	minAgree int
	log      zerolog.Logger
}

// NewGate wires the gate. alerter may be nil, which disables alerting
// but never the analysis.
func NewGate(st GateStore, c *Council, series SeriesSource, regimes RegimeSource, alerter alerts.Alerter, minAgree int, logger zerolog.Logger) *Gate {
	if minAgree == 0 {
		minAgree = 2
	}
	return &Gate{
		store:    st,
		council:  c,
		series:   series,
		regimes:  regimes,
		alerter:  alerter,
		minAgree: minAgree,
		log:      logger.With().Str("component", "gate").Logger(),
	}
}

// Result is the gate's combined decision for one finding.
type Result struct {
	FindingID          int64     `json:"finding_id"`
	Action             string    `json:"action"`
	CombinedConfidence float64   `json:"combined_confidence"`
	TAVote             TAVote    `json:"ta_vote"`
	Consensus          Consensus `json:"consensus"`
	Alerted            bool      `json:"alerted"`
	Skipped            bool      `json:"skipped"`
}

// Analyze runs the full pipeline: TA vote, parallel council, consensus,
// persistence, and the idempotent alert rule. A second call without
// force returns early with Skipped set. Alert failure is non-fatal and
// leaves the finding eligible for a later retry.
func (g *Gate) Analyze(ctx context.Context, findingID int64, force bool) (*Result, error) {
	f, err := g.store.GetFinding(ctx, findingID)
	if err != nil {
		return nil, fmt.Errorf("load finding %d: %w", findingID, err)
	}

	if f.AutoAnalyzed && !force {
		g.log.Debug().Int64("finding_id", findingID).Msg("Finding already analyzed, skipping")
		return &Result{FindingID: findingID, Skipped: true, Alerted: f.Alerted}, nil
	}

	taVote := g.technicalVote(ctx, f)
	votes := g.council.Collect(ctx, f)
	consensus := BuildConsensus(votes, g.minAgree)
	combined := CombinedConfidence(consensus.Confidence, taVote.Score)
	activeRegime := g.regimes.ActiveRegime()

	analysis := store.Analysis{
		ConsensusAction:     consensus.Action,
		ConsensusConfidence: combined,
		LLMVotes:            consensus.Votes,
		LLMDisagreement:     consensus.Disagreement,
		TARegime:            activeRegime,
		TACouncil:           strPtr(taVote.Verdict),
	}
	applied, err := g.store.ApplyAnalysis(ctx, findingID, analysis, force)
	if err != nil {
		return nil, fmt.Errorf("apply analysis to finding %d: %w", findingID, err)
	}
	if !applied {
		// Lost the race to another analyzer.
		return &Result{FindingID: findingID, Skipped: true}, nil
	}

	// Best-effort bookkeeping; a failure here never aborts the gate.
	if err := g.store.InsertCouncilResult(ctx, &store.CouncilResult{
		FindingID:          findingID,
		Votes:              consensus.Votes,
		ConsensusAction:    consensus.Action,
		CombinedConfidence: combined,
		TAVote:             taVote.Verdict,
		TAConfidence:       taVote.Score,
		Disagreement:       consensus.Disagreement,
		UncertaintySpike:   consensus.UncertaintySpike,
	}); err != nil {
		g.log.Warn().Err(err).Int64("finding_id", findingID).Msg("Failed to insert council result")
	}
	if err := g.store.RecordVote(ctx, f.AgentName, activeRegime, consensus.Action); err != nil {
		g.log.Warn().Err(err).Str("agent", f.AgentName).Msg("Failed to record voting stat")
	}

	result := &Result{
		FindingID:          findingID,
		Action:             consensus.Action,
		CombinedConfidence: combined,
		TAVote:             taVote,
		Consensus:          consensus,
	}

	if g.shouldAlert(f, consensus.Action, taVote.Verdict) {
		result.Alerted = g.sendAlert(ctx, f, result)
	}

	g.log.Info().
		Int64("finding_id", findingID).
		Str("action", consensus.Action).
		Float64("combined_confidence", combined).
		Str("ta_vote", taVote.Verdict).
		Int("usable_votes", consensus.UsableVotes).
		Bool("alerted", result.Alerted).
		Msg("Gate decision")

	return result, nil
}

// technicalVote loads the symbol series and votes. Findings without a
// symbol, or with unreachable data, degrade to the insufficient-data
// vote.
func (g *Gate) technicalVote(ctx context.Context, f *store.Finding) TAVote {
	if f.Symbol == nil || *f.Symbol == "" {
		return TAVote{Verdict: VerdictWatch, Score: taScoreInsufficient}
	}

	closes, err := g.series.Closes(ctx, *f.Symbol)
	if err != nil {
		g.log.Warn().Err(err).Str("symbol", *f.Symbol).Msg("Series unavailable, TA vote degrades to WATCH")
		return TAVote{Verdict: VerdictWatch, Score: taScoreInsufficient}
	}
	return TechnicalVote(closes)
}

// shouldAlert implements the alert rule: critical severity, council ACT,
// TA ACT, not alerted before.
func (g *Gate) shouldAlert(f *store.Finding, consensusAction, taVerdict string) bool {
	return g.alerter != nil &&
		f.Severity == store.SeverityCritical &&
		consensusAction == VerdictAct &&
		taVerdict == VerdictAct &&
		!f.Alerted
}

// sendAlert emits the single email and flips alerted only on success.
// MarkAlerted re-checks the rule in SQL, so two racing gates produce at
// most one flip.
func (g *Gate) sendAlert(ctx context.Context, f *store.Finding, r *Result) bool {
	symbol := ""
	if f.Symbol != nil {
		symbol = *f.Symbol
	}

	err := g.alerter.Send(ctx, alerts.Alert{
		Title:    fmt.Sprintf("Triple confirmation: %s", f.Title),
		Message:  fmt.Sprintf("Symbol %s confirmed ACT with combined confidence %.2f.\n\n%s", symbol, r.CombinedConfidence, f.Description),
		Severity: alerts.SeverityCritical,
		Metadata: map[string]interface{}{
			"finding_id": f.ID,
			"agent":      f.AgentName,
			"symbol":     symbol,
			"ta_vote":    r.TAVote.Verdict,
		},
	})
	if err != nil {
		g.log.Error().Err(err).Int64("finding_id", f.ID).Msg("Alert send failed, finding stays eligible")
		return false
	}

	flipped, err := g.store.MarkAlerted(ctx, f.ID)
	if err != nil {
		g.log.Error().Err(err).Int64("finding_id", f.ID).Msg("Failed to mark finding alerted")
		return false
	}
	return flipped
}

func strPtr(s string) *string {
	return &s
}
