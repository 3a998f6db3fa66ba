package uncertainty

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalplane/signalplane/internal/llm"
)

func TestAggregateWeightedScore(t *testing.T) {
	votes := []Vote{
		{Provider: "gpt", Uncertainty: 0.8, Label: LabelShock, Confidence: 0.9},
		{Provider: "claude", Uncertainty: 0.6, Label: LabelShock, Confidence: 0.6},
		{Provider: "gemini", Uncertainty: 0.2, Label: LabelCalm, Confidence: 0.3},
	}

	score, label, _, spike := Aggregate(votes)

	want := (0.9*0.8 + 0.6*0.6 + 0.3*0.2) / (0.9 + 0.6 + 0.3)
	assert.InDelta(t, want, score, 1e-9)
	assert.Equal(t, LabelShock, label)
	assert.True(t, spike)
}

func TestAggregateDisagreementSpike(t *testing.T) {
	votes := []Vote{
		{Uncertainty: 0.1, Label: LabelCalm, Confidence: 0.5},
		{Uncertainty: 0.9, Label: LabelShock, Confidence: 0.5},
	}

	score, _, disagreement, spike := Aggregate(votes)

	assert.InDelta(t, 0.5, score, 1e-9)
	// stddev 0.4 over the 0.35 scale clamps to 1.
	assert.Equal(t, 1.0, disagreement)
	assert.True(t, spike)
}

func TestAggregateSingleVoteNoDisagreement(t *testing.T) {
	_, _, disagreement, spike := Aggregate([]Vote{
		{Uncertainty: 0.3, Label: LabelCalm, Confidence: 0.8},
	})
	assert.Equal(t, 0.0, disagreement)
	assert.False(t, spike)
}

func TestDeriveControlsByLabel(t *testing.T) {
	prev := CalmState()
	tests := []struct {
		label     string
		score     float64
		wantSpeed float64
		wantDecay float64
	}{
		{LabelShock, 1.0, 3.0, 0.35},
		{LabelTransition, 1.0, 2.0, 0.55},
		{LabelRiskOff, 1.0, 1.7, 0.65},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			speed, decay := DeriveControls(tt.score, tt.label, true, prev)
			assert.Equal(t, tt.wantSpeed, speed)
			assert.Equal(t, tt.wantDecay, decay)
		})
	}
}

func TestDeriveControlsScoreCapsSpeed(t *testing.T) {
	// shock table wants 3.0, but 1 + 2*0.7 = 2.4 caps it.
	speed, _ := DeriveControls(0.7, LabelShock, true, CalmState())
	assert.InDelta(t, 2.4, speed, 1e-9)
}

func TestDeriveControlsCalmingRecoversGradually(t *testing.T) {
	prev := State{CadenceSpeed: 3.0, CadenceMultiplier: 1 / 3.0, DecayMultiplier: 0.35}

	speed, decay := DeriveControls(0.2, LabelCalm, false, prev)

	assert.InDelta(t, 2.85, speed, 1e-9)
	assert.InDelta(t, 0.45, decay, 1e-9)
}

func TestDeriveControlsWorseningTightensMonotonically(t *testing.T) {
	prev := State{CadenceSpeed: 2.0, DecayMultiplier: 0.35}

	// Tape moves from shock to risk_off but stays spiked: decay must not
	// loosen past the previous value.
	speed, decay := DeriveControls(0.9, LabelRiskOff, true, prev)
	assert.Equal(t, 0.35, decay)
	assert.GreaterOrEqual(t, speed, prev.CadenceSpeed)
}

type fakeProvider struct {
	name  string
	reply string
	err   error
}

func (p *fakeProvider) Name() string { return p.name }
func (p *fakeProvider) Call(_ context.Context, _, _ string) (string, error) {
	return p.reply, p.err
}

type recordingSink struct {
	states  []State
	regimes []string
	err     error
}

func (s *recordingSink) Persist(_ context.Context, state State, activeRegime string) error {
	if s.err != nil {
		return s.err
	}
	s.states = append(s.states, state)
	s.regimes = append(s.regimes, activeRegime)
	return nil
}

func voteJSON(uncertainty float64, label string, confidence float64) string {
	return fmt.Sprintf(`{"uncertainty":%g,"label":%q,"confidence":%g}`, uncertainty, label, confidence)
}

func TestLoopComputePublishesAndPersists(t *testing.T) {
	sink := &recordingSink{}
	loop := NewLoop([]llm.Provider{
		&fakeProvider{name: "gpt", reply: voteJSON(0.8, LabelShock, 0.9)},
		&fakeProvider{name: "claude", reply: voteJSON(0.7, LabelShock, 0.8)},
	}, 0, sink, zerolog.Nop())

	state := loop.Compute(context.Background(), Snapshot{ActiveRegime: "risk_off"})

	assert.Equal(t, LabelShock, state.Label)
	assert.True(t, state.Spike)
	assert.LessOrEqual(t, state.CadenceMultiplier, 1.0)
	assert.LessOrEqual(t, state.DecayMultiplier, 1.0)
	assert.Equal(t, state, loop.Current())
	require.Len(t, sink.states, 1)
	assert.Equal(t, "risk_off", sink.regimes[0])
}

func TestLoopFallbackVoteWhenAllProvidersFail(t *testing.T) {
	loop := NewLoop([]llm.Provider{
		&fakeProvider{name: "gpt", err: errors.New("down")},
		&fakeProvider{name: "claude", reply: "not json at all"},
	}, 0, nil, zerolog.Nop())

	state := loop.Compute(context.Background(), Snapshot{ActiveRegime: "shock"})

	require.Len(t, state.Votes, 1)
	assert.Equal(t, "fallback", state.Votes[0].Provider)
	assert.Equal(t, LabelShock, state.Label)
}

func TestLoopNoProvidersUsesFallback(t *testing.T) {
	loop := NewLoop(nil, 0, nil, zerolog.Nop())

	state := loop.Compute(context.Background(), Snapshot{ActiveRegime: "unknown"})

	require.Len(t, state.Votes, 1)
	assert.Equal(t, LabelCalm, state.Label)
	assert.Equal(t, 1.0, state.DecayMultiplier)
}

func TestLoopDropsOutOfRangeVotes(t *testing.T) {
	loop := NewLoop([]llm.Provider{
		&fakeProvider{name: "gpt", reply: voteJSON(1.5, LabelShock, 0.9)},
		&fakeProvider{name: "claude", reply: voteJSON(0.4, "apocalypse", 0.9)},
		&fakeProvider{name: "gemini", reply: voteJSON(0.4, LabelRiskOff, 0.9)},
	}, 0, nil, zerolog.Nop())

	state := loop.Compute(context.Background(), Snapshot{})

	require.Len(t, state.Votes, 1)
	assert.Equal(t, "gemini", state.Votes[0].Provider)
}
