// Package uncertainty runs the periodic ensemble loop that turns
// provider votes into system-wide cadence and decay multipliers.
package uncertainty

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/signalplane/signalplane/internal/llm"
)

// Uncertainty labels form a fixed menu.
const (
	LabelCalm       = "calm"
	LabelRiskOff    = "risk_off"
	LabelTransition = "transition"
	LabelShock      = "shock"
)

// labels in scoring order for deterministic argmax.
var labels = []string{LabelCalm, LabelRiskOff, LabelTransition, LabelShock}

// Aggregation and hysteresis thresholds.
const (
	spikeScoreThreshold        = 0.65
	spikeDisagreementThreshold = 0.60
	disagreementScale          = 0.35
	calmScoreThreshold         = 0.35

	decayRecoveryStep   = 0.10
	cadenceRecoveryStep = 0.15
)

// control is the (cadence, decay) pair a label maps to.
type control struct {
	Cadence float64
	Decay   float64
}

var labelControls = map[string]control{
	LabelShock:      {Cadence: 3.0, Decay: 0.35},
	LabelTransition: {Cadence: 2.0, Decay: 0.55},
	LabelRiskOff:    {Cadence: 1.7, Decay: 0.65},
	LabelCalm:       {Cadence: 1.0, Decay: 1.0},
}

// Vote is one provider's read of system-wide uncertainty.
type Vote struct {
	Provider    string  `json:"provider"`
	Uncertainty float64 `json:"uncertainty"`
	Label       string  `json:"label"`
	Confidence  float64 `json:"confidence"`
}

// State is the published loop output. Readers get a consistent copy.
// CadenceSpeed is the run-frequency factor (>= 1 under stress);
// CadenceMultiplier is its reciprocal, the factor applied to agent
// intervals, so a spike always shortens intervals (multiplier <= 1).
type State struct {
	Label             string    `json:"label"`
	Score             float64   `json:"score"`
	Spike             bool      `json:"spike"`
	Disagreement      float64   `json:"disagreement"`
	CadenceSpeed      float64   `json:"cadence_speed"`
	CadenceMultiplier float64   `json:"cadence_multiplier"`
	DecayMultiplier   float64   `json:"decay_multiplier"`
	Votes             []Vote    `json:"votes"`
	ComputedAt        time.Time `json:"computed_at"`
}

// CalmState is the loop's initial published value.
func CalmState() State {
	return State{
		Label:             LabelCalm,
		Score:             0,
		CadenceSpeed:      1.0,
		CadenceMultiplier: 1.0,
		DecayMultiplier:   1.0,
		ComputedAt:        time.Now().UTC(),
	}
}

// Aggregate folds votes into (score, label, disagreement, spike). At
// least one vote is required; the caller guarantees a fallback.
func Aggregate(votes []Vote) (score float64, label string, disagreement float64, spike bool) {
	confSum := 0.0
	weighted := 0.0
	labelWeight := make(map[string]float64)

	for _, v := range votes {
		confSum += v.Confidence
		weighted += v.Confidence * v.Uncertainty
		labelWeight[v.Label] += v.Confidence
	}

	if confSum > 0 {
		score = weighted / confSum
	}

	label = LabelCalm
	best := math.Inf(-1)
	for _, l := range labels {
		if w, ok := labelWeight[l]; ok && w > best {
			label = l
			best = w
		}
	}

	if len(votes) >= 2 {
		mean := 0.0
		for _, v := range votes {
			mean += v.Uncertainty
		}
		mean /= float64(len(votes))
		variance := 0.0
		for _, v := range votes {
			d := v.Uncertainty - mean
			variance += d * d
		}
		variance /= float64(len(votes))
		disagreement = math.Sqrt(variance) / disagreementScale
		if disagreement > 1 {
			disagreement = 1
		}
	}

	spike = score >= spikeScoreThreshold || disagreement >= spikeDisagreementThreshold
	return score, label, disagreement, spike
}

// DeriveControls maps the aggregate onto (cadence speed, decay) with
// hysteresis against the previous state: calming recovers gradually,
// worsening tightens monotonically.
func DeriveControls(score float64, label string, spike bool, prev State) (speed, decay float64) {
	c, ok := labelControls[label]
	if !ok {
		c = labelControls[LabelCalm]
	}
	speed = c.Cadence
	decay = c.Decay

	if capped := 1 + 2*score; speed > capped {
		speed = capped
	}

	if !spike && score < calmScoreThreshold {
		// Calming: recover gradually rather than snapping back.
		decay = math.Min(1, prev.DecayMultiplier+decayRecoveryStep)
		speed = math.Max(1, prev.CadenceSpeed-cadenceRecoveryStep)
		return speed, decay
	}

	if spike {
		if prev.DecayMultiplier > 0 && decay > prev.DecayMultiplier {
			decay = prev.DecayMultiplier
		}
		if speed < prev.CadenceSpeed {
			speed = prev.CadenceSpeed
		}
	}
	if speed < 1 {
		speed = 1
	}
	return speed, decay
}

const systemPrompt = `You monitor a fleet of market-signal agents.
Given the recent findings summary and regime snapshot, answer with
STRICT JSON only: {"uncertainty": 0.0, "label": "calm" | "risk_off" | "transition" | "shock", "confidence": 0.0}`

// Snapshot is the loop's input: what the system has seen lately.
type Snapshot struct {
	FindingsSummary  string  `json:"findings_summary"`
	ActiveRegime     string  `json:"active_regime"`
	RegimeConfidence float64 `json:"regime_confidence"`
}

// EventSink persists loop outputs; the store satisfies it.
type EventSink interface {
	Persist(ctx context.Context, s State, activeRegime string) error
}

// Loop owns the shared uncertainty state. Compute is the single writer;
// Current may be called from any goroutine.
type Loop struct {
	providers []llm.Provider
	timeout   time.Duration
	sink      EventSink
	log       zerolog.Logger

	mu    sync.RWMutex
	state State
}

// NewLoop creates the loop. With no providers every cycle uses the
// fallback vote.
func NewLoop(providers []llm.Provider, timeout time.Duration, sink EventSink, logger zerolog.Logger) *Loop {
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	return &Loop{
		providers: providers,
		timeout:   timeout,
		sink:      sink,
		state:     CalmState(),
		log:       logger.With().Str("component", "uncertainty").Logger(),
	}
}

// Current returns the last published state.
func (l *Loop) Current() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Compute runs one cycle: collect votes, aggregate, derive controls,
// persist, publish. The new state is published only after it is fully
// computed.
func (l *Loop) Compute(ctx context.Context, snap Snapshot) State {
	prev := l.Current()

	votes := l.collect(ctx, snap)
	if len(votes) == 0 {
		votes = []Vote{l.fallbackVote(snap)}
	}

	score, label, disagreement, spike := Aggregate(votes)
	speed, decay := DeriveControls(score, label, spike, prev)

	next := State{
		Label:             label,
		Score:             score,
		Spike:             spike,
		Disagreement:      disagreement,
		CadenceSpeed:      speed,
		CadenceMultiplier: 1 / speed,
		DecayMultiplier:   decay,
		Votes:             votes,
		ComputedAt:        time.Now().UTC(),
	}

	if l.sink != nil {
		if err := l.sink.Persist(ctx, next, snap.ActiveRegime); err != nil {
			l.log.Warn().Err(err).Msg("Failed to persist uncertainty event")
		}
	}

	l.mu.Lock()
	l.state = next
	l.mu.Unlock()

	l.log.Info().
		Str("label", label).
		Float64("score", score).
		Bool("spike", spike).
		Float64("cadence_multiplier", next.CadenceMultiplier).
		Float64("decay_multiplier", decay).
		Int("votes", len(votes)).
		Msg("Uncertainty state updated")

	return next
}

// collect fans the snapshot out to all providers; failed or unparseable
// votes are dropped.
func (l *Loop) collect(ctx context.Context, snap Snapshot) []Vote {
	if len(l.providers) == 0 {
		return nil
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		l.log.Error().Err(err).Msg("Failed to marshal uncertainty snapshot")
		return nil
	}
	user := fmt.Sprintf("Current system snapshot:\n%s", payload)

	results := make([]*Vote, len(l.providers))
	g, gctx := errgroup.WithContext(ctx)
	for i, provider := range l.providers {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, l.timeout)
			defer cancel()

			raw, err := provider.Call(callCtx, systemPrompt, user)
			if err != nil {
				l.log.Warn().Err(err).Str("provider", provider.Name()).Msg("Uncertainty vote dropped")
				return nil
			}

			var v Vote
			if err := llm.ParseJSON(raw, &v); err != nil {
				l.log.Warn().Err(err).Str("provider", provider.Name()).Msg("Uncertainty vote unparseable")
				return nil
			}
			if !validLabel(v.Label) || v.Uncertainty < 0 || v.Uncertainty > 1 || v.Confidence < 0 || v.Confidence > 1 {
				l.log.Warn().Str("provider", provider.Name()).Str("label", v.Label).Msg("Uncertainty vote invalid")
				return nil
			}
			v.Provider = provider.Name()
			results[i] = &v
			return nil
		})
	}
	_ = g.Wait()

	votes := make([]Vote, 0, len(results))
	for _, r := range results {
		if r != nil {
			votes = append(votes, *r)
		}
	}
	return votes
}

// fallbackVote keys a deterministic vote off the regime snapshot so the
// loop still reacts to regime stress without any providers.
func (l *Loop) fallbackVote(snap Snapshot) Vote {
	v := Vote{Provider: "fallback", Label: LabelCalm, Uncertainty: 0.2, Confidence: 0.5}
	switch snap.ActiveRegime {
	case "shock":
		v.Label = LabelShock
		v.Uncertainty = 0.8
	case "risk_off":
		v.Label = LabelRiskOff
		v.Uncertainty = 0.5
	case "transition":
		v.Label = LabelTransition
		v.Uncertainty = 0.4
	}
	return v
}

func validLabel(label string) bool {
	switch label {
	case LabelCalm, LabelRiskOff, LabelTransition, LabelShock:
		return true
	}
	return false
}
