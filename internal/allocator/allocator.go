// Package allocator distributes the per-interval run budget across
// agents with a decay-weighted UCB score.
package allocator

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/signalplane/signalplane/internal/decay"
)

// Epsilon is the effective-weight cutoff below which an agent is muted.
const Epsilon = 0.01

const minBudgetFloor = 10

// Config holds the allocator tunables.
type Config struct {
	Exploration float64
	Window      int
	RunBudget   int
	MinSignals  int
	MinRuns     int
	MaxRuns     int
	HalfLife    float64 // steps, for the last-positive recency decay
}

func (c *Config) defaults() {
	if c.Exploration == 0 {
		c.Exploration = 1.5
	}
	if c.Window == 0 {
		c.Window = 500
	}
	if c.RunBudget == 0 {
		c.RunBudget = 30
	}
	if c.MinSignals == 0 {
		c.MinSignals = 15
	}
	if c.MinRuns == 0 {
		c.MinRuns = 1
	}
	if c.MaxRuns == 0 {
		c.MaxRuns = 10
	}
	if c.HalfLife == 0 {
		c.HalfLife = 120
	}
}

var (
	metricsOnce sync.Once
	metrics     *allocatorMetrics
)

type allocatorMetrics struct {
	budgetEffective prometheus.Gauge
	rebalances      prometheus.Counter
	mutedAgents     prometheus.Gauge
}

func initMetrics() *allocatorMetrics {
	metricsOnce.Do(func() {
		metrics = &allocatorMetrics{
			budgetEffective: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "allocator_budget_effective",
				Help: "Run budget after the decay multiplier",
			}),
			rebalances: promauto.NewCounter(prometheus.CounterOpts{
				Name: "allocator_rebalances_total",
				Help: "Total allocator rebalance passes",
			}),
			mutedAgents: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "allocator_muted_agents",
				Help: "Agents excluded by the effective-weight cutoff",
			}),
		}
	})
	return metrics
}

// agentState is the per-agent bandit arm.
type agentState struct {
	ring         *Ring
	pulls        int64
	lastPositive int64 // global pull index of the last positive reward
}

// Allocator owns the arm state. Record may be called concurrently with
// Rebalance.
type Allocator struct {
	cfg Config
	log zerolog.Logger
	m   *allocatorMetrics

	mu         sync.Mutex
	agents     map[string]*agentState
	totalPulls int64
}

// New creates an allocator.
func New(cfg Config, logger zerolog.Logger) *Allocator {
	cfg.defaults()
	return &Allocator{
		cfg:    cfg,
		agents: make(map[string]*agentState),
		log:    logger.With().Str("component", "allocator").Logger(),
		m:      initMetrics(),
	}
}

// Record feeds one run's reward into the agent's ring buffer.
func (a *Allocator) Record(agent string, reward float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.agents[agent]
	if !ok {
		st = &agentState{ring: NewRing(a.cfg.Window)}
		a.agents[agent] = st
	}
	a.totalPulls++
	st.pulls++
	st.ring.Push(reward)
	if reward > 0 {
		st.lastPositive = a.totalPulls
	}
}

// Signals reports how many rewards an agent has accumulated.
func (a *Allocator) Signals(agent string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.agents[agent]; ok {
		return st.ring.Len()
	}
	return 0
}

// Inputs carries the cross-component state one rebalance pass reads.
type Inputs struct {
	Regime         string
	RegimeAges     map[string]float64 // steps each agent has been tracked in the regime
	Weights        map[string]float64 // effective per-agent regime weights
	Uncertainty    float64            // current uncertainty score
	GlobalDecay    float64            // uncertainty decay multiplier
	RiskMultiplier float64            // drawdown governor output
	IgnoreRates    map[string]float64 // per-agent council ignore rate in the regime
	HistoryDecay   func(agent string) float64
	RecentFindings []FindingRef
	HalfLives      map[string]float64
	Clusters       map[string]string // agent -> cluster id
}

// Plan is the output of one rebalance pass.
type Plan struct {
	Scores          map[string]float64 `json:"scores"`
	Quotas          map[string]int     `json:"quotas"`
	Weights         map[string]float64 `json:"weights"`
	BudgetEffective int                `json:"budget_effective"`
	Muted           []string           `json:"muted"`
	ComputedAt      time.Time          `json:"computed_at"`
}

// Rebalance scores every tracked agent and assigns run quotas.
func (a *Allocator) Rebalance(in Inputs) *Plan {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.m.rebalances.Inc()

	globalDecay := in.GlobalDecay
	if globalDecay <= 0 {
		globalDecay = 1
	}
	risk := in.RiskMultiplier
	if risk <= 0 || risk > 1 {
		risk = 1
	}
	// The drawdown soft throttle and the uncertainty decay both shrink
	// the effective capital; a hard halt is enforced upstream by the
	// scheduler gate.
	budget := int(math.Round(float64(a.cfg.RunBudget) * globalDecay * risk))
	if budget < minBudgetFloor {
		budget = minBudgetFloor
	}

	redundant := RedundantAgents(in.RecentFindings)

	scores := make(map[string]float64)
	cold := make([]string, 0)
	for name, st := range a.agents {
		if st.ring.Len() < a.cfg.MinSignals {
			cold = append(cold, name)
			continue
		}
		s := a.score(name, st, in)
		if redundant[name] {
			s *= redundancyPenalty
		}
		s *= failFirstPenalty(in.Uncertainty, in.IgnoreRates[name])
		scores[name] = s
	}

	weights, muted := substitute(in.Weights, in.Clusters, scores)

	quotas := a.assignQuotas(scores, weights, cold, budget)

	a.m.budgetEffective.Set(float64(budget))
	a.m.mutedAgents.Set(float64(len(muted)))

	a.log.Info().
		Int("budget_effective", budget).
		Int("scored", len(scores)).
		Int("cold", len(cold)).
		Int("muted", len(muted)).
		Str("regime", in.Regime).
		Msg("Allocator rebalanced")

	return &Plan{
		Scores:          scores,
		Quotas:          quotas,
		Weights:         weights,
		BudgetEffective: budget,
		Muted:           muted,
		ComputedAt:      time.Now().UTC(),
	}
}

// score computes the decay-weighted UCB score for one arm. Caller holds
// the lock.
func (a *Allocator) score(name string, st *agentState, in Inputs) float64 {
	mean := st.ring.Mean()

	bonus := 0.0
	if a.totalPulls > 1 && st.pulls > 0 {
		bonus = a.cfg.Exploration * math.Sqrt(math.Log(float64(a.totalPulls))/float64(st.pulls))
	}

	age := float64(a.totalPulls - st.lastPositive)
	recency := math.Exp(-math.Ln2 * age / a.cfg.HalfLife)
	if recency < decay.MinFloor {
		recency = decay.MinFloor
	}

	history := 1.0
	if in.HistoryDecay != nil {
		history = in.HistoryDecay(name)
	}

	regimeDecay := decay.RegimeDecay(in.RegimeAges[name], in.Regime, in.HalfLives)

	uncertaintyDecay := 1 - in.Uncertainty
	if uncertaintyDecay < 0.2 {
		uncertaintyDecay = 0.2
	}

	globalDecay := in.GlobalDecay
	if globalDecay <= 0 {
		globalDecay = 1
	}

	d := recency * history * regimeDecay * globalDecay * uncertaintyDecay
	return d * (mean + bonus)
}

// failFirstPenalty punishes agents the council keeps ignoring, but only
// under elevated uncertainty.
func failFirstPenalty(uncertainty, ignoreRate float64) float64 {
	if uncertainty < 0.5 || ignoreRate <= 0.2 {
		return 1
	}
	p := 1 - ignoreRate*0.5*(uncertainty-0.5)/0.5
	if p < 0.5 {
		p = 0.5
	}
	return p
}

// substitute redistributes the weight of muted agents (weight < Epsilon)
// to the best-scoring live agent in the same cluster. Redistribution is
// lossless within a cluster and never crosses clusters.
func substitute(weights map[string]float64, clusters map[string]string, scores map[string]float64) (map[string]float64, []string) {
	out := make(map[string]float64, len(weights))
	var muted []string
	for agent, w := range weights {
		out[agent] = w
		if w < Epsilon {
			muted = append(muted, agent)
		}
	}
	sort.Strings(muted)

	for _, agent := range muted {
		cluster, ok := clusters[agent]
		if !ok {
			continue
		}
		best := ""
		bestScore := math.Inf(-1)
		for peer, peerCluster := range clusters {
			if peer == agent || peerCluster != cluster || out[peer] < Epsilon {
				continue
			}
			if s := scores[peer]; s > bestScore || (s == bestScore && (best == "" || peer < best)) {
				best = peer
				bestScore = s
			}
		}
		if best != "" {
			out[best] += out[agent]
			out[agent] = 0
		}
	}
	return out, muted
}

// assignQuotas starts every runnable agent at min_runs, then hands out
// the remaining budget in descending score order round-robin, capped at
// max_runs. Cold agents get the floor only. Ties break toward the agent
// currently holding fewer runs, then by name.
//
// When the min-runs floor alone exceeds the budget the floor wins:
// every runnable agent still gets min_runs and no top-up round runs,
// so the quota sum can exceed the effective budget in that degenerate
// case.
func (a *Allocator) assignQuotas(scores map[string]float64, weights map[string]float64, cold []string, budget int) map[string]int {
	quotas := make(map[string]int)

	runnable := func(agent string) bool {
		if w, ok := weights[agent]; ok && w < Epsilon {
			return false
		}
		return true
	}

	var ranked []string
	for agent := range scores {
		if !runnable(agent) {
			continue
		}
		quotas[agent] = a.cfg.MinRuns
		ranked = append(ranked, agent)
	}
	for _, agent := range cold {
		if runnable(agent) {
			quotas[agent] = a.cfg.MinRuns
		}
	}

	remaining := budget
	for _, q := range quotas {
		remaining -= q
	}

	for remaining > 0 {
		sort.Slice(ranked, func(i, j int) bool {
			si, sj := scores[ranked[i]], scores[ranked[j]]
			if si != sj {
				return si > sj
			}
			if quotas[ranked[i]] != quotas[ranked[j]] {
				return quotas[ranked[i]] < quotas[ranked[j]]
			}
			return ranked[i] < ranked[j]
		})

		progressed := false
		for _, agent := range ranked {
			if remaining == 0 {
				break
			}
			if quotas[agent] >= a.cfg.MaxRuns {
				continue
			}
			quotas[agent]++
			remaining--
			progressed = true
		}
		if !progressed {
			break
		}
	}
	return quotas
}
