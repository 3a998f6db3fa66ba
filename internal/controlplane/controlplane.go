// Package controlplane wires the periodic jobs that keep the platform's
// published snapshots fresh: regime rotation, uncertainty updates,
// allocator rebalances, quarantine checks, telemetry rollups, and the
// alert digests. Each snapshot slot has a single writer job; readers
// always see a complete value.
package controlplane

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/signalplane/signalplane/internal/alerts"
	"github.com/signalplane/signalplane/internal/allocator"
	"github.com/signalplane/signalplane/internal/drawdown"
	"github.com/signalplane/signalplane/internal/eventlog"
	"github.com/signalplane/signalplane/internal/metrics"
	"github.com/signalplane/signalplane/internal/regime"
	"github.com/signalplane/signalplane/internal/store"
	"github.com/signalplane/signalplane/internal/telemetry"
	"github.com/signalplane/signalplane/internal/uncertainty"
)

// Store is the persistence surface the jobs read and write.
type Store interface {
	GetAllAgentStatuses(ctx context.Context) ([]*store.AgentStatus, error)
	GetVotingStats(ctx context.Context) ([]*store.VotingStat, error)
	ListRecentFindings(ctx context.Context, limit int) ([]*store.Finding, error)
	ListRecentUncertaintyEvents(ctx context.Context, limit int) ([]*store.UncertaintyEvent, error)
	UpdateAgentCadence(ctx context.Context, name string, intervalMins int, baseWeight float64) error
}

// EventSource reads the telemetry tail; eventlog.Log satisfies it.
type EventSource interface {
	Tail(n int) ([]eventlog.Event, error)
}

// RiskSource evaluates the drawdown governor; drawdown.Governor
// satisfies it.
type RiskSource interface {
	Evaluate() (drawdown.RiskState, error)
}

// FeatureSource builds the regime feature menu.
type FeatureSource interface {
	Build(ctx context.Context) (regime.Features, error)
}

// UncertaintyLoop is the plane's view of the ensemble loop.
type UncertaintyLoop interface {
	Compute(ctx context.Context, snap uncertainty.Snapshot) uncertainty.State
	Current() uncertainty.State
}

// SchedulerControl is what the jobs push back into the scheduler.
type SchedulerControl interface {
	SetCadenceMultiplier(m float64)
	UpdateInterval(name string, d time.Duration) error
}

// Deps wires the plane's collaborators.
type Deps struct {
	Store    Store
	Events   EventSource
	Risk     RiskSource
	Features FeatureSource
	Skills   *regime.SkillTable
	Loop     UncertaintyLoop
	Alloc    *allocator.Allocator
	Decay    DecaySource
	Sched    SchedulerControl
	Alerts   alerts.Alerter
}

// DecaySource exposes the reward-recency decay; decay.Model satisfies
// it.
type DecaySource interface {
	Value(agent string) float64
}

// Config holds job cadences and static agent topology.
type Config struct {
	RebalanceEvery   time.Duration
	RollupEvery      time.Duration
	QuarantineEvery  time.Duration
	RegimeEvery      time.Duration
	UncertaintyEvery time.Duration
	WatchEvery       time.Duration
	DigestSpec       string // cron expression

	Clusters         map[string]string // agent -> cluster
	HalfLives        map[string]float64
	QuarantineStdDev float64
	EventWindow      int
}

func (c *Config) defaults() {
	if c.RebalanceEvery == 0 {
		c.RebalanceEvery = 15 * time.Minute
	}
	if c.RollupEvery == 0 {
		c.RollupEvery = 5 * time.Minute
	}
	if c.QuarantineEvery == 0 {
		c.QuarantineEvery = 5 * time.Minute
	}
	if c.RegimeEvery == 0 {
		c.RegimeEvery = 15 * time.Minute
	}
	if c.UncertaintyEvery == 0 {
		c.UncertaintyEvery = 5 * time.Minute
	}
	if c.WatchEvery == 0 {
		c.WatchEvery = 5 * time.Minute
	}
	if c.DigestSpec == "" {
		c.DigestSpec = "0 8 * * *"
	}
	if c.QuarantineStdDev == 0 {
		c.QuarantineStdDev = 2.5
	}
	if c.EventWindow == 0 {
		c.EventWindow = 500
	}
}

// Snapshot is the read view served to the scheduler gates and the admin
// surface.
type Snapshot struct {
	Regime      regime.State             `json:"regime"`
	Uncertainty uncertainty.State        `json:"uncertainty"`
	Risk        drawdown.RiskState       `json:"risk"`
	Plan        *allocator.Plan          `json:"plan,omitempty"`
	Quarantined []string                 `json:"quarantined,omitempty"`
	Rollup      []telemetry.AgentSummary `json:"rollup,omitempty"`
}

// Plane owns the published snapshots and the cron schedule.
type Plane struct {
	cfg Config
	dep Deps
	log zerolog.Logger
	pm  *metrics.Platform

	cron *cron.Cron

	mu           sync.RWMutex
	regimeState  regime.State
	risk         drawdown.RiskState
	plan         *allocator.Plan
	enabled      map[string]bool
	quarantined  map[string]bool
	rollup       []telemetry.AgentSummary
	regimeAges   map[string]float64
	lastRegime   string
	lastWarnedID int64
}

// New creates the plane. Start schedules the jobs.
func New(cfg Config, dep Deps, logger zerolog.Logger) *Plane {
	cfg.defaults()
	return &Plane{
		cfg:         cfg,
		dep:         dep,
		log:         logger.With().Str("component", "controlplane").Logger(),
		pm:          metrics.GetPlatform(),
		regimeState: regime.UnknownState(),
		risk:        drawdown.RiskState{OK: true, RiskMultiplier: 1},
		enabled:     make(map[string]bool),
		quarantined: make(map[string]bool),
		regimeAges:  make(map[string]float64),
	}
}

// scaledEvery is a cron schedule whose period stretches or shrinks with
// the current cadence multiplier, floored at one minute.
type scaledEvery struct {
	base time.Duration
	mult func() float64
}

func (s scaledEvery) Next(t time.Time) time.Time {
	d := time.Duration(float64(s.base) * s.mult())
	if d < time.Minute {
		d = time.Minute
	}
	return t.Add(d)
}

// Start registers and starts the periodic jobs.
func (p *Plane) Start(ctx context.Context) error {
	p.cron = cron.New()

	mult := func() float64 {
		m := p.dep.Loop.Current().CadenceMultiplier
		if m <= 0 {
			return 1
		}
		return m
	}
	every := func(base time.Duration, job func(context.Context)) {
		p.cron.Schedule(scaledEvery{base: base, mult: mult}, cron.FuncJob(func() {
			job(ctx)
		}))
	}

	every(p.cfg.RegimeEvery, p.RotateRegime)
	every(p.cfg.UncertaintyEvery, p.UpdateUncertainty)
	every(p.cfg.RebalanceEvery, p.Rebalance)
	every(p.cfg.RollupEvery, p.RollupTelemetry)
	every(p.cfg.QuarantineEvery, p.CheckQuarantine)
	every(p.cfg.WatchEvery, p.WatchTransitions)

	if _, err := p.cron.AddFunc(p.cfg.DigestSpec, func() { p.SendDigest(ctx) }); err != nil {
		return err
	}

	p.cron.Start()
	p.log.Info().Msg("Control plane jobs scheduled")
	return nil
}

// Stop halts the cron schedule; running jobs finish.
func (p *Plane) Stop() {
	if p.cron != nil {
		<-p.cron.Stop().Done()
	}
}

// CurrentSnapshot returns a consistent copy of all published slots.
func (p *Plane) CurrentSnapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	quarantined := make([]string, 0, len(p.quarantined))
	for agent := range p.quarantined {
		quarantined = append(quarantined, agent)
	}

	return Snapshot{
		Regime:      p.regimeState,
		Uncertainty: p.dep.Loop.Current(),
		Risk:        p.risk,
		Plan:        p.plan,
		Quarantined: quarantined,
		Rollup:      p.rollup,
	}
}

// ActiveRegime satisfies the council gate's RegimeSource.
func (p *Plane) ActiveRegime() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.regimeState.Active
}

// Killed reports whether the agent is quarantined; satisfies the
// scheduler Gatekeeper together with the methods below.
func (p *Plane) Killed(agent string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.quarantined[agent]
}

// Enabled reports the agent's ranking flag from the last rebalance.
// Agents not yet ranked run by default.
func (p *Plane) Enabled(agent string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if v, ok := p.enabled[agent]; ok {
		return v
	}
	return true
}

// Weight returns the agent's effective weight from the last plan, 1
// before the first rebalance.
func (p *Plane) Weight(agent string) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.plan == nil {
		return 1
	}
	if w, ok := p.plan.Weights[agent]; ok {
		return w
	}
	return 1
}

// Halted reports the drawdown hard-halt flag.
func (p *Plane) Halted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.risk.Halt
}
