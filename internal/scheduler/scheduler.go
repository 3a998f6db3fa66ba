// Package scheduler owns agent lifecycles: interval triggers, run
// gating, the run protocol, and bounded-parallel execution.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/signalplane/signalplane/internal/council"
	"github.com/signalplane/signalplane/internal/store"
	"github.com/signalplane/signalplane/internal/telemetry"
)

// Agent lifecycle states.
const (
	StateRegistered = "REGISTERED"
	StateScheduled  = "SCHEDULED"
	StateRunning    = "RUNNING"
	StateIdle       = "IDLE"
	StateStopped    = "STOPPED"
)

// Skip reasons surfaced in logs and the skip counter.
const (
	skipKilled  = "killed"
	skipRanking = "disabled by ranking"
	skipMuted   = "muted by regime"
	skipHalted  = "risk halt"
	skipBusy    = "previous run still in flight"
)

const minEffectiveInterval = time.Minute

// ErrUnknownAgent is returned for lifecycle calls naming an agent that
// was never registered.
var ErrUnknownAgent = errors.New("unknown agent")

// Agent produces finding drafts when triggered.
type Agent interface {
	Name() string
	Run(ctx context.Context) ([]store.FindingDraft, error)
}

// Registration declares an agent to the scheduler.
type Registration struct {
	Agent         Agent
	Interval      time.Duration
	System        bool // system agents bypass every gate
	DealProducing bool // auto-create one deal per committed finding
}

// FindingStore is the slice of the store the run protocol needs.
type FindingStore interface {
	InsertFindings(ctx context.Context, agentName string, drafts []store.FindingDraft) ([]int64, error)
	RecordRunSuccess(ctx context.Context, name string, at time.Time, score float64) error
	RecordRunError(ctx context.Context, name string, runErr error) error
	InsertDeal(ctx context.Context, findingID int64, agentName string, symbol *string) (bool, error)
}

// Analyzer runs full council analysis on a committed finding; the
// triple-confirmation gate satisfies it.
type Analyzer interface {
	Analyze(ctx context.Context, findingID int64, force bool) (*council.Result, error)
}

// Classifier optionally backfills the domain council tags on a
// committed finding.
type Classifier interface {
	Classify(ctx context.Context, findingID int64) error
}

// Gatekeeper answers the per-trigger gating questions. Implementations
// read published snapshots, so calls must be cheap.
type Gatekeeper interface {
	Killed(agent string) bool
	Enabled(agent string) bool
	Weight(agent string) float64
	Halted() bool
}

// RewardObserver receives the per-run reward proxy (findings count)
// after a successful commit.
type RewardObserver func(agent string, reward float64)

// Config holds scheduler tunables.
type Config struct {
	Workers       int
	GracePeriod   time.Duration
	WeightEpsilon float64
}

func (c *Config) defaults() {
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = 30 * time.Second
	}
	if c.WeightEpsilon == 0 {
		c.WeightEpsilon = 0.01
	}
}

// Deps wires the run protocol's collaborators.
type Deps struct {
	Store      FindingStore
	Recorder   *telemetry.Recorder
	Gate       Gatekeeper
	Analyzer   Analyzer
	Classifier Classifier
	Rewards    []RewardObserver
}

type schedulerMetrics struct {
	runsTotal     *prometheus.CounterVec
	skipsTotal    *prometheus.CounterVec
	findingsTotal prometheus.Counter
	runDuration   prometheus.Histogram
	activeAgents  prometheus.Gauge
}

var (
	metricsInstance *schedulerMetrics
	metricsOnce     sync.Once
)

func getOrCreateMetrics() *schedulerMetrics {
	metricsOnce.Do(func() {
		metricsInstance = &schedulerMetrics{
			runsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "scheduler_runs_total",
				Help: "Agent runs by outcome",
			}, []string{"agent", "outcome"}),
			skipsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "scheduler_skips_total",
				Help: "Triggers skipped by gate reason",
			}, []string{"reason"}),
			findingsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "scheduler_findings_total",
				Help: "Findings committed across all runs",
			}),
			runDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "scheduler_run_duration_seconds",
				Help:    "Wall time of agent runs",
				Buckets: prometheus.DefBuckets,
			}),
			activeAgents: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "scheduler_active_agents",
				Help: "Agents currently scheduled",
			}),
		}
	})
	return metricsInstance
}

type entry struct {
	reg      Registration
	state    string
	interval time.Duration
	force    bool
	running  bool
	stop     chan struct{}
}

// Scheduler is the single-leader trigger loop over all registered
// agents. Per-agent runs are serialized; a tick arriving while the
// previous run is in flight is dropped.
type Scheduler struct {
	cfg Config
	dep Deps
	log zerolog.Logger
	m   *schedulerMetrics

	// cadence multiplier as math.Float64bits, updated by the
	// uncertainty loop
	cadence atomic.Uint64

	mu      sync.Mutex
	agents  map[string]*entry
	sem     chan struct{}
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates a scheduler. Call Shutdown to release it.
func New(cfg Config, dep Deps, logger zerolog.Logger) *Scheduler {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:     cfg,
		dep:     dep,
		log:     logger.With().Str("component", "scheduler").Logger(),
		m:       getOrCreateMetrics(),
		agents:  make(map[string]*entry),
		sem:     make(chan struct{}, cfg.Workers),
		baseCtx: ctx,
		cancel:  cancel,
	}
	s.cadence.Store(math.Float64bits(1))
	return s
}

// Register declares an agent. Registering an already known name
// replaces its registration but keeps its lifecycle state.
func (s *Scheduler) Register(reg Registration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.agents[reg.Agent.Name()]; ok {
		e.reg = reg
		return
	}
	s.agents[reg.Agent.Name()] = &entry{
		reg:      reg,
		state:    StateRegistered,
		interval: reg.Interval,
	}
}

// Start registers an interval trigger for the agent. With force set,
// per-trigger gates 3-6 are bypassed for the lifetime of the trigger.
func (s *Scheduler) Start(name string, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.agents[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	if e.stop != nil {
		return nil // already scheduled
	}

	e.force = force
	e.state = StateScheduled
	e.stop = make(chan struct{})
	s.m.activeAgents.Inc()

	go s.loop(name, e.stop)

	s.log.Info().Str("agent", name).Dur("interval", e.interval).Bool("force", force).
		Msg("Agent scheduled")
	return nil
}

// Stop cancels the agent's trigger. An in-flight run completes.
func (s *Scheduler) Stop(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.agents[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	if e.stop == nil {
		return nil
	}

	close(e.stop)
	e.stop = nil
	e.state = StateStopped
	s.m.activeAgents.Dec()

	s.log.Info().Str("agent", name).Msg("Agent stopped")
	return nil
}

// UpdateInterval replaces the agent's trigger interval. The next tick
// uses the new value.
func (s *Scheduler) UpdateInterval(name string, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.agents[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	e.interval = d
	return nil
}

// RunNow triggers an out-of-band one-shot run, still subject to gating.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	_, ok := s.agents[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	s.trigger(name)
	return nil
}

// SetCadenceMultiplier rescales every trigger interval; the effective
// interval is floored at one minute. Values <= 0 are ignored.
func (s *Scheduler) SetCadenceMultiplier(m float64) {
	if m <= 0 {
		return
	}
	s.cadence.Store(math.Float64bits(m))
}

// States returns the lifecycle state per registered agent.
func (s *Scheduler) States() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string, len(s.agents))
	for name, e := range s.agents {
		out[name] = e.state
	}
	return out
}

// Shutdown cancels all triggers, waits up to the grace period for
// in-flight runs, then returns; runs still pending are dropped.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	for name, e := range s.agents {
		if e.stop != nil {
			close(e.stop)
			e.stop = nil
			s.m.activeAgents.Dec()
		}
		e.state = StateStopped
		_ = name
	}
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info().Msg("Scheduler drained")
	case <-time.After(s.cfg.GracePeriod):
		s.log.Warn().Dur("grace_period", s.cfg.GracePeriod).
			Msg("Scheduler shutdown grace period elapsed, dropping pending work")
	}
}

// effectiveInterval applies the cadence multiplier with the one-minute
// floor.
func (s *Scheduler) effectiveInterval(base time.Duration) time.Duration {
	m := math.Float64frombits(s.cadence.Load())
	d := time.Duration(float64(base) * m)
	if d < minEffectiveInterval {
		d = minEffectiveInterval
	}
	return d
}

func (s *Scheduler) loop(name string, stop chan struct{}) {
	for {
		s.mu.Lock()
		e, ok := s.agents[name]
		base := time.Minute
		if ok {
			base = e.interval
		}
		s.mu.Unlock()
		if !ok {
			return
		}

		timer := time.NewTimer(s.effectiveInterval(base))
		select {
		case <-stop:
			timer.Stop()
			return
		case <-s.baseCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.trigger(name)
		}
	}
}

// trigger evaluates the gates and, if they pass, dispatches one run on
// the worker pool.
func (s *Scheduler) trigger(name string) {
	s.mu.Lock()
	e, ok := s.agents[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	if e.running {
		s.mu.Unlock()
		s.skip(name, skipBusy)
		return
	}
	if reason := s.gateReason(e); reason != "" {
		s.mu.Unlock()
		s.skip(name, reason)
		return
	}
	e.running = true
	e.state = StateRunning
	reg := e.reg
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			if e2, ok := s.agents[name]; ok {
				e2.running = false
				if e2.state == StateRunning {
					e2.state = StateIdle
				}
			}
			s.mu.Unlock()
		}()

		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		case <-s.baseCtx.Done():
			return
		}

		s.execute(s.baseCtx, reg)
	}()
}

// gateReason applies the gate order; empty string means run. Caller
// holds the lock.
func (s *Scheduler) gateReason(e *entry) string {
	if e.reg.System || e.force {
		return ""
	}
	g := s.dep.Gate
	if g == nil {
		return ""
	}
	name := e.reg.Agent.Name()
	switch {
	case g.Killed(name):
		return skipKilled
	case !g.Enabled(name):
		return skipRanking
	case g.Weight(name) < s.cfg.WeightEpsilon:
		return skipMuted
	case g.Halted():
		return skipHalted
	}
	return ""
}

func (s *Scheduler) skip(agent, reason string) {
	s.m.skipsTotal.WithLabelValues(reason).Inc()
	s.log.Debug().Str("agent", agent).Str("reason", reason).Msg("Run skipped")
}
