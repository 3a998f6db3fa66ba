// The control plane binary wires the full platform: store, telemetry
// log, regime classifier, uncertainty loop, allocator, scheduler, and
// the admin and metrics surfaces.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/signalplane/signalplane/internal/agents"
	"github.com/signalplane/signalplane/internal/alerts"
	"github.com/signalplane/signalplane/internal/allocator"
	"github.com/signalplane/signalplane/internal/api"
	"github.com/signalplane/signalplane/internal/config"
	"github.com/signalplane/signalplane/internal/controlplane"
	"github.com/signalplane/signalplane/internal/council"
	"github.com/signalplane/signalplane/internal/decay"
	"github.com/signalplane/signalplane/internal/drawdown"
	"github.com/signalplane/signalplane/internal/eventlog"
	"github.com/signalplane/signalplane/internal/llm"
	"github.com/signalplane/signalplane/internal/market"
	"github.com/signalplane/signalplane/internal/metrics"
	"github.com/signalplane/signalplane/internal/regime"
	"github.com/signalplane/signalplane/internal/scheduler"
	"github.com/signalplane/signalplane/internal/store"
	"github.com/signalplane/signalplane/internal/telemetry"
	"github.com/signalplane/signalplane/internal/uncertainty"
)

const (
	momentumAgentName = "momentum"
	shutdownTimeout   = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: ./configs/config.yaml)")
	flag.Parse()

	failures := &startupTracker{path: filepath.Join("data", "startup_failures.json")}

	cfg, err := config.Load(*configPath)
	if err != nil {
		failures.fatal(fmt.Errorf("load config: %w", err))
	}
	failures.path = filepath.Join(filepath.Dir(cfg.EventLog.Path), "startup_failures.json")

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	logger := config.NewLogger("main")
	logger.Info().Str("environment", cfg.App.Environment).Msg("Starting SignalPlane control plane")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.Database.GetDSN(), logger)
	if err != nil {
		failures.fatal(fmt.Errorf("connect store: %w", err))
	}
	defer st.Close()

	events, err := eventlog.Open(cfg.EventLog.Path, logger)
	if err != nil {
		failures.fatal(fmt.Errorf("open event log: %w", err))
	}
	defer events.Close()

	governor := drawdown.New(events, cfg.Drawdown.Limit, cfg.EventLog.ReplayDepth, logger)

	var cache *market.SeriesCache
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.GetRedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cache = market.NewSeriesCache(client, time.Duration(cfg.Market.CacheTTLMin)*time.Minute, logger)
		defer client.Close()
	}
	fetcher := market.NewHTTPFetcher(cfg.Market.BaseURL, cfg.Market.Days,
		time.Duration(cfg.Market.TimeoutSec)*time.Second, logger)
	marketSvc := market.NewService(fetcher, cache, logger)

	features := regime.NewFeatureBuilder(marketSvc, logger)
	skills := regime.NewSkillTable(logger)

	providers := buildProviders(cfg, logger)
	counc := council.New(providers, cfg.Council.CouncilTimeout(), logger)

	gateAlerter, fleetAlerter, err := buildAlerters(cfg, logger)
	if err != nil {
		failures.fatal(fmt.Errorf("configure alerts: %w", err))
	}

	loop := uncertainty.NewLoop(providers, cfg.Council.CouncilTimeout(),
		&uncertaintySink{st: st}, logger)
	decayModel := decay.NewModel()
	alloc := allocator.New(allocator.Config{
		Exploration: cfg.Allocator.Exploration,
		Window:      cfg.Allocator.Window,
		RunBudget:   cfg.Allocator.RunBudget,
		MinSignals:  cfg.Allocator.MinSignals,
		MinRuns:     cfg.Allocator.MinRuns,
		MaxRuns:     cfg.Allocator.MaxRuns,
	}, logger)
	recorder := telemetry.NewRecorder(events, logger)

	clusters, err := controlplane.LoadClusters(cfg.Allocator.ClustersPath)
	if err != nil {
		failures.fatal(fmt.Errorf("load clusters: %w", err))
	}

	// The plane and the scheduler reference each other: the plane pushes
	// intervals and cadence into the scheduler, the scheduler reads the
	// plane's gates. The handle breaks the construction cycle.
	schedHandle := &schedulerHandle{}
	plane := controlplane.New(controlplane.Config{
		Clusters:  clusters,
		HalfLives: cfg.Decay.HalfLife,
	}, controlplane.Deps{
		Store:    st,
		Events:   events,
		Risk:     governor,
		Features: features,
		Skills:   skills,
		Loop:     loop,
		Alloc:    alloc,
		Decay:    decayModel,
		Sched:    schedHandle,
		Alerts:   fleetAlerter,
	}, logger)

	gate := council.NewGate(st, counc, marketSvc, plane, gateAlerter, cfg.Council.MinAgree, logger)

	var classifier scheduler.Classifier
	if len(providers) > 0 {
		classifier = council.NewClassifier(st, providers[0], logger)
	}

	sched := scheduler.New(scheduler.Config{
		Workers:     cfg.Scheduler.Workers,
		GracePeriod: cfg.Scheduler.GracePeriod(),
	}, scheduler.Deps{
		Store:      st,
		Recorder:   recorder,
		Gate:       plane,
		Analyzer:   gate,
		Classifier: classifier,
		Rewards: []scheduler.RewardObserver{
			alloc.Record,
			func(agent string, reward float64) {
				decayModel.Update(agent, reward, loop.Current().Score)
			},
			func(agent string, reward float64) {
				skills.Observe(agent, plane.ActiveRegime(), reward)
			},
		},
	}, logger)
	schedHandle.bind(sched)
	defer sched.Shutdown()

	registerAgents(ctx, cfg, st, sched, marketSvc, logger)

	var metricsServer *metrics.Server
	if cfg.Monitoring.EnableMetrics {
		metricsServer = metrics.NewServer(cfg.Monitoring.PrometheusPort, logger)
		if err := metricsServer.Start(); err != nil {
			failures.fatal(fmt.Errorf("start metrics server: %w", err))
		}
	}

	admin := api.NewServer(api.Config{
		Host:      cfg.Admin.Host,
		Port:      cfg.Admin.Port,
		Scheduler: sched,
		Snapshots: plane,
		Agents:    st,
	}, logger)
	if err := admin.Start(); err != nil {
		failures.fatal(fmt.Errorf("start admin server: %w", err))
	}

	if err := plane.Start(ctx); err != nil {
		failures.fatal(fmt.Errorf("start control plane jobs: %w", err))
	}

	logger.Info().Msg("SignalPlane running")
	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received")

	plane.Stop()
	sched.Shutdown()

	shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := admin.Shutdown(shCtx); err != nil {
		logger.Warn().Err(err).Msg("Admin server shutdown failed")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shCtx); err != nil {
			logger.Warn().Err(err).Msg("Metrics server shutdown failed")
		}
	}
	if err := events.Sync(); err != nil {
		logger.Warn().Err(err).Msg("Event log sync failed")
	}

	logger.Info().Msg("SignalPlane stopped")
}

// buildProviders constructs the enabled LLM clients in a stable order.
func buildProviders(cfg *config.Config, logger zerolog.Logger) []llm.Provider {
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	var providers []llm.Provider
	for _, name := range names {
		pc := cfg.Providers[name]
		if !pc.Enabled() {
			logger.Info().Str("provider", name).Msg("Provider disabled, no API key")
			continue
		}
		providers = append(providers, llm.NewClient(llm.ClientConfig{
			Name:     name,
			Endpoint: pc.Endpoint,
			APIKey:   pc.APIKey,
			Model:    pc.Model,
			Timeout:  cfg.Council.CouncilTimeout(),
			MaxRPM:   pc.MaxRPM,
		}, logger))
	}
	return providers
}

// buildAlerters constructs the two alert surfaces: the gate's
// exactly-once alerter, which keys success on the email channel and
// treats Telegram as best-effort, and the fleet manager used by the
// digest and warning jobs, which fans out to everything. With nothing
// configured the gate alerter stays nil (alerting disabled) and the
// fleet manager no-ops.
func buildAlerters(cfg *config.Config, logger zerolog.Logger) (alerts.Alerter, alerts.Alerter, error) {
	// Email first: it is the primary channel the alerted flag keys on.
	var channels []alerts.Alerter

	if cfg.Alerts.Email.Endpoint != "" {
		em, err := alerts.NewEmailAlerter(cfg.Alerts.Email.Endpoint, cfg.Alerts.Email.APIKey,
			cfg.Alerts.Email.From, cfg.Alerts.Email.To, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("email alerter: %w", err)
		}
		channels = append(channels, em)
	}
	if cfg.Alerts.Telegram.BotToken != "" {
		tg, err := alerts.NewTelegramAlerter(cfg.Alerts.Telegram.BotToken,
			[]int64{cfg.Alerts.Telegram.ChatID})
		if err != nil {
			return nil, nil, fmt.Errorf("telegram alerter: %w", err)
		}
		channels = append(channels, tg)
	}

	var gate alerts.Alerter
	if len(channels) > 0 {
		gate = alerts.NewPrimary(channels[0], channels[1:]...)
	}
	return gate, alerts.NewManager(channels...), nil
}

// registerAgents declares the built-in agents and schedules the ones
// whose persisted enabled flag allows it.
func registerAgents(ctx context.Context, cfg *config.Config, st *store.Store,
	sched *scheduler.Scheduler, series agents.SeriesSource, logger zerolog.Logger) {

	interval := time.Duration(cfg.Market.ScanIntervalMin) * time.Minute
	scanner := agents.NewMomentumScanner(momentumAgentName, cfg.Market.Symbols, series, logger)
	sched.Register(scheduler.Registration{
		Agent:         scanner,
		Interval:      interval,
		DealProducing: true,
	})

	// First boot registers the row; later boots keep the operator's
	// enabled flag.
	enabled := true
	if status, err := st.GetAgentStatus(ctx, momentumAgentName); err == nil {
		enabled = status.Enabled
	} else if err := st.UpsertAgentStatus(ctx, &store.AgentStatus{
		Name:         momentumAgentName,
		Enabled:      true,
		IntervalMins: int(interval.Minutes()),
		BaseWeight:   1.0,
	}); err != nil {
		logger.Warn().Err(err).Str("agent", momentumAgentName).
			Msg("Failed to register agent status")
	}
	if enabled {
		if err := sched.Start(momentumAgentName, false); err != nil {
			logger.Error().Err(err).Str("agent", momentumAgentName).
				Msg("Failed to schedule agent")
		}
	}
}

// uncertaintySink persists loop outputs through the store.
type uncertaintySink struct {
	st *store.Store
}

func (s *uncertaintySink) Persist(ctx context.Context, state uncertainty.State, activeRegime string) error {
	votes := make(map[string]string, len(state.Votes))
	for _, v := range state.Votes {
		votes[v.Provider] = fmt.Sprintf("%s:%.2f", v.Label, v.Uncertainty)
	}
	return s.st.InsertUncertaintyEvent(ctx, &store.UncertaintyEvent{
		Label:             state.Label,
		Score:             state.Score,
		Spike:             state.Spike,
		Disagreement:      state.Disagreement,
		Votes:             votes,
		ActiveRegime:      activeRegime,
		CadenceMultiplier: state.CadenceMultiplier,
		DecayMultiplier:   state.DecayMultiplier,
	})
}

// schedulerHandle late-binds the scheduler into the plane's deps. Calls
// before bind are dropped; the plane's jobs only run after both sides
// exist.
type schedulerHandle struct {
	mu sync.RWMutex
	s  controlplane.SchedulerControl
}

func (h *schedulerHandle) bind(s controlplane.SchedulerControl) {
	h.mu.Lock()
	h.s = s
	h.mu.Unlock()
}

func (h *schedulerHandle) get() controlplane.SchedulerControl {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.s
}

func (h *schedulerHandle) SetCadenceMultiplier(m float64) {
	if s := h.get(); s != nil {
		s.SetCadenceMultiplier(m)
	}
}

func (h *schedulerHandle) UpdateInterval(name string, d time.Duration) error {
	if s := h.get(); s != nil {
		return s.UpdateInterval(name, d)
	}
	return nil
}

const startupFailureKeep = 20

type startupFailure struct {
	TS    time.Time `json:"ts"`
	Error string    `json:"error"`
}

// startupTracker appends boot failures to a small JSON file so repeated
// crash loops leave a trail even when logs are not captured.
type startupTracker struct {
	path string
}

func (t *startupTracker) fatal(cause error) {
	fmt.Fprintf(os.Stderr, "startup failed: %v\n", cause)
	t.record(cause)
	os.Exit(1)
}

func (t *startupTracker) record(cause error) {
	var entries []startupFailure
	if data, err := os.ReadFile(t.path); err == nil {
		_ = json.Unmarshal(data, &entries)
	}
	entries = append(entries, startupFailure{TS: time.Now().UTC(), Error: cause.Error()})
	if len(entries) > startupFailureKeep {
		entries = entries[len(entries)-startupFailureKeep:]
	}

	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(t.path, data, 0o644)
}
