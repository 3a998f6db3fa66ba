package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalplane/signalplane/internal/council"
	"github.com/signalplane/signalplane/internal/store"
)

type fakeAgent struct {
	name    string
	drafts  []store.FindingDraft
	err     error
	block   chan struct{}
	mu      sync.Mutex
	calls   int
	started chan struct{}
}

func (a *fakeAgent) Name() string { return a.name }

func (a *fakeAgent) Run(_ context.Context) ([]store.FindingDraft, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	if a.started != nil {
		a.started <- struct{}{}
	}
	if a.block != nil {
		<-a.block
	}
	return a.drafts, a.err
}

func (a *fakeAgent) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type fakeStore struct {
	mu        sync.Mutex
	inserted  map[string][]store.FindingDraft
	nextID    int64
	insertErr error
	successes []string
	failures  []string
	deals     []int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{inserted: make(map[string][]store.FindingDraft)}
}

func (s *fakeStore) InsertFindings(_ context.Context, agent string, drafts []store.FindingDraft) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return nil, s.insertErr
	}
	s.inserted[agent] = append(s.inserted[agent], drafts...)
	ids := make([]int64, len(drafts))
	for i := range ids {
		s.nextID++
		ids[i] = s.nextID
	}
	return ids, nil
}

func (s *fakeStore) RecordRunSuccess(_ context.Context, name string, _ time.Time, _ float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successes = append(s.successes, name)
	return nil
}

func (s *fakeStore) RecordRunError(_ context.Context, name string, _ error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, name)
	return nil
}

func (s *fakeStore) InsertDeal(_ context.Context, findingID int64, _ string, _ *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deals = append(s.deals, findingID)
	return true, nil
}

type fakeGatekeeper struct {
	killed   bool
	disabled bool
	weight   float64
	halted   bool
}

func (g *fakeGatekeeper) Killed(string) bool  { return g.killed }
func (g *fakeGatekeeper) Enabled(string) bool { return !g.disabled }
func (g *fakeGatekeeper) Weight(string) float64 {
	if g.weight == 0 {
		return 1
	}
	return g.weight
}
func (g *fakeGatekeeper) Halted() bool { return g.halted }

type fakeAnalyzer struct {
	mu  sync.Mutex
	ids []int64
}

func (a *fakeAnalyzer) Analyze(_ context.Context, id int64, _ bool) (*council.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ids = append(a.ids, id)
	return &council.Result{FindingID: id}, nil
}

func draft(severity string) store.FindingDraft {
	return store.FindingDraft{Title: "t", Severity: severity, Confidence: 0.5}
}

func newTestScheduler(dep Deps) *Scheduler {
	return New(Config{Workers: 2, GracePeriod: time.Second}, dep, zerolog.Nop())
}

func TestExecuteCommitsAndRecordsSuccess(t *testing.T) {
	st := newFakeStore()
	s := newTestScheduler(Deps{Store: st})
	agent := &fakeAgent{name: "macro", drafts: []store.FindingDraft{draft("low"), draft("medium")}}

	s.execute(context.Background(), Registration{Agent: agent})

	assert.Len(t, st.inserted["macro"], 2)
	assert.Equal(t, []string{"macro"}, st.successes)
	assert.Empty(t, st.failures)
}

func TestExecuteRecordsAgentError(t *testing.T) {
	st := newFakeStore()
	s := newTestScheduler(Deps{Store: st})
	agent := &fakeAgent{name: "flaky", err: errors.New("upstream 500")}

	s.execute(context.Background(), Registration{Agent: agent})

	assert.Empty(t, st.inserted["flaky"])
	assert.Equal(t, []string{"flaky"}, st.failures)
	assert.Empty(t, st.successes)
}

func TestExecuteCommitFailureRecordsError(t *testing.T) {
	st := newFakeStore()
	st.insertErr = store.ErrUnavailable
	s := newTestScheduler(Deps{Store: st})
	agent := &fakeAgent{name: "macro", drafts: []store.FindingDraft{draft("low")}}

	s.execute(context.Background(), Registration{Agent: agent})

	assert.Equal(t, []string{"macro"}, st.failures)
	assert.Empty(t, st.successes)
}

func TestPostCommitAnalyzesOnlyCriticalFindings(t *testing.T) {
	st := newFakeStore()
	an := &fakeAnalyzer{}
	s := newTestScheduler(Deps{Store: st, Analyzer: an})
	agent := &fakeAgent{name: "macro", drafts: []store.FindingDraft{
		draft("low"), draft("critical"), draft("critical"),
	}}

	s.execute(context.Background(), Registration{Agent: agent})

	assert.Equal(t, []int64{2, 3}, an.ids)
}

func TestPostCommitCreatesDealsForDealProducers(t *testing.T) {
	st := newFakeStore()
	s := newTestScheduler(Deps{Store: st})
	agent := &fakeAgent{name: "deals", drafts: []store.FindingDraft{draft("low"), draft("low")}}

	s.execute(context.Background(), Registration{Agent: agent, DealProducing: true})
	assert.Equal(t, []int64{1, 2}, st.deals)

	st2 := newFakeStore()
	s2 := newTestScheduler(Deps{Store: st2})
	s2.execute(context.Background(), Registration{Agent: agent})
	assert.Empty(t, st2.deals, "non-deal-producing agents create no deals")
}

func TestPostCommitRewardObservers(t *testing.T) {
	st := newFakeStore()
	var got []float64
	s := newTestScheduler(Deps{
		Store: st,
		Rewards: []RewardObserver{
			func(agent string, reward float64) { got = append(got, reward) },
		},
	})
	agent := &fakeAgent{name: "macro", drafts: []store.FindingDraft{draft("low"), draft("low"), draft("low")}}

	s.execute(context.Background(), Registration{Agent: agent})

	assert.Equal(t, []float64{3}, got)
}

func TestPanickingObserverIsIsolated(t *testing.T) {
	st := newFakeStore()
	s := newTestScheduler(Deps{
		Store: st,
		Rewards: []RewardObserver{
			func(string, float64) { panic("observer bug") },
		},
	})
	agent := &fakeAgent{name: "macro", drafts: []store.FindingDraft{draft("low")}}

	assert.NotPanics(t, func() {
		s.execute(context.Background(), Registration{Agent: agent})
	})
	assert.Equal(t, []string{"macro"}, st.successes)
}

func TestGateOrder(t *testing.T) {
	tests := []struct {
		name   string
		gate   fakeGatekeeper
		system bool
		force  bool
		want   string
	}{
		{"killed wins", fakeGatekeeper{killed: true, disabled: true, halted: true}, false, false, skipKilled},
		{"ranking next", fakeGatekeeper{disabled: true, halted: true}, false, false, skipRanking},
		{"muted next", fakeGatekeeper{weight: 0.001, halted: true}, false, false, skipMuted},
		{"halt last", fakeGatekeeper{halted: true}, false, false, skipHalted},
		{"all clear", fakeGatekeeper{}, false, false, ""},
		{"system bypasses everything", fakeGatekeeper{killed: true, halted: true}, true, false, ""},
		{"force bypasses everything", fakeGatekeeper{killed: true, halted: true}, false, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestScheduler(Deps{Gate: &tt.gate})
			e := &entry{
				reg:   Registration{Agent: &fakeAgent{name: "a"}, System: tt.system},
				force: tt.force,
			}
			assert.Equal(t, tt.want, s.gateReason(e))
		})
	}
}

func TestOverlappingTriggerIsDropped(t *testing.T) {
	st := newFakeStore()
	s := newTestScheduler(Deps{Store: st})
	agent := &fakeAgent{
		name:    "slow",
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	s.Register(Registration{Agent: agent, Interval: time.Hour})

	s.trigger("slow")
	<-agent.started

	s.trigger("slow") // previous run still in flight
	close(agent.block)
	s.Shutdown()

	assert.Equal(t, 1, agent.callCount())
}

func TestLifecycle(t *testing.T) {
	s := newTestScheduler(Deps{Store: newFakeStore()})
	agent := &fakeAgent{name: "macro"}
	s.Register(Registration{Agent: agent, Interval: time.Hour})

	assert.Equal(t, StateRegistered, s.States()["macro"])

	require.NoError(t, s.Start("macro", false))
	assert.Equal(t, StateScheduled, s.States()["macro"])
	require.NoError(t, s.Start("macro", false), "double start is a no-op")

	require.NoError(t, s.UpdateInterval("macro", 30*time.Minute))

	require.NoError(t, s.Stop("macro"))
	assert.Equal(t, StateStopped, s.States()["macro"])
	require.NoError(t, s.Stop("macro"), "double stop is a no-op")

	assert.ErrorIs(t, s.Start("ghost", false), ErrUnknownAgent)
	assert.ErrorIs(t, s.Stop("ghost"), ErrUnknownAgent)
	assert.ErrorIs(t, s.UpdateInterval("ghost", time.Minute), ErrUnknownAgent)
	assert.ErrorIs(t, s.RunNow("ghost"), ErrUnknownAgent)

	s.Shutdown()
}

func TestEffectiveIntervalFloorAndCadence(t *testing.T) {
	s := newTestScheduler(Deps{})

	assert.Equal(t, 10*time.Minute, s.effectiveInterval(10*time.Minute))

	s.SetCadenceMultiplier(0.5)
	assert.Equal(t, 5*time.Minute, s.effectiveInterval(10*time.Minute))

	s.SetCadenceMultiplier(0.001)
	assert.Equal(t, time.Minute, s.effectiveInterval(10*time.Minute), "floored at one minute")

	s.SetCadenceMultiplier(0)
	assert.Equal(t, time.Minute, s.effectiveInterval(10*time.Minute), "non-positive multiplier ignored")
}
