package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalplane/signalplane/internal/allocator"
	"github.com/signalplane/signalplane/internal/controlplane"
	"github.com/signalplane/signalplane/internal/scheduler"
	"github.com/signalplane/signalplane/internal/store"
)

type fakeSchedulerControl struct {
	started map[string]bool
	stopped map[string]bool
	ran     map[string]bool
	states  map[string]string
	err     error
}

func newFakeSchedulerControl() *fakeSchedulerControl {
	return &fakeSchedulerControl{
		started: make(map[string]bool),
		stopped: make(map[string]bool),
		ran:     make(map[string]bool),
		states:  map[string]string{"macro": scheduler.StateScheduled},
	}
}

func (f *fakeSchedulerControl) Start(name string, force bool) error {
	if f.err != nil {
		return f.err
	}
	f.started[name] = force
	return nil
}

func (f *fakeSchedulerControl) Stop(name string) error {
	if f.err != nil {
		return f.err
	}
	f.stopped[name] = true
	return nil
}

func (f *fakeSchedulerControl) RunNow(name string) error {
	if f.err != nil {
		return f.err
	}
	f.ran[name] = true
	return nil
}

func (f *fakeSchedulerControl) States() map[string]string { return f.states }

type fakeSnapshots struct {
	snap controlplane.Snapshot
}

func (f *fakeSnapshots) CurrentSnapshot() controlplane.Snapshot { return f.snap }

type fakeAgentStore struct {
	statuses []*store.AgentStatus
	enabled  map[string]bool
	err      error
}

func (f *fakeAgentStore) GetAllAgentStatuses(context.Context) ([]*store.AgentStatus, error) {
	return f.statuses, f.err
}

func (f *fakeAgentStore) SetAgentEnabled(_ context.Context, name string, enabled bool) error {
	if f.enabled == nil {
		f.enabled = make(map[string]bool)
	}
	f.enabled[name] = enabled
	return nil
}

func newTestServer(sched *fakeSchedulerControl, snaps *fakeSnapshots, agents *fakeAgentStore) *Server {
	if sched == nil {
		sched = newFakeSchedulerControl()
	}
	if snaps == nil {
		snaps = &fakeSnapshots{}
	}
	if agents == nil {
		agents = &fakeAgentStore{}
	}
	return NewServer(Config{
		Host:      "127.0.0.1",
		Port:      0,
		Scheduler: sched,
		Snapshots: snaps,
		Agents:    agents,
	}, zerolog.Nop())
}

func do(s *Server, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	s.router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	w := do(newTestServer(nil, nil, nil), http.MethodGet, "/health")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestListAgents(t *testing.T) {
	agents := &fakeAgentStore{statuses: []*store.AgentStatus{
		{Name: "macro", Enabled: true, IntervalMins: 15, BaseWeight: 1.0},
		{Name: "unseen", Enabled: false},
	}}
	w := do(newTestServer(nil, nil, agents), http.MethodGet, "/api/v1/agents")

	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Agents []agentView `json:"agents"`
		Count  int         `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, scheduler.StateScheduled, body.Agents[0].State)
	assert.Equal(t, "UNREGISTERED", body.Agents[1].State)
}

func TestListAgentsStoreDown(t *testing.T) {
	agents := &fakeAgentStore{err: store.ErrUnavailable}
	w := do(newTestServer(nil, nil, agents), http.MethodGet, "/api/v1/agents")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStartStopRun(t *testing.T) {
	sched := newFakeSchedulerControl()
	agents := &fakeAgentStore{}
	s := newTestServer(sched, nil, agents)

	w := do(s, http.MethodPost, "/api/v1/agents/macro/start?force=true")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, sched.started["macro"], "force flag forwarded")
	assert.True(t, agents.enabled["macro"])

	w = do(s, http.MethodPost, "/api/v1/agents/macro/stop")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, sched.stopped["macro"])
	assert.False(t, agents.enabled["macro"])

	w = do(s, http.MethodPost, "/api/v1/agents/macro/run")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, sched.ran["macro"])
}

func TestUnknownAgentIs404(t *testing.T) {
	sched := newFakeSchedulerControl()
	sched.err = scheduler.ErrUnknownAgent
	w := do(newTestServer(sched, nil, nil), http.MethodPost, "/api/v1/agents/ghost/start")

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSnapshotAndAllocator(t *testing.T) {
	snaps := &fakeSnapshots{}
	s := newTestServer(nil, snaps, nil)

	w := do(s, http.MethodGet, "/api/v1/allocator")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "no rebalance has completed yet")

	snaps.snap.Plan = &allocator.Plan{
		Quotas:          map[string]int{"macro": 5},
		BudgetEffective: 30,
	}
	w = do(s, http.MethodGet, "/api/v1/allocator")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"budget_effective":30`)

	w = do(s, http.MethodGet, "/api/v1/snapshot")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"regime"`)
}
