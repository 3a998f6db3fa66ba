package telemetry

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalplane/signalplane/internal/eventlog"
)

type captureSink struct {
	events []eventlog.Event
	err    error
}

func (s *captureSink) Append(ev eventlog.Event) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func f64(v float64) *float64 { return &v }

func TestRecorderStampsRunAndLatency(t *testing.T) {
	sink := &captureSink{}
	rec := NewRecorder(sink, zerolog.Nop())

	clock := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	rec.now = func() time.Time { return clock }

	run := rec.Start("macro_watcher")
	clock = clock.Add(1250 * time.Millisecond)
	run.Finish(Outcome{Reward: f64(2.0)})

	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	assert.Equal(t, "macro_watcher", ev.Agent)
	assert.Equal(t, run.ID, ev.RunID)
	_, err := uuid.Parse(ev.RunID)
	assert.NoError(t, err)
	require.NotNil(t, ev.LatencyMS)
	assert.Equal(t, int64(1250), *ev.LatencyMS)
	require.NotNil(t, ev.Reward)
	assert.Equal(t, 2.0, *ev.Reward)
	assert.Nil(t, ev.Errors)
}

func TestRecorderMarksFailures(t *testing.T) {
	sink := &captureSink{}
	rec := NewRecorder(sink, zerolog.Nop())

	rec.Start("flaky").Finish(Outcome{Failed: true})

	require.Len(t, sink.events, 1)
	require.NotNil(t, sink.events[0].Errors)
	assert.Equal(t, 1, *sink.events[0].Errors)
	assert.Nil(t, sink.events[0].Reward)
}

func TestRecorderSwallowsSinkErrors(t *testing.T) {
	rec := NewRecorder(&captureSink{err: errors.New("disk full")}, zerolog.Nop())

	assert.NotPanics(t, func() {
		rec.Start("agent").Finish(Outcome{})
	})
}

func TestRollup(t *testing.T) {
	t0 := time.Date(2026, 8, 24, 8, 0, 0, 0, time.UTC)
	one := 1
	lat := func(ms int64) *int64 { return &ms }

	events := []eventlog.Event{
		{TS: t0, Agent: "alpha", Reward: f64(1.0), LatencyMS: lat(100)},
		{TS: t0.Add(time.Minute), Agent: "alpha", Reward: f64(3.0), LatencyMS: lat(300), Errors: &one},
		{TS: t0, Agent: "bravo", CostUSD: f64(0.02)},
		{TS: t0, Agent: ""}, // skipped
	}

	summaries := Rollup(events)

	require.Len(t, summaries, 2)
	alpha, bravo := summaries[0], summaries[1]

	assert.Equal(t, "alpha", alpha.Agent)
	assert.Equal(t, 2, alpha.Runs)
	assert.Equal(t, 1, alpha.Errors)
	assert.InDelta(t, 0.5, alpha.ErrorRate, 1e-9)
	assert.InDelta(t, 2.0, alpha.MeanReward, 1e-9)
	assert.InDelta(t, 200.0, alpha.MeanLatMS, 1e-9)
	assert.Equal(t, t0.Add(time.Minute), alpha.LastRun)

	assert.Equal(t, "bravo", bravo.Agent)
	assert.Equal(t, 1, bravo.Runs)
	assert.InDelta(t, 0.02, bravo.TotalCost, 1e-9)
	assert.Equal(t, 0.0, bravo.MeanReward)
}

func TestRollupEmpty(t *testing.T) {
	assert.Empty(t, Rollup(nil))
}
