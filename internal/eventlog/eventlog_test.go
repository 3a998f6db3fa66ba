package eventlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func fp(v float64) *float64 { return &v }

func TestAppendAndTail(t *testing.T) {
	l := openTestLog(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append(Event{
			Agent:  "vol-spike",
			Reward: fp(float64(i)),
		}))
	}

	events, err := l.Tail(3)
	require.NoError(t, err)
	require.Len(t, events, 3)

	// Most recent last
	assert.Equal(t, 2.0, *events[0].Reward)
	assert.Equal(t, 4.0, *events[2].Reward)
}

func TestTailSkipsMalformedLines(t *testing.T) {
	l := openTestLog(t)

	require.NoError(t, l.Append(Event{Agent: "a", Reward: fp(1)}))

	// Simulate a torn write followed by a valid event.
	f, err := os.OpenFile(l.Path(), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{\"ts\": \"garb")
	require.NoError(t, err)
	_, err = f.WriteString("\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, l.Append(Event{Agent: "a", Reward: fp(2)}))

	events, err := l.Tail(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 1.0, *events[0].Reward)
	assert.Equal(t, 2.0, *events[1].Reward)
}

func TestRewardsSkipsEventsWithoutReward(t *testing.T) {
	l := openTestLog(t)

	require.NoError(t, l.Append(Event{Agent: "a", Reward: fp(1.5)}))
	require.NoError(t, l.Append(Event{Agent: "a"})) // latency-only event
	require.NoError(t, l.Append(Event{Agent: "a", Reward: fp(-0.5)}))

	rewards, err := l.Rewards(100)
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, -0.5}, rewards)
}

func TestTailOnMissingFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonexistent", "events.jsonl")
	l, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, os.Remove(path))

	events, err := l.Tail(10)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestReplayIsDeterministic(t *testing.T) {
	l := openTestLog(t)

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, r := range []float64{1, -2, 3.5} {
		require.NoError(t, l.Append(Event{TS: ts.Add(time.Duration(i) * time.Minute), Agent: "a", Reward: fp(r)}))
	}

	first, err := l.Rewards(100)
	require.NoError(t, err)
	second, err := l.Rewards(100)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
