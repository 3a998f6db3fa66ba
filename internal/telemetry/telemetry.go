// Package telemetry wraps agent runs with a recorder that emits one
// event-log line per run, and rolls the event tail up into per-agent
// summaries for the admin surface.
package telemetry

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/signalplane/signalplane/internal/eventlog"
)

// Sink is where completed runs land; eventlog.Log satisfies it.
type Sink interface {
	Append(ev eventlog.Event) error
}

// Recorder stamps each run with a UUID and writes its outcome to the
// event log.
type Recorder struct {
	sink Sink
	log  zerolog.Logger
	now  func() time.Time
}

// NewRecorder creates a run recorder.
func NewRecorder(sink Sink, logger zerolog.Logger) *Recorder {
	return &Recorder{
		sink: sink,
		log:  logger.With().Str("component", "telemetry").Logger(),
		now:  time.Now,
	}
}

// Run is one in-flight agent run.
type Run struct {
	ID      string
	Agent   string
	started time.Time
	rec     *Recorder
}

// Start opens a run for the agent and assigns its run ID.
func (r *Recorder) Start(agent string) *Run {
	return &Run{
		ID:      uuid.New().String(),
		Agent:   agent,
		started: r.now(),
		rec:     r,
	}
}

// Outcome is what a finished run reports.
type Outcome struct {
	Reward  *float64
	CostUSD *float64
	Failed  bool
}

// Finish closes the run and appends its event. Append failures are
// logged, never propagated: a broken telemetry sink must not fail the
// run itself.
func (run *Run) Finish(out Outcome) {
	latency := run.rec.now().Sub(run.started).Milliseconds()
	ev := eventlog.Event{
		TS:        run.rec.now().UTC(),
		Agent:     run.Agent,
		RunID:     run.ID,
		LatencyMS: &latency,
		Reward:    out.Reward,
		CostUSD:   out.CostUSD,
	}
	if out.Failed {
		one := 1
		ev.Errors = &one
	}

	if err := run.rec.sink.Append(ev); err != nil {
		run.rec.log.Warn().Err(err).Str("agent", run.Agent).Str("run_id", run.ID).
			Msg("Failed to append run event")
		return
	}
	run.rec.log.Debug().Str("agent", run.Agent).Str("run_id", run.ID).
		Int64("latency_ms", latency).Bool("failed", out.Failed).
		Msg("Run recorded")
}
