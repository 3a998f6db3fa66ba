package scheduler

import (
	"context"
	"time"

	"github.com/signalplane/signalplane/internal/store"
	"github.com/signalplane/signalplane/internal/telemetry"
)

// execute is the run protocol: record, run the agent, commit its
// findings atomically, then apply the post-commit side effects.
func (s *Scheduler) execute(ctx context.Context, reg Registration) {
	name := reg.Agent.Name()
	started := time.Now()

	var run *telemetry.Run
	if s.dep.Recorder != nil {
		run = s.dep.Recorder.Start(name)
	}
	finish := func(out telemetry.Outcome) {
		if run != nil {
			run.Finish(out)
		}
		s.m.runDuration.Observe(time.Since(started).Seconds())
	}

	drafts, err := reg.Agent.Run(ctx)
	if err != nil {
		finish(telemetry.Outcome{Failed: true})
		s.m.runsTotal.WithLabelValues(name, "error").Inc()
		if recErr := s.dep.Store.RecordRunError(ctx, name, err); recErr != nil {
			s.log.Warn().Err(recErr).Str("agent", name).Msg("Failed to record run error")
		}
		s.log.Error().Err(err).Str("agent", name).Msg("Agent run failed")
		return
	}

	ids, err := s.dep.Store.InsertFindings(ctx, name, drafts)
	if err != nil {
		finish(telemetry.Outcome{Failed: true})
		s.m.runsTotal.WithLabelValues(name, "commit_error").Inc()
		if recErr := s.dep.Store.RecordRunError(ctx, name, err); recErr != nil {
			s.log.Warn().Err(recErr).Str("agent", name).Msg("Failed to record run error")
		}
		s.log.Error().Err(err).Str("agent", name).Int("findings", len(drafts)).
			Msg("Finding commit failed, run rolled back")
		return
	}

	reward := float64(len(ids))
	finish(telemetry.Outcome{Reward: &reward})
	s.m.runsTotal.WithLabelValues(name, "ok").Inc()
	s.m.findingsTotal.Add(reward)
	if err := s.dep.Store.RecordRunSuccess(ctx, name, time.Now().UTC(), reward); err != nil {
		s.log.Warn().Err(err).Str("agent", name).Msg("Failed to record run success")
	}

	s.log.Info().Str("agent", name).Int("findings", len(ids)).
		Dur("elapsed", time.Since(started)).Msg("Agent run committed")

	s.postCommit(ctx, reg, drafts, ids, reward)
}

// postCommit applies the ordered best-effort side effects. Each step is
// isolated: a panic or error in one never fails the run or the others.
func (s *Scheduler) postCommit(ctx context.Context, reg Registration, drafts []store.FindingDraft, ids []int64, reward float64) {
	name := reg.Agent.Name()

	if s.dep.Analyzer != nil {
		s.isolated("council gate", name, func() {
			for i, id := range ids {
				if drafts[i].Severity != store.SeverityCritical {
					continue
				}
				if _, err := s.dep.Analyzer.Analyze(ctx, id, false); err != nil {
					s.log.Warn().Err(err).Str("agent", name).Int64("finding_id", id).
						Msg("Council gate failed on critical finding")
				}
			}
		})
	}

	if s.dep.Classifier != nil {
		s.isolated("council backfill", name, func() {
			for _, id := range ids {
				if err := s.dep.Classifier.Classify(ctx, id); err != nil {
					s.log.Warn().Err(err).Str("agent", name).Int64("finding_id", id).
						Msg("Council tag backfill failed")
				}
			}
		})
	}

	if reg.DealProducing {
		s.isolated("deal creation", name, func() {
			for i, id := range ids {
				created, err := s.dep.Store.InsertDeal(ctx, id, name, drafts[i].Symbol)
				if err != nil {
					s.log.Warn().Err(err).Str("agent", name).Int64("finding_id", id).
						Msg("Deal creation failed")
					continue
				}
				if created {
					s.log.Debug().Str("agent", name).Int64("finding_id", id).Msg("Deal created")
				}
			}
		})
	}

	s.isolated("reward observers", name, func() {
		for _, observe := range s.dep.Rewards {
			observe(name, reward)
		}
	})
}

// isolated runs one post-commit step behind a recover so a panicking
// side effect cannot take down the scheduler.
func (s *Scheduler) isolated(step, agent string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("agent", agent).Str("step", step).Interface("panic", r).
				Msg("Post-commit step panicked")
		}
	}()
	fn()
}
