package store

import (
	"context"
	"time"
)

// CouncilResult records one gate invocation for a finding.
type CouncilResult struct {
	ID                 int64             `db:"id" json:"id"`
	FindingID          int64             `db:"finding_id" json:"finding_id"`
	Votes              map[string]string `db:"votes" json:"votes"`
	ConsensusAction    string            `db:"consensus_action" json:"consensus_action"`
	CombinedConfidence float64           `db:"combined_confidence" json:"combined_confidence"`
	TAVote             string            `db:"ta_vote" json:"ta_vote"`
	TAConfidence       float64           `db:"ta_confidence" json:"ta_confidence"`
	Disagreement       float64           `db:"disagreement" json:"disagreement"`
	UncertaintySpike   bool              `db:"uncertainty_spike" json:"uncertainty_spike"`
	CreatedAt          time.Time         `db:"created_at" json:"created_at"`
}

// InsertCouncilResult appends a gate invocation record.
func (s *Store) InsertCouncilResult(ctx context.Context, r *CouncilResult) error {
	query := `
		INSERT INTO council_results (
			finding_id, votes, consensus_action, combined_confidence,
			ta_vote, ta_confidence, disagreement, uncertainty_spike
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`

	err := s.pool.QueryRow(ctx, query,
		r.FindingID, r.Votes, r.ConsensusAction, r.CombinedConfidence,
		r.TAVote, r.TAConfidence, r.Disagreement, r.UncertaintySpike,
	).Scan(&r.ID, &r.CreatedAt)
	return storeErr(err)
}

// VotingStat aggregates council verdicts per agent and regime. The
// quarantine job reads ignore_rate off these rows.
type VotingStat struct {
	AgentName      string     `db:"agent_name" json:"agent_name"`
	Regime         string     `db:"regime" json:"regime"`
	VotesAct       int        `db:"votes_act" json:"votes_act"`
	VotesWatch     int        `db:"votes_watch" json:"votes_watch"`
	VotesIgnore    int        `db:"votes_ignore" json:"votes_ignore"`
	FirstFailureTS *time.Time `db:"first_failure_ts" json:"first_failure_ts,omitempty"`
	LastIgnoreTS   *time.Time `db:"last_ignore_ts" json:"last_ignore_ts,omitempty"`
	LastUpdated    time.Time  `db:"last_updated" json:"last_updated"`
}

// TotalVotes is the sum across the three verdict buckets.
func (v *VotingStat) TotalVotes() int {
	return v.VotesAct + v.VotesWatch + v.VotesIgnore
}

// IgnoreRate is votes_ignore over total, 0 when empty.
func (v *VotingStat) IgnoreRate() float64 {
	total := v.TotalVotes()
	if total == 0 {
		return 0
	}
	return float64(v.VotesIgnore) / float64(total)
}

// RecordVote bumps the bucket matching the verdict for (agent, regime).
// IGNORE votes also stamp last_ignore_ts and, on first sight,
// first_failure_ts.
func (s *Store) RecordVote(ctx context.Context, agentName, regime, verdict string) error {
	var actInc, watchInc, ignoreInc int
	switch verdict {
	case ActionAct:
		actInc = 1
	case ActionWatch:
		watchInc = 1
	case ActionIgnore:
		ignoreInc = 1
	}

	query := `
		INSERT INTO council_voting_stats (
			agent_name, regime, votes_act, votes_watch, votes_ignore,
			first_failure_ts, last_ignore_ts
		)
		VALUES ($1, $2, $3, $4, $5,
			CASE WHEN $5 > 0 THEN NOW() END,
			CASE WHEN $5 > 0 THEN NOW() END)
		ON CONFLICT (agent_name, regime) DO UPDATE SET
			votes_act = council_voting_stats.votes_act + EXCLUDED.votes_act,
			votes_watch = council_voting_stats.votes_watch + EXCLUDED.votes_watch,
			votes_ignore = council_voting_stats.votes_ignore + EXCLUDED.votes_ignore,
			first_failure_ts = COALESCE(council_voting_stats.first_failure_ts, EXCLUDED.first_failure_ts),
			last_ignore_ts = COALESCE(EXCLUDED.last_ignore_ts, council_voting_stats.last_ignore_ts),
			last_updated = NOW()
	`

	_, err := s.pool.Exec(ctx, query, agentName, regime, actInc, watchInc, ignoreInc)
	return storeErr(err)
}

// GetVotingStats returns every aggregate row, ordered for stable output.
func (s *Store) GetVotingStats(ctx context.Context) ([]*VotingStat, error) {
	query := `
		SELECT agent_name, regime, votes_act, votes_watch, votes_ignore,
		       first_failure_ts, last_ignore_ts, last_updated
		FROM council_voting_stats
		ORDER BY agent_name, regime
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var stats []*VotingStat
	for rows.Next() {
		var v VotingStat
		err := rows.Scan(
			&v.AgentName, &v.Regime, &v.VotesAct, &v.VotesWatch, &v.VotesIgnore,
			&v.FirstFailureTS, &v.LastIgnoreTS, &v.LastUpdated,
		)
		if err != nil {
			return nil, storeErr(err)
		}
		stats = append(stats, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}
	return stats, nil
}
