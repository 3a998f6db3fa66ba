package store

import (
	"context"
	"time"
)

// UncertaintyEvent is one output of the ensemble uncertainty loop.
type UncertaintyEvent struct {
	ID                int64             `db:"id" json:"id"`
	Timestamp         time.Time         `db:"created_at" json:"timestamp"`
	Label             string            `db:"label" json:"label"`
	Score             float64           `db:"score" json:"score"`
	Spike             bool              `db:"spike" json:"spike"`
	Disagreement      float64           `db:"disagreement" json:"disagreement"`
	Votes             map[string]string `db:"votes" json:"votes"`
	ActiveRegime      string            `db:"active_regime" json:"active_regime"`
	CadenceMultiplier float64           `db:"cadence_multiplier" json:"cadence_multiplier"`
	DecayMultiplier   float64           `db:"decay_multiplier" json:"decay_multiplier"`
}

// InsertUncertaintyEvent appends one loop output.
func (s *Store) InsertUncertaintyEvent(ctx context.Context, e *UncertaintyEvent) error {
	query := `
		INSERT INTO uncertainty_events (
			label, score, spike, disagreement, votes,
			active_regime, cadence_multiplier, decay_multiplier
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`

	err := s.pool.QueryRow(ctx, query,
		e.Label, e.Score, e.Spike, e.Disagreement, e.Votes,
		e.ActiveRegime, e.CadenceMultiplier, e.DecayMultiplier,
	).Scan(&e.ID, &e.Timestamp)
	return storeErr(err)
}

// ListRecentUncertaintyEvents returns the last limit loop outputs,
// newest first.
func (s *Store) ListRecentUncertaintyEvents(ctx context.Context, limit int) ([]*UncertaintyEvent, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `
		SELECT id, created_at, label, score, spike, disagreement, votes,
		       active_regime, cadence_multiplier, decay_multiplier
		FROM uncertainty_events
		ORDER BY id DESC
		LIMIT $1
	`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var events []*UncertaintyEvent
	for rows.Next() {
		var e UncertaintyEvent
		if err := rows.Scan(
			&e.ID, &e.Timestamp, &e.Label, &e.Score, &e.Spike, &e.Disagreement, &e.Votes,
			&e.ActiveRegime, &e.CadenceMultiplier, &e.DecayMultiplier,
		); err != nil {
			return nil, storeErr(err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// LatestUncertaintyEvent returns the most recent loop output, or
// ErrNotFound before the first cycle completes.
func (s *Store) LatestUncertaintyEvent(ctx context.Context) (*UncertaintyEvent, error) {
	query := `
		SELECT id, created_at, label, score, spike, disagreement, votes,
		       active_regime, cadence_multiplier, decay_multiplier
		FROM uncertainty_events
		ORDER BY id DESC
		LIMIT 1
	`

	var e UncertaintyEvent
	err := s.pool.QueryRow(ctx, query).Scan(
		&e.ID, &e.Timestamp, &e.Label, &e.Score, &e.Spike, &e.Disagreement, &e.Votes,
		&e.ActiveRegime, &e.CadenceMultiplier, &e.DecayMultiplier,
	)
	if err != nil {
		return nil, storeErr(err)
	}
	return &e, nil
}
