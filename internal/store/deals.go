package store

import (
	"context"
)

// InsertDeal creates a deal record for a finding from a deal-producing
// agent. Idempotent on finding_id: re-running the hook after a partial
// failure creates nothing new. Returns whether a row was created.
func (s *Store) InsertDeal(ctx context.Context, findingID int64, agentName string, symbol *string) (bool, error) {
	query := `
		INSERT INTO deals (finding_id, agent_name, symbol)
		VALUES ($1, $2, $3)
		ON CONFLICT (finding_id) DO NOTHING
	`

	tag, err := s.pool.Exec(ctx, query, findingID, agentName, symbol)
	if err != nil {
		return false, storeErr(err)
	}
	return tag.RowsAffected() > 0, nil
}
