package store

import (
	"context"
	"time"
)

// AgentStatus is the persisted runtime record for one agent.
type AgentStatus struct {
	ID           string     `db:"id" json:"id"`
	Name         string     `db:"agent_name" json:"agent_name"`
	Enabled      bool       `db:"enabled" json:"enabled"`
	IsActive     bool       `db:"is_active" json:"is_active"`
	IntervalMins int        `db:"interval_mins" json:"interval_mins"`
	BaseWeight   float64    `db:"base_weight" json:"base_weight"`
	Rank         int        `db:"rank" json:"rank"`
	LastScore    *float64   `db:"last_score" json:"last_score,omitempty"`
	LastRun      *time.Time `db:"last_run" json:"last_run,omitempty"`
	RunCount     int        `db:"run_count" json:"run_count"`
	ErrorCount   int        `db:"error_count" json:"error_count"`
	LastError    *string    `db:"last_error" json:"last_error,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// maxErrorLen truncates stored error strings.
const maxErrorLen = 500

// GetAgentStatus retrieves one agent's status row.
func (s *Store) GetAgentStatus(ctx context.Context, name string) (*AgentStatus, error) {
	query := `
		SELECT id, agent_name, enabled, is_active, interval_mins, base_weight, rank,
		       last_score, last_run, run_count, error_count, last_error,
		       created_at, updated_at
		FROM agent_status
		WHERE agent_name = $1
	`

	var a AgentStatus
	err := s.pool.QueryRow(ctx, query, name).Scan(
		&a.ID, &a.Name, &a.Enabled, &a.IsActive, &a.IntervalMins, &a.BaseWeight, &a.Rank,
		&a.LastScore, &a.LastRun, &a.RunCount, &a.ErrorCount, &a.LastError,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, storeErr(err)
	}
	return &a, nil
}

// GetAllAgentStatuses retrieves every agent's status, ordered by name.
func (s *Store) GetAllAgentStatuses(ctx context.Context) ([]*AgentStatus, error) {
	query := `
		SELECT id, agent_name, enabled, is_active, interval_mins, base_weight, rank,
		       last_score, last_run, run_count, error_count, last_error,
		       created_at, updated_at
		FROM agent_status
		ORDER BY agent_name ASC
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var agents []*AgentStatus
	for rows.Next() {
		var a AgentStatus
		err := rows.Scan(
			&a.ID, &a.Name, &a.Enabled, &a.IsActive, &a.IntervalMins, &a.BaseWeight, &a.Rank,
			&a.LastScore, &a.LastRun, &a.RunCount, &a.ErrorCount, &a.LastError,
			&a.CreatedAt, &a.UpdatedAt,
		)
		if err != nil {
			return nil, storeErr(err)
		}
		agents = append(agents, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}
	return agents, nil
}

// UpsertAgentStatus registers or updates an agent. Agents are never
// deleted, only disabled.
func (s *Store) UpsertAgentStatus(ctx context.Context, a *AgentStatus) error {
	query := `
		INSERT INTO agent_status (
			agent_name, enabled, is_active, interval_mins, base_weight, rank,
			last_score, last_run, run_count, error_count, last_error
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (agent_name) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			is_active = EXCLUDED.is_active,
			interval_mins = EXCLUDED.interval_mins,
			base_weight = EXCLUDED.base_weight,
			rank = EXCLUDED.rank,
			last_score = EXCLUDED.last_score,
			last_run = EXCLUDED.last_run,
			run_count = EXCLUDED.run_count,
			error_count = EXCLUDED.error_count,
			last_error = EXCLUDED.last_error,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`

	err := s.pool.QueryRow(ctx, query,
		a.Name, a.Enabled, a.IsActive, a.IntervalMins, a.BaseWeight, a.Rank,
		a.LastScore, a.LastRun, a.RunCount, a.ErrorCount, a.LastError,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)

	return storeErr(err)
}

// RecordRunSuccess bumps run_count and last_run after a clean run.
func (s *Store) RecordRunSuccess(ctx context.Context, name string, at time.Time, score float64) error {
	query := `
		UPDATE agent_status
		SET run_count = run_count + 1,
		    last_run = $2,
		    last_score = $3,
		    is_active = FALSE,
		    updated_at = NOW()
		WHERE agent_name = $1
	`
	_, err := s.pool.Exec(ctx, query, name, at, score)
	return storeErr(err)
}

// RecordRunError bumps error_count and stores the truncated message.
func (s *Store) RecordRunError(ctx context.Context, name string, runErr error) error {
	msg := runErr.Error()
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	query := `
		UPDATE agent_status
		SET error_count = error_count + 1,
		    last_error = $2,
		    is_active = FALSE,
		    updated_at = NOW()
		WHERE agent_name = $1
	`
	_, err := s.pool.Exec(ctx, query, name, msg)
	return storeErr(err)
}

// SetAgentEnabled toggles the enabled flag.
func (s *Store) SetAgentEnabled(ctx context.Context, name string, enabled bool) error {
	query := `
		UPDATE agent_status
		SET enabled = $2, updated_at = NOW()
		WHERE agent_name = $1
	`
	_, err := s.pool.Exec(ctx, query, name, enabled)
	return storeErr(err)
}

// UpdateAgentCadence writes the rebalance-assigned interval and weight.
func (s *Store) UpdateAgentCadence(ctx context.Context, name string, intervalMins int, baseWeight float64) error {
	query := `
		UPDATE agent_status
		SET interval_mins = $2, base_weight = $3, updated_at = NOW()
		WHERE agent_name = $1
	`
	_, err := s.pool.Exec(ctx, query, name, intervalMins, baseWeight)
	return storeErr(err)
}
