package store

import (
	"context"
	"fmt"
	"time"
)

// Severity levels for findings.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Consensus actions.
const (
	ActionAct    = "ACT"
	ActionWatch  = "WATCH"
	ActionIgnore = "IGNORE"
)

var validSeverities = map[string]bool{
	SeverityLow:      true,
	SeverityMedium:   true,
	SeverityHigh:     true,
	SeverityCritical: true,
}

// Finding is an agent-produced signal. Analysis fields are written at
// most once by the triple-confirmation gate unless force-reanalyze is
// set.
type Finding struct {
	ID          int64          `db:"id" json:"id"`
	AgentName   string         `db:"agent_name" json:"agent_name"`
	Timestamp   time.Time      `db:"created_at" json:"timestamp"`
	Symbol      *string        `db:"symbol" json:"symbol,omitempty"`
	MarketType  *string        `db:"market_type" json:"market_type,omitempty"`
	Title       string         `db:"title" json:"title"`
	Description string         `db:"description" json:"description"`
	Severity    string         `db:"severity" json:"severity"`
	Confidence  float64        `db:"confidence" json:"confidence"`
	Metadata    map[string]any `db:"metadata" json:"metadata,omitempty"`

	ConsensusAction     *string           `db:"consensus_action" json:"consensus_action,omitempty"`
	ConsensusConfidence *float64          `db:"consensus_confidence" json:"consensus_confidence,omitempty"`
	LLMVotes            map[string]string `db:"llm_votes" json:"llm_votes,omitempty"`
	LLMDisagreement     *float64          `db:"llm_disagreement" json:"llm_disagreement,omitempty"`
	AutoAnalyzed        bool              `db:"auto_analyzed" json:"auto_analyzed"`
	TARegime            *string           `db:"ta_regime" json:"ta_regime,omitempty"`
	AnalyzedAt          *time.Time        `db:"analyzed_at" json:"analyzed_at,omitempty"`
	Alerted             bool              `db:"alerted" json:"alerted"`
	TACouncil           *string           `db:"ta_council" json:"ta_council,omitempty"`
	FundCouncil         *string           `db:"fund_council" json:"fund_council,omitempty"`
	RealEstateCouncil   *string           `db:"real_estate_council" json:"real_estate_council,omitempty"`
}

// FindingDraft is the shape agents hand to the scheduler.
type FindingDraft struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Severity    string         `json:"severity"`
	Confidence  float64        `json:"confidence"`
	Symbol      *string        `json:"symbol,omitempty"`
	MarketType  *string        `json:"market_type,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Validate checks draft invariants before persistence.
func (d *FindingDraft) Validate() error {
	if d.Title == "" {
		return fmt.Errorf("finding title is empty")
	}
	if !validSeverities[d.Severity] {
		return fmt.Errorf("invalid severity %q", d.Severity)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("confidence %.3f out of [0,1]", d.Confidence)
	}
	return nil
}

const insertFindingSQL = `
	INSERT INTO findings (agent_name, symbol, market_type, title, description, severity, confidence, metadata)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	RETURNING id, created_at
`

// InsertFinding persists a single draft and returns the assigned id.
func (s *Store) InsertFinding(ctx context.Context, agentName string, d FindingDraft) (int64, error) {
	if err := d.Validate(); err != nil {
		return 0, err
	}

	var id int64
	var createdAt time.Time
	err := s.pool.QueryRow(ctx, insertFindingSQL,
		agentName, d.Symbol, d.MarketType, d.Title, d.Description, d.Severity, d.Confidence, d.Metadata,
	).Scan(&id, &createdAt)
	if err != nil {
		return 0, storeErr(err)
	}
	return id, nil
}

// InsertFindings persists a run's drafts in a single transaction so the
// batch commits or rolls back as a unit, preserving produced order.
func (s *Store) InsertFindings(ctx context.Context, agentName string, drafts []FindingDraft) ([]int64, error) {
	for i := range drafts {
		if err := drafts[i].Validate(); err != nil {
			return nil, fmt.Errorf("finding %d: %w", i, err)
		}
	}
	if len(drafts) == 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, storeErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ids := make([]int64, 0, len(drafts))
	for _, d := range drafts {
		var id int64
		var createdAt time.Time
		err := tx.QueryRow(ctx, insertFindingSQL,
			agentName, d.Symbol, d.MarketType, d.Title, d.Description, d.Severity, d.Confidence, d.Metadata,
		).Scan(&id, &createdAt)
		if err != nil {
			return nil, storeErr(err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storeErr(err)
	}
	return ids, nil
}

// GetFinding loads one finding by id.
func (s *Store) GetFinding(ctx context.Context, id int64) (*Finding, error) {
	query := `
		SELECT id, agent_name, created_at, symbol, market_type, title, description,
		       severity, confidence, metadata,
		       consensus_action, consensus_confidence, llm_votes, llm_disagreement,
		       auto_analyzed, ta_regime, analyzed_at, alerted,
		       ta_council, fund_council, real_estate_council
		FROM findings
		WHERE id = $1
	`

	var f Finding
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&f.ID, &f.AgentName, &f.Timestamp, &f.Symbol, &f.MarketType,
		&f.Title, &f.Description, &f.Severity, &f.Confidence, &f.Metadata,
		&f.ConsensusAction, &f.ConsensusConfidence, &f.LLMVotes, &f.LLMDisagreement,
		&f.AutoAnalyzed, &f.TARegime, &f.AnalyzedAt, &f.Alerted,
		&f.TACouncil, &f.FundCouncil, &f.RealEstateCouncil,
	)
	if err != nil {
		return nil, storeErr(err)
	}
	return &f, nil
}

// ListRecentFindings returns the most recent findings, newest first.
// The allocator's redundancy check and the uncertainty loop both read
// this window.
func (s *Store) ListRecentFindings(ctx context.Context, limit int) ([]*Finding, error) {
	query := `
		SELECT id, agent_name, created_at, symbol, market_type, title, description,
		       severity, confidence, metadata,
		       consensus_action, consensus_confidence, llm_votes, llm_disagreement,
		       auto_analyzed, ta_regime, analyzed_at, alerted,
		       ta_council, fund_council, real_estate_council
		FROM findings
		ORDER BY id DESC
		LIMIT $1
	`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var findings []*Finding
	for rows.Next() {
		var f Finding
		err := rows.Scan(
			&f.ID, &f.AgentName, &f.Timestamp, &f.Symbol, &f.MarketType,
			&f.Title, &f.Description, &f.Severity, &f.Confidence, &f.Metadata,
			&f.ConsensusAction, &f.ConsensusConfidence, &f.LLMVotes, &f.LLMDisagreement,
			&f.AutoAnalyzed, &f.TARegime, &f.AnalyzedAt, &f.Alerted,
			&f.TACouncil, &f.FundCouncil, &f.RealEstateCouncil,
		)
		if err != nil {
			return nil, storeErr(err)
		}
		findings = append(findings, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}
	return findings, nil
}

// Analysis is the gate's consensus output written back to a finding.
type Analysis struct {
	ConsensusAction     string
	ConsensusConfidence float64
	LLMVotes            map[string]string
	LLMDisagreement     float64
	TARegime            string
	TACouncil           *string
	FundCouncil         *string
	RealEstateCouncil   *string
}

// ApplyAnalysis writes consensus fields onto a finding. Without force
// it is a no-op when the finding was already analyzed; the caller can
// tell from the returned bool.
func (s *Store) ApplyAnalysis(ctx context.Context, id int64, a Analysis, force bool) (bool, error) {
	query := `
		UPDATE findings
		SET consensus_action = $2,
		    consensus_confidence = $3,
		    llm_votes = $4,
		    llm_disagreement = $5,
		    ta_regime = $6,
		    ta_council = $7,
		    fund_council = $8,
		    real_estate_council = $9,
		    auto_analyzed = TRUE,
		    analyzed_at = NOW()
		WHERE id = $1 AND (auto_analyzed = FALSE OR $10)
	`

	tag, err := s.pool.Exec(ctx, query,
		id, a.ConsensusAction, a.ConsensusConfidence, a.LLMVotes, a.LLMDisagreement,
		a.TARegime, a.TACouncil, a.FundCouncil, a.RealEstateCouncil, force,
	)
	if err != nil {
		return false, storeErr(err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateCouncilTags backfills the domain council labels on a finding
// without touching its consensus fields. Nil values leave the existing
// label in place.
func (s *Store) UpdateCouncilTags(ctx context.Context, id int64, ta, fund, realEstate *string) error {
	query := `
		UPDATE findings
		SET ta_council = COALESCE($2, ta_council),
		    fund_council = COALESCE($3, fund_council),
		    real_estate_council = COALESCE($4, real_estate_council)
		WHERE id = $1
	`

	if _, err := s.pool.Exec(ctx, query, id, ta, fund, realEstate); err != nil {
		return storeErr(err)
	}
	return nil
}

// MarkAlerted flips alerted on a finding, only when the consensus
// supports it. Returns whether the row changed, so a concurrent second
// caller sees false and does not alert again.
func (s *Store) MarkAlerted(ctx context.Context, id int64) (bool, error) {
	query := `
		UPDATE findings
		SET alerted = TRUE
		WHERE id = $1
		  AND alerted = FALSE
		  AND consensus_action = 'ACT'
		  AND severity = 'critical'
	`

	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return false, storeErr(err)
	}
	return tag.RowsAffected() > 0, nil
}
