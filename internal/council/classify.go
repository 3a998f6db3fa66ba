package council

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/signalplane/signalplane/internal/llm"
	"github.com/signalplane/signalplane/internal/store"
)

const classifySystemPrompt = `You label market findings for three review desks.
Answer with STRICT JSON only:
{"ta_council": "relevant" | "not_relevant", "fund_council": "relevant" | "not_relevant", "real_estate_council": "relevant" | "not_relevant"}`

// ClassifyStore is the persistence surface the classifier needs.
type ClassifyStore interface {
	GetFinding(ctx context.Context, id int64) (*store.Finding, error)
	UpdateCouncilTags(ctx context.Context, id int64, ta, fund, realEstate *string) error
}

// Classifier backfills the three domain council tags on a finding with
// a single provider call. It is optional glue: any failure only leaves
// the tags empty.
type Classifier struct {
	store    ClassifyStore
	provider llm.Provider
	log      zerolog.Logger
}

// NewClassifier wires the backfill classifier.
func NewClassifier(st ClassifyStore, provider llm.Provider, logger zerolog.Logger) *Classifier {
	return &Classifier{
		store:    st,
		provider: provider,
		log:      logger.With().Str("component", "classifier").Logger(),
	}
}

type classifyReply struct {
	TACouncil         string `json:"ta_council"`
	FundCouncil       string `json:"fund_council"`
	RealEstateCouncil string `json:"real_estate_council"`
}

// Classify labels one finding. Already-tagged findings are left alone.
func (c *Classifier) Classify(ctx context.Context, findingID int64) error {
	f, err := c.store.GetFinding(ctx, findingID)
	if err != nil {
		return fmt.Errorf("load finding %d: %w", findingID, err)
	}
	if f.TACouncil != nil && f.FundCouncil != nil && f.RealEstateCouncil != nil {
		return nil
	}

	payload, err := json.Marshal(map[string]any{
		"title":       f.Title,
		"description": f.Description,
		"symbol":      f.Symbol,
		"market_type": f.MarketType,
		"severity":    f.Severity,
	})
	if err != nil {
		return fmt.Errorf("marshal finding %d: %w", findingID, err)
	}

	raw, err := c.provider.Call(ctx, classifySystemPrompt, string(payload))
	if err != nil {
		return fmt.Errorf("classify finding %d: %w", findingID, err)
	}

	var reply classifyReply
	if err := llm.ParseJSON(raw, &reply); err != nil {
		return fmt.Errorf("parse classification for finding %d: %w", findingID, err)
	}

	if err := c.store.UpdateCouncilTags(ctx, findingID,
		tagPtr(reply.TACouncil), tagPtr(reply.FundCouncil), tagPtr(reply.RealEstateCouncil)); err != nil {
		return fmt.Errorf("store tags for finding %d: %w", findingID, err)
	}

	c.log.Debug().Int64("finding_id", findingID).Str("provider", c.provider.Name()).
		Msg("Council tags backfilled")
	return nil
}

// tagPtr drops empty or unexpected labels rather than persisting them.
func tagPtr(label string) *string {
	switch label {
	case "relevant", "not_relevant":
		return &label
	}
	return nil
}
