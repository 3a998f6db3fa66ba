package council

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/signalplane/signalplane/internal/llm"
	"github.com/signalplane/signalplane/internal/store"
)

const systemPrompt = `You are a market-signal judge on a three-member review council.
Assess the finding you are given and answer with STRICT JSON only, no prose,
matching exactly this shape:
{
  "verdict": "ACT" | "WATCH" | "IGNORE",
  "severity": "low" | "medium" | "high" | "critical",
  "confidence": 0.0,
  "key_drivers": ["..."],
  "what_to_verify": ["..."],
  "time_horizon": "...",
  "positioning": {"bias": "...", "suggested_actions": ["..."]},
  "one_paragraph_summary": "..."
}`

// Council fans a finding out to the configured providers in parallel
// and collects the votes that parse.
type Council struct {
	providers []llm.Provider
	timeout   time.Duration
	log       zerolog.Logger
}

// New creates a council over the given providers.
func New(providers []llm.Provider, timeout time.Duration, logger zerolog.Logger) *Council {
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	return &Council{
		providers: providers,
		timeout:   timeout,
		log:       logger.With().Str("component", "council").Logger(),
	}
}

// findingPayload is what every provider sees.
type findingPayload struct {
	AgentName   string         `json:"agent_name"`
	Symbol      *string        `json:"symbol,omitempty"`
	MarketType  *string        `json:"market_type,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Severity    string         `json:"severity"`
	Confidence  float64        `json:"confidence"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Collect queries all providers concurrently. A provider timeout,
// transport failure, or unparseable body drops that vote; the gate
// never aborts on a member failure. Wall time is bounded by the
// per-call timeout since all calls run in parallel.
func (c *Council) Collect(ctx context.Context, f *store.Finding) []MemberVote {
	payload, err := json.Marshal(findingPayload{
		AgentName:   f.AgentName,
		Symbol:      f.Symbol,
		MarketType:  f.MarketType,
		Title:       f.Title,
		Description: f.Description,
		Severity:    f.Severity,
		Confidence:  f.Confidence,
		Metadata:    f.Metadata,
	})
	if err != nil {
		c.log.Error().Err(err).Int64("finding_id", f.ID).Msg("Failed to marshal finding payload")
		return nil
	}
	user := fmt.Sprintf("Finding under review:\n%s", payload)

	results := make([]*MemberVote, len(c.providers))
	g, gctx := errgroup.WithContext(ctx)
	for i, provider := range c.providers {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, c.timeout)
			defer cancel()

			raw, err := provider.Call(callCtx, systemPrompt, user)
			if err != nil {
				c.log.Warn().Err(err).Str("provider", provider.Name()).Msg("Council member call failed, vote dropped")
				return nil
			}

			var v Verdict
			if err := llm.ParseJSON(raw, &v); err != nil {
				c.log.Warn().Err(err).Str("provider", provider.Name()).Msg("Council member reply unparseable, vote dropped")
				return nil
			}
			if !v.valid() {
				c.log.Warn().Str("provider", provider.Name()).Str("verdict", v.Verdict).Msg("Council member verdict invalid, vote dropped")
				return nil
			}

			results[i] = &MemberVote{Provider: provider.Name(), Verdict: v}
			return nil
		})
	}
	_ = g.Wait()

	votes := make([]MemberVote, 0, len(results))
	for _, r := range results {
		if r != nil {
			votes = append(votes, *r)
		}
	}
	return votes
}
