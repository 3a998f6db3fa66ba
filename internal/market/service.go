package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// Fetcher loads a close series for a symbol, oldest first. Agents own
// their own market data; this one feeds the core's regime and TA paths.
type Fetcher interface {
	FetchCloses(ctx context.Context, symbol string) ([]float64, error)
}

// HTTPFetcher pulls daily closes from a quotes HTTP API that answers
// `GET {base}/closes?symbol=X&days=N` with `{"closes": [...]}`.
type HTTPFetcher struct {
	baseURL    string
	days       int
	httpClient *http.Client
	log        zerolog.Logger
}

// NewHTTPFetcher creates a quotes API fetcher.
func NewHTTPFetcher(baseURL string, days int, timeout time.Duration, logger zerolog.Logger) *HTTPFetcher {
	if days == 0 {
		days = 120
	}
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &HTTPFetcher{
		baseURL:    baseURL,
		days:       days,
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.With().Str("component", "market_fetcher").Logger(),
	}
}

// FetchCloses loads the close series for a symbol.
func (f *HTTPFetcher) FetchCloses(ctx context.Context, symbol string) ([]float64, error) {
	endpoint := fmt.Sprintf("%s/closes?symbol=%s&days=%d", f.baseURL, url.QueryEscape(symbol), f.days)

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch closes for %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("quotes API error (status %d): %s", resp.StatusCode, string(body))
	}

	var payload struct {
		Closes []float64 `json:"closes"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse quotes response: %w", err)
	}

	f.log.Debug().Str("symbol", symbol).Int("bars", len(payload.Closes)).Msg("Fetched close series")
	return payload.Closes, nil
}

// Service is the cached series source handed to the regime feature
// builder and the TA vote.
type Service struct {
	fetcher Fetcher
	cache   *SeriesCache
	log     zerolog.Logger
}

// NewService wires a fetcher with an optional cache.
func NewService(fetcher Fetcher, cache *SeriesCache, logger zerolog.Logger) *Service {
	return &Service{
		fetcher: fetcher,
		cache:   cache,
		log:     logger.With().Str("component", "market").Logger(),
	}
}

// Closes returns the close series for a symbol, cache first.
func (s *Service) Closes(ctx context.Context, symbol string) ([]float64, error) {
	if closes, ok := s.cache.Get(ctx, symbol); ok {
		return closes, nil
	}

	closes, err := s.fetcher.FetchCloses(ctx, symbol)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		_ = s.cache.Set(ctx, symbol, closes)
	}
	return closes, nil
}
