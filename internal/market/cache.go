// Package market supplies close-price series to the regime classifier
// and the TA vote, fronted by a Redis cache.
package market

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const cacheOpTimeout = 500 * time.Millisecond

// SeriesCache caches close series in Redis. A nil cache is valid and
// always misses, so Redis stays optional.
type SeriesCache struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

type seriesEntry struct {
	Symbol   string    `json:"symbol"`
	Closes   []float64 `json:"closes"`
	CachedAt time.Time `json:"cached_at"`
}

// NewSeriesCache creates a Redis-backed series cache. Returns nil when
// client is nil.
func NewSeriesCache(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *SeriesCache {
	if client == nil {
		return nil
	}
	if ttl == 0 {
		ttl = 5 * time.Minute
	}
	return &SeriesCache{
		client: client,
		ttl:    ttl,
		log:    logger.With().Str("component", "series_cache").Logger(),
	}
}

// Get returns the cached series and whether it was found. Errors are
// treated as misses.
func (c *SeriesCache) Get(ctx context.Context, symbol string) ([]float64, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}

	cacheCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	cached, err := c.client.Get(cacheCtx, c.key(symbol)).Result()
	if err != nil {
		if err != redis.Nil {
			c.log.Debug().Err(err).Str("symbol", symbol).Msg("Redis get error, treating as miss")
		}
		return nil, false
	}

	var entry seriesEntry
	if err := json.Unmarshal([]byte(cached), &entry); err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to unmarshal cached series")
		return nil, false
	}
	return entry.Closes, true
}

// Set stores a series with the configured TTL. Cache failure is
// non-fatal.
func (c *SeriesCache) Set(ctx context.Context, symbol string, closes []float64) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("cache not initialized")
	}

	data, err := json.Marshal(seriesEntry{
		Symbol:   symbol,
		Closes:   closes,
		CachedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal series entry: %w", err)
	}

	cacheCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	if err := c.client.Set(cacheCtx, c.key(symbol), data, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to cache series")
		return err
	}
	return nil
}

func (c *SeriesCache) key(symbol string) string {
	return "series:" + symbol
}
