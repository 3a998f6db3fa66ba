package market

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*SeriesCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewSeriesCache(client, time.Minute, zerolog.Nop()), mr
}

func TestSeriesCacheRoundTrip(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	_, ok := cache.Get(ctx, "SPY")
	assert.False(t, ok)

	closes := []float64{100, 101, 102}
	require.NoError(t, cache.Set(ctx, "SPY", closes))

	got, ok := cache.Get(ctx, "SPY")
	require.True(t, ok)
	assert.Equal(t, closes, got)
}

func TestSeriesCacheExpiry(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "SPY", []float64{1, 2, 3}))
	mr.FastForward(2 * time.Minute)

	_, ok := cache.Get(ctx, "SPY")
	assert.False(t, ok)
}

func TestNilCacheAlwaysMisses(t *testing.T) {
	var cache *SeriesCache
	_, ok := cache.Get(context.Background(), "SPY")
	assert.False(t, ok)
	assert.Error(t, cache.Set(context.Background(), "SPY", []float64{1}))
}

type fakeFetcher struct {
	closes []float64
	err    error
	calls  int
}

func (f *fakeFetcher) FetchCloses(_ context.Context, _ string) ([]float64, error) {
	f.calls++
	return f.closes, f.err
}

func TestServicePopulatesCache(t *testing.T) {
	cache, _ := newTestCache(t)
	fetcher := &fakeFetcher{closes: []float64{10, 11, 12}}
	svc := NewService(fetcher, cache, zerolog.Nop())
	ctx := context.Background()

	got, err := svc.Closes(ctx, "QQQ")
	require.NoError(t, err)
	assert.Equal(t, fetcher.closes, got)
	assert.Equal(t, 1, fetcher.calls)

	// Second read served from cache.
	got, err = svc.Closes(ctx, "QQQ")
	require.NoError(t, err)
	assert.Equal(t, fetcher.closes, got)
	assert.Equal(t, 1, fetcher.calls)
}

func TestServiceWorksWithoutCache(t *testing.T) {
	fetcher := &fakeFetcher{closes: []float64{5, 6}}
	svc := NewService(fetcher, nil, zerolog.Nop())

	got, err := svc.Closes(context.Background(), "IWM")
	require.NoError(t, err)
	assert.Equal(t, fetcher.closes, got)
}

func TestServicePropagatesFetchError(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("upstream down")}
	svc := NewService(fetcher, nil, zerolog.Nop())

	_, err := svc.Closes(context.Background(), "SPY")
	assert.Error(t, err)
}

func TestHTTPFetcher(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "SPY", r.URL.Query().Get("symbol"))
		assert.Equal(t, "120", r.URL.Query().Get("days"))
		_, _ = w.Write([]byte(`{"closes": [400.5, 401.25, 399.0]}`))
	}))
	defer server.Close()

	f := NewHTTPFetcher(server.URL, 0, 0, zerolog.Nop())
	closes, err := f.FetchCloses(context.Background(), "SPY")
	require.NoError(t, err)
	assert.Equal(t, []float64{400.5, 401.25, 399.0}, closes)
}

func TestHTTPFetcherStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such symbol", http.StatusNotFound)
	}))
	defer server.Close()

	f := NewHTTPFetcher(server.URL, 0, 0, zerolog.Nop())
	_, err := f.FetchCloses(context.Background(), "NOPE")
	assert.Error(t, err)
}
