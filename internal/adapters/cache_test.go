package adapters

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingQuotes struct {
	*StaticQuotes
	single int
	batch  [][]string
}

func (c *countingQuotes) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	c.single++
	return c.StaticQuotes.GetQuote(ctx, symbol)
}

func (c *countingQuotes) GetQuotes(ctx context.Context, symbols []string) (map[string]*Quote, error) {
	c.batch = append(c.batch, symbols)
	return c.StaticQuotes.GetQuotes(ctx, symbols)
}

func newCountingQuotes() *countingQuotes {
	s := NewStaticQuotes()
	s.Set(Quote{Symbol: "AAPL", Last: 150, Bid: 149.9, Ask: 150.1})
	s.Set(Quote{Symbol: "MSFT", Last: 400, Bid: 399.9, Ask: 400.1})
	return &countingQuotes{StaticQuotes: s}
}

func TestCachedQuotesServesWithinTTL(t *testing.T) {
	now := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	next := newCountingQuotes()
	c := NewCachedQuotes(next, CacheConfig{TTLMs: 1000}, clock)
	ctx := context.Background()

	q, err := c.GetQuote(ctx, "aapl")
	require.NoError(t, err)
	assert.Equal(t, 150.0, q.Last)
	_, err = c.GetQuote(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 1, next.single)

	now = now.Add(time.Second)
	_, err = c.GetQuote(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 2, next.single, "expired entry refetched")
}

func TestCachedQuotesBatchFetchesOnlyMisses(t *testing.T) {
	now := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	next := newCountingQuotes()
	c := NewCachedQuotes(next, CacheConfig{TTLMs: 1000}, func() time.Time { return now })
	ctx := context.Background()

	_, err := c.GetQuote(ctx, "AAPL")
	require.NoError(t, err)

	out, err := c.GetQuotes(ctx, []string{"AAPL", "msft"})
	require.NoError(t, err)
	assert.Len(t, out, 2)
	require.Len(t, next.batch, 1)
	assert.Equal(t, []string{"MSFT"}, next.batch[0])

	_, err = c.GetQuotes(ctx, []string{"AAPL", "MSFT"})
	require.NoError(t, err)
	assert.Len(t, next.batch, 1, "all hits")
}

func TestCachedQuotesDoesNotCacheErrors(t *testing.T) {
	next := newCountingQuotes()
	c := NewCachedQuotes(next, CacheConfig{TTLMs: 1000}, nil)
	ctx := context.Background()

	next.SetError(errors.New("503"))
	_, err := c.GetQuote(ctx, "AAPL")
	require.Error(t, err)

	next.SetError(nil)
	q, err := c.GetQuote(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 150.0, q.Last)
	assert.Equal(t, 2, next.single)
}

func TestCachedQuotesZeroTTLPassesThrough(t *testing.T) {
	next := newCountingQuotes()
	c := NewCachedQuotes(next, CacheConfig{}, nil)
	for i := 0; i < 3; i++ {
		_, err := c.GetQuote(context.Background(), "AAPL")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, next.single)
}

func TestCachedQuotesInvalidate(t *testing.T) {
	next := newCountingQuotes()
	c := NewCachedQuotes(next, CacheConfig{TTLMs: 60_000}, nil)
	ctx := context.Background()

	_, _ = c.GetQuote(ctx, "AAPL")
	c.Invalidate()
	_, _ = c.GetQuote(ctx, "AAPL")
	assert.Equal(t, 2, next.single)
}
