package adapters

import (
	"context"
	"sync"
	"time"

	"github.com/Rajchodisetti/autotrader/internal/observ"
)

type CacheConfig struct {
	TTLMs      int `yaml:"ttl_ms"` // 0 disables caching
	MaxEntries int `yaml:"max_entries"`
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTLMs: 1000, MaxEntries: 2000}
}

type cachedQuote struct {
	quote    Quote
	cachedAt time.Time
}

// CachedQuotes wraps a quotes adapter with a short TTL so discovery, the
// risk gate and the exit supervisor share one fetch per symbol per cycle.
// Errors are never cached.
type CachedQuotes struct {
	next QuotesAdapter
	ttl  time.Duration
	max  int
	now  func() time.Time

	mu      sync.RWMutex
	entries map[string]cachedQuote
}

func NewCachedQuotes(next QuotesAdapter, cfg CacheConfig, now func() time.Time) *CachedQuotes {
	if now == nil {
		now = time.Now
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultCacheConfig().MaxEntries
	}
	return &CachedQuotes{
		next:    next,
		ttl:     time.Duration(cfg.TTLMs) * time.Millisecond,
		max:     cfg.MaxEntries,
		now:     now,
		entries: make(map[string]cachedQuote),
	}
}

func (c *CachedQuotes) lookup(symbol string) (*Quote, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.RLock()
	e, ok := c.entries[symbol]
	c.mu.RUnlock()
	if !ok || c.now().Sub(e.cachedAt) >= c.ttl {
		return nil, false
	}
	q := e.quote
	return &q, true
}

func (c *CachedQuotes) store(q *Quote) {
	if c.ttl <= 0 || q == nil {
		return
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		evicted := 0
		for sym, e := range c.entries {
			if now.Sub(e.cachedAt) >= c.ttl {
				delete(c.entries, sym)
				evicted++
			}
		}
		if evicted > 0 {
			observ.IncCounterBy("quote_cache_evictions_total", nil, float64(evicted))
		}
		if len(c.entries) >= c.max {
			return
		}
	}
	c.entries[q.Symbol] = cachedQuote{quote: *q, cachedAt: now}
	observ.SetGauge("quote_cache_size", float64(len(c.entries)), nil)
}

func (c *CachedQuotes) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	symbol = NormalizeSymbol(symbol)
	if q, ok := c.lookup(symbol); ok {
		observ.IncCounter("quote_cache_requests_total", map[string]string{"result": "hit"})
		return q, nil
	}
	observ.IncCounter("quote_cache_requests_total", map[string]string{"result": "miss"})
	q, err := c.next.GetQuote(ctx, symbol)
	if err != nil {
		return nil, err
	}
	c.store(q)
	return q, nil
}

// GetQuotes serves what it can from the cache and fetches the rest in one
// call to the wrapped adapter.
func (c *CachedQuotes) GetQuotes(ctx context.Context, symbols []string) (map[string]*Quote, error) {
	out := make(map[string]*Quote, len(symbols))
	var missing []string
	for _, s := range symbols {
		s = NormalizeSymbol(s)
		if q, ok := c.lookup(s); ok {
			out[s] = q
			continue
		}
		missing = append(missing, s)
	}
	observ.IncCounterBy("quote_cache_requests_total", map[string]string{"result": "hit"}, float64(len(out)))
	if len(missing) == 0 {
		return out, nil
	}
	observ.IncCounterBy("quote_cache_requests_total", map[string]string{"result": "miss"}, float64(len(missing)))

	fetched, err := c.next.GetQuotes(ctx, missing)
	for sym, q := range fetched {
		c.store(q)
		out[sym] = q
	}
	if err != nil {
		return out, err
	}
	return out, nil
}

// Invalidate drops every cached quote.
func (c *CachedQuotes) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[string]cachedQuote)
	c.mu.Unlock()
	observ.SetGauge("quote_cache_size", 0, nil)
}
