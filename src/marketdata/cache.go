package marketdata

import (
	"context"
	"strings"
	"sync"
	"time"

	logger "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const DefaultQuoteTTL = 60 * time.Second

// Snapshot is what QuoteCache.Get hands out.
type Snapshot struct {
	Quotes     []Quote   `json:"quotes"`
	Origin     Origin    `json:"source"`
	FetchedAt  time.Time `json:"fetched_at"`
	AgeSeconds float64   `json:"age_seconds"`
	// Stale is set when the last refresh failed and an older payload is being served.
	Stale bool `json:"stale"`
}

// QuoteCache is a single-slot cache in front of the spot listings adapter.
// Concurrent misses share one upstream call.
type QuoteCache struct {
	fetcher Fetcher
	symbols []string
	ttl     time.Duration
	now     func() time.Time

	mu        sync.RWMutex
	payload   *Result
	fetchedAt time.Time

	group singleflight.Group
}

type CacheOption func(*QuoteCache)

func WithTTL(ttl time.Duration) CacheOption {
	return func(c *QuoteCache) { c.ttl = ttl }
}

func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *QuoteCache) { c.now = now }
}

// WithSymbols restricts the refresh query. Empty means the adapter's default listing.
func WithSymbols(symbols []string) CacheOption {
	return func(c *QuoteCache) { c.symbols = symbols }
}

func NewQuoteCache(fetcher Fetcher, opts ...CacheOption) *QuoteCache {
	c := &QuoteCache{
		fetcher: fetcher,
		ttl:     DefaultQuoteTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached payload while it is fresh, refreshing it otherwise.
// A failed refresh serves the previous payload marked stale; with nothing cached the
// error is returned.
func (c *QuoteCache) Get(ctx context.Context) (Snapshot, error) {
	if snap, ok := c.fresh(); ok {
		return snap, nil
	}

	v, err, _ := c.group.Do("refresh", func() (interface{}, error) {
		if snap, ok := c.fresh(); ok {
			return snap, nil
		}

		// One caller giving up must not fail the others waiting on this flight.
		res, err := c.fetcher.FetchLatest(context.WithoutCancel(ctx), c.symbols)
		if err != nil {
			return nil, err
		}

		at := c.now()
		c.mu.Lock()
		c.payload = &res
		c.fetchedAt = at
		c.mu.Unlock()

		return Snapshot{Quotes: res.Quotes, Origin: res.Origin, FetchedAt: at}, nil
	})
	if err == nil {
		return v.(Snapshot), nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.payload == nil {
		return Snapshot{}, err
	}

	logger.WithFields(map[string]interface{}{
		"component": "QuoteCache",
		"age":       c.now().Sub(c.fetchedAt).Seconds(),
	}).WithError(err).Warn("quote refresh failed, serving stale payload")

	snap := c.snapshotLocked()
	snap.Stale = true
	return snap, nil
}

// Lookup finds one symbol's quote in the current payload.
func (c *QuoteCache) Lookup(ctx context.Context, symbol string) (Quote, bool, error) {
	snap, err := c.Get(ctx)
	if err != nil {
		return Quote{}, false, err
	}
	want := strings.ToUpper(symbol)
	for _, q := range snap.Quotes {
		if q.Symbol == want {
			return q, true, nil
		}
	}
	return Quote{}, false, nil
}

func (c *QuoteCache) fresh() (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.payload == nil || c.now().Sub(c.fetchedAt) >= c.ttl {
		return Snapshot{}, false
	}
	return c.snapshotLocked(), true
}

// snapshotLocked copies the payload, re-tagging live quotes as cached.
func (c *QuoteCache) snapshotLocked() Snapshot {
	quotes := make([]Quote, len(c.payload.Quotes))
	for i, q := range c.payload.Quotes {
		if q.Source == SourceLiveAPI {
			q.Source = SourceCached
		}
		quotes[i] = q
	}
	return Snapshot{
		Quotes:     quotes,
		Origin:     c.payload.Origin,
		FetchedAt:  c.fetchedAt,
		AgeSeconds: c.now().Sub(c.fetchedAt).Seconds(),
	}
}
