package marketdata

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingFetcher struct {
	calls   atomic.Int32
	err     error
	price   int64
	release chan struct{}
	entered chan struct{}
}

func (f *countingFetcher) FetchLatest(ctx context.Context, symbols []string) (Result, error) {
	n := f.calls.Add(1)
	if f.entered != nil && n == 1 {
		close(f.entered)
	}
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return Result{}, f.err
	}
	return Result{
		Origin: OriginLive,
		Quotes: []Quote{{Symbol: "BTC", Price: decimal.NewFromInt(f.price), Source: SourceLiveAPI}},
	}, nil
}

func newTestCache(f Fetcher) (*QuoteCache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	return NewQuoteCache(f, WithCacheClock(clock.Now)), clock
}

func TestQuoteCacheServesFreshPayloadWithoutUpstream(t *testing.T) {
	f := &countingFetcher{price: 100}
	cache, clock := newTestCache(f)

	first, err := cache.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, SourceLiveAPI, first.Quotes[0].Source)
	require.Zero(t, first.AgeSeconds)

	clock.Advance(59 * time.Second)
	second, err := cache.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(1), f.calls.Load())
	require.Equal(t, SourceCached, second.Quotes[0].Source)
	require.InDelta(t, 59, second.AgeSeconds, 0.001)
	require.False(t, second.Stale)
}

func TestQuoteCacheRefreshesAfterWindow(t *testing.T) {
	f := &countingFetcher{price: 100}
	cache, clock := newTestCache(f)

	_, err := cache.Get(context.Background())
	require.NoError(t, err)

	clock.Advance(60 * time.Second)
	f.price = 105
	snap, err := cache.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(2), f.calls.Load())
	require.True(t, snap.Quotes[0].Price.Equal(decimal.NewFromInt(105)))
}

func TestQuoteCacheServesStaleOnRefreshFailure(t *testing.T) {
	f := &countingFetcher{price: 100}
	cache, clock := newTestCache(f)

	_, err := cache.Get(context.Background())
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	f.err = errors.New("upstream down")

	snap, err := cache.Get(context.Background())
	require.NoError(t, err)
	require.True(t, snap.Stale)
	require.Equal(t, SourceCached, snap.Quotes[0].Source)
	require.True(t, snap.Quotes[0].Price.Equal(decimal.NewFromInt(100)))
	require.InDelta(t, 300, snap.AgeSeconds, 0.001)
}

func TestQuoteCachePropagatesErrorWithoutPayload(t *testing.T) {
	f := &countingFetcher{err: errors.New("upstream down")}
	cache, _ := newTestCache(f)

	_, err := cache.Get(context.Background())
	require.EqualError(t, err, "upstream down")
}

func TestQuoteCacheCollapsesConcurrentMisses(t *testing.T) {
	f := &countingFetcher{price: 100, release: make(chan struct{}), entered: make(chan struct{})}
	cache, _ := newTestCache(f)

	const callers = 25
	var wg sync.WaitGroup
	results := make([]Snapshot, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = cache.Get(context.Background())
		}(i)
	}

	<-f.entered
	time.Sleep(20 * time.Millisecond)
	close(f.release)
	wg.Wait()

	require.Equal(t, int32(1), f.calls.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Len(t, results[i].Quotes, 1)
		require.Equal(t, "BTC", results[i].Quotes[0].Symbol)
		require.True(t, results[i].Quotes[0].Price.Equal(decimal.NewFromInt(100)))
	}
}

func TestQuoteCacheLookup(t *testing.T) {
	cache, _ := newTestCache(&countingFetcher{price: 42})

	q, ok, err := cache.Lookup(context.Background(), "btc")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, q.Price.Equal(decimal.NewFromInt(42)))

	_, ok, err = cache.Lookup(context.Background(), "DOGE")
	require.NoError(t, err)
	require.False(t, ok)
}
