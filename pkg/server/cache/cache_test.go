package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tc.com/price-estimator/pkg/logging"
	"tc.com/price-estimator/pkg/server/aggregator"
	"tc.com/price-estimator/pkg/server/sources"
	"tc.com/price-estimator/pkg/token"
)

var (
	weth     = token.NewDescriptor(token.Ethereum, "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2", "WETH", 18)
	usdc     = token.NewDescriptor(token.Ethereum, "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", "USDC", 6)
	usdt     = token.NewDescriptor(token.Ethereum, "0xdac17f958d2ee523a2206206994597c13d831ec7", "USDT", 6)
	ethUSDC  = token.NewPair(weth, usdc)
	usdcUSDT = token.NewPair(usdc, usdt)
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testPolicies() Policies {
	return Policies{
		Default: ClassPolicy{Name: DefaultClass, FreshWindow: 15 * time.Second, StaleWindow: 5 * time.Minute},
		Classes: []ClassPolicy{
			NewClassPolicy("stable", time.Minute, 30*time.Minute, aggregator.Policy{}, "USDC", "USDT", "DAI"),
		},
	}
}

func newTestCache(clock *fakeClock) *Cache {
	return New(Config{Policies: testPolicies(), HistorySize: 4, Now: clock.Now}, logging.NewNoopLogger())
}

func estimate(pair token.Pair, price string, asOf time.Time) aggregator.PriceEstimate {
	return aggregator.PriceEstimate{
		Pair:                pair,
		Price:               decimal.RequireFromString(price),
		AsOf:                asOf,
		AgreementScore:      decimal.NewFromInt(1),
		ContributingSources: []string{"a", "b"},
		Status:              aggregator.StatusFresh,
	}
}

func observation(source string, price string, at time.Time) sources.Observation {
	return sources.Observation{
		SourceID:   source,
		Class:      sources.ClassCEX,
		Pair:       ethUSDC,
		Price:      decimal.RequireFromString(price),
		ObservedAt: at,
	}
}

func TestCache_MissingEntry(t *testing.T) {
	c := newTestCache(newFakeClock())

	_, ok := c.Get(ethUSDC)
	assert.False(t, ok)

	_, freshness := c.Lookup(ethUSDC)
	assert.Equal(t, Absent, freshness)
}

func TestCache_FreshnessWindows(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)

	require.True(t, c.Put(ethUSDC, estimate(ethUSDC, "3000", clock.Now()), nil))

	_, freshness := c.Lookup(ethUSDC)
	assert.Equal(t, Fresh, freshness)

	clock.Advance(15 * time.Second)
	entry, freshness := c.Lookup(ethUSDC)
	assert.Equal(t, Stale, freshness)
	assert.True(t, entry.Estimate.Price.Equal(decimal.NewFromInt(3000)))

	clock.Advance(5 * time.Minute)
	_, freshness = c.Lookup(ethUSDC)
	assert.Equal(t, Absent, freshness)
	_, ok := c.Get(ethUSDC)
	assert.False(t, ok)
}

func TestCache_PairClassWindows(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)

	c.Put(usdcUSDT, estimate(usdcUSDT, "1.0001", clock.Now()), nil)
	clock.Advance(30 * time.Second)

	_, freshness := c.Lookup(usdcUSDT)
	assert.Equal(t, Fresh, freshness)
	assert.Equal(t, "stable", c.Policy(usdcUSDT).Name)
	assert.Equal(t, DefaultClass, c.Policy(ethUSDC).Name)
}

func TestCache_MonotonicWrites(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)
	t0 := clock.Now()

	require.True(t, c.Put(ethUSDC, estimate(ethUSDC, "3000", t0), nil))
	assert.False(t, c.Put(ethUSDC, estimate(ethUSDC, "2000", t0.Add(-time.Second)), nil))

	entry, ok := c.Get(ethUSDC)
	require.True(t, ok)
	assert.True(t, entry.Estimate.Price.Equal(decimal.NewFromInt(3000)))
	assert.True(t, entry.Estimate.AsOf.Equal(t0))

	assert.True(t, c.Put(ethUSDC, estimate(ethUSDC, "3010", t0.Add(time.Second)), nil))
	entry, _ = c.Get(ethUSDC)
	assert.True(t, entry.Estimate.Price.Equal(decimal.NewFromInt(3010)))
}

func TestCache_IgnoresUnavailable(t *testing.T) {
	c := newTestCache(newFakeClock())
	assert.False(t, c.Put(ethUSDC, aggregator.Unavailable(ethUSDC), nil))
	assert.Zero(t, c.Len())
}

func TestCache_BoundedHistory(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)
	t0 := clock.Now()

	c.Put(ethUSDC, estimate(ethUSDC, "3000", t0), []sources.Observation{
		observation("a", "3000", t0.Add(-2*time.Second)),
		observation("b", "3001", t0.Add(-time.Second)),
		observation("c", "3002", t0),
	})
	c.Put(ethUSDC, estimate(ethUSDC, "3003", t0.Add(time.Second)), []sources.Observation{
		observation("b", "3001", t0.Add(-time.Second)),
		observation("a", "3003", t0.Add(time.Second)),
		observation("c", "3004", t0.Add(500*time.Millisecond)),
	})

	entry, ok := c.Get(ethUSDC)
	require.True(t, ok)
	require.Len(t, entry.Observations, 4)
	assert.Equal(t, "b", entry.Observations[0].SourceID)
	assert.Equal(t, "a", entry.Observations[3].SourceID)
	for i := 1; i < len(entry.Observations); i++ {
		assert.False(t, entry.Observations[i].ObservedAt.Before(entry.Observations[i-1].ObservedAt))
	}
}

func TestCache_EntriesAreCopies(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)
	c.Put(ethUSDC, estimate(ethUSDC, "3000", clock.Now()), []sources.Observation{observation("a", "3000", clock.Now())})

	entry, _ := c.Get(ethUSDC)
	entry.Observations[0].SourceID = "mutated"
	entry.Estimate.ContributingSources[0] = "mutated"

	again, _ := c.Get(ethUSDC)
	assert.Equal(t, "a", again.Observations[0].SourceID)
	assert.Equal(t, "a", again.Estimate.ContributingSources[0])
}

func TestCache_Invalidate(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)
	c.Put(ethUSDC, estimate(ethUSDC, "3000", clock.Now()), nil)

	c.Invalidate(ethUSDC)
	_, ok := c.Get(ethUSDC)
	assert.False(t, ok)

	assert.True(t, c.Put(ethUSDC, estimate(ethUSDC, "2900", clock.Now().Add(-time.Second)), nil))
}

func TestCache_Sweep(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)
	c.Put(ethUSDC, estimate(ethUSDC, "3000", clock.Now()), nil)
	c.Put(usdcUSDT, estimate(usdcUSDT, "1", clock.Now()), nil)

	clock.Advance(6 * time.Minute)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())

	clock.Advance(30 * time.Minute)
	assert.Equal(t, 1, c.Sweep())
	assert.Zero(t, c.Len())
}

func TestCache_Subscribe(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)

	var got []Entry
	unsubscribe := c.Subscribe(func(e Entry) { got = append(got, e) })

	c.Put(ethUSDC, estimate(ethUSDC, "3000", clock.Now()), nil)
	c.Put(ethUSDC, estimate(ethUSDC, "1", clock.Now().Add(-time.Second)), nil)
	require.Len(t, got, 1)
	assert.Equal(t, ethUSDC.Key(), got[0].Estimate.Pair.Key())

	unsubscribe()
	c.Put(ethUSDC, estimate(ethUSDC, "3001", clock.Now().Add(time.Second)), nil)
	assert.Len(t, got, 1)
}

func TestCache_PublishSkipsSupersededWrites(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)
	t0 := clock.Now()

	var got []time.Time
	c.Subscribe(func(e Entry) { got = append(got, e.Estimate.AsOf) })

	older, s1, v1, ok := c.write(ethUSDC, estimate(ethUSDC, "3000", t0), nil)
	require.True(t, ok)
	newer, s2, v2, ok := c.write(ethUSDC, estimate(ethUSDC, "3001", t0.Add(time.Second)), nil)
	require.True(t, ok)

	// the newer writer publishes first
	c.publish(s2, v2, newer)
	c.publish(s1, v1, older)

	require.Len(t, got, 1)
	assert.Equal(t, t0.Add(time.Second), got[0])
}

func TestCache_ConcurrentWritesNotifyInOrder(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)
	t0 := clock.Now()

	var (
		mu  sync.Mutex
		got []time.Time
	)
	c.Subscribe(func(e Entry) {
		mu.Lock()
		got = append(got, e.Estimate.AsOf)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Put(ethUSDC, estimate(ethUSDC, "3000", t0.Add(time.Duration(i)*time.Millisecond)), nil)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, got)
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].Before(got[i-1]), "notification %d went back in time", i)
	}
	assert.Equal(t, t0.Add(49*time.Millisecond), got[len(got)-1])
}

func TestCache_ConcurrentWritesKeepNewest(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(clock)
	t0 := clock.Now()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Put(ethUSDC, estimate(ethUSDC, decimal.NewFromInt(int64(3000+i)).String(), t0.Add(time.Duration(i)*time.Millisecond)), nil)
		}(i)
	}
	wg.Wait()

	entry, ok := c.Get(ethUSDC)
	require.True(t, ok)
	assert.True(t, entry.Estimate.Price.Equal(decimal.NewFromInt(3049)))
}

func TestCache_RunStopsWithContext(t *testing.T) {
	c := newTestCache(newFakeClock())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
