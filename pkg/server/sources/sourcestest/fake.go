// Package sourcestest provides a scriptable adapter for tests.
package sourcestest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"tc.com/price-estimator/pkg/server/sources"
	"tc.com/price-estimator/pkg/token"
)

// Adapter answers every applicable pair with a fixed rate after an optional
// delay. Price and error can be changed while the adapter is in use.
type Adapter struct {
	id    string
	class sources.Class

	mu    sync.Mutex
	price decimal.Decimal
	err   error
	delay time.Duration
	pairs map[string]bool
	block chan struct{}

	calls atomic.Int64
}

// New returns an adapter quoting price for every pair.
func New(id string, class sources.Class, price string) *Adapter {
	return &Adapter{
		id:    id,
		class: class,
		price: decimal.RequireFromString(price),
	}
}

// ID implements sources.Adapter.
func (a *Adapter) ID() string { return a.id }

// Class implements sources.Adapter.
func (a *Adapter) Class() sources.Class { return a.class }

// Applicable implements sources.Adapter.
func (a *Adapter) Applicable(pair token.Pair) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pairs == nil || a.pairs[pair.Key()]
}

// Fetch implements sources.Adapter. A delay is cut short by ctx.
func (a *Adapter) Fetch(ctx context.Context, pair token.Pair) (sources.RawQuote, error) {
	a.calls.Add(1)

	a.mu.Lock()
	price, err, delay, block := a.price, a.err, a.delay, a.block
	a.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return sources.RawQuote{}, sources.NewAdapterError(sources.KindTimeout, a.id, ctx.Err())
		}
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return sources.RawQuote{}, sources.NewAdapterError(sources.KindTimeout, a.id, ctx.Err())
		}
	}
	if err != nil {
		return sources.RawQuote{}, err
	}
	return sources.RawQuote{
		Pair:        pair,
		Kind:        sources.KindRate,
		Rate:        price,
		RetrievedAt: time.Now(),
	}, nil
}

// SetPrice changes the quoted rate.
func (a *Adapter) SetPrice(price string) *Adapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.price = decimal.RequireFromString(price)
	return a
}

// SetError makes Fetch fail with err; nil restores quoting.
func (a *Adapter) SetError(err error) *Adapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
	return a
}

// SetDelay delays every answer.
func (a *Adapter) SetDelay(d time.Duration) *Adapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delay = d
	return a
}

// Only restricts the adapter to the given pairs.
func (a *Adapter) Only(pairs ...token.Pair) *Adapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pairs = make(map[string]bool, len(pairs))
	for _, p := range pairs {
		a.pairs[p.Key()] = true
	}
	return a
}

// Block holds every Fetch until the returned function is called.
func (a *Adapter) Block() (release func()) {
	ch := make(chan struct{})
	a.mu.Lock()
	a.block = ch
	a.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(ch)
			a.mu.Lock()
			a.block = nil
			a.mu.Unlock()
		})
	}
}

// Calls returns how many times Fetch was invoked.
func (a *Adapter) Calls() int {
	return int(a.calls.Load())
}
