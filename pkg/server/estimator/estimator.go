// Package estimator is the public entry point of the price engine. It serves
// cached estimates while fresh, coalesces refreshes per pair and falls back
// to stale data when sources fail or are slower than the caller's budget.
package estimator

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"tc.com/price-estimator/pkg/logging"
	"tc.com/price-estimator/pkg/metrics"
	"tc.com/price-estimator/pkg/server/aggregator"
	"tc.com/price-estimator/pkg/server/cache"
	"tc.com/price-estimator/pkg/server/sources"
	"tc.com/price-estimator/pkg/token"
)

// Default request deadlines.
const (
	DefaultMaxWait    = 2 * time.Second
	DefaultMaxMaxWait = 10 * time.Second
)

const maxHandoffMargin = 100 * time.Millisecond

// Fetcher produces a reconciled estimate for a pair within ctx's deadline.
type Fetcher interface {
	Aggregate(ctx context.Context, pair token.Pair, policy aggregator.Policy) (aggregator.Result, error)
}

// lateNotifier is implemented by fetchers that deliver results after the deadline.
type lateNotifier interface {
	SetLateHandler(h aggregator.LateHandler)
}

// Config configures an Estimator.
type Config struct {
	// MaxWait is used when a caller passes no deadline.
	MaxWait time.Duration
	// MaxMaxWait caps caller deadlines.
	MaxMaxWait time.Duration
	// Now overrides the clock.
	Now func() time.Time
}

// Estimator combines the cache and the aggregator. It is safe for concurrent use.
type Estimator struct {
	fetcher  Fetcher
	cache    *cache.Cache
	resolver token.Resolver
	cfg      Config
	logger   *logging.Logger

	group    singleflight.Group
	inflight sync.Map // pair key -> struct{}
}

// New creates an estimator. resolver may be nil when only resolved pairs are used.
func New(fetcher Fetcher, c *cache.Cache, resolver token.Resolver, cfg Config, logger *logging.Logger) *Estimator {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	if cfg.MaxMaxWait <= 0 {
		cfg.MaxMaxWait = DefaultMaxMaxWait
	}
	if cfg.MaxWait > cfg.MaxMaxWait {
		cfg.MaxWait = cfg.MaxMaxWait
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	e := &Estimator{
		fetcher:  fetcher,
		cache:    c,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger,
	}
	if n, ok := fetcher.(lateNotifier); ok {
		n.SetLateHandler(e.storeLate)
	}
	return e
}

// Cache returns the underlying cache.
func (e *Estimator) Cache() *cache.Cache {
	return e.cache
}

// MaxWait clamps a caller deadline to the configured bounds. Zero or
// negative values select the default.
func (e *Estimator) MaxWait(d time.Duration) time.Duration {
	if d <= 0 {
		return e.cfg.MaxWait
	}
	if d > e.cfg.MaxMaxWait {
		return e.cfg.MaxMaxWait
	}
	return d
}

// Estimate returns the best available estimate for pair within maxWait. It
// never fails; StatusUnavailable reports that no price could be produced.
func (e *Estimator) Estimate(ctx context.Context, pair token.Pair, maxWait time.Duration) aggregator.PriceEstimate {
	est := e.estimate(ctx, pair, e.MaxWait(maxWait))
	metrics.RecordEstimate(est.Status.String())
	return est
}

func (e *Estimator) estimate(ctx context.Context, pair token.Pair, maxWait time.Duration) aggregator.PriceEstimate {
	entry, freshness := e.cache.Lookup(pair)
	switch freshness {
	case cache.Fresh:
		return entry.Estimate
	case cache.Stale:
		if e.refreshing(pair) {
			metrics.RecordCoalesced()
			e.logger.Debug("Serving stale estimate while refresh is in flight", "pair", pair.Symbol())
			return e.asStale(entry.Estimate)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()
	deadline, _ := ctx.Deadline()

	if e.refreshing(pair) {
		metrics.RecordCoalesced()
	}
	ch := e.refresh(pair, deadline.Add(-handoffMargin(time.Until(deadline))))

	select {
	case res := <-ch:
		return e.settle(pair, res)
	case <-ctx.Done():
		select {
		case res := <-ch:
			return e.settle(pair, res)
		default:
		}
		e.logger.Debug("Deadline reached before refresh completed", "pair", pair.Symbol(), "max_wait", maxWait)
	}

	return e.fallback(pair)
}

// handoffMargin is the part of the caller's budget reserved for reconciling
// and storing the on-time observations after the fan-out stops waiting.
func handoffMargin(budget time.Duration) time.Duration {
	m := budget / 5
	if m > maxHandoffMargin {
		m = maxHandoffMargin
	}
	if m < 0 {
		m = 0
	}
	return m
}

func (e *Estimator) settle(pair token.Pair, res singleflight.Result) aggregator.PriceEstimate {
	if res.Err == nil {
		return res.Val.(aggregator.PriceEstimate)
	}
	if !errors.Is(res.Err, aggregator.ErrNoObservations) {
		e.logger.Error("Refresh failed", "pair", pair.Symbol(), "error", res.Err)
	}
	return e.fallback(pair)
}

// refresh starts or joins the refresh of pair. The fan-out is detached from
// the caller so joined callers and late results are not cut short by the
// first caller leaving. Collection stops at deadline.
func (e *Estimator) refresh(pair token.Pair, deadline time.Time) <-chan singleflight.Result {
	key := pair.Key()
	return e.group.DoChan(key, func() (interface{}, error) {
		e.inflight.Store(key, struct{}{})
		defer e.inflight.Delete(key)

		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		defer cancel()

		policy := e.cache.Policy(pair)
		res, err := e.fetcher.Aggregate(ctx, pair, policy.Reconcile)
		if err != nil {
			return nil, err
		}

		if !e.cache.Put(pair, res.Estimate, res.Observations) {
			e.logger.Debug("Refresh result superseded by newer cache entry", "pair", pair.Symbol())
		}
		e.logger.Debug("Refreshed estimate",
			"pair", pair.Symbol(),
			"price", res.Estimate.Price.String(),
			"status", res.Estimate.Status.String(),
			"sources", len(res.Estimate.ContributingSources),
			"failures", len(res.Failures))
		return res.Estimate, nil
	})
}

func (e *Estimator) refreshing(pair token.Pair) bool {
	_, ok := e.inflight.Load(pair.Key())
	return ok
}

// fallback serves the cached entry when one is still usable, forcing stale
// status unless a concurrent writer made it fresh again.
func (e *Estimator) fallback(pair token.Pair) aggregator.PriceEstimate {
	entry, freshness := e.cache.Lookup(pair)
	switch freshness {
	case cache.Fresh:
		return entry.Estimate
	case cache.Stale:
		return e.asStale(entry.Estimate)
	default:
		return aggregator.Unavailable(pair)
	}
}

func (e *Estimator) asStale(est aggregator.PriceEstimate) aggregator.PriceEstimate {
	est.Status = aggregator.StatusStale
	if age := e.cfg.Now().Sub(est.AsOf); age > est.Staleness {
		est.Staleness = age
	}
	return est
}

// storeLate writes reconciliations that include late observations.
func (e *Estimator) storeLate(pair token.Pair, res aggregator.Result) {
	if e.cache.Put(pair, res.Estimate, res.Observations) {
		e.logger.Debug("Stored estimate with late observations",
			"pair", pair.Symbol(),
			"status", res.Estimate.Status.String(),
			"sources", len(res.Estimate.ContributingSources))
	}
}

// EstimateRef resolves the token references and estimates the pair. An
// unresolvable token is the only error.
func (e *Estimator) EstimateRef(ctx context.Context, base, quote token.Ref, maxWait time.Duration) (aggregator.PriceEstimate, error) {
	pair, err := e.Resolve(ctx, base, quote)
	if err != nil {
		return aggregator.PriceEstimate{}, err
	}
	return e.Estimate(ctx, pair, maxWait), nil
}

// Resolve turns token references into a pair.
func (e *Estimator) Resolve(ctx context.Context, base, quote token.Ref) (token.Pair, error) {
	if e.resolver == nil {
		return token.Pair{}, token.ErrUnknownToken
	}
	return token.ResolvePair(ctx, e.resolver, base, quote)
}

// Observations returns the recent raw observations behind the cached estimate
// for pair, including those rejected as outliers.
func (e *Estimator) Observations(pair token.Pair) ([]sources.Observation, bool) {
	entry, ok := e.cache.Get(pair)
	if !ok {
		return nil, false
	}
	return entry.Observations, true
}

// Invalidate drops the cached entry for pair.
func (e *Estimator) Invalidate(pair token.Pair) {
	e.cache.Invalidate(pair)
	e.logger.Info("Invalidated cached estimate", "pair", pair.Symbol())
}
