// Package cache keeps the most recent estimate and observation history per
// token pair and classifies entries by freshness.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"tc.com/price-estimator/pkg/logging"
	"tc.com/price-estimator/pkg/metrics"
	"tc.com/price-estimator/pkg/server/aggregator"
	"tc.com/price-estimator/pkg/server/sources"
	"tc.com/price-estimator/pkg/token"
)

const storeTimeout = 2 * time.Second

// Freshness classifies a cache entry at lookup time.
type Freshness int

const (
	// Absent means no entry, or one older than the stale window.
	Absent Freshness = iota
	// Stale means the entry may be served when a refresh fails or is slow.
	Stale
	// Fresh means the entry may be served without refetching.
	Fresh
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "absent"
	}
}

// Entry is the cached state of one pair.
type Entry struct {
	Estimate aggregator.PriceEstimate
	// Observations is the bounded history, most recent last.
	Observations []sources.Observation
	ExpiresAt    time.Time
}

// Store persists entries outside the process.
type Store interface {
	Save(ctx context.Context, entry Entry, ttl time.Duration) error
	Load(ctx context.Context) ([]Entry, error)
	Delete(ctx context.Context, pair token.Pair) error
}

// Config configures a Cache.
type Config struct {
	Policies Policies
	// HistorySize bounds the observations kept per pair.
	HistorySize int
	Store       Store
	// Now overrides the clock.
	Now func() time.Time
}

type slot struct {
	mu      sync.RWMutex
	entry   *Entry
	dead    bool
	version uint64

	// pubMu orders persist and notify per pair; published is the last
	// version handed to the store and subscribers.
	pubMu     sync.Mutex
	published uint64
}

// Cache is safe for concurrent use. Writes to different pairs never contend.
type Cache struct {
	slots       sync.Map // pair key -> *slot
	policies    Policies
	historySize int
	store       Store
	now         func() time.Time
	logger      *logging.Logger

	subMu sync.RWMutex
	subID int
	subs  map[int]func(Entry)
}

// New creates a cache.
func New(cfg Config, logger *logging.Logger) *Cache {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	history := cfg.HistorySize
	if history <= 0 {
		history = 32
	}
	return &Cache{
		policies:    cfg.Policies,
		historySize: history,
		store:       cfg.Store,
		now:         now,
		logger:      logger,
		subs:        make(map[int]func(Entry)),
	}
}

// Policies returns the pair class policies.
func (c *Cache) Policies() Policies {
	return c.policies
}

// Policy returns the class policy of pair.
func (c *Cache) Policy(pair token.Pair) ClassPolicy {
	return c.policies.For(pair)
}

// Get returns the entry for pair unless it is missing or past its stale window.
func (c *Cache) Get(pair token.Pair) (Entry, bool) {
	entry, freshness := c.Lookup(pair)
	return entry, freshness != Absent
}

// Lookup returns the entry for pair and its freshness at the current time.
func (c *Cache) Lookup(pair token.Pair) (Entry, Freshness) {
	v, ok := c.slots.Load(pair.Key())
	if !ok {
		metrics.RecordCacheLookup(Absent.String())
		return Entry{}, Absent
	}
	s := v.(*slot)
	s.mu.RLock()
	var entry Entry
	if s.entry != nil {
		entry = copyEntry(*s.entry)
	}
	present := s.entry != nil
	s.mu.RUnlock()

	if !present {
		metrics.RecordCacheLookup(Absent.String())
		return Entry{}, Absent
	}

	freshness := c.freshness(pair, entry.Estimate.AsOf)
	metrics.RecordCacheLookup(freshness.String())
	if freshness == Absent {
		return Entry{}, Absent
	}
	return entry, freshness
}

func (c *Cache) freshness(pair token.Pair, asOf time.Time) Freshness {
	policy := c.policies.For(pair)
	age := c.now().Sub(asOf)
	switch {
	case age < policy.FreshWindow:
		return Fresh
	case age < policy.StaleWindow:
		return Stale
	default:
		return Absent
	}
}

// Put stores an estimate and appends the observations to the pair history.
// Writes older than the current entry and unavailable estimates are ignored;
// the result reports whether the entry changed.
func (c *Cache) Put(pair token.Pair, estimate aggregator.PriceEstimate, observations []sources.Observation) bool {
	if !estimate.IsAvailable() {
		return false
	}

	entry, s, version, ok := c.write(pair, estimate, observations)
	if !ok {
		return false
	}
	c.publish(s, version, entry)
	return true
}

// publish persists and announces entry unless a newer write of the same
// pair has already been published.
func (c *Cache) publish(s *slot, version uint64, entry Entry) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if version <= s.published {
		return
	}
	s.published = version
	c.persist(entry)
	c.notify(entry)
}

func (c *Cache) write(pair token.Pair, estimate aggregator.PriceEstimate, observations []sources.Observation) (Entry, *slot, uint64, bool) {
	key := pair.Key()
	policy := c.policies.For(pair)

	for {
		v, _ := c.slots.LoadOrStore(key, &slot{})
		s := v.(*slot)

		s.mu.Lock()
		if s.dead {
			s.mu.Unlock()
			continue
		}

		var history []sources.Observation
		if s.entry != nil {
			if estimate.AsOf.Before(s.entry.Estimate.AsOf) {
				s.mu.Unlock()
				c.logger.Debug("Ignoring out-of-order cache write",
					"pair", pair.Symbol(),
					"as_of", estimate.AsOf,
					"current", s.entry.Estimate.AsOf)
				return Entry{}, nil, 0, false
			}
			history = s.entry.Observations
		}

		entry := Entry{
			Estimate:     estimate,
			Observations: c.merge(history, observations),
			ExpiresAt:    estimate.AsOf.Add(policy.StaleWindow),
		}
		s.entry = &entry
		s.version++
		version := s.version
		out := copyEntry(entry)
		s.mu.Unlock()
		return out, s, version, true
	}
}

// merge appends observations not already in history, ordered by time and
// trimmed to the history size.
func (c *Cache) merge(history, observations []sources.Observation) []sources.Observation {
	type id struct {
		source string
		at     int64
	}
	seen := make(map[id]struct{}, len(history))
	out := make([]sources.Observation, 0, len(history)+len(observations))
	for _, o := range history {
		seen[id{o.SourceID, o.ObservedAt.UnixNano()}] = struct{}{}
		out = append(out, o)
	}
	for _, o := range observations {
		k := id{o.SourceID, o.ObservedAt.UnixNano()}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, o)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ObservedAt.Before(out[j].ObservedAt)
	})
	if len(out) > c.historySize {
		out = out[len(out)-c.historySize:]
	}
	return out
}

// Invalidate removes the entry for pair.
func (c *Cache) Invalidate(pair token.Pair) {
	c.remove(pair.Key(), nil)

	if c.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := c.store.Delete(ctx, pair); err != nil {
			c.logger.Warn("Failed to delete cache snapshot", "pair", pair.Symbol(), "error", err)
		}
	}
}

// remove drops the slot at key. With expired set, the slot is only dropped
// when its entry satisfies expired.
func (c *Cache) remove(key string, expired func(Entry) bool) bool {
	v, ok := c.slots.Load(key)
	if !ok {
		return false
	}
	s := v.(*slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	if expired != nil && s.entry != nil && !expired(*s.entry) {
		return false
	}
	s.dead = true
	s.entry = nil
	c.slots.Delete(key)
	return true
}

// Sweep evicts entries past their stale window and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.now()
	var keys []string
	c.slots.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})

	removed := 0
	for _, key := range keys {
		if c.remove(key, func(e Entry) bool { return !now.Before(e.ExpiresAt) }) {
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("Swept expired cache entries", "removed", removed)
	}
	return removed
}

// Run sweeps expired entries every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Len returns the number of pairs with an entry.
func (c *Cache) Len() int {
	n := 0
	c.slots.Range(func(_, v any) bool {
		s := v.(*slot)
		s.mu.RLock()
		if s.entry != nil {
			n++
		}
		s.mu.RUnlock()
		return true
	})
	return n
}

// Warm loads persisted entries. Entries past their stale window are skipped
// and the monotonic write guard applies as for Put.
func (c *Cache) Warm(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	entries, err := c.store.Load(ctx)
	if err != nil {
		return 0, err
	}

	loaded := 0
	for _, e := range entries {
		if c.freshness(e.Estimate.Pair, e.Estimate.AsOf) == Absent {
			continue
		}
		if _, _, _, ok := c.write(e.Estimate.Pair, e.Estimate, e.Observations); ok {
			loaded++
		}
	}
	c.logger.Info("Warmed cache from snapshot store", "entries", loaded, "stored", len(entries))
	return loaded, nil
}

// Subscribe registers fn to receive every written entry. Callbacks run on
// the writer's goroutine and must not block.
func (c *Cache) Subscribe(fn func(Entry)) (unsubscribe func()) {
	c.subMu.Lock()
	c.subID++
	id := c.subID
	c.subs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Cache) notify(entry Entry) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for _, fn := range c.subs {
		fn(entry)
	}
}

func (c *Cache) persist(entry Entry) {
	if c.store == nil {
		return
	}
	ttl := entry.ExpiresAt.Sub(c.now())
	if ttl <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.store.Save(ctx, entry, ttl); err != nil {
		c.logger.Warn("Failed to persist cache entry", "pair", entry.Estimate.Pair.Symbol(), "error", err)
	}
}

func copyEntry(e Entry) Entry {
	out := e
	out.Observations = append([]sources.Observation(nil), e.Observations...)
	out.Estimate.ContributingSources = append([]string(nil), e.Estimate.ContributingSources...)
	return out
}
