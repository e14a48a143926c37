package token

import (
	"context"
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Ref is an unresolved token reference: a chain plus an address or a symbol.
type Ref struct {
	ChainID         ChainID `json:"chain_id"`
	AddressOrSymbol string  `json:"token"`
}

// Resolver maps token references to descriptors. Implementations must be
// safe for concurrent use and return ErrUnknownToken for unresolvable refs.
type Resolver interface {
	Resolve(ctx context.Context, chain ChainID, addressOrSymbol string) (Descriptor, error)
}

// ResolvePair resolves both sides of a pair.
func ResolvePair(ctx context.Context, r Resolver, base, quote Ref) (Pair, error) {
	b, err := r.Resolve(ctx, base.ChainID, base.AddressOrSymbol)
	if err != nil {
		return Pair{}, fmt.Errorf("base: %w", err)
	}
	q, err := r.Resolve(ctx, quote.ChainID, quote.AddressOrSymbol)
	if err != nil {
		return Pair{}, fmt.Errorf("quote: %w", err)
	}
	return NewPair(b, q), nil
}

// StaticResolver resolves tokens from a fixed, in-memory table.
type StaticResolver struct {
	mu        sync.RWMutex
	byAddress map[string]Descriptor
	bySymbol  map[string]Descriptor
}

// NewStaticResolver creates a resolver preloaded with the given descriptors.
func NewStaticResolver(tokens ...Descriptor) *StaticResolver {
	r := &StaticResolver{
		byAddress: make(map[string]Descriptor),
		bySymbol:  make(map[string]Descriptor),
	}
	for _, t := range tokens {
		r.Add(t)
	}
	return r
}

// Add registers a descriptor. Re-adding an identity replaces the previous descriptor value.
func (r *StaticResolver) Add(d Descriptor) {
	d.Address = CanonicalAddress(d.ChainID, d.Address)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byAddress[d.Key()] = d
	if d.Symbol != "" {
		r.bySymbol[symbolKey(d.ChainID, d.Symbol)] = d
	}
}

// Resolve implements Resolver. Addresses are matched canonically, symbols case-insensitively.
func (r *StaticResolver) Resolve(_ context.Context, chain ChainID, addressOrSymbol string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	probe := Descriptor{ChainID: chain, Address: CanonicalAddress(chain, addressOrSymbol)}
	if d, ok := r.byAddress[probe.Key()]; ok {
		return d, nil
	}
	if d, ok := r.bySymbol[symbolKey(chain, addressOrSymbol)]; ok {
		return d, nil
	}
	return Descriptor{}, fmt.Errorf("%w: %s on %s", ErrUnknownToken, addressOrSymbol, chain)
}

// Len returns the number of registered tokens.
func (r *StaticResolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAddress)
}

func symbolKey(chain ChainID, symbol string) string {
	return fmt.Sprintf("%d:%s", uint64(chain), strings.ToUpper(strings.TrimSpace(symbol)))
}

// CachingResolver memoizes successful resolutions of another resolver in a
// bounded LRU. Failures are not cached.
type CachingResolver struct {
	next  Resolver
	cache *lru.Cache[string, Descriptor]
}

// NewCachingResolver wraps next with an LRU of the given size.
func NewCachingResolver(next Resolver, size int) (*CachingResolver, error) {
	cache, err := lru.New[string, Descriptor](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver cache: %w", err)
	}
	return &CachingResolver{next: next, cache: cache}, nil
}

// Resolve implements Resolver.
func (c *CachingResolver) Resolve(ctx context.Context, chain ChainID, addressOrSymbol string) (Descriptor, error) {
	key := fmt.Sprintf("%d:%s", uint64(chain), CanonicalAddress(chain, addressOrSymbol))
	if d, ok := c.cache.Get(key); ok {
		return d, nil
	}
	d, err := c.next.Resolve(ctx, chain, addressOrSymbol)
	if err != nil {
		return Descriptor{}, err
	}
	c.cache.Add(key, d)
	return d, nil
}
