package cache

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tc.com/price-estimator/pkg/config"
	"tc.com/price-estimator/pkg/server/aggregator"
	"tc.com/price-estimator/pkg/server/sources"
	"tc.com/price-estimator/pkg/token"
)

// DefaultClass names the policy used for pairs outside every configured class.
const DefaultClass = "default"

// ClassPolicy holds the freshness windows and reconciliation policy of a pair class.
type ClassPolicy struct {
	Name        string
	FreshWindow time.Duration
	StaleWindow time.Duration
	Reconcile   aggregator.Policy

	symbols map[string]struct{}
}

// Matches reports whether both tokens of the pair belong to the class.
func (c ClassPolicy) Matches(pair token.Pair) bool {
	if len(c.symbols) == 0 {
		return false
	}
	_, base := c.symbols[sources.CanonicalSymbol(pair.Base.Symbol)]
	_, quote := c.symbols[sources.CanonicalSymbol(pair.Quote.Symbol)]
	return base && quote
}

// Policies resolves the class policy of a pair. The first matching class wins.
type Policies struct {
	Default ClassPolicy
	Classes []ClassPolicy
}

// For returns the policy for pair.
func (p Policies) For(pair token.Pair) ClassPolicy {
	for _, c := range p.Classes {
		if c.Matches(pair) {
			return c
		}
	}
	return p.Default
}

// NewClassPolicy builds a class policy for the given symbols.
func NewClassPolicy(name string, fresh, stale time.Duration, reconcile aggregator.Policy, symbols ...string) ClassPolicy {
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		set[sources.CanonicalSymbol(strings.TrimSpace(s))] = struct{}{}
	}
	return ClassPolicy{
		Name:        name,
		FreshWindow: fresh,
		StaleWindow: stale,
		Reconcile:   reconcile,
		symbols:     set,
	}
}

// PoliciesFromConfig builds the default and per-class policies. Zero values
// in a pair class inherit the estimator defaults.
func PoliciesFromConfig(cfg config.EstimatorConfig) Policies {
	base := aggregator.Policy{
		OutlierTolerance:   decimal.NewFromFloat(cfg.OutlierTolerance),
		MinSourcesForFresh: cfg.MinSourcesForFresh,
		AgreementThreshold: decimal.NewFromFloat(cfg.AgreementThreshold),
		RecencyDecay:       cfg.RecencyDecay.ToDuration(),
	}

	p := Policies{
		Default: ClassPolicy{
			Name:        DefaultClass,
			FreshWindow: cfg.FreshWindow.ToDuration(),
			StaleWindow: cfg.StaleWindow.ToDuration(),
			Reconcile:   base,
		},
	}

	for _, pc := range cfg.PairClasses {
		fresh := p.Default.FreshWindow
		if pc.FreshWindow > 0 {
			fresh = pc.FreshWindow.ToDuration()
		}
		stale := p.Default.StaleWindow
		if pc.StaleWindow > 0 {
			stale = pc.StaleWindow.ToDuration()
		}
		rec := base
		if pc.OutlierTolerance > 0 {
			rec.OutlierTolerance = decimal.NewFromFloat(pc.OutlierTolerance)
		}
		if pc.MinSourcesForFresh > 0 {
			rec.MinSourcesForFresh = pc.MinSourcesForFresh
		}
		if pc.AgreementThreshold > 0 {
			rec.AgreementThreshold = decimal.NewFromFloat(pc.AgreementThreshold)
		}
		p.Classes = append(p.Classes, NewClassPolicy(pc.Name, fresh, stale, rec, pc.Symbols...))
	}
	return p
}
