package aggregator

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"tc.com/price-estimator/pkg/server/sources"
	"tc.com/price-estimator/pkg/token"
)

const weightPrecision int32 = 18

var (
	one = decimal.NewFromInt(1)
	two = decimal.NewFromInt(2)
)

// Policy holds the reconciliation parameters for one pair class.
type Policy struct {
	// OutlierTolerance is the maximum relative deviation from the median.
	OutlierTolerance decimal.Decimal
	// MinSourcesForFresh is the number of retained sources needed for Fresh.
	// Values below 2 are raised to 2; a single source is never Fresh.
	MinSourcesForFresh int
	// AgreementThreshold is the minimum agreement score for Fresh.
	AgreementThreshold decimal.Decimal
	// RecencyDecay is the e-folding age for recency weighting. Zero disables it.
	RecencyDecay time.Duration
}

// Weights resolves the reliability weight of a source.
type Weights struct {
	Source map[string]decimal.Decimal
	Class  map[sources.Class]decimal.Decimal
}

// For returns the source weight, falling back to the class weight, then 1.
func (w Weights) For(sourceID string, class sources.Class) decimal.Decimal {
	if v, ok := w.Source[sourceID]; ok {
		return v
	}
	if v, ok := w.Class[class]; ok {
		return v
	}
	return one
}

// Reconciliation is the outcome of reconciling one fetch cycle.
type Reconciliation struct {
	Estimate PriceEstimate
	// Median is the median over all observations.
	Median decimal.Decimal
	// Retained are the observations that contributed to the price.
	Retained []sources.Observation
	// Rejected are the observations excluded as outliers.
	Rejected []sources.Observation
	// Fallback is set when no majority survived filtering.
	Fallback bool
}

// Reconcile turns the observations of one cycle into an estimate:
//  1. median over all observations
//  2. drop observations deviating from the median by more than the tolerance
//  3. without a strict majority left, fall back to the unfiltered median (Degraded)
//  4. price = average weighted by source weight and recency
//  5. agreement = 1 - (max-min)/min over retained observations
//
// now is the reconciliation time used for staleness.
func Reconcile(pair token.Pair, observations []sources.Observation, policy Policy, weights Weights, now time.Time) (Reconciliation, error) {
	if len(observations) == 0 {
		return Reconciliation{}, ErrNoObservations
	}

	sorted := make([]sources.Observation, len(observations))
	copy(sorted, observations)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Price.LessThan(sorted[j].Price)
	})

	median := medianOf(sorted)

	retained := make([]sources.Observation, 0, len(sorted))
	rejected := make([]sources.Observation, 0)
	for _, o := range sorted {
		if deviation(o.Price, median).GreaterThan(policy.OutlierTolerance) {
			rejected = append(rejected, o)
			continue
		}
		retained = append(retained, o)
	}

	rec := Reconciliation{Median: median}
	var price decimal.Decimal
	if len(retained)*2 <= len(sorted) {
		rec.Fallback = true
		retained = sorted
		rejected = rejected[:0]
		price = median
	} else {
		price = weightedPrice(retained, weights, policy.RecencyDecay)
	}
	rec.Retained = retained
	rec.Rejected = rejected

	agreement := agreementScore(retained)
	asOf := latest(retained)

	minSources := policy.MinSourcesForFresh
	if minSources < 2 {
		minSources = 2
	}
	status := StatusDegraded
	if !rec.Fallback && len(retained) >= minSources && agreement.GreaterThanOrEqual(policy.AgreementThreshold) {
		status = StatusFresh
	}

	staleness := now.Sub(asOf)
	if staleness < 0 {
		staleness = 0
	}

	rec.Estimate = PriceEstimate{
		Pair:                pair,
		Price:               price,
		AsOf:                asOf,
		Staleness:           staleness,
		AgreementScore:      agreement,
		ContributingSources: sourceSet(retained),
		Status:              status,
	}
	return rec, nil
}

// medianOf returns the median of observations sorted by price. An even count
// averages the two middle prices.
func medianOf(sorted []sources.Observation) decimal.Decimal {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2].Price
	}
	return sorted[n/2-1].Price.Add(sorted[n/2].Price).DivRound(two, sources.PricePrecision)
}

func deviation(price, reference decimal.Decimal) decimal.Decimal {
	if reference.IsZero() {
		return decimal.Zero
	}
	return price.Sub(reference).Abs().DivRound(reference, weightPrecision)
}

// weightedPrice averages prices weighted by source weight times
// e^(-age/decay), age measured from the newest observation in the cycle.
// When every weight is zero the plain mean is used.
func weightedPrice(obs []sources.Observation, weights Weights, decay time.Duration) decimal.Decimal {
	newest := latest(obs)

	sum := decimal.Zero
	total := decimal.Zero
	for _, o := range obs {
		w := weights.For(o.SourceID, o.Class).Mul(recencyFactor(newest.Sub(o.ObservedAt), decay))
		sum = sum.Add(o.Price.Mul(w))
		total = total.Add(w)
	}

	if !total.IsPositive() {
		sum = decimal.Zero
		for _, o := range obs {
			sum = sum.Add(o.Price)
		}
		return sum.DivRound(decimal.NewFromInt(int64(len(obs))), sources.PricePrecision)
	}
	return sum.DivRound(total, sources.PricePrecision)
}

// recencyFactor returns e^(-age/decay) computed in decimal arithmetic.
func recencyFactor(age, decay time.Duration) decimal.Decimal {
	if decay <= 0 || age <= 0 {
		return one
	}
	ratio := decimal.NewFromInt(age.Nanoseconds()).DivRound(decimal.NewFromInt(decay.Nanoseconds()), weightPrecision)
	growth, err := ratio.ExpTaylor(weightPrecision)
	if err != nil || !growth.IsPositive() {
		return one
	}
	return one.DivRound(growth, weightPrecision)
}

// agreementScore is 1 minus the largest pairwise relative deviation, clamped to [0,1].
func agreementScore(obs []sources.Observation) decimal.Decimal {
	if len(obs) < 2 {
		return one
	}
	lo, hi := obs[0].Price, obs[0].Price
	for _, o := range obs[1:] {
		lo = decimal.Min(lo, o.Price)
		hi = decimal.Max(hi, o.Price)
	}
	if !lo.IsPositive() {
		return decimal.Zero
	}
	score := one.Sub(hi.Sub(lo).DivRound(lo, weightPrecision))
	if score.IsNegative() {
		return decimal.Zero
	}
	return score
}

func latest(obs []sources.Observation) time.Time {
	var t time.Time
	for _, o := range obs {
		if o.ObservedAt.After(t) {
			t = o.ObservedAt
		}
	}
	return t
}

func sourceSet(obs []sources.Observation) []string {
	seen := make(map[string]struct{}, len(obs))
	out := make([]string, 0, len(obs))
	for _, o := range obs {
		if _, ok := seen[o.SourceID]; ok {
			continue
		}
		seen[o.SourceID] = struct{}{}
		out = append(out, o.SourceID)
	}
	sort.Strings(out)
	return out
}
