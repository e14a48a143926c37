package aggregator

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tc.com/price-estimator/pkg/server/sources"
	"tc.com/price-estimator/pkg/token"
)

var (
	testBase  = token.NewDescriptor(token.Ethereum, "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2", "WETH", 18)
	testQuote = token.NewDescriptor(token.Ethereum, "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", "USDC", 6)
	testPair  = token.NewPair(testBase, testQuote)
)

func defaultPolicy() Policy {
	return Policy{
		OutlierTolerance:   decimal.RequireFromString("0.05"),
		MinSourcesForFresh: 2,
		AgreementThreshold: decimal.RequireFromString("0.98"),
	}
}

func obs(source string, price string, at time.Time) sources.Observation {
	return sources.Observation{
		SourceID:   source,
		Class:      sources.ClassCEX,
		Pair:       testPair,
		Price:      decimal.RequireFromString(price),
		ObservedAt: at,
		Confidence: decimal.NewFromInt(1),
	}
}

func TestReconcile_Empty(t *testing.T) {
	_, err := Reconcile(testPair, nil, defaultPolicy(), Weights{}, time.Now())
	assert.ErrorIs(t, err, ErrNoObservations)
}

func TestReconcile_RejectsOutlier(t *testing.T) {
	now := time.Now()
	in := []sources.Observation{
		obs("a", "100", now),
		obs("b", "101", now),
		obs("c", "99", now),
		obs("d", "1000", now),
	}

	rec, err := Reconcile(testPair, in, defaultPolicy(), Weights{}, now)
	require.NoError(t, err)

	assert.True(t, rec.Median.Equal(decimal.RequireFromString("100.5")), "median %s", rec.Median)
	require.Len(t, rec.Rejected, 1)
	assert.Equal(t, "d", rec.Rejected[0].SourceID)
	assert.False(t, rec.Fallback)

	assert.True(t, rec.Estimate.Price.Equal(decimal.NewFromInt(100)), "price %s", rec.Estimate.Price)
	assert.Equal(t, []string{"a", "b", "c"}, rec.Estimate.ContributingSources)
	// 1 - (101-99)/99 is below 0.98
	assert.Equal(t, StatusDegraded, rec.Estimate.Status)
}

func TestReconcile_FreshWhenSourcesAgree(t *testing.T) {
	now := time.Now()
	in := []sources.Observation{
		obs("a", "1.00", now),
		obs("b", "1.002", now),
	}

	rec, err := Reconcile(testPair, in, defaultPolicy(), Weights{}, now)
	require.NoError(t, err)

	assert.Equal(t, StatusFresh, rec.Estimate.Status)
	assert.True(t, rec.Estimate.Price.Equal(decimal.RequireFromString("1.001")), "price %s", rec.Estimate.Price)
	assert.True(t, rec.Estimate.AgreementScore.Equal(decimal.RequireFromString("0.998")), "agreement %s", rec.Estimate.AgreementScore)
	assert.Equal(t, []string{"a", "b"}, rec.Estimate.ContributingSources)
}

func TestReconcile_SingleSourceIsDegraded(t *testing.T) {
	now := time.Now()
	rec, err := Reconcile(testPair, []sources.Observation{obs("a", "2500", now)}, defaultPolicy(), Weights{}, now)
	require.NoError(t, err)

	assert.Equal(t, StatusDegraded, rec.Estimate.Status)
	assert.True(t, rec.Estimate.Price.Equal(decimal.NewFromInt(2500)))
	assert.True(t, rec.Estimate.AgreementScore.Equal(decimal.NewFromInt(1)))
}

func TestReconcile_SingleSourceNeverFresh(t *testing.T) {
	policy := defaultPolicy()
	policy.MinSourcesForFresh = 1

	now := time.Now()
	rec, err := Reconcile(testPair, []sources.Observation{obs("a", "2500", now)}, policy, Weights{}, now)
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, rec.Estimate.Status)
}

func TestReconcile_FallbackWithoutMajority(t *testing.T) {
	now := time.Now()
	in := []sources.Observation{
		obs("a", "100", now),
		obs("b", "200", now),
	}

	rec, err := Reconcile(testPair, in, defaultPolicy(), Weights{}, now)
	require.NoError(t, err)

	assert.True(t, rec.Fallback)
	assert.Empty(t, rec.Rejected)
	assert.True(t, rec.Estimate.Price.Equal(decimal.NewFromInt(150)), "price %s", rec.Estimate.Price)
	assert.Equal(t, []string{"a", "b"}, rec.Estimate.ContributingSources)
	assert.Equal(t, StatusDegraded, rec.Estimate.Status)
}

func TestReconcile_IdenticalObservations(t *testing.T) {
	now := time.Now()
	in := []sources.Observation{
		obs("a", "3000", now),
		obs("b", "3000", now),
		obs("c", "3000", now),
	}

	rec, err := Reconcile(testPair, in, defaultPolicy(), Weights{}, now)
	require.NoError(t, err)

	assert.Equal(t, StatusFresh, rec.Estimate.Status)
	assert.True(t, rec.Estimate.Price.Equal(decimal.NewFromInt(3000)))
	assert.True(t, rec.Estimate.AgreementScore.Equal(decimal.NewFromInt(1)))
}

func TestReconcile_SourceWeights(t *testing.T) {
	now := time.Now()
	in := []sources.Observation{
		obs("a", "100", now),
		obs("b", "102", now),
	}
	weights := Weights{Source: map[string]decimal.Decimal{
		"a": decimal.NewFromInt(3),
		"b": decimal.NewFromInt(1),
	}}

	rec, err := Reconcile(testPair, in, defaultPolicy(), weights, now)
	require.NoError(t, err)
	assert.True(t, rec.Estimate.Price.Equal(decimal.RequireFromString("100.5")), "price %s", rec.Estimate.Price)
}

func TestReconcile_ClassWeightFallback(t *testing.T) {
	w := Weights{
		Source: map[string]decimal.Decimal{"a": decimal.NewFromInt(2)},
		Class:  map[sources.Class]decimal.Decimal{sources.ClassOnChain: decimal.RequireFromString("0.7")},
	}
	assert.True(t, w.For("a", sources.ClassOnChain).Equal(decimal.NewFromInt(2)))
	assert.True(t, w.For("b", sources.ClassOnChain).Equal(decimal.RequireFromString("0.7")))
	assert.True(t, w.For("c", sources.ClassCEX).Equal(decimal.NewFromInt(1)))
}

func TestReconcile_RecencyFavorsNewest(t *testing.T) {
	now := time.Now()
	in := []sources.Observation{
		obs("old", "100", now.Add(-time.Minute)),
		obs("new", "101", now),
	}
	policy := defaultPolicy()
	policy.RecencyDecay = 30 * time.Second

	rec, err := Reconcile(testPair, in, policy, Weights{}, now)
	require.NoError(t, err)

	mid := decimal.RequireFromString("100.5")
	assert.True(t, rec.Estimate.Price.GreaterThan(mid), "price %s", rec.Estimate.Price)
	assert.True(t, rec.Estimate.Price.LessThan(decimal.NewFromInt(101)))
}

func TestReconcile_AsOfAndStaleness(t *testing.T) {
	now := time.Now()
	newest := now.Add(-2 * time.Second)
	in := []sources.Observation{
		obs("a", "100", now.Add(-5*time.Second)),
		obs("b", "100.1", newest),
	}

	rec, err := Reconcile(testPair, in, defaultPolicy(), Weights{}, now)
	require.NoError(t, err)

	assert.True(t, rec.Estimate.AsOf.Equal(newest))
	assert.Equal(t, 2*time.Second, rec.Estimate.Staleness)
}

func TestReconcile_ZeroWeightsUsePlainMean(t *testing.T) {
	now := time.Now()
	in := []sources.Observation{
		obs("a", "100", now),
		obs("b", "102", now),
	}
	weights := Weights{Class: map[sources.Class]decimal.Decimal{sources.ClassCEX: decimal.Zero}}

	rec, err := Reconcile(testPair, in, defaultPolicy(), weights, now)
	require.NoError(t, err)
	assert.True(t, rec.Estimate.Price.Equal(decimal.NewFromInt(101)))
}

func TestRecencyFactor(t *testing.T) {
	assert.True(t, recencyFactor(0, time.Second).Equal(decimal.NewFromInt(1)))
	assert.True(t, recencyFactor(time.Second, 0).Equal(decimal.NewFromInt(1)))

	f := recencyFactor(30*time.Second, 30*time.Second)
	assert.InDelta(t, 0.3679, f.InexactFloat64(), 0.001)
}
