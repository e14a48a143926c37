package cache

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tc.com/price-estimator/pkg/config"
	"tc.com/price-estimator/pkg/server/aggregator"
	"tc.com/price-estimator/pkg/token"
)

func TestPoliciesFromConfig(t *testing.T) {
	cfg := config.EstimatorConfig{
		FreshWindow:        config.Duration(15 * time.Second),
		StaleWindow:        config.Duration(5 * time.Minute),
		OutlierTolerance:   0.05,
		MinSourcesForFresh: 2,
		AgreementThreshold: 0.98,
		RecencyDecay:       config.Duration(30 * time.Second),
		PairClasses: []config.PairClassConfig{
			{
				Name:             "stable",
				Symbols:          []string{"USDC", "usdt", "DAI"},
				StaleWindow:      config.Duration(time.Hour),
				OutlierTolerance: 0.005,
			},
		},
	}

	p := PoliciesFromConfig(cfg)
	assert.Equal(t, DefaultClass, p.Default.Name)
	assert.Equal(t, 15*time.Second, p.Default.FreshWindow)
	assert.True(t, p.Default.Reconcile.OutlierTolerance.Equal(decimal.RequireFromString("0.05")))

	require.Len(t, p.Classes, 1)
	stable := p.Classes[0]
	assert.Equal(t, 15*time.Second, stable.FreshWindow)
	assert.Equal(t, time.Hour, stable.StaleWindow)
	assert.True(t, stable.Reconcile.OutlierTolerance.Equal(decimal.RequireFromString("0.005")))
	assert.Equal(t, 2, stable.Reconcile.MinSourcesForFresh)
	assert.Equal(t, 30*time.Second, stable.Reconcile.RecencyDecay)

	assert.Equal(t, "stable", p.For(usdcUSDT).Name)
	assert.Equal(t, DefaultClass, p.For(ethUSDC).Name)
}

func TestClassPolicy_MatchesWrappedAliases(t *testing.T) {
	usdcE := token.NewDescriptor(token.ArbitrumOne, "0xff970a61a04b1ca14834a43f5de4533ebddb5cc8", "USDC.e", 6)
	arbUSDT := token.NewDescriptor(token.ArbitrumOne, "0xfd086bc7cd5c481dcc9c85ebe478a1c0b69fcbb9", "USDT", 6)
	wbtc := token.NewDescriptor(token.ArbitrumOne, "0x2f2a2543b76a4166549f7aab2e75bef0aefc5b0f", "WBTC", 8)

	stable := NewClassPolicy("stable", time.Minute, time.Hour, aggregator.Policy{}, "USDC", "USDT")
	assert.True(t, stable.Matches(token.NewPair(usdcE, arbUSDT)))
	assert.False(t, stable.Matches(token.NewPair(wbtc, arbUSDT)))
	assert.False(t, ClassPolicy{}.Matches(token.NewPair(usdcE, arbUSDT)))
}
