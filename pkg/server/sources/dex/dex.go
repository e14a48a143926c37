// Package dex provides adapters for DEX aggregator quote APIs.
package dex

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"tc.com/price-estimator/pkg/server/sources"
	"tc.com/price-estimator/pkg/token"
)

var (
	// ErrNoLiquidity indicates that the aggregator found no route for the pair.
	ErrNoLiquidity = errors.New("no liquidity available")
	// ErrAmountMissing indicates that the quote lacks an output amount.
	ErrAmountMissing = errors.New("amount missing from response")
)

// defaultChains are the EVM networks both aggregators serve.
var defaultChains = []token.ChainID{
	token.Ethereum,
	token.Optimism,
	token.Bsc,
	token.Base,
	token.ArbitrumOne,
}

func init() {
	sources.Register("dex.zerox", NewZeroXAdapter)
	sources.Register("dex.oneinch", NewOneInchAdapter)
}

// quotable reports whether a same-chain EVM swap quote can be requested.
func quotable(b *sources.BaseAdapter, pair token.Pair) bool {
	return pair.SameChain() && pair.Base.ChainID.IsEVM() && b.SupportsChain(pair.Base.ChainID) &&
		!pair.Base.SameToken(pair.Quote)
}

// probeAmount returns the sell amount in base units for a probe of whole tokens.
func probeAmount(d token.Descriptor, probe decimal.Decimal) *big.Int {
	amt := sources.ToUnits(probe, d.Decimals)
	if amt.Sign() <= 0 {
		return big.NewInt(1)
	}
	return amt
}

// parseProbe reads config["probe_amount"], the whole-token sell size used for price discovery.
func parseProbe(config map[string]interface{}) (decimal.Decimal, error) {
	raw := sources.GetString(config, "probe_amount", "1")
	probe, err := decimal.NewFromString(raw)
	if err != nil || !probe.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: probe_amount %q", sources.ErrInvalidConfig, raw)
	}
	return probe, nil
}

// parseUnits parses an integer amount string from a quote response.
func parseUnits(s string) (*big.Int, bool) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() <= 0 {
		return nil, false
	}
	return n, true
}
