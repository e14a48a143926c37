package cex

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"tc.com/price-estimator/pkg/server/sources"
	"tc.com/price-estimator/pkg/token"
)

const (
	defillamaBaseURL     = "https://coins.llama.fi"
	defillamaSearchWidth = "4h"
)

// defillamaChains maps chains to DefiLlama chain slugs.
var defillamaChains = map[token.ChainID]string{
	token.Ethereum:    "ethereum",
	token.Optimism:    "optimism",
	token.Bsc:         "bsc",
	token.Sui:         "sui",
	token.Monad:       "monad",
	token.HyperEVM:    "hyperliquid",
	token.Base:        "base",
	token.ArbitrumOne: "arbitrum",
	token.Solana:      "solana",
}

// DefiLlamaAdapter prices tokens via the DefiLlama coins API.
type DefiLlamaAdapter struct {
	*sources.BaseAdapter

	baseURL     string
	searchWidth string
}

// NewDefiLlamaAdapter creates a DefiLlama adapter.
// Recognized config keys: base_url, search_width, chains, requests_per_second, timeout, max_retries.
func NewDefiLlamaAdapter(config map[string]interface{}) (sources.Adapter, error) {
	chains := make([]token.ChainID, 0, len(defillamaChains))
	for c := range defillamaChains {
		chains = append(chains, c)
	}
	opts, err := sources.BaseOptionsFromConfig(config, chains)
	if err != nil {
		return nil, err
	}

	return &DefiLlamaAdapter{
		BaseAdapter: sources.NewBaseAdapter(sources.GetString(config, "name", "defillama"), sources.ClassCEX, opts),
		baseURL:     strings.TrimRight(sources.GetString(config, "base_url", defillamaBaseURL), "/"),
		searchWidth: sources.GetString(config, "search_width", defillamaSearchWidth),
	}, nil
}

// Applicable reports whether both chains have a DefiLlama slug.
func (s *DefiLlamaAdapter) Applicable(pair token.Pair) bool {
	if !s.SupportsPair(pair) {
		return false
	}
	_, okBase := defillamaChains[pair.Base.ChainID]
	_, okQuote := defillamaChains[pair.Quote.ChainID]
	return okBase && okQuote
}

// Fetch returns USD prices for both sides in one request.
func (s *DefiLlamaAdapter) Fetch(ctx context.Context, pair token.Pair) (sources.RawQuote, error) {
	if !s.Applicable(pair) {
		return sources.RawQuote{}, sources.Unsupported(s.ID(), pair)
	}

	baseKey := coinKey(pair.Base)
	quoteKey := coinKey(pair.Quote)

	var body []byte
	err := s.Retry(ctx, func(ctx context.Context) error {
		var err error
		body, err = s.GetJSON(ctx, fmt.Sprintf("%s/prices/current/%s,%s?searchWidth=%s",
			s.baseURL, baseKey, quoteKey, s.searchWidth), nil)
		return err
	})
	if err != nil {
		return sources.RawQuote{}, err
	}
	if !gjson.ValidBytes(body) {
		return sources.RawQuote{}, sources.Malformed(s.ID(), fmt.Errorf("invalid JSON"))
	}

	coins := gjson.GetBytes(body, "coins")
	base, err := llamaCoin(coins, baseKey)
	if err != nil {
		return sources.RawQuote{}, sources.Malformed(s.ID(), err)
	}
	quote, err := llamaCoin(coins, quoteKey)
	if err != nil {
		return sources.RawQuote{}, sources.Malformed(s.ID(), err)
	}

	return sources.RawQuote{
		Pair:          pair,
		Kind:          sources.KindUSDPrices,
		ReportedBase:  sources.ReportedToken{Symbol: base.symbol},
		ReportedQuote: sources.ReportedToken{Symbol: quote.symbol},
		BaseUSD:       base.price,
		QuoteUSD:      quote.price,
		Confidence:    decimal.Min(base.confidence, quote.confidence),
		RetrievedAt:   time.Now(),
	}, nil
}

type llamaPrice struct {
	price      decimal.Decimal
	symbol     string
	confidence decimal.Decimal
}

func llamaCoin(coins gjson.Result, key string) (llamaPrice, error) {
	coin := coins.Get(gjson.Escape(key))
	if !coin.Exists() {
		return llamaPrice{}, fmt.Errorf("%w: %s", ErrPriceMissing, key)
	}
	price, err := sources.DecimalFromJSON(coin.Get("price"))
	if err != nil {
		return llamaPrice{}, err
	}
	confidence := decimal.NewFromInt(1)
	if c := coin.Get("confidence"); c.Exists() {
		if d, err := sources.DecimalFromJSON(c); err == nil {
			confidence = d
		}
	}
	return llamaPrice{price: price, symbol: coin.Get("symbol").String(), confidence: confidence}, nil
}

// coinKey renders "chain:address". Native assets use the zero address on EVM chains.
func coinKey(d token.Descriptor) string {
	addr := d.Address
	if d.IsNative() && d.ChainID.IsEVM() {
		addr = token.EVMZeroAddress
	}
	if d.IsNative() && d.ChainID == token.Solana {
		addr = token.SolanaWrappedSOL
	}
	return defillamaChains[d.ChainID] + ":" + addr
}
