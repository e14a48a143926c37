package cex

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"tc.com/price-estimator/pkg/server/sources"
	"tc.com/price-estimator/pkg/token"
)

const (
	coingeckoBaseURL    = "https://api.coingecko.com/api/v3"
	coingeckoProBaseURL = "https://pro-api.coingecko.com/api/v3"
	// Free API allows roughly 30 calls/minute, Pro considerably more.
	coingeckoFreeRPS = 0.5
	coingeckoProRPS  = 8
)

// coingeckoPlatforms maps chains to CoinGecko asset platform ids.
var coingeckoPlatforms = map[token.ChainID]string{
	token.Ethereum:    "ethereum",
	token.Optimism:    "optimistic-ethereum",
	token.Bsc:         "binance-smart-chain",
	token.Sui:         "sui",
	token.HyperEVM:    "hyperevm",
	token.Base:        "base",
	token.ArbitrumOne: "arbitrum-one",
	token.Solana:      "solana",
}

// coingeckoNativeIDs maps chains to the coin id of their native asset.
var coingeckoNativeIDs = map[token.ChainID]string{
	token.Ethereum:    "ethereum",
	token.Optimism:    "ethereum",
	token.Base:        "ethereum",
	token.ArbitrumOne: "ethereum",
	token.Bsc:         "binancecoin",
	token.Sui:         "sui",
	token.HyperEVM:    "hyperliquid",
	token.Solana:      "solana",
}

// CoinGeckoAdapter prices tokens by contract address via the CoinGecko USD endpoints.
type CoinGeckoAdapter struct {
	*sources.BaseAdapter

	baseURL string
	apiKey  string
	pro     bool
}

// NewCoinGeckoAdapter creates a CoinGecko adapter.
// Recognized config keys: api_key, pro, base_url, chains, requests_per_second, timeout, max_retries.
func NewCoinGeckoAdapter(config map[string]interface{}) (sources.Adapter, error) {
	apiKey := sources.GetString(config, "api_key", "")
	pro, _ := config["pro"].(bool)

	baseURL := coingeckoBaseURL
	rps := coingeckoFreeRPS
	if pro {
		baseURL = coingeckoProBaseURL
		rps = coingeckoProRPS
	}
	baseURL = sources.GetString(config, "base_url", baseURL)
	if _, ok := config["requests_per_second"]; !ok {
		config = withDefault(config, "requests_per_second", rps)
	}

	chains := make([]token.ChainID, 0, len(coingeckoPlatforms))
	for c := range coingeckoPlatforms {
		chains = append(chains, c)
	}
	opts, err := sources.BaseOptionsFromConfig(config, chains)
	if err != nil {
		return nil, err
	}

	return &CoinGeckoAdapter{
		BaseAdapter: sources.NewBaseAdapter(sources.GetString(config, "name", "coingecko"), sources.ClassCEX, opts),
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		pro:         pro,
	}, nil
}

// Applicable reports whether both tokens live on chains CoinGecko indexes.
// Cross-chain pairs are allowed since each side is priced in USD.
func (s *CoinGeckoAdapter) Applicable(pair token.Pair) bool {
	if !s.SupportsPair(pair) {
		return false
	}
	_, okBase := coingeckoPlatforms[pair.Base.ChainID]
	_, okQuote := coingeckoPlatforms[pair.Quote.ChainID]
	return okBase && okQuote
}

// Fetch returns USD prices for both sides of the pair.
func (s *CoinGeckoAdapter) Fetch(ctx context.Context, pair token.Pair) (sources.RawQuote, error) {
	if !s.Applicable(pair) {
		return sources.RawQuote{}, sources.Unsupported(s.ID(), pair)
	}

	var prices map[string]decimal.Decimal
	err := s.Retry(ctx, func(ctx context.Context) error {
		var err error
		prices, err = s.fetchUSD(ctx, pair.Base, pair.Quote)
		return err
	})
	if err != nil {
		return sources.RawQuote{}, err
	}

	baseUSD, ok := prices[pair.Base.Key()]
	if !ok {
		return sources.RawQuote{}, sources.Malformed(s.ID(), fmt.Errorf("%w: %s", ErrPriceMissing, pair.Base))
	}
	quoteUSD, ok := prices[pair.Quote.Key()]
	if !ok {
		return sources.RawQuote{}, sources.Malformed(s.ID(), fmt.Errorf("%w: %s", ErrPriceMissing, pair.Quote))
	}

	return sources.RawQuote{
		Pair:        pair,
		Kind:        sources.KindUSDPrices,
		BaseUSD:     baseUSD,
		QuoteUSD:    quoteUSD,
		RetrievedAt: time.Now(),
	}, nil
}

// fetchUSD prices the given tokens, batching contract lookups per platform.
func (s *CoinGeckoAdapter) fetchUSD(ctx context.Context, tokens ...token.Descriptor) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(tokens))
	byPlatform := make(map[token.ChainID][]token.Descriptor)

	for _, t := range tokens {
		if _, done := out[t.Key()]; done {
			continue
		}
		if t.IsNative() {
			id, ok := coingeckoNativeIDs[t.ChainID]
			if !ok {
				return nil, sources.Unsupported(s.ID(), t)
			}
			body, err := s.GetJSON(ctx, fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd",
				s.baseURL, url.QueryEscape(id)), s.headers())
			if err != nil {
				return nil, err
			}
			price, err := usdField(body, id)
			if err != nil {
				return nil, sources.Malformed(s.ID(), err)
			}
			out[t.Key()] = price
			continue
		}
		byPlatform[t.ChainID] = append(byPlatform[t.ChainID], t)
	}

	for chain, list := range byPlatform {
		addrs := make([]string, 0, len(list))
		for _, t := range list {
			addrs = append(addrs, t.Address)
		}
		body, err := s.GetJSON(ctx, fmt.Sprintf("%s/simple/token_price/%s?contract_addresses=%s&vs_currencies=usd",
			s.baseURL, coingeckoPlatforms[chain], url.QueryEscape(strings.Join(addrs, ","))), s.headers())
		if err != nil {
			return nil, err
		}
		for _, t := range list {
			price, err := usdField(body, t.Address)
			if err != nil {
				return nil, sources.Malformed(s.ID(), err)
			}
			out[t.Key()] = price
		}
	}

	return out, nil
}

func (s *CoinGeckoAdapter) headers() map[string]string {
	if s.apiKey == "" {
		return nil
	}
	if s.pro {
		return map[string]string{"x-cg-pro-api-key": s.apiKey}
	}
	return map[string]string{"x-cg-demo-api-key": s.apiKey}
}

// usdField reads body[key].usd. CoinGecko lower-cases EVM contract keys.
func usdField(body []byte, key string) (decimal.Decimal, error) {
	if !gjson.ValidBytes(body) {
		return decimal.Zero, fmt.Errorf("invalid JSON")
	}
	res := gjson.GetBytes(body, gjson.Escape(key)+".usd")
	if !res.Exists() {
		res = gjson.GetBytes(body, gjson.Escape(strings.ToLower(key))+".usd")
	}
	if !res.Exists() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrPriceMissing, key)
	}
	return sources.DecimalFromJSON(res)
}

// withDefault returns a copy of config with key set.
func withDefault(config map[string]interface{}, key string, value interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(config)+1)
	for k, v := range config {
		out[k] = v
	}
	out[key] = value
	return out
}
