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
	binanceBaseURL = "https://api.binance.com"
	binanceRPS     = 10
)

// binanceQuoteAssets are the assets Binance lists spot markets against.
var binanceQuoteAssets = []string{"USDT", "USDC", "FDUSD", "BTC", "ETH", "BNB"}

// BinanceAdapter prices pairs from Binance spot tickers. Tokens are matched by
// canonical symbol, so wrapped assets trade as their underlying (WETH as ETH).
type BinanceAdapter struct {
	*sources.BaseAdapter

	apiURL      string
	quoteAssets map[string]struct{}
}

// NewBinanceAdapter creates a Binance ticker adapter.
// Recognized config keys: api_url, quote_assets, chains, requests_per_second, timeout, max_retries.
func NewBinanceAdapter(config map[string]interface{}) (sources.Adapter, error) {
	if _, ok := config["requests_per_second"]; !ok {
		config = withDefault(config, "requests_per_second", float64(binanceRPS))
	}
	opts, err := sources.BaseOptionsFromConfig(config, nil)
	if err != nil {
		return nil, err
	}

	assets := binanceQuoteAssets
	if raw, ok := config["quote_assets"].([]interface{}); ok && len(raw) > 0 {
		assets = make([]string, 0, len(raw))
		for _, v := range raw {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("%w: quote_assets must be strings", sources.ErrInvalidConfig)
			}
			assets = append(assets, s)
		}
	}
	quoteAssets := make(map[string]struct{}, len(assets))
	for _, a := range assets {
		quoteAssets[sources.CanonicalSymbol(a)] = struct{}{}
	}

	return &BinanceAdapter{
		BaseAdapter: sources.NewBaseAdapter(sources.GetString(config, "name", "binance"), sources.ClassCEX, opts),
		apiURL:      strings.TrimRight(sources.GetString(config, "api_url", binanceBaseURL), "/"),
		quoteAssets: quoteAssets,
	}, nil
}

// Applicable reports whether one side of the pair is a Binance quote asset.
func (s *BinanceAdapter) Applicable(pair token.Pair) bool {
	if !s.SupportsPair(pair) {
		return false
	}
	_, ok := s.market(pair)
	return ok
}

// market returns the ticker symbol for the pair and whether it is listed
// inverted (quote traded against base).
func (s *BinanceAdapter) market(pair token.Pair) (binanceMarket, bool) {
	base := sources.CanonicalSymbol(pair.Base.Symbol)
	quote := sources.CanonicalSymbol(pair.Quote.Symbol)
	if base == "" || quote == "" || base == quote {
		return binanceMarket{}, false
	}
	if _, ok := s.quoteAssets[quote]; ok {
		return binanceMarket{symbol: base + quote}, true
	}
	if _, ok := s.quoteAssets[base]; ok {
		return binanceMarket{symbol: quote + base, inverted: true}, true
	}
	return binanceMarket{}, false
}

type binanceMarket struct {
	symbol   string
	inverted bool
}

// Fetch returns the last traded price from /api/v3/ticker/price.
func (s *BinanceAdapter) Fetch(ctx context.Context, pair token.Pair) (sources.RawQuote, error) {
	m, ok := s.market(pair)
	if !s.SupportsPair(pair) || !ok {
		return sources.RawQuote{}, sources.Unsupported(s.ID(), pair)
	}

	var body []byte
	err := s.Retry(ctx, func(ctx context.Context) error {
		var err error
		body, err = s.GetJSON(ctx, s.apiURL+"/api/v3/ticker/price?symbol="+url.QueryEscape(m.symbol), nil)
		return err
	})
	if err != nil {
		return sources.RawQuote{}, err
	}
	if !gjson.ValidBytes(body) {
		return sources.RawQuote{}, sources.Malformed(s.ID(), fmt.Errorf("invalid JSON"))
	}

	res := gjson.ParseBytes(body)
	if got := res.Get("symbol").String(); !strings.EqualFold(got, m.symbol) {
		return sources.RawQuote{}, sources.Malformed(s.ID(), fmt.Errorf("ticker for %q, requested %q", got, m.symbol))
	}
	price, err := sources.DecimalFromJSON(res.Get("price"))
	if err != nil {
		return sources.RawQuote{}, sources.Malformed(s.ID(), err)
	}
	if m.inverted {
		if !price.IsPositive() {
			return sources.RawQuote{}, sources.Malformed(s.ID(), fmt.Errorf("%w: %s", ErrPriceMissing, m.symbol))
		}
		price = decimal.NewFromInt(1).DivRound(price, sources.PricePrecision)
	}

	return sources.RawQuote{
		Pair:          pair,
		Kind:          sources.KindRate,
		ReportedBase:  sources.ReportedToken{Symbol: pair.Base.Symbol},
		ReportedQuote: sources.ReportedToken{Symbol: pair.Quote.Symbol},
		Rate:          price,
		RetrievedAt:   time.Now(),
	}, nil
}
