package dex

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

const oneInchBaseURL = "https://api.1inch.dev"

// OneInchAdapter prices pairs with quotes from the 1inch Swap API.
type OneInchAdapter struct {
	*sources.BaseAdapter

	baseURL string
	apiKey  string
	probe   decimal.Decimal
}

// NewOneInchAdapter creates a 1inch adapter.
// Recognized config keys: api_key, base_url, probe_amount, chains, requests_per_second, timeout, max_retries.
func NewOneInchAdapter(config map[string]interface{}) (sources.Adapter, error) {
	probe, err := parseProbe(config)
	if err != nil {
		return nil, err
	}
	opts, err := sources.BaseOptionsFromConfig(config, defaultChains)
	if err != nil {
		return nil, err
	}
	return &OneInchAdapter{
		BaseAdapter: sources.NewBaseAdapter(sources.GetString(config, "name", "oneinch"), sources.ClassAggregator, opts),
		baseURL:     strings.TrimRight(sources.GetString(config, "base_url", oneInchBaseURL), "/"),
		apiKey:      sources.GetString(config, "api_key", ""),
		probe:       probe,
	}, nil
}

// Applicable reports whether the pair is a same-chain swap on a served chain.
func (s *OneInchAdapter) Applicable(pair token.Pair) bool {
	return quotable(s.BaseAdapter, pair)
}

// Fetch requests a quote for selling the probe amount of base.
func (s *OneInchAdapter) Fetch(ctx context.Context, pair token.Pair) (sources.RawQuote, error) {
	if !s.Applicable(pair) {
		return sources.RawQuote{}, sources.Unsupported(s.ID(), pair)
	}

	amount := probeAmount(pair.Base, s.probe)
	q := url.Values{}
	q.Set("src", nativeAware(pair.Base))
	q.Set("dst", nativeAware(pair.Quote))
	q.Set("amount", amount.String())

	var headers map[string]string
	if s.apiKey != "" {
		headers = map[string]string{"Authorization": "Bearer " + s.apiKey}
	}

	var body []byte
	err := s.Retry(ctx, func(ctx context.Context) error {
		var err error
		body, err = s.GetJSON(ctx, fmt.Sprintf("%s/swap/v6.0/%d/quote?%s",
			s.baseURL, uint64(pair.Base.ChainID), q.Encode()), headers)
		return err
	})
	if err != nil {
		return sources.RawQuote{}, err
	}
	if !gjson.ValidBytes(body) {
		return sources.RawQuote{}, sources.Malformed(s.ID(), fmt.Errorf("invalid JSON"))
	}

	dstAmount, ok := parseUnits(gjson.GetBytes(body, "dstAmount").String())
	if !ok {
		return sources.RawQuote{}, sources.Malformed(s.ID(), ErrAmountMissing)
	}

	return sources.RawQuote{
		Pair:          pair,
		Kind:          sources.KindAmounts,
		ReportedBase:  sources.ReportedToken{Address: gjson.GetBytes(body, "srcToken.address").String()},
		ReportedQuote: sources.ReportedToken{Address: gjson.GetBytes(body, "dstToken.address").String()},
		AmountIn:      amount,
		AmountOut:     dstAmount,
		RetrievedAt:   time.Now(),
	}, nil
}
