package dex

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"tc.com/price-estimator/pkg/server/sources"
	"tc.com/price-estimator/pkg/token"
)

const zeroXBaseURL = "https://api.0x.org"

// ZeroXAdapter prices pairs with indicative quotes from the 0x Swap API.
type ZeroXAdapter struct {
	*sources.BaseAdapter

	baseURL string
	apiKey  string
	probe   decimal.Decimal
}

// NewZeroXAdapter creates a 0x adapter.
// Recognized config keys: api_key, base_url, probe_amount, chains, requests_per_second, timeout, max_retries.
func NewZeroXAdapter(config map[string]interface{}) (sources.Adapter, error) {
	probe, err := parseProbe(config)
	if err != nil {
		return nil, err
	}
	opts, err := sources.BaseOptionsFromConfig(config, defaultChains)
	if err != nil {
		return nil, err
	}
	return &ZeroXAdapter{
		BaseAdapter: sources.NewBaseAdapter(sources.GetString(config, "name", "zerox"), sources.ClassAggregator, opts),
		baseURL:     strings.TrimRight(sources.GetString(config, "base_url", zeroXBaseURL), "/"),
		apiKey:      sources.GetString(config, "api_key", ""),
		probe:       probe,
	}, nil
}

// Applicable reports whether the pair is a same-chain swap on a served chain.
func (s *ZeroXAdapter) Applicable(pair token.Pair) bool {
	return quotable(s.BaseAdapter, pair)
}

// Fetch requests an indicative price for selling the probe amount of base.
func (s *ZeroXAdapter) Fetch(ctx context.Context, pair token.Pair) (sources.RawQuote, error) {
	if !s.Applicable(pair) {
		return sources.RawQuote{}, sources.Unsupported(s.ID(), pair)
	}

	sellAmount := probeAmount(pair.Base, s.probe)
	q := url.Values{}
	q.Set("chainId", strconv.FormatUint(uint64(pair.Base.ChainID), 10))
	q.Set("sellToken", nativeAware(pair.Base))
	q.Set("buyToken", nativeAware(pair.Quote))
	q.Set("sellAmount", sellAmount.String())

	headers := map[string]string{"0x-version": "v2"}
	if s.apiKey != "" {
		headers["0x-api-key"] = s.apiKey
	}

	var body []byte
	err := s.Retry(ctx, func(ctx context.Context) error {
		var err error
		body, err = s.GetJSON(ctx, s.baseURL+"/swap/allowance-holder/price?"+q.Encode(), headers)
		return err
	})
	if err != nil {
		return sources.RawQuote{}, err
	}
	if !gjson.ValidBytes(body) {
		return sources.RawQuote{}, sources.Malformed(s.ID(), fmt.Errorf("invalid JSON"))
	}

	res := gjson.ParseBytes(body)
	if liq := res.Get("liquidityAvailable"); liq.Exists() && !liq.Bool() {
		return sources.RawQuote{}, sources.NewAdapterError(sources.KindUnsupported, s.ID(), ErrNoLiquidity)
	}
	buyAmount, ok := parseUnits(res.Get("buyAmount").String())
	if !ok {
		return sources.RawQuote{}, sources.Malformed(s.ID(), ErrAmountMissing)
	}
	if sold, ok := parseUnits(res.Get("sellAmount").String()); ok {
		sellAmount = sold
	}

	return sources.RawQuote{
		Pair:          pair,
		Kind:          sources.KindAmounts,
		ReportedBase:  sources.ReportedToken{Address: res.Get("sellToken").String()},
		ReportedQuote: sources.ReportedToken{Address: res.Get("buyToken").String()},
		AmountIn:      sellAmount,
		AmountOut:     buyAmount,
		RetrievedAt:   time.Now(),
	}, nil
}

// nativeAware returns the aggregator form of an address; native assets use 0xeeee...eeee.
func nativeAware(d token.Descriptor) string {
	if d.IsNative() {
		return token.EVMNativeAddress
	}
	return d.Address
}
