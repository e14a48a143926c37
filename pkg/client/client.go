package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tc.com/price-estimator/pkg/server/aggregator"
	"tc.com/price-estimator/pkg/token"
	"tc.com/price-estimator/pkg/version"
)

// Estimate is a price estimate as returned by the API.
type Estimate struct {
	Pair                string            `json:"pair"`
	Base                token.Descriptor  `json:"base"`
	Quote               token.Descriptor  `json:"quote"`
	Price               *decimal.Decimal  `json:"price"`
	AsOf                *time.Time        `json:"as_of"`
	StalenessMs         int64             `json:"staleness_ms"`
	AgreementScore      decimal.Decimal   `json:"agreement_score"`
	ContributingSources []string          `json:"contributing_sources"`
	Status              aggregator.Status `json:"status"`
}

// PriceEstimate converts the response into the engine's estimate type.
func (e Estimate) PriceEstimate() aggregator.PriceEstimate {
	out := aggregator.PriceEstimate{
		Pair:                token.NewPair(e.Base, e.Quote),
		Staleness:           time.Duration(e.StalenessMs) * time.Millisecond,
		AgreementScore:      e.AgreementScore,
		ContributingSources: e.ContributingSources,
		Status:              e.Status,
	}
	if e.Price != nil {
		out.Price = *e.Price
	}
	if e.AsOf != nil {
		out.AsOf = *e.AsOf
	}
	return out
}

// Swap is a swap output estimate as returned by the API.
type Swap struct {
	AmountIn  *big.Int
	AmountOut *big.Int
	Estimate  Estimate
}

// UnmarshalJSON decodes decimal string amounts.
func (s *Swap) UnmarshalJSON(data []byte) error {
	var raw struct {
		AmountIn  string   `json:"amount_in"`
		AmountOut *string  `json:"amount_out"`
		Estimate  Estimate `json:"estimate"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Estimate = raw.Estimate
	if v, ok := new(big.Int).SetString(raw.AmountIn, 10); ok {
		s.AmountIn = v
	}
	if raw.AmountOut != nil {
		v, ok := new(big.Int).SetString(*raw.AmountOut, 10)
		if !ok {
			return fmt.Errorf("invalid amount_out %q", *raw.AmountOut)
		}
		s.AmountOut = v
	}
	return nil
}

// Client queries a running price estimator.
type Client interface {
	Estimate(ctx context.Context, base, quote token.Ref, maxWait time.Duration) (Estimate, error)
	QuoteSwap(ctx context.Context, base, quote token.Ref, amountIn *big.Int, maxWait time.Duration) (Swap, error)
}

// HTTPClient implements Client using HTTP requests.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a new HTTP client for the API at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// Estimate fetches the price of base in quote.
func (c *HTTPClient) Estimate(ctx context.Context, base, quote token.Ref, maxWait time.Duration) (Estimate, error) {
	q := url.Values{}
	q.Set("base", base.AddressOrSymbol)
	q.Set("quote", quote.AddressOrSymbol)
	q.Set("base_chain", strconv.FormatUint(uint64(base.ChainID), 10))
	q.Set("quote_chain", strconv.FormatUint(uint64(quote.ChainID), 10))
	if maxWait > 0 {
		q.Set("max_wait", maxWait.String())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/estimate?"+q.Encode(), nil)
	if err != nil {
		return Estimate{}, fmt.Errorf("failed to create request: %w", err)
	}

	var out Estimate
	if err := c.do(req, &out); err != nil {
		return Estimate{}, err
	}
	return out, nil
}

// QuoteSwap fetches the expected output of selling amountIn base units.
func (c *HTTPClient) QuoteSwap(ctx context.Context, base, quote token.Ref, amountIn *big.Int, maxWait time.Duration) (Swap, error) {
	body := map[string]interface{}{
		"base":      base,
		"quote":     quote,
		"amount_in": amountIn.String(),
	}
	if maxWait > 0 {
		body["max_wait"] = maxWait.String()
	}
	data, err := json.Marshal(body)
	if err != nil {
		return Swap{}, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/swap", bytes.NewReader(data))
	if err != nil {
		return Swap{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out Swap
	if err := c.do(req, &out); err != nil {
		return Swap{}, err
	}
	return out, nil
}

func (c *HTTPClient) do(req *http.Request, out interface{}) error {
	req.Header.Set("User-Agent", version.AgentString())

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call price estimator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(body))
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", token.ErrUnknownToken, msg)
		}
		return fmt.Errorf("%w: %d: %s", ErrServerHTTPError, resp.StatusCode, msg)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
