package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tc.com/price-estimator/pkg/logging"
	"tc.com/price-estimator/pkg/server/aggregator"
	"tc.com/price-estimator/pkg/server/cache"
	"tc.com/price-estimator/pkg/server/estimator"
	"tc.com/price-estimator/pkg/server/sources"
	"tc.com/price-estimator/pkg/server/sources/sourcestest"
	"tc.com/price-estimator/pkg/token"
)

var (
	weth    = token.NewDescriptor(token.Ethereum, "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2", "WETH", 18)
	usdc    = token.NewDescriptor(token.Ethereum, "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", "USDC", 6)
	ethUSDC = token.NewPair(weth, usdc)
)

func newTestCache() *cache.Cache {
	return cache.New(cache.Config{
		Policies: cache.Policies{Default: cache.ClassPolicy{
			Name:        cache.DefaultClass,
			FreshWindow: 15 * time.Second,
			StaleWindow: 5 * time.Minute,
			Reconcile: aggregator.Policy{
				OutlierTolerance:   decimal.RequireFromString("0.05"),
				MinSourcesForFresh: 2,
				AgreementThreshold: decimal.RequireFromString("0.98"),
			},
		}},
	}, logging.NewNoopLogger())
}

func newTestServer(adapters ...sources.Adapter) (*Server, *cache.Cache) {
	logger := logging.NewNoopLogger()
	c := newTestCache()
	agg := aggregator.New(adapters, aggregator.Config{}, logger)
	est := estimator.New(agg, c, token.NewStaticResolver(weth, usdc), estimator.Config{MaxWait: time.Second}, logger)
	return NewServer(":0", est, logger), c
}

func do(t *testing.T, h http.Handler, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer()
	rec := do(t, s.Handler(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestEstimateEndpoint(t *testing.T) {
	s, _ := newTestServer(
		sourcestest.New("a", sources.ClassCEX, "3000"),
		sourcestest.New("b", sources.ClassCEX, "3000.6"),
	)

	rec := do(t, s.Handler(), http.MethodGet, "/v1/estimate?chain=1&base=WETH&quote=USDC&max_wait=500ms", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "WETH/USDC", body["pair"])
	assert.Equal(t, "3000.3", body["price"])
	assert.Equal(t, "fresh", body["status"])
	assert.ElementsMatch(t, []interface{}{"a", "b"}, body["contributing_sources"])
}

func TestEstimateEndpoint_Unavailable(t *testing.T) {
	s, _ := newTestServer(sourcestest.New("a", sources.ClassCEX, "1").SetError(errors.New("down")))

	rec := do(t, s.Handler(), http.MethodGet, "/v1/estimate?base=WETH&quote=USDC", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unavailable", body["status"])
	assert.Nil(t, body["price"])
	assert.Empty(t, body["contributing_sources"])
}

func TestObservationsEndpoint(t *testing.T) {
	s, _ := newTestServer(
		sourcestest.New("a", sources.ClassCEX, "100"),
		sourcestest.New("b", sources.ClassCEX, "101"),
		sourcestest.New("c", sources.ClassCEX, "99"),
		sourcestest.New("d", sources.ClassCEX, "1000"),
	)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/v1/observations?base=WETH&quote=USDC", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/estimate?base=WETH&quote=USDC", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var est map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &est))
	assert.ElementsMatch(t, []interface{}{"a", "b", "c"}, est["contributing_sources"])

	rec = do(t, h, http.MethodGet, "/v1/observations?base=WETH&quote=USDC", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		Pair         string `json:"pair"`
		Observations []struct {
			Source string `json:"source"`
			Price  string `json:"price"`
		} `json:"observations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "WETH/USDC", body.Pair)
	ids := make([]string, 0, len(body.Observations))
	for _, o := range body.Observations {
		ids = append(ids, o.Source)
	}
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, ids)
}

func TestEstimateEndpoint_BadRequests(t *testing.T) {
	s, _ := newTestServer()
	h := s.Handler()

	tests := []struct {
		name   string
		target string
		code   int
	}{
		{"missing quote", "/v1/estimate?base=WETH", http.StatusBadRequest},
		{"bad chain", "/v1/estimate?base=WETH&quote=USDC&chain=eth", http.StatusBadRequest},
		{"bad max wait", "/v1/estimate?base=WETH&quote=USDC&max_wait=soon", http.StatusBadRequest},
		{"unknown token", "/v1/estimate?base=NOPE&quote=USDC", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, tt.target, nil)
			assert.Equal(t, tt.code, rec.Code)
			assert.Contains(t, rec.Body.String(), "error")
		})
	}
}

func TestSwapEndpoint(t *testing.T) {
	s, _ := newTestServer(sourcestest.New("a", sources.ClassCEX, "2000"))

	rec := do(t, s.Handler(), http.MethodPost, "/v1/swap", map[string]interface{}{
		"base":      map[string]interface{}{"chain_id": 1, "token": "WETH"},
		"quote":     map[string]interface{}{"chain_id": 1, "token": usdc.Address},
		"amount_in": "250000000000000000",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		AmountIn  string `json:"amount_in"`
		AmountOut string `json:"amount_out"`
		Estimate  struct {
			Status string `json:"status"`
		} `json:"estimate"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "250000000000000000", body.AmountIn)
	assert.Equal(t, "500000000", body.AmountOut)
	assert.Equal(t, "degraded", body.Estimate.Status)
}

func TestSwapEndpoint_RejectsBadAmounts(t *testing.T) {
	s, _ := newTestServer(sourcestest.New("a", sources.ClassCEX, "2000"))
	h := s.Handler()

	for _, amount := range []string{"", "1.5", "-10"} {
		rec := do(t, h, http.MethodPost, "/v1/swap", map[string]interface{}{
			"base":      map[string]interface{}{"chain_id": 1, "token": "WETH"},
			"quote":     map[string]interface{}{"chain_id": 1, "token": "USDC"},
			"amount_in": amount,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code, "amount %q", amount)
	}
}

func TestOrdersEndpoint(t *testing.T) {
	s, _ := newTestServer(sourcestest.New("a", sources.ClassCEX, "2000"))

	rec := do(t, s.Handler(), http.MethodPost, "/v1/orders", map[string]interface{}{
		"orders": []map[string]interface{}{
			{
				"id":        "o1",
				"base":      map[string]interface{}{"chain_id": 1, "token": "WETH"},
				"quote":     map[string]interface{}{"chain_id": 1, "token": "USDC"},
				"amount_in": "1000000000000000000",
			},
			{
				"id":        "o2",
				"base":      map[string]interface{}{"chain_id": 1, "token": "PEPE"},
				"quote":     map[string]interface{}{"chain_id": 1, "token": "USDC"},
				"amount_in": "1",
			},
		},
		"max_wait": "1s",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Orders map[string]struct {
			AmountOut string `json:"amount_out"`
		} `json:"orders"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Orders, 1)
	assert.Equal(t, "2000000000", body.Orders["o1"].AmountOut)
}

func TestInvalidateEndpoint(t *testing.T) {
	a := sourcestest.New("a", sources.ClassCEX, "2000")
	s, c := newTestServer(a)
	h := s.Handler()

	do(t, h, http.MethodGet, "/v1/estimate?base=WETH&quote=USDC", nil)
	_, ok := c.Get(ethUSDC)
	require.True(t, ok)

	rec := do(t, h, http.MethodPost, "/v1/invalidate", map[string]interface{}{
		"base":  map[string]interface{}{"chain_id": 1, "token": "WETH"},
		"quote": map[string]interface{}{"chain_id": 1, "token": "USDC"},
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, ok = c.Get(ethUSDC)
	assert.False(t, ok)
}

func TestParseMaxWait(t *testing.T) {
	d, err := parseMaxWait("")
	require.NoError(t, err)
	assert.Zero(t, d)

	d, err = parseMaxWait("750ms")
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, d)

	d, err = parseMaxWait("1500")
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	_, err = parseMaxWait("later")
	assert.Error(t, err)
}
