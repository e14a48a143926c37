// Package api provides HTTP and WebSocket endpoints around the estimator.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"tc.com/price-estimator/pkg/logging"
	"tc.com/price-estimator/pkg/metrics"
	"tc.com/price-estimator/pkg/server/aggregator"
	"tc.com/price-estimator/pkg/server/estimator"
	"tc.com/price-estimator/pkg/server/sources"
	"tc.com/price-estimator/pkg/token"
)

const maxBodyBytes = 1 << 20

// Estimator is the facade the API serves.
type Estimator interface {
	Resolve(ctx context.Context, base, quote token.Ref) (token.Pair, error)
	Estimate(ctx context.Context, pair token.Pair, maxWait time.Duration) aggregator.PriceEstimate
	QuoteSwap(ctx context.Context, pair token.Pair, amountIn *big.Int, maxWait time.Duration) (estimator.SwapEstimate, error)
	EstimateOrders(ctx context.Context, orders []estimator.OrderRequest, maxWait time.Duration) map[string]estimator.SwapEstimate
	Observations(pair token.Pair) ([]sources.Observation, bool)
	Invalidate(pair token.Pair)
}

// Server represents the HTTP API server.
type Server struct {
	addr      string
	estimator Estimator
	server    *http.Server
	logger    *logging.Logger
}

// NewServer creates a new HTTP API server.
func NewServer(addr string, est Estimator, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	return &Server{
		addr:      addr,
		estimator: est,
		logger:    logger,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(recordMetrics)

	r.Get("/health", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/estimate", s.handleEstimate)
		r.Get("/observations", s.handleObservations)
		r.Post("/swap", s.handleSwap)
		r.Post("/orders", s.handleOrders)
		r.Post("/invalidate", s.handleInvalidate)
	})
	return r
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		s.logger.Info("Stopping HTTP server")
		return s.server.Shutdown(ctx)
	}
	return nil
}

func recordMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			endpoint = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.RecordHTTPRequest(endpoint, strconv.Itoa(status), time.Since(start))
	})
}

// handleHealth handles /health endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleEstimate handles GET /v1/estimate.
// Query: base, quote (address or symbol), chain or base_chain/quote_chain, max_wait.
func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	base, quote, err := refsFromQuery(q.Get("base"), q.Get("quote"), q.Get("chain"), q.Get("base_chain"), q.Get("quote_chain"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	maxWait, err := parseMaxWait(q.Get("max_wait"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	pair, ok := s.resolve(w, r, base, quote)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.estimator.Estimate(r.Context(), pair, maxWait))
}

// handleObservations handles GET /v1/observations. It reads the cache only
// and answers 404 when no servable entry exists.
func (s *Server) handleObservations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	base, quote, err := refsFromQuery(q.Get("base"), q.Get("quote"), q.Get("chain"), q.Get("base_chain"), q.Get("quote_chain"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pair, ok := s.resolve(w, r, base, quote)
	if !ok {
		return
	}
	obs, ok := s.estimator.Observations(pair)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no cached observations for %s", pair.Symbol()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pair":         pair.Symbol(),
		"observations": obs,
	})
}

type pairRequest struct {
	Base    token.Ref `json:"base"`
	Quote   token.Ref `json:"quote"`
	MaxWait string    `json:"max_wait,omitempty"`
}

type swapRequest struct {
	pairRequest
	AmountIn string `json:"amount_in"`
}

type orderRequest struct {
	ID       string    `json:"id"`
	Base     token.Ref `json:"base"`
	Quote    token.Ref `json:"quote"`
	AmountIn string    `json:"amount_in"`
}

type ordersRequest struct {
	Orders  []orderRequest `json:"orders"`
	MaxWait string         `json:"max_wait,omitempty"`
}

// handleSwap handles POST /v1/swap.
func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request) {
	var req swapRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amountIn, err := parseAmount(req.AmountIn)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	maxWait, err := parseMaxWait(req.MaxWait)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	pair, ok := s.resolve(w, r, req.Base, req.Quote)
	if !ok {
		return
	}
	swap, err := s.estimator.QuoteSwap(r.Context(), pair, amountIn, maxWait)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, swap)
}

// handleOrders handles POST /v1/orders. Unresolvable orders are omitted from the result.
func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	var req ordersRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	maxWait, err := parseMaxWait(req.MaxWait)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	orders := make([]estimator.OrderRequest, 0, len(req.Orders))
	for _, o := range req.Orders {
		if o.ID == "" {
			writeError(w, http.StatusBadRequest, errors.New("order id is required"))
			return
		}
		amountIn, err := parseAmount(o.AmountIn)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("order %s: %w", o.ID, err))
			return
		}
		orders = append(orders, estimator.OrderRequest{
			ID:       o.ID,
			Base:     o.Base,
			Quote:    o.Quote,
			AmountIn: amountIn,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"orders": s.estimator.EstimateOrders(r.Context(), orders, maxWait),
	})
}

// handleInvalidate handles POST /v1/invalidate.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pair, ok := s.resolve(w, r, req.Base, req.Quote)
	if !ok {
		return
	}
	s.estimator.Invalidate(pair)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request, base, quote token.Ref) (token.Pair, bool) {
	pair, err := s.estimator.Resolve(r.Context(), base, quote)
	if err == nil {
		return pair, true
	}
	if errors.Is(err, token.ErrUnknownToken) {
		writeError(w, http.StatusNotFound, err)
		return token.Pair{}, false
	}
	s.logger.Error("Failed to resolve tokens", "error", err)
	writeError(w, http.StatusInternalServerError, err)
	return token.Pair{}, false
}

func refsFromQuery(base, quote, chain, baseChain, quoteChain string) (token.Ref, token.Ref, error) {
	if base == "" || quote == "" {
		return token.Ref{}, token.Ref{}, errors.New("base and quote are required")
	}
	if baseChain == "" {
		baseChain = chain
	}
	if quoteChain == "" {
		quoteChain = baseChain
	}
	bc, err := parseChain(baseChain)
	if err != nil {
		return token.Ref{}, token.Ref{}, err
	}
	qc, err := parseChain(quoteChain)
	if err != nil {
		return token.Ref{}, token.Ref{}, err
	}
	return token.Ref{ChainID: bc, AddressOrSymbol: base}, token.Ref{ChainID: qc, AddressOrSymbol: quote}, nil
}

func parseChain(s string) (token.ChainID, error) {
	if s == "" {
		return token.Ethereum, nil
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chain id %q", s)
	}
	return token.ChainID(id), nil
}

func parseMaxWait(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		if ms, convErr := strconv.ParseInt(s, 10, 64); convErr == nil {
			return time.Duration(ms) * time.Millisecond, nil
		}
		return 0, fmt.Errorf("invalid max_wait %q", s)
	}
	return d, nil
}

func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, estimator.ErrAmountRequired
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
