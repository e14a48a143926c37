package estimator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"tc.com/price-estimator/pkg/server/aggregator"
	"tc.com/price-estimator/pkg/token"
)

// maxConcurrentOrders bounds the pairs estimated at once for one batch.
const maxConcurrentOrders = 16

// SwapEstimate is the expected output of selling AmountIn base units for
// the quote token. AmountOut is nil when no price is available.
type SwapEstimate struct {
	Pair      token.Pair
	AmountIn  *big.Int
	AmountOut *big.Int
	Estimate  aggregator.PriceEstimate
}

// MarshalJSON renders amounts as decimal strings.
func (s SwapEstimate) MarshalJSON() ([]byte, error) {
	out := struct {
		AmountIn  string                   `json:"amount_in"`
		AmountOut *string                  `json:"amount_out"`
		Estimate  aggregator.PriceEstimate `json:"estimate"`
	}{
		Estimate: s.Estimate,
	}
	if s.AmountIn != nil {
		out.AmountIn = s.AmountIn.String()
	}
	if s.AmountOut != nil {
		v := s.AmountOut.String()
		out.AmountOut = &v
	}
	return json.Marshal(out)
}

// OrderRequest is one order of a batch estimate.
type OrderRequest struct {
	ID       string
	Base     token.Ref
	Quote    token.Ref
	AmountIn *big.Int
}

// QuoteSwap estimates the quote units received for amountIn base units:
// floor(amountIn / 10^base.decimals * price * 10^quote.decimals).
func (e *Estimator) QuoteSwap(ctx context.Context, pair token.Pair, amountIn *big.Int, maxWait time.Duration) (SwapEstimate, error) {
	if amountIn == nil {
		return SwapEstimate{}, ErrAmountRequired
	}
	if amountIn.Sign() < 0 {
		return SwapEstimate{}, fmt.Errorf("%w: %s", ErrNegativeAmount, amountIn)
	}

	est := e.Estimate(ctx, pair, maxWait)
	return SwapEstimate{
		Pair:      pair,
		AmountIn:  new(big.Int).Set(amountIn),
		AmountOut: AmountOut(pair, amountIn, est),
		Estimate:  est,
	}, nil
}

// AmountOut converts amountIn base units at the estimate's price. It returns
// nil for unavailable estimates.
func AmountOut(pair token.Pair, amountIn *big.Int, est aggregator.PriceEstimate) *big.Int {
	if !est.IsAvailable() || amountIn == nil {
		return nil
	}
	out := decimal.NewFromBigInt(amountIn, -pair.Base.Decimals).
		Mul(est.Price).
		Shift(pair.Quote.Decimals).
		Floor()
	return out.BigInt()
}

// EstimateOrders estimates every order of a batch concurrently. Orders whose
// tokens cannot be resolved, whose amount is invalid or whose id repeats an
// earlier order are skipped. Orders not yet started when ctx ends are skipped.
func (e *Estimator) EstimateOrders(ctx context.Context, orders []OrderRequest, maxWait time.Duration) map[string]SwapEstimate {
	var (
		mu  sync.Mutex
		out = make(map[string]SwapEstimate, len(orders))
		g   errgroup.Group
	)
	g.SetLimit(maxConcurrentOrders)

	seen := make(map[string]struct{}, len(orders))
	for _, order := range orders {
		order := order
		if _, dup := seen[order.ID]; dup {
			e.logger.Warn("Skipping order with duplicate id", "order", order.ID)
			continue
		}
		seen[order.ID] = struct{}{}

		pair, err := e.Resolve(ctx, order.Base, order.Quote)
		if err != nil {
			e.logger.Warn("Skipping order with unknown token", "order", order.ID, "error", err)
			continue
		}

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			swap, err := e.QuoteSwap(ctx, pair, order.AmountIn, maxWait)
			if err != nil {
				e.logger.Warn("Skipping order", "order", order.ID, "pair", pair.Symbol(), "error", err)
				return nil
			}
			mu.Lock()
			out[order.ID] = swap
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.logger.Warn("Order batch interrupted", "estimated", len(out), "orders", len(orders), "error", err)
	}
	return out
}
