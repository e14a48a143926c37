package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/spf13/cobra"

	"tc.com/price-estimator/pkg/client"
	"tc.com/price-estimator/pkg/server/estimator"
	"tc.com/price-estimator/pkg/token"
)

func newEstimateCmd() *cobra.Command {
	var (
		chain      uint64
		quoteChain uint64
		base       string
		quote      string
		amount     string
		maxWait    time.Duration
		server     string
	)

	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Estimate a price or swap output once and print it as JSON",
		Example: `  price-estimator estimate --base WETH --quote USDC
  price-estimator estimate --chain 8453 --base WETH --quote USDC --amount 1000000000000000000
  price-estimator estimate --server http://localhost:8080 --base WETH --quote USDC`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if quoteChain == 0 {
				quoteChain = chain
			}
			baseRef := token.Ref{ChainID: token.ChainID(chain), AddressOrSymbol: base}
			quoteRef := token.Ref{ChainID: token.ChainID(quoteChain), AddressOrSymbol: quote}
			if server != "" {
				return runRemoteEstimate(cmd, server, baseRef, quoteRef, amount, maxWait)
			}
			return runEstimate(cmd, baseRef, quoteRef, amount, maxWait)
		},
	}

	cmd.Flags().Uint64Var(&chain, "chain", uint64(token.Ethereum), "Chain id of the base token")
	cmd.Flags().Uint64Var(&quoteChain, "quote-chain", 0, "Chain id of the quote token (defaults to --chain)")
	cmd.Flags().StringVar(&base, "base", "", "Base token address or symbol")
	cmd.Flags().StringVar(&quote, "quote", "", "Quote token address or symbol")
	cmd.Flags().StringVar(&amount, "amount", "", "Base amount in smallest units; estimates swap output when set")
	cmd.Flags().DurationVar(&maxWait, "max-wait", 0, "Deadline for the estimate (defaults to server.max_wait)")
	cmd.Flags().StringVar(&server, "server", "", "Query a running estimator at this URL instead of the sources")
	_ = cmd.MarkFlagRequired("base")
	_ = cmd.MarkFlagRequired("quote")

	return cmd
}

func runEstimate(cmd *cobra.Command, base, quote token.Ref, amount string, maxWait time.Duration) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Logging.Output = "stderr"
	logger, err := initLogger(cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	pair, err := a.estimator.Resolve(ctx, base, quote)
	if err != nil {
		return err
	}

	var out interface{}
	if amount != "" {
		amountIn, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			return fmt.Errorf("invalid amount %q", amount)
		}
		swap, err := a.estimator.QuoteSwap(ctx, pair, amountIn, maxWait)
		if err != nil {
			return err
		}
		out = swap
	} else {
		out = a.estimator.Estimate(ctx, pair, maxWait)
	}

	return printJSON(cmd, out)
}

func runRemoteEstimate(cmd *cobra.Command, server string, base, quote token.Ref, amount string, maxWait time.Duration) error {
	timeout := 30 * time.Second
	if maxWait > 0 {
		timeout = maxWait + 5*time.Second
	}
	c := client.NewHTTPClient(server, timeout)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if amount == "" {
		est, err := c.Estimate(ctx, base, quote, maxWait)
		if err != nil {
			return err
		}
		return printJSON(cmd, est)
	}

	amountIn, ok := new(big.Int).SetString(amount, 10)
	if !ok || amountIn.Sign() < 0 {
		return fmt.Errorf("invalid amount %q", amount)
	}
	swap, err := c.QuoteSwap(ctx, base, quote, amountIn, maxWait)
	if err != nil {
		return err
	}
	est := swap.Estimate.PriceEstimate()
	return printJSON(cmd, estimator.SwapEstimate{
		Pair:      est.Pair,
		AmountIn:  swap.AmountIn,
		AmountOut: swap.AmountOut,
		Estimate:  est,
	})
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
