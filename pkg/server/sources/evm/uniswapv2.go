package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"tc.com/price-estimator/pkg/server/sources"
	"tc.com/price-estimator/pkg/token"
)

// Uniswap V2 Pair ABI (only getReserves function).
const pairABIJSON = `[{
	"constant": true,
	"inputs": [],
	"name": "getReserves",
	"outputs": [
		{"internalType": "uint112", "name": "reserve0", "type": "uint112"},
		{"internalType": "uint112", "name": "reserve1", "type": "uint112"},
		{"internalType": "uint32", "name": "blockTimestampLast", "type": "uint32"}
	],
	"payable": false,
	"stateMutability": "view",
	"type": "function"
}]`

// ContractCaller is the subset of ethclient.Client used to read pools.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Pool is a Uniswap V2 style pair contract and its two tokens.
type Pool struct {
	Address common.Address
	Token0  string
	Token1  string
}

// Reserves holds the pair reserves.
type Reserves struct {
	Reserve0           *big.Int
	Reserve1           *big.Int
	BlockTimestampLast uint32
}

// UniswapV2Adapter reads spot prices from constant-product pool reserves.
// Any fork exposing getReserves (PancakeSwap, SushiSwap, ...) works.
type UniswapV2Adapter struct {
	*sources.BaseAdapter

	caller        ContractCaller
	chainID       token.ChainID
	wrappedNative string
	pools         map[string]Pool
	pairABI       abi.ABI
}

// NewUniswapV2Adapter creates an adapter connected to config["rpc_url"].
func NewUniswapV2Adapter(config map[string]interface{}) (sources.Adapter, error) {
	rpcURL := sources.GetString(config, "rpc_url", "")
	if rpcURL == "" {
		return nil, ErrRPCURLRequired
	}
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	adapter, err := NewUniswapV2AdapterWithCaller(config, client)
	if err != nil {
		client.Close()
		return nil, err
	}
	return adapter, nil
}

// NewUniswapV2AdapterWithCaller creates an adapter reading through caller.
// Recognized config keys: chain_id, wrapped_native, pools[{address, token0, token1}],
// requests_per_second, max_retries, name.
func NewUniswapV2AdapterWithCaller(config map[string]interface{}, caller ContractCaller) (*UniswapV2Adapter, error) {
	chainID := sources.GetInt(config, "chain_id", 0)
	if chainID <= 0 {
		return nil, ErrChainIDRequired
	}
	chain := token.ChainID(chainID)

	poolsRaw, ok := config["pools"].([]interface{})
	if !ok || len(poolsRaw) == 0 {
		return nil, ErrPoolsConfigRequired
	}

	pools := make(map[string]Pool, len(poolsRaw))
	for i, raw := range poolsRaw {
		m, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: pools[%d] is not an object", sources.ErrInvalidConfig, i)
		}
		addr := sources.GetString(m, "address", "")
		t0 := sources.GetString(m, "token0", "")
		t1 := sources.GetString(m, "token1", "")
		if !common.IsHexAddress(addr) || !common.IsHexAddress(t0) || !common.IsHexAddress(t1) {
			return nil, fmt.Errorf("%w: pools[%d] needs hex address, token0 and token1", sources.ErrInvalidConfig, i)
		}
		p := Pool{
			Address: common.HexToAddress(addr),
			Token0:  token.CanonicalAddress(chain, t0),
			Token1:  token.CanonicalAddress(chain, t1),
		}
		pools[poolKey(p.Token0, p.Token1)] = p
	}

	pairABI, err := abi.JSON(strings.NewReader(pairABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse pair ABI: %w", err)
	}

	opts, err := sources.BaseOptionsFromConfig(config, []token.ChainID{chain})
	if err != nil {
		return nil, err
	}
	opts.Chains = []token.ChainID{chain}

	return &UniswapV2Adapter{
		BaseAdapter:   sources.NewBaseAdapter(sources.GetString(config, "name", "uniswapv2"), sources.ClassOnChain, opts),
		caller:        caller,
		chainID:       chain,
		wrappedNative: token.CanonicalAddress(chain, sources.GetString(config, "wrapped_native", "")),
		pools:         pools,
		pairABI:       pairABI,
	}, nil
}

// Applicable reports whether a configured pool holds both tokens.
func (s *UniswapV2Adapter) Applicable(pair token.Pair) bool {
	_, ok := s.poolFor(pair)
	return ok
}

// Fetch reads the pool reserves, oriented so the base token comes first.
func (s *UniswapV2Adapter) Fetch(ctx context.Context, pair token.Pair) (sources.RawQuote, error) {
	pool, ok := s.poolFor(pair)
	if !ok {
		return sources.RawQuote{}, sources.Unsupported(s.ID(), pair)
	}

	var reserves *Reserves
	err := s.Retry(ctx, func(ctx context.Context) error {
		if err := s.Wait(ctx); err != nil {
			return err
		}
		var err error
		reserves, err = s.getReserves(ctx, pool.Address)
		return err
	})
	if err != nil {
		return sources.RawQuote{}, err
	}
	if reserves.Reserve0.Sign() == 0 || reserves.Reserve1.Sign() == 0 {
		return sources.RawQuote{}, sources.NewAdapterError(sources.KindUnsupported, s.ID(), ErrZeroLiquidity)
	}

	raw := sources.RawQuote{
		Pair:        pair,
		Kind:        sources.KindReserves,
		RetrievedAt: time.Now(),
	}
	base := s.poolAddress(pair.Base)
	if base == pool.Token0 {
		raw.ReserveBase, raw.ReserveQuote = reserves.Reserve0, reserves.Reserve1
		raw.ReportedBase, raw.ReportedQuote = s.reported(pair.Base, pool.Token0), s.reported(pair.Quote, pool.Token1)
	} else {
		raw.ReserveBase, raw.ReserveQuote = reserves.Reserve1, reserves.Reserve0
		raw.ReportedBase, raw.ReportedQuote = s.reported(pair.Base, pool.Token1), s.reported(pair.Quote, pool.Token0)
	}
	return raw, nil
}

// getReserves calls the getReserves() function on a Uniswap V2 pair contract.
func (s *UniswapV2Adapter) getReserves(ctx context.Context, pairAddr common.Address) (*Reserves, error) {
	data, err := s.pairABI.Pack("getReserves")
	if err != nil {
		return nil, sources.Malformed(s.ID(), fmt.Errorf("failed to pack getReserves call: %w", err))
	}

	result, err := s.caller.CallContract(ctx, ethereum.CallMsg{
		To:   &pairAddr,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call getReserves: %w", err)
	}

	var reserves Reserves
	if err := s.pairABI.UnpackIntoInterface(&reserves, "getReserves", result); err != nil {
		return nil, sources.Malformed(s.ID(), fmt.Errorf("failed to unpack getReserves result: %w", err))
	}
	return &reserves, nil
}

func (s *UniswapV2Adapter) poolFor(pair token.Pair) (Pool, bool) {
	if pair.Base.ChainID != s.chainID || pair.Quote.ChainID != s.chainID {
		return Pool{}, false
	}
	p, ok := s.pools[poolKey(s.poolAddress(pair.Base), s.poolAddress(pair.Quote))]
	return p, ok
}

// poolAddress maps the native asset to its wrapped token, which is what pools hold.
func (s *UniswapV2Adapter) poolAddress(d token.Descriptor) string {
	if d.IsNative() && s.wrappedNative != "" {
		return s.wrappedNative
	}
	return token.CanonicalAddress(d.ChainID, d.Address)
}

func (s *UniswapV2Adapter) reported(d token.Descriptor, poolToken string) sources.ReportedToken {
	if d.IsNative() {
		return sources.ReportedToken{}
	}
	return sources.ReportedToken{Address: poolToken}
}

func poolKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}
