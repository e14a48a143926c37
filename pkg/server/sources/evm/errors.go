// Package evm provides on-chain price readers for EVM liquidity pools.
package evm

import "errors"

var (
	// ErrRPCURLRequired indicates that rpc_url configuration is required.
	ErrRPCURLRequired = errors.New("rpc_url is required")
	// ErrChainIDRequired indicates that chain_id configuration is required.
	ErrChainIDRequired = errors.New("chain_id is required")
	// ErrPoolsConfigRequired indicates that pools configuration is required.
	ErrPoolsConfigRequired = errors.New("pools configuration is required")
	// ErrZeroLiquidity indicates that there is zero liquidity in the pool.
	ErrZeroLiquidity = errors.New("zero liquidity in pool")
)
