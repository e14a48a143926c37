package evm

import (
	"tc.com/price-estimator/pkg/server/sources"
)

func init() {
	sources.Register("evm.uniswapv2", NewUniswapV2Adapter)
}
