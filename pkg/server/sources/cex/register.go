package cex

import (
	"tc.com/price-estimator/pkg/server/sources"
)

func init() {
	sources.Register("cex.coingecko", NewCoinGeckoAdapter)
	sources.Register("cex.defillama", NewDefiLlamaAdapter)
	sources.Register("cex.binance", NewBinanceAdapter)
}
