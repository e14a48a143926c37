package sources

import (
	"context"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"tc.com/price-estimator/pkg/token"
)

// Class groups sources by how they obtain prices. Reliability weights are
// configured per class and can be overridden per source.
type Class string

const (
	// ClassCEX covers centralized price services.
	ClassCEX Class = "cex"
	// ClassAggregator covers DEX aggregator quote APIs.
	ClassAggregator Class = "aggregator"
	// ClassOnChain covers readers of on-chain liquidity.
	ClassOnChain Class = "onchain"
)

// QuoteKind tells the normalizer how to read a RawQuote.
type QuoteKind int

const (
	// KindUSDPrices carries USD prices of base and quote in whole token units.
	KindUSDPrices QuoteKind = iota
	// KindAmounts carries a swap quote: AmountIn base units yield AmountOut quote units.
	KindAmounts
	// KindReserves carries pool reserves of base and quote in smallest units.
	KindReserves
	// KindRate carries quote per base directly in whole token units.
	KindRate
)

func (k QuoteKind) String() string {
	switch k {
	case KindUSDPrices:
		return "usd_prices"
	case KindAmounts:
		return "amounts"
	case KindReserves:
		return "reserves"
	case KindRate:
		return "rate"
	default:
		return "unknown"
	}
}

// ReportedToken is the identity a provider echoed back for one side of a quote.
// Empty fields are not checked.
type ReportedToken struct {
	Address string
	Symbol  string
}

// RawQuote is the provider-specific answer for one requested pair. It is owned
// by the adapter that produced it until handed to Normalize.
type RawQuote struct {
	Pair          token.Pair
	Kind          QuoteKind
	ReportedBase  ReportedToken
	ReportedQuote ReportedToken

	BaseUSD  decimal.Decimal
	QuoteUSD decimal.Decimal

	AmountIn  *big.Int
	AmountOut *big.Int

	ReserveBase  *big.Int
	ReserveQuote *big.Int

	Rate decimal.Decimal

	// Confidence is the provider's own confidence in [0,1]; zero means unspecified.
	Confidence  decimal.Decimal
	RetrievedAt time.Time
}

// Observation is a normalized price from one source in one fetch cycle.
// Price is quote units per one base unit.
type Observation struct {
	SourceID   string          `json:"source"`
	Class      Class           `json:"class"`
	Pair       token.Pair      `json:"-"`
	Price      decimal.Decimal `json:"price"`
	ObservedAt time.Time       `json:"observed_at"`
	Latency    time.Duration   `json:"latency"`
	Confidence decimal.Decimal `json:"confidence"`
}

// Adapter is the contract every price provider implements. Fetch must honor
// the context deadline, failing with a Timeout AdapterError when it cannot
// answer in time, and must be safe to call concurrently for different pairs.
type Adapter interface {
	// ID returns the unique source id.
	ID() string

	// Class returns the source class used for default weighting.
	Class() Class

	// Applicable reports whether the adapter can price the pair at all.
	// Inapplicable adapters are skipped without counting as failures.
	Applicable(pair token.Pair) bool

	// Fetch retrieves a quote for the pair.
	Fetch(ctx context.Context, pair token.Pair) (RawQuote, error)
}

// AdapterFactory creates an adapter from its configuration map.
type AdapterFactory func(config map[string]interface{}) (Adapter, error)
