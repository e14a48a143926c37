package sources

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"tc.com/price-estimator/pkg/token"
)

// PricePrecision is the number of fractional digits kept when dividing prices.
const PricePrecision int32 = 36

// Wrapped and bridged tickers that providers report in place of the canonical one.
var symbolAliases = map[string]string{
	"WETH":   "ETH",
	"WBTC":   "BTC",
	"BTCB":   "BTC",
	"WBNB":   "BNB",
	"WSOL":   "SOL",
	"WHYPE":  "HYPE",
	"WMON":   "MON",
	"USDC.E": "USDC",
	"USDBC":  "USDC",
}

// CanonicalSymbol upper-cases a ticker and resolves wrapped aliases.
// Examples:
//   - weth -> ETH
//   - USDbC -> USDC
//   - LINK -> LINK
func CanonicalSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if canonical, ok := symbolAliases[s]; ok {
		return canonical
	}
	return s
}

// IsEquivalentSymbol checks if two tickers name the same asset after alias resolution.
func IsEquivalentSymbol(a, b string) bool {
	return CanonicalSymbol(a) == CanonicalSymbol(b)
}

// Normalize converts a RawQuote into an Observation priced as quote units per
// one base unit. It rejects quotes whose reported identities differ from the
// requested pair and prices that are not strictly positive.
func Normalize(raw RawQuote, sourceID string) (Observation, error) {
	if err := checkIdentity(raw.Pair.Base, raw.ReportedBase); err != nil {
		return Observation{}, fmt.Errorf("%w: base %v", ErrMismatchedPair, err)
	}
	if err := checkIdentity(raw.Pair.Quote, raw.ReportedQuote); err != nil {
		return Observation{}, fmt.Errorf("%w: quote %v", ErrMismatchedPair, err)
	}

	price, err := priceOf(raw)
	if err != nil {
		return Observation{}, err
	}
	if !price.IsPositive() {
		return Observation{}, fmt.Errorf("%w: %s", ErrInvalidPrice, price)
	}

	confidence := raw.Confidence
	if confidence.IsZero() || confidence.IsNegative() || confidence.GreaterThan(decimal.NewFromInt(1)) {
		confidence = decimal.NewFromInt(1)
	}

	observedAt := raw.RetrievedAt
	if observedAt.IsZero() {
		observedAt = time.Now()
	}

	return Observation{
		SourceID:   sourceID,
		Pair:       raw.Pair,
		Price:      price,
		ObservedAt: observedAt,
		Confidence: confidence,
	}, nil
}

func checkIdentity(want token.Descriptor, got ReportedToken) error {
	if got.Address != "" {
		if token.CanonicalAddress(want.ChainID, got.Address) != token.CanonicalAddress(want.ChainID, want.Address) {
			return fmt.Errorf("expected %s, got %s", want.Address, got.Address)
		}
		return nil
	}
	if got.Symbol != "" && want.Symbol != "" && !IsEquivalentSymbol(got.Symbol, want.Symbol) {
		return fmt.Errorf("expected %s, got %s", want.Symbol, got.Symbol)
	}
	return nil
}

func priceOf(raw RawQuote) (decimal.Decimal, error) {
	switch raw.Kind {
	case KindUSDPrices:
		if !raw.QuoteUSD.IsPositive() {
			return decimal.Zero, fmt.Errorf("%w: quote usd price %s", ErrInvalidPrice, raw.QuoteUSD)
		}
		return raw.BaseUSD.DivRound(raw.QuoteUSD, PricePrecision), nil
	case KindAmounts:
		return ratio(raw.AmountIn, raw.AmountOut, raw.Pair)
	case KindReserves:
		return ratio(raw.ReserveBase, raw.ReserveQuote, raw.Pair)
	case KindRate:
		return raw.Rate, nil
	default:
		return decimal.Zero, fmt.Errorf("%w: unknown quote kind %d", ErrInvalidPrice, raw.Kind)
	}
}

// ratio returns (quoteUnits / 10^quoteDecimals) / (baseUnits / 10^baseDecimals).
func ratio(baseUnits, quoteUnits *big.Int, pair token.Pair) (decimal.Decimal, error) {
	if baseUnits == nil || quoteUnits == nil {
		return decimal.Zero, fmt.Errorf("%w: missing amounts", ErrInvalidPrice)
	}
	if baseUnits.Sign() <= 0 || quoteUnits.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("%w: non-positive amounts %s/%s", ErrInvalidPrice, baseUnits, quoteUnits)
	}
	base := decimal.NewFromBigInt(baseUnits, -pair.Base.Decimals)
	quote := decimal.NewFromBigInt(quoteUnits, -pair.Quote.Decimals)
	return quote.DivRound(base, PricePrecision), nil
}

// ToUnits converts a whole-token amount into smallest units, truncating.
func ToUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

// ParseDecimal parses a provider number, rejecting NaN and infinities.
func ParseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidPrice, s)
	}
	return d, nil
}

// DecimalFromJSON reads a JSON number or numeric string without going through float64.
func DecimalFromJSON(res gjson.Result) (decimal.Decimal, error) {
	switch res.Type {
	case gjson.Number:
		return ParseDecimal(res.Raw)
	case gjson.String:
		return ParseDecimal(res.Str)
	default:
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidPrice, res.Raw)
	}
}
