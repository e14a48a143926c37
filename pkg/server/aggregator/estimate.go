package aggregator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tc.com/price-estimator/pkg/token"
)

// Status is the trust level of an estimate.
type Status int

const (
	// StatusUnavailable means no price could be produced.
	StatusUnavailable Status = iota
	// StatusDegraded means a price exists but too few sources agreed.
	StatusDegraded
	// StatusStale means the price is served from an aged cache entry.
	StatusStale
	// StatusFresh means enough sources agreed recently.
	StatusFresh
)

var statusNames = map[Status]string{
	StatusUnavailable: "unavailable",
	StatusDegraded:    "degraded",
	StatusStale:       "stale",
	StatusFresh:       "fresh",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	for k, v := range statusNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", b)
}

// PriceEstimate is the reconciled, externally visible price of a pair.
// Price is quote units per one base unit.
type PriceEstimate struct {
	Pair                token.Pair      `json:"pair"`
	Price               decimal.Decimal `json:"price"`
	AsOf                time.Time       `json:"as_of"`
	Staleness           time.Duration   `json:"staleness"`
	AgreementScore      decimal.Decimal `json:"agreement_score"`
	ContributingSources []string        `json:"contributing_sources"`
	Status              Status          `json:"status"`
}

// Unavailable returns the terminal estimate for a pair with no usable data.
func Unavailable(pair token.Pair) PriceEstimate {
	return PriceEstimate{
		Pair:                pair,
		AgreementScore:      decimal.Zero,
		ContributingSources: []string{},
		Status:              StatusUnavailable,
	}
}

// IsAvailable reports whether the estimate carries a price.
func (e PriceEstimate) IsAvailable() bool {
	return e.Status != StatusUnavailable && len(e.ContributingSources) > 0
}

// estimateJSON renders durations in milliseconds for API consumers.
type estimateJSON struct {
	Pair                string           `json:"pair"`
	Base                token.Descriptor `json:"base"`
	Quote               token.Descriptor `json:"quote"`
	Price               *decimal.Decimal `json:"price"`
	AsOf                *time.Time       `json:"as_of"`
	StalenessMs         int64            `json:"staleness_ms"`
	AgreementScore      decimal.Decimal  `json:"agreement_score"`
	ContributingSources []string         `json:"contributing_sources"`
	Status              Status           `json:"status"`
}

// MarshalJSON implements json.Marshaler. Unavailable estimates carry a null price.
func (e PriceEstimate) MarshalJSON() ([]byte, error) {
	out := estimateJSON{
		Pair:                e.Pair.Symbol(),
		Base:                e.Pair.Base,
		Quote:               e.Pair.Quote,
		StalenessMs:         e.Staleness.Milliseconds(),
		AgreementScore:      e.AgreementScore,
		ContributingSources: e.ContributingSources,
		Status:              e.Status,
	}
	if out.ContributingSources == nil {
		out.ContributingSources = []string{}
	}
	if e.IsAvailable() {
		price := e.Price
		asOf := e.AsOf
		out.Price = &price
		out.AsOf = &asOf
	}
	return json.Marshal(out)
}
