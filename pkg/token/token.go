// Package token defines canonical token identities and the resolver boundary
// used to turn (chain, address or symbol) references into descriptors.
package token

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownToken is returned when a reference cannot be resolved to a descriptor.
var ErrUnknownToken = errors.New("unknown token")

// ChainID identifies a network. EVM chains use their EIP-155 id.
type ChainID uint64

// Well-known chains.
const (
	Ethereum    ChainID = 1
	Optimism    ChainID = 10
	Bsc         ChainID = 56
	Sui         ChainID = 101
	Monad       ChainID = 143
	HyperEVM    ChainID = 999
	Base        ChainID = 8453
	ArbitrumOne ChainID = 42161
	Solana      ChainID = 7565164
)

var chainNames = map[ChainID]string{
	Ethereum:    "ethereum",
	Optimism:    "optimism",
	Bsc:         "bsc",
	Sui:         "sui",
	Monad:       "monad",
	HyperEVM:    "hyperevm",
	Base:        "base",
	ArbitrumOne: "arbitrum",
	Solana:      "solana",
}

// String returns the lower-case chain slug, or the numeric id for unknown chains.
func (c ChainID) String() string {
	if name, ok := chainNames[c]; ok {
		return name
	}
	return fmt.Sprintf("chain-%d", uint64(c))
}

// IsEVM reports whether addresses on the chain are 20-byte hex.
func (c ChainID) IsEVM() bool {
	switch c {
	case Solana, Sui:
		return false
	default:
		return true
	}
}

// Native token markers.
const (
	EVMNativeAddress    = "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"
	EVMZeroAddress      = "0x0000000000000000000000000000000000000000"
	SolanaNativeAddress = "So11111111111111111111111111111111111111111"
	SolanaWrappedSOL    = "So11111111111111111111111111111111111111112"
	SuiNativeAddress    = "0x2::sui::SUI"
)

// CanonicalAddress returns the form used for identity comparison on chain.
// EVM addresses are lower-cased and both native markers collapse to one value.
func CanonicalAddress(chain ChainID, address string) string {
	address = strings.TrimSpace(address)
	if !chain.IsEVM() {
		if chain == Solana && address == SolanaWrappedSOL {
			return SolanaNativeAddress
		}
		return address
	}
	address = strings.ToLower(address)
	if address == EVMZeroAddress {
		return EVMNativeAddress
	}
	return address
}

// IsNative reports whether the canonical address denotes the chain's native asset.
func IsNative(chain ChainID, address string) bool {
	switch CanonicalAddress(chain, address) {
	case EVMNativeAddress, SolanaNativeAddress, SuiNativeAddress:
		return true
	}
	return false
}

// Descriptor is the canonical identity of a token. It is a value type and is
// never mutated after resolution; a decimals change means a new descriptor.
type Descriptor struct {
	ChainID  ChainID `json:"chain_id"`
	Address  string  `json:"address"`
	Decimals int32   `json:"decimals"`
	Symbol   string  `json:"symbol"`
}

// NewDescriptor builds a descriptor with a canonical address.
func NewDescriptor(chain ChainID, address, symbol string, decimals int32) Descriptor {
	return Descriptor{
		ChainID:  chain,
		Address:  CanonicalAddress(chain, address),
		Decimals: decimals,
		Symbol:   symbol,
	}
}

// Key returns the identity key "chain:address". Symbol and decimals are not part of identity.
func (d Descriptor) Key() string {
	return fmt.Sprintf("%d:%s", uint64(d.ChainID), d.Address)
}

// SameToken reports whether two descriptors refer to the same on-chain token.
func (d Descriptor) SameToken(other Descriptor) bool {
	return d.ChainID == other.ChainID &&
		CanonicalAddress(d.ChainID, d.Address) == CanonicalAddress(other.ChainID, other.Address)
}

// IsNative reports whether the descriptor is the chain's native asset.
func (d Descriptor) IsNative() bool {
	return IsNative(d.ChainID, d.Address)
}

// String returns SYMBOL@chain.
func (d Descriptor) String() string {
	return d.Symbol + "@" + d.ChainID.String()
}

// Pair is an ordered (base, quote) pair. Prices are quote units per one base unit.
type Pair struct {
	Base  Descriptor `json:"base"`
	Quote Descriptor `json:"quote"`
}

// NewPair creates an ordered pair.
func NewPair(base, quote Descriptor) Pair {
	return Pair{Base: base, Quote: quote}
}

// Key identifies the pair by token identity, preserving which side is base.
func (p Pair) Key() string {
	return p.Base.Key() + "/" + p.Quote.Key()
}

// Symbol returns the human-readable BASE/QUOTE label.
func (p Pair) Symbol() string {
	return p.Base.Symbol + "/" + p.Quote.Symbol
}

// SameChain reports whether both sides live on one chain.
func (p Pair) SameChain() bool {
	return p.Base.ChainID == p.Quote.ChainID
}

// Inverse returns the pair with base and quote swapped.
func (p Pair) Inverse() Pair {
	return Pair{Base: p.Quote, Quote: p.Base}
}

// String implements fmt.Stringer.
func (p Pair) String() string {
	return p.Symbol()
}
