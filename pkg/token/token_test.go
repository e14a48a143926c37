package token

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	usdc = NewDescriptor(Ethereum, "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", "USDC", 6)
	weth = NewDescriptor(Ethereum, "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", "WETH", 18)
	eth  = NewDescriptor(Ethereum, EVMZeroAddress, "ETH", 18)
)

func TestCanonicalAddress(t *testing.T) {
	assert.Equal(t, "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", usdc.Address)
	assert.Equal(t, EVMNativeAddress, CanonicalAddress(Bsc, EVMZeroAddress))
	assert.Equal(t, EVMNativeAddress, CanonicalAddress(Base, "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"))
	assert.Equal(t, SolanaNativeAddress, CanonicalAddress(Solana, SolanaWrappedSOL))
	// non-EVM addresses are case sensitive
	assert.Equal(t, "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		CanonicalAddress(Solana, "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"))
	assert.True(t, eth.IsNative())
	assert.False(t, usdc.IsNative())
}

func TestPairKey_PreservesDirection(t *testing.T) {
	p := NewPair(weth, usdc)
	assert.NotEqual(t, p.Key(), p.Inverse().Key())
	assert.Equal(t, "WETH/USDC", p.Symbol())

	renamed := weth
	renamed.Symbol = "wETH"
	assert.Equal(t, p.Key(), NewPair(renamed, usdc).Key())
	assert.True(t, p.SameChain())
}

func TestStaticResolver(t *testing.T) {
	r := NewStaticResolver(usdc, weth, eth)
	ctx := context.Background()

	d, err := r.Resolve(ctx, Ethereum, "0XA0B86991C6218B36C1D19D4A2E9EB0CE3606EB48")
	require.NoError(t, err)
	assert.Equal(t, usdc, d)

	d, err = r.Resolve(ctx, Ethereum, "weth")
	require.NoError(t, err)
	assert.Equal(t, weth, d)

	d, err = r.Resolve(ctx, Ethereum, "0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee")
	require.NoError(t, err)
	assert.Equal(t, "ETH", d.Symbol)

	_, err = r.Resolve(ctx, Bsc, "USDC")
	assert.ErrorIs(t, err, ErrUnknownToken)
	assert.Equal(t, 3, r.Len())
}

func TestResolvePair_UnknownQuote(t *testing.T) {
	r := NewStaticResolver(weth)
	_, err := ResolvePair(context.Background(), r,
		Ref{ChainID: Ethereum, AddressOrSymbol: "WETH"},
		Ref{ChainID: Ethereum, AddressOrSymbol: "USDT"})
	assert.ErrorIs(t, err, ErrUnknownToken)
}

type mockResolver struct {
	mock.Mock
}

func (m *mockResolver) Resolve(ctx context.Context, chain ChainID, ref string) (Descriptor, error) {
	args := m.Called(ctx, chain, ref)
	return args.Get(0).(Descriptor), args.Error(1)
}

func TestCachingResolver_CaseSensitiveAddresses(t *testing.T) {
	upper := NewDescriptor(Solana, "AbcDEFghJKLmnoPQRstuVWXyz123456789abcdefGH", "AAA", 6)
	lower := NewDescriptor(Solana, "abcdefghjklmnopqrstuvwxyz123456789abcdefgh", "BBB", 9)

	c, err := NewCachingResolver(NewStaticResolver(upper, lower), 16)
	require.NoError(t, err)

	first, err := c.Resolve(context.Background(), Solana, upper.Address)
	require.NoError(t, err)
	second, err := c.Resolve(context.Background(), Solana, lower.Address)
	require.NoError(t, err)

	assert.Equal(t, "AAA", first.Symbol)
	assert.Equal(t, "BBB", second.Symbol)
	assert.Equal(t, int32(9), second.Decimals)
}

func TestCachingResolver_MemoizesSuccessOnly(t *testing.T) {
	ctx := context.Background()
	next := &mockResolver{}
	next.On("Resolve", ctx, Ethereum, "USDC").Return(usdc, nil).Once()
	next.On("Resolve", ctx, Ethereum, "FOO").Return(Descriptor{}, ErrUnknownToken).Twice()

	c, err := NewCachingResolver(next, 16)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		d, err := c.Resolve(ctx, Ethereum, "USDC")
		require.NoError(t, err)
		assert.Equal(t, usdc, d)
	}
	for i := 0; i < 2; i++ {
		_, err := c.Resolve(ctx, Ethereum, "FOO")
		assert.ErrorIs(t, err, ErrUnknownToken)
	}
	next.AssertExpectations(t)
}
