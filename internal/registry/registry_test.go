package registry

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"univ3-pool-states/internal/domain"
)

var (
	usdc = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	weth = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	dai  = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
)

var resolvedPool = common.HexToAddress("0x7a415b19932c0105c82fdb6b720bb01b0cc2cae3")

// chainSource serves metadata for address-only registry entries.
type chainSource struct {
	pools map[common.Address]domain.PoolMetadata
	calls []common.Address
}

func (s *chainSource) PoolMetadata(_ context.Context, pool common.Address) (domain.PoolMetadata, error) {
	s.calls = append(s.calls, pool)
	meta, ok := s.pools[pool]
	if !ok {
		return domain.PoolMetadata{}, errors.New("execution reverted")
	}
	return meta, nil
}

func newChainSource() *chainSource {
	return &chainSource{pools: map[common.Address]domain.PoolMetadata{
		resolvedPool: {
			Token0:         dai,
			Token0Decimals: 18,
			Token1:         weth,
			Token1Decimals: 18,
			Fee:            500,
			TickSpacing:    10,
		},
	}}
}

func defaultRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Default(context.Background(), newChainSource())
	require.NoError(t, err)
	return r
}

func TestDefault(t *testing.T) {
	src := newChainSource()
	r, err := Default(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, 15, r.Len())
	assert.Equal(t, []common.Address{resolvedPool}, src.calls, "only address-only entries are read from chain")

	resolved, ok := r.Lookup(resolvedPool)
	require.True(t, ok)
	assert.Equal(t, resolvedPool, resolved.Address)
	assert.Equal(t, dai, resolved.Token0)
	assert.Equal(t, int32(10), resolved.TickSpacing)

	daiWeth, ok := r.Lookup(common.HexToAddress("0xc2e9f25be6257c210d7adf0d4cd6e3e881ba25f8"))
	require.True(t, ok)
	assert.Equal(t, dai, daiWeth.Token0)
	assert.Equal(t, weth, daiWeth.Token1)
	assert.Equal(t, uint32(3000), daiWeth.Fee)
	assert.Equal(t, int32(60), daiWeth.TickSpacing)

	usdcWeth, ok := r.Lookup(common.HexToAddress("0x88E6A0c2dDD26FEEb64F039a2c41296FcB3f5640"))
	require.True(t, ok)
	assert.Equal(t, usdc, usdcWeth.Token0)
	assert.Equal(t, uint8(6), usdcWeth.Token0Decimals)
	assert.Equal(t, uint8(18), usdcWeth.Token1Decimals)
	assert.Equal(t, int32(10), usdcWeth.TickSpacing)
}

func TestLookup_Unknown(t *testing.T) {
	r := defaultRegistry(t)

	_, ok := r.Lookup(usdc)
	assert.False(t, ok)
	assert.False(t, r.Contains(usdc))
}

func TestAddresses_SortedCopy(t *testing.T) {
	r := defaultRegistry(t)

	addrs := r.Addresses()
	require.Len(t, addrs, r.Len())
	for i := 1; i < len(addrs); i++ {
		assert.Negative(t, bytes.Compare(addrs[i-1][:], addrs[i][:]))
	}

	addrs[0] = common.Address{}
	assert.NotEqual(t, common.Address{}, r.Addresses()[0])
}

func TestNew_Validation(t *testing.T) {
	valid := domain.PoolMetadata{
		Address:     common.HexToAddress("0x01"),
		Token0:      dai,
		Token1:      weth,
		Fee:         3000,
		TickSpacing: 60,
	}

	tests := []struct {
		name   string
		mutate func(p *domain.PoolMetadata)
	}{
		{"zero address", func(p *domain.PoolMetadata) { p.Address = common.Address{} }},
		{"zero spacing", func(p *domain.PoolMetadata) { p.TickSpacing = 0 }},
		{"unsorted tokens", func(p *domain.PoolMetadata) { p.Token0, p.Token1 = p.Token1, p.Token0 }},
		{"spacing does not match fee", func(p *domain.PoolMetadata) { p.TickSpacing = 10 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			_, err := New([]domain.PoolMetadata{p})
			assert.Error(t, err)
		})
	}

	_, err := New([]domain.PoolMetadata{valid, valid})
	assert.ErrorContains(t, err, "duplicate")

	_, err = New(nil)
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pools.yaml")
	content := `pools:
  - address: "0x0000000000000000000000000000000000000abc"
    label: test
    token0: "0x6b175474e89094c44da98b954eedeac495271d0f"
    token0_decimals: 18
    token1: "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"
    token1_decimals: 18
    fee: 3000
    tick_spacing: 60
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	r, err := Load(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.Contains(common.HexToAddress("0xabc")))
}

func TestParse_RejectsBadInput(t *testing.T) {
	ctx := context.Background()

	_, err := Parse(ctx, []byte("pools:\n  - address: nothex\n"), nil)
	assert.Error(t, err)

	_, err = Parse(ctx, []byte("pools:\n  - unknown_field: 1\n"), nil)
	assert.Error(t, err)

	partial := "pools:\n  - address: \"0x0000000000000000000000000000000000000abc\"\n    fee: 3000\n"
	_, err = Parse(ctx, []byte(partial), newChainSource())
	assert.Error(t, err, "partially listed metadata is not resolved from chain")
}

func TestDefault_AddressOnlyNeedsChainSource(t *testing.T) {
	_, err := Default(context.Background(), nil)
	assert.ErrorContains(t, err, "no chain source")
}

func TestParse_ResolveFailure(t *testing.T) {
	data := []byte("pools:\n  - address: \"0x0000000000000000000000000000000000000abc\"\n    label: unknown\n")
	_, err := Parse(context.Background(), data, newChainSource())
	assert.ErrorContains(t, err, "resolve metadata")
}

func TestParse_ResolvedKeepsLabel(t *testing.T) {
	data := []byte("pools:\n  - address: \"0x7a415b19932c0105c82fdb6b720bb01b0cc2cae3\"\n    label: resolved\n")
	r, err := Parse(context.Background(), data, newChainSource())
	require.NoError(t, err)

	meta, ok := r.Lookup(resolvedPool)
	require.True(t, ok)
	assert.Equal(t, "resolved", meta.Label)
	assert.Equal(t, uint32(500), meta.Fee)
}

func TestConcurrentLookup(t *testing.T) {
	r := defaultRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, a := range r.Addresses() {
				_, ok := r.Lookup(a)
				assert.True(t, ok)
			}
		}()
	}
	wg.Wait()
}
