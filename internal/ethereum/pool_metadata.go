package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"univ3-pool-states/internal/domain"
)

// Immutable getters of a Uniswap V3 pool plus ERC-20 decimals.
const poolMetadataABI = `[
	{"type":"function","name":"token0","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"token1","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"fee","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint24"}]},
	{"type":"function","name":"tickSpacing","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"int24"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

var metadataABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(poolMetadataABI))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// PoolMetadata reads the token pair, fee tier and tick spacing of a pool and
// the decimals of both tokens at the chain head. These values never change
// after pool creation, so the head is as good as any historical block.
func (c *Client) PoolMetadata(ctx context.Context, pool common.Address) (domain.PoolMetadata, error) {
	meta := domain.PoolMetadata{Address: pool}

	var err error
	if meta.Token0, err = viewAs[common.Address](ctx, c, pool, "token0"); err != nil {
		return meta, err
	}
	if meta.Token1, err = viewAs[common.Address](ctx, c, pool, "token1"); err != nil {
		return meta, err
	}
	fee, err := viewAs[*big.Int](ctx, c, pool, "fee")
	if err != nil {
		return meta, err
	}
	spacing, err := viewAs[*big.Int](ctx, c, pool, "tickSpacing")
	if err != nil {
		return meta, err
	}
	meta.Fee = uint32(fee.Uint64())
	meta.TickSpacing = int32(spacing.Int64())

	if meta.Token0Decimals, err = viewAs[uint8](ctx, c, meta.Token0, "decimals"); err != nil {
		return meta, err
	}
	if meta.Token1Decimals, err = viewAs[uint8](ctx, c, meta.Token1, "decimals"); err != nil {
		return meta, err
	}
	return meta, nil
}

// viewAs calls a no-argument view method of metadataABI on contract and
// decodes its single return value as T.
func viewAs[T any](ctx context.Context, c *Client, contract common.Address, method string) (T, error) {
	var zero T

	input, err := metadataABI.Pack(method)
	if err != nil {
		return zero, err
	}

	var output []byte
	err = c.call(ctx, "eth_call", c.callTimeout, func(ctx context.Context) error {
		var err error
		output, err = c.eth.CallContract(ctx, geth.CallMsg{To: &contract, Data: input}, nil)
		return err
	})
	if err != nil {
		return zero, fmt.Errorf("%s.%s(): %w", domain.HexAddress(contract), method, err)
	}

	values, err := metadataABI.Unpack(method, output)
	if err != nil {
		return zero, fmt.Errorf("decode %s.%s(): %w", domain.HexAddress(contract), method, err)
	}
	v, ok := values[0].(T)
	if !ok {
		return zero, fmt.Errorf("decode %s.%s(): unexpected type %T", domain.HexAddress(contract), method, values[0])
	}
	return v, nil
}
