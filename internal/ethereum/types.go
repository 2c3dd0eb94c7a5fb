package ethereum

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrBlockNotFound is returned when the node has no data for a block.
var ErrBlockNotFound = errors.New("block not found")

// ReceiptSource provides the receipts of a block.
type ReceiptSource interface {
	// BlockReceipts returns all receipts of a block in transaction order.
	// Returns ErrBlockNotFound if the node has no such block.
	BlockReceipts(ctx context.Context, blockNumber uint64) ([]*types.Receipt, error)
}

// StateSource provides historical contract storage and per-transaction state diffs.
type StateSource interface {
	// StorageAt returns a storage word at the end of blockNumber.
	StorageAt(ctx context.Context, account common.Address, slot common.Hash, blockNumber uint64) (common.Hash, error)

	// BatchStorageAt returns several storage words of one account at the end of blockNumber.
	BatchStorageAt(ctx context.Context, account common.Address, slots []common.Hash, blockNumber uint64) ([]common.Hash, error)

	// TraceBlockStateDiff returns the prestate diff of every transaction in the block, in order.
	TraceBlockStateDiff(ctx context.Context, blockNumber uint64) ([]TxStateDiff, error)
}

// AccountState is one account entry of a prestateTracer result.
// Only storage is decoded; balance, nonce and code are ignored.
type AccountState struct {
	Storage map[common.Hash]common.Hash `json:"storage,omitempty"`
}

// StateDiff is the diffMode prestateTracer output for one transaction.
// A slot listed in Pre but missing from Post was cleared to zero.
type StateDiff struct {
	Pre  map[common.Address]*AccountState `json:"pre"`
	Post map[common.Address]*AccountState `json:"post"`
}

// TxStateDiff pairs a state diff with its transaction.
type TxStateDiff struct {
	TxHash common.Hash `json:"txHash"`
	Result StateDiff   `json:"result"`
	Error  string      `json:"error,omitempty"`
}
