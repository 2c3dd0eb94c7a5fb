// Package replay provides post-transaction views of contract storage.
package replay

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// StorageReader reads contract storage as of one replay point.
type StorageReader interface {
	// Read returns one storage word.
	Read(ctx context.Context, account common.Address, slot common.Hash) (common.Hash, error)

	// ReadMany returns storage words in slot order.
	ReadMany(ctx context.Context, account common.Address, slots []common.Hash) ([]common.Hash, error)
}

// Replayer produces storage views after a given transaction has executed.
type Replayer interface {
	// ReplayThrough returns the state of blockNumber after executing
	// transactions 0..txIndex inclusive.
	ReplayThrough(ctx context.Context, blockNumber, txIndex uint64) (StorageReader, error)
}
