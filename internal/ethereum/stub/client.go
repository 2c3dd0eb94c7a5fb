// Package stub provides an in-memory chain for tests.
package stub

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"univ3-pool-states/internal/ethereum"
)

// Client implements ethereum.ReceiptSource and ethereum.StateSource from maps.
// Populate it before use; reads are safe for concurrent use.
type Client struct {
	mu       sync.RWMutex
	receipts map[uint64][]*types.Receipt
	storage  map[uint64]map[common.Address]map[common.Hash]common.Hash
	diffs    map[uint64][]ethereum.TxStateDiff
	failures map[uint64]error

	ReceiptCalls atomic.Int64
	StorageCalls atomic.Int64
	TraceCalls   atomic.Int64
}

// Compile-time interface checks.
var (
	_ ethereum.ReceiptSource = (*Client)(nil)
	_ ethereum.StateSource   = (*Client)(nil)
)

// NewClient creates an empty stub chain.
func NewClient() *Client {
	return &Client{
		receipts: make(map[uint64][]*types.Receipt),
		storage:  make(map[uint64]map[common.Address]map[common.Hash]common.Hash),
		diffs:    make(map[uint64][]ethereum.TxStateDiff),
		failures: make(map[uint64]error),
	}
}

// AddBlock registers a block with no transactions.
func (c *Client) AddBlock(blockNumber uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.receipts[blockNumber]; !ok {
		c.receipts[blockNumber] = []*types.Receipt{}
	}
}

// AddTx appends a successful transaction whose logs are emitted by the given addresses, in order.
func (c *Client) AddTx(blockNumber uint64, txHash common.Hash, emitters ...common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()

	txIndex := uint(len(c.receipts[blockNumber]))
	receipt := &types.Receipt{
		Status:           types.ReceiptStatusSuccessful,
		TxHash:           txHash,
		BlockNumber:      new(big.Int).SetUint64(blockNumber),
		TransactionIndex: txIndex,
	}
	for i, addr := range emitters {
		receipt.Logs = append(receipt.Logs, &types.Log{
			Address:     addr,
			BlockNumber: blockNumber,
			TxHash:      txHash,
			TxIndex:     txIndex,
			Index:       uint(i),
		})
	}
	c.receipts[blockNumber] = append(c.receipts[blockNumber], receipt)
}

// FailBlock makes every call for blockNumber return err.
func (c *Client) FailBlock(blockNumber uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[blockNumber] = err
}

// SetStorage sets a storage word as of the end of blockNumber.
func (c *Client) SetStorage(blockNumber uint64, account common.Address, slot, value common.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()

	accounts, ok := c.storage[blockNumber]
	if !ok {
		accounts = make(map[common.Address]map[common.Hash]common.Hash)
		c.storage[blockNumber] = accounts
	}
	slots, ok := accounts[account]
	if !ok {
		slots = make(map[common.Hash]common.Hash)
		accounts[account] = slots
	}
	slots[slot] = value
}

// AddDiff appends the state diff of the next transaction in blockNumber.
func (c *Client) AddDiff(blockNumber uint64, diff ethereum.TxStateDiff) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.diffs[blockNumber] = append(c.diffs[blockNumber], diff)
}

// BlockReceipts returns receipts registered for blockNumber.
func (c *Client) BlockReceipts(_ context.Context, blockNumber uint64) ([]*types.Receipt, error) {
	c.ReceiptCalls.Add(1)
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.failures[blockNumber]; err != nil {
		return nil, err
	}
	receipts, ok := c.receipts[blockNumber]
	if !ok {
		return nil, fmt.Errorf("block %d: %w", blockNumber, ethereum.ErrBlockNotFound)
	}
	return receipts, nil
}

// StorageAt returns a stored word, or zero if never set.
func (c *Client) StorageAt(_ context.Context, account common.Address, slot common.Hash, blockNumber uint64) (common.Hash, error) {
	c.StorageCalls.Add(1)
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.failures[blockNumber]; err != nil {
		return common.Hash{}, err
	}
	return c.storage[blockNumber][account][slot], nil
}

// BatchStorageAt returns stored words in slot order.
func (c *Client) BatchStorageAt(ctx context.Context, account common.Address, slots []common.Hash, blockNumber uint64) ([]common.Hash, error) {
	words := make([]common.Hash, len(slots))
	for i, slot := range slots {
		w, err := c.StorageAt(ctx, account, slot, blockNumber)
		if err != nil {
			return nil, err
		}
		words[i] = w
	}
	return words, nil
}

// TraceBlockStateDiff returns diffs registered for blockNumber.
func (c *Client) TraceBlockStateDiff(_ context.Context, blockNumber uint64) ([]ethereum.TxStateDiff, error) {
	c.TraceCalls.Add(1)
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.failures[blockNumber]; err != nil {
		return nil, err
	}
	diffs, ok := c.diffs[blockNumber]
	if !ok {
		return nil, fmt.Errorf("block %d: %w", blockNumber, ethereum.ErrBlockNotFound)
	}
	return diffs, nil
}
