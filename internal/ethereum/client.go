package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"

	"univ3-pool-states/internal/observability"
)

// Default configuration values.
const (
	DefaultCallTimeout  = 30 * time.Second
	DefaultTraceTimeout = 120 * time.Second
	DefaultMaxRetries   = 3
	DefaultRetryDelay   = 1 * time.Second
	DefaultMaxDelay     = 10 * time.Second
	DefaultBackoffMult  = 2.0
	DefaultMaxBatchSize = 256
)

// Client implements ReceiptSource and StateSource over JSON-RPC.
type Client struct {
	rpc          *rpc.Client
	eth          *ethclient.Client
	callTimeout  time.Duration
	traceTimeout time.Duration
	maxRetries   int
	retryDelay   time.Duration
	maxDelay     time.Duration
	backoffMult  float64
	maxBatchSize int
	metrics      *observability.Metrics
	logger       logrus.FieldLogger
}

// Compile-time interface checks.
var (
	_ ReceiptSource = (*Client)(nil)
	_ StateSource   = (*Client)(nil)
)

// ClientOption configures Client.
type ClientOption func(*Client)

// WithCallTimeout sets the per-attempt timeout of ordinary calls.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.callTimeout = d
	}
}

// WithTraceTimeout sets the per-attempt timeout of debug_traceBlockByNumber.
func WithTraceTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.traceTimeout = d
	}
}

// WithMaxRetries sets maximum retry attempts.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithRetryDelay sets initial retry delay.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.retryDelay = d
	}
}

// WithMaxDelay sets maximum retry delay.
func WithMaxDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.maxDelay = d
	}
}

// WithMaxBatchSize caps the number of calls per JSON-RPC batch.
func WithMaxBatchSize(n int) ClientOption {
	return func(c *Client) {
		c.maxBatchSize = n
	}
}

// WithMetrics records call latency and retries.
func WithMetrics(m *observability.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithLogger sets the logger used for retry warnings.
func WithLogger(l logrus.FieldLogger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// Dial connects to an HTTP, WebSocket or IPC endpoint.
func Dial(ctx context.Context, endpoint string, opts ...ClientOption) (*Client, error) {
	rc, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", endpoint, err)
	}
	return NewClient(rc, opts...), nil
}

// NewClient wraps an existing RPC connection.
func NewClient(rc *rpc.Client, opts ...ClientOption) *Client {
	c := &Client{
		rpc:          rc,
		eth:          ethclient.NewClient(rc),
		callTimeout:  DefaultCallTimeout,
		traceTimeout: DefaultTraceTimeout,
		maxRetries:   DefaultMaxRetries,
		retryDelay:   DefaultRetryDelay,
		maxDelay:     DefaultMaxDelay,
		backoffMult:  DefaultBackoffMult,
		maxBatchSize: DefaultMaxBatchSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = observability.NewNop()
	}
	if c.logger == nil {
		c.logger = logrus.StandardLogger()
	}
	c.logger = c.logger.WithField("component", "ethereum")
	return c
}

// Close closes the underlying connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// call runs fn with retries and exponential backoff.
// Not-found and JSON-RPC errors are returned without retrying.
func (c *Client) call(ctx context.Context, method string, timeout time.Duration, fn func(ctx context.Context) error) error {
	delay := c.retryDelay
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.metrics.RPCRetries.WithLabelValues(method).Inc()
			c.logger.WithFields(logrus.Fields{
				"method":  method,
				"attempt": attempt,
				"delay":   delay,
			}).WithError(lastErr).Warn("retrying rpc call")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			// Exponential backoff
			delay = time.Duration(float64(delay) * c.backoffMult)
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		err := fn(callCtx)
		cancel()
		c.metrics.RPCCallLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())

		if err == nil {
			return nil
		}
		if isNotFound(err) {
			return fmt.Errorf("%s: %w", method, ErrBlockNotFound)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) {
			// JSON-RPC errors are not retried
			return fmt.Errorf("%s: %w", method, err)
		}
		lastErr = err
	}

	return fmt.Errorf("%s: max retries exceeded: %w", method, lastErr)
}

func isNotFound(err error) bool {
	if errors.Is(err, geth.NotFound) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "header not found") ||
		(strings.Contains(msg, "block") && strings.Contains(msg, "not found"))
}

// BlockReceipts returns the receipts of a block via eth_getBlockReceipts.
func (c *Client) BlockReceipts(ctx context.Context, blockNumber uint64) ([]*types.Receipt, error) {
	var receipts []*types.Receipt
	err := c.call(ctx, "eth_getBlockReceipts", c.callTimeout, func(ctx context.Context) error {
		var err error
		receipts, err = c.eth.BlockReceipts(ctx, rpc.BlockNumberOrHashWithNumber(rpc.BlockNumber(blockNumber)))
		return err
	})
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

// StorageAt returns a storage word at the end of blockNumber.
func (c *Client) StorageAt(ctx context.Context, account common.Address, slot common.Hash, blockNumber uint64) (common.Hash, error) {
	var word common.Hash
	err := c.call(ctx, "eth_getStorageAt", c.callTimeout, func(ctx context.Context) error {
		data, err := c.eth.StorageAt(ctx, account, slot, new(big.Int).SetUint64(blockNumber))
		if err != nil {
			return err
		}
		word = common.BytesToHash(data)
		return nil
	})
	return word, err
}

// BatchStorageAt returns several storage words of one account, chunked into JSON-RPC batches.
func (c *Client) BatchStorageAt(ctx context.Context, account common.Address, slots []common.Hash, blockNumber uint64) ([]common.Hash, error) {
	words := make([]common.Hash, len(slots))
	block := hexutil.EncodeUint64(blockNumber)

	for start := 0; start < len(slots); start += c.maxBatchSize {
		end := start + c.maxBatchSize
		if end > len(slots) {
			end = len(slots)
		}

		results := make([]hexutil.Bytes, end-start)
		err := c.call(ctx, "eth_getStorageAt:batch", c.callTimeout, func(ctx context.Context) error {
			elems := make([]rpc.BatchElem, end-start)
			for i := range elems {
				elems[i] = rpc.BatchElem{
					Method: "eth_getStorageAt",
					Args:   []interface{}{account, slots[start+i], block},
					Result: &results[i],
				}
			}
			if err := c.rpc.BatchCallContext(ctx, elems); err != nil {
				return err
			}
			for _, e := range elems {
				if e.Error != nil {
					return e.Error
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

		for i, r := range results {
			words[start+i] = common.BytesToHash(r)
		}
	}

	return words, nil
}

// TraceBlockStateDiff runs the prestate tracer in diff mode over a whole block.
func (c *Client) TraceBlockStateDiff(ctx context.Context, blockNumber uint64) ([]TxStateDiff, error) {
	config := map[string]interface{}{
		"tracer":       "prestateTracer",
		"tracerConfig": map[string]interface{}{"diffMode": true},
		"timeout":      c.traceTimeout.String(),
	}

	var diffs []TxStateDiff
	err := c.call(ctx, "debug_traceBlockByNumber", c.traceTimeout, func(ctx context.Context) error {
		diffs = nil
		return c.rpc.CallContext(ctx, &diffs, "debug_traceBlockByNumber", hexutil.EncodeUint64(blockNumber), config)
	})
	if err != nil {
		return nil, err
	}
	return diffs, nil
}

// BlockNumber returns the latest block number known to the node.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.call(ctx, "eth_blockNumber", c.callTimeout, func(ctx context.Context) error {
		var err error
		n, err = c.eth.BlockNumber(ctx)
		return err
	})
	return n, err
}
