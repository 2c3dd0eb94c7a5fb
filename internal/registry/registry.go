// Package registry holds the immutable set of tracked pools.
package registry

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"os"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"univ3-pool-states/internal/domain"
	"univ3-pool-states/internal/uniswapv3"
)

//go:embed pools.yaml
var defaultPools []byte

// Registry maps pool addresses to metadata. It is built once and never
// mutated, so concurrent reads need no locking.
type Registry struct {
	pools map[common.Address]domain.PoolMetadata
	addrs []common.Address
}

type poolFile struct {
	Pools []poolEntry `yaml:"pools"`
}

type poolEntry struct {
	Address        string `yaml:"address"`
	Label          string `yaml:"label"`
	Token0         string `yaml:"token0"`
	Token0Decimals uint8  `yaml:"token0_decimals"`
	Token1         string `yaml:"token1"`
	Token1Decimals uint8  `yaml:"token1_decimals"`
	Fee            uint32 `yaml:"fee"`
	TickSpacing    int32  `yaml:"tick_spacing"`
}

// MetadataSource reads pool metadata from the chain for entries that list
// only an address.
type MetadataSource interface {
	PoolMetadata(ctx context.Context, pool common.Address) (domain.PoolMetadata, error)
}

// Default returns the registry of mainnet pools compiled into the binary.
func Default(ctx context.Context, src MetadataSource) (*Registry, error) {
	return Parse(ctx, defaultPools, src)
}

// Load reads a registry from a YAML file with the same shape as the built-in list.
func Load(ctx context.Context, path string, src MetadataSource) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pool registry: %w", err)
	}
	return Parse(ctx, data, src)
}

// Parse decodes a YAML pool list. Entries that carry only an address (and
// optionally a label) are resolved through src; src may be nil when every
// entry is complete.
func Parse(ctx context.Context, data []byte, src MetadataSource) (*Registry, error) {
	var file poolFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("parse pool registry: %w", err)
	}

	pools := make([]domain.PoolMetadata, 0, len(file.Pools))
	for i, e := range file.Pools {
		if !common.IsHexAddress(e.Address) {
			return nil, fmt.Errorf("pool %d: invalid address %q", i, e.Address)
		}
		addr := common.HexToAddress(e.Address)

		if e.addressOnly() {
			if src == nil {
				return nil, fmt.Errorf("pool %s: no metadata listed and no chain source to read it from", domain.HexAddress(addr))
			}
			meta, err := src.PoolMetadata(ctx, addr)
			if err != nil {
				return nil, fmt.Errorf("pool %s: resolve metadata: %w", domain.HexAddress(addr), err)
			}
			meta.Address = addr
			meta.Label = e.Label
			pools = append(pools, meta)
			continue
		}

		for _, a := range []string{e.Token0, e.Token1} {
			if !common.IsHexAddress(a) {
				return nil, fmt.Errorf("pool %d: invalid address %q", i, a)
			}
		}
		pools = append(pools, domain.PoolMetadata{
			Address:        addr,
			Token0:         common.HexToAddress(e.Token0),
			Token0Decimals: e.Token0Decimals,
			Token1:         common.HexToAddress(e.Token1),
			Token1Decimals: e.Token1Decimals,
			Fee:            e.Fee,
			TickSpacing:    e.TickSpacing,
			Label:          e.Label,
		})
	}
	return New(pools)
}

func (e poolEntry) addressOnly() bool {
	return e.Token0 == "" && e.Token1 == "" && e.Token0Decimals == 0 && e.Token1Decimals == 0 &&
		e.Fee == 0 && e.TickSpacing == 0
}

// New validates pools and builds a registry.
func New(pools []domain.PoolMetadata) (*Registry, error) {
	if len(pools) == 0 {
		return nil, fmt.Errorf("pool registry is empty")
	}

	r := &Registry{
		pools: make(map[common.Address]domain.PoolMetadata, len(pools)),
		addrs: make([]common.Address, 0, len(pools)),
	}
	for _, p := range pools {
		if err := validate(p); err != nil {
			return nil, fmt.Errorf("pool %s: %w", domain.HexAddress(p.Address), err)
		}
		if _, dup := r.pools[p.Address]; dup {
			return nil, fmt.Errorf("pool %s: duplicate entry", domain.HexAddress(p.Address))
		}
		r.pools[p.Address] = p
		r.addrs = append(r.addrs, p.Address)
	}

	sort.Slice(r.addrs, func(i, j int) bool {
		return bytes.Compare(r.addrs[i][:], r.addrs[j][:]) < 0
	})
	return r, nil
}

func validate(p domain.PoolMetadata) error {
	if p.Address == (common.Address{}) {
		return fmt.Errorf("zero pool address")
	}
	if p.TickSpacing <= 0 {
		return fmt.Errorf("tick spacing must be positive, got %d", p.TickSpacing)
	}
	if bytes.Compare(p.Token0[:], p.Token1[:]) >= 0 {
		return fmt.Errorf("token0 must sort below token1")
	}
	if want, ok := uniswapv3.ExpectedTickSpacing(p.Fee); ok && want != p.TickSpacing {
		return fmt.Errorf("fee %d implies tick spacing %d, got %d", p.Fee, want, p.TickSpacing)
	}
	return nil
}

// Lookup returns metadata for a tracked pool.
func (r *Registry) Lookup(addr common.Address) (domain.PoolMetadata, bool) {
	p, ok := r.pools[addr]
	return p, ok
}

// Contains reports whether addr is a tracked pool.
func (r *Registry) Contains(addr common.Address) bool {
	_, ok := r.pools[addr]
	return ok
}

// Addresses returns tracked pool addresses in ascending order.
func (r *Registry) Addresses() []common.Address {
	out := make([]common.Address, len(r.addrs))
	copy(out, r.addrs)
	return out
}

// Len returns the number of tracked pools.
func (r *Registry) Len() int {
	return len(r.pools)
}
