package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// PoolKind distinguishes the two pools every advisor owns.
type PoolKind string

// Pool kinds
const (
	PoolKindStable   PoolKind = "STABLE"
	PoolKindVolatile PoolKind = "VOLATILE"
)

// Pool is a custody unit owned by one advisor. Balances only grow.
type Pool struct {
	Address  common.Address              // derived from advisor and kind
	Advisor  common.Address              // owning advisor
	Kind     PoolKind                    // STABLE | VOLATILE
	Balances map[common.Address]*big.Int // fungible balances keyed by asset address
	Native   *big.Int                    // native balance in wei
}

// NewPool returns an empty pool.
func NewPool(address, advisor common.Address, kind PoolKind) *Pool {
	return &Pool{
		Address:  address,
		Advisor:  advisor,
		Kind:     kind,
		Balances: make(map[common.Address]*big.Int),
		Native:   new(big.Int),
	}
}

// BalanceOf returns the pool's balance of asset; zero when the pool never held it.
func (p *Pool) BalanceOf(asset common.Address) *big.Int {
	if b, ok := p.Balances[asset]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// Clone returns a deep copy.
func (p *Pool) Clone() *Pool {
	c := &Pool{
		Address:  p.Address,
		Advisor:  p.Advisor,
		Kind:     p.Kind,
		Balances: make(map[common.Address]*big.Int, len(p.Balances)),
		Native:   new(big.Int).Set(p.Native),
	}
	for asset, b := range p.Balances {
		c.Balances[asset] = new(big.Int).Set(b)
	}
	return c
}

// PoolSnapshot is a point-in-time pool balance for one asset.
// Corresponds to pool_snapshots table in ClickHouse.
type PoolSnapshot struct {
	Pool      common.Address // pool address
	Advisor   common.Address // owning advisor
	Kind      PoolKind       // STABLE | VOLATILE
	Asset     common.Address // asset address, zero address for native
	Native    bool           // true for the native balance row
	Balance   *big.Int       // balance at Timestamp
	Timestamp int64          // Unix timestamp in milliseconds
}
