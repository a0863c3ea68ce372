package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Position is an investor's accumulated liquidity with one advisor.
// Corresponds to positions table in PostgreSQL, keyed by (investor, advisor).
type Position struct {
	Investor          common.Address
	Advisor           common.Address
	StableLiquidity   *big.Int // cumulative amount routed to the advisor's stable pool
	VolatileLiquidity *big.Int // cumulative amount routed to the advisor's volatile pool
	Ordinal           int      // first-investment order within the investor's advisor list
}

// Clone returns a deep copy.
func (p *Position) Clone() *Position {
	c := *p
	c.StableLiquidity = new(big.Int).Set(p.StableLiquidity)
	c.VolatileLiquidity = new(big.Int).Set(p.VolatileLiquidity)
	return &c
}

// InvestorInfo summarizes an investor across all advisors.
type InvestorInfo struct {
	Investor          common.Address
	Positions         []*Position // in first-investment order
	StableLiquidity   *big.Int    // sum over positions
	VolatileLiquidity *big.Int    // sum over positions
}
