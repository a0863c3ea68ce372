package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Changeset is every write produced by one ledger operation.
// Stores apply it all-or-nothing.
type Changeset struct {
	Advisor         *Advisor         // new advisor (nullable)
	Pools           []*Pool          // new pools
	Tokens          []*Token         // new tokens
	PoolCredits     []PoolCredit     // balance increments
	PositionCredits []PositionCredit // investor ledger increments
	Mints           []Mint           // token mints
	Events          []*Event         // records, Seq assigned on apply
}

// PoolCredit increments one pool balance. Native credits ignore Asset.
type PoolCredit struct {
	Pool   common.Address
	Asset  common.Address
	Native bool
	Amount *big.Int
}

// PositionCredit increments an investor's liquidity with an advisor,
// creating the position (and appending the advisor to the investor's list) if absent.
type PositionCredit struct {
	Investor common.Address
	Advisor  common.Address
	Stable   *big.Int
	Volatile *big.Int
}

// Mint increases a holder's balance and the token's total supply.
type Mint struct {
	Token  common.Address
	Holder common.Address
	Amount *big.Int
}

// IsEmpty reports whether the changeset writes nothing.
func (c *Changeset) IsEmpty() bool {
	return c.Advisor == nil && len(c.Pools) == 0 && len(c.Tokens) == 0 &&
		len(c.PoolCredits) == 0 && len(c.PositionCredits) == 0 &&
		len(c.Mints) == 0 && len(c.Events) == 0
}
