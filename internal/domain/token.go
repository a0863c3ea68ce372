package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Token is an ownership token instance.
// Corresponds to tokens table in PostgreSQL; balances live in token_balances.
type Token struct {
	Address            common.Address  // token address
	Index              int             // position in the factory registry
	Name               string          // token name
	Symbol             string          // token symbol
	Decimals           uint8           // fixed point precision
	Owner              common.Address  // only the owner may mint directly
	Template           *common.Address // template this token was cloned from (nullable for the root token)
	NegligiblePoolSize *big.Int        // pool sizes below this mint at the initial multiplier
	InitialMultiplier  *big.Int        // shares per contributed unit in the initial regime
	TotalSupply        *big.Int        // sum of all balances
	CreatedAt          int64           // Unix timestamp in milliseconds
}

// DefaultTokenDecimals is the precision of every ownership token.
const DefaultTokenDecimals = 18

// Clone returns a deep copy.
func (t *Token) Clone() *Token {
	c := *t
	if t.Template != nil {
		tpl := *t.Template
		c.Template = &tpl
	}
	c.NegligiblePoolSize = new(big.Int).Set(t.NegligiblePoolSize)
	c.InitialMultiplier = new(big.Int).Set(t.InitialMultiplier)
	c.TotalSupply = new(big.Int).Set(t.TotalSupply)
	return &c
}

// TokenBalance is a holder's balance of one token.
type TokenBalance struct {
	Token   common.Address
	Holder  common.Address
	Balance *big.Int
}
