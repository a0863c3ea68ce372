package token

import (
	"fmt"
	"math/big"

	"advisor-ledger/internal/domain"
)

// Defaults for newly created ownership tokens.
var (
	// DefaultNegligiblePoolSize is the pool size below which contributions mint at the initial multiplier.
	DefaultNegligiblePoolSize = big.NewInt(1000)

	// DefaultInitialMultiplier is the number of whole shares minted per contributed unit in the initial regime.
	DefaultInitialMultiplier = big.NewInt(100)
)

// MintParams are the token parameters that drive ComputeMint.
type MintParams struct {
	TotalSupply        *big.Int
	NegligiblePoolSize *big.Int
	InitialMultiplier  *big.Int
	Decimals           uint8
}

// ParamsOf extracts mint parameters from a token.
func ParamsOf(t *domain.Token) MintParams {
	return MintParams{
		TotalSupply:        t.TotalSupply,
		NegligiblePoolSize: t.NegligiblePoolSize,
		InitialMultiplier:  t.InitialMultiplier,
		Decimals:           t.Decimals,
	}
}

// ComputeMint returns the number of shares minted for contribution against a pool
// that held poolSize before the contribution.
//
// Initial regime (zero supply, or poolSize below the negligible threshold):
//
//	shares = contribution * multiplier * 10^decimals
//
// Proportional regime:
//
//	shares = contribution * totalSupply / poolSize (truncating)
//
// The proportional regime keeps minted/(supply+minted) == contribution/(poolSize+contribution)
// up to rounding.
func ComputeMint(contribution, poolSize *big.Int, p MintParams) (*big.Int, error) {
	if contribution == nil || contribution.Sign() < 0 {
		return nil, fmt.Errorf("%w: contribution must be non-negative", domain.ErrInvalidAmount)
	}
	if poolSize == nil || poolSize.Sign() < 0 {
		return nil, fmt.Errorf("%w: pool size must be non-negative", domain.ErrInvalidAmount)
	}
	if contribution.Sign() == 0 {
		return new(big.Int), nil
	}

	supply := orZero(p.TotalSupply)
	threshold := orZero(p.NegligiblePoolSize)

	if supply.Sign() == 0 || poolSize.Cmp(threshold) < 0 {
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(p.Decimals)), nil)
		shares := new(big.Int).Mul(contribution, orZero(p.InitialMultiplier))
		return shares.Mul(shares, scale), nil
	}

	if poolSize.Sign() == 0 {
		return nil, domain.ErrZeroSupplyDivision
	}

	shares := new(big.Int).Mul(contribution, supply)
	return shares.Quo(shares, poolSize), nil
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
