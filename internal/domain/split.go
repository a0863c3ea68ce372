package domain

import (
	"fmt"
	"math/big"
)

// Split is a stable/volatile percentage allocation.
type Split struct {
	Stable   int `json:"stable" yaml:"stable"`
	Volatile int `json:"volatile" yaml:"volatile"`
}

// DefaultSplit is used when neither the investor nor the advisor configured one.
var DefaultSplit = Split{Stable: 50, Volatile: 50}

// Validate returns ErrInvalidSplit unless both parts are in [0, 100] and sum to 100.
func (s Split) Validate() error {
	if s.Stable < 0 || s.Volatile < 0 || s.Stable+s.Volatile != 100 {
		return fmt.Errorf("%w: %d/%d", ErrInvalidSplit, s.Stable, s.Volatile)
	}
	return nil
}

// Apply divides amount between the two pools. The stable share is truncated and
// the volatile share takes the remainder, so stable+volatile == amount exactly.
func (s Split) Apply(amount *big.Int) (stable, volatile *big.Int) {
	if amount == nil || amount.Sign() == 0 {
		return new(big.Int), new(big.Int)
	}
	stable = new(big.Int).Mul(amount, big.NewInt(int64(s.Stable)))
	stable.Quo(stable, big.NewInt(100))
	volatile = new(big.Int).Sub(amount, stable)
	return stable, volatile
}

func (s Split) String() string {
	return fmt.Sprintf("%d/%d", s.Stable, s.Volatile)
}
