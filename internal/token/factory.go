package token

import (
	"fmt"
	"math/big"
	"strings"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"

	"advisor-ledger/internal/domain"
	"advisor-ledger/internal/idhash"
)

// MaxSymbolLen bounds token symbols in runes.
const MaxSymbolLen = 11

// Factory derives new ownership tokens. The registry itself lives in the ledger store;
// the factory only needs the registry size to assign index and address.
type Factory struct {
	address common.Address
}

// NewFactory creates a factory that deploys tokens under the given address.
func NewFactory(address common.Address) *Factory {
	return &Factory{address: address}
}

// Address returns the factory address.
func (f *Factory) Address() common.Address {
	return f.address
}

// RootSpec describes the first token in a registry, the one all clones derive from.
type RootSpec struct {
	Name               string
	Symbol             string
	Owner              common.Address
	NegligiblePoolSize *big.Int // nil uses DefaultNegligiblePoolSize
	InitialMultiplier  *big.Int // nil uses DefaultInitialMultiplier
}

// NewRoot builds the root token at registry index 0.
func (f *Factory) NewRoot(spec RootSpec, createdAt int64) (*domain.Token, error) {
	if err := validateNameSymbol(spec.Name, spec.Symbol); err != nil {
		return nil, err
	}

	threshold := DefaultNegligiblePoolSize
	if spec.NegligiblePoolSize != nil {
		threshold = spec.NegligiblePoolSize
	}
	multiplier := DefaultInitialMultiplier
	if spec.InitialMultiplier != nil {
		multiplier = spec.InitialMultiplier
	}
	if threshold.Sign() < 0 || multiplier.Sign() <= 0 {
		return nil, fmt.Errorf("%w: threshold must be non-negative and multiplier positive", domain.ErrInvalidAmount)
	}

	return &domain.Token{
		Address:            idhash.TokenAddress(f.address, 0),
		Index:              0,
		Name:               strings.TrimSpace(spec.Name),
		Symbol:             strings.TrimSpace(spec.Symbol),
		Decimals:           domain.DefaultTokenDecimals,
		Owner:              spec.Owner,
		NegligiblePoolSize: new(big.Int).Set(threshold),
		InitialMultiplier:  new(big.Int).Set(multiplier),
		TotalSupply:        new(big.Int),
		CreatedAt:          createdAt,
	}, nil
}

// Clone builds a new token from template at registry position index.
// The clone inherits decimals, threshold and multiplier and starts with zero supply.
func (f *Factory) Clone(template *domain.Token, index int, name, symbol string, owner common.Address, createdAt int64) (*domain.Token, error) {
	if template == nil {
		return nil, domain.ErrUnknownTemplate
	}
	if err := validateNameSymbol(name, symbol); err != nil {
		return nil, err
	}
	if index < 1 {
		return nil, fmt.Errorf("clone index %d: root slot is reserved", index)
	}

	tpl := template.Address
	return &domain.Token{
		Address:            idhash.TokenAddress(f.address, index),
		Index:              index,
		Name:               strings.TrimSpace(name),
		Symbol:             strings.TrimSpace(symbol),
		Decimals:           template.Decimals,
		Owner:              owner,
		Template:           &tpl,
		NegligiblePoolSize: new(big.Int).Set(template.NegligiblePoolSize),
		InitialMultiplier:  new(big.Int).Set(template.InitialMultiplier),
		TotalSupply:        new(big.Int),
		CreatedAt:          createdAt,
	}, nil
}

func validateNameSymbol(name, symbol string) error {
	name = strings.TrimSpace(name)
	symbol = strings.TrimSpace(symbol)
	if name == "" || utf8.RuneCountInString(name) > domain.MaxAdvisorNameLen {
		return fmt.Errorf("%w: token name %q", domain.ErrInvalidName, name)
	}
	if symbol == "" || utf8.RuneCountInString(symbol) > MaxSymbolLen {
		return fmt.Errorf("%w: token symbol %q", domain.ErrInvalidName, symbol)
	}
	return nil
}
