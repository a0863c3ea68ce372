// Package stub provides an in-memory custody backend for development and tests.
package stub

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"advisor-ledger/internal/custody"
)

// ErrInjected is returned by operations configured to fail with SetFailure.
var ErrInjected = errors.New("injected custody failure")

// Op names a bank operation for failure injection.
type Op string

// Bank operations
const (
	OpTransferFrom Op = "transferFrom"
	OpTransfer     Op = "transfer"
	OpDeposit      Op = "deposit"
	OpWithdraw     Op = "withdraw"
)

// Failure is how an injected operation fails.
type Failure int

// Failure modes
const (
	FailNone   Failure = iota
	FailReject         // return false, nil
	FailError          // return false, ErrInjected
)

type allowanceKey struct {
	asset   common.Address
	owner   common.Address
	spender common.Address
}

type holdingKey struct {
	asset  common.Address
	holder common.Address
}

// Bank simulates fungible asset contracts and a native vault.
// The operator is the escrow account used by Transfer and as the vault owner.
type Bank struct {
	mu sync.Mutex

	operator   common.Address
	holdings   map[holdingKey]*big.Int
	allowances map[allowanceKey]*big.Int
	native     map[common.Address]*big.Int
	vault      *big.Int
	failures   map[Op]Failure
}

// NewBank creates an empty bank whose escrow account is operator.
func NewBank(operator common.Address) *Bank {
	return &Bank{
		operator:   operator,
		holdings:   make(map[holdingKey]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
		native:     make(map[common.Address]*big.Int),
		vault:      new(big.Int),
		failures:   make(map[Op]Failure),
	}
}

// Operator returns the escrow account.
func (b *Bank) Operator() common.Address {
	return b.operator
}

// Mint credits holder with amount of asset.
func (b *Bank) Mint(asset, holder common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holding(asset, holder).Add(b.holding(asset, holder), amount)
}

// Approve sets spender's allowance over owner's asset balance.
func (b *Bank) Approve(asset, owner, spender common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allowances[allowanceKey{asset: asset, owner: owner, spender: spender}] = new(big.Int).Set(amount)
}

// Fund credits holder with native currency.
func (b *Bank) Fund(holder common.Address, amount *big.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nativeOf(holder).Add(b.nativeOf(holder), amount)
}

// SetFailure makes every subsequent call of op fail in the given mode. FailNone clears it.
func (b *Bank) SetFailure(op Op, mode Failure) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if mode == FailNone {
		delete(b.failures, op)
		return
	}
	b.failures[op] = mode
}

// BalanceOf returns holder's balance of asset.
func (b *Bank) BalanceOf(asset, holder common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.holding(asset, holder))
}

// NativeBalanceOf returns holder's native balance outside the vault.
func (b *Bank) NativeBalanceOf(holder common.Address) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.nativeOf(holder))
}

// Vault returns the native amount held in custody.
func (b *Bank) Vault() *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return new(big.Int).Set(b.vault)
}

// Allowance returns how much spender may pull from owner.
func (b *Bank) Allowance(_ context.Context, asset, owner, spender common.Address) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if a, ok := b.allowances[allowanceKey{asset: asset, owner: owner, spender: spender}]; ok {
		return new(big.Int).Set(a), nil
	}
	return new(big.Int), nil
}

// TransferFrom pulls amount from owner to recipient, spending the recipient's allowance.
func (b *Bank) TransferFrom(_ context.Context, asset, owner, recipient common.Address, amount *big.Int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ok, err := b.injected(OpTransferFrom); !ok {
		return false, err
	}

	key := allowanceKey{asset: asset, owner: owner, spender: recipient}
	allowance, ok := b.allowances[key]
	if !ok || allowance.Cmp(amount) < 0 {
		return false, nil
	}
	if !b.move(asset, owner, recipient, amount) {
		return false, nil
	}
	allowance.Sub(allowance, amount)
	return true, nil
}

// Transfer sends amount from the operator to recipient.
func (b *Bank) Transfer(_ context.Context, asset, recipient common.Address, amount *big.Int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ok, err := b.injected(OpTransfer); !ok {
		return false, err
	}
	return b.move(asset, b.operator, recipient, amount), nil
}

// Deposit moves native currency from the sender into the vault.
func (b *Bank) Deposit(_ context.Context, from common.Address, amount *big.Int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ok, err := b.injected(OpDeposit); !ok {
		return false, err
	}
	bal := b.nativeOf(from)
	if amount.Sign() < 0 || bal.Cmp(amount) < 0 {
		return false, nil
	}
	bal.Sub(bal, amount)
	b.vault.Add(b.vault, amount)
	return true, nil
}

// Withdraw returns native currency from the vault.
func (b *Bank) Withdraw(_ context.Context, to common.Address, amount *big.Int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ok, err := b.injected(OpWithdraw); !ok {
		return false, err
	}
	if amount.Sign() < 0 || b.vault.Cmp(amount) < 0 {
		return false, nil
	}
	b.vault.Sub(b.vault, amount)
	b.nativeOf(to).Add(b.nativeOf(to), amount)
	return true, nil
}

// injected reports whether op may proceed. Caller holds the lock.
func (b *Bank) injected(op Op) (bool, error) {
	switch b.failures[op] {
	case FailReject:
		return false, nil
	case FailError:
		return false, ErrInjected
	default:
		return true, nil
	}
}

// move transfers between holders. Caller holds the lock.
func (b *Bank) move(asset, from, to common.Address, amount *big.Int) bool {
	src := b.holding(asset, from)
	if amount.Sign() < 0 || src.Cmp(amount) < 0 {
		return false
	}
	src.Sub(src, amount)
	dst := b.holding(asset, to)
	dst.Add(dst, amount)
	return true
}

func (b *Bank) holding(asset, holder common.Address) *big.Int {
	key := holdingKey{asset: asset, holder: holder}
	v, ok := b.holdings[key]
	if !ok {
		v = new(big.Int)
		b.holdings[key] = v
	}
	return v
}

func (b *Bank) nativeOf(holder common.Address) *big.Int {
	v, ok := b.native[holder]
	if !ok {
		v = new(big.Int)
		b.native[holder] = v
	}
	return v
}

// Verify interface compliance at compile time.
var (
	_ custody.AssetTransferer = (*Bank)(nil)
	_ custody.NativeCustody   = (*Bank)(nil)
)
