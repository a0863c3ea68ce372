// Package custody defines the transfer services that move funds in and out of the ledger's escrow.
package custody

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// AssetTransferer moves fungible assets. Transfer sends from the ledger's own escrow account.
type AssetTransferer interface {
	// Allowance returns how much spender may pull from owner.
	Allowance(ctx context.Context, asset, owner, spender common.Address) (*big.Int, error)

	// TransferFrom pulls amount from owner to recipient using spender's allowance.
	// Returns false when the transfer was rejected without error.
	TransferFrom(ctx context.Context, asset, owner, recipient common.Address, amount *big.Int) (bool, error)

	// Transfer sends amount from escrow to recipient.
	Transfer(ctx context.Context, asset, recipient common.Address, amount *big.Int) (bool, error)
}

// NativeCustody holds native currency attached to deposits.
type NativeCustody interface {
	// Deposit moves amount from the sender into the vault.
	Deposit(ctx context.Context, from common.Address, amount *big.Int) (bool, error)

	// Withdraw returns amount from the vault to the recipient.
	Withdraw(ctx context.Context, to common.Address, amount *big.Int) (bool, error)
}
