package idhash

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"advisor-ledger/internal/domain"
)

// PoolAddress derives the deterministic address of an advisor's pool.
// Formula: keccak256(advisor || kind)[12:]
func PoolAddress(advisor common.Address, kind domain.PoolKind) common.Address {
	hash := crypto.Keccak256(advisor.Bytes(), []byte(kind))
	return common.BytesToAddress(hash[12:])
}

// TokenAddress derives the address of the index-th token created by a factory,
// the same way a contract-creation nonce does.
func TokenAddress(factory common.Address, index int) common.Address {
	return crypto.CreateAddress(factory, uint64(index))
}
