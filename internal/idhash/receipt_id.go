package idhash

import (
	"crypto/sha256"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mr-tron/base58"
)

// ComputeReceiptID computes a deterministic investment receipt ID.
// Formula: base58(SHA256(investor|advisor|seq))
func ComputeReceiptID(investor, advisor common.Address, seq int64) string {
	data := fmt.Sprintf("%s|%s|%d", investor.Hex(), advisor.Hex(), seq)
	hash := sha256.Sum256([]byte(data))
	return base58.Encode(hash[:])
}
