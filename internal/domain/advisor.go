package domain

import "github.com/ethereum/go-ethereum/common"

// Advisor is an onboarded advisor profile.
// Corresponds to advisors table in PostgreSQL.
type Advisor struct {
	Address      common.Address  // advisor identity, PRIMARY KEY
	Name         string          // display name, immutable after onboarding
	DefaultSplit Split           // split applied when an investor does not choose one
	StablePool   common.Address  // owned stable pool, immutable
	VolatilePool common.Address  // owned volatile pool, immutable
	Token        *common.Address // per-advisor ownership token (nullable)
	OnboardedAt  int64           // Unix timestamp in milliseconds
}

// MaxAdvisorNameLen bounds the display name length in runes.
const MaxAdvisorNameLen = 64
