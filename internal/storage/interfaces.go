package storage

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"advisor-ledger/internal/domain"
)

// LedgerStore provides access to advisor, pool, position, token and event state.
// Writes only happen through Apply, which is all-or-nothing.
type LedgerStore interface {
	// Apply commits a changeset atomically and assigns Seq to its events.
	// Returns ErrDuplicateKey if a new advisor, pool or token already exists.
	Apply(ctx context.Context, cs *domain.Changeset) error

	// GetAdvisor retrieves an advisor. Returns ErrNotFound if not exists.
	GetAdvisor(ctx context.Context, advisor common.Address) (*domain.Advisor, error)

	// ListAdvisors retrieves all advisors in onboarding order.
	ListAdvisors(ctx context.Context) ([]*domain.Advisor, error)

	// GetPool retrieves a pool with its balances. Returns ErrNotFound if not exists.
	GetPool(ctx context.Context, pool common.Address) (*domain.Pool, error)

	// GetPosition retrieves an investor's position with an advisor. Returns ErrNotFound if not exists.
	GetPosition(ctx context.Context, investor, advisor common.Address) (*domain.Position, error)

	// ListPositions retrieves an investor's positions in first-investment order.
	ListPositions(ctx context.Context, investor common.Address) ([]*domain.Position, error)

	// GetToken retrieves a token by address. Returns ErrNotFound if not exists.
	GetToken(ctx context.Context, token common.Address) (*domain.Token, error)

	// GetTokenByIndex retrieves the i-th registered token. Returns ErrNotFound past the end.
	GetTokenByIndex(ctx context.Context, index int) (*domain.Token, error)

	// ListTokens retrieves all tokens in registry order.
	ListTokens(ctx context.Context) ([]*domain.Token, error)

	// BalanceOf retrieves a holder's token balance; zero if the holder never received any.
	BalanceOf(ctx context.Context, token, holder common.Address) (*domain.TokenBalance, error)

	// ListEvents retrieves up to limit events with Seq > afterSeq, ordered by Seq ASC.
	ListEvents(ctx context.Context, afterSeq int64, limit int) ([]*domain.Event, error)
}

// AuditStore is the analytics sink for committed ledger events.
type AuditStore interface {
	// InsertBulk appends events. Fails entire batch on duplicate seq.
	InsertBulk(ctx context.Context, events []*domain.Event) error

	// GetByAdvisor retrieves investment events of an advisor, ordered by seq ASC.
	GetByAdvisor(ctx context.Context, advisor common.Address) ([]*domain.Event, error)

	// GetByTimeRange retrieves events within [start, end] (inclusive, Unix ms).
	GetByTimeRange(ctx context.Context, start, end int64) ([]*domain.Event, error)

	// LastSeq returns the highest stored seq, 0 when empty.
	LastSeq(ctx context.Context) (int64, error)
}

// SnapshotStore persists periodic pool balance snapshots.
type SnapshotStore interface {
	// InsertBulk appends snapshots. Fails entire batch on duplicate (pool, asset, timestamp).
	InsertBulk(ctx context.Context, snapshots []*domain.PoolSnapshot) error

	// GetByPool retrieves snapshots of a pool within [start, end], ordered by timestamp ASC.
	GetByPool(ctx context.Context, pool common.Address, start, end int64) ([]*domain.PoolSnapshot, error)
}
