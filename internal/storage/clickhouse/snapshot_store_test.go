package clickhouse

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"advisor-ledger/internal/domain"
	"advisor-ledger/internal/storage"
)

func snapshot(pool common.Address, native bool, balance int64, ts int64) *domain.PoolSnapshot {
	s := &domain.PoolSnapshot{
		Pool:      pool,
		Advisor:   advisorA,
		Kind:      domain.PoolKindStable,
		Native:    native,
		Balance:   big.NewInt(balance),
		Timestamp: ts,
	}
	if !native {
		s.Asset = usdc
	}
	return s
}

func TestSnapshotStore_InsertAndGetByPool(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewSnapshotStore(conn)

	stable := common.HexToAddress("0x5a")
	other := common.HexToAddress("0x5b")

	require.NoError(t, store.InsertBulk(ctx, []*domain.PoolSnapshot{
		snapshot(stable, false, 1100, 2000),
		snapshot(stable, true, 7, 2000),
		snapshot(stable, false, 100, 1000),
		snapshot(other, false, 5, 1000),
	}))

	got, err := store.GetByPool(ctx, stable, 0, 5000)
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, int64(1000), got[0].Timestamp)
	assert.Equal(t, "100", got[0].Balance.String())
	assert.False(t, got[1].Native, "asset rows sort before native rows")
	assert.Equal(t, usdc, got[1].Asset)
	assert.True(t, got[2].Native)
	assert.Equal(t, "7", got[2].Balance.String())
	assert.Equal(t, domain.PoolKindStable, got[2].Kind)

	got, err = store.GetByPool(ctx, stable, 1500, 5000)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSnapshotStore_Duplicate(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewSnapshotStore(conn)
	stable := common.HexToAddress("0x5a")

	require.NoError(t, store.InsertBulk(ctx, []*domain.PoolSnapshot{snapshot(stable, false, 1, 1000)}))

	err := store.InsertBulk(ctx, []*domain.PoolSnapshot{
		snapshot(stable, true, 1, 1000),
		snapshot(stable, false, 2, 1000),
	})
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)

	err = store.InsertBulk(ctx, []*domain.PoolSnapshot{{Pool: stable, Timestamp: 3000}})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	got, err := store.GetByPool(ctx, stable, 0, 5000)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
