package postgres

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"advisor-ledger/internal/domain"
	"advisor-ledger/internal/storage"
)

var (
	advisorA  = common.HexToAddress("0xa1")
	advisorB  = common.HexToAddress("0xb1")
	investor  = common.HexToAddress("0xc1")
	usdc      = common.HexToAddress("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48")
	stableA   = common.HexToAddress("0x5a")
	volatileA = common.HexToAddress("0x7a")
	stableB   = common.HexToAddress("0x5b")
	volatileB = common.HexToAddress("0x7b")
)

func onboardChangeset(advisor, stable, volatile common.Address) *domain.Changeset {
	return &domain.Changeset{
		Advisor: &domain.Advisor{
			Address:      advisor,
			Name:         "Mock Advisor",
			DefaultSplit: domain.Split{Stable: 80, Volatile: 20},
			StablePool:   stable,
			VolatilePool: volatile,
			OnboardedAt:  1700000000000,
		},
		Pools: []*domain.Pool{
			domain.NewPool(stable, advisor, domain.PoolKindStable),
			domain.NewPool(volatile, advisor, domain.PoolKindVolatile),
		},
		Events: []*domain.Event{newEvent(domain.EventAdvisorOnboarded, &advisor, 1700000000000)},
	}
}

func testToken(index int, template *common.Address) *domain.Token {
	return &domain.Token{
		Address:            common.BigToAddress(big.NewInt(int64(0x1000 + index))),
		Index:              index,
		Name:               "Ownership",
		Symbol:             "OWN",
		Decimals:           domain.DefaultTokenDecimals,
		Owner:              common.HexToAddress("0xee"),
		Template:           template,
		NegligiblePoolSize: big.NewInt(1000),
		InitialMultiplier:  big.NewInt(100),
		TotalSupply:        new(big.Int),
		CreatedAt:          1700000000000,
	}
}

func investChangeset(advisor, stable, volatile common.Address, s, v int64) *domain.Changeset {
	return &domain.Changeset{
		PoolCredits: []domain.PoolCredit{
			{Pool: stable, Asset: usdc, Amount: big.NewInt(s)},
			{Pool: volatile, Asset: usdc, Amount: big.NewInt(v)},
		},
		PositionCredits: []domain.PositionCredit{
			{Investor: investor, Advisor: advisor, Stable: big.NewInt(s), Volatile: big.NewInt(v)},
		},
		Events: []*domain.Event{{
			ID:        newEvent(domain.EventInvestment, nil, 0).ID,
			Kind:      domain.EventInvestment,
			Timestamp: 1700000001000,
			Advisor:   &advisor,
			Investment: &domain.Investment{
				Investor:         investor,
				Advisor:          advisor,
				Asset:            usdc,
				StablecoinAmount: big.NewInt(s),
				VolatileAmount:   big.NewInt(v),
				EthAmount:        new(big.Int),
			},
		}},
	}
}

func TestLedgerStore_ApplyOnboardingAndGet(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewLedgerStore(pool)

	cs := onboardChangeset(advisorA, stableA, volatileA)
	require.NoError(t, store.Apply(ctx, cs))
	assert.Equal(t, int64(1), cs.Events[0].Seq)

	got, err := store.GetAdvisor(ctx, advisorA)
	require.NoError(t, err)
	assert.Equal(t, "Mock Advisor", got.Name)
	assert.Equal(t, domain.Split{Stable: 80, Volatile: 20}, got.DefaultSplit)
	assert.Equal(t, stableA, got.StablePool)
	assert.Equal(t, volatileA, got.VolatilePool)
	assert.Nil(t, got.Token)

	p, err := store.GetPool(ctx, volatileA)
	require.NoError(t, err)
	assert.Equal(t, domain.PoolKindVolatile, p.Kind)
	assert.Equal(t, advisorA, p.Advisor)
	assert.Equal(t, 0, p.Native.Sign())
	assert.Empty(t, p.Balances)
}

func TestLedgerStore_NotFound(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewLedgerStore(pool)

	_, err := store.GetAdvisor(ctx, advisorA)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = store.GetPool(ctx, stableA)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = store.GetPosition(ctx, investor, advisorA)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = store.GetTokenByIndex(ctx, 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = store.BalanceOf(ctx, common.HexToAddress("0x1000"), investor)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	positions, err := store.ListPositions(ctx, investor)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestLedgerStore_DuplicateAdvisorIsAtomic(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewLedgerStore(pool)

	require.NoError(t, store.Apply(ctx, onboardChangeset(advisorA, stableA, volatileA)))

	dup := onboardChangeset(advisorA, stableB, volatileB)
	err := store.Apply(ctx, dup)
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)
	assert.Zero(t, dup.Events[0].Seq, "failed apply must not assign seq")

	// Pools of the rejected changeset were rolled back
	_, err = store.GetPool(ctx, stableB)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	events, err := store.ListEvents(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestLedgerStore_InvestAccumulates(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewLedgerStore(pool)

	require.NoError(t, store.Apply(ctx, onboardChangeset(advisorA, stableA, volatileA)))
	require.NoError(t, store.Apply(ctx, onboardChangeset(advisorB, stableB, volatileB)))

	require.NoError(t, store.Apply(ctx, investChangeset(advisorB, stableB, volatileB, 160000, 40000)))
	require.NoError(t, store.Apply(ctx, investChangeset(advisorA, stableA, volatileA, 1100, 900)))
	require.NoError(t, store.Apply(ctx, investChangeset(advisorB, stableB, volatileB, 1, 2)))

	pos, err := store.GetPosition(ctx, investor, advisorB)
	require.NoError(t, err)
	assert.Equal(t, "160001", pos.StableLiquidity.String())
	assert.Equal(t, "40002", pos.VolatileLiquidity.String())
	assert.Equal(t, 0, pos.Ordinal)

	positions, err := store.ListPositions(ctx, investor)
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, advisorB, positions[0].Advisor, "first-investment order")
	assert.Equal(t, advisorA, positions[1].Advisor)

	p, err := store.GetPool(ctx, stableB)
	require.NoError(t, err)
	assert.Equal(t, "160001", p.BalanceOf(usdc).String())
}

func TestLedgerStore_NativeCredit(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewLedgerStore(pool)
	require.NoError(t, store.Apply(ctx, onboardChangeset(advisorA, stableA, volatileA)))

	wei, _ := new(big.Int).SetString("1500000000000000000", 10)
	require.NoError(t, store.Apply(ctx, &domain.Changeset{
		PoolCredits: []domain.PoolCredit{{Pool: volatileA, Native: true, Amount: wei}},
	}))

	p, err := store.GetPool(ctx, volatileA)
	require.NoError(t, err)
	assert.Equal(t, wei.String(), p.Native.String())

	err = store.Apply(ctx, &domain.Changeset{
		PoolCredits: []domain.PoolCredit{{Pool: common.HexToAddress("0xdead"), Native: true, Amount: big.NewInt(1)}},
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLedgerStore_InvalidAmounts(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewLedgerStore(pool)

	err := store.Apply(ctx, &domain.Changeset{
		PoolCredits: []domain.PoolCredit{{Pool: stableA, Asset: usdc, Amount: big.NewInt(-1)}},
	})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	err = store.Apply(ctx, nil)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestLedgerStore_TokensAndMints(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewLedgerStore(pool)

	root := testToken(0, nil)
	require.NoError(t, store.Apply(ctx, &domain.Changeset{
		Tokens: []*domain.Token{root},
		Events: []*domain.Event{newEvent(domain.EventTokenCreated, nil, 1)},
	}))

	clone := testToken(1, &root.Address)
	require.NoError(t, store.Apply(ctx, &domain.Changeset{Tokens: []*domain.Token{clone}}))

	// Index must follow the registry length
	err := store.Apply(ctx, &domain.Changeset{Tokens: []*domain.Token{testToken(5, nil)}})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	big1e21, _ := new(big.Int).SetString("1000000000000000000000", 10)
	require.NoError(t, store.Apply(ctx, &domain.Changeset{
		Mints: []domain.Mint{{Token: root.Address, Holder: advisorA, Amount: big1e21}},
	}))
	require.NoError(t, store.Apply(ctx, &domain.Changeset{
		Mints: []domain.Mint{{Token: root.Address, Holder: advisorA, Amount: big.NewInt(5)}},
	}))

	got, err := store.GetToken(ctx, root.Address)
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000005", got.TotalSupply.String())
	assert.Equal(t, uint8(18), got.Decimals)
	assert.Nil(t, got.Template)

	bal, err := store.BalanceOf(ctx, root.Address, advisorA)
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000005", bal.Balance.String())

	bal, err = store.BalanceOf(ctx, root.Address, investor)
	require.NoError(t, err)
	assert.Equal(t, 0, bal.Balance.Sign())

	byIndex, err := store.GetTokenByIndex(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, clone.Address, byIndex.Address)
	require.NotNil(t, byIndex.Template)
	assert.Equal(t, root.Address, *byIndex.Template)

	tokens, err := store.ListTokens(ctx)
	require.NoError(t, err)
	assert.Len(t, tokens, 2)

	err = store.Apply(ctx, &domain.Changeset{
		Mints: []domain.Mint{{Token: common.HexToAddress("0xdead"), Holder: advisorA, Amount: big.NewInt(1)}},
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLedgerStore_ListEventsRoundTrip(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewLedgerStore(pool)

	require.NoError(t, store.Apply(ctx, onboardChangeset(advisorA, stableA, volatileA)))
	cs := investChangeset(advisorA, stableA, volatileA, 1100, 900)
	require.NoError(t, store.Apply(ctx, cs))
	assert.Equal(t, int64(2), cs.Events[0].Seq)

	events, err := store.ListEvents(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventAdvisorOnboarded, events[0].Kind)
	assert.Equal(t, int64(1), events[0].Seq)

	inv := events[1].Investment
	require.NotNil(t, inv)
	assert.Equal(t, "1100", inv.StablecoinAmount.String())
	assert.Equal(t, "900", inv.VolatileAmount.String())
	assert.Equal(t, advisorA, inv.Advisor)
	assert.Equal(t, cs.Events[0].ID, events[1].ID)

	tail, err := store.ListEvents(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, int64(2), tail[0].Seq)
}

func TestLedgerStore_ConcurrentApplyAssignsDenseSeq(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := NewLedgerStore(pool)
	require.NoError(t, store.Apply(ctx, onboardChangeset(advisorA, stableA, volatileA)))

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.Apply(ctx, investChangeset(advisorA, stableA, volatileA, 10, 10))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	events, err := store.ListEvents(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, n+1)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Seq)
	}

	pos, err := store.GetPosition(ctx, investor, advisorA)
	require.NoError(t, err)
	assert.Equal(t, "100", pos.StableLiquidity.String())
}
