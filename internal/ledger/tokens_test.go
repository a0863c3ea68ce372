package ledger

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"advisor-ledger/internal/domain"
	"advisor-ledger/internal/idhash"
	"advisor-ledger/internal/storage"
)

func TestInvest_MintsInitialThenProportional(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	f.onboard(t, advisorA, "A")
	f.fundInvestor(investor, 15000)

	first, err := f.engine.Invest(ctx, InvestRequest{
		Investor: investor, Asset: usdc, TokenAmount: big.NewInt(10000), Advisor: advisorA,
	})
	require.NoError(t, err)
	// Empty supply: 10000 * 100 * 10^18
	assert.Equal(t, "1000000000000000000000000", first.Minted.String())

	second, err := f.engine.Invest(ctx, InvestRequest{
		Investor: investor, Asset: usdc, TokenAmount: big.NewInt(5000), Advisor: advisorA,
	})
	require.NoError(t, err)
	// Pool before was 10000: 5000 * 10^24 / 10000
	assert.Equal(t, "500000000000000000000000", second.Minted.String())

	root, err := f.engine.RootToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1500000000000000000000000", root.TotalSupply.String())

	bal, err := f.engine.BalanceOf(ctx, root.Address, advisorA)
	require.NoError(t, err)
	assert.Equal(t, root.TotalSupply.String(), bal.String())
}

func TestInvest_SharedRootTokenStaysProportionalPerAdvisor(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	f.onboard(t, advisorA, "A")
	f.onboard(t, advisorB, "B")
	f.fundInvestor(investor, 1_007_000)

	deposits := []struct {
		advisor common.Address
		amount  int64
	}{
		{advisorA, 5000},
		{advisorB, 1000},
		{advisorA, 1_000_000},
		{advisorB, 1000},
	}
	for _, d := range deposits {
		_, err := f.engine.Invest(ctx, InvestRequest{
			Investor: investor, Asset: usdc, TokenAmount: big.NewInt(d.amount), Advisor: d.advisor,
		})
		require.NoError(t, err)
	}

	root, err := f.engine.RootToken(ctx)
	require.NoError(t, err)
	balA, err := f.engine.BalanceOf(ctx, root.Address, advisorA)
	require.NoError(t, err)
	balB, err := f.engine.BalanceOf(ctx, root.Address, advisorB)
	require.NoError(t, err)

	// 1,005,000 units at 100 shares each for A; 2,000 for B.
	assert.Equal(t, "100500000000000000000000000", balA.String())
	assert.Equal(t, "200000000000000000000000", balB.String())
	assert.Equal(t, new(big.Int).Add(balA, balB).String(), root.TotalSupply.String())

	// Share of supply tracks share of capital.
	ratio := new(big.Int).Quo(balA, balB)
	assert.Equal(t, "502", ratio.String())
}

func TestInvest_NegligiblePoolKeepsInitialRate(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	f.onboard(t, advisorA, "A")
	f.fundInvestor(investor, 20)

	_, err := f.engine.Invest(ctx, InvestRequest{Investor: investor, Asset: usdc, TokenAmount: big.NewInt(10), Advisor: advisorA})
	require.NoError(t, err)
	second, err := f.engine.Invest(ctx, InvestRequest{Investor: investor, Asset: usdc, TokenAmount: big.NewInt(10), Advisor: advisorA})
	require.NoError(t, err)

	// Pool of 10 is below the 1000 threshold
	assert.Equal(t, "1000000000000000000000", second.Minted.String())
}

func TestMintOwnershipTokens(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	root, err := f.engine.RootToken(ctx)
	require.NoError(t, err)

	res, err := f.engine.MintOwnershipTokens(ctx, MintRequest{
		Caller:       engineAddr,
		Token:        root.Address,
		Beneficiary:  advisorA,
		Contribution: big.NewInt(10),
		PoolSize:     big.NewInt(10000),
	})
	require.NoError(t, err)

	assert.Equal(t, "1000000000000000000000", res.Amount.String())
	assert.Equal(t, "1000000000000000000000", res.TotalSupply.String())

	root, err = f.engine.RootToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000000", root.TotalSupply.String())

	evs, err := f.engine.Events(ctx, res.Seq-1, 1)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventTransfer, evs[0].Kind)
	assert.Equal(t, root.Address, *evs[0].Token)
	assert.Equal(t, advisorA, evs[0].Transfer.To)
}

func TestMintOwnershipTokens_Errors(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	root, err := f.engine.RootToken(ctx)
	require.NoError(t, err)

	_, err = f.engine.MintOwnershipTokens(ctx, MintRequest{
		Caller: advisorA, Token: root.Address, Beneficiary: advisorA, Contribution: big.NewInt(1), PoolSize: big.NewInt(1),
	})
	assert.ErrorIs(t, err, domain.ErrNotTokenOwner)

	_, err = f.engine.MintOwnershipTokens(ctx, MintRequest{
		Caller: engineAddr, Token: common.HexToAddress("0xdead"), Beneficiary: advisorA, Contribution: big.NewInt(1),
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = f.engine.MintOwnershipTokens(ctx, MintRequest{
		Caller: engineAddr, Token: root.Address, Beneficiary: advisorA, Contribution: new(big.Int),
	})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestMintOwnershipTokens_ZeroThresholdZeroPool(t *testing.T) {
	cfg := defaultConfig()
	cfg.RootToken.NegligiblePoolSize = new(big.Int)
	f := newFixture(t, cfg)
	ctx := context.Background()
	root, err := f.engine.RootToken(ctx)
	require.NoError(t, err)

	// Zero supply mints at the initial rate even with a zero pool
	_, err = f.engine.MintOwnershipTokens(ctx, MintRequest{
		Caller: engineAddr, Token: root.Address, Beneficiary: advisorA, Contribution: big.NewInt(1), PoolSize: new(big.Int),
	})
	require.NoError(t, err)

	_, err = f.engine.MintOwnershipTokens(ctx, MintRequest{
		Caller: engineAddr, Token: root.Address, Beneficiary: advisorA, Contribution: big.NewInt(1), PoolSize: new(big.Int),
	})
	assert.ErrorIs(t, err, domain.ErrZeroSupplyDivision)
}

func TestCreateToken(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	root, err := f.engine.RootToken(ctx)
	require.NoError(t, err)

	owner := common.HexToAddress("0x0a11ce")
	created, err := f.engine.CreateToken(ctx, CreateTokenRequest{
		Template: root.Address, Name: "Growth Share", Symbol: "GRO", Owner: owner,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, created.Index)
	assert.Equal(t, idhash.TokenAddress(engineAddr, 1), created.Address)
	assert.Equal(t, owner, created.Owner)
	assert.Equal(t, root.Address, *created.Template)
	assert.Equal(t, 0, created.TotalSupply.Sign())

	got, err := f.engine.TokenAt(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, created.Address, got.Address)

	// Clones can be templates too
	second, err := f.engine.CreateToken(ctx, CreateTokenRequest{Template: created.Address, Name: "Another", Symbol: "ANO"})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Index)
	assert.Equal(t, engineAddr, second.Owner)

	tokens, err := f.engine.Tokens(ctx)
	require.NoError(t, err)
	assert.Len(t, tokens, 3)

	_, err = f.engine.TokenAt(ctx, 3)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreateToken_Errors(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	root, _ := f.engine.RootToken(ctx)

	_, err := f.engine.CreateToken(ctx, CreateTokenRequest{Template: common.HexToAddress("0xbad"), Name: "X", Symbol: "X"})
	assert.ErrorIs(t, err, domain.ErrUnknownTemplate)

	_, err = f.engine.CreateToken(ctx, CreateTokenRequest{Template: root.Address, Name: "", Symbol: "X"})
	assert.ErrorIs(t, err, domain.ErrInvalidName)

	tokens, _ := f.engine.Tokens(ctx)
	assert.Len(t, tokens, 1)
}

func TestCreateToken_OwnerCanMint(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	root, _ := f.engine.RootToken(ctx)
	owner := common.HexToAddress("0x0a11ce")

	created, err := f.engine.CreateToken(ctx, CreateTokenRequest{Template: root.Address, Name: "Owned", Symbol: "OWN", Owner: owner})
	require.NoError(t, err)

	_, err = f.engine.MintOwnershipTokens(ctx, MintRequest{
		Caller: owner, Token: created.Address, Beneficiary: investor, Contribution: big.NewInt(3), PoolSize: new(big.Int),
	})
	require.NoError(t, err)

	bal, err := f.engine.BalanceOf(ctx, created.Address, investor)
	require.NoError(t, err)
	assert.Equal(t, "300000000000000000000", bal.String())

	rootBal, err := f.engine.BalanceOf(ctx, root.Address, investor)
	require.NoError(t, err)
	assert.Equal(t, 0, rootBal.Sign())
}

func TestPerAdvisorTokens(t *testing.T) {
	cfg := defaultConfig()
	cfg.PerAdvisorTokens = true
	f := newFixture(t, cfg)
	ctx := context.Background()

	a := f.onboard(t, advisorA, "Alpha")
	require.NotNil(t, a.Token)

	b, err := f.engine.Onboard(ctx, OnboardRequest{Caller: advisorB, Name: "Beta", TokenSymbol: "BETA"})
	require.NoError(t, err)
	require.NotNil(t, b.Token)
	assert.NotEqual(t, *a.Token, *b.Token)

	tokA, err := f.engine.Token(ctx, *a.Token)
	require.NoError(t, err)
	assert.Equal(t, "Alpha Share", tokA.Name)
	assert.Equal(t, "RAS1", tokA.Symbol)
	assert.Equal(t, 1, tokA.Index)

	tokB, err := f.engine.Token(ctx, *b.Token)
	require.NoError(t, err)
	assert.Equal(t, "BETA", tokB.Symbol)

	f.fundInvestor(investor, 10)
	receipt, err := f.engine.Invest(ctx, InvestRequest{Investor: investor, Asset: usdc, TokenAmount: big.NewInt(10), Advisor: advisorA})
	require.NoError(t, err)
	require.NotNil(t, receipt.Token)
	assert.Equal(t, *a.Token, *receipt.Token)

	bal, err := f.engine.BalanceOf(ctx, *a.Token, advisorA)
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000000", bal.String())

	root, _ := f.engine.RootToken(ctx)
	assert.Equal(t, 0, root.TotalSupply.Sign())
}
