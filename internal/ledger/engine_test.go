package ledger

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"advisor-ledger/internal/custody/stub"
	"advisor-ledger/internal/domain"
	"advisor-ledger/internal/idhash"
	"advisor-ledger/internal/storage"
	"advisor-ledger/internal/storage/memory"
	"advisor-ledger/internal/token"
)

var (
	engineAddr = common.HexToAddress("0xe0000000000000000000000000000000000000e0")
	advisorA   = common.HexToAddress("0xa5407eae9ba41422680e2e00537571bcc53efbfd")
	advisorB   = common.HexToAddress("0xb0000000000000000000000000000000000000b0")
	investor   = common.HexToAddress("0x1000000000000000000000000000000000000001")
	usdc       = common.HexToAddress("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48")
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	engine *Engine
	store  *memory.LedgerStore
	bank   *stub.Bank
	sink   *collectingSink
}

// collectingSink records published events.
type collectingSink struct {
	mu     sync.Mutex
	events []*domain.Event
}

func (s *collectingSink) Name() string { return "collect" }

func (s *collectingSink) Publish(_ context.Context, events []*domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *collectingSink) kinds() []domain.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EventKind, len(s.events))
	for i, e := range s.events {
		out[i] = e.Kind
	}
	return out
}

func defaultConfig() Config {
	return Config{
		Address:         engineAddr,
		TokenAccounting: true,
		RootToken:       token.RootSpec{Name: "Robo Advisor Share", Symbol: "RAS"},
	}
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := memory.NewLedgerStore()
	return newFixtureWithStore(t, cfg, store, store)
}

func newFixtureWithStore(t *testing.T, cfg Config, mem *memory.LedgerStore, store storage.LedgerStore) *fixture {
	t.Helper()
	bank := stub.NewBank(engineAddr)
	sink := &collectingSink{}

	e, err := New(context.Background(), store, bank, bank, cfg,
		WithSinks(sink),
		WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)

	return &fixture{engine: e, store: mem, bank: bank, sink: sink}
}

// fundInvestor mints asset units to the investor and approves the engine for all of them.
func (f *fixture) fundInvestor(who common.Address, units int64) {
	f.bank.Mint(usdc, who, big.NewInt(units))
	f.bank.Approve(usdc, who, engineAddr, big.NewInt(units))
}

func (f *fixture) onboard(t *testing.T, advisor common.Address, name string) *domain.Advisor {
	t.Helper()
	a, err := f.engine.Onboard(context.Background(), OnboardRequest{Caller: advisor, Name: name})
	require.NoError(t, err)
	return a
}

func split(stable, volatile int) *domain.Split {
	return &domain.Split{Stable: stable, Volatile: volatile}
}

func TestNew_RegistersRootTokenOnce(t *testing.T) {
	store := memory.NewLedgerStore()
	bank := stub.NewBank(engineAddr)
	ctx := context.Background()

	_, err := New(ctx, store, bank, bank, defaultConfig())
	require.NoError(t, err)
	e, err := New(ctx, store, bank, bank, defaultConfig())
	require.NoError(t, err)

	tokens, err := e.Tokens(ctx)
	require.NoError(t, err)
	require.Len(t, tokens, 1)

	root := tokens[0]
	assert.Equal(t, idhash.TokenAddress(engineAddr, 0), root.Address)
	assert.Equal(t, engineAddr, root.Owner)
	assert.Equal(t, uint8(18), root.Decimals)
	assert.Equal(t, "1000", root.NegligiblePoolSize.String())
	assert.Equal(t, "100", root.InitialMultiplier.String())
}

func TestNew_RejectsInvalidDefaultSplit(t *testing.T) {
	bank := stub.NewBank(engineAddr)
	cfg := defaultConfig()
	cfg.DefaultSplit = domain.Split{Stable: 70, Volatile: 20}

	_, err := New(context.Background(), memory.NewLedgerStore(), bank, bank, cfg)
	assert.ErrorIs(t, err, domain.ErrInvalidSplit)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(context.Background(), nil, nil, nil, defaultConfig())
	assert.Error(t, err)
}

func TestOnboard(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	a, err := f.engine.Onboard(ctx, OnboardRequest{Caller: advisorA, Name: "  Jane Advisor  "})
	require.NoError(t, err)

	assert.Equal(t, "Jane Advisor", a.Name)
	assert.Equal(t, domain.DefaultSplit, a.DefaultSplit)
	assert.Equal(t, idhash.PoolAddress(advisorA, domain.PoolKindStable), a.StablePool)
	assert.Equal(t, idhash.PoolAddress(advisorA, domain.PoolKindVolatile), a.VolatilePool)
	assert.Equal(t, fixedNow.UnixMilli(), a.OnboardedAt)
	assert.Nil(t, a.Token)

	stable, err := f.engine.Pool(ctx, a.StablePool)
	require.NoError(t, err)
	assert.Equal(t, domain.PoolKindStable, stable.Kind)
	assert.Equal(t, advisorA, stable.Advisor)
	assert.Equal(t, 0, stable.Native.Sign())

	name, err := f.engine.AdvisorName(ctx, advisorA)
	require.NoError(t, err)
	assert.Equal(t, "Jane Advisor", name)

	assert.Contains(t, f.sink.kinds(), domain.EventAdvisorOnboarded)
}

func TestOnboard_CustomDefaultSplit(t *testing.T) {
	f := newFixture(t, defaultConfig())

	a, err := f.engine.Onboard(context.Background(), OnboardRequest{
		Caller:       advisorA,
		Name:         "Conservative",
		DefaultSplit: split(80, 20),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.Split{Stable: 80, Volatile: 20}, a.DefaultSplit)
}

func TestOnboard_Twice(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	f.onboard(t, advisorA, "First Name")

	_, err := f.engine.Onboard(ctx, OnboardRequest{Caller: advisorA, Name: "Second Name"})
	assert.ErrorIs(t, err, domain.ErrAlreadyOnboarded)

	name, err := f.engine.AdvisorName(ctx, advisorA)
	require.NoError(t, err)
	assert.Equal(t, "First Name", name)

	advisors, err := f.engine.Advisors(ctx)
	require.NoError(t, err)
	assert.Len(t, advisors, 1)
}

func TestOnboard_Validation(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	tests := []struct {
		name    string
		req     OnboardRequest
		wantErr error
	}{
		{name: "empty name", req: OnboardRequest{Caller: advisorA, Name: ""}, wantErr: domain.ErrInvalidName},
		{name: "blank name", req: OnboardRequest{Caller: advisorA, Name: "   "}, wantErr: domain.ErrInvalidName},
		{name: "long name", req: OnboardRequest{Caller: advisorA, Name: strings.Repeat("a", 65)}, wantErr: domain.ErrInvalidName},
		{name: "bad split", req: OnboardRequest{Caller: advisorA, Name: "A", DefaultSplit: split(50, 40)}, wantErr: domain.ErrInvalidSplit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Onboard(ctx, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	_, err := f.engine.Advisor(ctx, advisorA)
	assert.ErrorIs(t, err, domain.ErrUnknownAdvisor)
}

func TestOnboard_DuplicateReportedBeforeValidation(t *testing.T) {
	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	f.onboard(t, advisorA, "A")

	_, err := f.engine.Onboard(ctx, OnboardRequest{Caller: advisorA, Name: ""})
	assert.ErrorIs(t, err, domain.ErrAlreadyOnboarded)

	_, err = f.engine.Onboard(ctx, OnboardRequest{Caller: advisorA, Name: "A", DefaultSplit: split(10, 10)})
	assert.ErrorIs(t, err, domain.ErrAlreadyOnboarded)
}

func TestAdvisors_OnboardingOrder(t *testing.T) {
	f := newFixture(t, defaultConfig())
	f.onboard(t, advisorB, "B")
	f.onboard(t, advisorA, "A")

	advisors, err := f.engine.Advisors(context.Background())
	require.NoError(t, err)
	require.Len(t, advisors, 2)
	assert.Equal(t, advisorB, advisors[0].Address)
	assert.Equal(t, advisorA, advisors[1].Address)
}
