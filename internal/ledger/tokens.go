package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"advisor-ledger/internal/domain"
	"advisor-ledger/internal/observability"
	"advisor-ledger/internal/storage"
	"advisor-ledger/internal/token"
)

// MintRequest mints shares of Token for a contribution against a pool of PoolSize.
type MintRequest struct {
	Caller       common.Address
	Token        common.Address
	Beneficiary  common.Address
	Contribution *big.Int
	PoolSize     *big.Int
}

// MintResult describes a committed mint.
type MintResult struct {
	Seq         int64
	Token       common.Address
	Beneficiary common.Address
	Amount      *big.Int
	TotalSupply *big.Int
}

// CreateTokenRequest clones Template into a new registry entry.
type CreateTokenRequest struct {
	Template common.Address
	Name     string
	Symbol   string
	Owner    common.Address // zero means the engine
}

// MintOwnershipTokens mints shares directly. Only the token owner may call it.
func (e *Engine) MintOwnershipTokens(ctx context.Context, req MintRequest) (result *MintResult, err error) {
	start := time.Now()
	defer func() { e.observe("mint", start, err) }()

	if req.Contribution == nil || req.Contribution.Sign() <= 0 {
		return nil, fmt.Errorf("%w: contribution must be positive", domain.ErrInvalidAmount)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t, err := e.Token(ctx, req.Token)
	if err != nil {
		return nil, err
	}
	if t.Owner != req.Caller {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotTokenOwner, req.Caller.Hex())
	}

	minted, err := token.ComputeMint(req.Contribution, amountOrZero(req.PoolSize), token.ParamsOf(t))
	if err != nil {
		return nil, err
	}

	event := e.mintEvent(t.Address, req.Beneficiary, minted)
	cs := &domain.Changeset{
		Mints:  []domain.Mint{{Token: t.Address, Holder: req.Beneficiary, Amount: minted}},
		Events: []*domain.Event{event},
	}
	if err := e.commit(ctx, "mint", cs); err != nil {
		return nil, fmt.Errorf("commit mint: %w", err)
	}

	observability.RecordMint()
	supply := new(big.Int).Add(t.TotalSupply, minted)
	e.logger.Info("ownership tokens minted",
		zap.String("token", t.Address.Hex()),
		zap.String("beneficiary", req.Beneficiary.Hex()),
		zap.String("amount", minted.String()),
		zap.String("total_supply", supply.String()))

	return &MintResult{
		Seq:         event.Seq,
		Token:       t.Address,
		Beneficiary: req.Beneficiary,
		Amount:      minted,
		TotalSupply: supply,
	}, nil
}

// CreateToken clones a registered template into a new ownership token.
func (e *Engine) CreateToken(ctx context.Context, req CreateTokenRequest) (created *domain.Token, err error) {
	start := time.Now()
	defer func() { e.observe("create_token", start, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	template, err := e.store.GetToken(ctx, req.Template)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownTemplate, req.Template.Hex())
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}

	index, err := e.nextTokenIndex(ctx)
	if err != nil {
		return nil, err
	}

	owner := req.Owner
	if owner == (common.Address{}) {
		owner = e.cfg.Address
	}
	created, err = e.factory.Clone(template, index, req.Name, req.Symbol, owner, e.nowMs())
	if err != nil {
		return nil, err
	}

	cs := &domain.Changeset{
		Tokens: []*domain.Token{created},
		Events: []*domain.Event{e.tokenCreatedEvent(created)},
	}
	if err := e.commit(ctx, "create_token", cs); err != nil {
		return nil, fmt.Errorf("commit token: %w", err)
	}

	observability.RecordTokenCreated()
	e.logger.Info("token created",
		zap.String("token", created.Address.Hex()),
		zap.Int("index", created.Index),
		zap.String("template", template.Address.Hex()),
		zap.String("symbol", created.Symbol))

	return created.Clone(), nil
}

// nextTokenIndex is the registry size. Caller holds the lock.
func (e *Engine) nextTokenIndex(ctx context.Context) (int, error) {
	tokens, err := e.store.ListTokens(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tokens: %w", err)
	}
	return len(tokens), nil
}

// Token returns a token by address.
func (e *Engine) Token(ctx context.Context, addr common.Address) (*domain.Token, error) {
	t, err := e.store.GetToken(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("get token %s: %w", addr.Hex(), err)
	}
	return t, nil
}

// TokenAt returns the i-th token created by the factory. Returns storage.ErrNotFound past the end.
func (e *Engine) TokenAt(ctx context.Context, i int) (*domain.Token, error) {
	t, err := e.store.GetTokenByIndex(ctx, i)
	if err != nil {
		return nil, fmt.Errorf("token %d: %w", i, err)
	}
	return t, nil
}

// Tokens lists the registry in creation order.
func (e *Engine) Tokens(ctx context.Context) ([]*domain.Token, error) {
	tokens, err := e.store.ListTokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	return tokens, nil
}

// RootToken returns registry entry 0.
func (e *Engine) RootToken(ctx context.Context) (*domain.Token, error) {
	return e.TokenAt(ctx, 0)
}

// BalanceOf returns a holder's balance of a token.
func (e *Engine) BalanceOf(ctx context.Context, tokenAddr, holder common.Address) (*big.Int, error) {
	b, err := e.store.BalanceOf(ctx, tokenAddr, holder)
	if err != nil {
		return nil, fmt.Errorf("balance of %s: %w", tokenAddr.Hex(), err)
	}
	return b.Balance, nil
}
