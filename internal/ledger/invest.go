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
	"advisor-ledger/internal/idhash"
	"advisor-ledger/internal/observability"
	"advisor-ledger/internal/storage"
	"advisor-ledger/internal/token"
)

// InvestRequest deposits a fungible asset and/or native currency with an advisor.
type InvestRequest struct {
	Investor     common.Address
	Asset        common.Address // required when TokenAmount > 0
	TokenAmount  *big.Int       // asset units, nil means zero
	Advisor      common.Address
	Split        *domain.Split // nil uses the advisor's default
	NativeAmount *big.Int      // wei, nil means zero
}

// InvestmentReceipt describes a committed investment.
type InvestmentReceipt struct {
	ID           string            `json:"id"`
	Seq          int64             `json:"seq"`
	Investment   domain.Investment `json:"investment"`
	Split        domain.Split      `json:"split"`
	StablePool   common.Address    `json:"stablePool"`
	VolatilePool common.Address    `json:"volatilePool"`
	Token        *common.Address   `json:"token,omitempty"`
	Minted       *big.Int          `json:"-"`
}

// investPlan is everything Invest computes before touching custody.
type investPlan struct {
	advisor       *domain.Advisor
	split         domain.Split
	tokenAmount   *big.Int
	nativeAmount  *big.Int
	assetStable   *big.Int
	assetVolatile *big.Int
	nativeStable  *big.Int
	nativeVol     *big.Int
	mintToken     *domain.Token
	minted        *big.Int
}

// Invest splits a deposit between the advisor's stable and volatile pools, credits the
// investor's ledger and, with token accounting, mints shares to the advisor.
// Either every effect happens or none does.
func (e *Engine) Invest(ctx context.Context, req InvestRequest) (receipt *InvestmentReceipt, err error) {
	start := time.Now()
	defer func() { e.observe("invest", start, err) }()

	if req.Split != nil {
		if err := req.Split.Validate(); err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	plan, err := e.planInvestment(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := e.pullFunds(ctx, req, plan); err != nil {
		return nil, err
	}

	cs := e.investmentChangeset(req, plan)
	if err := e.commit(ctx, "invest", cs); err != nil {
		e.refund(ctx, req, plan)
		return nil, fmt.Errorf("commit investment: %w", err)
	}

	investment := cs.Events[0]
	receipt = &InvestmentReceipt{
		ID:           idhash.ComputeReceiptID(req.Investor, plan.advisor.Address, investment.Seq),
		Seq:          investment.Seq,
		Investment:   *investment.Investment,
		Split:        plan.split,
		StablePool:   plan.advisor.StablePool,
		VolatilePool: plan.advisor.VolatilePool,
		Minted:       new(big.Int),
	}
	if plan.minted != nil && plan.minted.Sign() > 0 {
		addr := plan.mintToken.Address
		receipt.Token = &addr
		receipt.Minted.Set(plan.minted)
	}

	observability.RecordInvestment(receipt.Minted.Sign() > 0)
	e.logger.Info("investment committed",
		zap.String("receipt", receipt.ID),
		zap.Int64("seq", receipt.Seq),
		zap.String("investor", req.Investor.Hex()),
		zap.String("advisor", plan.advisor.Address.Hex()),
		zap.Stringer("split", plan.split),
		zap.String("stable", receipt.Investment.StablecoinAmount.String()),
		zap.String("volatile", receipt.Investment.VolatileAmount.String()),
		zap.String("native", plan.nativeAmount.String()),
		zap.String("minted", receipt.Minted.String()))

	return receipt, nil
}

// planInvestment validates the request and computes every amount. No side effects.
func (e *Engine) planInvestment(ctx context.Context, req InvestRequest) (*investPlan, error) {
	advisor, err := e.Advisor(ctx, req.Advisor)
	if err != nil {
		return nil, err
	}

	split := advisor.DefaultSplit
	if req.Split != nil {
		split = *req.Split
	}
	if err := split.Validate(); err != nil {
		return nil, err
	}

	tokenAmount := amountOrZero(req.TokenAmount)
	nativeAmount := amountOrZero(req.NativeAmount)
	if tokenAmount.Sign() < 0 || nativeAmount.Sign() < 0 {
		return nil, fmt.Errorf("%w: amounts must be non-negative", domain.ErrInvalidAmount)
	}
	if tokenAmount.Sign() == 0 && nativeAmount.Sign() == 0 {
		return nil, fmt.Errorf("%w: nothing to invest", domain.ErrInvalidAmount)
	}

	if tokenAmount.Sign() > 0 {
		if req.Asset == (common.Address{}) {
			return nil, fmt.Errorf("%w: asset required for token amount", domain.ErrInvalidAmount)
		}
		allowance, err := e.assets.Allowance(ctx, req.Asset, req.Investor, e.cfg.Address)
		if err != nil {
			return nil, fmt.Errorf("%w: allowance: %v", domain.ErrTransferFailed, err)
		}
		if allowance.Cmp(tokenAmount) < 0 {
			return nil, fmt.Errorf("%w: approved %s, need %s", domain.ErrInsufficientAllowance, allowance, tokenAmount)
		}
	}

	plan := &investPlan{
		advisor:      advisor,
		split:        split,
		tokenAmount:  tokenAmount,
		nativeAmount: nativeAmount,
	}
	plan.assetStable, plan.assetVolatile = split.Apply(tokenAmount)
	plan.nativeStable, plan.nativeVol = split.Apply(nativeAmount)

	if e.cfg.TokenAccounting && tokenAmount.Sign() > 0 {
		if err := e.planMint(ctx, req.Asset, plan); err != nil {
			return nil, err
		}
	}

	return plan, nil
}

// planMint computes the advisor's shares against the pool size before this deposit.
// On the shared root token the supply is the advisor's own accrued balance, so each
// advisor's shares stay proportional to its own pools.
func (e *Engine) planMint(ctx context.Context, asset common.Address, plan *investPlan) error {
	t, err := e.mintTarget(ctx, plan.advisor)
	if err != nil {
		return err
	}

	poolSize, err := e.advisorHoldings(ctx, plan.advisor, asset)
	if err != nil {
		return err
	}

	params := token.ParamsOf(t)
	if plan.advisor.Token == nil {
		accrued, err := e.store.BalanceOf(ctx, t.Address, plan.advisor.Address)
		if err != nil {
			return fmt.Errorf("advisor balance: %w", err)
		}
		params.TotalSupply = accrued.Balance
	}

	minted, err := token.ComputeMint(plan.tokenAmount, poolSize, params)
	if err != nil {
		return err
	}
	plan.mintToken = t
	plan.minted = minted
	return nil
}

// mintTarget returns the token an advisor accrues: its own, or the shared root token.
func (e *Engine) mintTarget(ctx context.Context, advisor *domain.Advisor) (*domain.Token, error) {
	if advisor.Token != nil {
		t, err := e.store.GetToken(ctx, *advisor.Token)
		if err != nil {
			return nil, fmt.Errorf("get advisor token: %w", err)
		}
		return t, nil
	}
	t, err := e.store.GetTokenByIndex(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("get root token: %w", err)
	}
	return t, nil
}

// advisorHoldings sums the advisor's stable and volatile balances of asset.
func (e *Engine) advisorHoldings(ctx context.Context, advisor *domain.Advisor, asset common.Address) (*big.Int, error) {
	total := new(big.Int)
	for _, addr := range []common.Address{advisor.StablePool, advisor.VolatilePool} {
		pool, err := e.store.GetPool(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("get pool %s: %w", addr.Hex(), err)
		}
		total.Add(total, pool.BalanceOf(asset))
	}
	return total, nil
}

// pullFunds moves the deposit into escrow. On failure every completed leg is reversed.
func (e *Engine) pullFunds(ctx context.Context, req InvestRequest, plan *investPlan) error {
	if plan.nativeAmount.Sign() > 0 {
		ok, err := e.native.Deposit(ctx, req.Investor, plan.nativeAmount)
		if err != nil || !ok {
			return transferError("native deposit", err)
		}
	}

	if plan.tokenAmount.Sign() > 0 {
		ok, err := e.assets.TransferFrom(ctx, req.Asset, req.Investor, e.cfg.Address, plan.tokenAmount)
		if err != nil || !ok {
			if plan.nativeAmount.Sign() > 0 {
				e.compensateNative(ctx, req.Investor, plan.nativeAmount)
			}
			return transferError("asset transfer", err)
		}
	}
	return nil
}

// refund reverses both legs after a failed commit.
func (e *Engine) refund(ctx context.Context, req InvestRequest, plan *investPlan) {
	if plan.tokenAmount.Sign() > 0 {
		e.compensateAsset(ctx, req.Asset, req.Investor, plan.tokenAmount)
	}
	if plan.nativeAmount.Sign() > 0 {
		e.compensateNative(ctx, req.Investor, plan.nativeAmount)
	}
}

func (e *Engine) compensateNative(ctx context.Context, to common.Address, amount *big.Int) {
	ctx = context.WithoutCancel(ctx)
	ok, err := e.native.Withdraw(ctx, to, amount)
	if err == nil && !ok {
		err = errors.New("withdraw rejected")
	}
	observability.RecordCompensation("native", err)
	if err != nil {
		e.logger.Error("native compensation failed",
			zap.String("investor", to.Hex()),
			zap.String("amount", amount.String()),
			zap.Error(err))
	}
}

func (e *Engine) compensateAsset(ctx context.Context, asset, to common.Address, amount *big.Int) {
	ctx = context.WithoutCancel(ctx)
	ok, err := e.assets.Transfer(ctx, asset, to, amount)
	if err == nil && !ok {
		err = errors.New("transfer rejected")
	}
	observability.RecordCompensation("asset", err)
	if err != nil {
		e.logger.Error("asset compensation failed",
			zap.String("investor", to.Hex()),
			zap.String("asset", asset.Hex()),
			zap.String("amount", amount.String()),
			zap.Error(err))
	}
}

// investmentChangeset builds the ledger writes. The Investment event is always first.
// Stable liquidity counts asset units only. The native stable share is held in the
// stable pool's native balance; the native volatile share joins volatile liquidity.
func (e *Engine) investmentChangeset(req InvestRequest, plan *investPlan) *domain.Changeset {
	advisor := plan.advisor
	stableCredit := new(big.Int).Set(plan.assetStable)
	volatileCredit := new(big.Int).Add(plan.assetVolatile, plan.nativeVol)

	cs := &domain.Changeset{}
	if plan.tokenAmount.Sign() > 0 {
		cs.PoolCredits = append(cs.PoolCredits,
			domain.PoolCredit{Pool: advisor.StablePool, Asset: req.Asset, Amount: plan.assetStable},
			domain.PoolCredit{Pool: advisor.VolatilePool, Asset: req.Asset, Amount: plan.assetVolatile},
		)
	}
	if plan.nativeAmount.Sign() > 0 {
		cs.PoolCredits = append(cs.PoolCredits,
			domain.PoolCredit{Pool: advisor.StablePool, Native: true, Amount: plan.nativeStable},
			domain.PoolCredit{Pool: advisor.VolatilePool, Native: true, Amount: plan.nativeVol},
		)
	}

	cs.PositionCredits = []domain.PositionCredit{{
		Investor: req.Investor,
		Advisor:  advisor.Address,
		Stable:   stableCredit,
		Volatile: volatileCredit,
	}}

	investment := e.newEvent(domain.EventInvestment)
	advisorAddr := advisor.Address
	investment.Advisor = &advisorAddr
	investment.Investment = &domain.Investment{
		Investor:         req.Investor,
		Advisor:          advisor.Address,
		Asset:            req.Asset,
		StablecoinAmount: new(big.Int).Set(stableCredit),
		VolatileAmount:   new(big.Int).Set(volatileCredit),
		EthAmount:        new(big.Int).Set(plan.nativeAmount),
	}
	cs.Events = append(cs.Events, investment)

	if plan.minted != nil && plan.minted.Sign() > 0 {
		cs.Mints = append(cs.Mints, domain.Mint{
			Token:  plan.mintToken.Address,
			Holder: advisor.Address,
			Amount: plan.minted,
		})
		cs.Events = append(cs.Events, e.mintEvent(plan.mintToken.Address, advisor.Address, plan.minted))
	}

	return cs
}

func (e *Engine) mintEvent(tokenAddr, to common.Address, amount *big.Int) *domain.Event {
	ev := e.newEvent(domain.EventTransfer)
	ev.Token = &tokenAddr
	ev.Transfer = &domain.Transfer{
		From:  common.Address{},
		To:    to,
		Value: new(big.Int).Set(amount),
	}
	return ev
}

func transferError(leg string, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrTransferFailed, leg, err)
	}
	return fmt.Errorf("%w: %s rejected", domain.ErrTransferFailed, leg)
}

func amountOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// InvestorAdvisors lists the advisors an investor has invested with, in first-investment order.
func (e *Engine) InvestorAdvisors(ctx context.Context, investor common.Address) ([]common.Address, error) {
	positions, err := e.store.ListPositions(ctx, investor)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	advisors := make([]common.Address, len(positions))
	for i, p := range positions {
		advisors[i] = p.Advisor
	}
	return advisors, nil
}

// InvestorStableLiquidity returns the investor's cumulative stable liquidity with advisor.
func (e *Engine) InvestorStableLiquidity(ctx context.Context, investor, advisor common.Address) (*big.Int, error) {
	pos, err := e.position(ctx, investor, advisor)
	if err != nil {
		return nil, err
	}
	return pos.StableLiquidity, nil
}

// InvestorVolatileLiquidity returns the investor's cumulative volatile liquidity with advisor.
func (e *Engine) InvestorVolatileLiquidity(ctx context.Context, investor, advisor common.Address) (*big.Int, error) {
	pos, err := e.position(ctx, investor, advisor)
	if err != nil {
		return nil, err
	}
	return pos.VolatileLiquidity, nil
}

// Position returns the investor's position with advisor; an empty position if none exists.
func (e *Engine) Position(ctx context.Context, investor, advisor common.Address) (*domain.Position, error) {
	return e.position(ctx, investor, advisor)
}

func (e *Engine) position(ctx context.Context, investor, advisor common.Address) (*domain.Position, error) {
	pos, err := e.store.GetPosition(ctx, investor, advisor)
	if errors.Is(err, storage.ErrNotFound) {
		return &domain.Position{
			Investor:          investor,
			Advisor:           advisor,
			StableLiquidity:   new(big.Int),
			VolatileLiquidity: new(big.Int),
			Ordinal:           -1,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	return pos, nil
}

// InvestorInfo summarizes an investor's positions across advisors.
func (e *Engine) InvestorInfo(ctx context.Context, investor common.Address) (*domain.InvestorInfo, error) {
	positions, err := e.store.ListPositions(ctx, investor)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	info := &domain.InvestorInfo{
		Investor:          investor,
		Positions:         positions,
		StableLiquidity:   new(big.Int),
		VolatileLiquidity: new(big.Int),
	}
	for _, p := range positions {
		info.StableLiquidity.Add(info.StableLiquidity, p.StableLiquidity)
		info.VolatileLiquidity.Add(info.VolatileLiquidity, p.VolatileLiquidity)
	}
	return info, nil
}

// Pool returns a pool with its balances.
func (e *Engine) Pool(ctx context.Context, pool common.Address) (*domain.Pool, error) {
	p, err := e.store.GetPool(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("get pool %s: %w", pool.Hex(), err)
	}
	return p, nil
}

// Events returns up to limit committed events with Seq > afterSeq.
func (e *Engine) Events(ctx context.Context, afterSeq int64, limit int) ([]*domain.Event, error) {
	evs, err := e.store.ListEvents(ctx, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return evs, nil
}
