package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"advisor-ledger/internal/domain"
	"advisor-ledger/internal/idhash"
	"advisor-ledger/internal/observability"
	"advisor-ledger/internal/storage"
)

// OnboardRequest registers the caller as an advisor.
type OnboardRequest struct {
	Caller       common.Address
	Name         string
	DefaultSplit *domain.Split // nil uses the engine default

	// TokenSymbol names the advisor token in per-advisor token mode. Empty derives one.
	TokenSymbol string
}

// Onboard creates the caller's advisor profile and provisions its stable and volatile pools.
func (e *Engine) Onboard(ctx context.Context, req OnboardRequest) (advisor *domain.Advisor, err error) {
	start := time.Now()
	defer func() { e.observe("onboard", start, err) }()

	e.mu.Lock()
	defer e.mu.Unlock()

	// An existing profile wins over any validation error.
	_, err = e.store.GetAdvisor(ctx, req.Caller)
	if err == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrAlreadyOnboarded, req.Caller.Hex())
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("get advisor: %w", err)
	}

	name := strings.TrimSpace(req.Name)
	if name == "" || utf8.RuneCountInString(name) > domain.MaxAdvisorNameLen {
		return nil, fmt.Errorf("%w: advisor name must be 1-%d characters", domain.ErrInvalidName, domain.MaxAdvisorNameLen)
	}

	split := e.cfg.DefaultSplit
	if req.DefaultSplit != nil {
		split = *req.DefaultSplit
	}
	if err := split.Validate(); err != nil {
		return nil, err
	}

	advisor = &domain.Advisor{
		Address:      req.Caller,
		Name:         name,
		DefaultSplit: split,
		StablePool:   idhash.PoolAddress(req.Caller, domain.PoolKindStable),
		VolatilePool: idhash.PoolAddress(req.Caller, domain.PoolKindVolatile),
		OnboardedAt:  e.nowMs(),
	}

	onboarded := e.newEvent(domain.EventAdvisorOnboarded)
	addr := advisor.Address
	onboarded.Advisor = &addr

	cs := &domain.Changeset{
		Advisor: advisor,
		Pools: []*domain.Pool{
			domain.NewPool(advisor.StablePool, advisor.Address, domain.PoolKindStable),
			domain.NewPool(advisor.VolatilePool, advisor.Address, domain.PoolKindVolatile),
		},
		Events: []*domain.Event{onboarded},
	}

	if e.cfg.PerAdvisorTokens {
		t, err := e.advisorToken(ctx, advisor, req.TokenSymbol)
		if err != nil {
			return nil, err
		}
		tokenAddr := t.Address
		advisor.Token = &tokenAddr
		onboarded.Token = &tokenAddr
		cs.Tokens = append(cs.Tokens, t)
		cs.Events = append(cs.Events, e.tokenCreatedEvent(t))
	}

	if err := e.commit(ctx, "onboard", cs); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return nil, fmt.Errorf("%w: %s", domain.ErrAlreadyOnboarded, req.Caller.Hex())
		}
		return nil, fmt.Errorf("commit onboarding: %w", err)
	}

	observability.RecordOnboarding()
	e.logger.Info("advisor onboarded",
		zap.String("advisor", advisor.Address.Hex()),
		zap.String("name", advisor.Name),
		zap.Stringer("default_split", advisor.DefaultSplit),
		zap.String("stable_pool", advisor.StablePool.Hex()),
		zap.String("volatile_pool", advisor.VolatilePool.Hex()))

	return cloneAdvisor(advisor), nil
}

// advisorToken clones the root token for a new advisor. Caller holds the lock.
func (e *Engine) advisorToken(ctx context.Context, advisor *domain.Advisor, symbol string) (*domain.Token, error) {
	root, err := e.store.GetTokenByIndex(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("load root token: %w", err)
	}
	index, err := e.nextTokenIndex(ctx)
	if err != nil {
		return nil, err
	}
	if symbol == "" {
		symbol = fmt.Sprintf("%s%d", root.Symbol, index)
	}
	return e.factory.Clone(root, index, advisor.Name+" Share", symbol, e.cfg.Address, e.nowMs())
}

// Advisor returns an advisor profile.
func (e *Engine) Advisor(ctx context.Context, advisor common.Address) (*domain.Advisor, error) {
	a, err := e.store.GetAdvisor(ctx, advisor)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownAdvisor, advisor.Hex())
	}
	if err != nil {
		return nil, fmt.Errorf("get advisor: %w", err)
	}
	return a, nil
}

// AdvisorName returns an advisor's display name.
func (e *Engine) AdvisorName(ctx context.Context, advisor common.Address) (string, error) {
	a, err := e.Advisor(ctx, advisor)
	if err != nil {
		return "", err
	}
	return a.Name, nil
}

// Advisors lists every advisor in onboarding order.
func (e *Engine) Advisors(ctx context.Context) ([]*domain.Advisor, error) {
	advisors, err := e.store.ListAdvisors(ctx)
	if err != nil {
		return nil, fmt.Errorf("list advisors: %w", err)
	}
	return advisors, nil
}

func cloneAdvisor(a *domain.Advisor) *domain.Advisor {
	c := *a
	if a.Token != nil {
		t := *a.Token
		c.Token = &t
	}
	return &c
}
