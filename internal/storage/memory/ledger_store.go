package memory

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"advisor-ledger/internal/domain"
	"advisor-ledger/internal/storage"
)

// positionKey is the composite (investor, advisor) key.
type positionKey struct {
	investor common.Address
	advisor  common.Address
}

// balanceKey is the composite (token, holder) key.
type balanceKey struct {
	token  common.Address
	holder common.Address
}

// LedgerStore is an in-memory implementation of storage.LedgerStore.
type LedgerStore struct {
	mu sync.RWMutex

	advisors     map[common.Address]*domain.Advisor
	advisorOrder []common.Address

	pools map[common.Address]*domain.Pool

	positions        map[positionKey]*domain.Position
	investorAdvisors map[common.Address][]common.Address // first-investment order

	tokens     map[common.Address]*domain.Token
	tokenOrder []common.Address
	balances   map[balanceKey]*big.Int

	events []*domain.Event
}

// NewLedgerStore creates a new in-memory ledger store.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		advisors:         make(map[common.Address]*domain.Advisor),
		pools:            make(map[common.Address]*domain.Pool),
		positions:        make(map[positionKey]*domain.Position),
		investorAdvisors: make(map[common.Address][]common.Address),
		tokens:           make(map[common.Address]*domain.Token),
		balances:         make(map[balanceKey]*big.Int),
	}
}

// Apply commits a changeset atomically and assigns Seq to its events.
func (s *LedgerStore) Apply(_ context.Context, cs *domain.Changeset) error {
	if cs == nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// First pass: validate everything so the second pass cannot fail
	if err := s.validate(cs); err != nil {
		return err
	}

	// Second pass: write
	if a := cs.Advisor; a != nil {
		s.advisors[a.Address] = cloneAdvisor(a)
		s.advisorOrder = append(s.advisorOrder, a.Address)
	}
	for _, p := range cs.Pools {
		s.pools[p.Address] = p.Clone()
	}
	for _, t := range cs.Tokens {
		s.tokens[t.Address] = t.Clone()
		s.tokenOrder = append(s.tokenOrder, t.Address)
	}
	for _, c := range cs.PoolCredits {
		pool := s.pools[c.Pool]
		if c.Native {
			pool.Native.Add(pool.Native, c.Amount)
			continue
		}
		bal, ok := pool.Balances[c.Asset]
		if !ok {
			bal = new(big.Int)
			pool.Balances[c.Asset] = bal
		}
		bal.Add(bal, c.Amount)
	}
	for _, c := range cs.PositionCredits {
		key := positionKey{investor: c.Investor, advisor: c.Advisor}
		pos, ok := s.positions[key]
		if !ok {
			pos = &domain.Position{
				Investor:          c.Investor,
				Advisor:           c.Advisor,
				StableLiquidity:   new(big.Int),
				VolatileLiquidity: new(big.Int),
				Ordinal:           len(s.investorAdvisors[c.Investor]),
			}
			s.positions[key] = pos
			s.investorAdvisors[c.Investor] = append(s.investorAdvisors[c.Investor], c.Advisor)
		}
		pos.StableLiquidity.Add(pos.StableLiquidity, c.Stable)
		pos.VolatileLiquidity.Add(pos.VolatileLiquidity, c.Volatile)
	}
	for _, m := range cs.Mints {
		token := s.tokens[m.Token]
		token.TotalSupply.Add(token.TotalSupply, m.Amount)
		key := balanceKey{token: m.Token, holder: m.Holder}
		bal, ok := s.balances[key]
		if !ok {
			bal = new(big.Int)
			s.balances[key] = bal
		}
		bal.Add(bal, m.Amount)
	}
	for _, e := range cs.Events {
		e.Seq = int64(len(s.events)) + 1
		eventCopy := *e
		s.events = append(s.events, &eventCopy)
	}

	return nil
}

// validate checks a changeset against current state. Caller holds the write lock.
func (s *LedgerStore) validate(cs *domain.Changeset) error {
	if a := cs.Advisor; a != nil {
		if _, exists := s.advisors[a.Address]; exists {
			return storage.ErrDuplicateKey
		}
	}

	newPools := make(map[common.Address]struct{}, len(cs.Pools))
	for _, p := range cs.Pools {
		if p == nil {
			return storage.ErrInvalidInput
		}
		if _, exists := s.pools[p.Address]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := newPools[p.Address]; exists {
			return storage.ErrDuplicateKey
		}
		newPools[p.Address] = struct{}{}
	}

	newTokens := make(map[common.Address]struct{}, len(cs.Tokens))
	for i, t := range cs.Tokens {
		if t == nil || t.Index != len(s.tokenOrder)+i {
			return storage.ErrInvalidInput
		}
		if _, exists := s.tokens[t.Address]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := newTokens[t.Address]; exists {
			return storage.ErrDuplicateKey
		}
		newTokens[t.Address] = struct{}{}
	}

	for _, c := range cs.PoolCredits {
		if !validAmount(c.Amount) {
			return storage.ErrInvalidInput
		}
		_, existing := s.pools[c.Pool]
		_, created := newPools[c.Pool]
		if !existing && !created {
			return storage.ErrNotFound
		}
	}

	for _, c := range cs.PositionCredits {
		if !validAmount(c.Stable) || !validAmount(c.Volatile) {
			return storage.ErrInvalidInput
		}
	}

	for _, m := range cs.Mints {
		if !validAmount(m.Amount) {
			return storage.ErrInvalidInput
		}
		_, existing := s.tokens[m.Token]
		_, created := newTokens[m.Token]
		if !existing && !created {
			return storage.ErrNotFound
		}
	}

	for _, e := range cs.Events {
		if e == nil {
			return storage.ErrInvalidInput
		}
	}

	return nil
}

// GetAdvisor retrieves an advisor. Returns ErrNotFound if not exists.
func (s *LedgerStore) GetAdvisor(_ context.Context, advisor common.Address) (*domain.Advisor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, exists := s.advisors[advisor]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return cloneAdvisor(a), nil
}

// ListAdvisors retrieves all advisors in onboarding order.
func (s *LedgerStore) ListAdvisors(_ context.Context) ([]*domain.Advisor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Advisor, 0, len(s.advisorOrder))
	for _, addr := range s.advisorOrder {
		result = append(result, cloneAdvisor(s.advisors[addr]))
	}
	return result, nil
}

// GetPool retrieves a pool with its balances. Returns ErrNotFound if not exists.
func (s *LedgerStore) GetPool(_ context.Context, pool common.Address) (*domain.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, exists := s.pools[pool]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return p.Clone(), nil
}

// GetPosition retrieves an investor's position with an advisor. Returns ErrNotFound if not exists.
func (s *LedgerStore) GetPosition(_ context.Context, investor, advisor common.Address) (*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, exists := s.positions[positionKey{investor: investor, advisor: advisor}]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return pos.Clone(), nil
}

// ListPositions retrieves an investor's positions in first-investment order.
func (s *LedgerStore) ListPositions(_ context.Context, investor common.Address) ([]*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	advisors := s.investorAdvisors[investor]
	result := make([]*domain.Position, 0, len(advisors))
	for _, advisor := range advisors {
		result = append(result, s.positions[positionKey{investor: investor, advisor: advisor}].Clone())
	}
	return result, nil
}

// GetToken retrieves a token by address. Returns ErrNotFound if not exists.
func (s *LedgerStore) GetToken(_ context.Context, token common.Address) (*domain.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.tokens[token]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return t.Clone(), nil
}

// GetTokenByIndex retrieves the i-th registered token. Returns ErrNotFound past the end.
func (s *LedgerStore) GetTokenByIndex(_ context.Context, index int) (*domain.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if index < 0 || index >= len(s.tokenOrder) {
		return nil, storage.ErrNotFound
	}
	return s.tokens[s.tokenOrder[index]].Clone(), nil
}

// ListTokens retrieves all tokens in registry order.
func (s *LedgerStore) ListTokens(_ context.Context) ([]*domain.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.Token, 0, len(s.tokenOrder))
	for _, addr := range s.tokenOrder {
		result = append(result, s.tokens[addr].Clone())
	}
	return result, nil
}

// BalanceOf retrieves a holder's token balance. Returns ErrNotFound if the token does not exist.
func (s *LedgerStore) BalanceOf(_ context.Context, token, holder common.Address) (*domain.TokenBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.tokens[token]; !exists {
		return nil, storage.ErrNotFound
	}

	balance := new(big.Int)
	if b, ok := s.balances[balanceKey{token: token, holder: holder}]; ok {
		balance.Set(b)
	}
	return &domain.TokenBalance{Token: token, Holder: holder, Balance: balance}, nil
}

// ListEvents retrieves up to limit events with Seq > afterSeq, ordered by Seq ASC.
func (s *LedgerStore) ListEvents(_ context.Context, afterSeq int64, limit int) ([]*domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if afterSeq < 0 {
		afterSeq = 0
	}
	var result []*domain.Event
	// Seq is 1-based and dense, so events[afterSeq:] starts right after afterSeq
	for i := afterSeq; i < int64(len(s.events)); i++ {
		if limit > 0 && len(result) >= limit {
			break
		}
		eventCopy := *s.events[i]
		result = append(result, &eventCopy)
	}
	return result, nil
}

func cloneAdvisor(a *domain.Advisor) *domain.Advisor {
	c := *a
	if a.Token != nil {
		token := *a.Token
		c.Token = &token
	}
	return &c
}

func validAmount(v *big.Int) bool {
	return v != nil && v.Sign() >= 0
}

// Verify interface compliance at compile time.
var _ storage.LedgerStore = (*LedgerStore)(nil)
