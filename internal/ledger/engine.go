// Package ledger implements the advisor registry, the investment engine and the
// ownership token operations on top of a LedgerStore.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"advisor-ledger/internal/custody"
	"advisor-ledger/internal/domain"
	"advisor-ledger/internal/events"
	"advisor-ledger/internal/observability"
	"advisor-ledger/internal/storage"
	"advisor-ledger/internal/token"
)

// Config controls engine behavior.
type Config struct {
	// Address is the engine's escrow identity. It is the spender investors approve,
	// the factory deployer and the default token owner.
	Address common.Address

	// TokenAccounting mints ownership shares to the advisor on fungible deposits.
	TokenAccounting bool

	// PerAdvisorTokens provisions a dedicated token for every advisor at onboarding.
	// Otherwise all advisors share the root token.
	PerAdvisorTokens bool

	// DefaultSplit applies to advisors that onboard without one.
	DefaultSplit domain.Split

	// RootToken describes registry entry 0, the template of every clone.
	RootToken token.RootSpec
}

// Engine serializes every mutation of the ledger behind one mutex.
// External transfers complete, or are compensated, before the store commits.
type Engine struct {
	mu sync.Mutex

	store   storage.LedgerStore
	assets  custody.AssetTransferer
	native  custody.NativeCustody
	factory *token.Factory
	sinks   []events.Sink
	fanout  *events.Fanout
	logger  *zap.Logger
	now     func() time.Time
	cfg     Config
}

// Option configures Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithSinks registers event sinks that receive every committed event.
func WithSinks(sinks ...events.Sink) Option {
	return func(e *Engine) {
		e.sinks = append(e.sinks, sinks...)
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an engine and registers the root token if the store has none.
func New(ctx context.Context, store storage.LedgerStore, assets custody.AssetTransferer, native custody.NativeCustody, cfg Config, opts ...Option) (*Engine, error) {
	if store == nil || assets == nil || native == nil {
		return nil, errors.New("ledger: store, asset transferer and native custody are required")
	}
	if cfg.DefaultSplit == (domain.Split{}) {
		cfg.DefaultSplit = domain.DefaultSplit
	}
	if err := cfg.DefaultSplit.Validate(); err != nil {
		return nil, fmt.Errorf("default split: %w", err)
	}
	if cfg.RootToken.Owner == (common.Address{}) {
		cfg.RootToken.Owner = cfg.Address
	}

	e := &Engine{
		store:   store,
		assets:  assets,
		native:  native,
		factory: token.NewFactory(cfg.Address),
		logger:  zap.NewNop(),
		now:     time.Now,
		cfg:     cfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.fanout = events.NewFanout(e.logger, e.sinks...)

	if err := e.bootstrap(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Address returns the engine's escrow identity.
func (e *Engine) Address() common.Address {
	return e.cfg.Address
}

// bootstrap registers the root token on an empty registry.
func (e *Engine) bootstrap(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	root, err := e.store.GetTokenByIndex(ctx, 0)
	if err == nil {
		e.logger.Info("root token loaded",
			zap.String("token", root.Address.Hex()),
			zap.String("total_supply", root.TotalSupply.String()))
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load root token: %w", err)
	}

	root, err = e.factory.NewRoot(e.cfg.RootToken, e.nowMs())
	if err != nil {
		return fmt.Errorf("build root token: %w", err)
	}

	cs := &domain.Changeset{
		Tokens: []*domain.Token{root},
		Events: []*domain.Event{e.tokenCreatedEvent(root)},
	}
	if err := e.commit(ctx, "bootstrap", cs); err != nil {
		return fmt.Errorf("register root token: %w", err)
	}

	e.logger.Info("root token registered",
		zap.String("token", root.Address.Hex()),
		zap.String("symbol", root.Symbol))
	return nil
}

// commit applies a changeset and publishes its events. Caller holds the lock.
func (e *Engine) commit(ctx context.Context, op string, cs *domain.Changeset) error {
	if err := e.store.Apply(ctx, cs); err != nil {
		return err
	}
	if n := len(cs.Events); n > 0 {
		observability.UpdateLastSeq(cs.Events[n-1].Seq)
		e.fanout.Publish(context.WithoutCancel(ctx), cs.Events)
	}
	e.logger.Debug("changeset committed", zap.String("operation", op), zap.Int("events", len(cs.Events)))
	return nil
}

// observe records an operation outcome.
func (e *Engine) observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
		e.logger.Debug("operation rejected", zap.String("operation", op), zap.Error(err))
	}
	observability.RecordOperation(op, status, time.Since(start).Seconds())
}

func (e *Engine) nowMs() int64 {
	return e.now().UnixMilli()
}

func (e *Engine) newEvent(kind domain.EventKind) *domain.Event {
	return &domain.Event{
		ID:        uuid.New(),
		Kind:      kind,
		Timestamp: e.nowMs(),
	}
}

func (e *Engine) tokenCreatedEvent(t *domain.Token) *domain.Event {
	ev := e.newEvent(domain.EventTokenCreated)
	addr := t.Address
	ev.Token = &addr
	return ev
}
