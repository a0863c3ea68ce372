// Package snapshot periodically copies pool balances into a SnapshotStore.
package snapshot

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"advisor-ledger/internal/domain"
	"advisor-ledger/internal/observability"
	"advisor-ledger/internal/storage"
)

// PoolSource lists advisors and reads their pools. *ledger.Engine satisfies it.
type PoolSource interface {
	Advisors(ctx context.Context) ([]*domain.Advisor, error)
	Pool(ctx context.Context, pool common.Address) (*domain.Pool, error)
}

// Scheduler runs snapshot jobs on a cron schedule.
type Scheduler struct {
	cron   *cron.Cron
	source PoolSource
	store  storage.SnapshotStore
	logger *zap.Logger
	now    func() time.Time
	ctx    context.Context
}

// NewScheduler creates a scheduler. Overlapping runs are skipped.
func NewScheduler(ctx context.Context, source PoolSource, store storage.SnapshotStore, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger.Sugar()}
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		source: source,
		store:  store,
		logger: logger,
		now:    time.Now,
		ctx:    ctx,
	}
}

// Register schedules a snapshot run. spec uses the standard five-field syntax or a descriptor like "@every 5m".
func (s *Scheduler) Register(spec string) error {
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return fmt.Errorf("register snapshot task: %w", err)
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("snapshot scheduler started", zap.Int("jobs", len(s.cron.Entries())))
}

// Stop stops the scheduler and waits for a running job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("snapshot scheduler stopped")
}

func (s *Scheduler) run() {
	n, err := s.RunOnce(s.ctx)
	if err != nil {
		s.logger.Error("snapshot run failed", zap.Error(err))
		return
	}
	s.logger.Debug("snapshot run complete", zap.Int("rows", n))
}

// RunOnce snapshots every pool now and returns the number of rows written.
// All rows of one run share a timestamp.
func (s *Scheduler) RunOnce(ctx context.Context) (n int, err error) {
	ts := s.now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
		}
		observability.RecordSnapshotRun(status, n, float64(ts.Unix()))
	}()

	advisors, err := s.source.Advisors(ctx)
	if err != nil {
		return 0, fmt.Errorf("list advisors: %w", err)
	}

	var rows []*domain.PoolSnapshot
	for _, a := range advisors {
		for _, addr := range []common.Address{a.StablePool, a.VolatilePool} {
			pool, err := s.source.Pool(ctx, addr)
			if err != nil {
				return 0, fmt.Errorf("read pool %s: %w", addr.Hex(), err)
			}
			rows = append(rows, Rows(pool, ts.UnixMilli())...)
		}
	}

	if len(rows) == 0 {
		return 0, nil
	}
	if err := s.store.InsertBulk(ctx, rows); err != nil {
		return 0, fmt.Errorf("insert snapshots: %w", err)
	}
	return len(rows), nil
}

// Rows flattens a pool into one row per held asset plus one native row.
func Rows(pool *domain.Pool, ts int64) []*domain.PoolSnapshot {
	assets := make([]common.Address, 0, len(pool.Balances))
	for asset := range pool.Balances {
		assets = append(assets, asset)
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Hex() < assets[j].Hex() })

	rows := make([]*domain.PoolSnapshot, 0, len(assets)+1)
	for _, asset := range assets {
		rows = append(rows, &domain.PoolSnapshot{
			Pool:      pool.Address,
			Advisor:   pool.Advisor,
			Kind:      pool.Kind,
			Asset:     asset,
			Balance:   pool.BalanceOf(asset),
			Timestamp: ts,
		})
	}
	rows = append(rows, &domain.PoolSnapshot{
		Pool:      pool.Address,
		Advisor:   pool.Advisor,
		Kind:      pool.Kind,
		Native:    true,
		Balance:   new(big.Int).Set(pool.Native),
		Timestamp: ts,
	})
	return rows
}

// cronLogger routes cron's own logging into zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
