package main

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"advisor-ledger/internal/config"
	"advisor-ledger/internal/custody"
	"advisor-ledger/internal/custody/stub"
	"advisor-ledger/internal/domain"
	"advisor-ledger/internal/storage"
	chstore "advisor-ledger/internal/storage/clickhouse"
	"advisor-ledger/internal/storage/memory"
	"advisor-ledger/internal/storage/migrations"
	pgstore "advisor-ledger/internal/storage/postgres"
)

// allStores holds the storage implementations the server runs on.
// audit and snapshots are nil when no ClickHouse DSN is configured.
type allStores struct {
	ledger    storage.LedgerStore
	audit     storage.AuditStore
	snapshots storage.SnapshotStore
}

// createStores opens the configured stores and applies migrations.
// The returned cleanup closes every connection that was opened.
func createStores(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (*allStores, func(), error) {
	stores := &allStores{}
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.Driver {
	case "memory":
		stores.ledger = memory.NewLedgerStore()
		logger.Warn("using in-memory ledger storage, state is lost on exit")
	case "postgres":
		pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		closers = append(closers, pool.Close)
		applied, err := migrations.RunPostgresMigrations(ctx, pool)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("postgres migrations: %w", err)
		}
		logMigrations(logger, "postgres", applied)
		stores.ledger = pgstore.NewLedgerStore(pool)
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}

	if cfg.ClickhouseDSN != "" {
		conn, applied, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickhouseDSN)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("clickhouse migrations: %w", err)
		}
		logMigrations(logger, "clickhouse", applied)
		closers = append(closers, func() {
			if err := conn.Close(); err != nil {
				logger.Warn("close clickhouse", zap.Error(err))
			}
		})
		stores.audit = chstore.NewAuditStore(conn)
		stores.snapshots = chstore.NewSnapshotStore(conn)
	}

	return stores, cleanup, nil
}

func logMigrations(logger *zap.Logger, db string, applied []migrations.Migration) {
	if len(applied) == 0 {
		logger.Info("schema up to date", zap.String("db", db))
		return
	}
	for _, m := range applied {
		logger.Info("migration applied", zap.String("db", db), zap.Int("version", m.Version), zap.String("name", m.Name))
	}
}

// createCustody returns the transfer services for the configured mode.
func createCustody(cfg *config.Config, logger *zap.Logger) (custody.AssetTransferer, custody.NativeCustody, error) {
	switch cfg.Custody.Mode {
	case "stub":
		bank, err := seedBank(cfg.LedgerAddress(), cfg.Custody.Accounts)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("stub custody ready", zap.Int("accounts", len(cfg.Custody.Accounts)))
		return bank, bank, nil
	case "rpc":
		client := custody.NewRPCClient(cfg.Custody.Endpoint,
			custody.WithTimeout(cfg.Custody.Timeout),
			custody.WithMaxRetries(cfg.Custody.MaxRetries))
		return client, client, nil
	default:
		return nil, nil, fmt.Errorf("unknown custody mode %q", cfg.Custody.Mode)
	}
}

// seedBank creates a stub bank with the configured balances and allowances.
func seedBank(operator common.Address, accounts []config.StubAccount) (*stub.Bank, error) {
	bank := stub.NewBank(operator)
	for i, a := range accounts {
		holder := common.HexToAddress(a.Address)

		native, err := optionalAmount(a.Native)
		if err != nil {
			return nil, fmt.Errorf("custody.accounts[%d].native: %w", i, err)
		}
		if native.Sign() > 0 {
			bank.Fund(holder, native)
		}

		if a.Asset == "" {
			continue
		}
		asset := common.HexToAddress(a.Asset)
		balance, err := optionalAmount(a.Balance)
		if err != nil {
			return nil, fmt.Errorf("custody.accounts[%d].balance: %w", i, err)
		}
		allowance, err := optionalAmount(a.Allowance)
		if err != nil {
			return nil, fmt.Errorf("custody.accounts[%d].allowance: %w", i, err)
		}
		bank.Mint(asset, holder, balance)
		bank.Approve(asset, holder, operator, allowance)
	}
	return bank, nil
}

func optionalAmount(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	return domain.ParseInteger(s)
}
