package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"advisor-ledger/internal/domain"
	"advisor-ledger/internal/observability"
	"advisor-ledger/internal/storage"
)

// SnapshotStore implements storage.SnapshotStore using ClickHouse.
type SnapshotStore struct {
	conn *Conn
}

// NewSnapshotStore creates a new SnapshotStore.
func NewSnapshotStore(conn *Conn) *SnapshotStore {
	return &SnapshotStore{conn: conn}
}

// Compile-time interface check.
var _ storage.SnapshotStore = (*SnapshotStore)(nil)

// snapshotKey is the (pool, asset, native, timestamp) uniqueness key.
type snapshotKey struct {
	pool      common.Address
	asset     common.Address
	native    bool
	timestamp int64
}

// InsertBulk appends snapshots. Fails entire batch on duplicate (pool, asset, timestamp).
func (s *SnapshotStore) InsertBulk(ctx context.Context, snapshots []*domain.PoolSnapshot) (err error) {
	if len(snapshots) == 0 {
		return nil
	}

	start := time.Now()
	defer func() { observability.RecordDBQuery("clickhouse", "snapshot_insert", time.Since(start).Seconds(), err) }()

	// Check for intra-batch duplicates
	seen := make(map[snapshotKey]struct{}, len(snapshots))
	for _, snap := range snapshots {
		if snap == nil || snap.Balance == nil {
			return storage.ErrInvalidInput
		}
		k := snapshotKey{snap.Pool, snap.Asset, snap.Native, snap.Timestamp}
		if _, exists := seen[k]; exists {
			return storage.ErrDuplicateKey
		}
		seen[k] = struct{}{}
	}

	// Check for duplicates against existing DB rows
	for k := range seen {
		exists, err := s.exists(ctx, k)
		if err != nil {
			return fmt.Errorf("check exists: %w", err)
		}
		if exists {
			return storage.ErrDuplicateKey
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO pool_snapshots (pool, advisor, kind, asset, native, balance, timestamp)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, snap := range snapshots {
		err = batch.Append(
			snap.Pool.Hex(), snap.Advisor.Hex(), string(snap.Kind), snap.Asset.Hex(),
			nativeFlag(snap.Native), snap.Balance.String(), snap.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// GetByPool retrieves snapshots of a pool within [start, end], ordered by timestamp ASC.
func (s *SnapshotStore) GetByPool(ctx context.Context, pool common.Address, start, end int64) ([]*domain.PoolSnapshot, error) {
	query := `
		SELECT pool, advisor, kind, asset, native, balance, timestamp
		FROM pool_snapshots FINAL
		WHERE pool = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC, native ASC, asset ASC
	`

	rows, err := s.conn.Query(ctx, query, pool.Hex(), start, end)
	if err != nil {
		return nil, fmt.Errorf("query by pool: %w", err)
	}
	defer rows.Close()

	return scanSnapshots(rows)
}

func (s *SnapshotStore) exists(ctx context.Context, k snapshotKey) (bool, error) {
	query := `
		SELECT count(*) FROM pool_snapshots
		WHERE pool = ? AND asset = ? AND native = ? AND timestamp = ?
	`

	var count uint64
	err := s.conn.QueryRow(ctx, query, k.pool.Hex(), k.asset.Hex(), nativeFlag(k.native), k.timestamp).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func nativeFlag(native bool) uint8 {
	if native {
		return 1
	}
	return 0
}

// scanSnapshots scans multiple rows.
func scanSnapshots(rows chRows) ([]*domain.PoolSnapshot, error) {
	var snapshots []*domain.PoolSnapshot

	for rows.Next() {
		var pool, advisor, kind, asset, balance string
		var native uint8
		var snap domain.PoolSnapshot

		if err := rows.Scan(&pool, &advisor, &kind, &asset, &native, &balance, &snap.Timestamp); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}

		v, err := parseAmountColumn(balance)
		if err != nil {
			return nil, fmt.Errorf("decode snapshot balance: %w", err)
		}
		if v == nil {
			return nil, fmt.Errorf("decode snapshot balance: empty")
		}

		snap.Pool = common.HexToAddress(pool)
		snap.Advisor = common.HexToAddress(advisor)
		snap.Kind = domain.PoolKind(kind)
		snap.Asset = common.HexToAddress(asset)
		snap.Native = native == 1
		snap.Balance = v
		snapshots = append(snapshots, &snap)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshot rows: %w", err)
	}

	return snapshots, nil
}
