package memory

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"advisor-ledger/internal/domain"
	"advisor-ledger/internal/storage"
)

// SnapshotStore is an in-memory implementation of storage.SnapshotStore.
type SnapshotStore struct {
	mu   sync.RWMutex
	data map[string]*domain.PoolSnapshot // keyed by composite key
}

// NewSnapshotStore creates a new in-memory snapshot store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{
		data: make(map[string]*domain.PoolSnapshot),
	}
}

// snapshotKey generates a unique key for a snapshot.
func snapshotKey(s *domain.PoolSnapshot) string {
	return fmt.Sprintf("%s|%s|%t|%d", s.Pool.Hex(), s.Asset.Hex(), s.Native, s.Timestamp)
}

// InsertBulk appends snapshots. Fails entire batch on duplicate key.
func (s *SnapshotStore) InsertBulk(_ context.Context, snapshots []*domain.PoolSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := make(map[string]struct{}, len(snapshots))
	for _, snap := range snapshots {
		if snap == nil || snap.Balance == nil {
			return storage.ErrInvalidInput
		}
		key := snapshotKey(snap)
		if _, exists := s.data[key]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := batch[key]; exists {
			return storage.ErrDuplicateKey
		}
		batch[key] = struct{}{}
	}

	for _, snap := range snapshots {
		snapCopy := *snap
		snapCopy.Balance = new(big.Int).Set(snap.Balance)
		s.data[snapshotKey(snap)] = &snapCopy
	}
	return nil
}

// GetByPool retrieves snapshots of a pool within [start, end], ordered by timestamp ASC.
func (s *SnapshotStore) GetByPool(_ context.Context, pool common.Address, start, end int64) ([]*domain.PoolSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.PoolSnapshot
	for _, snap := range s.data {
		if snap.Pool == pool && snap.Timestamp >= start && snap.Timestamp <= end {
			snapCopy := *snap
			result = append(result, &snapCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Timestamp != result[j].Timestamp {
			return result[i].Timestamp < result[j].Timestamp
		}
		if result[i].Native != result[j].Native {
			return !result[i].Native
		}
		return result[i].Asset.Hex() < result[j].Asset.Hex()
	})
	return result, nil
}

// Verify interface compliance at compile time.
var _ storage.SnapshotStore = (*SnapshotStore)(nil)
