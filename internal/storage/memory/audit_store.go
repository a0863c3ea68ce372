package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"advisor-ledger/internal/domain"
	"advisor-ledger/internal/storage"
)

// AuditStore is an in-memory implementation of storage.AuditStore.
type AuditStore struct {
	mu   sync.RWMutex
	data map[int64]*domain.Event // keyed by seq
}

// NewAuditStore creates a new in-memory audit store.
func NewAuditStore() *AuditStore {
	return &AuditStore{
		data: make(map[int64]*domain.Event),
	}
}

// InsertBulk appends events. Fails entire batch on duplicate seq.
func (s *AuditStore) InsertBulk(_ context.Context, events []*domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := make(map[int64]struct{}, len(events))
	for _, e := range events {
		if e == nil || e.Seq <= 0 {
			return storage.ErrInvalidInput
		}
		if _, exists := s.data[e.Seq]; exists {
			return storage.ErrDuplicateKey
		}
		if _, exists := batch[e.Seq]; exists {
			return storage.ErrDuplicateKey
		}
		batch[e.Seq] = struct{}{}
	}

	for _, e := range events {
		eventCopy := *e
		s.data[e.Seq] = &eventCopy
	}
	return nil
}

// LastSeq returns the highest stored seq, 0 when empty.
func (s *AuditStore) LastSeq(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last int64
	for seq := range s.data {
		last = max(last, seq)
	}
	return last, nil
}

// GetByAdvisor retrieves investment events of an advisor, ordered by seq ASC.
func (s *AuditStore) GetByAdvisor(_ context.Context, advisor common.Address) ([]*domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Event
	for _, e := range s.data {
		if e.Investment != nil && e.Investment.Advisor == advisor {
			eventCopy := *e
			result = append(result, &eventCopy)
		}
	}

	sortBySeq(result)
	return result, nil
}

// GetByTimeRange retrieves events within [start, end] (inclusive).
func (s *AuditStore) GetByTimeRange(_ context.Context, start, end int64) ([]*domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.Event
	for _, e := range s.data {
		if e.Timestamp >= start && e.Timestamp <= end {
			eventCopy := *e
			result = append(result, &eventCopy)
		}
	}

	sortBySeq(result)
	return result, nil
}

func sortBySeq(events []*domain.Event) {
	sort.Slice(events, func(i, j int) bool {
		return events[i].Seq < events[j].Seq
	})
}

// Verify interface compliance at compile time.
var _ storage.AuditStore = (*AuditStore)(nil)
