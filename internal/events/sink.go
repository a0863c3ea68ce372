// Package events delivers committed ledger events to downstream consumers.
package events

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"advisor-ledger/internal/domain"
	"advisor-ledger/internal/observability"
	"advisor-ledger/internal/storage"
)

// Sink consumes committed events. Events arrive in Seq order.
type Sink interface {
	Name() string
	Publish(ctx context.Context, events []*domain.Event) error
}

// Fanout publishes to every sink. A failing sink never blocks the others
// and never fails the ledger operation that produced the events.
type Fanout struct {
	sinks  []Sink
	logger *zap.Logger
}

// NewFanout creates a fan-out over sinks.
func NewFanout(logger *zap.Logger, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{sinks: sinks, logger: logger}
}

// Add registers another sink.
func (f *Fanout) Add(s Sink) {
	f.sinks = append(f.sinks, s)
}

// Publish hands events to all sinks and logs failures.
func (f *Fanout) Publish(ctx context.Context, events []*domain.Event) {
	if len(events) == 0 {
		return
	}
	for _, s := range f.sinks {
		if err := s.Publish(ctx, events); err != nil {
			observability.RecordSinkError(s.Name())
			f.logger.Warn("event sink publish failed",
				zap.String("sink", s.Name()),
				zap.Int64("first_seq", events[0].Seq),
				zap.Int("count", len(events)),
				zap.Error(err))
		}
	}
	observability.RecordEventsPublished(len(events))
}

// AuditSink writes events into an AuditStore.
type AuditSink struct {
	store storage.AuditStore
}

// NewAuditSink creates a sink backed by store.
func NewAuditSink(store storage.AuditStore) *AuditSink {
	return &AuditSink{store: store}
}

// Name implements Sink.
func (s *AuditSink) Name() string { return "audit" }

// Publish implements Sink.
func (s *AuditSink) Publish(ctx context.Context, events []*domain.Event) error {
	if err := s.store.InsertBulk(ctx, events); err != nil {
		return fmt.Errorf("insert audit events: %w", err)
	}
	return nil
}

// Backfill replays ledger events after afterSeq into sink in pages of batchSize.
// Returns the last replayed Seq.
func Backfill(ctx context.Context, ledger storage.LedgerStore, sink Sink, afterSeq int64, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	last := afterSeq
	for {
		page, err := ledger.ListEvents(ctx, last, batchSize)
		if err != nil {
			return last, fmt.Errorf("list events after %d: %w", last, err)
		}
		if len(page) == 0 {
			return last, nil
		}
		if err := sink.Publish(ctx, page); err != nil {
			return last, err
		}
		last = page[len(page)-1].Seq
	}
}
