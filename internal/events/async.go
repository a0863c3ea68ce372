package events

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"advisor-ledger/internal/domain"
	"advisor-ledger/internal/observability"
	"advisor-ledger/internal/storage"
)

// ErrClosed is returned by Async.Publish after Close or once Run has returned.
var ErrClosed = errors.New("async sink closed")

// catchUpBatch is the page size used when replaying missed events.
const catchUpBatch = 500

// Async decouples a slow sink from the ledger. Batches are delivered in order
// by a single worker.
//
// Without catch-up, Publish blocks while the buffer is full. With catch-up,
// Publish never blocks: a full buffer switches the sink to overflow mode, later
// batches are dropped, and the worker replays the missed range from the ledger
// store once the buffer is empty.
type Async struct {
	inner  Sink
	logger *zap.Logger
	queue  chan []*domain.Event
	ledger storage.LedgerStore

	mu          sync.Mutex
	missedFrom  int64 // first dropped seq, 0 when not in overflow
	missedUntil int64 // last dropped seq
	caughtUpTo  int64 // last seq replayed by catch-up
	wake        chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// AsyncOption configures Async.
type AsyncOption func(*Async)

// WithCatchUp makes Publish non-blocking and replays dropped events from ledger.
func WithCatchUp(ledger storage.LedgerStore) AsyncOption {
	return func(a *Async) {
		a.ledger = ledger
	}
}

// NewAsync wraps inner with a buffer of size batches.
func NewAsync(inner Sink, size int, logger *zap.Logger, opts ...AsyncOption) *Async {
	if size <= 0 {
		size = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Async{
		inner:  inner,
		logger: logger,
		queue:  make(chan []*domain.Event, size),
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name implements Sink.
func (a *Async) Name() string { return a.inner.Name() }

// Publish enqueues events for delivery.
func (a *Async) Publish(ctx context.Context, events []*domain.Event) error {
	select {
	case <-a.closed:
		return ErrClosed
	default:
	}
	if a.ledger != nil {
		a.enqueueOrDrop(events)
		return nil
	}
	select {
	case a.queue <- events:
		return nil
	case <-a.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueueOrDrop never blocks. Publish calls arrive in seq order, so once a batch
// is dropped every later batch is dropped too until the worker has caught up.
func (a *Async) enqueueOrDrop(events []*domain.Event) {
	if len(events) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	// Catch-up reads committed events directly and may have replayed these already.
	for len(events) > 0 && events[0].Seq <= a.caughtUpTo {
		events = events[1:]
	}
	if len(events) == 0 {
		return
	}

	if a.missedFrom == 0 {
		select {
		case a.queue <- events:
			return
		default:
		}
		a.missedFrom = events[0].Seq
		a.logger.Warn("async sink buffer full, switching to catch-up",
			zap.String("sink", a.inner.Name()),
			zap.Int64("from_seq", a.missedFrom))
	}
	a.missedUntil = events[len(events)-1].Seq

	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Run delivers queued batches until ctx is cancelled or Close is called,
// then drains what is already queued. Publish fails with ErrClosed once Run returns.
func (a *Async) Run(ctx context.Context) {
	defer close(a.done)
	defer a.closeOnce.Do(func() { close(a.closed) })

	for {
		select {
		case batch := <-a.queue:
			a.deliver(ctx, batch)
			if len(a.queue) == 0 {
				a.catchUp(ctx)
			}
		case <-a.wake:
			if len(a.queue) == 0 {
				a.catchUp(ctx)
			}
		case <-ctx.Done():
			a.drain(context.WithoutCancel(ctx))
			return
		case <-a.closed:
			a.drain(ctx)
			return
		}
	}
}

// Close stops accepting events and waits for Run to drain. Run must have been started.
func (a *Async) Close() {
	a.closeOnce.Do(func() { close(a.closed) })
	<-a.done
}

func (a *Async) drain(ctx context.Context) {
	for {
		select {
		case batch := <-a.queue:
			a.deliver(ctx, batch)
		default:
			a.catchUp(ctx)
			return
		}
	}
}

// catchUp replays dropped events from the ledger store. It leaves overflow mode
// only after replaying past the last dropped seq.
func (a *Async) catchUp(ctx context.Context) {
	a.mu.Lock()
	from := a.missedFrom
	a.mu.Unlock()
	if from == 0 || a.ledger == nil {
		return
	}

	after := from - 1
	for {
		last, err := Backfill(ctx, a.ledger, a.inner, after, catchUpBatch)
		if err != nil {
			observability.RecordSinkError(a.inner.Name())
			a.logger.Warn("async sink catch-up failed",
				zap.String("sink", a.inner.Name()),
				zap.Int64("after_seq", last),
				zap.Error(err))
			a.mu.Lock()
			if last >= a.missedFrom {
				a.missedFrom = last + 1
			}
			a.mu.Unlock()
			return
		}

		a.mu.Lock()
		if a.missedUntil <= last {
			a.missedFrom, a.missedUntil = 0, 0
			a.caughtUpTo = last
			a.mu.Unlock()
			a.logger.Info("async sink caught up",
				zap.String("sink", a.inner.Name()),
				zap.Int64("seq", last))
			return
		}
		a.mu.Unlock()
		after = last
	}
}

func (a *Async) deliver(ctx context.Context, batch []*domain.Event) {
	if err := a.inner.Publish(ctx, batch); err != nil {
		observability.RecordSinkError(a.inner.Name())
		a.logger.Warn("async sink delivery failed",
			zap.String("sink", a.inner.Name()),
			zap.Int("count", len(batch)),
			zap.Error(err))
	}
}
