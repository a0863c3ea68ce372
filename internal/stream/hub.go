// Package stream serves committed ledger events to WebSocket subscribers.
package stream

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"advisor-ledger/internal/domain"
	"advisor-ledger/internal/observability"
)

// HubConfig configures subscriber connections.
type HubConfig struct {
	// BufferSize is the number of events queued per subscriber before it is dropped.
	BufferSize int
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
	// ReplayBatch is the page size used when replaying history from ?from=.
	ReplayBatch int
	// AllowedOrigins lists browser origins allowed to subscribe, or "*" for any.
	// Empty allows same-origin requests and clients that send no Origin header.
	AllowedOrigins []string
}

// DefaultHubConfig returns default subscriber configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		BufferSize:   256,
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
		ReplayBatch:  500,
	}
}

// History supplies committed events for replay. storage.LedgerStore satisfies it.
type History interface {
	ListEvents(ctx context.Context, afterSeq int64, limit int) ([]*domain.Event, error)
}

// Hub broadcasts published events to every connected subscriber.
// It implements events.Sink and http.Handler.
type Hub struct {
	config   HubConfig
	history  History
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*subscriber]struct{}
	closed  bool

	wg sync.WaitGroup
}

// subscriber is one WebSocket connection.
type subscriber struct {
	conn *websocket.Conn
	send chan *domain.Event

	closeOnce sync.Once
	done      chan struct{}
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// NewHub creates a hub. history may be nil, in which case ?from= is ignored.
func NewHub(config HubConfig, history History, logger *zap.Logger) *Hub {
	def := DefaultHubConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	if config.PingInterval <= 0 {
		config.PingInterval = def.PingInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.ReplayBatch <= 0 {
		config.ReplayBatch = def.ReplayBatch
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		config:  config,
		history: history,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(config.AllowedOrigins),
		},
		clients: make(map[*subscriber]struct{}),
	}
}

// Name implements events.Sink.
func (h *Hub) Name() string { return "stream" }

// Publish queues events for every subscriber. A subscriber whose buffer is
// full is disconnected rather than blocking the ledger.
func (h *Hub) Publish(_ context.Context, events []*domain.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.clients {
		for _, e := range events {
			select {
			case sub.send <- e:
			default:
				h.logger.Warn("stream subscriber too slow, disconnecting",
					zap.Int("buffer", cap(sub.send)),
					zap.Int64("seq", e.Seq))
				h.removeLocked(sub)
			}
			if _, ok := h.clients[sub]; !ok {
				break
			}
		}
	}
	return nil
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams events until the peer disconnects.
// With ?from=N, committed events after Seq N are replayed first.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var from int64 = -1
	if v := r.URL.Query().Get("from"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "invalid from", http.StatusBadRequest)
			return
		}
		from = n
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	sub := &subscriber{
		conn: conn,
		send: make(chan *domain.Event, h.config.BufferSize),
		done: make(chan struct{}),
	}

	// Register before replay so no event committed meanwhile is missed
	if !h.add(sub) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}

	go h.writeLoop(r.Context(), sub, from)

	h.readLoop(sub)
	h.remove(sub)
}

// Close disconnects all subscribers and waits for their writers to exit.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	for sub := range h.clients {
		h.removeLocked(sub)
	}
	h.mu.Unlock()

	h.wg.Wait()
	return nil
}

func (h *Hub) add(sub *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[sub] = struct{}{}
	// Counted under the lock so Close cannot finish waiting before the writer starts.
	h.wg.Add(1)
	observability.SetStreamClients(len(h.clients))
	return true
}

// originChecker returns nil for an empty list, which keeps gorilla's same-origin check.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *subscriber) {
	if _, ok := h.clients[sub]; !ok {
		return
	}
	delete(h.clients, sub)
	sub.close()
	observability.SetStreamClients(len(h.clients))
}

// readLoop discards client frames; it returns when the connection fails,
// which is how a peer close is noticed.
func (h *Hub) readLoop(sub *subscriber) {
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop replays history, then forwards live events and pings.
func (h *Hub) writeLoop(ctx context.Context, sub *subscriber, from int64) {
	defer h.wg.Done()
	defer sub.conn.Close()

	lastSent := int64(-1)
	if from >= 0 && h.history != nil {
		var ok bool
		lastSent, ok = h.replay(ctx, sub, from)
		if !ok {
			h.remove(sub)
			return
		}
	}

	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sub.done:
			sub.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			sub.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case e := <-sub.send:
			if e.Seq <= lastSent {
				continue
			}
			if !h.write(sub, e) {
				h.remove(sub)
				return
			}
			lastSent = e.Seq
		case <-ticker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(sub)
				return
			}
		}
	}
}

// replay sends committed events after from. Returns the last Seq sent.
func (h *Hub) replay(ctx context.Context, sub *subscriber, from int64) (int64, bool) {
	last := from
	for {
		batch, err := h.history.ListEvents(ctx, last, h.config.ReplayBatch)
		if err != nil {
			h.logger.Warn("stream replay failed", zap.Int64("after_seq", last), zap.Error(err))
			return last, false
		}
		for _, e := range batch {
			if !h.write(sub, e) {
				return last, false
			}
			last = e.Seq
		}
		if len(batch) < h.config.ReplayBatch {
			return last, true
		}
	}
}

func (h *Hub) write(sub *subscriber, e *domain.Event) bool {
	sub.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
	if err := sub.conn.WriteJSON(e); err != nil {
		h.logger.Debug("stream write failed", zap.Int64("seq", e.Seq), zap.Error(err))
		return false
	}
	return true
}
