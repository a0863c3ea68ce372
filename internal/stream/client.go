package stream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"advisor-ledger/internal/domain"
)

// ClientConfig configures a stream follower.
type ClientConfig struct {
	// ReconnectDelay is initial delay before reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay is maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration
	// ReadTimeout bounds the silence between frames, pings included.
	ReadTimeout time.Duration
	// HandshakeTimeout bounds the WebSocket upgrade.
	HandshakeTimeout time.Duration
}

// DefaultClientConfig returns default follower configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		ReadTimeout:       90 * time.Second,
		HandshakeTimeout:  10 * time.Second,
	}
}

// Client follows a hub endpoint. After a disconnect it reconnects with
// exponential backoff and resumes after the last event it delivered.
type Client struct {
	endpoint string
	config   ClientConfig
	logger   *zap.Logger
}

// NewClient creates a follower for a ws:// or wss:// stream URL.
func NewClient(endpoint string, config *ClientConfig, logger *zap.Logger) *Client {
	cfg := DefaultClientConfig()
	if config != nil {
		cfg = *config
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{endpoint: endpoint, config: cfg, logger: logger}
}

// handlerError carries an error returned by the caller's handler.
type handlerError struct{ err error }

func (e handlerError) Error() string { return e.err.Error() }

// Follow delivers events to handle in Seq order until ctx is done or handle
// returns an error, which Follow then returns. from is the Seq to resume after;
// a negative from receives only events published after connecting.
func (c *Client) Follow(ctx context.Context, from int64, handle func(*domain.Event) error) error {
	last := from
	delay := c.config.ReconnectDelay

	for {
		n, err := c.session(ctx, &last, handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var he handlerError
		if errors.As(err, &he) {
			return he.err
		}

		// Reset backoff after a session that delivered something
		if n > 0 {
			delay = c.config.ReconnectDelay
		}
		c.logger.Warn("stream disconnected, reconnecting",
			zap.Int64("last_seq", last),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > c.config.MaxReconnectDelay {
			delay = c.config.MaxReconnectDelay
		}
	}
}

// session runs one connection. Returns the number of events delivered.
func (c *Client) session(ctx context.Context, last *int64, handle func(*domain.Event) error) (int, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return 0, fmt.Errorf("parse endpoint: %w", err)
	}
	if *last >= 0 {
		q := u.Query()
		q.Set("from", strconv.FormatInt(*last, 10))
		u.RawQuery = q.Encode()
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.config.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return 0, fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close()

	// Unblock the read below when ctx is cancelled
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	c.logger.Debug("stream connected", zap.String("url", u.String()))

	delivered := 0
	for {
		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		var e domain.Event
		if err := conn.ReadJSON(&e); err != nil {
			return delivered, fmt.Errorf("read event: %w", err)
		}
		if e.Seq <= *last {
			continue
		}
		if err := handle(&e); err != nil {
			return delivered, handlerError{err}
		}
		*last = e.Seq
		delivered++
	}
}
