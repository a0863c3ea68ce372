package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"advisor-ledger/internal/domain"
)

var errDone = errors.New("done")

func fastClientConfig() *ClientConfig {
	return &ClientConfig{
		ReconnectDelay:    10 * time.Millisecond,
		MaxReconnectDelay: 50 * time.Millisecond,
		ReadTimeout:       5 * time.Second,
		HandshakeTimeout:  time.Second,
	}
}

func TestClient_ReplayThenLive(t *testing.T) {
	hub, url := startHub(t, HubConfig{}, &fakeHistory{events: []*domain.Event{event(1), event(2)}})

	var got []int64
	client := NewClient(url, fastClientConfig(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.Follow(ctx, 0, func(e *domain.Event) error {
		got = append(got, e.Seq)
		if e.Seq == 2 {
			// Replay finished; the subscriber is registered, so this arrives live
			require.NoError(t, hub.Publish(ctx, []*domain.Event{event(3)}))
		}
		if e.Seq == 3 {
			return errDone
		}
		return nil
	})

	assert.ErrorIs(t, err, errDone)
	assert.Equal(t, []int64{1, 2, 3}, got)
}

func TestClient_ResumesAfterDisconnect(t *testing.T) {
	var (
		conns    atomic.Int32
		resumeAt atomic.Value
	)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		if n == 2 {
			resumeAt.Store(r.URL.Query().Get("from"))
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		switch n {
		case 1:
			conn.WriteJSON(event(1))
			conn.WriteJSON(event(2))
			// Drop the connection without a close frame
		default:
			conn.WriteJSON(event(2)) // duplicate is skipped
			conn.WriteJSON(event(3))
			conn.ReadMessage()
		}
	}))
	defer server.Close()

	client := NewClient("ws"+strings.TrimPrefix(server.URL, "http"), fastClientConfig(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []int64
	err := client.Follow(ctx, -1, func(e *domain.Event) error {
		got = append(got, e.Seq)
		if e.Seq == 3 {
			return errDone
		}
		return nil
	})

	assert.ErrorIs(t, err, errDone)
	assert.Equal(t, []int64{1, 2, 3}, got)
	assert.Equal(t, "2", resumeAt.Load())
}

func TestClient_StopsOnCancel(t *testing.T) {
	_, url := startHub(t, HubConfig{}, nil)
	client := NewClient(url, fastClientConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- client.Follow(ctx, -1, func(*domain.Event) error { return nil })
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Follow did not return after cancel")
	}
}

func TestClient_RetriesUnreachableEndpoint(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1/v1/events/stream", fastClientConfig(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := client.Follow(ctx, -1, func(*domain.Event) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
