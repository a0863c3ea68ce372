package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"advisor-ledger/internal/domain"
)

type fakeHistory struct {
	events []*domain.Event
}

func (f *fakeHistory) ListEvents(_ context.Context, afterSeq int64, limit int) ([]*domain.Event, error) {
	var out []*domain.Event
	for _, e := range f.events {
		if e.Seq <= afterSeq {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

func event(seq int64) *domain.Event {
	advisor := common.HexToAddress("0xa1")
	return &domain.Event{ID: uuid.New(), Seq: seq, Kind: domain.EventAdvisorOnboarded, Timestamp: seq * 1000, Advisor: &advisor}
}

func startHub(t *testing.T, cfg HubConfig, history History) (*Hub, string) {
	t.Helper()

	hub := NewHub(cfg, history, nil)
	server := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})

	return hub, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) *domain.Event {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var e domain.Event
	require.NoError(t, conn.ReadJSON(&e))
	return &e
}

func TestHub_BroadcastsToAllSubscribers(t *testing.T) {
	hub, url := startHub(t, HubConfig{}, nil)

	a := dial(t, url)
	b := dial(t, url)
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Publish(context.Background(), []*domain.Event{event(1), event(2)}))

	for _, conn := range []*websocket.Conn{a, b} {
		assert.Equal(t, int64(1), readEvent(t, conn).Seq)
		assert.Equal(t, int64(2), readEvent(t, conn).Seq)
	}
}

func TestHub_ReplayThenLive(t *testing.T) {
	history := &fakeHistory{events: []*domain.Event{event(1), event(2), event(3)}}
	hub, url := startHub(t, HubConfig{ReplayBatch: 2}, history)

	conn := dial(t, url+"?from=1")
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(2), readEvent(t, conn).Seq)
	assert.Equal(t, int64(3), readEvent(t, conn).Seq)

	// Seq 3 was already replayed and must not be sent twice
	require.NoError(t, hub.Publish(context.Background(), []*domain.Event{event(3), event(4)}))
	assert.Equal(t, int64(4), readEvent(t, conn).Seq)
}

func TestHub_InvalidFrom(t *testing.T) {
	hub := NewHub(HubConfig{}, nil, nil)
	defer hub.Close()

	req := httptest.NewRequest(http.MethodGet, "/v1/events/stream?from=-3", nil)
	rec := httptest.NewRecorder()
	hub.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHub_DropsSlowSubscriber(t *testing.T) {
	hub := NewHub(HubConfig{BufferSize: 1}, nil, nil)
	defer hub.Close()

	// No writer drains this subscriber
	sub := &subscriber{send: make(chan *domain.Event, 1), done: make(chan struct{})}
	require.True(t, hub.add(sub))
	defer hub.wg.Done() // stands in for the writer

	require.NoError(t, hub.Publish(context.Background(), []*domain.Event{event(1), event(2), event(3)}))

	assert.Equal(t, 0, hub.Clients())
	select {
	case <-sub.done:
	default:
		t.Fatal("slow subscriber was not closed")
	}
	assert.Equal(t, int64(1), (<-sub.send).Seq)
}

func TestHub_CloseDisconnectsSubscribers(t *testing.T) {
	hub, url := startHub(t, HubConfig{}, nil)

	conn := dial(t, url)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Close())
	assert.Equal(t, 0, hub.Clients())

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	// New connections are refused once closed
	late, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer late.Close()
	late.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = late.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestHub_CloseWaitsForRegisteredWriter(t *testing.T) {
	hub := NewHub(HubConfig{}, nil, nil)
	sub := &subscriber{send: make(chan *domain.Event, 1), done: make(chan struct{})}
	require.True(t, hub.add(sub))

	closed := make(chan struct{})
	go func() {
		hub.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a registered writer was still running")
	case <-time.After(50 * time.Millisecond):
	}

	hub.wg.Done()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the writer exited")
	}
	assert.False(t, hub.add(&subscriber{send: make(chan *domain.Event, 1), done: make(chan struct{})}))
}

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{name: "same origin by default", origin: "http://ledger.local", host: "ledger.local", want: true},
		{name: "cross origin refused by default", origin: "http://evil.example", host: "ledger.local", want: false},
		{name: "no origin header", allowed: []string{"https://app.example"}, want: true},
		{name: "listed origin", allowed: []string{"https://app.example/"}, origin: "https://APP.example", want: true},
		{name: "unlisted origin", allowed: []string{"https://app.example"}, origin: "https://evil.example", want: false},
		{name: "wildcard", allowed: []string{"*"}, origin: "https://anything.example", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := NewHub(HubConfig{AllowedOrigins: tt.allowed}, nil, nil)
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.host != "" {
				r.Host = tt.host
			}
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}

			check := hub.upgrader.CheckOrigin
			if check == nil {
				// gorilla applies its same-origin rule when CheckOrigin is nil
				check = sameOrigin
			}
			assert.Equal(t, tt.want, check(r))
		})
	}
}

// sameOrigin mirrors gorilla's default check for the test table.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
