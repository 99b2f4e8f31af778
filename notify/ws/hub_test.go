package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-conflict-kit/errors"
	"github.com/c0deZ3R0/go-conflict-kit/logging"
	"github.com/c0deZ3R0/go-conflict-kit/notify"
)

func newServer(t *testing.T) (*Hub, string) {
	t.Helper()
	return newServerWith(t, Config{Logger: logging.Discard()})
}

func newServerWith(t *testing.T, cfg Config) (*Hub, string) {
	t.Helper()
	hub := NewHub(cfg)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve(w, r, r.URL.Query().Get("session_id"))
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, ctx context.Context, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func TestHub_Broadcast(t *testing.T) {
	hub, url := newServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := dial(t, ctx, url+"?session_id=s1")
	b := dial(t, ctx, url+"?session_id=s1")
	require.Eventually(t, func() bool { return hub.Connections("s1") == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.NotifySession(ctx, "s1", "conflict_resolved", map[string]string{"conflict_id": "c1"}))

	for _, conn := range []*websocket.Conn{a, b} {
		var env notify.Envelope
		require.NoError(t, wsjson.Read(ctx, conn, &env))
		assert.Equal(t, "conflict_resolved", env.Event)
		assert.Equal(t, "s1", env.SessionID)
		assert.JSONEq(t, `{"conflict_id":"c1"}`, string(env.Payload))
	}
}

func TestHub_NoConnections(t *testing.T) {
	hub, _ := newServer(t)
	assert.NoError(t, hub.NotifySession(context.Background(), "nobody", "e", nil))
}

func TestHub_PeerCloseRemovesConnection(t *testing.T) {
	hub, url := newServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, url+"?session_id=s1")
	require.Eventually(t, func() bool { return hub.Connections("s1") == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	assert.Eventually(t, func() bool { return hub.Connections("s1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_Close(t *testing.T) {
	hub, url := newServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, url+"?session_id=s1")
	require.Eventually(t, func() bool { return hub.Connections("s1") == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Close())
	_, _, err := conn.Read(ctx)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))

	err = hub.NotifySession(ctx, "s1", "e", nil)
	assert.True(t, errors.Is(err, errors.KindUnavailable))
}

func TestHub_SlowPeerDoesNotBlock(t *testing.T) {
	hub, url := newServerWith(t, Config{
		WriteTimeout: time.Minute,
		QueueSize:    4,
		Logger:       logging.Discard(),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Never read from this connection.
	dial(t, ctx, url+"?session_id=s1")
	require.Eventually(t, func() bool { return hub.Connections("s1") == 1 }, 2*time.Second, 10*time.Millisecond)

	payload := strings.Repeat("x", 64<<10)
	start := time.Now()
	for i := 0; i < 500; i++ {
		require.NoError(t, hub.NotifySession(ctx, "s1", "conflict_resolved", payload))
	}
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Positive(t, hub.Dropped())
}
