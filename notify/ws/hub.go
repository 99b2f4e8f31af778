// Package ws pushes conflict events to session participants over WebSocket.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/c0deZ3R0/go-conflict-kit/errors"
	"github.com/c0deZ3R0/go-conflict-kit/logging"
	"github.com/c0deZ3R0/go-conflict-kit/notify"
	"github.com/c0deZ3R0/go-conflict-kit/resolve"
)

const component = "notify/ws"

// Config configures a Hub.
type Config struct {
	// WriteTimeout bounds each write. Default 5s.
	WriteTimeout time.Duration
	// QueueSize is the per-connection event buffer. Default 32.
	QueueSize int
	// OriginPatterns are passed to websocket.Accept. Empty means same origin.
	OriginPatterns []string
	Logger         *logging.Logger
}

// Hub keeps the open connections of every session. Each connection has its
// own queue and writer, so a slow peer never delays NotifySession: when its
// queue is full the event is dropped for that peer. Connections that fail a
// write are closed and forgotten.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]map[*client]struct{}
	closed bool

	writeTimeout time.Duration
	queueSize    int
	origins      []string
	logger       *logging.Logger
	now          func() time.Time
	dropped      atomic.Uint64
}

type client struct {
	conn *websocket.Conn
	send chan notify.Envelope
}

var _ resolve.Notifier = (*Hub)(nil)

func NewHub(cfg Config) *Hub {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Hub{
		conns:        make(map[string]map[*client]struct{}),
		writeTimeout: cfg.WriteTimeout,
		queueSize:    cfg.QueueSize,
		origins:      cfg.OriginPatterns,
		logger:       cfg.Logger.WithComponent(logging.Component("ws-hub")),
		now:          time.Now,
	}
}

// Serve upgrades the request and writes the session's events to it until the
// peer goes away or the hub closes. Incoming messages are discarded.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.LogWarn(r.Context(), err, "websocket accept failed", slog.String("session_id", sessionID))
		return
	}
	c := &client{conn: conn, send: make(chan notify.Envelope, h.queueSize)}
	if !h.add(sessionID, c) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.remove(sessionID, c)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case env, ok := <-c.send:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			wctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			err := wsjson.Write(wctx, conn, env)
			cancel()
			if err != nil {
				h.logger.LogWarn(ctx, err, "dropping websocket connection", slog.String("session_id", sessionID))
				conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (h *Hub) add(sessionID string, c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if h.conns[sessionID] == nil {
		h.conns[sessionID] = make(map[*client]struct{})
	}
	h.conns[sessionID][c] = struct{}{}
	return true
}

func (h *Hub) remove(sessionID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns[sessionID], c)
	if len(h.conns[sessionID]) == 0 {
		delete(h.conns, sessionID)
	}
}

// NotifySession queues the envelope on every connection of the session
// without waiting for the writes.
func (h *Hub) NotifySession(ctx context.Context, sessionID, event string, payload any) error {
	env, err := notify.NewEnvelope(sessionID, event, payload, h.now())
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return errors.E(errors.OpNotify, errors.Component(component), errors.KindUnavailable, "hub closed")
	}
	for c := range h.conns[sessionID] {
		select {
		case c.send <- env:
		default:
			h.dropped.Add(1)
			h.logger.WarnContext(ctx, "Websocket queue full, event dropped",
				slog.String("session_id", sessionID),
				slog.String("event", event),
			)
		}
	}
	return nil
}

// Connections returns the number of open connections of a session.
func (h *Hub) Connections(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[sessionID])
}

// Dropped returns how many deliveries were skipped on full queues.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close ends every connection with StatusGoingAway.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for _, set := range h.conns {
		for c := range set {
			close(c.send)
		}
	}
	return nil
}
