// Package sse streams conflict events to session participants as
// server-sent events.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c0deZ3R0/go-conflict-kit/errors"
	"github.com/c0deZ3R0/go-conflict-kit/logging"
	"github.com/c0deZ3R0/go-conflict-kit/notify"
	"github.com/c0deZ3R0/go-conflict-kit/resolve"
)

const component = "notify/sse"

// Hub fans events out to per-session subscribers. Delivery never blocks the
// publisher: a subscriber whose buffer is full misses the event.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	closed bool

	buffer    int
	keepAlive time.Duration
	logger    *logging.Logger
	now       func() time.Time
	dropped   atomic.Uint64
}

type subscriber struct {
	ch chan notify.Envelope
}

var _ resolve.Notifier = (*Hub)(nil)

// Option configures a Hub.
type Option interface {
	apply(*Hub)
}

type optionFn func(*Hub)

func (f optionFn) apply(h *Hub) { f(h) }

// WithBuffer sets the per-subscriber channel size. Default 32.
func WithBuffer(n int) Option {
	return optionFn(func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	})
}

// WithKeepAlive sets the comment-frame interval. Default 15s.
func WithKeepAlive(d time.Duration) Option {
	return optionFn(func(h *Hub) {
		if d > 0 {
			h.keepAlive = d
		}
	})
}

func WithLogger(l *logging.Logger) Option {
	return optionFn(func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	})
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		subs:      make(map[string]map[*subscriber]struct{}),
		buffer:    32,
		keepAlive: 15 * time.Second,
		logger:    logging.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o.apply(h)
	}
	h.logger = h.logger.WithComponent(logging.Component("sse-hub"))
	return h
}

// Subscribe registers for a session's events. Call the returned func to
// unsubscribe; it closes the channel.
func (h *Hub) Subscribe(sessionID string) (<-chan notify.Envelope, func()) {
	s := &subscriber{ch: make(chan notify.Envelope, h.buffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[*subscriber]struct{})
	}
	h.subs[sessionID][s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[sessionID][s]; !ok {
				return
			}
			delete(h.subs[sessionID], s)
			if len(h.subs[sessionID]) == 0 {
				delete(h.subs, sessionID)
			}
			close(s.ch)
		})
	}
}

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
	for s := range h.subs[sessionID] {
		select {
		case s.ch <- env:
		default:
			h.dropped.Add(1)
			h.logger.WarnContext(ctx, "Subscriber buffer full, event dropped",
				slog.String("session_id", sessionID),
				slog.String("event", event),
			)
		}
	}
	return nil
}

// Subscribers returns the number of subscribers of a session.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

// Dropped returns how many deliveries were skipped on full buffers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close disconnects every subscriber.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for session, set := range h.subs {
		for s := range set {
			close(s.ch)
		}
		delete(h.subs, session)
	}
	return nil
}

// Serve streams a session's events until the client goes away or the hub
// closes. Each event is written as an "event:" line and a JSON "data:" line.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sessionID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	events, unsubscribe := h.Subscribe(sessionID)
	defer unsubscribe()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case env, ok := <-events:
			if !ok {
				return
			}
			b, err := json.Marshal(env)
			if err != nil {
				h.logger.LogError(ctx, err, "failed to encode envelope", slog.String("session_id", sessionID))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Event, b)
			flusher.Flush()
		}
	}
}

// Handler serves the session named by the session_id query parameter.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session := r.URL.Query().Get("session_id")
		if session == "" {
			http.Error(w, "session_id is required", http.StatusBadRequest)
			return
		}
		h.Serve(w, r, session)
	})
}
