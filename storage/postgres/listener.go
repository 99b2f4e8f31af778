package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/c0deZ3R0/go-conflict-kit/errors"
	"github.com/c0deZ3R0/go-conflict-kit/logging"
	"github.com/c0deZ3R0/go-conflict-kit/notify"
	"github.com/c0deZ3R0/go-conflict-kit/resolve"
)

// DefaultChannel is the LISTEN/NOTIFY channel used for conflict events.
const DefaultChannel = "conflict_events"

// Notifier publishes events with pg_notify. All sessions share one channel
// and listeners filter by the envelope's session id.
type Notifier struct {
	db      *sqlx.DB
	channel string
	now     func() time.Time
}

var _ resolve.Notifier = (*Notifier)(nil)

func NewNotifier(db *sqlx.DB, channel string) *Notifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Notifier{db: db, channel: channel, now: time.Now}
}

func (n *Notifier) NotifySession(ctx context.Context, sessionID, event string, payload any) error {
	env, err := notify.NewEnvelope(sessionID, event, payload, n.now())
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return errors.E(errors.OpNotify, errors.Component("postgres-notifier"), errors.KindInvalid, err)
	}
	query := n.db.Rebind(`SELECT pg_notify(?, ?)`)
	if _, err := n.db.ExecContext(ctx, query, n.channel, string(data)); err != nil {
		e := errors.NewBroadcastError(errors.OpNotify, fmt.Errorf("pg_notify %s: %w", n.channel, err))
		e.Component = "postgres-notifier"
		return e
	}
	return nil
}

// EnvelopeHandler receives envelopes for one session.
type EnvelopeHandler func(env notify.Envelope)

// AllSessions subscribes a handler to every session.
const AllSessions = "*"

// Listener receives conflict events over LISTEN/NOTIFY and dispatches them to
// per-session handlers.
type Listener struct {
	channel  string
	logger   *logging.Logger
	listener *pq.Listener
	closed   int32 // atomic

	mu       sync.RWMutex
	handlers map[string]map[uint64]EnvelopeHandler
	nextID   uint64

	done chan struct{}
}

// ListenerConfig tunes reconnection. Zero values take pq's usual settings.
type ListenerConfig struct {
	ConnectionString     string
	Channel              string
	MinReconnectInterval time.Duration // Default: 5s
	MaxReconnectInterval time.Duration // Default: 1m
	PingInterval         time.Duration // Default: 90s
	Logger               *logging.Logger
}

// NewListener connects a pq.Listener and subscribes to the channel.
func NewListener(cfg ListenerConfig) (*Listener, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("connection string cannot be empty")
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.MinReconnectInterval == 0 {
		cfg.MinReconnectInterval = 5 * time.Second
	}
	if cfg.MaxReconnectInterval == 0 {
		cfg.MaxReconnectInterval = time.Minute
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 90 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}

	l := &Listener{
		channel:  cfg.Channel,
		logger:   cfg.Logger.WithComponent(logging.Component("postgres-listener")),
		handlers: make(map[string]map[uint64]EnvelopeHandler),
		done:     make(chan struct{}),
	}
	l.listener = pq.NewListener(cfg.ConnectionString, cfg.MinReconnectInterval, cfg.MaxReconnectInterval, l.eventCallback)
	if err := l.listener.Listen(cfg.Channel); err != nil {
		l.listener.Close()
		return nil, fmt.Errorf("failed to listen to channel %s: %w", cfg.Channel, err)
	}
	go l.listenLoop(cfg.PingInterval)
	return l, nil
}

// eventCallback handles pq.Listener events. pq re-issues LISTEN for every
// channel after a reconnect.
func (l *Listener) eventCallback(event pq.ListenerEventType, err error) {
	switch event {
	case pq.ListenerEventConnected:
		l.logger.Info("Connected to PostgreSQL for LISTEN/NOTIFY", slog.String("channel", l.channel))
	case pq.ListenerEventDisconnected:
		l.logger.Warn("Disconnected from PostgreSQL", slog.Any("error", err))
	case pq.ListenerEventReconnected:
		l.logger.Info("Reconnected to PostgreSQL")
	case pq.ListenerEventConnectionAttemptFailed:
		l.logger.Warn("Connection attempt failed", slog.Any("error", err))
	}
}

func (l *Listener) listenLoop(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case n, ok := <-l.listener.Notify:
			if !ok {
				return
			}
			// nil after a reconnect; notifications may have been lost
			if n != nil {
				l.dispatch(n.Extra)
			}
		case <-ticker.C:
			go func() {
				if err := l.listener.Ping(); err != nil {
					l.logger.Warn("Ping failed", slog.Any("error", err))
				}
			}()
		}
	}
}

func (l *Listener) dispatch(extra string) {
	var env notify.Envelope
	if err := json.Unmarshal([]byte(extra), &env); err != nil {
		l.logger.Warn("Dropping malformed notification", slog.Any("error", err))
		return
	}
	l.mu.RLock()
	var handlers []EnvelopeHandler
	for _, h := range l.handlers[env.SessionID] {
		handlers = append(handlers, h)
	}
	for _, h := range l.handlers[AllSessions] {
		handlers = append(handlers, h)
	}
	l.mu.RUnlock()

	for _, h := range handlers {
		h(env)
	}
}

// Subscribe registers h for a session. The returned func removes it.
func (l *Listener) Subscribe(sessionID string, h EnvelopeHandler) (func(), error) {
	if atomic.LoadInt32(&l.closed) == 1 {
		return nil, fmt.Errorf("listener is closed")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	if l.handlers[sessionID] == nil {
		l.handlers[sessionID] = make(map[uint64]EnvelopeHandler)
	}
	l.handlers[sessionID][id] = h

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.handlers[sessionID], id)
		if len(l.handlers[sessionID]) == 0 {
			delete(l.handlers, sessionID)
		}
	}, nil
}

// Sessions returns the sessions with at least one handler.
func (l *Listener) Sessions() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.handlers))
	for s := range l.handlers {
		out = append(out, s)
	}
	return out
}

// Close shuts down the notification listener
func (l *Listener) Close() error {
	if !atomic.CompareAndSwapInt32(&l.closed, 0, 1) {
		return nil
	}
	close(l.done)
	return l.listener.Close()
}
