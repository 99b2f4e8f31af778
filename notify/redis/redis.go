// Package redis broadcasts conflict events over Redis pub/sub, one channel
// per session.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/c0deZ3R0/go-conflict-kit/errors"
	"github.com/c0deZ3R0/go-conflict-kit/logging"
	"github.com/c0deZ3R0/go-conflict-kit/notify"
	"github.com/c0deZ3R0/go-conflict-kit/resolve"
)

const component = "notify/redis"

// DefaultPrefix is prepended to the session id to form the channel name.
const DefaultPrefix = "conflicts:session:"

// Config configures the Redis client.
type Config struct {
	Address  string
	Password string
	Database int
	Prefix   string
	Logger   *logging.Logger
}

// Publisher implements resolve.Notifier with PUBLISH.
type Publisher struct {
	client *redis.Client
	owned  bool
	prefix string
	logger *logging.Logger
	now    func() time.Time
}

var _ resolve.Notifier = (*Publisher)(nil)

// New connects to Redis and checks the connection with PING.
func New(ctx context.Context, cfg Config) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.Database,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.E(errors.Op("redis.New"), errors.Component(component), errors.KindUnavailable,
			fmt.Errorf("failed to connect to redis at %s: %w", cfg.Address, err))
	}
	p := NewWithClient(client, cfg.Prefix, cfg.Logger)
	p.owned = true
	return p, nil
}

// NewWithClient uses an existing client. Close leaves it open.
func NewWithClient(client *redis.Client, prefix string, logger *logging.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{
		client: client,
		prefix: prefix,
		logger: logger.WithComponent(logging.Component("redis-notifier")),
		now:    time.Now,
	}
}

// Channel returns the pub/sub channel of a session.
func (p *Publisher) Channel(sessionID string) string {
	return p.prefix + sessionID
}

func (p *Publisher) NotifySession(ctx context.Context, sessionID, event string, payload any) error {
	env, err := notify.NewEnvelope(sessionID, event, payload, p.now())
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return errors.E(errors.OpNotify, errors.Component(component), errors.KindInvalid, err)
	}
	receivers, err := p.client.Publish(ctx, p.Channel(sessionID), data).Result()
	if err != nil {
		e := errors.NewBroadcastError(errors.OpNotify, err)
		e.Component = component
		return e
	}
	p.logger.DebugContext(ctx, "Event published",
		slog.String("session_id", sessionID),
		slog.String("event", event),
		slog.Int64("receivers", receivers),
	)
	return nil
}

// Subscription delivers a session's envelopes until closed.
type Subscription struct {
	C <-chan notify.Envelope

	ps     *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Subscribe listens on a session channel. The subscription is confirmed
// before Subscribe returns so no later publish is missed.
func (p *Publisher) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	ps := p.client.Subscribe(ctx, p.Channel(sessionID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, errors.E(errors.Op("redis.Subscribe"), errors.Component(component), errors.KindUnavailable, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan notify.Envelope, 16)
	sub := &Subscription{C: out, ps: ps, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var env notify.Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					p.logger.Warn("Dropping malformed envelope",
						slog.String("channel", msg.Channel),
						slog.Any("error", err),
					)
					continue
				}
				select {
				case out <- env:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return sub, nil
}

// Close unsubscribes and waits for the delivery goroutine to stop.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.ps.Close()
		<-s.done
	})
	return err
}

// Close closes the client when New created it.
func (p *Publisher) Close() error {
	if p.owned {
		return p.client.Close()
	}
	return nil
}
