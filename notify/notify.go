// Package notify carries conflict events to session participants. The
// subpackages are transports; this package holds the envelope shared by all of
// them and decorators over any resolve.Notifier.
package notify

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/c0deZ3R0/go-conflict-kit/errors"
	"github.com/c0deZ3R0/go-conflict-kit/logging"
	"github.com/c0deZ3R0/go-conflict-kit/resolve"
)

// Envelope is the wire form of one event.
type Envelope struct {
	Event     string          `json:"event"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
	SentAt    time.Time       `json:"sent_at"`
}

// NewEnvelope encodes payload. A payload that is already a json.RawMessage is
// used as is.
func NewEnvelope(sessionID, event string, payload any, now time.Time) (Envelope, error) {
	env := Envelope{Event: event, SessionID: sessionID, SentAt: now.UTC()}
	switch p := payload.(type) {
	case json.RawMessage:
		env.Payload = p
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, errors.E(errors.OpNotify, errors.KindInvalid, errors.ErrCodeBroadcastFailure,
				fmt.Errorf("encode %s payload: %w", event, err))
		}
		env.Payload = data
	}
	return env, nil
}

// Fanout delivers to every notifier and joins their errors.
type Fanout []resolve.Notifier

func (f Fanout) NotifySession(ctx context.Context, sessionID, event string, payload any) error {
	var errs []error
	for _, n := range f {
		if err := n.NotifySession(ctx, sessionID, event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// BreakerConfig tunes the circuit breaker. Zero fields take the defaults
// noted beside them.
type BreakerConfig struct {
	Name         string
	MaxRequests  uint32        // half-open probes, default 5
	Interval     time.Duration // closed-state count reset, default 30s
	Timeout      time.Duration // open-state duration, default 60s
	MinRequests  uint32        // default 5
	FailureRatio float64       // default 0.5
}

func (c *BreakerConfig) setDefaults() {
	if c.Name == "" {
		c.Name = "notifier"
	}
	if c.MaxRequests == 0 {
		c.MaxRequests = 5
	}
	if c.Interval == 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MinRequests == 0 {
		c.MinRequests = 5
	}
	if c.FailureRatio == 0 {
		c.FailureRatio = 0.5
	}
}

// Breaker stops calling a failing notifier until its timeout passes. While
// open it fails fast with a retryable broadcast error.
type Breaker struct {
	next resolve.Notifier
	cb   *gobreaker.CircuitBreaker
}

func NewBreaker(next resolve.Notifier, cfg BreakerConfig, logger *logging.Logger) *Breaker {
	cfg.setDefaults()
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent(logging.Component("notify-breaker"))

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	}
	return &Breaker{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *Breaker) NotifySession(ctx context.Context, sessionID, event string, payload any) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.next.NotifySession(ctx, sessionID, event, payload)
	})
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		e := errors.NewBroadcastError(errors.OpNotify, err)
		e.Component = "notify-breaker"
		return e
	}
	return err
}

// State reports the breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
