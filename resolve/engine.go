// Package resolve reconciles two concurrent edits of the same field into a
// Resolution: a value, a confidence, the method used and, below the
// confidence threshold, a prompt for a human to decide.
//
// The engine is stateless. Store, Notifier and the other collaborators are
// optional and must be safe for concurrent use; their failures are logged
// and never change a Resolution.
package resolve

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/c0deZ3R0/go-conflict-kit/errors"
	"github.com/c0deZ3R0/go-conflict-kit/logging"
)

// DefaultThreshold is the confidence from which auto resolutions are
// accepted without review.
const DefaultThreshold = 0.8

const (
	defaultStoreRetries  = 3
	defaultRetryInterval = 50 * time.Millisecond
)

// Engine dispatches conflicts to type resolvers.
type Engine struct {
	threshold     float64
	store         Store
	notifier      Notifier
	transformer   TransformEngine
	selector      StrategySelector
	metrics       MetricsCollector
	hooks         Hooks
	logger        *logging.Logger
	clock         func() time.Time
	newID         func() string
	storeRetries  uint64
	retryInterval time.Duration
}

// Option configures an Engine.
type Option interface{ apply(*Engine) }

type optionFn func(*Engine)

func (f optionFn) apply(e *Engine) { f(e) }

// WithThreshold sets the auto-resolution confidence threshold.
func WithThreshold(t float64) Option { return optionFn(func(e *Engine) { e.threshold = t }) }

// WithStore attaches conflict persistence.
func WithStore(s Store) Option { return optionFn(func(e *Engine) { e.store = s }) }

// WithNotifier attaches session broadcast.
func WithNotifier(n Notifier) Option { return optionFn(func(e *Engine) { e.notifier = n }) }

// WithTransformEngine enables the operational transform path for text.
func WithTransformEngine(t TransformEngine) Option {
	return optionFn(func(e *Engine) { e.transformer = t })
}

// WithStrategySelector picks strategies for requests that carry none.
func WithStrategySelector(s StrategySelector) Option {
	return optionFn(func(e *Engine) { e.selector = s })
}

func WithMetrics(m MetricsCollector) Option { return optionFn(func(e *Engine) { e.metrics = m }) }

func WithHooks(h Hooks) Option { return optionFn(func(e *Engine) { e.hooks = h }) }

func WithLogger(l *logging.Logger) Option { return optionFn(func(e *Engine) { e.logger = l }) }

// WithClock replaces time.Now for resolution timestamps.
func WithClock(now func() time.Time) Option { return optionFn(func(e *Engine) { e.clock = now }) }

// WithIDGenerator replaces uuid.NewString for conflict record ids.
func WithIDGenerator(gen func() string) Option { return optionFn(func(e *Engine) { e.newID = gen }) }

// WithStoreRetry bounds the exponential backoff around store writes.
func WithStoreRetry(maxRetries uint64, initial time.Duration) Option {
	return optionFn(func(e *Engine) {
		e.storeRetries = maxRetries
		e.retryInterval = initial
	})
}

// New builds an Engine.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		threshold:     DefaultThreshold,
		metrics:       NoOpMetricsCollector{},
		clock:         time.Now,
		newID:         uuid.NewString,
		storeRetries:  defaultStoreRetries,
		retryInterval: defaultRetryInterval,
	}
	for _, opt := range opts {
		opt.apply(e)
	}
	if e.threshold < 0 || e.threshold > 1 {
		return nil, errors.NewValidationError(errors.OpResolve, fmt.Errorf("threshold %v outside [0,1]", e.threshold))
	}
	if e.retryInterval <= 0 {
		return nil, errors.NewValidationError(errors.OpResolve, fmt.Errorf("retry interval must be positive, got %v", e.retryInterval))
	}
	if e.logger == nil {
		e.logger = logging.Default()
	}
	e.logger = e.logger.WithComponent(logging.Component("resolve"))
	if e.metrics == nil {
		e.metrics = NoOpMetricsCollector{}
	}
	return e, nil
}

// Threshold returns the engine's default confidence threshold.
func (e *Engine) Threshold() float64 { return e.threshold }

// Resolve reconciles req. It never fails: any resolver error or panic yields
// an error_fallback resolution that keeps the local value, and panics from
// the store, notifier, metrics or hooks are logged without changing it.
func (e *Engine) Resolve(ctx context.Context, req Request) Resolution {
	start := time.Now()
	strategy, threshold, rule := e.strategyFor(ctx, req)
	fieldType := Classify(req.Local.NewValue)
	if ft, ok := ParseFieldType(string(strategy)); ok {
		fieldType = ft
	}

	res, err := e.dispatch(ctx, req, strategy, threshold)
	if err != nil {
		res = fallback(req.Local, err)
		e.observe(ctx, "metrics", func() { e.metrics.RecordFallback(string(errors.KindOf(err))) })
		e.logger.LogWarn(ctx, err, "resolution failed, keeping local value",
			slog.String("session_id", req.SessionID),
			slog.String("field", req.FieldName),
			slog.String("strategy", string(strategy)))
		if e.hooks.OnFallback != nil {
			e.observe(ctx, "on_fallback", func() { e.hooks.OnFallback(ctx, req, err) })
		}
	}
	if res.Metadata == nil {
		res.Metadata = map[string]any{}
	}
	res.Metadata["strategy"] = string(strategy)
	if rule != "" {
		res.Metadata["rule"] = rule
	}
	res.Timestamp = e.clock()

	if id, ok := e.logConflict(ctx, req, fieldType, res); ok {
		res.ConflictID = id
	}

	event := EventAutoResolved
	if res.Type == ManualRequired {
		event = EventManualRequired
	}
	e.broadcast(ctx, req.SessionID, event, Event{
		ConflictID: res.ConflictID,
		SessionID:  req.SessionID,
		FieldName:  req.FieldName,
		Resolution: res,
	})

	elapsed := time.Since(start)
	e.observe(ctx, "metrics", func() {
		e.metrics.RecordResolution(fieldType, res.Method, res.Type, res.Confidence, elapsed)
	})
	if e.hooks.OnResolved != nil {
		e.observe(ctx, "on_resolved", func() { e.hooks.OnResolved(ctx, req, res) })
	}
	e.logger.Debug("conflict resolved",
		slog.String("session_id", req.SessionID),
		slog.String("field", req.FieldName),
		slog.String("method", string(res.Method)),
		slog.String("type", string(res.Type)),
		slog.Float64("confidence", res.Confidence))
	return res
}

// strategyFor resolves an empty strategy through the selector. A failing
// selector leaves the field on auto.
func (e *Engine) strategyFor(ctx context.Context, req Request) (Strategy, float64, string) {
	if req.Strategy != "" {
		return req.Strategy, e.threshold, ""
	}
	if e.selector != nil {
		var (
			sel Selection
			ok  bool
		)
		e.observe(ctx, "strategy_selector", func() { sel, ok = e.selector.Select(req.FieldName) })
		if ok {
			threshold := e.threshold
			if sel.Threshold > 0 {
				threshold = sel.Threshold
			}
			strategy := sel.Strategy
			if strategy == "" {
				strategy = StrategyAuto
			}
			return strategy, threshold, sel.Rule
		}
	}
	return StrategyAuto, e.threshold, ""
}

func (e *Engine) dispatch(ctx context.Context, req Request, strategy Strategy, threshold float64) (res Resolution, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.E(errors.OpResolve, errors.KindInternal, errors.ErrCodeResolveFailure,
				fmt.Sprintf("resolver panic: %v", r))
		}
	}()

	switch strategy {
	case StrategyManual:
		return BuildPrompt(req.Local, req.Remote, req.Base, req.FieldName), nil
	case StrategyLastWrite:
		res = lastWriteWins(req.Local, req.Remote)
		res.Type = Automatic
		return res, nil
	case StrategyFirstWrite:
		res = firstWriteWins(req.Local, req.Remote)
		res.Type = Automatic
		return res, nil
	case StrategyAuto:
		fieldType := Classify(req.Local.NewValue)
		res, err = e.resolveType(ctx, fieldType, req)
		if err != nil {
			return Resolution{}, err
		}
		if res.Confidence >= threshold {
			res.Type = Automatic
			return res, nil
		}
		return e.escalate(ctx, fieldType, req, res, threshold), nil
	}

	fieldType, ok := ParseFieldType(string(strategy))
	if !ok {
		return Resolution{}, errors.NewValidationError(errors.OpResolve, fmt.Errorf("unknown strategy %q", strategy))
	}
	res, err = e.resolveType(ctx, fieldType, req)
	if err != nil {
		return Resolution{}, err
	}
	res.Type = Automatic
	return res, nil
}

func (e *Engine) resolveType(ctx context.Context, fieldType FieldType, req Request) (Resolution, error) {
	switch fieldType {
	case FieldText:
		return e.resolveText(ctx, req), nil
	case FieldJSON:
		return resolveJSON(req), nil
	case FieldList:
		return resolveList(req), nil
	case FieldNumber:
		return resolveNumber(req)
	case FieldBoolean:
		return resolveBoolean(req), nil
	case FieldString:
		return resolveString(req), nil
	default:
		return lastWriteWins(req.Local, req.Remote), nil
	}
}

// escalate replaces a low-confidence attempt with a manual prompt.
func (e *Engine) escalate(ctx context.Context, fieldType FieldType, req Request, attempted Resolution, threshold float64) Resolution {
	res := BuildPrompt(req.Local, req.Remote, req.Base, req.FieldName)
	res.Metadata["attempted_method"] = string(attempted.Method)
	res.Metadata["attempted_confidence"] = attempted.Confidence
	res.Metadata["threshold"] = threshold
	if attempted.Reason != "" {
		res.Metadata["attempted_reason"] = attempted.Reason
	}
	res.Conflicts = attempted.Conflicts

	e.observe(ctx, "metrics", func() { e.metrics.RecordEscalation(fieldType, attempted.Method) })
	if e.hooks.OnEscalated != nil {
		e.observe(ctx, "on_escalated", func() { e.hooks.OnEscalated(ctx, req, attempted) })
	}
	return res
}

func fallback(local Change, err error) Resolution {
	return Resolution{
		ResolvedValue: local.NewValue,
		Method:        MethodErrorFallback,
		Confidence:    0.1,
		Type:          Automatic,
		Reason:        "resolution_error",
		Metadata:      map[string]any{"error": err.Error()},
	}
}

// logConflict persists a record for res and reports its id on success.
func (e *Engine) logConflict(ctx context.Context, req Request, fieldType FieldType, res Resolution) (string, bool) {
	if e.store == nil {
		return "", false
	}
	rec := &ConflictRecord{
		ID:               e.newID(),
		SessionID:        req.SessionID,
		FieldName:        req.FieldName,
		ConflictType:     fieldType,
		Local:            req.Local,
		Remote:           req.Remote,
		Base:             req.Base,
		Resolution:       res,
		ResolutionMethod: res.Method,
		CreatedAt:        res.Timestamp,
	}
	rec.Resolution.ConflictID = rec.ID

	err := protect(errors.OpLogConflict, func() error {
		return e.retry(ctx, func() error { return e.store.LogConflict(ctx, rec) })
	})
	if err != nil {
		e.observe(ctx, "metrics", func() { e.metrics.RecordCollaboratorError("store", string(errors.OpLogConflict)) })
		e.logger.LogError(ctx, err, "failed to log conflict",
			slog.String("session_id", req.SessionID),
			slog.String("field", req.FieldName))
		return "", false
	}
	return rec.ID, true
}

func (e *Engine) broadcast(ctx context.Context, sessionID, event string, payload any) {
	if e.notifier == nil || sessionID == "" {
		return
	}
	err := protect(errors.OpNotify, func() error {
		return e.notifier.NotifySession(ctx, sessionID, event, payload)
	})
	if err != nil {
		e.observe(ctx, "metrics", func() { e.metrics.RecordCollaboratorError("notifier", event) })
		e.logger.LogWarn(ctx, err, "failed to notify session",
			slog.String("session_id", sessionID),
			slog.String("event", event))
	}
}

// protect runs fn and turns a panic into an internal error.
func protect(op errors.Operation, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.E(op, errors.KindInternal, fmt.Sprintf("panic: %v", r))
		}
	}()
	return fn()
}

// observe runs a metrics or hook callback. A panic is logged and dropped.
func (e *Engine) observe(ctx context.Context, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.LogError(ctx, fmt.Errorf("%s panic: %v", name, r), "callback panicked",
				slog.String("callback", name))
		}
	}()
	fn()
}

// retry runs op with bounded exponential backoff. Invalid, not-found and
// conflict errors are not retried.
func (e *Engine) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retryInterval
	b.MaxInterval = 20 * e.retryInterval
	b.Reset()

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if stderrors.Is(err, ErrConflictNotFound) {
			return backoff.Permanent(err)
		}
		switch errors.KindOf(err) {
		case errors.KindInvalid, errors.KindNotFound, errors.KindConflict:
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, e.storeRetries), ctx))
}
