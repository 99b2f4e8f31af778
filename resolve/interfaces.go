package resolve

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"
)

// ErrConflictNotFound is wrapped by every Store error for an unknown id.
var ErrConflictNotFound = stderrors.New("conflict not found")

// Store persists conflict records. Implementations must be safe for
// concurrent use.
type Store interface {
	LogConflict(ctx context.Context, rec *ConflictRecord) error
	LoadConflict(ctx context.Context, id string) (*ConflictRecord, error)
	SaveResolution(ctx context.Context, id string, patch ResolutionPatch) error
	// ListConflicts returns a session's records newest first. limit <= 0
	// means no limit.
	ListConflicts(ctx context.Context, sessionID string, limit int) ([]*ConflictRecord, error)
}

// Notifier broadcasts an event to the participants of a session.
type Notifier interface {
	NotifySession(ctx context.Context, sessionID, event string, payload any) error
}

// TransformEngine transforms and applies fine-grained text operations.
// Transform returns a', applicable after b, and b', applicable after a.
type TransformEngine interface {
	Transform(a, b json.RawMessage) (json.RawMessage, json.RawMessage, error)
	Apply(op json.RawMessage, text string) (string, error)
}

// Selection is a per-field strategy override.
type Selection struct {
	Rule      string
	Strategy  Strategy
	Threshold float64 // zero keeps the engine threshold
}

// StrategySelector picks a strategy by field name when a Request has none.
type StrategySelector interface {
	Select(field string) (Selection, bool)
}

// MetricsCollector receives engine measurements.
type MetricsCollector interface {
	RecordResolution(fieldType FieldType, method Method, resolutionType ResolutionType, confidence float64, duration time.Duration)
	RecordEscalation(fieldType FieldType, attempted Method)
	RecordFallback(reason string)
	RecordUserChoice(choice Choice)
	RecordCollaboratorError(collaborator, operation string)
}

// NoOpMetricsCollector discards everything.
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordResolution(FieldType, Method, ResolutionType, float64, time.Duration) {
}

func (NoOpMetricsCollector) RecordEscalation(FieldType, Method)     {}
func (NoOpMetricsCollector) RecordFallback(string)                  {}
func (NoOpMetricsCollector) RecordUserChoice(Choice)                {}
func (NoOpMetricsCollector) RecordCollaboratorError(string, string) {}

// Hooks are optional callbacks around resolution. Nil functions are skipped.
type Hooks struct {
	OnResolved  func(ctx context.Context, req Request, res Resolution)
	OnEscalated func(ctx context.Context, req Request, attempted Resolution)
	OnFallback  func(ctx context.Context, req Request, err error)
}
