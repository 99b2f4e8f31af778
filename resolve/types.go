package resolve

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/c0deZ3R0/go-conflict-kit/value"
)

// FieldType drives which resolver runs for a field.
type FieldType string

const (
	FieldText    FieldType = "text"
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldList    FieldType = "list"
	FieldJSON    FieldType = "json"
	FieldDefault FieldType = "default"
)

// ParseFieldType returns the FieldType named s.
func ParseFieldType(s string) (FieldType, bool) {
	switch ft := FieldType(s); ft {
	case FieldText, FieldString, FieldNumber, FieldBoolean, FieldList, FieldJSON, FieldDefault:
		return ft, true
	}
	return "", false
}

// Strategy selects how a conflict is reconciled. Any FieldType name is also
// a valid Strategy and forces that resolver.
type Strategy string

const (
	StrategyAuto       Strategy = "auto"
	StrategyLastWrite  Strategy = "last_write"
	StrategyFirstWrite Strategy = "first_write"
	StrategyManual     Strategy = "manual"
)

// ValidStrategy reports whether s names a known strategy or field type.
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategyAuto, StrategyLastWrite, StrategyFirstWrite, StrategyManual:
		return true
	}
	_, ok := ParseFieldType(string(s))
	return ok
}

type ResolutionType string

const (
	Automatic      ResolutionType = "automatic"
	ManualRequired ResolutionType = "manual_required"
	UserResolved   ResolutionType = "user_resolved"
)

// Method tags the algorithm that produced a Resolution.
type Method string

const (
	MethodOperationalTransform Method = "operational_transform"
	MethodThreeWayMerge        Method = "three_way_merge"
	MethodTextDiff             Method = "text_diff"
	MethodJSONMerge            Method = "json_merge"
	MethodListMerge            Method = "list_merge"
	MethodNumericCombine       Method = "numeric_combine"
	MethodNumericCancel        Method = "numeric_cancel"
	MethodNumericMaxChange     Method = "numeric_max_change"
	MethodBooleanMatch         Method = "boolean_match"
	MethodBooleanConflict      Method = "boolean_conflict"
	MethodStringMatch          Method = "string_match"
	MethodStringSuperset       Method = "string_superset"
	MethodStringConflict       Method = "string_conflict"
	MethodLastWriteWins        Method = "last_write_wins"
	MethodFirstWriteWins       Method = "first_write_wins"
	MethodManual               Method = "manual_resolution"
	MethodUserChoice           Method = "user_choice"
	MethodErrorFallback        Method = "error_fallback"
)

// Change is one side's proposed edit to a field. Timestamp is an ISO-8601
// string and orders lexicographically.
type Change struct {
	NewValue  value.Value     `json:"new_value"`
	OldValue  value.Value     `json:"old_value"`
	UserID    string          `json:"user_id"`
	Timestamp string          `json:"timestamp"`
	Operation json.RawMessage `json:"operation,omitempty"`
}

// Candidate is one value offered to a human in a manual prompt.
type Candidate struct {
	Value     value.Value `json:"value"`
	UserID    string      `json:"user_id,omitempty"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// ManualOptions lists the candidates of a manual_required resolution.
// SuggestedMerge is advisory and never applied automatically.
type ManualOptions struct {
	Local          Candidate   `json:"local"`
	Remote         Candidate   `json:"remote"`
	Base           Candidate   `json:"base"`
	SuggestedMerge value.Value `json:"suggested_merge"`
}

// KeyConflict is a map key both sides changed to different values.
type KeyConflict struct {
	Key    string      `json:"key"`
	Local  value.Value `json:"local"`
	Remote value.Value `json:"remote"`
}

// Resolution is the engine's verdict for one conflict.
type Resolution struct {
	ResolvedValue value.Value    `json:"resolved_value"`
	Method        Method         `json:"method"`
	Confidence    float64        `json:"confidence"`
	Type          ResolutionType `json:"resolution_type"`
	Reason        string         `json:"reason,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Options       *ManualOptions `json:"options,omitempty"`
	Conflicts     []KeyConflict  `json:"conflicts,omitempty"`
	ConflictID    string         `json:"conflict_id,omitempty"`
}

// Request is the input of (*Engine).Resolve.
type Request struct {
	SessionID string      `json:"session_id"`
	FieldName string      `json:"field_name"`
	Local     Change      `json:"local"`
	Remote    Change      `json:"remote"`
	Base      value.Value `json:"base"`
	Strategy  Strategy    `json:"strategy,omitempty"`
}

// Choice is a human pick for a manual conflict.
type Choice string

const (
	ChoiceLocal  Choice = "local"
	ChoiceRemote Choice = "remote"
	ChoiceMerge  Choice = "merge"
	ChoiceCustom Choice = "custom"
)

func (c Choice) Valid() bool {
	switch c {
	case ChoiceLocal, ChoiceRemote, ChoiceMerge, ChoiceCustom:
		return true
	}
	return false
}

// ChoiceRequest is the input of (*Engine).ApplyUserChoice.
type ChoiceRequest struct {
	ConflictID  string      `json:"conflict_id"`
	Choice      Choice      `json:"choice"`
	CustomValue value.Value `json:"custom_value"`
	UserID      string      `json:"user_id"`
}

// ConflictRecord is the persisted trace of one Resolve call.
type ConflictRecord struct {
	ID               string      `json:"id"`
	SessionID        string      `json:"session_id"`
	FieldName        string      `json:"field_name"`
	ConflictType     FieldType   `json:"conflict_type"`
	Local            Change      `json:"local_change"`
	Remote           Change      `json:"remote_change"`
	Base             value.Value `json:"base_value"`
	Resolution       Resolution  `json:"resolution"`
	ResolutionMethod Method      `json:"resolution_method"`
	UserChoice       Choice      `json:"user_choice,omitempty"`
	ResolvedBy       string      `json:"resolved_by,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	ResolvedAt       *time.Time  `json:"resolved_at,omitempty"`
}

// ResolutionPatch is what ApplyUserChoice writes back to a record.
type ResolutionPatch struct {
	Resolution       Resolution `json:"resolution"`
	ResolutionMethod Method     `json:"resolution_method"`
	UserChoice       Choice     `json:"user_choice"`
	ResolvedBy       string     `json:"resolved_by"`
	ResolvedAt       time.Time  `json:"resolved_at"`
}

// Clone copies rec. Metadata is copied one level deep.
func (r *ConflictRecord) Clone() *ConflictRecord {
	cp := *r
	cp.Resolution.Metadata = maps.Clone(r.Resolution.Metadata)
	if r.ResolvedAt != nil {
		at := *r.ResolvedAt
		cp.ResolvedAt = &at
	}
	return &cp
}

// ApplyTo copies the patch onto rec.
func (p ResolutionPatch) ApplyTo(rec *ConflictRecord) {
	rec.Resolution = p.Resolution
	rec.ResolutionMethod = p.ResolutionMethod
	rec.UserChoice = p.UserChoice
	rec.ResolvedBy = p.ResolvedBy
	at := p.ResolvedAt
	rec.ResolvedAt = &at
}

// Event names broadcast to session participants.
const (
	EventAutoResolved   = "conflict_auto_resolved"
	EventManualRequired = "conflict_manual_required"
	EventResolved       = "conflict_resolved"
)

// Event is the payload broadcast with every event.
type Event struct {
	ConflictID string     `json:"conflict_id,omitempty"`
	SessionID  string     `json:"session_id"`
	FieldName  string     `json:"field_name"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
	Resolution Resolution `json:"resolution"`
}
