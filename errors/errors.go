// Package errors provides the structured error type shared by the engine,
// its stores and its notifiers.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode classifies the failing subsystem.
type ErrorCode string

const (
	ErrCodeStorageFailure    ErrorCode = "STORAGE_FAILURE"
	ErrCodeBroadcastFailure  ErrorCode = "BROADCAST_FAILURE"
	ErrCodeResolveFailure    ErrorCode = "RESOLVE_FAILURE"
	ErrCodeTransformFailure  ErrorCode = "TRANSFORM_FAILURE"
	ErrCodeValidationFailure ErrorCode = "VALIDATION_FAILURE"
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
)

// Kind is the caller-facing category of an error. It decides how an outer
// layer (HTTP, CLI) reports the failure.
type Kind string

const (
	KindOther       Kind = ""
	KindInvalid     Kind = "invalid"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindUnavailable Kind = "unavailable"
	KindInternal    Kind = "internal"
)

// Operation names the operation during which an error occurred.
type Operation string

const (
	OpResolve        Operation = "resolve"
	OpApplyChoice    Operation = "apply_choice"
	OpLogConflict    Operation = "log_conflict"
	OpLoadConflict   Operation = "load_conflict"
	OpSaveResolution Operation = "save_resolution"
	OpListConflicts  Operation = "list_conflicts"
	OpNotify         Operation = "notify"
	OpTransform      Operation = "transform"
	OpLoadRules      Operation = "load_rules"
	OpLoadConfig     Operation = "load_config"
	OpClose          Operation = "close"
)

// Op and Component are typed arguments for E.
type Op string
type Component string

// Error is the structured error carried through the module.
type Error struct {
	Op        Operation
	Component string
	Kind      Kind
	Code      ErrorCode
	Err       error
	Retryable bool
	Metadata  map[string]interface{}
}

func (e *Error) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	if e.Err == nil {
		return msg
	}
	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds an *Error from its arguments, in any order:
//
//	Op, Operation   sets Op
//	Component       sets Component
//	Kind            sets Kind
//	ErrorCode       sets Code
//	error           sets Err
//	string          appended to the message of Err
//	map[string]any  sets Metadata
//
// Unknown argument types are ignored. E with no error and no message
// returns an *Error with a generic cause.
func E(args ...interface{}) error {
	e := &Error{}
	var msgs []string
	for _, arg := range args {
		switch a := arg.(type) {
		case Op:
			e.Op = Operation(a)
		case Operation:
			e.Op = a
		case Component:
			e.Component = string(a)
		case Kind:
			e.Kind = a
		case ErrorCode:
			e.Code = a
		case *Error:
			cp := *a
			e.Err = &cp
			if e.Kind == KindOther {
				e.Kind = a.Kind
			}
		case error:
			e.Err = a
		case string:
			msgs = append(msgs, a)
		case map[string]interface{}:
			e.Metadata = a
		}
	}
	if len(msgs) > 0 {
		msg := strings.Join(msgs, ": ")
		if e.Err != nil {
			e.Err = fmt.Errorf("%s: %w", msg, e.Err)
		} else {
			e.Err = errors.New(msg)
		}
	}
	if e.Err == nil {
		e.Err = errors.New("unknown error")
	}
	return e
}

// NewStorageError creates a retryable storage error.
func NewStorageError(op Operation, cause error) *Error {
	return &Error{
		Code:      ErrCodeStorageFailure,
		Op:        op,
		Component: "store",
		Kind:      KindUnavailable,
		Err:       cause,
		Retryable: true,
	}
}

// NewBroadcastError creates a retryable notifier error.
func NewBroadcastError(op Operation, cause error) *Error {
	return &Error{
		Code:      ErrCodeBroadcastFailure,
		Op:        op,
		Component: "notifier",
		Kind:      KindUnavailable,
		Err:       cause,
		Retryable: true,
	}
}

// NewValidationError creates a non-retryable validation error.
func NewValidationError(op Operation, cause error) *Error {
	return &Error{
		Code:      ErrCodeValidationFailure,
		Op:        op,
		Kind:      KindInvalid,
		Err:       cause,
		Retryable: false,
	}
}

// NewNotFoundError creates a non-retryable not-found error.
func NewNotFoundError(op Operation, cause error) *Error {
	return &Error{
		Code: ErrCodeNotFound,
		Op:   op,
		Kind: KindNotFound,
		Err:  cause,
	}
}

// New creates an *Error with only an operation.
func New(op Operation, err error) *Error {
	return &Error{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent creates an *Error with component information.
func NewWithComponent(op Operation, component string, err error) *Error {
	return &Error{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// IsRetryable reports whether err carries a retryable *Error.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// KindOf returns the first non-empty Kind found in err's chain.
func KindOf(err error) Kind {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return KindOther
		}
		if e.Kind != KindOther {
			return e.Kind
		}
		err = e.Err
	}
	return KindOther
}

// Is reports whether err has the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
