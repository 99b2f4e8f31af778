package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name      string
		op        Operation
		component string
		code      ErrorCode
		err       error
		want      string
	}{
		{
			name:      "with component and code",
			op:        OpLogConflict,
			component: "store",
			code:      ErrCodeStorageFailure,
			err:       fmt.Errorf("failed to connect"),
			want:      "log_conflict operation failed in store component [STORAGE_FAILURE]: failed to connect",
		},
		{
			name:      "with component no code",
			op:        OpNotify,
			component: "notifier",
			err:       fmt.Errorf("redis down"),
			want:      "notify operation failed in notifier component: redis down",
		},
		{
			name: "without component with code",
			op:   OpApplyChoice,
			code: ErrCodeNotFound,
			err:  fmt.Errorf("no such conflict"),
			want: "apply_choice operation failed [NOT_FOUND]: no such conflict",
		},
		{
			name: "without component or code",
			op:   OpResolve,
			err:  fmt.Errorf("boom"),
			want: "resolve operation failed: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Error{
				Op:        tt.op,
				Component: tt.component,
				Err:       tt.err,
				Code:      tt.code,
			}

			if got := e.Error(); got != tt.want {
				t.Errorf("Error.Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConstructors(t *testing.T) {
	cause := fmt.Errorf("cause")

	storage := NewStorageError(OpSaveResolution, cause)
	if storage.Code != ErrCodeStorageFailure || storage.Component != "store" || !storage.Retryable {
		t.Errorf("NewStorageError() = %+v", storage)
	}

	broadcast := NewBroadcastError(OpNotify, cause)
	if broadcast.Code != ErrCodeBroadcastFailure || broadcast.Component != "notifier" || !broadcast.Retryable {
		t.Errorf("NewBroadcastError() = %+v", broadcast)
	}

	validation := NewValidationError(OpResolve, cause)
	if validation.Kind != KindInvalid || validation.Retryable {
		t.Errorf("NewValidationError() = %+v", validation)
	}

	notFound := NewNotFoundError(OpLoadConflict, cause)
	if notFound.Kind != KindNotFound || notFound.Code != ErrCodeNotFound {
		t.Errorf("NewNotFoundError() = %+v", notFound)
	}
	if !errors.Is(notFound, cause) {
		t.Error("NewNotFoundError() does not unwrap to cause")
	}
}

func TestE_Builder(t *testing.T) {
	sentinel := errors.New("missing")
	err := E(Op("sqlite.LoadConflict"), Component("storage/sqlite"), KindNotFound, sentinel, "id abc")

	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("E() did not return *Error")
	}
	if e.Op != "sqlite.LoadConflict" {
		t.Errorf("Op = %q", e.Op)
	}
	if e.Component != "storage/sqlite" {
		t.Errorf("Component = %q", e.Component)
	}
	if !errors.Is(err, sentinel) {
		t.Error("E() lost the wrapped sentinel")
	}
	if !Is(err, KindNotFound) {
		t.Error("Is(KindNotFound) = false")
	}
}

func TestE_InheritsKindFromNestedError(t *testing.T) {
	inner := E(Op("inner"), KindConflict, errors.New("duplicate"))
	outer := E(Op("outer"), Component("engine"), inner)

	if got := KindOf(outer); got != KindConflict {
		t.Errorf("KindOf() = %q, want %q", got, KindConflict)
	}
}

func TestE_NoCause(t *testing.T) {
	err := E(Op("x"))
	if err.Error() != "x operation failed: unknown error" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"storage error", NewStorageError(OpLogConflict, fmt.Errorf("io")), true},
		{"validation error", NewValidationError(OpResolve, fmt.Errorf("bad")), false},
		{"plain error", fmt.Errorf("regular"), false},
		{"wrapped storage error", fmt.Errorf("wrapped: %w", NewStorageError(OpLogConflict, fmt.Errorf("io"))), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWrapOpComponent(t *testing.T) {
	if WrapOpComponent(nil, "op", "comp") != nil {
		t.Fatal("expected nil for nil error")
	}

	cause := fmt.Errorf("database connection failed")
	err := WrapOpComponent(cause, "sqlite.LogConflict", "storage/sqlite")

	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if e.Op != "sqlite.LogConflict" || e.Component != "storage/sqlite" {
		t.Errorf("unexpected op/component: %q/%q", e.Op, e.Component)
	}
	if !errors.Is(err, cause) {
		t.Error("wrapped error does not unwrap to cause")
	}

	kinded := WrapOpComponentKind(cause, "pg.LoadConflict", "storage/postgres", KindNotFound)
	if !Is(kinded, KindNotFound) {
		t.Error("WrapOpComponentKind lost the kind")
	}
}
