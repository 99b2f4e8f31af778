// Package ot implements operational transformation for single-component
// text edits. Positions and lengths count code points.
package ot

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// OpType is the kind of edit.
type OpType string

const (
	OpInsert OpType = "insert"
	OpDelete OpType = "delete"
	OpNoop   OpType = "noop"
)

var (
	ErrUnknownOp     = errors.New("ot: unknown operation type")
	ErrOutOfRange    = errors.New("ot: position out of range")
	ErrInvalidLength = errors.New("ot: invalid delete length")
)

// Operation is a single insert or delete against a text.
type Operation struct {
	Type     OpType `json:"type"`
	Position int    `json:"position"`
	Text     string `json:"text,omitempty"`
	Length   int    `json:"length,omitempty"`
}

func Insert(pos int, text string) Operation {
	return Operation{Type: OpInsert, Position: pos, Text: text}
}

func Delete(pos, length int) Operation {
	return Operation{Type: OpDelete, Position: pos, Length: length}
}

func Noop() Operation { return Operation{Type: OpNoop} }

// Validate checks the operation shape without a document.
func (o Operation) Validate() error {
	switch o.Type {
	case OpNoop:
		return nil
	case OpInsert:
		if o.Position < 0 {
			return fmt.Errorf("%w: %d", ErrOutOfRange, o.Position)
		}
		return nil
	case OpDelete:
		if o.Position < 0 {
			return fmt.Errorf("%w: %d", ErrOutOfRange, o.Position)
		}
		if o.Length <= 0 || o.Length > math.MaxInt-o.Position {
			return fmt.Errorf("%w: %d", ErrInvalidLength, o.Length)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, o.Type)
	}
}

func (o Operation) textLen() int { return len([]rune(o.Text)) }

func (o Operation) end() int { return o.Position + o.Length }

// Apply returns text with op applied.
func Apply(op Operation, text string) (string, error) {
	if err := op.Validate(); err != nil {
		return "", err
	}
	runes := []rune(text)
	switch op.Type {
	case OpInsert:
		if op.Position > len(runes) {
			return "", fmt.Errorf("%w: insert at %d in text of length %d", ErrOutOfRange, op.Position, len(runes))
		}
		out := make([]rune, 0, len(runes)+op.textLen())
		out = append(out, runes[:op.Position]...)
		out = append(out, []rune(op.Text)...)
		out = append(out, runes[op.Position:]...)
		return string(out), nil
	case OpDelete:
		if op.Position > len(runes) || op.Length > len(runes)-op.Position {
			return "", fmt.Errorf("%w: delete [%d,%d) in text of length %d", ErrOutOfRange, op.Position, op.end(), len(runes))
		}
		out := make([]rune, 0, len(runes)-op.Length)
		out = append(out, runes[:op.Position]...)
		out = append(out, runes[op.end():]...)
		return string(out), nil
	default:
		return text, nil
	}
}

// Transform rebases two concurrent operations against each other. It
// returns a', which applies after b, and b', which applies after a, such
// that Apply(b', Apply(a, s)) == Apply(a', Apply(b, s)).
//
// Inserts at the same position place a's text first. An insert that falls
// strictly inside a concurrently deleted range is removed together with
// that range.
func Transform(a, b Operation) (Operation, Operation, error) {
	if err := a.Validate(); err != nil {
		return Operation{}, Operation{}, err
	}
	if err := b.Validate(); err != nil {
		return Operation{}, Operation{}, err
	}

	switch {
	case a.Type == OpNoop || b.Type == OpNoop:
		return a, b, nil
	case a.Type == OpInsert && b.Type == OpInsert:
		if a.Position <= b.Position {
			return a, shift(b, a.textLen()), nil
		}
		return shift(a, b.textLen()), b, nil
	case a.Type == OpInsert && b.Type == OpDelete:
		ap, bp := transformInsertDelete(a, b)
		return ap, bp, nil
	case a.Type == OpDelete && b.Type == OpInsert:
		bp, ap := transformInsertDelete(b, a)
		return ap, bp, nil
	default:
		return transformDeleteDelete(a, b), transformDeleteDelete(b, a), nil
	}
}

// transformInsertDelete returns (ins', del') for a concurrent insert and delete.
func transformInsertDelete(ins, del Operation) (Operation, Operation) {
	switch {
	case ins.Position <= del.Position:
		return ins, shift(del, ins.textLen())
	case ins.Position >= del.end():
		return shift(ins, -del.Length), del
	default:
		return Noop(), Delete(del.Position, del.Length+ins.textLen())
	}
}

// transformDeleteDelete rebases a over an already applied b.
func transformDeleteDelete(a, b Operation) Operation {
	if a.end() <= b.Position {
		return a
	}
	if b.end() <= a.Position {
		return shift(a, -b.Length)
	}
	overlap := min(a.end(), b.end()) - max(a.Position, b.Position)
	remaining := a.Length - overlap
	if remaining <= 0 {
		return Noop()
	}
	return Delete(min(a.Position, b.Position), remaining)
}

func shift(op Operation, by int) Operation {
	op.Position += by
	return op
}

// Engine adapts Transform and Apply to JSON-encoded operations.
type Engine struct{}

// NewEngine returns a text OT engine.
func NewEngine() *Engine { return &Engine{} }

// Decode parses and validates a JSON operation.
func Decode(raw json.RawMessage) (Operation, error) {
	var op Operation
	if len(raw) == 0 {
		return op, fmt.Errorf("%w: empty payload", ErrUnknownOp)
	}
	if err := json.Unmarshal(raw, &op); err != nil {
		return op, fmt.Errorf("ot: decode operation: %w", err)
	}
	if err := op.Validate(); err != nil {
		return op, err
	}
	return op, nil
}

func (e *Engine) Transform(a, b json.RawMessage) (json.RawMessage, json.RawMessage, error) {
	opA, err := Decode(a)
	if err != nil {
		return nil, nil, err
	}
	opB, err := Decode(b)
	if err != nil {
		return nil, nil, err
	}
	ta, tb, err := Transform(opA, opB)
	if err != nil {
		return nil, nil, err
	}
	rawA, err := json.Marshal(ta)
	if err != nil {
		return nil, nil, err
	}
	rawB, err := json.Marshal(tb)
	if err != nil {
		return nil, nil, err
	}
	return rawA, rawB, nil
}

func (e *Engine) Apply(raw json.RawMessage, text string) (string, error) {
	op, err := Decode(raw)
	if err != nil {
		return "", err
	}
	return Apply(op, text)
}
