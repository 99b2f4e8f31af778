package ot

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransform_Converges(t *testing.T) {
	const doc = "abcdef"
	tests := []struct {
		name string
		a, b Operation
		want string
	}{
		{"insert tie puts a first", Insert(2, "X"), Insert(2, "Y"), "abXYcdef"},
		{"disjoint inserts", Insert(1, "X"), Insert(4, "Y"), "aXbcdYef"},
		{"insert before delete", Insert(1, "XY"), Delete(2, 2), "aXYbef"},
		{"insert after delete", Insert(5, "Z"), Delete(1, 2), "adeZf"},
		{"insert inside delete", Insert(3, "Z"), Delete(2, 3), "abf"},
		{"insert at delete end", Insert(5, "Z"), Delete(2, 3), "abZf"},
		{"delete then insert", Delete(0, 2), Insert(4, "Q"), "cdQef"},
		{"disjoint deletes", Delete(0, 2), Delete(4, 2), "cd"},
		{"overlapping deletes", Delete(1, 3), Delete(2, 3), "af"},
		{"contained delete", Delete(1, 4), Delete(2, 1), "af"},
		{"identical deletes", Delete(1, 2), Delete(1, 2), "adef"},
		{"noop", Noop(), Insert(0, "!"), "!abcdef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ap, bp, err := Transform(tt.a, tt.b)
			require.NoError(t, err)

			afterA, err := Apply(tt.a, doc)
			require.NoError(t, err)
			left, err := Apply(bp, afterA)
			require.NoError(t, err)

			afterB, err := Apply(tt.b, doc)
			require.NoError(t, err)
			right, err := Apply(ap, afterB)
			require.NoError(t, err)

			assert.Equal(t, tt.want, left)
			assert.Equal(t, left, right)
		})
	}
}

func TestTransform_Invalid(t *testing.T) {
	_, _, err := Transform(Operation{Type: "replace"}, Noop())
	assert.True(t, errors.Is(err, ErrUnknownOp))

	_, _, err = Transform(Noop(), Delete(0, 0))
	assert.True(t, errors.Is(err, ErrInvalidLength))
}

func TestApply(t *testing.T) {
	got, err := Apply(Insert(1, "é"), "añb")
	require.NoError(t, err)
	assert.Equal(t, "aéñb", got)

	got, err = Apply(Delete(1, 1), "añb")
	require.NoError(t, err)
	assert.Equal(t, "ab", got)

	got, err = Apply(Insert(6, "!"), "abcdef")
	require.NoError(t, err)
	assert.Equal(t, "abcdef!", got)

	_, err = Apply(Insert(7, "!"), "abcdef")
	assert.True(t, errors.Is(err, ErrOutOfRange))

	_, err = Apply(Delete(4, 3), "abcdef")
	assert.True(t, errors.Is(err, ErrOutOfRange))

	_, err = Apply(Insert(-1, "x"), "abc")
	assert.True(t, errors.Is(err, ErrOutOfRange))

	got, err = Apply(Noop(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", got)
}

func TestApply_HugeDelete(t *testing.T) {
	_, err := Apply(Delete(1, math.MaxInt), "Hello")
	assert.True(t, errors.Is(err, ErrInvalidLength))

	_, err = Apply(Delete(1, math.MaxInt-1), "Hello")
	assert.True(t, errors.Is(err, ErrOutOfRange))

	_, err = Apply(Delete(9, 1), "Hello")
	assert.True(t, errors.Is(err, ErrOutOfRange))

	_, _, err = Transform(Delete(1, math.MaxInt), Insert(0, "X"))
	assert.True(t, errors.Is(err, ErrInvalidLength))

	assert.NotPanics(t, func() {
		ap, _, err := Transform(Delete(1, math.MaxInt-1), Insert(0, "X"))
		require.NoError(t, err)
		_, err = Apply(ap, "XHello")
		assert.Error(t, err)
	})
}

func TestEngine_JSON(t *testing.T) {
	e := NewEngine()
	a := json.RawMessage(`{"type":"insert","position":5,"text":" world"}`)
	b := json.RawMessage(`{"type":"insert","position":5,"text":"!"}`)

	ap, bp, err := e.Transform(a, b)
	require.NoError(t, err)

	afterA, err := e.Apply(a, "Hello")
	require.NoError(t, err)
	left, err := e.Apply(bp, afterA)
	require.NoError(t, err)

	afterB, err := e.Apply(b, "Hello")
	require.NoError(t, err)
	right, err := e.Apply(ap, afterB)
	require.NoError(t, err)

	assert.Equal(t, "Hello world!", left)
	assert.Equal(t, left, right)

	_, _, err = e.Transform(json.RawMessage(`{"type":`), b)
	assert.Error(t, err)
	_, err = e.Apply(nil, "x")
	assert.True(t, errors.Is(err, ErrUnknownOp))
}
