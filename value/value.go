// Package value implements the dynamically typed field value exchanged by
// collaborators: null, string, number, bool, ordered list, string-keyed map,
// or an opaque value the engine cannot introspect.
package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"unicode/utf8"
)

// Kind is the tag of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindMap
	KindOpaque
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	case KindOpaque:
		return "opaque"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is immutable once constructed. The zero Value is Null.
type Value struct {
	kind    Kind
	str     string
	num     float64
	boolean bool
	list    []Value
	fields  map[string]Value
	opaque  any
}

func Null() Value { return Value{} }

func String(s string) Value { return Value{kind: KindString, str: s} }

func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

func Int(i int64) Value { return Value{kind: KindNumber, num: float64(i)} }

func Bool(b bool) Value { return Value{kind: KindBool, boolean: b} }

// List copies items into a new list value.
func List(items ...Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{kind: KindList, list: cp}
}

// Map copies fields into a new map value.
func Map(fields map[string]Value) Value {
	cp := make(map[string]Value, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return Value{kind: KindMap, fields: cp}
}

// Opaque wraps a value the engine does not understand.
func Opaque(v any) Value { return Value{kind: KindOpaque, opaque: v} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

// Str returns the string payload.
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// Num returns the numeric payload.
func (v Value) Num() (float64, bool) { return v.num, v.kind == KindNumber }

// Boolean returns the bool payload.
func (v Value) Boolean() (bool, bool) { return v.boolean, v.kind == KindBool }

// Items returns the list payload. Callers must not modify it.
func (v Value) Items() ([]Value, bool) { return v.list, v.kind == KindList }

// Fields returns the map payload. Callers must not modify it.
func (v Value) Fields() (map[string]Value, bool) { return v.fields, v.kind == KindMap }

// Raw returns the opaque payload.
func (v Value) Raw() (any, bool) { return v.opaque, v.kind == KindOpaque }

// Len is the number of code points for strings, items for lists, keys for
// maps, and zero otherwise.
func (v Value) Len() int {
	switch v.kind {
	case KindString:
		return utf8.RuneCountInString(v.str)
	case KindList:
		return len(v.list)
	case KindMap:
		return len(v.fields)
	default:
		return 0
	}
}

// Equal reports deep equality. Opaque values compare with reflect.DeepEqual.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindString:
		return a.str == b.str
	case KindNumber:
		return a.num == b.num
	case KindBool:
		return a.boolean == b.boolean
	case KindList:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !Equal(a.list[i], b.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.fields) != len(b.fields) {
			return false
		}
		for k, av := range a.fields {
			bv, ok := b.fields[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a.opaque, b.opaque)
	}
}

// Contains reports whether list contains an element equal to v.
func Contains(list []Value, v Value) bool {
	for _, item := range list {
		if Equal(item, v) {
			return true
		}
	}
	return false
}

// FromAny converts plain Go data, typically produced by encoding/json, into
// a Value. Types outside the JSON model become Opaque.
func FromAny(x any) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case string:
		return String(t)
	case bool:
		return Bool(t)
	case float64:
		return Number(t)
	case float32:
		return Number(float64(t))
	case int:
		return Int(int64(t))
	case int8:
		return Int(int64(t))
	case int16:
		return Int(int64(t))
	case int32:
		return Int(int64(t))
	case int64:
		return Int(t)
	case uint:
		return Number(float64(t))
	case uint8:
		return Number(float64(t))
	case uint16:
		return Number(float64(t))
	case uint32:
		return Number(float64(t))
	case uint64:
		return Number(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return String(t.String())
		}
		return Number(f)
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = FromAny(item)
		}
		return Value{kind: KindList, list: items}
	case []string:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = String(item)
		}
		return Value{kind: KindList, list: items}
	case []Value:
		return List(t...)
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for k, item := range t {
			fields[k] = FromAny(item)
		}
		return Value{kind: KindMap, fields: fields}
	case map[string]Value:
		return Map(t)
	default:
		return Opaque(x)
	}
}

// Interface converts v back into plain Go data.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.boolean
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.fields))
		for k, item := range v.fields {
			out[k] = item.Interface()
		}
		return out
	case KindOpaque:
		return v.opaque
	default:
		return nil
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON decodes any JSON document. Numbers decode as float64.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	var x any
	if err := json.Unmarshal(data, &x); err != nil {
		return fmt.Errorf("value: %w", err)
	}
	*v = FromAny(x)
	return nil
}

// String renders v for logs and diagnostics.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindString:
		return strconv.Quote(v.str)
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.boolean)
	case KindMap:
		keys := make([]string, 0, len(v.fields))
		for k := range v.fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(", ")
			}
			buf.WriteString(strconv.Quote(k))
			buf.WriteString(": ")
			buf.WriteString(v.fields[k].String())
		}
		buf.WriteByte('}')
		return buf.String()
	case KindList:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range v.list {
			if i > 0 {
				buf.WriteString(", ")
			}
			buf.WriteString(item.String())
		}
		buf.WriteByte(']')
		return buf.String()
	default:
		return fmt.Sprintf("%v", v.opaque)
	}
}
