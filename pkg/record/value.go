// Package record holds the in-memory representation of captured flow snapshots.
//
// A snapshot is a tree of Values. Byte sequences are kept distinct from text so
// that the normalizer can decide how each one is rendered before the tree is
// serialized to JSON.
package record

import (
	"bytes"
	"fmt"
)

type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindList
	KindMap
)

var kindNames = [...]string{
	KindNull:   "null",
	KindBool:   "bool",
	KindInt:    "int",
	KindFloat:  "float",
	KindString: "string",
	KindBytes:  "bytes",
	KindList:   "list",
	KindMap:    "map",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Value is a tagged union over the kinds a snapshot may contain. The zero Value
// is null. Lists and maps share their backing storage when a Value is copied;
// use Clone to take an independent copy.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	raw  []byte
	list []Value
	m    *Map
}

var Null = Value{}

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Int(i int64) Value { return Value{kind: KindInt, i: i} }
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }
func String(s string) Value { return Value{kind: KindString, s: s} }
func Bytes(b []byte) Value { return Value{kind: KindBytes, raw: b} }
func List(vs ...Value) Value { return Value{kind: KindList, list: vs} }
func FromMap(m *Map) Value { return Value{kind: KindMap, m: m} }
func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }
func (v Value) IsBytes() bool { return v.kind == KindBytes }

// AsBool returns the boolean held by v.
func (v Value) AsBool() (bool, bool) {
	return v.b, v.kind == KindBool
}

// AsInt returns the integer held by v. Floats are not converted.
func (v Value) AsInt() (int64, bool) {
	return v.i, v.kind == KindInt
}

// AsNumber returns v as a float64 if it is an Int or a Float.
func (v Value) AsNumber() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	}
	return 0, false
}

func (v Value) AsString() (string, bool) {
	return v.s, v.kind == KindString
}

func (v Value) AsBytes() ([]byte, bool) {
	return v.raw, v.kind == KindBytes
}

func (v Value) AsList() ([]Value, bool) {
	return v.list, v.kind == KindList
}

func (v Value) AsMap() (*Map, bool) {
	if v.kind != KindMap || v.m == nil {
		return nil, false
	}
	return v.m, true
}

// Text returns the textual content of a String or Bytes value. Bytes are
// rendered with CoerceBytes.
func (v Value) Text() (string, bool) {
	switch v.kind {
	case KindString:
		return v.s, true
	case KindBytes:
		return CoerceBytes(v.raw), true
	}
	return "", false
}

// Truthy reports whether v would be considered set by the capture layer: null,
// false, zero numbers and empty strings, bytes, lists and maps are not.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i != 0
	case KindFloat:
		return v.f != 0
	case KindString:
		return v.s != ""
	case KindBytes:
		return len(v.raw) > 0
	case KindList:
		return len(v.list) > 0
	case KindMap:
		return v.m != nil && v.m.Len() > 0
	}
	return false
}

// Clone returns a deep copy of v.
func (v Value) Clone() Value {
	switch v.kind {
	case KindBytes:
		if v.raw == nil {
			return v
		}
		return Bytes(bytes.Clone(v.raw))
	case KindList:
		if v.list == nil {
			return v
		}
		out := make([]Value, len(v.list))
		for i := range v.list {
			out[i] = v.list[i].Clone()
		}
		return List(out...)
	case KindMap:
		if v.m == nil {
			return v
		}
		return FromMap(v.m.Clone())
	}
	return v
}

// Equal reports whether a and b hold the same kind and content.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindInt:
		return a.i == b.i
	case KindFloat:
		return a.f == b.f
	case KindString:
		return a.s == b.s
	case KindBytes:
		return bytes.Equal(a.raw, b.raw)
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
		return a.m.equal(b.m)
	}
	return false
}

// Interface converts v into plain Go values (nil, bool, int64, float64, string,
// []byte, []any, map[string]any). Map key order is lost.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindBytes:
		return v.raw
	case KindList:
		out := make([]any, len(v.list))
		for i := range v.list {
			out[i] = v.list[i].Interface()
		}
		return out
	case KindMap:
		out := make(map[string]any)
		if v.m != nil {
			v.m.Range(func(k, val Value) bool {
				ks, _ := k.Text()
				out[ks] = val.Interface()
				return true
			})
		}
		return out
	}
	return nil
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprint(v.b)
	case KindInt:
		return fmt.Sprint(v.i)
	case KindFloat:
		return fmt.Sprint(v.f)
	case KindString:
		return fmt.Sprintf("%q", v.s)
	case KindBytes:
		return fmt.Sprintf("b%q", v.raw)
	}
	data, err := v.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<%s: %v>", v.kind, err)
	}
	return string(data)
}
