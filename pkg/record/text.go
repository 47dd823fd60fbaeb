package record

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// CoerceBytes renders b as text. Valid UTF-8 is returned unchanged; each byte
// of an invalid sequence is written as a \xNN escape.
func CoerceBytes(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	var sb strings.Builder
	sb.Grow(len(b) + len(b)/4)
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size <= 1 {
			fmt.Fprintf(&sb, `\x%02x`, b[0])
			b = b[1:]
			continue
		}
		sb.Write(b[:size])
		b = b[size:]
	}
	return sb.String()
}

// Coerce returns v with every Bytes value, including map keys, replaced by its
// CoerceBytes text. The structure is otherwise unchanged. Maps and lists are
// rebuilt, so v itself is not modified.
func Coerce(v Value) Value {
	switch v.kind {
	case KindBytes:
		return String(CoerceBytes(v.raw))
	case KindList:
		if v.list == nil {
			return v
		}
		out := make([]Value, len(v.list))
		for i := range v.list {
			out[i] = Coerce(v.list[i])
		}
		return List(out...)
	case KindMap:
		if v.m == nil {
			return v
		}
		out := NewMap()
		v.m.Range(func(k, val Value) bool {
			out.Set(Coerce(k), Coerce(val))
			return true
		})
		return FromMap(out)
	}
	return v
}

// HasBytes reports whether any Bytes value remains in v.
func HasBytes(v Value) bool {
	switch v.kind {
	case KindBytes:
		return true
	case KindList:
		for i := range v.list {
			if HasBytes(v.list[i]) {
				return true
			}
		}
	case KindMap:
		found := false
		v.m.Range(func(k, val Value) bool {
			found = HasBytes(k) || HasBytes(val)
			return !found
		})
		return found
	}
	return false
}
