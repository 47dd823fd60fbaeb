package record

import "strings"

// A Path addresses a value nested inside maps, one key per segment.
type Path []string

// ParsePath splits a dotted path such as "request.headers".
func ParsePath(s string) Path {
	return Path(strings.Split(s, "."))
}

func (p Path) String() string {
	return strings.Join(p, ".")
}

// Lookup returns the value at p. Every segment must exist.
func Lookup(root Value, p Path) (Value, bool) {
	cur := root
	for _, key := range p {
		m, ok := cur.AsMap()
		if !ok {
			return Null, false
		}
		cur, ok = m.Get(key)
		if !ok {
			return Null, false
		}
	}
	return cur, true
}

// Apply replaces the value at p with fn(value). It does nothing when any
// intermediate segment is missing, not a map or falsy, or when the final value
// is missing or falsy. It reports whether fn was called.
func Apply(root Value, p Path, fn func(Value) Value) bool {
	if len(p) == 0 {
		return false
	}
	cur, ok := root.AsMap()
	if !ok {
		return false
	}
	for _, key := range p[:len(p)-1] {
		next, ok := cur.Get(key)
		if !ok || !next.Truthy() {
			return false
		}
		cur, ok = next.AsMap()
		if !ok {
			return false
		}
	}
	last := p[len(p)-1]
	v, ok := cur.Get(last)
	if !ok || !v.Truthy() {
		return false
	}
	cur.SetString(last, fn(v))
	return true
}
