package record

// Map is an insertion-ordered mapping. Keys are String or Bytes values and are
// matched by their exact text, so a Bytes key "host" and a String key "host"
// address the same entry.
type Map struct {
	keys   []Value
	values []Value
	index  map[string]int
}

func NewMap() *Map {
	return &Map{index: make(map[string]int)}
}

// MapOf builds a Map from alternating string keys and values.
func MapOf(kv ...any) *Map {
	m := NewMap()
	for i := 0; i+1 < len(kv); i += 2 {
		k, _ := kv[i].(string)
		v, ok := kv[i+1].(Value)
		if !ok {
			continue
		}
		m.Set(String(k), v)
	}
	return m
}

func keyText(k Value) string {
	s, _ := k.Text()
	return s
}

func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Get returns the value stored under name.
func (m *Map) Get(name string) (Value, bool) {
	if m == nil {
		return Null, false
	}
	i, ok := m.index[name]
	if !ok {
		return Null, false
	}
	return m.values[i], true
}

// Set stores v under key. An existing entry keeps its position and its
// original key; only the value is replaced.
func (m *Map) Set(key Value, v Value) {
	if m.index == nil {
		m.index = make(map[string]int)
	}
	name := keyText(key)
	if i, ok := m.index[name]; ok {
		m.values[i] = v
		return
	}
	m.index[name] = len(m.keys)
	m.keys = append(m.keys, key)
	m.values = append(m.values, v)
}

// SetString is shorthand for Set(String(name), v).
func (m *Map) SetString(name string, v Value) {
	m.Set(String(name), v)
}

// Range calls fn for every entry in insertion order until fn returns false.
func (m *Map) Range(fn func(k, v Value) bool) {
	if m == nil {
		return
	}
	for i := range m.keys {
		if !fn(m.keys[i], m.values[i]) {
			return
		}
	}
}

// Keys returns the keys in insertion order.
func (m *Map) Keys() []Value {
	if m == nil {
		return nil
	}
	out := make([]Value, len(m.keys))
	copy(out, m.keys)
	return out
}

func (m *Map) Clone() *Map {
	out := &Map{
		keys:   make([]Value, len(m.keys)),
		values: make([]Value, len(m.values)),
		index:  make(map[string]int, len(m.index)),
	}
	for i := range m.keys {
		out.keys[i] = m.keys[i].Clone()
		out.values[i] = m.values[i].Clone()
	}
	for k, i := range m.index {
		out.index[k] = i
	}
	return out
}

func (m *Map) equal(o *Map) bool {
	if m.Len() != o.Len() {
		return false
	}
	for i := 0; i < m.Len(); i++ {
		if !Equal(m.keys[i], o.keys[i]) || !Equal(m.values[i], o.values[i]) {
			return false
		}
	}
	return true
}
