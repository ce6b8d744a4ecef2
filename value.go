package capweb

import "reflect"

// Undefined is distinct from nil, which is sent as JSON null.
type Undefined struct{}

// Map is an insertion-ordered map with unique keys. Keys may be any
// serializable value.
type Map struct {
	keys  []any
	vals  []any
	index map[any]int
}

func NewMap() *Map {
	return &Map{index: make(map[any]int)}
}

// Set inserts or replaces the value stored under key.
func (m *Map) Set(key, val any) *Map {
	if i, ok := m.find(key); ok {
		m.vals[i] = val
		return m
	}
	if isComparable(key) {
		if m.index == nil {
			m.index = make(map[any]int)
		}
		m.index[key] = len(m.keys)
	}
	m.keys = append(m.keys, key)
	m.vals = append(m.vals, val)
	return m
}

func (m *Map) Get(key any) (any, bool) {
	i, ok := m.find(key)
	if !ok {
		return nil, false
	}
	return m.vals[i], true
}

func (m *Map) Len() int {
	return len(m.keys)
}

// Range calls fn for each entry in insertion order until it returns false.
func (m *Map) Range(fn func(key, val any) bool) {
	for i := range m.keys {
		if !fn(m.keys[i], m.vals[i]) {
			return
		}
	}
}

func (m *Map) find(key any) (int, bool) {
	if isComparable(key) {
		i, ok := m.index[key]
		return i, ok
	}
	for i, k := range m.keys {
		if reflect.DeepEqual(k, key) {
			return i, true
		}
	}
	return 0, false
}

// Set is an insertion-ordered collection of unique values.
type Set struct {
	m Map
}

func NewSet(elems ...any) *Set {
	s := &Set{}
	for _, elem := range elems {
		s.Add(elem)
	}
	return s
}

func (s *Set) Add(elem any) *Set {
	s.m.Set(elem, struct{}{})
	return s
}

func (s *Set) Has(elem any) bool {
	_, ok := s.m.find(elem)
	return ok
}

func (s *Set) Len() int {
	return s.m.Len()
}

func (s *Set) Values() []any {
	out := make([]any, len(s.m.keys))
	copy(out, s.m.keys)
	return out
}

func isComparable(v any) bool {
	if v == nil {
		return true
	}
	return reflect.ValueOf(v).Comparable()
}
