// Package orderedmap provides a map that iterates in first-insertion order.
package orderedmap

// Map is a key/value table that remembers the order keys were first set.
// Updating an existing key keeps its position. The zero value is not usable;
// create one with New.
type Map[K comparable, V any] struct {
	keys   []K
	values map[K]V
}

// New creates an empty Map
func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{values: make(map[K]V)}
}

// Get returns the value stored for key
func (m *Map[K, V]) Get(key K) (V, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Has reports whether key is present
func (m *Map[K, V]) Has(key K) bool {
	_, ok := m.values[key]
	return ok
}

// Set stores value for key. New keys are appended at the end.
func (m *Map[K, V]) Set(key K, value V) {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Delete removes key, preserving the order of the remaining keys.
func (m *Map[K, V]) Delete(key K) {
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Len returns the number of entries
func (m *Map[K, V]) Len() int {
	return len(m.keys)
}

// Keys returns a copy of the keys in order
func (m *Map[K, V]) Keys() []K {
	out := make([]K, len(m.keys))
	copy(out, m.keys)
	return out
}

// Range calls fn for each entry in order until fn returns false.
func (m *Map[K, V]) Range(fn func(key K, value V) bool) {
	for _, k := range m.keys {
		if !fn(k, m.values[k]) {
			return
		}
	}
}
