// Package safemap provides a generic, type-safe wrapper over sync.Map. The
// harness uses it for its session registry and failure table, the stub server
// for its connection table.
package safemap

import "sync"

// SafeMap is a concurrent map keyed by any comparable type. The zero value is
// ready to use; a SafeMap must not be copied after first use.
type SafeMap[K comparable, V any] struct {
	m sync.Map
}

// NewSafeMap returns an empty SafeMap.
func NewSafeMap[K comparable, V any]() *SafeMap[K, V] {
	return &SafeMap[K, V]{}
}

// Store sets the value for k, replacing any previous value.
func (m *SafeMap[K, V]) Store(k K, v V) {
	m.m.Store(k, v)
}

// Load returns the value stored for k and whether it was present.
//
// Parameters:
//   - k: The key to look up
//
// Returns:
//   - The value for k, or the zero value of V
//   - true if k was present
func (m *SafeMap[K, V]) Load(k K) (V, bool) {
	v, found := m.m.Load(k)
	if !found {
		var empty V
		return empty, false
	}

	return v.(V), true
}

// LoadOrStore returns the existing value for k if present. Otherwise it stores
// and returns v. The boolean is true if the value was loaded.
//
// Parameters:
//   - k: The key
//   - v: The value stored when k is absent
//
// Returns:
//   - The value now associated with k
//   - true if the value already existed
func (m *SafeMap[K, V]) LoadOrStore(k K, v V) (V, bool) {
	actual, loaded := m.m.LoadOrStore(k, v)
	return actual.(V), loaded
}

// Delete removes k. Deleting an absent key is a no-op.
func (m *SafeMap[K, V]) Delete(k K) {
	m.m.Delete(k)
}

// Range calls f for each entry until f returns false. Entries stored or
// deleted concurrently may or may not be visited.
func (m *SafeMap[K, V]) Range(f func(k K, v V) bool) {
	m.m.Range(func(k, v any) bool {
		return f(k.(K), v.(V))
	})
}

// Keys returns a snapshot of the keys in unspecified order.
func (m *SafeMap[K, V]) Keys() []K {
	var keys []K
	m.Range(func(k K, _ V) bool {
		keys = append(keys, k)
		return true
	})

	return keys
}

// Len counts the entries. It walks the whole map.
func (m *SafeMap[K, V]) Len() int {
	return m.CountFunc(func(K, V) bool { return true })
}

// CountFunc counts the entries for which match returns true.
//
// Parameters:
//   - match: Predicate applied to each entry
//
// Returns:
//   - The number of matching entries
func (m *SafeMap[K, V]) CountFunc(match func(k K, v V) bool) int {
	n := 0
	m.Range(func(k K, v V) bool {
		if match(k, v) {
			n++
		}
		return true
	})

	return n
}
