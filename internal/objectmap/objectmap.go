// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package objectmap is a map keyed by values that are not comparable with
// ==, such as queries and targets. Keys are bucketed by the xxhash of their
// canonical id and disambiguated with an equality function.
package objectmap

import (
	"github.com/cespare/xxhash/v2"
)

// Key is implemented by types usable as ObjectMap keys. Equal values must
// have equal canonical ids.
type Key[K any] interface {
	CanonicalID() string
	Equal(other K) bool
}

type entry[K Key[K], V any] struct {
	key   K
	value V
}

// ObjectMap maps K to V. It is not safe for concurrent use.
type ObjectMap[K Key[K], V any] struct {
	buckets map[uint64][]entry[K, V]
	size    int
}

// New returns an empty map.
func New[K Key[K], V any]() *ObjectMap[K, V] {
	return &ObjectMap[K, V]{buckets: make(map[uint64][]entry[K, V])}
}

func hash(id string) uint64 {
	return xxhash.Sum64String(id)
}

// Get returns the value stored for key.
func (m *ObjectMap[K, V]) Get(key K) (V, bool) {
	for _, e := range m.buckets[hash(key.CanonicalID())] {
		if e.key.Equal(key) {
			return e.value, true
		}
	}

	var zero V

	return zero, false
}

// Has reports whether key is present.
func (m *ObjectMap[K, V]) Has(key K) bool {
	_, ok := m.Get(key)

	return ok
}

// Set stores value under key, replacing any previous value.
func (m *ObjectMap[K, V]) Set(key K, value V) {
	h := hash(key.CanonicalID())
	bucket := m.buckets[h]

	for i := range bucket {
		if bucket[i].key.Equal(key) {
			bucket[i].value = value

			return
		}
	}

	m.buckets[h] = append(bucket, entry[K, V]{key: key, value: value})
	m.size++
}

// Delete removes key and reports whether it was present.
func (m *ObjectMap[K, V]) Delete(key K) bool {
	h := hash(key.CanonicalID())
	bucket := m.buckets[h]

	for i := range bucket {
		if !bucket[i].key.Equal(key) {
			continue
		}

		bucket = append(bucket[:i], bucket[i+1:]...)
		if len(bucket) == 0 {
			delete(m.buckets, h)
		} else {
			m.buckets[h] = bucket
		}

		m.size--

		return true
	}

	return false
}

// Len returns the number of entries.
func (m *ObjectMap[K, V]) Len() int {
	return m.size
}

// IsEmpty reports whether the map has no entries.
func (m *ObjectMap[K, V]) IsEmpty() bool {
	return m.size == 0
}

// ForEach calls fn for every entry in unspecified order. Returning false
// stops the iteration. fn must not modify the map.
func (m *ObjectMap[K, V]) ForEach(fn func(key K, value V) bool) {
	for _, bucket := range m.buckets {
		for _, e := range bucket {
			if !fn(e.key, e.value) {
				return
			}
		}
	}
}

// Keys returns all keys in unspecified order.
func (m *ObjectMap[K, V]) Keys() []K {
	keys := make([]K, 0, m.size)
	m.ForEach(func(k K, _ V) bool {
		keys = append(keys, k)

		return true
	})

	return keys
}
