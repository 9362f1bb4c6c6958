// Package shard provides a fixed set of mutex-guarded maps selected by key
// hash, so unrelated keys never contend on the same lock.
package shard

import (
	"hash/fnv"
	"sync"
)

// DefaultCount is the shard count used when none is given.
const DefaultCount = 32

// Shard is one partition. Callers hold Mu while touching M.
type Shard[V any] struct {
	Mu sync.Mutex
	M  map[string]V
}

// Map is a set of shards keyed by string.
type Map[V any] struct {
	shards []*Shard[V]
}

// New creates a Map with n shards; n <= 0 selects DefaultCount.
func New[V any](n int) *Map[V] {
	if n <= 0 {
		n = DefaultCount
	}
	m := &Map[V]{shards: make([]*Shard[V], n)}
	for i := range m.shards {
		m.shards[i] = &Shard[V]{M: make(map[string]V)}
	}
	return m
}

// For returns the shard owning key.
func (m *Map[V]) For(key string) *Shard[V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

// With runs fn with the shard for key locked.
func (m *Map[V]) With(key string, fn func(entries map[string]V)) {
	s := m.For(key)
	s.Mu.Lock()
	defer s.Mu.Unlock()
	fn(s.M)
}

// Each visits every shard in turn, locking one at a time.
func (m *Map[V]) Each(fn func(entries map[string]V)) {
	for _, s := range m.shards {
		s.Mu.Lock()
		fn(s.M)
		s.Mu.Unlock()
	}
}

// Exclusive locks every shard in index order, runs fn over all of them and
// releases them. No other operation on the map can interleave with fn.
func (m *Map[V]) Exclusive(fn func(shards []map[string]V)) {
	all := make([]map[string]V, len(m.shards))
	for i, s := range m.shards {
		s.Mu.Lock()
		all[i] = s.M
	}
	defer func() {
		for i := len(m.shards) - 1; i >= 0; i-- {
			m.shards[i].Mu.Unlock()
		}
	}()
	fn(all)
}

// Len counts entries across shards.
func (m *Map[V]) Len() int {
	n := 0
	m.Each(func(entries map[string]V) { n += len(entries) })
	return n
}
