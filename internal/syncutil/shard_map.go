package syncutil

import (
	"hash/fnv"
	"iter"
	"sync"
)

const shardCount = 32

// ShardMap is a concurrent map partitioned across a fixed number of
// locked shards to reduce contention under parallel access.
type ShardMap[K ~string, V any] struct {
	shards [shardCount]shard[K, V]
}

type shard[K ~string, V any] struct {
	mu   sync.RWMutex
	data map[K]V
}

// NewShardMap returns an empty ShardMap.
func NewShardMap[K ~string, V any]() *ShardMap[K, V] {
	m := &ShardMap[K, V]{}
	for i := range m.shards {
		m.shards[i].data = make(map[K]V)
	}
	return m
}

func (m *ShardMap[K, V]) shard(key K) *shard[K, V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &m.shards[h.Sum32()%shardCount]
}

// Get returns the value stored under key.
func (m *ShardMap[K, V]) Get(key K) (V, bool) {
	s := m.shard(key)
	s.mu.RLock()
	v, ok := s.data[key]
	s.mu.RUnlock()
	return v, ok
}

// Set stores the value under key, replacing any previous value.
func (m *ShardMap[K, V]) Set(key K, val V) {
	s := m.shard(key)
	s.mu.Lock()
	s.data[key] = val
	s.mu.Unlock()
}

// SetIfAbsent stores the value only when key has no entry yet.
// It returns the value now stored under key, and true when the
// provided value was stored by this call.
func (m *ShardMap[K, V]) SetIfAbsent(key K, val V) (V, bool) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.data[key]; ok {
		return old, false
	}
	s.data[key] = val
	return val, true
}

// Del removes the entry stored under key and reports whether it existed.
func (m *ShardMap[K, V]) Del(key K) bool {
	s := m.shard(key)
	s.mu.Lock()
	_, ok := s.data[key]
	delete(s.data, key)
	s.mu.Unlock()
	return ok
}

// Has reports whether an entry exists under key.
func (m *ShardMap[K, V]) Has(key K) bool {
	s := m.shard(key)
	s.mu.RLock()
	_, ok := s.data[key]
	s.mu.RUnlock()
	return ok
}

// Size returns the total number of entries across all shards.
func (m *ShardMap[K, V]) Size() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		n += len(s.data)
		s.mu.RUnlock()
	}
	return n
}

// Clear removes all entries.
func (m *ShardMap[K, V]) Clear() {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		clear(s.data)
		s.mu.Unlock()
	}
}

// Items iterates over a snapshot of every entry. Entries added or
// removed during iteration may or may not be observed.
func (m *ShardMap[K, V]) Items() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for i := range m.shards {
			s := &m.shards[i]
			s.mu.RLock()
			keys := make([]K, 0, len(s.data))
			vals := make([]V, 0, len(s.data))
			for k, v := range s.data {
				keys = append(keys, k)
				vals = append(vals, v)
			}
			s.mu.RUnlock()
			for j := range keys {
				if !yield(keys[j], vals[j]) {
					return
				}
			}
		}
	}
}
