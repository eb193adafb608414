package stream

import (
	"hash/fnv"
	"sync"
)

const defaultShardCount = 16

type stateShard[V any] struct {
	mu      sync.Mutex
	entries map[string]V
}

// StateStore is a keyed mutable store for per-session processing state.
// Keys are sharded by an FNV hash into independently locked maps so that
// concurrent consumer goroutines updating different sessions do not
// serialize on a single lock. Every read-modify-write for a key happens
// under that key's shard lock.
type StateStore[V any] struct {
	shards []*stateShard[V]
}

func NewStateStore[V any]() *StateStore[V] {
	return NewStateStoreWithShards[V](defaultShardCount)
}

func NewStateStoreWithShards[V any](shards int) *StateStore[V] {
	if shards < 1 {
		shards = 1
	}
	s := &StateStore[V]{shards: make([]*stateShard[V], shards)}
	for i := range s.shards {
		s.shards[i] = &stateShard[V]{entries: make(map[string]V)}
	}
	return s
}

func (s *StateStore[V]) shard(key string) *stateShard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

func (s *StateStore[V]) Get(key string) (V, bool) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := sh.entries[key]
	return v, ok
}

func (s *StateStore[V]) Put(key string, value V) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.entries[key] = value
}

// Update applies fn to the current value under the shard lock. fn receives
// the zero value and ok=false when the key is absent; whatever it returns
// is stored back.
func (s *StateStore[V]) Update(key string, fn func(current V, ok bool) V) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, ok := sh.entries[key]
	sh.entries[key] = fn(cur, ok)
}

// View runs fn with the current value under the shard lock, so readers
// can take a consistent copy while writers mutate through Update. fn
// must not retain a pointer value past its return.
func (s *StateStore[V]) View(key string, fn func(current V, ok bool)) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := sh.entries[key]
	fn(v, ok)
}

func (s *StateStore[V]) Delete(key string) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.entries, key)
}

func (s *StateStore[V]) Len() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		total += len(sh.entries)
		sh.mu.Unlock()
	}
	return total
}
