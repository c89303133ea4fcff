// Package syncutil provides small synchronization helpers shared by the
// per-identity state stores.
package syncutil

import (
	"hash/fnv"
	"sync"
)

// ShardedRWMutex provides a fixed-size pool of RW mutexes keyed by string.
// The store uses it to give per-key linearizability with bounded memory
// regardless of how many identities are seen, at the cost of occasional
// false sharing between keys that hash to the same shard.
type ShardedRWMutex struct {
	shards [256]sync.RWMutex
}

// Lock acquires the write lock for the given key and returns an unlock
// function.
func (s *ShardedRWMutex) Lock(key string) func() {
	mu := s.shard(key)
	mu.Lock()
	return mu.Unlock
}

// RLock acquires the read lock for the given key and returns an unlock
// function.
func (s *ShardedRWMutex) RLock(key string) func() {
	mu := s.shard(key)
	mu.RLock()
	return mu.RUnlock
}

// ShardIndex returns the shard number a key maps to. Exposed so callers
// that partition data by shard (not just locks) can reuse the same mapping.
func ShardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % 256
}

func (s *ShardedRWMutex) shard(key string) *sync.RWMutex {
	return &s.shards[ShardIndex(key)]
}
