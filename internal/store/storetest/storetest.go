// Package storetest provides store doubles for consumer package tests.
package storetest

import (
	"encoding/json"
	"time"

	"github.com/perimetra/riskgate/internal/store"
)

// JSONStore wraps the in-memory store with the value encoding a networked
// backend applies: everything is marshaled to JSON on write and handed back
// generically decoded on read. Tests run against it to prove a consumer
// sees the same value shapes it would get from RedisStore, without needing
// a Redis server.
type JSONStore struct {
	inner store.Store
}

// Compile-time check.
var _ store.Store = (*JSONStore)(nil)

// New returns a JSONStore over a fresh in-memory store.
func New() *JSONStore {
	return &JSONStore{inner: store.NewMemory(time.Minute)}
}

// roundtrip re-encodes v the way a JSON backend would: structs become
// map[string]any, slices become []any, numbers become float64.
func roundtrip(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func (s *JSONStore) Set(key string, value any, ttl time.Duration) {
	s.inner.Set(key, roundtrip(value), ttl)
}

func (s *JSONStore) Get(key string) (any, bool) { return s.inner.Get(key) }

func (s *JSONStore) Has(key string) bool { return s.inner.Has(key) }

func (s *JSONStore) Delete(key string) bool { return s.inner.Delete(key) }

func (s *JSONStore) Update(key string, fn func(any) any) bool {
	return s.inner.Update(key, func(v any) any { return roundtrip(fn(v)) })
}

func (s *JSONStore) Increment(key string, amount int64) (int64, bool) {
	return s.inner.Increment(key, amount)
}

func (s *JSONStore) Push(key string, value any, maxLen int) bool {
	return s.inner.Push(key, roundtrip(value), maxLen)
}

func (s *JSONStore) List(key string) []any { return s.inner.List(key) }

func (s *JSONStore) Keys(pattern string) []string { return s.inner.Keys(pattern) }

func (s *JSONStore) Clear() { s.inner.Clear() }

func (s *JSONStore) Cleanup() int { return s.inner.Cleanup() }

func (s *JSONStore) Stats() store.Stats { return s.inner.Stats() }

func (s *JSONStore) Export() ([]byte, error) { return s.inner.Export() }

func (s *JSONStore) Import(data []byte) error { return s.inner.Import(data) }

func (s *JSONStore) Close() { s.inner.Close() }
