// Package store provides the process-wide TTL-bounded state store that
// holds all per-identity risk state: event lists, behavior profiles,
// fingerprint histories, rate-limiter buckets, and reputation records.
//
// The interface is deliberately narrow so a networked backend (see
// RedisStore) can be substituted without touching the signal producers.
package store

import (
	"encoding/json"
	"time"
)

// Stats reports cache effectiveness counters. Hits, Misses, and Evictions
// are monotonically non-decreasing for the lifetime of a store.
type Stats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	Size      int     `json:"size"`
	HitRate   float64 `json:"hitRate"`
}

// Store is the shared state interface. All operations are linearizable
// per key; cross-key operations (Keys, Cleanup, Clear) are best effort
// under concurrent mutation.
type Store interface {
	// Set stores value under key. A ttl of 0 means no expiry.
	Set(key string, value any, ttl time.Duration)

	// Get returns the live value for key. Expired entries are deleted on
	// access and never returned. A hit refreshes the entry's last-access
	// time and bumps its access count.
	Get(key string) (any, bool)

	// Has reports whether key holds a live entry without refreshing it.
	Has(key string) bool

	// Delete removes key, reporting whether it was present.
	Delete(key string) bool

	// Update atomically replaces the value under key via fn. Returns false
	// without mutation when the key is missing or expired.
	Update(key string, fn func(any) any) bool

	// Increment atomically adds amount to the integer counter under key,
	// creating it at zero when missing. Returns the new value, or false
	// without mutation when the existing value is not a counter.
	Increment(key string, amount int64) (int64, bool)

	// Push appends value to the list under key, creating the list when the
	// key is missing and trimming oldest-first beyond maxLen. Returns false
	// without mutation when the existing value is not a list.
	Push(key string, value any, maxLen int) bool

	// List returns a copy of the list under key, or nil when the key is
	// missing or not list-valued.
	List(key string) []any

	// Keys returns all live keys matching pattern, where '*' matches any
	// run of characters. An empty pattern matches everything.
	Keys(pattern string) []string

	// Clear removes all entries.
	Clear()

	// Cleanup sweeps expired entries, returning how many were removed.
	Cleanup() int

	// Stats returns cache counters.
	Stats() Stats

	// Export serializes all live entries to JSON.
	Export() ([]byte, error)

	// Import re-hydrates non-expired entries from a previous Export.
	Import(data []byte) error

	// Close stops background sweepers and releases resources.
	Close()
}

// exportEntry is the wire form used by Export/Import. Expiry is an epoch
// millisecond timestamp; zero means no expiry.
type exportEntry struct {
	Value      json.RawMessage `json:"value"`
	Expiration int64           `json:"expiration,omitempty"`
}
