package store

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/perimetra/riskgate/internal/syncutil"
)

const (
	// DefaultCapacity bounds total entries before LRU eviction kicks in.
	DefaultCapacity = 100_000

	// DefaultCleanupInterval is how often the sweeper removes expired entries.
	DefaultCleanupInterval = 60 * time.Second

	shardCount = 256
)

// entry is a stored value with access metadata.
type entry struct {
	value       any
	createdAt   time.Time
	lastAccess  time.Time
	accessCount int64
	expiresAt   time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !e.expiresAt.After(now)
}

// memShard holds a slice of the keyspace behind its own lock.
type memShard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// MemoryStore is the in-process Store implementation: capacity-bounded,
// TTL-expiring, with approximate-LRU eviction and a periodic sweeper.
// Keys are partitioned across 256 shards by FNV hash so unrelated
// identities never contend on the same lock.
type MemoryStore struct {
	shards   [shardCount]*memShard
	capacity int
	size     atomic.Int64

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
}

// Compile-time check.
var _ Store = (*MemoryStore)(nil)

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithCapacity overrides the default entry capacity.
func WithCapacity(n int) MemoryOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithLogger sets a structured logger for the sweeper.
func WithLogger(l *slog.Logger) MemoryOption {
	return func(s *MemoryStore) { s.logger = l }
}

// NewMemory creates a MemoryStore and starts its sweeper with the given
// interval (DefaultCleanupInterval when 0).
func NewMemory(cleanupInterval time.Duration, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		capacity: DefaultCapacity,
		logger:   slog.Default(),
		stop:     make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &memShard{entries: make(map[string]*entry)}
	}
	for _, opt := range opts {
		opt(s)
	}

	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	go s.sweep(cleanupInterval)
	return s
}

func (s *MemoryStore) shard(key string) *memShard {
	return s.shards[syncutil.ShardIndex(key)]
}

// Set stores value under key, evicting the least-recently-accessed entry
// first when the store is at capacity.
func (s *MemoryStore) Set(key string, value any, ttl time.Duration) {
	sh := s.shard(key)

	sh.mu.Lock()
	_, exists := sh.entries[key]
	sh.mu.Unlock()

	if !exists && int(s.size.Load()) >= s.capacity {
		s.evictOldest()
	}

	now := time.Now()
	e := &entry{
		value:      value,
		createdAt:  now,
		lastAccess: now,
	}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}

	sh.mu.Lock()
	if _, replaced := sh.entries[key]; !replaced {
		s.size.Add(1)
	}
	sh.entries[key] = e
	sh.mu.Unlock()
}

func (s *MemoryStore) Get(key string) (any, bool) {
	sh := s.shard(key)
	now := time.Now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		s.misses.Add(1)
		return nil, false
	}
	if e.expired(now) {
		delete(sh.entries, key)
		s.size.Add(-1)
		s.misses.Add(1)
		return nil, false
	}
	e.lastAccess = now
	e.accessCount++
	s.hits.Add(1)
	return e.value, true
}

func (s *MemoryStore) Has(key string) bool {
	sh := s.shard(key)
	now := time.Now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		return false
	}
	if e.expired(now) {
		delete(sh.entries, key)
		s.size.Add(-1)
		return false
	}
	return true
}

func (s *MemoryStore) Delete(key string) bool {
	sh := s.shard(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.entries[key]; !ok {
		return false
	}
	delete(sh.entries, key)
	s.size.Add(-1)
	return true
}

func (s *MemoryStore) Update(key string, fn func(any) any) bool {
	sh := s.shard(key)
	now := time.Now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok || e.expired(now) {
		return false
	}
	e.value = fn(e.value)
	e.lastAccess = now
	return true
}

func (s *MemoryStore) Increment(key string, amount int64) (int64, bool) {
	sh := s.shard(key)
	now := time.Now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok || e.expired(now) {
		if !ok {
			s.size.Add(1)
		}
		sh.entries[key] = &entry{
			value:      amount,
			createdAt:  now,
			lastAccess: now,
		}
		return amount, true
	}

	current, isInt := e.value.(int64)
	if !isInt {
		return 0, false
	}
	current += amount
	e.value = current
	e.lastAccess = now
	return current, true
}

func (s *MemoryStore) Push(key string, value any, maxLen int) bool {
	sh := s.shard(key)
	now := time.Now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok || e.expired(now) {
		if !ok {
			s.size.Add(1)
		}
		sh.entries[key] = &entry{
			value:      []any{value},
			createdAt:  now,
			lastAccess: now,
		}
		return true
	}

	list, isList := e.value.([]any)
	if !isList {
		return false
	}
	list = append(list, value)
	if maxLen > 0 && len(list) > maxLen {
		list = list[len(list)-maxLen:]
	}
	e.value = list
	e.lastAccess = now
	return true
}

func (s *MemoryStore) List(key string) []any {
	v, ok := s.Get(key)
	if !ok {
		return nil
	}
	list, isList := v.([]any)
	if !isList {
		return nil
	}
	cp := make([]any, len(list))
	copy(cp, list)
	return cp
}

func (s *MemoryStore) Keys(pattern string) []string {
	re := compilePattern(pattern)
	now := time.Now()

	var keys []string
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k, e := range sh.entries {
			if e.expired(now) {
				continue
			}
			if re == nil || re.MatchString(k) {
				keys = append(keys, k)
			}
		}
		sh.mu.RUnlock()
	}
	return keys
}

func (s *MemoryStore) Clear() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		n := len(sh.entries)
		sh.entries = make(map[string]*entry)
		sh.mu.Unlock()
		s.size.Add(int64(-n))
	}
}

// Cleanup removes every expired entry. Called by the sweeper and available
// for explicit invocation.
func (s *MemoryStore) Cleanup() int {
	now := time.Now()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if e.expired(now) {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		s.size.Add(int64(-removed))
	}
	return removed
}

func (s *MemoryStore) Stats() Stats {
	hits := s.hits.Load()
	misses := s.misses.Load()
	st := Stats{
		Hits:      hits,
		Misses:    misses,
		Evictions: s.evictions.Load(),
		Size:      int(s.size.Load()),
	}
	if total := hits + misses; total > 0 {
		st.HitRate = float64(hits) / float64(total)
	}
	return st
}

func (s *MemoryStore) Export() ([]byte, error) {
	now := time.Now()
	out := make(map[string]exportEntry)

	for _, sh := range s.shards {
		sh.mu.RLock()
		for k, e := range sh.entries {
			if e.expired(now) {
				continue
			}
			raw, err := json.Marshal(e.value)
			if err != nil {
				continue // unmarshalable values are skipped, not fatal
			}
			ee := exportEntry{Value: raw}
			if !e.expiresAt.IsZero() {
				ee.Expiration = e.expiresAt.UnixMilli()
			}
			out[k] = ee
		}
		sh.mu.RUnlock()
	}
	return json.Marshal(out)
}

// Import re-hydrates entries from a previous Export. Entries whose
// expiration has already passed are skipped. Values round-trip through
// JSON, so numeric types come back as float64.
func (s *MemoryStore) Import(data []byte) error {
	var in map[string]exportEntry
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	now := time.Now()
	for k, ee := range in {
		var ttl time.Duration
		if ee.Expiration > 0 {
			exp := time.UnixMilli(ee.Expiration)
			if !exp.After(now) {
				continue
			}
			ttl = exp.Sub(now)
		}
		var v any
		if err := json.Unmarshal(ee.Value, &v); err != nil {
			continue
		}
		s.Set(k, v, ttl)
	}
	return nil
}

func (s *MemoryStore) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// evictOldest removes the single entry with the minimum last-access time.
// Linear scan over all shards — approximate LRU, acceptable at the target
// capacity.
func (s *MemoryStore) evictOldest() {
	var (
		victimShard *memShard
		victimKey   string
		oldest      time.Time
	)

	for _, sh := range s.shards {
		sh.mu.RLock()
		for k, e := range sh.entries {
			if victimShard == nil || e.lastAccess.Before(oldest) {
				victimShard = sh
				victimKey = k
				oldest = e.lastAccess
			}
		}
		sh.mu.RUnlock()
	}

	if victimShard == nil {
		return
	}

	victimShard.mu.Lock()
	if _, ok := victimShard.entries[victimKey]; ok {
		delete(victimShard.entries, victimKey)
		s.size.Add(-1)
		s.evictions.Add(1)
	}
	victimShard.mu.Unlock()
}

func (s *MemoryStore) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.Cleanup(); n > 0 {
				s.logger.Debug("store sweep removed expired entries", "count", n)
			}
		case <-s.stop:
			return
		}
	}
}

// compilePattern turns a '*'-wildcard pattern into an anchored regexp.
// Returns nil (match everything) for the empty pattern.
func compilePattern(pattern string) *regexp.Regexp {
	if pattern == "" || pattern == "*" {
		return nil
	}
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")
}
