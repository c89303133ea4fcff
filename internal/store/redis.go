package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/perimetra/riskgate/internal/syncutil"
)

// RedisStore is a Redis-backed Store for deployments that want risk state
// to survive restarts or be shared by a warm standby. Values are stored as
// JSON; expiry rides on Redis server-side TTLs so Cleanup is a no-op.
//
// Per-key linearizability for read-modify-write operations (Update, Push)
// is provided by local sharded locks, which is sufficient for the engine's
// single-writer-per-process model. Cross-process writers should layer
// their own coordination.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	locks     syncutil.ShardedRWMutex
	logger    *slog.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
}

// Compile-time check.
var _ Store = (*RedisStore)(nil)

// RedisConfig holds connection settings for a RedisStore.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedis connects to Redis and returns a RedisStore. The connection is
// verified with a 5 second ping.
func NewRedis(cfg RedisConfig, logger *slog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis store: connect: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "riskgate:"
	}
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("redis store initialized", "addr", cfg.Addr, "key_prefix", prefix)
	return &RedisStore{client: client, keyPrefix: prefix, logger: logger}, nil
}

func (s *RedisStore) key(k string) string { return s.keyPrefix + k }

func (s *RedisStore) Set(key string, value any, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		s.logger.Warn("redis store: set skipped unmarshalable value", "key", key, "error", err)
		return
	}
	if err := s.client.Set(context.Background(), s.key(key), raw, ttl).Err(); err != nil {
		s.logger.Warn("redis store: set failed", "key", key, "error", err)
	}
}

func (s *RedisStore) Get(key string) (any, bool) {
	raw, err := s.client.Get(context.Background(), s.key(key)).Bytes()
	if err != nil {
		s.misses.Add(1)
		return nil, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		s.misses.Add(1)
		return nil, false
	}
	s.hits.Add(1)
	return v, true
}

func (s *RedisStore) Has(key string) bool {
	n, err := s.client.Exists(context.Background(), s.key(key)).Result()
	return err == nil && n > 0
}

func (s *RedisStore) Delete(key string) bool {
	n, err := s.client.Del(context.Background(), s.key(key)).Result()
	return err == nil && n > 0
}

func (s *RedisStore) Update(key string, fn func(any) any) bool {
	unlock := s.locks.Lock(key)
	defer unlock()

	ctx := context.Background()
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		return false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}

	out, err := json.Marshal(fn(v))
	if err != nil {
		return false
	}
	// KeepTTL preserves any server-side expiry across the rewrite.
	return s.client.Set(ctx, s.key(key), out, redis.KeepTTL).Err() == nil
}

func (s *RedisStore) Increment(key string, amount int64) (int64, bool) {
	n, err := s.client.IncrBy(context.Background(), s.key(key), amount).Result()
	if err != nil {
		return 0, false
	}
	return n, true
}

func (s *RedisStore) Push(key string, value any, maxLen int) bool {
	unlock := s.locks.Lock(key)
	defer unlock()

	ctx := context.Background()
	var list []any
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == nil {
		if err := json.Unmarshal(raw, &list); err != nil {
			return false // existing value is not a list
		}
	}

	list = append(list, value)
	if maxLen > 0 && len(list) > maxLen {
		list = list[len(list)-maxLen:]
	}
	out, err := json.Marshal(list)
	if err != nil {
		return false
	}
	return s.client.Set(ctx, s.key(key), out, redis.KeepTTL).Err() == nil
}

func (s *RedisStore) List(key string) []any {
	v, ok := s.Get(key)
	if !ok {
		return nil
	}
	list, isList := v.([]any)
	if !isList {
		return nil
	}
	return list
}

func (s *RedisStore) Keys(pattern string) []string {
	if pattern == "" {
		pattern = "*"
	}
	ctx := context.Background()
	var keys []string
	iter := s.client.Scan(ctx, 0, s.keyPrefix+pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(s.keyPrefix):])
	}
	if err := iter.Err(); err != nil {
		s.logger.Warn("redis store: scan failed", "error", err)
	}
	return keys
}

func (s *RedisStore) Clear() {
	for _, k := range s.Keys("*") {
		s.Delete(k)
	}
}

// Cleanup is a no-op: Redis expires keys server-side.
func (s *RedisStore) Cleanup() int { return 0 }

func (s *RedisStore) Stats() Stats {
	hits := s.hits.Load()
	misses := s.misses.Load()
	st := Stats{Hits: hits, Misses: misses, Size: len(s.Keys("*"))}
	if total := hits + misses; total > 0 {
		st.HitRate = float64(hits) / float64(total)
	}
	return st
}

func (s *RedisStore) Export() ([]byte, error) {
	ctx := context.Background()
	out := make(map[string]exportEntry)
	for _, k := range s.Keys("*") {
		raw, err := s.client.Get(ctx, s.key(k)).Bytes()
		if err != nil {
			continue
		}
		ee := exportEntry{Value: json.RawMessage(raw)}
		if ttl, err := s.client.TTL(ctx, s.key(k)).Result(); err == nil && ttl > 0 {
			ee.Expiration = time.Now().Add(ttl).UnixMilli()
		}
		out[k] = ee
	}
	return json.Marshal(out)
}

func (s *RedisStore) Import(data []byte) error {
	var in map[string]exportEntry
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	ctx := context.Background()
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
		if err := s.client.Set(ctx, s.key(k), []byte(ee.Value), ttl).Err(); err != nil {
			return fmt.Errorf("redis store: import %q: %w", k, err)
		}
	}
	return nil
}

func (s *RedisStore) Close() {
	_ = s.client.Close()
}
