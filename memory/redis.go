package memory

import (
	"context"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/loomworks/loom/agenterrors"
	"github.com/loomworks/loom/config"
)

// ============================================================================
// REDIS STORE
// ============================================================================

const redisScanBatch = 256

// RedisStore keeps records as plain Redis strings keyed by the flat layout.
type RedisStore struct {
	client *redis.Client
}

var _ KVStore = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg *config.RedisConfig) (*RedisStore, error) {
	cfg.SetDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, agenterrors.Wrap(agenterrors.KindStoreUnavailable, "redis ping failed", err)
	}
	return &RedisStore{client: client}, nil
}

// Put stores value under key.
func (s *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return agenterrors.Wrap(agenterrors.KindStoreUnavailable, "redis set", err)
	}
	return nil
}

// Get returns the value stored under key.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, agenterrors.Wrap(agenterrors.KindStoreUnavailable, "redis get", err)
	}
	return value, true, nil
}

// Range scans keys under prefix, sorts them, and fetches values for keys
// greater than fromKey.
func (s *RedisStore) Range(ctx context.Context, prefix, fromKey string, limit int) ([]KV, error) {
	keys, err := s.ScanKeys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	filtered := keys[:0]
	for _, k := range keys {
		if k > fromKey {
			filtered = append(filtered, k)
		}
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}
	if len(filtered) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, filtered...).Result()
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.KindStoreUnavailable, "redis mget", err)
	}
	out := make([]KV, 0, len(filtered))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// Key expired between scan and fetch.
			continue
		}
		out = append(out, KV{Key: filtered[i], Value: []byte(str)})
	}
	return out, nil
}

// Delete removes every key under prefix.
func (s *RedisStore) Delete(ctx context.Context, prefix string) error {
	keys, err := s.ScanKeys(ctx, prefix)
	if err != nil {
		return err
	}
	for start := 0; start < len(keys); start += redisScanBatch {
		end := start + redisScanBatch
		if end > len(keys) {
			end = len(keys)
		}
		if err := s.client.Del(ctx, keys[start:end]...).Err(); err != nil {
			return agenterrors.Wrap(agenterrors.KindStoreUnavailable, "redis del", err)
		}
	}
	return nil
}

// ScanKeys returns all keys under prefix in ascending order.
func (s *RedisStore) ScanKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", redisScanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, agenterrors.Wrap(agenterrors.KindStoreUnavailable, "redis scan", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Kind identifies the backend.
func (s *RedisStore) Kind() string {
	return "redis"
}

// Close releases the connection pool.
func (s *RedisStore) Close(ctx context.Context) error {
	return s.client.Close()
}
