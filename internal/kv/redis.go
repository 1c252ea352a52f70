package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const redisScanBatch = 256

// RedisConfig describes how to reach the hosted store.
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	Namespace string
}

// RedisStore implements Store on Redis. Expiry is native (PX); List scans by pattern and sorts
// client-side because SCAN returns keys in hash order.
type RedisStore struct {
	rdb       goredis.UniversalClient
	namespace string
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	addr := strings.TrimSpace(cfg.Address)
	if addr == "" {
		return nil, fmt.Errorf("redis store: address is required")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStoreWithClient(rdb, cfg.Namespace), nil
}

// NewRedisStoreWithClient wraps an existing client. Keys are stored under "{namespace}:" when
// namespace is set.
func NewRedisStoreWithClient(rdb goredis.UniversalClient, namespace string) *RedisStore {
	namespace = strings.TrimSpace(namespace)
	if namespace != "" && !strings.HasSuffix(namespace, ":") {
		namespace += ":"
	}
	return &RedisStore{rdb: rdb, namespace: namespace}
}

// Close closes the client.
func (r *RedisStore) Close() error {
	if r == nil || r.rdb == nil {
		return nil
	}
	return r.rdb.Close()
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.rdb.Get(ctx, r.namespaced(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return value, nil
}

func (r *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.rdb.Set(ctx, r.namespaced(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, r.namespaced(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (r *RedisStore) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	pattern := escapeRedisPattern(r.namespaced(prefix)) + "*"
	keys := make([]string, 0)
	iter := r.rdb.Scan(ctx, 0, pattern, redisScanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), r.namespace))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}

	// SCAN may report a key more than once.
	sort.Strings(keys)
	deduped := keys[:0]
	for i, key := range keys {
		if i > 0 && key == keys[i-1] {
			continue
		}
		deduped = append(deduped, key)
	}
	if limit > 0 && len(deduped) > limit {
		deduped = deduped[:limit]
	}
	return deduped, nil
}

func (r *RedisStore) namespaced(key string) string {
	return r.namespace + key
}

func escapeRedisPattern(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return replacer.Replace(value)
}
