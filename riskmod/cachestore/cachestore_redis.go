package cachestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

const DefaultRedisPrefix = "riskmod/cache/"

// MaxLocalTTL bounds the in-process tier of the redis store. A purge only
// reaches the local tier of the replica that issued it; other replicas keep
// serving their local copy until it expires.
var MaxLocalTTL = time.Minute

// Redis-backed cache, shared between engine replicas, with a small in-process
// TinyLFU tier in front of it for hot keys.
type RedisCacheStore struct {
	data   *cache.Cache
	ttl    time.Duration
	prefix string
}

var _ CacheStore = (*RedisCacheStore)(nil)

func NewRedisCacheStore(redisURL string, ttl time.Duration) (*RedisCacheStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	if _, err := rdb.Ping(context.Background()).Result(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisCacheStoreFromClient(rdb, ttl, DefaultRedisPrefix), nil
}

// NewRedisCacheStoreFromClient shares an existing client. Deployments sharing
// one redis use distinct prefixes.
func NewRedisCacheStoreFromClient(rdb *redis.Client, ttl time.Duration, prefix string) *RedisCacheStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisCacheStore{
		data: cache.New(&cache.Options{
			Redis:      rdb,
			LocalCache: cache.NewTinyLFU(10_000, localTTL(ttl)),
		}),
		ttl:    ttl,
		prefix: prefix,
	}
}

func localTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > MaxLocalTTL {
		return MaxLocalTTL
	}
	return ttl
}

func (s *RedisCacheStore) key(name, key string) string {
	return s.prefix + name + "/" + key
}

func (s *RedisCacheStore) Get(ctx context.Context, name, key string) (string, error) {
	var val string
	err := s.data.Get(ctx, s.key(name, key), &val)
	if errors.Is(err, cache.ErrCacheMiss) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (s *RedisCacheStore) Set(ctx context.Context, name, key string, val string) error {
	return s.data.Set(&cache.Item{
		Ctx:   ctx,
		Key:   s.key(name, key),
		Value: val,
		TTL:   s.ttl,
	})
}

func (s *RedisCacheStore) Purge(ctx context.Context, name, key string) error {
	err := s.data.Delete(ctx, s.key(name, key))
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}
