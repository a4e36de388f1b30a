package markers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

type entry struct {
	FetchedAt time.Time `json:"fetched_at"`
	Response  *Response `json:"response"`
}

// localCache is the in-process tier. Entries carry their fetch time and
// freshness is checked on read.
type localCache struct {
	lru *lru.Cache[string, entry]
}

func newLocalCache(size int) *localCache {
	if size <= 0 {
		size = 256
	}
	c, _ := lru.New[string, entry](size)
	return &localCache{lru: c}
}

func (c *localCache) get(key string) (entry, bool) {
	return c.lru.Get(key)
}

func (c *localCache) add(key string, e entry) {
	c.lru.Add(key, e)
}

// RemoteCache is a shared cache tier between server instances.
type RemoteCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// RedisCache stores entries in Redis under a key prefix.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisCache(rdb *redis.Client, prefix string) *RedisCache {
	return &RedisCache{rdb: rdb, prefix: prefix}
}

// OpenRedis returns nil when addr is empty.
func OpenRedis(addr, password string, db int) *redis.Client {
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.rdb.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.rdb.Set(ctx, r.prefix+key, value, ttl).Err()
}

func encodeEntry(e entry) ([]byte, error) { return json.Marshal(e) }

func decodeEntry(b []byte) (entry, error) {
	var e entry
	if err := json.Unmarshal(b, &e); err != nil {
		return entry{}, err
	}
	if e.Response == nil {
		return entry{}, errors.New("empty cache entry")
	}
	return e, nil
}
