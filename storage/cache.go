package storage

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"prism-dashboard/gateway"
)

// Cache wraps a store with Redis-backed caching of query results for a set
// of read-mostly entities. Any write to a cached entity evicts its results.
type Cache struct {
	base     gateway.Store
	redis    *redis.Client
	ttl      time.Duration
	entities map[gateway.Entity]bool
}

// NewCache caches queries against entities for ttl.
func NewCache(base gateway.Store, client *redis.Client, ttl time.Duration, entities ...gateway.Entity) *Cache {
	if base == nil {
		panic("storage.NewCache: base store is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	c := &Cache{base: base, redis: client, ttl: ttl, entities: map[gateway.Entity]bool{}}
	for _, e := range entities {
		c.entities[e] = true
	}
	return c
}

var _ gateway.Store = (*Cache)(nil)

func (c *Cache) cached(e gateway.Entity) bool {
	return c.redis != nil && c.ttl > 0 && c.entities[e]
}

func (c *Cache) Query(ctx context.Context, e gateway.Entity, q gateway.Query) ([]gateway.Row, error) {
	if !c.cached(e) {
		return c.base.Query(ctx, e, q)
	}
	key, err := queryCacheKey(e, q)
	if err != nil {
		return c.base.Query(ctx, e, q)
	}
	if rows, ok := c.load(ctx, e, key); ok {
		return rows, nil
	}
	rows, err := c.base.Query(ctx, e, q)
	if err != nil {
		return nil, err
	}
	c.store(ctx, e, key, rows)
	return rows, nil
}

func (c *Cache) Count(ctx context.Context, e gateway.Entity, f gateway.Filter) (int, error) {
	return c.base.Count(ctx, e, f)
}

func (c *Cache) Insert(ctx context.Context, e gateway.Entity, row gateway.Row) (gateway.Row, error) {
	r, err := c.base.Insert(ctx, e, row)
	if err == nil {
		c.evict(ctx, e)
	}
	return r, err
}

func (c *Cache) InsertMany(ctx context.Context, e gateway.Entity, rows []gateway.Row) ([]gateway.Row, error) {
	out, err := c.base.InsertMany(ctx, e, rows)
	c.evict(ctx, e)
	return out, err
}

func (c *Cache) Update(ctx context.Context, e gateway.Entity, id string, patch gateway.Row) (gateway.Row, error) {
	r, err := c.base.Update(ctx, e, id, patch)
	if err == nil {
		c.evict(ctx, e)
	}
	return r, err
}

func (c *Cache) UpdateWhere(ctx context.Context, e gateway.Entity, f gateway.Filter, patch gateway.Row) ([]gateway.Row, error) {
	out, err := c.base.UpdateWhere(ctx, e, f, patch)
	c.evict(ctx, e)
	return out, err
}

func (c *Cache) Upsert(ctx context.Context, e gateway.Entity, row gateway.Row) (gateway.Row, bool, error) {
	r, created, err := c.base.Upsert(ctx, e, row)
	if err == nil {
		c.evict(ctx, e)
	}
	return r, created, err
}

func (c *Cache) load(ctx context.Context, e gateway.Entity, key string) ([]gateway.Row, bool) {
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// fall back to the store on redis errors
			_ = c.redis.Del(ctx, key).Err()
		}
		return nil, false
	}
	var raw []gateway.Row
	if err := sonic.Unmarshal(data, &raw); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return nil, false
	}
	sch, _ := gateway.SchemaOf(e)
	rows := make([]gateway.Row, len(raw))
	for i, r := range raw {
		n, err := sch.Normalize(r)
		if err != nil {
			_ = c.redis.Del(ctx, key).Err()
			return nil, false
		}
		rows[i] = n
	}
	return rows, true
}

func (c *Cache) store(ctx context.Context, e gateway.Entity, key string, rows []gateway.Row) {
	data, err := sonic.Marshal(rows)
	if err != nil {
		return
	}
	pipe := c.redis.TxPipeline()
	pipe.Set(ctx, key, data, c.ttl)
	pipe.SAdd(ctx, cacheIndexKey(e), key)
	pipe.Expire(ctx, cacheIndexKey(e), c.ttl)
	_, _ = pipe.Exec(ctx)
}

func (c *Cache) evict(ctx context.Context, e gateway.Entity) {
	if !c.cached(e) {
		return
	}
	keys, err := c.redis.SMembers(ctx, cacheIndexKey(e)).Result()
	if err != nil {
		return
	}
	_, _ = c.redis.Del(ctx, append(keys, cacheIndexKey(e))...).Result()
}

func queryCacheKey(e gateway.Entity, q gateway.Query) (string, error) {
	data, err := sonic.Marshal(q)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum(data)
	return fmt.Sprintf("query:%s:%s", e, hex.EncodeToString(sum[:])), nil
}

func cacheIndexKey(e gateway.Entity) string {
	return "query-keys:" + string(e)
}
