package scanner

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// Cache stores reports by cache key. A key identifies the exact artifact
// content, so a hit is only ever reused for identical bytes.
type Cache interface {
	Get(ctx context.Context, key string) (*Report, bool, error)
	Put(ctx context.Context, key string, report *Report) error
}

// MemoryCache is a bounded LRU cache.
type MemoryCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type memoryEntry struct {
	key    string
	report *Report
}

// NewMemoryCache creates a cache holding at most max reports. A non-positive
// max defaults to 256.
func NewMemoryCache(max int) *MemoryCache {
	if max <= 0 {
		max = 256
	}
	return &MemoryCache{max: max, order: list.New(), entries: make(map[string]*list.Element)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*Report, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	c.order.MoveToFront(el)
	return cloneReport(el.Value.(*memoryEntry).report), true, nil
}

func (c *MemoryCache) Put(_ context.Context, key string, report *Report) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		el.Value.(*memoryEntry).report = cloneReport(report)
		c.order.MoveToFront(el)
		return nil
	}
	c.entries[key] = c.order.PushFront(&memoryEntry{key: key, report: cloneReport(report)})
	for c.order.Len() > c.max {
		last := c.order.Back()
		c.order.Remove(last)
		delete(c.entries, last.Value.(*memoryEntry).key)
	}
	return nil
}

// Len returns the number of cached reports.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func cloneReport(r *Report) *Report {
	out := *r
	out.Findings = append([]Finding(nil), r.Findings...)
	out.Recommendations = append([]string(nil), r.Recommendations...)
	out.Declared = append(out.Declared[:0:0], r.Declared...)
	out.Exercised = append(out.Exercised[:0:0], r.Exercised...)
	return &out
}

// RedisCache stores reports as JSON in Redis.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisCache creates a cache under prefix. A zero ttl keeps entries forever.
func NewRedisCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "pluginhost:scan:"
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*Report, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to read cached report")
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, false, errors.Wrap(err, "failed to decode cached report")
	}
	return &r, true, nil
}

func (c *RedisCache) Put(ctx context.Context, key string, report *Report) error {
	data, err := json.Marshal(report)
	if err != nil {
		return errors.Wrap(err, "failed to encode report")
	}
	if err := c.client.Set(ctx, c.prefix+key, data, c.ttl).Err(); err != nil {
		return errors.Wrap(err, "failed to cache report")
	}
	return nil
}
