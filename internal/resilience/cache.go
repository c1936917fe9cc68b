package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ErrCacheMiss 表示缓存不存在
var ErrCacheMiss = errors.New("cache miss")

// KVStore 抽象的 KV 存储（用于在单元测试中替换 Redis）
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// RedisKVStore 基于 go-redis 的 KV 实现
type RedisKVStore struct {
	client *redis.Client
}

func NewRedisKVStore(client *redis.Client) *RedisKVStore {
	return &RedisKVStore{client: client}
}

func (r *RedisKVStore) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrCacheMiss
		}
		return "", err
	}
	return val, nil
}

func (r *RedisKVStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisKVStore) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

type fallbackItem struct {
	value   string
	expires time.Time // zero = no ttl
}

// Cache is the best-effort cache: Redis first, an in-process map with
// per-key expiry when Redis fails. It never returns an error to callers.
type Cache struct {
	primary KVStore
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	fallback map[string]fallbackItem

	onFallback func(op string)
}

// CacheOption 可选参数
type CacheOption func(*Cache)

// WithCacheClock replaces time.Now for fallback expiry, for tests.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// WithFallbackHook is called each time an operation falls back to memory.
func WithFallbackHook(fn func(op string)) CacheOption {
	return func(c *Cache) { c.onFallback = fn }
}

// NewCache 创建缓存封装。primary 可以为 nil（纯内存模式）。
func NewCache(primary KVStore, logger *zap.Logger, opts ...CacheOption) *Cache {
	c := &Cache{
		primary:  primary,
		logger:   logger,
		now:      time.Now,
		fallback: make(map[string]fallbackItem),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Set 写缓存；Redis 失败时写入内存兜底
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if c.primary != nil {
		err := c.primary.Set(ctx, key, value, ttl)
		if err == nil {
			c.mu.Lock()
			delete(c.fallback, key)
			c.mu.Unlock()
			return
		}
		c.warn("set", key, err)
	}

	var exp time.Time
	if ttl > 0 {
		exp = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.fallback[key] = fallbackItem{value: value, expires: exp}
	c.mu.Unlock()
}

// Get 读缓存；Redis 未命中或失败时查内存兜底
func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	if c.primary != nil {
		val, err := c.primary.Get(ctx, key)
		if err == nil {
			return val, true
		}
		if !errors.Is(err, ErrCacheMiss) {
			c.warn("get", key, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.fallback[key]
	if !ok {
		return "", false
	}
	if !item.expires.IsZero() && !c.now().Before(item.expires) {
		delete(c.fallback, key)
		return "", false
	}
	return item.value, true
}

// Delete 删除缓存（两侧都删）
func (c *Cache) Delete(ctx context.Context, key string) {
	if c.primary != nil {
		if err := c.primary.Del(ctx, key); err != nil {
			c.warn("delete", key, err)
		}
	}
	c.mu.Lock()
	delete(c.fallback, key)
	c.mu.Unlock()
}

// SetJSON 序列化后写缓存
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("Failed to marshal cache value", zap.String("key", key), zap.Error(err))
		return
	}
	c.Set(ctx, key, string(raw), ttl)
}

// GetJSON 读缓存并反序列化；解码失败视为未命中
func (c *Cache) GetJSON(ctx context.Context, key string, dest any) bool {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		c.logger.Warn("Failed to unmarshal cache value", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// Sweep drops expired fallback entries and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, item := range c.fallback {
		if !item.expires.IsZero() && !now.Before(item.expires) {
			delete(c.fallback, k)
			removed++
		}
	}
	return removed
}

// FallbackLen 内存兜底条目数
func (c *Cache) FallbackLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fallback)
}

func (c *Cache) warn(op, key string, err error) {
	c.logger.Warn("Cache unavailable, using in-memory fallback",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(err),
	)
	if c.onFallback != nil {
		c.onFallback(op)
	}
}
