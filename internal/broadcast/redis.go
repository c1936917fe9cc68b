package broadcast

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisPubSub publishes each event on channel "<prefix>:<event>".
type RedisPubSub struct {
	client *redis.Client
	prefix string
}

// NewRedisPubSub 创建 Redis 发布订阅通道
func NewRedisPubSub(client *redis.Client, prefix string) *RedisPubSub {
	return &RedisPubSub{client: client, prefix: prefix}
}

func (p *RedisPubSub) Name() string { return "redis" }

// Channel returns the pub/sub channel an event is published on.
func (p *RedisPubSub) Channel(event string) string {
	if p.prefix == "" {
		return event
	}
	return p.prefix + ":" + event
}

func (p *RedisPubSub) Publish(ctx context.Context, event, _ string, payload []byte) error {
	return p.client.Publish(ctx, p.Channel(event), payload).Err()
}

// Close is a no-op: the client is shared with the cache.
func (p *RedisPubSub) Close() error { return nil }

// RedisStream appends each event to stream "<prefix>:<event>", trimmed to
// roughly maxLen entries so the stream never grows unbounded.
type RedisStream struct {
	client *redis.Client
	prefix string
	maxLen int64
	now    func() time.Time
}

// NewRedisStream 创建 Redis Streams 通道
func NewRedisStream(client *redis.Client, prefix string, maxLen int64) *RedisStream {
	return &RedisStream{client: client, prefix: prefix, maxLen: maxLen, now: time.Now}
}

func (s *RedisStream) Name() string { return "stream" }

// Stream returns the stream key an event is appended to.
func (s *RedisStream) Stream(event string) string {
	if s.prefix == "" {
		return event
	}
	return s.prefix + ":" + event
}

func (s *RedisStream) Publish(ctx context.Context, event, key string, payload []byte) error {
	args := &redis.XAddArgs{
		Stream: s.Stream(event),
		Values: map[string]interface{}{
			"key":       key,
			"data":      string(payload),
			"timestamp": s.now().Unix(),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	return s.client.XAdd(ctx, args).Err()
}

func (s *RedisStream) Close() error { return nil }
