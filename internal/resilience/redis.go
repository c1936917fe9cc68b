package resilience

import (
	"context"
	"time"

	"shopfloor-telemetry/internal/config"

	"github.com/go-redis/redis/v8"
)

// NewRedisClient 创建 Redis 客户端；不做连通性检查，故障由缓存兜底
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		MaxRetries:   1,
	})
}

// PingRedis 测试 Redis 连接
func PingRedis(ctx context.Context, client *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return client.Ping(ctx).Err()
}
