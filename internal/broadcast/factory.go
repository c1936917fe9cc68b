package broadcast

import (
	"fmt"
	"strings"

	"shopfloor-telemetry/internal/config"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// BuildTransports creates the transports named in cfg.Broadcast.Transports.
// A transport that cannot be created is logged and skipped; broadcasting is
// best-effort and must not block startup.
func BuildTransports(cfg *config.Config, rdb *redis.Client, logger *zap.Logger) []Publisher {
	var out []Publisher
	for _, name := range cfg.Broadcast.Transports {
		p, err := buildTransport(strings.ToLower(strings.TrimSpace(name)), cfg, rdb, logger)
		if err != nil {
			logger.Warn("Broadcast transport disabled", zap.String("transport", name), zap.Error(err))
			continue
		}
		out = append(out, p)
	}
	return out
}

func buildTransport(name string, cfg *config.Config, rdb *redis.Client, logger *zap.Logger) (Publisher, error) {
	switch name {
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis client not configured")
		}
		return NewRedisPubSub(rdb, cfg.Broadcast.ChannelPrefix), nil
	case "stream":
		if rdb == nil {
			return nil, fmt.Errorf("redis client not configured")
		}
		return NewRedisStream(rdb, cfg.Broadcast.ChannelPrefix, cfg.Broadcast.StreamMaxLen), nil
	case "mqtt":
		return NewMQTTPublisher(&cfg.MQTT, logger)
	case "kafka":
		if len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "" {
			return nil, fmt.Errorf("kafka brokers/topic not configured")
		}
		return NewKafkaPublisher(&cfg.Kafka, logger), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", name)
	}
}
