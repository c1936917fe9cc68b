package broadcast

import (
	"context"

	"shopfloor-telemetry/internal/config"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to one topic, keyed by machine id so a
// machine's events stay ordered within a partition. The event name travels
// in the "event" header.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher 创建 Kafka 发布通道（异步，不等待 ack）
func NewKafkaPublisher(cfg *config.KafkaConfig, logger *zap.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireNone,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Warn("Kafka async write failed", zap.Int("messages", len(msgs)), zap.Error(err))
			}
		},
	}
	return &KafkaPublisher{writer: w}
}

func (p *KafkaPublisher) Name() string { return "kafka" }

func (p *KafkaPublisher) Publish(ctx context.Context, event, key string, payload []byte) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(key),
		Value:   payload,
		Headers: []kafka.Header{{Key: "event", Value: []byte(event)}},
	})
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }
