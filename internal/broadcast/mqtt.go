package broadcast

import (
	"context"
	"fmt"
	"time"

	"shopfloor-telemetry/internal/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTPublisher publishes events at QoS 0 on topic "<prefix>/<event>".
type MQTTPublisher struct {
	client  mqtt.Client
	prefix  string
	timeout time.Duration
}

// NewMQTTPublisher 连接 MQTT broker 并创建发布通道
func NewMQTTPublisher(cfg *config.MQTTConfig, logger *zap.Logger) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Info("MQTT connected", zap.String("broker", cfg.Broker))
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return NewMQTTPublisherWithClient(client, cfg.TopicPrefix), nil
}

// NewMQTTPublisherWithClient wraps an already connected client.
func NewMQTTPublisherWithClient(client mqtt.Client, prefix string) *MQTTPublisher {
	return &MQTTPublisher{client: client, prefix: prefix, timeout: 2 * time.Second}
}

func (p *MQTTPublisher) Name() string { return "mqtt" }

// Topic returns the topic an event is published on.
func (p *MQTTPublisher) Topic(event string) string {
	if p.prefix == "" {
		return event
	}
	return p.prefix + "/" + event
}

func (p *MQTTPublisher) Publish(ctx context.Context, event, _ string, payload []byte) error {
	timeout := p.timeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}

	token := p.client.Publish(p.Topic(event), 0, false, payload)
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("publish to %s timed out", p.Topic(event))
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", p.Topic(event), err)
	}
	return nil
}

// Close 断开连接
func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(250)
	return nil
}
