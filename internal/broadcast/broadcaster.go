package broadcast

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Publisher is one event transport. key is used for partitioning where the
// transport supports it (Kafka) and ignored otherwise.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, event, key string, payload []byte) error
	Close() error
}

// Broadcaster fans an event out to every configured transport. Delivery is
// at-most-once: failures are logged and dropped, never returned.
type Broadcaster struct {
	transports []Publisher
	logger     *zap.Logger
	timeout    time.Duration

	onFailure func(transport, event string)
}

// Option 可选参数
type Option func(*Broadcaster)

// WithFailureHook is called once per failed transport publish.
func WithFailureHook(fn func(transport, event string)) Option {
	return func(b *Broadcaster) { b.onFailure = fn }
}

// WithPublishTimeout bounds each transport publish. Default 2s.
func WithPublishTimeout(d time.Duration) Option {
	return func(b *Broadcaster) { b.timeout = d }
}

// NewBroadcaster 创建广播器；transports 为空时所有事件被丢弃
func NewBroadcaster(logger *zap.Logger, transports []Publisher, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		transports: transports,
		logger:     logger,
		timeout:    2 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Emit marshals payload once and hands it to every transport.
func (b *Broadcaster) Emit(ctx context.Context, event, key string, payload any) {
	if len(b.transports) == 0 {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		b.logger.Warn("Failed to marshal event", zap.String("event", event), zap.Error(err))
		return
	}

	for _, t := range b.transports {
		pctx, cancel := context.WithTimeout(ctx, b.timeout)
		err := t.Publish(pctx, event, key, raw)
		cancel()
		if err != nil {
			b.logger.Warn("Failed to publish event",
				zap.String("transport", t.Name()),
				zap.String("event", event),
				zap.Error(err),
			)
			if b.onFailure != nil {
				b.onFailure(t.Name(), event)
			}
		}
	}
}

// ProductionUpdated emits production:realtime-update.
func (b *Broadcaster) ProductionUpdated(ctx context.Context, ev ProductionUpdate) {
	b.Emit(ctx, EventProductionUpdate, machineKey(ev.MachineID), ev)
}

// ShiftReset emits shift:reset.
func (b *Broadcaster) ShiftReset(ctx context.Context, ev ShiftReset) {
	b.Emit(ctx, EventShiftReset, machineKey(ev.MachineID), ev)
}

// RateChanged emits rate:changed.
func (b *Broadcaster) RateChanged(ctx context.Context, ev RateChanged) {
	b.Emit(ctx, EventRateChanged, machineKey(ev.MachineID), ev)
}

// Transports returns the names of the configured transports.
func (b *Broadcaster) Transports() []string {
	names := make([]string, 0, len(b.transports))
	for _, t := range b.transports {
		names = append(names, t.Name())
	}
	return names
}

// Close closes every transport.
func (b *Broadcaster) Close() {
	for _, t := range b.transports {
		if err := t.Close(); err != nil {
			b.logger.Warn("Failed to close transport", zap.String("transport", t.Name()), zap.Error(err))
		}
	}
}

func machineKey(id int64) string {
	return strconv.FormatInt(id, 10)
}
