package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"shopfloor-telemetry/internal/config"

	"github.com/alicebob/miniredis/v2"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

type recordingPublisher struct {
	name string
	err  error

	mu    sync.Mutex
	calls []string
	last  []byte
}

func (p *recordingPublisher) Name() string { return p.name }
func (p *recordingPublisher) Close() error { return nil }
func (p *recordingPublisher) Publish(_ context.Context, event, key string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, event+"#"+key)
	p.last = payload
	return p.err
}

func TestBroadcaster_FailureDoesNotStopOtherTransports(t *testing.T) {
	broken := &recordingPublisher{name: "broken", err: errors.New("down")}
	ok := &recordingPublisher{name: "ok"}
	var failures []string
	b := NewBroadcaster(zap.NewNop(), []Publisher{broken, ok},
		WithFailureHook(func(transport, event string) { failures = append(failures, transport+"/"+event) }))

	b.ProductionUpdated(context.Background(), ProductionUpdate{MachineID: 7, TotalProduction: 120, CurrentRate: 120})

	assert.Equal(t, []string{"production:realtime-update#7"}, ok.calls)
	assert.Equal(t, []string{"broken/production:realtime-update"}, failures)

	var got ProductionUpdate
	require.NoError(t, json.Unmarshal(ok.last, &got))
	assert.Equal(t, 120.0, got.TotalProduction)
	assert.Equal(t, []string{"broken", "ok"}, b.Transports())
}

func TestBroadcaster_NoTransports(t *testing.T) {
	b := NewBroadcaster(zap.NewNop(), nil)
	b.RateChanged(context.Background(), RateChanged{MachineID: 1, NewRate: 3})
	b.Close()
}

func TestRedisPubSub_Publish(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()
	p := NewRedisPubSub(client, "shopfloor")

	sub := client.Subscribe(ctx, "shopfloor:shift:reset")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	b := NewBroadcaster(zap.NewNop(), []Publisher{p})
	b.ShiftReset(ctx, ShiftReset{MachineID: 7, TeamCode: "A", ArchivedProduction: 86400, Reason: "SHIFT_END"})

	select {
	case msg := <-sub.Channel():
		var ev ShiftReset
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		assert.Equal(t, int64(7), ev.MachineID)
		assert.Equal(t, 86400.0, ev.ArchivedProduction)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestRedisStream_Publish(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()
	s := NewRedisStream(client, "shopfloor", 1000)

	require.NoError(t, s.Publish(ctx, EventRateChanged, "7", []byte(`{"machineId":7}`)))
	require.NoError(t, s.Publish(ctx, EventRateChanged, "7", []byte(`{"machineId":7,"newRate":1}`)))

	msgs, err := client.XRange(ctx, "shopfloor:rate:changed", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "7", msgs[0].Values["key"])
	assert.Equal(t, `{"machineId":7}`, msgs[0].Values["data"])
}

// fakeMQTTClient overrides Publish only; other methods are never called.
type fakeMQTTClient struct {
	mqtt.Client
	topics []string
}

func (c *fakeMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.topics = append(c.topics, topic)
	return &doneToken{}
}

type doneToken struct{ err error }

func (t *doneToken) Wait() bool                     { return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *doneToken) Error() error { return t.err }

func TestMQTTPublisher_Topic(t *testing.T) {
	client := &fakeMQTTClient{}
	p := NewMQTTPublisherWithClient(client, "shopfloor")

	require.NoError(t, p.Publish(context.Background(), EventProductionUpdate, "7", []byte("{}")))
	assert.Equal(t, []string{"shopfloor/production:realtime-update"}, client.topics)
}

type fakeKafkaWriter struct {
	msgs []kafka.Message
}

func (w *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}
func (w *fakeKafkaWriter) Close() error { return nil }

func TestKafkaPublisher_KeyAndHeader(t *testing.T) {
	w := &fakeKafkaWriter{}
	p := &KafkaPublisher{writer: w}

	require.NoError(t, p.Publish(context.Background(), EventShiftReset, "7", []byte("{}")))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "7", string(w.msgs[0].Key))
	assert.Equal(t, "event", w.msgs[0].Headers[0].Key)
	assert.Equal(t, EventShiftReset, string(w.msgs[0].Headers[0].Value))
}

func TestBuildTransports(t *testing.T) {
	_, client := setupTestRedis(t)
	cfg := config.Default()
	cfg.Broadcast.Transports = []string{"redis", "stream", "kafka", "carrier-pigeon"}
	cfg.Kafka.Brokers = nil

	got := BuildTransports(cfg, client, zap.NewNop())

	// kafka has no brokers configured and the unknown transport is skipped
	require.Len(t, got, 2)
	assert.Equal(t, "redis", got[0].Name())
	assert.Equal(t, "stream", got[1].Name())
}
