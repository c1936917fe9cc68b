package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:       mr.Addr(),
		MaxRetries: -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// failingKV simulates an unreachable cache service.
type failingKV struct{}

func (failingKV) Get(context.Context, string) (string, error) {
	return "", errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
}
func (failingKV) Set(context.Context, string, string, time.Duration) error {
	return errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
}
func (failingKV) Del(context.Context, string) error {
	return errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")
}

func TestCache_RedisRoundTrip(t *testing.T) {
	mr, client := setupTestRedis(t)
	c := NewCache(NewRedisKVStore(client), zap.NewNop())
	ctx := context.Background()

	c.Set(ctx, "k", "v", time.Minute)
	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "v", got)
	assert.Equal(t, 0, c.FallbackLen())

	stored, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", stored)

	mr.FastForward(2 * time.Minute)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)

	c.Set(ctx, "d", "1", time.Minute)
	c.Delete(ctx, "d")
	_, ok = c.Get(ctx, "d")
	assert.False(t, ok)
}

func TestCache_FallbackWhenRedisUnreachable(t *testing.T) {
	mr, client := setupTestRedis(t)
	clock := newFakeClock()
	fallbacks := 0
	c := NewCache(NewRedisKVStore(client), zap.NewNop(),
		WithCacheClock(clock.Now),
		WithFallbackHook(func(string) { fallbacks++ }),
	)
	ctx := context.Background()

	mr.Close()

	c.Set(ctx, "machine:7", "120", 10*time.Second)
	got, ok := c.Get(ctx, "machine:7")
	require.True(t, ok)
	assert.Equal(t, "120", got)
	assert.Equal(t, 1, c.FallbackLen())
	assert.Equal(t, 2, fallbacks)

	clock.Advance(9 * time.Second)
	_, ok = c.Get(ctx, "machine:7")
	assert.True(t, ok, "still inside ttl")

	clock.Advance(time.Second)
	_, ok = c.Get(ctx, "machine:7")
	assert.False(t, ok, "expired after ttl")
	assert.Equal(t, 0, c.FallbackLen())
}

func TestCache_MissOnRedisConsultsFallback(t *testing.T) {
	_, client := setupTestRedis(t)
	primary := NewRedisKVStore(client)
	c := NewCache(primary, zap.NewNop())
	ctx := context.Background()

	// written while redis was down
	c.fallback["k"] = fallbackItem{value: "from-memory"}

	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "from-memory", got)

	// a successful write makes redis authoritative again
	c.Set(ctx, "k", "from-redis", time.Minute)
	assert.Equal(t, 0, c.FallbackLen())
	got, _ = c.Get(ctx, "k")
	assert.Equal(t, "from-redis", got)
}

func TestCache_NeverFailsWithBrokenPrimary(t *testing.T) {
	clock := newFakeClock()
	c := NewCache(failingKV{}, zap.NewNop(), WithCacheClock(clock.Now))
	ctx := context.Background()

	type payload struct {
		Total float64 `json:"total"`
	}
	c.SetJSON(ctx, "p", payload{Total: 42.5}, time.Second)

	var out payload
	require.True(t, c.GetJSON(ctx, "p", &out))
	assert.Equal(t, 42.5, out.Total)

	c.Delete(ctx, "p")
	assert.False(t, c.GetJSON(ctx, "p", &out))
}

func TestCache_NilPrimaryAndSweep(t *testing.T) {
	clock := newFakeClock()
	c := NewCache(nil, zap.NewNop(), WithCacheClock(clock.Now))
	ctx := context.Background()

	c.Set(ctx, "a", "1", time.Second)
	c.Set(ctx, "b", "2", time.Minute)
	c.Set(ctx, "c", "3", 0)

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 2, c.FallbackLen())

	v, ok := c.Get(ctx, "c")
	require.True(t, ok)
	assert.Equal(t, "3", v)
}

func TestCache_GetJSONDecodeFailureIsMiss(t *testing.T) {
	c := NewCache(nil, zap.NewNop())
	ctx := context.Background()
	c.Set(ctx, "bad", "{not json", time.Minute)

	var out map[string]any
	assert.False(t, c.GetJSON(ctx, "bad", &out))
}
