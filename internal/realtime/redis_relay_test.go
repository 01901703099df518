package realtime

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	redisURL := os.Getenv("TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("skipping redis relay test: TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(redisURL)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping redis relay test: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisRelayCrossesInstances(t *testing.T) {
	client := testRedisClient(t)
	ctx := context.Background()

	brokerA := NewBroker(zerolog.Nop())
	brokerB := NewBroker(zerolog.Nop())
	relayA := NewRedisRelay(client, brokerA, zerolog.Nop())
	relayB := NewRedisRelay(client, brokerB, zerolog.Nop())
	require.NoError(t, relayA.Start(ctx))
	require.NoError(t, relayB.Start(ctx))
	t.Cleanup(func() {
		_ = relayA.Close()
		_ = relayB.Close()
	})

	local, remote := newCollector(), newCollector()
	relayA.Subscribe("conv-relay", local.handle)
	relayB.Subscribe("conv-relay", remote.handle)

	require.NoError(t, relayA.Publish(ctx, testMessage("m1", "conv-relay")))

	local.wait(t, 1)
	remote.wait(t, 1)
	require.Equal(t, []string{"m1"}, local.ids())
	require.Equal(t, []string{"m1"}, remote.ids())
}
