package socket

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyhub/notifyhub/internal/telemetry"
)

func testBridge(t *testing.T) (*miniredis.Miniredis, *Bridge) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger, err := telemetry.NewLogger(&telemetry.LogConfig{Level: telemetry.ErrorLevel, Format: "text", Output: "stderr"})
	require.NoError(t, err)
	return mr, NewBridge(client, "instance-1", logger)
}

func TestBridgePresenceLifecycle(t *testing.T) {
	_, bridge := testBridge(t)
	ctx := context.Background()

	require.NoError(t, bridge.SetPresence(ctx, 42, "sock-1"))

	p, err := bridge.LookupPresence(ctx, 42)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "instance-1", p.InstanceID)
	assert.Equal(t, "sock-1", p.SocketID)

	// A stale disconnect must not evict a newer session.
	require.NoError(t, bridge.ClearPresence(ctx, 42, "sock-old"))
	p, err = bridge.LookupPresence(ctx, 42)
	require.NoError(t, err)
	assert.NotNil(t, p)

	require.NoError(t, bridge.ClearPresence(ctx, 42, "sock-1"))
	p, err = bridge.LookupPresence(ctx, 42)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestBridgeLookupUnknownUser(t *testing.T) {
	_, bridge := testBridge(t)
	p, err := bridge.LookupPresence(context.Background(), 999)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestBridgePresenceExpiresWithoutRefresh(t *testing.T) {
	mr, bridge := testBridge(t)
	ctx := context.Background()

	require.NoError(t, bridge.SetPresence(ctx, 42, "sock-1"))

	// Refresh keeps the entry alive past its original TTL.
	mr.FastForward(60 * time.Second)
	require.NoError(t, bridge.RefreshPresence(ctx, 42))
	mr.FastForward(60 * time.Second)

	p, err := bridge.LookupPresence(ctx, 42)
	require.NoError(t, err)
	assert.NotNil(t, p)

	// Without refreshes the entry decays, covering instance crashes.
	mr.FastForward(presenceTTL + time.Second)
	p, err = bridge.LookupPresence(ctx, 42)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestBridgePublishReachesSubscriber(t *testing.T) {
	_, bridge := testBridge(t)
	ctx := context.Background()

	received := make(chan []byte, 1)
	cancel, err := bridge.SubscribeUser(ctx, 42, func(data []byte) {
		received <- data
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, bridge.Publish(ctx, 42, []byte(`{"event":"notification:new"}`)))

	select {
	case data := <-received:
		assert.JSONEq(t, `{"event":"notification:new"}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("published message never arrived")
	}
}

func TestBridgePublishIsPerUser(t *testing.T) {
	_, bridge := testBridge(t)
	ctx := context.Background()

	received := make(chan []byte, 1)
	cancel, err := bridge.SubscribeUser(ctx, 42, func(data []byte) {
		received <- data
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, bridge.Publish(ctx, 7, []byte(`{"event":"other"}`)))

	select {
	case <-received:
		t.Fatal("received a message published to another user")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBridgeBroadcastReachesEveryInstance(t *testing.T) {
	mr, bridgeA := testBridge(t)
	clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = clientB.Close() })
	bridgeB := NewBridge(clientB, "instance-2", bridgeA.logger)
	ctx := context.Background()

	gotA := make(chan []byte, 1)
	gotB := make(chan []byte, 1)
	cancelA, err := bridgeA.SubscribeBroadcast(ctx, func(data []byte) { gotA <- data })
	require.NoError(t, err)
	defer cancelA()
	cancelB, err := bridgeB.SubscribeBroadcast(ctx, func(data []byte) { gotB <- data })
	require.NoError(t, err)
	defer cancelB()

	require.NoError(t, bridgeA.PublishBroadcast(ctx, []byte(`{"event":"notification:broadcast"}`)))

	for name, ch := range map[string]chan []byte{"instance-1": gotA, "instance-2": gotB} {
		select {
		case data := <-ch:
			assert.JSONEq(t, `{"event":"notification:broadcast"}`, string(data))
		case <-time.After(2 * time.Second):
			t.Fatalf("broadcast never reached %s", name)
		}
	}
}

func TestBridgeBreakerOpensOnRedisOutage(t *testing.T) {
	mr, bridge := testBridge(t)
	ctx := context.Background()
	mr.Close()

	// Five consecutive failures trip the breaker.
	for i := 0; i < 5; i++ {
		err := bridge.SetPresence(ctx, 42, "sock-1")
		require.Error(t, err)
		require.NotErrorIs(t, err, gobreaker.ErrOpenState)
	}

	err := bridge.SetPresence(ctx, 42, "sock-1")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}
