// Package socket hosts the in-app delivery service: websocket sessions,
// the per-instance hub, and the Redis pub/sub bridge that routes messages
// to users connected on other instances.
package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/notifyhub/notifyhub/internal/telemetry"
)

const (
	presenceKeyPrefix = "socket:presence:"
	userChannelPrefix = "socket:user:"
	broadcastChannel  = "socket:broadcast"

	// presenceTTL must outlive the ping period so an instance crash
	// eventually clears its users' presence.
	presenceTTL = 90 * time.Second
)

// Presence records where a user's session lives.
type Presence struct {
	InstanceID string `json:"instance_id"`
	SocketID   string `json:"socket_id"`
}

// Bridge carries socket traffic and presence through Redis so any
// instance can reach any connected user. Redis calls go through a
// circuit breaker; when it opens, delivery degrades to local-only and
// the retry tiers pick up the slack.
type Bridge struct {
	client     *redis.Client
	breaker    *gobreaker.CircuitBreaker
	instanceID string
	logger     *telemetry.Logger
}

// NewBridge creates the pub/sub bridge.
func NewBridge(client *redis.Client, instanceID string, logger *telemetry.Logger) *Bridge {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "socket-pubsub",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithField("breaker", name).
				WithField("from", from.String()).
				WithField("to", to.String()).
				Warn("Circuit breaker state changed")
		},
	})
	return &Bridge{client: client, breaker: breaker, instanceID: instanceID, logger: logger}
}

func presenceKey(userID int64) string {
	return fmt.Sprintf("%s%d", presenceKeyPrefix, userID)
}

func userChannel(userID int64) string {
	return fmt.Sprintf("%s%d", userChannelPrefix, userID)
}

// SetPresence claims the user's presence for this instance.
func (b *Bridge) SetPresence(ctx context.Context, userID int64, socketID string) error {
	data, err := json.Marshal(Presence{InstanceID: b.instanceID, SocketID: socketID})
	if err != nil {
		return err
	}
	_, err = b.breaker.Execute(func() (interface{}, error) {
		return nil, b.client.Set(ctx, presenceKey(userID), data, presenceTTL).Err()
	})
	return err
}

// RefreshPresence extends the presence TTL. Called from the ping loop.
func (b *Bridge) RefreshPresence(ctx context.Context, userID int64) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.client.Expire(ctx, presenceKey(userID), presenceTTL).Err()
	})
	return err
}

// ClearPresence removes the presence entry if this socket still owns it.
// A newer session on another instance must not be evicted by a stale
// disconnect.
func (b *Bridge) ClearPresence(ctx context.Context, userID int64, socketID string) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		data, err := b.client.Get(ctx, presenceKey(userID)).Bytes()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		var p Presence
		if err := json.Unmarshal(data, &p); err != nil || p.SocketID != socketID {
			return nil, nil
		}
		return nil, b.client.Del(ctx, presenceKey(userID)).Err()
	})
	return err
}

// LookupPresence returns where the user is connected, or nil.
func (b *Bridge) LookupPresence(ctx context.Context, userID int64) (*Presence, error) {
	res, err := b.breaker.Execute(func() (interface{}, error) {
		data, err := b.client.Get(ctx, presenceKey(userID)).Bytes()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		var p Presence
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	return res.(*Presence), nil
}

// Publish sends an envelope to the user's channel. Every instance with a
// session for the user receives it.
func (b *Bridge) Publish(ctx context.Context, userID int64, data []byte) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.client.Publish(ctx, userChannel(userID), data).Err()
	})
	return err
}

// PublishBroadcast sends an envelope to every instance's broadcast
// subscription.
func (b *Bridge) PublishBroadcast(ctx context.Context, data []byte) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.client.Publish(ctx, broadcastChannel, data).Err()
	})
	return err
}

// SubscribeUser starts a subscription on the user's channel and feeds
// received payloads to deliver. The returned function tears the
// subscription down.
func (b *Bridge) SubscribeUser(ctx context.Context, userID int64, deliver func(data []byte)) (func(), error) {
	return b.subscribe(ctx, userChannel(userID), deliver)
}

// SubscribeBroadcast starts the fleet-wide broadcast subscription.
func (b *Bridge) SubscribeBroadcast(ctx context.Context, deliver func(data []byte)) (func(), error) {
	return b.subscribe(ctx, broadcastChannel, deliver)
}

func (b *Bridge) subscribe(ctx context.Context, channel string, deliver func(data []byte)) (func(), error) {
	sub := b.client.Subscribe(ctx, channel)
	// Force the SUBSCRIBE round trip so failures surface here, not in
	// the receive loop.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}

	go func() {
		for msg := range sub.Channel() {
			deliver([]byte(msg.Payload))
		}
	}()

	return func() {
		if err := sub.Close(); err != nil {
			b.logger.WithContext(context.Background()).WithError(err).Debug("Failed to close subscription")
		}
	}, nil
}
