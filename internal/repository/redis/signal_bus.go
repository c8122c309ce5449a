package redis

import (
	"context"
	"fmt"

	"pickcreator-backend/internal/database"
)

// SignalBus fans signaling frames out across relay instances through
// Redis pub/sub, one channel per recipient.
type SignalBus struct {
	client *database.RedisClient
}

// NewSignalBus creates a new SignalBus
func NewSignalBus(client *database.RedisClient) *SignalBus {
	return &SignalBus{client: client}
}

// SignalChannel names the pub/sub channel for userID
func SignalChannel(userID string) string {
	return fmt.Sprintf("signal:user:%s", userID)
}

// Publish sends frame to every instance holding a connection for userID.
// It reports how many subscribers received it.
func (b *SignalBus) Publish(ctx context.Context, userID string, frame []byte) (int64, error) {
	n, err := b.client.SafePublish(ctx, SignalChannel(userID), frame).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to publish signal: %w", err)
	}
	return n, nil
}

// Subscribe delivers frames published for userID to deliver until ctx is
// done. It returns false when Redis is unavailable.
func (b *SignalBus) Subscribe(ctx context.Context, userID string, deliver func([]byte)) bool {
	pubsub := b.client.SafeSubscribe(ctx, SignalChannel(userID))
	if pubsub == nil {
		return false
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				deliver([]byte(msg.Payload))
			}
		}
	}()
	return true
}
