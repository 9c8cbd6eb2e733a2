package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	userChannelPrefix = "fanout:user:"
	broadcastChannel  = "fanout:broadcast"
)

// RedisBus implements Bus over Redis pub/sub, one channel per user plus a
// shared broadcast channel. This is what makes horizontal scaling work: a
// sender on process A reaches a recipient on process B with no
// process-to-process knowledge.
type RedisBus struct {
	client *redis.Client
	log    *zerolog.Logger
}

// NewRedis builds a bus over an existing Redis client.
func NewRedis(client *redis.Client, logger *zerolog.Logger) *RedisBus {
	return &RedisBus{client: client, log: logger}
}

func (b *RedisBus) Publish(ctx context.Context, userID string, ev Event) error {
	return b.publish(ctx, userChannelPrefix+userID, ev)
}

func (b *RedisBus) Broadcast(ctx context.Context, ev Event) error {
	return b.publish(ctx, broadcastChannel, ev)
}

func (b *RedisBus) publish(ctx context.Context, channel string, ev Event) error {
	frame, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// Zero receivers means the recipient is offline; not an error.
	if err := b.client.Publish(ctx, channel, frame).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, userID string, h Handler) (func(), error) {
	return b.subscribe(ctx, userChannelPrefix+userID, h)
}

func (b *RedisBus) SubscribeBroadcast(ctx context.Context, h Handler) (func(), error) {
	return b.subscribe(ctx, broadcastChannel, h)
}

func (b *RedisBus) subscribe(ctx context.Context, channel string, h Handler) (func(), error) {
	sub := b.client.Subscribe(ctx, channel)
	// Force the subscription onto the wire before we report success.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	go func() {
		for msg := range sub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.Warn().Err(err).Str("channel", channel).Msg("malformed fanout frame")
				continue
			}
			h(ev)
		}
	}()

	return func() {
		if err := sub.Close(); err != nil {
			b.log.Warn().Err(err).Str("channel", channel).Msg("close subscription")
		}
	}, nil
}
