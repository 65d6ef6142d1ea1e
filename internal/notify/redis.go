package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/careflow-go/internal/eventstore"
	"github.com/careflow-go/pkg/logger"
)

// RedisBus is the default transport: one redis pub/sub channel per notify
// channel, JSON payloads.
type RedisBus struct {
	client *redis.Client
	log    logger.Logger
}

func NewRedisBus(client *redis.Client, log logger.Logger) *RedisBus {
	return &RedisBus{client: client, log: log}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return b.client.Publish(ctx, channel, payload).Err()
}

// PublishEvent implements eventstore.Notifier.
func (b *RedisBus) PublishEvent(ctx context.Context, channel string, ev *eventstore.Event) error {
	return b.Publish(ctx, channel, FromEvent(ev))
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string) (<-chan Notification, error) {
	sub := b.client.Subscribe(ctx, channel)

	// Force the SUBSCRIBE round trip so a dead broker fails here, not on
	// first receive.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan Notification)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var n Notification
				if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
					b.log.Warn("dropping malformed notification", "channel", channel, "error", err)
					continue
				}
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
