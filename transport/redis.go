package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel used when none is configured.
const DefaultRedisChannel = "dbmixin.events"

// RedisTransporter broadcasts events over a redis pub/sub channel.
type RedisTransporter struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger

	mu   sync.Mutex
	sub  *redis.PubSub
	done chan struct{}
}

// NewRedis creates a transporter publishing on channel through client.
func NewRedis(client redis.UniversalClient, channel string, logger *slog.Logger) *RedisTransporter {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisTransporter{
		client:  client,
		channel: channel,
		logger:  logger.With("transport", "redis", "channel", channel),
	}
}

// Publish sends evt to every subscriber of the channel.
func (t *RedisTransporter) Publish(ctx context.Context, evt Event) error {
	data, err := Encode(evt)
	if err != nil {
		return err
	}
	if err := t.client.Publish(ctx, t.channel, data).Err(); err != nil {
		return fmt.Errorf("transport: redis publish %s: %w", evt.Name, err)
	}
	return nil
}

// Subscribe confirms the subscription and then delivers messages on a
// background goroutine until Close.
func (t *RedisTransporter) Subscribe(ctx context.Context, handler Handler) error {
	sub := t.client.Subscribe(ctx, t.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("transport: redis subscribe %s: %w", t.channel, err)
	}

	done := make(chan struct{})
	t.mu.Lock()
	t.sub = sub
	t.done = done
	t.mu.Unlock()

	go func() {
		defer close(done)
		for msg := range sub.Channel() {
			evt, err := Decode([]byte(msg.Payload))
			if err != nil {
				t.logger.Warn("dropping undecodable event", "error", err)
				continue
			}
			handler(context.Background(), evt)
		}
	}()

	return nil
}

// Close stops the subscription loop. The redis client is owned by the caller.
func (t *RedisTransporter) Close() error {
	t.mu.Lock()
	sub, done := t.sub, t.done
	t.sub, t.done = nil, nil
	t.mu.Unlock()

	if sub == nil {
		return nil
	}
	err := sub.Close()
	<-done
	return err
}
