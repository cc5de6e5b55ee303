package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"tickethub.org/internal/obs"
)

// RedisSource consumes change events published on redis pub/sub channels. The
// hosted backend publishes one JSON-encoded ChangeEvent per message; delivery
// is at-least-once and not ordered across publishers.
type RedisSource struct {
	client *redis.Client
	buffer int
}

// NewRedisSource wraps an existing redis client.
func NewRedisSource(client *redis.Client) *RedisSource {
	return &RedisSource{client: client, buffer: defaultBufferSize}
}

// Subscribe attaches to the named pub/sub channel. The returned channel closes
// when ctx ends or the redis subscription drops; subscribers reconnect by
// calling Subscribe again.
func (s *RedisSource) Subscribe(ctx context.Context, channel string) (<-chan ChangeEvent, error) {
	sub := s.client.Subscribe(ctx, channel)
	// Force the subscription round trip so a dead redis fails here, not on
	// first receive.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	out := make(chan ChangeEvent, s.buffer)
	msgs := sub.Channel()

	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var evt ChangeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					obs.LogError("realtime", "malformed_event", err, map[string]any{"channel": channel})
					continue
				}
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Publish encodes and publishes one event; used by tooling and tests that
// stand in for the hosted backend.
func (s *RedisSource) Publish(ctx context.Context, channel string, evt ChangeEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := s.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

var _ Source = (*RedisSource)(nil)
