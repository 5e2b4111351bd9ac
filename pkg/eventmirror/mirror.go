// Package eventmirror is the optional observability add-on (A4): it mirrors
// terminal dispatcher Results to Redis for external dashboards, purely as a
// side channel; device-config changes are not mirrored. No host-core correctness depends on
// it; it is never a system of record (spec.md's enrollee gallery is never
// stored here).
//
// Adapted from the teacher's pkg/redis.Client, trimmed to the
// write-and-publish/subscribe shape this domain actually exercises.
package eventmirror

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Mirror wraps a Redis connection used purely for event/state fan-out.
type Mirror struct {
	client *redis.Client
	ctx    context.Context
}

// New connects to addr/db, verifying reachability with a Ping.
func New(addr, password string, db int) (*Mirror, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("eventmirror: failed to connect to redis: %w", err)
	}
	return &Mirror{client: client, ctx: ctx}, nil
}

// WriteAndPublishString records field=value under key and publishes
// "field:value" to the key channel, for a status or hint string.
func (m *Mirror) WriteAndPublishString(key, field, value string) error {
	pipe := m.client.Pipeline()
	pipe.HSet(m.ctx, key, field, value)
	pipe.Publish(m.ctx, key, fmt.Sprintf("%s:%s", field, value))
	_, err := pipe.Exec(m.ctx)
	return err
}

// WriteAndPublishInt is WriteAndPublishString's integer-valued counterpart,
// used for terminal Status codes.
func (m *Mirror) WriteAndPublishInt(key, field string, value int) error {
	pipe := m.client.Pipeline()
	pipe.HSet(m.ctx, key, field, value)
	pipe.Publish(m.ctx, key, fmt.Sprintf("%s:%d", field, value))
	_, err := pipe.Exec(m.ctx)
	return err
}

// Subscribe returns a channel of messages published on channel, plus a
// cleanup func to stop the subscription.
func (m *Mirror) Subscribe(channel string) (<-chan *redis.Message, func()) {
	pubsub := m.client.Subscribe(m.ctx, channel)
	ch := pubsub.Channel()
	return ch, func() { pubsub.Close() }
}

// Publish sends message on channel directly, outside the HSet+Publish pair.
func (m *Mirror) Publish(channel, message string) error {
	return m.client.Publish(m.ctx, channel, message).Err()
}

func (m *Mirror) Close() error {
	return m.client.Close()
}
