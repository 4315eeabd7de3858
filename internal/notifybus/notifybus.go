// Package notifybus is the thin Redis Pub/Sub client used to fan out match
// and cancellation events to whatever subscriber owns a rider's live
// connection (spec §4.6, §6). The subscriber side itself — session
// management, delivery guarantees, retry — belongs to the transport layer
// and is out of scope here; this package only implements the publish side
// plus a minimal Subscribe used by internal/notifybridge's local demo.
package notifybus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Bus publishes JSON-encoded events to per-user topics.
type Bus struct {
	client *redis.Client
	prefix string
}

// New builds a Bus over an existing Redis client. Topics are namespaced
// under prefix (defaulting to "cabpool:notify:") so the bus can share a
// Redis instance with the Pool Store without key collisions.
func New(client *redis.Client, prefix string) *Bus {
	if prefix == "" {
		prefix = "cabpool:notify:"
	}
	return &Bus{client: client, prefix: prefix}
}

func (b *Bus) channel(topic string) string { return b.prefix + topic }

// Publish is fire-and-forget: spec §4.3.1/§4.5 both treat notification
// failures as non-fatal to the pool/durable commit that already succeeded.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notifybus: marshal payload for %s: %w", topic, err)
	}
	if err := b.client.Publish(ctx, b.channel(topic), body).Err(); err != nil {
		return fmt.Errorf("notifybus: publish %s: %w", topic, err)
	}
	return nil
}

// Subscription wraps a single-topic Redis Pub/Sub subscription.
type Subscription struct {
	pubsub *redis.PubSub
}

// Subscribe opens a subscription to one user's topic. Callers must call
// Close when done listening.
func (b *Bus) Subscribe(ctx context.Context, topic string) *Subscription {
	return &Subscription{pubsub: b.client.Subscribe(ctx, b.channel(topic))}
}

// Channel exposes the raw message channel; message.Payload is the
// JSON-encoded event body.
func (s *Subscription) Channel() <-chan *redis.Message { return s.pubsub.Channel() }

func (s *Subscription) Close() error { return s.pubsub.Close() }
