// Package relay is the server side of the WebSocket transport. Each client
// connection subscribes to topics with relay frames; sends are routed to the
// bus that fans messages out to every relay instance, and presence is kept
// in a viewer registry.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360studio/dossiersync/transport"
	"github.com/redis/go-redis/v9"
)

// Unsubscribe cancels a bus subscription.
type Unsubscribe func() error

// Bus fans topic messages out between relay instances.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe registers fn for topic, which may be a glob pattern.
	Subscribe(ctx context.Context, topic string, fn transport.Handler) (Unsubscribe, error)

	Close() error
}

// LocalBus is a single-instance bus backed by the in-process broker.
type LocalBus struct {
	ch *transport.MemoryChannel
}

// NewLocalBus creates an in-process bus.
func NewLocalBus() *LocalBus {
	ch := transport.NewBroker().NewChannel()
	// MemoryChannel.Connect fails only for a cancelled context or after
	// FailNextConnect. Neither applies to a fresh channel and a background
	// context, so the error is always nil here.
	_ = ch.Connect(context.Background())
	return &LocalBus{ch: ch}
}

func (b *LocalBus) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.ch.Send(ctx, topic, payload)
}

func (b *LocalBus) Subscribe(_ context.Context, topic string, fn transport.Handler) (Unsubscribe, error) {
	sub, err := b.ch.Subscribe(topic, fn)
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

func (b *LocalBus) Close() error {
	return b.ch.Disconnect(context.Background())
}

// RedisBus fans messages out over Redis pub/sub so several relay instances
// can serve the same dossiers. Topics containing glob characters use
// PSUBSCRIBE.
type RedisBus struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisBus connects to Redis at addr. prefix namespaces the channels.
func NewRedisBus(ctx context.Context, addr, prefix string, logger *slog.Logger) (*RedisBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return &RedisBus{client: client, prefix: prefix, logger: logger}, nil
}

// Client returns the underlying Redis client.
func (b *RedisBus) Client() *redis.Client {
	return b.client
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, b.prefix+topic, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string, fn transport.Handler) (Unsubscribe, error) {
	var pubsub *redis.PubSub
	if strings.ContainsAny(topic, "*?[") {
		pubsub = b.client.PSubscribe(ctx, b.prefix+topic)
	} else {
		pubsub = b.client.Subscribe(ctx, b.prefix+topic)
	}

	// Wait for the subscription confirmation so no message published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	go func() {
		for msg := range pubsub.Channel() {
			fn(transport.Message{
				Topic:   strings.TrimPrefix(msg.Channel, b.prefix),
				Payload: []byte(msg.Payload),
			})
		}
	}()

	return func() error {
		return pubsub.Close()
	}, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
