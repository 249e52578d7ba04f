// Package transport abstracts the publish/subscribe connection used for
// real-time collaboration.
//
// Topics are logical, slash-separated names such as "dossier/42/edit".
// Implementations map them onto their own addressing: NATS subjects, Redis
// channels behind the WebSocket relay, or the in-process Broker used in tests.
package transport

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotConnected is returned by Send and Subscribe when the channel is down.
	ErrNotConnected = errors.New("transport not connected")

	// ErrConnect wraps failures to establish the connection.
	ErrConnect = errors.New("transport connect failed")
)

// Message is a payload delivered on a topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler receives messages for a subscription. Handlers are invoked on a
// transport goroutine and must not block for long.
type Handler func(Message)

// Subscription is an active topic subscription.
type Subscription interface {
	Topic() string
	Unsubscribe() error
}

// Channel is a publish/subscribe connection to a message broker.
type Channel interface {
	// Connect establishes the connection. Connecting an already connected
	// channel is a no-op.
	Connect(ctx context.Context) error

	// Disconnect closes the connection and drops all subscriptions.
	Disconnect(ctx context.Context) error

	// IsConnected reports whether the channel is currently usable.
	IsConnected() bool

	// Subscribe registers h for messages on topic.
	Subscribe(topic string, h Handler) (Subscription, error)

	// Send publishes payload to destination.
	Send(ctx context.Context, destination string, payload []byte) error
}

// StatusNotifier is implemented by channels that can report connection state
// changes, e.g. broker-side disconnects and reconnects.
type StatusNotifier interface {
	NotifyStatus(fn func(connected bool))
}

// Subject converts a logical topic into a NATS subject ("dossier/42/edit"
// becomes "dossier.42.edit").
func Subject(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
}

// Topic converts a NATS subject back into its logical topic.
func Topic(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}

// statusHooks is embedded by implementations to fan out status changes.
type statusHooks struct {
	hooks []func(bool)
}

func (s *statusHooks) add(fn func(bool)) {
	s.hooks = append(s.hooks, fn)
}

func (s *statusHooks) snapshot() []func(bool) {
	out := make([]func(bool), len(s.hooks))
	copy(out, s.hooks)
	return out
}

func fire(hooks []func(bool), connected bool) {
	for _, fn := range hooks {
		fn(connected)
	}
}
