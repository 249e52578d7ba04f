package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// Broker is an in-process message broker. Each participant gets its own
// MemoryChannel from NewChannel; messages sent on one channel are delivered to
// every matching subscription on every connected channel, including the
// sender's own (brokers echo, as the real ones do).
//
// Subscription topics may be doublestar patterns, e.g. "dossier/*/edit".
type Broker struct {
	mu       sync.RWMutex
	channels map[*MemoryChannel]struct{}
	sent     []Message
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{channels: make(map[*MemoryChannel]struct{})}
}

// NewChannel creates a disconnected channel attached to the broker.
func (b *Broker) NewChannel() *MemoryChannel {
	return &MemoryChannel{
		broker: b,
		subs:   make(map[int]*memorySub),
	}
}

// Publish delivers payload to every matching subscriber. It is also used by
// tests to simulate server-originated pushes.
func (b *Broker) Publish(topic string, payload []byte) {
	b.mu.Lock()
	b.sent = append(b.sent, Message{Topic: topic, Payload: payload})
	channels := make([]*MemoryChannel, 0, len(b.channels))
	for ch := range b.channels {
		channels = append(channels, ch)
	}
	b.mu.Unlock()

	for _, ch := range channels {
		ch.deliver(Message{Topic: topic, Payload: payload})
	}
}

// Sent returns every message published through the broker on topic.
func (b *Broker) Sent(topic string) []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Message
	for _, m := range b.sent {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (b *Broker) attach(ch *MemoryChannel) {
	b.mu.Lock()
	b.channels[ch] = struct{}{}
	b.mu.Unlock()
}

func (b *Broker) detach(ch *MemoryChannel) {
	b.mu.Lock()
	delete(b.channels, ch)
	b.mu.Unlock()
}

// MemoryChannel is a Channel backed by a Broker.
type MemoryChannel struct {
	broker *Broker

	mu         sync.RWMutex
	connected  bool
	failNext   error
	subs       map[int]*memorySub
	nextID     int
	statusHook statusHooks
}

type memorySub struct {
	id      int
	topic   string
	handler Handler
	ch      *MemoryChannel
}

func (s *memorySub) Topic() string { return s.topic }

func (s *memorySub) Unsubscribe() error {
	s.ch.mu.Lock()
	delete(s.ch.subs, s.id)
	s.ch.mu.Unlock()
	return nil
}

// FailNextConnect makes the next Connect call fail with err.
func (c *MemoryChannel) FailNextConnect(err error) {
	c.mu.Lock()
	c.failNext = err
	c.mu.Unlock()
}

// Connect implements Channel.
func (c *MemoryChannel) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.failNext != nil {
		err := c.failNext
		c.failNext = nil
		c.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}
	c.connected = true
	hooks := c.statusHook.snapshot()
	c.mu.Unlock()

	c.broker.attach(c)
	fire(hooks, true)
	return nil
}

// Disconnect implements Channel.
func (c *MemoryChannel) Disconnect(_ context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	c.subs = make(map[int]*memorySub)
	hooks := c.statusHook.snapshot()
	c.mu.Unlock()

	c.broker.detach(c)
	fire(hooks, false)
	return nil
}

// IsConnected implements Channel.
func (c *MemoryChannel) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Subscribe implements Channel.
func (c *MemoryChannel) Subscribe(topic string, h Handler) (Subscription, error) {
	if !doublestar.ValidatePattern(topic) {
		return nil, fmt.Errorf("invalid topic pattern %q", topic)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, ErrNotConnected
	}
	sub := &memorySub{id: c.nextID, topic: topic, handler: h, ch: c}
	c.nextID++
	c.subs[sub.id] = sub
	return sub, nil
}

// Send implements Channel.
func (c *MemoryChannel) Send(ctx context.Context, destination string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	c.broker.Publish(destination, payload)
	return nil
}

// NotifyStatus implements StatusNotifier.
func (c *MemoryChannel) NotifyStatus(fn func(connected bool)) {
	c.mu.Lock()
	c.statusHook.add(fn)
	c.mu.Unlock()
}

// Subscriptions returns the number of active subscriptions.
func (c *MemoryChannel) Subscriptions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

func (c *MemoryChannel) deliver(msg Message) {
	c.mu.RLock()
	var handlers []Handler
	for _, sub := range c.subs {
		if ok, _ := doublestar.Match(sub.topic, msg.Topic); ok {
			handlers = append(handlers, sub.handler)
		}
	}
	c.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
}
