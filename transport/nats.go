package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSChannel is a Channel backed by a NATS connection. Logical topics are
// mapped to subjects with Subject, so "dossier/42/edit" travels on
// "dossier.42.edit" and "dossier/*/edit" subscribes with a NATS wildcard.
type NATSChannel struct {
	url           string
	name          string
	maxReconnects int
	reconnectWait time.Duration
	logger        *slog.Logger

	mu        sync.Mutex
	client    *natsclient.Client
	nc        *nats.Conn
	owned     bool
	subs      map[*natsSub]struct{}
	statusFns statusHooks
}

// NATSOption configures a NATSChannel.
type NATSOption func(*NATSChannel)

// WithNATSName sets the connection name reported to the server.
func WithNATSName(name string) NATSOption {
	return func(c *NATSChannel) {
		c.name = name
	}
}

// WithNATSReconnect sets the reconnect policy of the underlying client.
// maxReconnects of -1 retries forever.
func WithNATSReconnect(maxReconnects int, wait time.Duration) NATSOption {
	return func(c *NATSChannel) {
		c.maxReconnects = maxReconnects
		c.reconnectWait = wait
	}
}

// WithNATSLogger sets the logger.
func WithNATSLogger(logger *slog.Logger) NATSOption {
	return func(c *NATSChannel) {
		c.logger = logger
	}
}

// NewNATSChannel creates a channel that dials url on Connect.
func NewNATSChannel(url string, opts ...NATSOption) *NATSChannel {
	c := &NATSChannel{
		url:           url,
		name:          "dossiersync",
		maxReconnects: -1,
		reconnectWait: time.Second,
		logger:        slog.Default(),
		subs:          make(map[*natsSub]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewNATSChannelFromClient wraps an already connected client. Disconnect does
// not close a client it did not create.
func NewNATSChannelFromClient(client *natsclient.Client, opts ...NATSOption) *NATSChannel {
	c := NewNATSChannel("", opts...)
	c.client = client
	c.nc = client.GetConnection()
	c.installHandlers(c.nc)
	return c
}

// Connect implements Channel.
func (c *NATSChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.nc != nil && c.nc.IsConnected() {
		return nil
	}
	if c.client != nil && !c.owned {
		return fmt.Errorf("%w: borrowed NATS client is not connected", ErrConnect)
	}
	if c.nc != nil && !c.nc.IsClosed() {
		// The client is still inside its own reconnect loop.
		return fmt.Errorf("%w: reconnect to %s in progress", ErrConnect, c.url)
	}

	client, err := natsclient.NewClient(c.url,
		natsclient.WithName(c.name),
		natsclient.WithMaxReconnects(c.maxReconnects),
		natsclient.WithReconnectWait(c.reconnectWait),
	)
	if err != nil {
		return fmt.Errorf("%w: create NATS client: %w", ErrConnect, err)
	}

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(ctx)
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}

	c.client = client
	c.owned = true
	c.nc = client.GetConnection()
	c.installHandlers(c.nc)

	c.logger.Info("Connected to NATS", "url", c.url)
	go fire(c.statusFns.snapshot(), true)
	return nil
}

func (c *NATSChannel) installHandlers(nc *nats.Conn) {
	if nc == nil {
		return
	}
	nc.SetDisconnectErrHandler(func(_ *nats.Conn, err error) {
		c.logger.Warn("NATS disconnected", "error", err)
		c.mu.Lock()
		hooks := c.statusFns.snapshot()
		c.mu.Unlock()
		fire(hooks, false)
	})
	nc.SetReconnectHandler(func(conn *nats.Conn) {
		c.logger.Info("NATS reconnected", "url", conn.ConnectedUrl())
		c.mu.Lock()
		hooks := c.statusFns.snapshot()
		c.mu.Unlock()
		fire(hooks, true)
	})
}

// Disconnect implements Channel.
func (c *NATSChannel) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for sub := range c.subs {
		if err := sub.sub.Unsubscribe(); err != nil {
			c.logger.Debug("Unsubscribe failed", "subject", sub.sub.Subject, "error", err)
		}
	}
	c.subs = make(map[*natsSub]struct{})

	if c.client == nil || !c.owned {
		return nil
	}
	err := c.client.Close(ctx)
	c.client = nil
	c.nc = nil
	c.owned = false
	if err != nil {
		return fmt.Errorf("close NATS client: %w", err)
	}
	return nil
}

// IsConnected implements Channel.
func (c *NATSChannel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nc != nil && c.nc.IsConnected()
}

// Subscribe implements Channel.
func (c *NATSChannel) Subscribe(topic string, h Handler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.nc == nil || !c.nc.IsConnected() {
		return nil, ErrNotConnected
	}

	sub, err := c.nc.Subscribe(Subject(topic), func(m *nats.Msg) {
		h(Message{Topic: Topic(m.Subject), Payload: m.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	s := &natsSub{topic: topic, sub: sub, owner: c}
	c.subs[s] = struct{}{}
	return s, nil
}

// Send implements Channel.
func (c *NATSChannel) Send(ctx context.Context, destination string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before publish: %w", err)
	}

	c.mu.Lock()
	nc := c.nc
	c.mu.Unlock()

	if nc == nil || !nc.IsConnected() {
		return ErrNotConnected
	}
	if err := nc.Publish(Subject(destination), payload); err != nil {
		return fmt.Errorf("publish to %s: %w", destination, err)
	}
	return nil
}

// NotifyStatus implements StatusNotifier.
func (c *NATSChannel) NotifyStatus(fn func(connected bool)) {
	c.mu.Lock()
	c.statusFns.add(fn)
	c.mu.Unlock()
}

// JetStream returns the JetStream context of the underlying connection, used
// by the NATS KV queue store.
func (c *NATSChannel) JetStream() (jetstream.JetStream, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return nil, ErrNotConnected
	}
	return client.JetStream()
}

type natsSub struct {
	topic string
	sub   *nats.Subscription
	owner *NATSChannel
}

func (s *natsSub) Topic() string { return s.topic }

func (s *natsSub) Unsubscribe() error {
	s.owner.mu.Lock()
	_, active := s.owner.subs[s]
	delete(s.owner.subs, s)
	s.owner.mu.Unlock()

	if !active {
		return nil
	}
	if err := s.sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
		return fmt.Errorf("unsubscribe %s: %w", s.topic, err)
	}
	return nil
}
