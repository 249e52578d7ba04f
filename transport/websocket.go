package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gorilla/websocket"
)

// WebSocketChannel is a Channel speaking the relay frame protocol over a
// single WebSocket connection.
//
// Subscriptions survive an unexpected connection loss and are replayed on the
// next Connect; an explicit Disconnect drops them.
type WebSocketChannel struct {
	url          string
	header       http.Header
	dialer       *websocket.Dialer
	writeTimeout time.Duration
	logger       *slog.Logger

	mu        sync.Mutex
	writeMu   sync.Mutex
	conn      *websocket.Conn
	subs      map[string]map[int]Handler
	nextID    int
	statusFns statusHooks
}

// WebSocketOption configures a WebSocketChannel.
type WebSocketOption func(*WebSocketChannel)

// WithHeader sets the handshake request headers.
func WithHeader(h http.Header) WebSocketOption {
	return func(c *WebSocketChannel) {
		c.header = h
	}
}

// WithDialer sets the WebSocket dialer.
func WithDialer(d *websocket.Dialer) WebSocketOption {
	return func(c *WebSocketChannel) {
		c.dialer = d
	}
}

// WithWriteTimeout sets the per-frame write deadline.
func WithWriteTimeout(d time.Duration) WebSocketOption {
	return func(c *WebSocketChannel) {
		c.writeTimeout = d
	}
}

// WithWebSocketLogger sets the logger.
func WithWebSocketLogger(logger *slog.Logger) WebSocketOption {
	return func(c *WebSocketChannel) {
		c.logger = logger
	}
}

// NewWebSocketChannel creates a channel that dials url on Connect.
func NewWebSocketChannel(url string, opts ...WebSocketOption) *WebSocketChannel {
	c := &WebSocketChannel{
		url:          url,
		dialer:       websocket.DefaultDialer,
		writeTimeout: 10 * time.Second,
		logger:       slog.Default(),
		subs:         make(map[string]map[int]Handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect implements Channel.
func (c *WebSocketChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", ErrConnect, c.url, err)
	}

	c.mu.Lock()
	if c.conn != nil {
		// Lost a race with a concurrent Connect.
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	hooks := c.statusFns.snapshot()
	c.mu.Unlock()

	for _, topic := range topics {
		if err := c.writeFrame(conn, Frame{Type: FrameSubscribe, Topic: topic}); err != nil {
			c.drop(conn, err)
			return fmt.Errorf("%w: resubscribe %s: %w", ErrConnect, topic, err)
		}
	}

	go c.readLoop(conn)

	c.logger.Info("Connected to relay", "url", c.url, "resubscribed", len(topics))
	fire(hooks, true)
	return nil
}

// Disconnect implements Channel.
func (c *WebSocketChannel) Disconnect(_ context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.subs = make(map[string]map[int]Handler)
	hooks := c.statusFns.snapshot()
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	err := conn.Close()
	fire(hooks, false)
	if err != nil {
		return fmt.Errorf("close websocket: %w", err)
	}
	return nil
}

// IsConnected implements Channel.
func (c *WebSocketChannel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Subscribe implements Channel.
func (c *WebSocketChannel) Subscribe(topic string, h Handler) (Subscription, error) {
	if !doublestar.ValidatePattern(topic) {
		return nil, fmt.Errorf("invalid topic pattern %q", topic)
	}

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	handlers, exists := c.subs[topic]
	if !exists {
		handlers = make(map[int]Handler)
		c.subs[topic] = handlers
	}
	id := c.nextID
	c.nextID++
	handlers[id] = h
	c.mu.Unlock()

	if !exists {
		if err := c.writeFrame(conn, Frame{Type: FrameSubscribe, Topic: topic}); err != nil {
			c.removeHandler(topic, id)
			return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
		}
	}
	return &wsSub{topic: topic, id: id, owner: c}, nil
}

// Send implements Channel.
func (c *WebSocketChannel) Send(ctx context.Context, destination string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := c.writeFrame(conn, Frame{Type: FrameSend, Topic: destination, Payload: payload}); err != nil {
		return fmt.Errorf("send to %s: %w", destination, err)
	}
	return nil
}

// NotifyStatus implements StatusNotifier.
func (c *WebSocketChannel) NotifyStatus(fn func(connected bool)) {
	c.mu.Lock()
	c.statusFns.add(fn)
	c.mu.Unlock()
}

func (c *WebSocketChannel) writeFrame(conn *websocket.Conn, f Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *WebSocketChannel) readLoop(conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.drop(conn, err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		f, err := DecodeFrame(data)
		if err != nil {
			c.logger.Warn("Dropping malformed relay frame", "error", err)
			continue
		}
		switch f.Type {
		case FrameMessage:
			c.dispatch(Message{Topic: f.Topic, Payload: f.Payload})
		case FrameError:
			c.logger.Warn("Relay reported error", "topic", f.Topic, "error", f.Error)
		}
	}
}

func (c *WebSocketChannel) dispatch(msg Message) {
	c.mu.Lock()
	var handlers []Handler
	for pattern, hs := range c.subs {
		if ok, _ := doublestar.Match(pattern, msg.Topic); !ok {
			continue
		}
		for _, h := range hs {
			handlers = append(handlers, h)
		}
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
}

// drop clears conn after an unexpected failure, keeping subscriptions.
func (c *WebSocketChannel) drop(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	hooks := c.statusFns.snapshot()
	c.mu.Unlock()

	_ = conn.Close()
	c.logger.Warn("Relay connection lost", "url", c.url, "error", cause)
	fire(hooks, false)
}

func (c *WebSocketChannel) removeHandler(topic string, id int) (last bool, conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	handlers, ok := c.subs[topic]
	if !ok {
		return false, c.conn
	}
	if _, ok := handlers[id]; !ok {
		return false, c.conn
	}
	delete(handlers, id)
	if len(handlers) == 0 {
		delete(c.subs, topic)
		return true, c.conn
	}
	return false, c.conn
}

type wsSub struct {
	topic string
	id    int
	owner *WebSocketChannel
}

func (s *wsSub) Topic() string { return s.topic }

func (s *wsSub) Unsubscribe() error {
	last, conn := s.owner.removeHandler(s.topic, s.id)
	if !last || conn == nil {
		return nil
	}
	if err := s.owner.writeFrame(conn, Frame{Type: FrameUnsubscribe, Topic: s.topic}); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", s.topic, err)
	}
	return nil
}
