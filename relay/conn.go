package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/dossiersync/transport"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// conn is one client connection.
type conn struct {
	srv     *Server
	ws      *websocket.Conn
	limiter *rate.Limiter
	logger  *slog.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[string]Unsubscribe
	joined map[string]string // dossier ID -> participant ID
}

func (c *conn) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.cleanup()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("Relay connection lost", "error", err)
			}
			return
		}

		if !c.limiter.Allow() {
			c.srv.metrics.Dropped.WithLabelValues("rate_limited").Inc()
			c.writeError("", "rate limit exceeded")
			continue
		}

		f, err := transport.DecodeFrame(data)
		if err != nil {
			c.srv.metrics.Dropped.WithLabelValues("malformed").Inc()
			c.writeError("", err.Error())
			continue
		}
		c.srv.metrics.Frames.WithLabelValues(string(f.Type)).Inc()

		switch f.Type {
		case transport.FrameSubscribe:
			if err := c.subscribe(ctx, f.Topic); err != nil {
				c.logger.Warn("Subscribe failed", "topic", f.Topic, "error", err)
				c.writeError(f.Topic, err.Error())
			}
		case transport.FrameUnsubscribe:
			c.unsubscribe(f.Topic)
		case transport.FrameSend:
			if err := c.srv.route(ctx, c, f); err != nil {
				c.srv.metrics.Dropped.WithLabelValues("rejected").Inc()
				c.writeError(f.Topic, err.Error())
			}
		default:
			c.srv.metrics.Dropped.WithLabelValues("unexpected").Inc()
			c.writeError(f.Topic, "unexpected frame type "+string(f.Type))
		}
	}
}

func (c *conn) subscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[topic]; ok {
		return nil
	}
	unsub, err := c.srv.bus.Subscribe(ctx, topic, c.forward)
	if err != nil {
		return err
	}
	c.subs[topic] = unsub
	return nil
}

func (c *conn) unsubscribe(topic string) {
	c.mu.Lock()
	unsub, ok := c.subs[topic]
	delete(c.subs, topic)
	c.mu.Unlock()
	if ok {
		if err := unsub(); err != nil {
			c.logger.Warn("Unsubscribe failed", "topic", topic, "error", err)
		}
	}
}

func (c *conn) forward(msg transport.Message) {
	c.write(transport.Frame{Type: transport.FrameMessage, Topic: msg.Topic, Payload: msg.Payload})
}

func (c *conn) writeError(topic, text string) {
	c.write(transport.Frame{Type: transport.FrameError, Topic: topic, Error: text})
}

func (c *conn) write(f transport.Frame) {
	data, err := transport.EncodeFrame(f)
	if err != nil {
		c.logger.Warn("Dropping unencodable frame", "topic", f.Topic, "error", err)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.srv.writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug("Write to client failed", "error", err)
	}
}

func (c *conn) remember(dossierID, participantID string) {
	c.mu.Lock()
	c.joined[dossierID] = participantID
	c.mu.Unlock()
}

func (c *conn) forget(dossierID string) {
	c.mu.Lock()
	delete(c.joined, dossierID)
	c.mu.Unlock()
}

// cleanup drops every subscription and announces the departure of
// participants that never sent leave.
func (c *conn) cleanup() {
	c.mu.Lock()
	subs := c.subs
	joined := c.joined
	c.subs = make(map[string]Unsubscribe)
	c.joined = make(map[string]string)
	c.mu.Unlock()

	for topic, unsub := range subs {
		if err := unsub(); err != nil {
			c.logger.Debug("Unsubscribe on close failed", "topic", topic, "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for dossierID, participantID := range joined {
		if err := c.srv.leave(ctx, dossierID, participantID, ""); err != nil {
			c.logger.Warn("Failed to announce departure", "dossier_id", dossierID, "error", err)
		}
	}
	c.ws.Close()
}
