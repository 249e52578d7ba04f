package collab

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/dossiersync/transport"
)

// room is the state shared by the components of one joined dossier.
type room struct {
	dossierID string
	self      Participant
	ch        transport.Channel
	logger    *slog.Logger
	now       func() time.Time
	buffer    int
}

func newRoom(ch transport.Channel, dossierID string, self Participant, logger *slog.Logger) *room {
	if logger == nil {
		logger = slog.Default()
	}
	return &room{
		dossierID: dossierID,
		self:      self,
		ch:        ch,
		logger:    logger.With("dossier_id", dossierID, "participant_id", self.ID),
		now:       time.Now,
		buffer:    64,
	}
}

// publish sends v as JSON. Collaboration events are advisory: while the
// transport is down they are logged and dropped, never queued.
func (r *room) publish(ctx context.Context, topic string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		r.logger.Error("Failed to encode collaboration event", "topic", topic, "error", err)
		return
	}
	if !r.ch.IsConnected() {
		r.logger.Warn("Dropping collaboration event while disconnected", "topic", topic)
		return
	}
	if err := r.ch.Send(ctx, topic, data); err != nil {
		r.logger.Warn("Failed to publish collaboration event", "topic", topic, "error", err)
	}
}

// decode unmarshals a pushed payload, logging malformed ones.
func decode[T any](r *room, msg transport.Message) (T, bool) {
	var v T
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		r.logger.Warn("Ignoring malformed collaboration message", "topic", msg.Topic, "error", err)
		return v, false
	}
	return v, true
}

// stream is an output channel that stops accepting values once its room is
// left. Emitting never blocks: when the buffer is full the oldest value is
// dropped to make room.
type stream[T any] struct {
	name    string
	logger  *slog.Logger
	mu      sync.RWMutex
	ch      chan T
	closed  bool
	dropped int
}

func newStream[T any](r *room, name string) *stream[T] {
	size := r.buffer
	if size < 1 {
		size = 1
	}
	return &stream[T]{name: name, logger: r.logger, ch: make(chan T, size)}
}

func (s *stream[T]) emit(v T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	for {
		select {
		case s.ch <- v:
			return true
		default:
		}
		select {
		case <-s.ch:
			s.dropped++
			s.logger.Debug("Collaboration stream full, dropped oldest value",
				"stream", s.name,
				"dropped", s.dropped)
		default:
		}
	}
}

func (s *stream[T]) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

var palette = []string{
	"#E53935", "#8E24AA", "#3949AB", "#1E88E5",
	"#00897B", "#43A047", "#F4511E", "#6D4C41",
}

// FallbackColor derives a stable display color from a participant ID, used
// when the remote API cannot provide one.
func FallbackColor(participantID string) string {
	h := fnv.New32a()
	h.Write([]byte(participantID))
	return palette[h.Sum32()%uint32(len(palette))]
}

func decodeQuiet[T any](data []byte) (T, bool) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err == nil
}
