package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/c360studio/dossiersync/collab"
	"github.com/c360studio/dossiersync/transport"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

var errUnknownDestination = errors.New("unknown destination")

// Server accepts relay WebSocket connections.
type Server struct {
	bus          Bus
	viewers      ViewerRegistry
	logger       *slog.Logger
	metrics      *Metrics
	gatherer     prometheus.Gatherer
	limit        rate.Limit
	burst        int
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
	now          func() time.Time

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRateLimit bounds the frames accepted per connection.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(s *Server) {
		s.limit = limit
		s.burst = burst
	}
}

// WithMetrics sets the collectors and the gatherer served on /metrics.
func WithMetrics(m *Metrics, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

// WithCheckOrigin sets the WebSocket origin check.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(s *Server) {
		s.upgrader.CheckOrigin = fn
	}
}

// NewServer creates a relay server.
func NewServer(bus Bus, viewers ViewerRegistry, opts ...Option) *Server {
	s := &Server{
		bus:          bus,
		viewers:      viewers,
		logger:       slog.Default(),
		gatherer:     prometheus.DefaultGatherer,
		limit:        50,
		burst:        100,
		writeTimeout: 10 * time.Second,
		now:          time.Now,
		conns:        make(map[*conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	return s
}

// Router returns the HTTP routes of the relay.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.ServeWS)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/dossiers/{id}/viewers", s.handleViewers).Methods(http.MethodGet)
	r.HandleFunc("/api/participants/{id}/color", s.handleColor).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleViewers(w http.ResponseWriter, r *http.Request) {
	viewers, err := s.viewers.List(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.logger.Error("Failed to list viewers", "error", err)
		http.Error(w, "viewer registry unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, viewers)
}

func (s *Server) handleColor(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"color": collab.FallbackColor(mux.Vars(r)["id"])})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ServeWS upgrades the request and serves relay frames until the client goes
// away.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	c := &conn{
		srv:     s,
		ws:      ws,
		subs:    make(map[string]Unsubscribe),
		joined:  make(map[string]string),
		limiter: rate.NewLimiter(s.limit, s.burst),
		logger:  s.logger.With("remote", r.RemoteAddr),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ws.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.metrics.Connections.Inc()

	c.logger.Debug("Relay connection opened")
	c.serve(r.Context())

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.metrics.Connections.Dec()
	c.logger.Debug("Relay connection closed")
}

// Close closes every open connection.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.ws.Close()
	}
	return nil
}

// route handles a send frame from a participant.
func (s *Server) route(ctx context.Context, c *conn, f transport.Frame) error {
	if f.Topic == collab.TopicFilterPresetShare {
		return s.bus.Publish(ctx, collab.TopicFilterPresets, f.Payload)
	}

	dossierID, verb, ok := parseDossierTopic(f.Topic)
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownDestination, f.Topic)
	}

	switch verb {
	case "join":
		var ev collab.PresenceEvent
		if err := json.Unmarshal(f.Payload, &ev); err != nil || ev.ParticipantID == "" {
			return fmt.Errorf("join requires a presence event with a participant ID")
		}
		return s.join(ctx, c, dossierID, ev)
	case "leave":
		var ev collab.PresenceEvent
		if err := json.Unmarshal(f.Payload, &ev); err != nil || ev.ParticipantID == "" {
			return fmt.Errorf("leave requires a presence event with a participant ID")
		}
		c.forget(dossierID)
		return s.leave(ctx, dossierID, ev.ParticipantID, ev.DisplayName)
	case "cursor", "edit", "activity":
		return s.bus.Publish(ctx, f.Topic, f.Payload)
	default:
		return fmt.Errorf("%w: %s", errUnknownDestination, f.Topic)
	}
}

func (s *Server) join(ctx context.Context, c *conn, dossierID string, ev collab.PresenceEvent) error {
	viewers, err := s.viewers.Add(ctx, dossierID, collab.Viewer{
		ParticipantID: ev.ParticipantID,
		DisplayName:   ev.DisplayName,
		Color:         collab.FallbackColor(ev.ParticipantID),
	})
	if err != nil {
		return err
	}
	c.remember(dossierID, ev.ParticipantID)

	ev.DossierID = dossierID
	ev.Action = collab.PresenceJoined
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}
	if err := s.publishJSON(ctx, collab.TopicPresence(dossierID), ev); err != nil {
		return err
	}
	return s.publishJSON(ctx, collab.TopicViewers(dossierID), viewers)
}

func (s *Server) leave(ctx context.Context, dossierID, participantID, displayName string) error {
	viewers, err := s.viewers.Remove(ctx, dossierID, participantID)
	if err != nil {
		return err
	}
	ev := collab.PresenceEvent{
		ParticipantID: participantID,
		DisplayName:   displayName,
		DossierID:     dossierID,
		Action:        collab.PresenceLeft,
		Timestamp:     s.now(),
	}
	if err := s.publishJSON(ctx, collab.TopicPresence(dossierID), ev); err != nil {
		return err
	}
	return s.publishJSON(ctx, collab.TopicViewers(dossierID), viewers)
}

func (s *Server) publishJSON(ctx context.Context, topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, topic, data)
}

// parseDossierTopic splits "dossier/{id}/{verb}".
func parseDossierTopic(topic string) (dossierID, verb string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "dossier" || parts[1] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}
