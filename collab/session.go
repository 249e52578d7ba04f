package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/dossiersync/transport"
)

// Session is one participant's presence on one dossier. It is created idle;
// Join binds it to a dossier and Leave tears the binding down. Field
// versions and pending edits live only as long as the binding.
type Session struct {
	ch          transport.Channel
	remote      RemoteAPI
	logger      *slog.Logger
	cursorTTL   time.Duration
	primeFields []string
	buffer      int

	mu   sync.Mutex
	room *room
	subs []transport.Subscription

	presence *PresenceTracker
	cursors  *CursorTracker
	edits    *Synchronizer
	activity *ActivityRelay
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithRemote sets the request/response API used for conflict resolution and
// priming.
func WithRemote(api RemoteAPI) SessionOption {
	return func(s *Session) {
		s.remote = api
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithCursorTTL overrides DefaultCursorTTL.
func WithCursorTTL(d time.Duration) SessionOption {
	return func(s *Session) {
		s.cursorTTL = d
	}
}

// WithPrimedFields names fields whose versions are fetched on Join.
func WithPrimedFields(fields ...string) SessionOption {
	return func(s *Session) {
		s.primeFields = append(s.primeFields, fields...)
	}
}

// WithStreamBuffer sets the capacity of the session's output channels. A full
// channel drops its oldest value.
func WithStreamBuffer(n int) SessionOption {
	return func(s *Session) {
		s.buffer = n
	}
}

// NewSession creates an idle session over ch.
func NewSession(ch transport.Channel, opts ...SessionOption) *Session {
	s := &Session{
		ch:        ch,
		logger:    slog.Default(),
		cursorTTL: DefaultCursorTTL,
		buffer:    64,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Join connects the transport if needed, subscribes to the dossier's topics
// and the participant's preset topics, and announces the participant.
// Joining the dossier the session is already on is a no-op; joining another
// one leaves the current dossier first.
//
// A connection failure is returned wrapping transport.ErrConnect. Join does
// not retry.
func (s *Session) Join(ctx context.Context, dossierID string, p Participant) error {
	if dossierID == "" || p.ID == "" {
		return fmt.Errorf("dossier ID and participant ID are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.room != nil {
		if s.room.dossierID == dossierID && s.room.self.ID == p.ID {
			return nil
		}
		s.leaveLocked(ctx)
	}

	if !s.ch.IsConnected() {
		if err := s.ch.Connect(ctx); err != nil {
			if !errors.Is(err, transport.ErrConnect) {
				err = fmt.Errorf("%w: %w", transport.ErrConnect, err)
			}
			return fmt.Errorf("join dossier %s: %w", dossierID, err)
		}
	}

	if p.Color == "" {
		p.Color = s.participantColor(ctx, p.ID)
	}

	r := newRoom(s.ch, dossierID, p, s.logger)
	r.buffer = s.buffer
	presence := newPresenceTracker(r)
	cursors := newCursorTracker(r, s.cursorTTL)
	edits := newSynchronizer(r, s.remote)
	activity := newActivityRelay(r)

	handlers := []struct {
		topic string
		h     transport.Handler
	}{
		{TopicPresence(dossierID), func(m transport.Message) {
			presence.handlePresence(m)
			if ev, ok := decodeQuiet[PresenceEvent](m.Payload); ok && ev.Action == PresenceLeft {
				cursors.remove(ev.ParticipantID)
			}
		}},
		{TopicViewers(dossierID), presence.handleViewers},
		{TopicCursor(dossierID), cursors.handleCursor},
		{TopicEdit(dossierID), edits.handleEdit},
		{TopicActivity(dossierID), activity.handleActivity},
		{TopicConflict(dossierID), edits.handleConflict},
		{TopicFilterPresets, activity.handlePresets},
		{TopicParticipantPresets(p.ID), activity.handlePresets},
	}

	subs := make([]transport.Subscription, 0, len(handlers))
	for _, sub := range handlers {
		sn, err := s.ch.Subscribe(sub.topic, sub.h)
		if err != nil {
			unsubscribeAll(r.logger, subs)
			presence.close()
			cursors.close()
			edits.close()
			activity.close()
			return fmt.Errorf("join dossier %s: subscribe %s: %w", dossierID, sub.topic, err)
		}
		subs = append(subs, sn)
	}

	s.room = r
	s.subs = subs
	s.presence = presence
	s.cursors = cursors
	s.edits = edits
	s.activity = activity

	r.publish(ctx, TopicJoin(dossierID), s.presenceEvent(PresenceJoined))
	s.prime(ctx)

	r.logger.Info("Joined dossier")
	return nil
}

// prime loads server state through the remote API. Failures are logged; the
// pushed topics will catch the session up.
func (s *Session) prime(ctx context.Context) {
	if s.remote == nil {
		return
	}
	viewers, err := s.remote.Viewers(ctx, s.room.dossierID)
	if err != nil {
		s.room.logger.Warn("Failed to fetch viewers", "error", err)
	} else {
		s.presence.replace(viewers)
	}

	if len(s.primeFields) > 0 {
		if err := s.edits.Prime(ctx, s.primeFields...); err != nil {
			s.room.logger.Warn("Failed to prime field versions", "error", err)
		}
	}
}

func (s *Session) participantColor(ctx context.Context, participantID string) string {
	if s.remote != nil {
		color, err := s.remote.ParticipantColor(ctx, participantID)
		if err == nil && color != "" {
			return color
		}
		if err != nil {
			s.logger.Warn("Failed to fetch participant color", "participant_id", participantID, "error", err)
		}
	}
	return FallbackColor(participantID)
}

func (s *Session) presenceEvent(action PresenceAction) PresenceEvent {
	return PresenceEvent{
		ParticipantID: s.room.self.ID,
		DisplayName:   s.room.self.DisplayName,
		DossierID:     s.room.dossierID,
		Action:        action,
		Timestamp:     s.room.now(),
	}
}

// Leave announces the departure, unsubscribes every topic, stops cursor
// timers and closes the output streams. It is safe to call repeatedly and
// without a prior Join. The transport stays connected.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaveLocked(ctx)
	return nil
}

func (s *Session) leaveLocked(ctx context.Context) {
	r := s.room
	if r == nil {
		return
	}

	r.publish(ctx, TopicLeave(r.dossierID), s.presenceEvent(PresenceLeft))
	unsubscribeAll(r.logger, s.subs)

	s.presence.close()
	s.cursors.close()
	s.edits.close()
	s.activity.close()

	s.room = nil
	s.subs = nil
	s.presence, s.cursors, s.edits, s.activity = nil, nil, nil, nil
	r.logger.Info("Left dossier")
}

func unsubscribeAll(logger *slog.Logger, subs []transport.Subscription) {
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			logger.Warn("Failed to unsubscribe", "topic", sub.Topic(), "error", err)
		}
	}
}

// Reannounce publishes the "joined" presence event again. Call it after the
// transport reconnects so the server restores the participant in the viewer
// set. It returns ErrNotJoined when idle.
func (s *Session) Reannounce(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return ErrNotJoined
	}
	s.room.publish(ctx, TopicJoin(s.room.dossierID), s.presenceEvent(PresenceJoined))
	return nil
}

// Joined reports whether the session is bound to a dossier.
func (s *Session) Joined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room != nil
}

// DossierID returns the joined dossier, or "" when idle.
func (s *Session) DossierID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return ""
	}
	return s.room.dossierID
}

// Participant returns the joined participant, including the resolved color.
func (s *Session) Participant() (Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return Participant{}, false
	}
	return s.room.self, true
}

// Presence returns the presence tracker of the joined dossier, or nil.
func (s *Session) Presence() *PresenceTracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence
}

// Cursors returns the cursor tracker of the joined dossier, or nil.
func (s *Session) Cursors() *CursorTracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors
}

// Edits returns the edit synchronizer of the joined dossier, or nil.
func (s *Session) Edits() *Synchronizer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.edits
}

// Activity returns the activity relay of the joined dossier, or nil.
func (s *Session) Activity() *ActivityRelay {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activity
}

// ProposeEdit proposes an edit on the joined dossier.
func (s *Session) ProposeEdit(ctx context.Context, field string, newValue, oldValue any) (EditRecord, error) {
	edits := s.Edits()
	if edits == nil {
		return EditRecord{}, ErrNotJoined
	}
	return edits.ProposeEdit(ctx, field, newValue, oldValue), nil
}

// ResolveConflict resolves a field conflict on the joined dossier.
func (s *Session) ResolveConflict(ctx context.Context, field string, resolvedValue any) (*ConflictSignal, error) {
	edits := s.Edits()
	if edits == nil {
		return nil, ErrNotJoined
	}
	return edits.ResolveConflict(ctx, field, resolvedValue)
}

// AnnounceCursor announces the local cursor on the joined dossier.
func (s *Session) AnnounceCursor(ctx context.Context, field string, position int) error {
	cursors := s.Cursors()
	if cursors == nil {
		return ErrNotJoined
	}
	cursors.Announce(ctx, field, position)
	return nil
}

// BroadcastActivity publishes an activity record on the joined dossier.
func (s *Session) BroadcastActivity(ctx context.Context, typ, description string, data map[string]any) error {
	activity := s.Activity()
	if activity == nil {
		return ErrNotJoined
	}
	activity.BroadcastActivity(ctx, typ, description, data)
	return nil
}

// ShareFilterPreset shares a filter preset with every participant.
func (s *Session) ShareFilterPreset(ctx context.Context, preset FilterPreset) error {
	activity := s.Activity()
	if activity == nil {
		return ErrNotJoined
	}
	activity.ShareFilterPreset(ctx, preset)
	return nil
}
