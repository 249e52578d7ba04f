package collab

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/c360studio/dossiersync/live"
	"github.com/c360studio/dossiersync/transport"
)

// DefaultCursorTTL is how long a cursor stays visible without renewal.
const DefaultCursorTTL = 3 * time.Second

// CursorTracker broadcasts the local cursor and tracks remote ones. Each
// participant has at most one visible cursor, the most recent announcement
// on any field.
type CursorTracker struct {
	room    *room
	ttl     time.Duration
	visible *live.Value[[]CursorAnnouncement]

	mu      sync.Mutex
	cursors map[string]*cursorEntry
	closed  bool
}

type cursorEntry struct {
	ann   CursorAnnouncement
	gen   uint64
	timer *time.Timer
}

func newCursorTracker(r *room, ttl time.Duration) *CursorTracker {
	if ttl <= 0 {
		ttl = DefaultCursorTTL
	}
	return &CursorTracker{
		room:    r,
		ttl:     ttl,
		visible: live.NewValue([]CursorAnnouncement{}),
		cursors: make(map[string]*cursorEntry),
	}
}

// Announce publishes the local cursor position. It is not rate limited;
// callers debounce.
func (c *CursorTracker) Announce(ctx context.Context, field string, position int) CursorAnnouncement {
	ann := CursorAnnouncement{
		ParticipantID: c.room.self.ID,
		DisplayName:   c.room.self.DisplayName,
		DossierID:     c.room.dossierID,
		FieldName:     field,
		Position:      position,
		Color:         c.room.self.Color,
		Timestamp:     c.room.now(),
	}
	c.room.publish(ctx, TopicCursor(c.room.dossierID), ann)
	return ann
}

// Visible returns the remote cursors sorted by participant ID.
func (c *CursorTracker) Visible() []CursorAnnouncement {
	v := c.visible.Get()
	out := make([]CursorAnnouncement, len(v))
	copy(out, v)
	return out
}

// Subscribe replays the visible cursors and then every change.
func (c *CursorTracker) Subscribe() (<-chan []CursorAnnouncement, func()) {
	return c.visible.Subscribe()
}

func (c *CursorTracker) handleCursor(msg transport.Message) {
	ann, ok := decode[CursorAnnouncement](c.room, msg)
	if !ok || ann.ParticipantID == "" {
		return
	}
	if ann.ParticipantID == c.room.self.ID {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	e, ok := c.cursors[ann.ParticipantID]
	if !ok {
		e = &cursorEntry{}
		c.cursors[ann.ParticipantID] = e
	} else if e.timer != nil {
		e.timer.Stop()
	}
	e.ann = ann
	e.gen++
	gen, pid := e.gen, ann.ParticipantID
	e.timer = time.AfterFunc(c.ttl, func() { c.expire(pid, gen) })
	c.publishLocked()
}

// expire removes a cursor unless it was renewed after gen was issued.
func (c *CursorTracker) expire(participantID string, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	e, ok := c.cursors[participantID]
	if !ok || e.gen != gen {
		return
	}
	delete(c.cursors, participantID)
	c.publishLocked()
}

// remove drops a participant's cursor immediately, e.g. when they leave.
func (c *CursorTracker) remove(participantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cursors[participantID]
	if c.closed || !ok {
		return
	}
	e.timer.Stop()
	delete(c.cursors, participantID)
	c.publishLocked()
}

func (c *CursorTracker) publishLocked() {
	out := make([]CursorAnnouncement, 0, len(c.cursors))
	for _, e := range c.cursors {
		out = append(out, e.ann)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	c.visible.Set(out)
}

// close stops every expiry timer.
func (c *CursorTracker) close() {
	c.mu.Lock()
	c.closed = true
	for id, e := range c.cursors {
		e.timer.Stop()
		delete(c.cursors, id)
	}
	c.mu.Unlock()
	c.visible.Close()
}

// timers reports the number of live expiry timers.
func (c *CursorTracker) timers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cursors)
}
