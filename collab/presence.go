package collab

import (
	"github.com/c360studio/dossiersync/live"
	"github.com/c360studio/dossiersync/transport"
)

// PresenceTracker holds the viewer set of a dossier. The server is
// authoritative for membership: every push replaces the set wholesale.
type PresenceTracker struct {
	room    *room
	viewers *live.Value[[]Viewer]
	events  *stream[PresenceEvent]
}

func newPresenceTracker(r *room) *PresenceTracker {
	return &PresenceTracker{
		room:    r,
		viewers: live.NewValue([]Viewer{}),
		events:  newStream[PresenceEvent](r, "presence"),
	}
}

// Viewers returns the latest known viewer set.
func (p *PresenceTracker) Viewers() []Viewer {
	return cloneViewers(p.viewers.Get())
}

// Subscribe returns a channel that replays the current viewer set and then
// receives every replacement. cancel releases it.
func (p *PresenceTracker) Subscribe() (<-chan []Viewer, func()) {
	return p.viewers.Subscribe()
}

// Events returns join and leave announcements. They are informational; the
// viewer set is driven only by viewer pushes.
func (p *PresenceTracker) Events() <-chan PresenceEvent {
	return p.events.ch
}

func (p *PresenceTracker) replace(viewers []Viewer) {
	p.viewers.Set(cloneViewers(viewers))
}

func (p *PresenceTracker) handleViewers(msg transport.Message) {
	// The viewer push is either full viewer objects or bare participant IDs.
	if viewers, ok := decodeQuiet[[]Viewer](msg.Payload); ok {
		p.replace(viewers)
		return
	}
	ids, ok := decode[[]string](p.room, msg)
	if !ok {
		return
	}
	viewers := make([]Viewer, len(ids))
	for i, id := range ids {
		viewers[i] = Viewer{ParticipantID: id}
	}
	p.replace(viewers)
}

func (p *PresenceTracker) handlePresence(msg transport.Message) {
	ev, ok := decode[PresenceEvent](p.room, msg)
	if !ok {
		return
	}
	p.events.emit(ev)
}

func (p *PresenceTracker) close() {
	p.events.close()
	p.viewers.Close()
}

func cloneViewers(in []Viewer) []Viewer {
	out := make([]Viewer, len(in))
	copy(out, in)
	return out
}
