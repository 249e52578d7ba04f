package collab

import (
	"bytes"
	"context"

	"github.com/c360studio/dossiersync/live"
	"github.com/c360studio/dossiersync/transport"
)

// ActivityRelay fans out advisory activity events and shared filter presets.
// Activity has no acknowledgement, ordering beyond transport order, or
// deduplication. Presets are deduplicated by ID.
type ActivityRelay struct {
	room       *room
	activities *stream[ActivityRecord]
	presets    *live.Value[[]FilterPreset]
}

func newActivityRelay(r *room) *ActivityRelay {
	return &ActivityRelay{
		room:       r,
		activities: newStream[ActivityRecord](r, "activities"),
		presets:    live.NewValue([]FilterPreset{}),
	}
}

// BroadcastActivity publishes an activity record on the dossier.
func (a *ActivityRelay) BroadcastActivity(ctx context.Context, typ, description string, data map[string]any) ActivityRecord {
	rec := ActivityRecord{
		ParticipantID: a.room.self.ID,
		DisplayName:   a.room.self.DisplayName,
		DossierID:     a.room.dossierID,
		Type:          typ,
		Description:   description,
		Data:          data,
		Timestamp:     a.room.now(),
	}
	a.room.publish(ctx, TopicActivity(a.room.dossierID), rec)
	return rec
}

// ShareFilterPreset sends preset to the server for global broadcast. The
// local list changes when the broadcast comes back.
func (a *ActivityRelay) ShareFilterPreset(ctx context.Context, preset FilterPreset) FilterPreset {
	if preset.OwnerID == "" {
		preset.OwnerID = a.room.self.ID
	}
	if preset.UpdatedAt.IsZero() {
		preset.UpdatedAt = a.room.now()
	}
	a.room.publish(ctx, TopicFilterPresetShare, preset)
	return preset
}

// Activities returns received activity records.
func (a *ActivityRelay) Activities() <-chan ActivityRecord {
	return a.activities.ch
}

// Presets returns the held filter presets, newest first.
func (a *ActivityRelay) Presets() []FilterPreset {
	v := a.presets.Get()
	out := make([]FilterPreset, len(v))
	copy(out, v)
	return out
}

// SubscribePresets replays the preset list and then every change.
func (a *ActivityRelay) SubscribePresets() (<-chan []FilterPreset, func()) {
	return a.presets.Subscribe()
}

func (a *ActivityRelay) handleActivity(msg transport.Message) {
	rec, ok := decode[ActivityRecord](a.room, msg)
	if !ok {
		return
	}
	a.activities.emit(rec)
}

// handlePresets accepts a single preset or an array of them.
func (a *ActivityRelay) handlePresets(msg transport.Message) {
	var incoming []FilterPreset
	if bytes.HasPrefix(bytes.TrimSpace(msg.Payload), []byte("[")) {
		list, ok := decode[[]FilterPreset](a.room, msg)
		if !ok {
			return
		}
		incoming = list
	} else {
		p, ok := decode[FilterPreset](a.room, msg)
		if !ok {
			return
		}
		incoming = []FilterPreset{p}
	}
	a.merge(incoming)
}

// merge replaces presets already held in place and prepends new ones,
// keeping the incoming order among the new ones.
func (a *ActivityRelay) merge(incoming []FilterPreset) {
	a.presets.Update(func(held []FilterPreset) []FilterPreset {
		out := make([]FilterPreset, len(held))
		copy(out, held)
		index := make(map[string]int, len(out))
		for i, p := range out {
			index[p.ID] = i
		}

		var fresh []FilterPreset
		freshIndex := make(map[string]int)
		for _, p := range incoming {
			if p.ID == "" {
				continue
			}
			if i, ok := index[p.ID]; ok {
				out[i] = p
				continue
			}
			if i, ok := freshIndex[p.ID]; ok {
				fresh[i] = p
				continue
			}
			freshIndex[p.ID] = len(fresh)
			fresh = append(fresh, p)
		}
		merged := make([]FilterPreset, 0, len(fresh)+len(out))
		merged = append(merged, fresh...)
		return append(merged, out...)
	})
}

func (a *ActivityRelay) close() {
	a.activities.close()
	a.presets.Close()
}
