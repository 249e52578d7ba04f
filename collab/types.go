// Package collab implements real-time collaboration on a dossier: presence,
// live cursors, optimistic per-field edit versioning and the activity and
// filter-preset relay.
//
// A Session binds one participant to one dossier over a transport.Channel.
// All cross-participant coordination is asynchronous message passing; the
// only ordering assumed is per-topic transport order, which is why field
// edits carry explicit version numbers.
package collab

import (
	"errors"
	"time"
)

var (
	// ErrNotJoined is returned by Session operations that need an active dossier.
	ErrNotJoined = errors.New("session has not joined a dossier")

	// ErrNoRemote is returned when an operation needs the remote API and none
	// was configured.
	ErrNoRemote = errors.New("remote API not configured")
)

// Participant is a connected user.
type Participant struct {
	ID          string `json:"participantId"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color,omitempty"`
}

// PresenceAction is the kind of a PresenceEvent.
type PresenceAction string

const (
	PresenceJoined PresenceAction = "joined"
	PresenceLeft   PresenceAction = "left"
)

// PresenceEvent announces a participant joining or leaving a dossier.
type PresenceEvent struct {
	ParticipantID string         `json:"participantId"`
	DisplayName   string         `json:"displayName"`
	DossierID     string         `json:"dossierId"`
	Action        PresenceAction `json:"action"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Viewer is a member of a dossier's viewer set.
type Viewer struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName,omitempty"`
	Color         string `json:"color,omitempty"`
}

// CursorAnnouncement is a participant's current cursor position.
type CursorAnnouncement struct {
	ParticipantID string    `json:"participantId"`
	DisplayName   string    `json:"displayName"`
	DossierID     string    `json:"dossierId"`
	FieldName     string    `json:"fieldName"`
	Position      int       `json:"position"`
	Color         string    `json:"color,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// EditRecord is a single field change. Records are never mutated once built.
type EditRecord struct {
	ParticipantID string    `json:"participantId"`
	DisplayName   string    `json:"displayName"`
	DossierID     string    `json:"dossierId"`
	FieldName     string    `json:"fieldName"`
	NewValue      any       `json:"newValue"`
	OldValue      any       `json:"oldValue"`
	Version       int       `json:"version"`
	EditID        string    `json:"editId"`
	Timestamp     time.Time `json:"timestamp"`
}

// RejectedEdit is a remote edit that was not applied because its version was
// not newer than the local one.
type RejectedEdit struct {
	Edit         EditRecord
	LocalVersion int
}

// ConflictSignal is a server-mediated resolution of a field conflict.
type ConflictSignal struct {
	FieldName     string `json:"fieldName"`
	ResolvedValue any    `json:"resolvedValue"`
	ResolvedBy    string `json:"resolvedBy"`
	Version       int    `json:"version"`
}

// ConflictResolution is the body of a resolve-conflict request.
type ConflictResolution struct {
	FieldName     string `json:"fieldName"`
	ResolvedValue any    `json:"resolvedValue"`
	ResolvedBy    string `json:"resolvedBy"`
}

// ActivityRecord is an advisory activity event.
type ActivityRecord struct {
	ParticipantID string         `json:"participantId"`
	DisplayName   string         `json:"displayName"`
	DossierID     string         `json:"dossierId"`
	Type          string         `json:"type"`
	Description   string         `json:"description"`
	Data          map[string]any `json:"data,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// FilterPreset is a saved dossier list filter shared between participants.
type FilterPreset struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	OwnerID   string            `json:"ownerId,omitempty"`
	Filters   map[string]string `json:"filters,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt"`
}
