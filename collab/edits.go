package collab

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/c360studio/dossiersync/transport"
	"github.com/google/uuid"
)

// Synchronizer applies optimistic per-field versioning to the edits of one
// dossier. A remote edit is accepted only when its version is strictly
// greater than the highest version applied or originated locally for the
// field; equal or lower versions are rejected and never applied.
//
// Rejections are routine under concurrent editing. They are surfaced on
// Rejected so a caller can escalate with ResolveConflict; nothing escalates
// automatically.
type Synchronizer struct {
	room     *room
	versions *FieldVersions
	remote   RemoteAPI
	newID    func() string

	mu      sync.Mutex
	pending map[string]EditRecord

	accepted  *stream[EditRecord]
	rejected  *stream[RejectedEdit]
	conflicts *stream[ConflictSignal]
}

func newSynchronizer(r *room, remote RemoteAPI) *Synchronizer {
	return &Synchronizer{
		room:      r,
		versions:  NewFieldVersions(),
		remote:    remote,
		newID:     uuid.NewString,
		pending:   make(map[string]EditRecord),
		accepted:  newStream[EditRecord](r, "accepted"),
		rejected:  newStream[RejectedEdit](r, "rejected"),
		conflicts: newStream[ConflictSignal](r, "conflicts"),
	}
}

// ProposeEdit advances the field's version, records the edit as pending and
// publishes it. The caller applies newValue locally without waiting.
func (s *Synchronizer) ProposeEdit(ctx context.Context, field string, newValue, oldValue any) EditRecord {
	rec := EditRecord{
		ParticipantID: s.room.self.ID,
		DisplayName:   s.room.self.DisplayName,
		DossierID:     s.room.dossierID,
		FieldName:     field,
		NewValue:      newValue,
		OldValue:      oldValue,
		Version:       s.versions.Next(field),
		EditID:        s.newID(),
		Timestamp:     s.room.now(),
	}

	s.mu.Lock()
	s.pending[rec.EditID] = rec
	s.mu.Unlock()

	// Released before publishing: brokers may echo synchronously.
	s.room.publish(ctx, TopicEdit(s.room.dossierID), rec)
	return rec
}

// ConfirmEdit drops a pending edit once its round trip is acknowledged and
// reports whether it was pending.
func (s *Synchronizer) ConfirmEdit(editID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[editID]
	delete(s.pending, editID)
	return ok
}

// Pending returns unconfirmed local edits ordered by field then version.
func (s *Synchronizer) Pending() []EditRecord {
	s.mu.Lock()
	out := make([]EditRecord, 0, len(s.pending))
	for _, rec := range s.pending {
		out = append(out, rec)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].FieldName != out[j].FieldName {
			return out[i].FieldName < out[j].FieldName
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// Version returns the local version of field.
func (s *Synchronizer) Version(field string) int {
	return s.versions.Current(field)
}

// Versions returns the version table.
func (s *Synchronizer) Versions() *FieldVersions {
	return s.versions
}

// Accepted returns remote edits the caller must apply.
func (s *Synchronizer) Accepted() <-chan EditRecord { return s.accepted.ch }

// Rejected returns remote edits that lost to a local version.
func (s *Synchronizer) Rejected() <-chan RejectedEdit { return s.rejected.ch }

// Conflicts returns server-mediated resolutions.
func (s *Synchronizer) Conflicts() <-chan ConflictSignal { return s.conflicts.ch }

// ResolveConflict records resolvedValue for field through the remote API.
// The request is synchronous so the outcome is durable before it is
// broadcast; the local version is raised to the authoritative one.
func (s *Synchronizer) ResolveConflict(ctx context.Context, field string, resolvedValue any) (*ConflictSignal, error) {
	if s.remote == nil {
		return nil, ErrNoRemote
	}
	sig, err := s.remote.ResolveConflict(ctx, s.room.dossierID, ConflictResolution{
		FieldName:     field,
		ResolvedValue: resolvedValue,
		ResolvedBy:    s.room.self.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve conflict on %s: %w", field, err)
	}
	s.versions.Observe(field, sig.Version)
	return sig, nil
}

// Prime seeds field versions from the remote API.
func (s *Synchronizer) Prime(ctx context.Context, fields ...string) error {
	if s.remote == nil {
		return ErrNoRemote
	}
	var errs []error
	for _, field := range fields {
		v, err := s.remote.FieldVersion(ctx, s.room.dossierID, field)
		if err != nil {
			errs = append(errs, fmt.Errorf("field %s: %w", field, err))
			continue
		}
		s.versions.Observe(field, v)
	}
	return errors.Join(errs...)
}

func (s *Synchronizer) handleEdit(msg transport.Message) {
	rec, ok := decode[EditRecord](s.room, msg)
	if !ok || rec.FieldName == "" {
		return
	}
	if rec.DossierID != "" && rec.DossierID != s.room.dossierID {
		return
	}

	// Echo of a local edit.
	if s.ConfirmEdit(rec.EditID) || rec.ParticipantID == s.room.self.ID {
		return
	}

	applied, local := s.versions.Observe(rec.FieldName, rec.Version)
	if applied {
		s.accepted.emit(rec)
		return
	}

	s.room.logger.Debug("Rejected stale edit",
		"field", rec.FieldName,
		"version", rec.Version,
		"local_version", local,
		"from", rec.ParticipantID)
	s.rejected.emit(RejectedEdit{Edit: rec, LocalVersion: local})
}

func (s *Synchronizer) handleConflict(msg transport.Message) {
	sig, ok := decode[ConflictSignal](s.room, msg)
	if !ok || sig.FieldName == "" {
		return
	}
	s.versions.Observe(sig.FieldName, sig.Version)
	s.conflicts.emit(sig)
}

func (s *Synchronizer) close() {
	s.accepted.close()
	s.rejected.close()
	s.conflicts.close()
}
