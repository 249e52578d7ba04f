package collab

import "context"

// RemoteAPI is the request/response side of the collaboration backend.
// apiclient.Client implements it over HTTP.
type RemoteAPI interface {
	ResolveConflict(ctx context.Context, dossierID string, res ConflictResolution) (*ConflictSignal, error)
	Viewers(ctx context.Context, dossierID string) ([]Viewer, error)
	FieldVersion(ctx context.Context, dossierID, field string) (int, error)
	ParticipantColor(ctx context.Context, participantID string) (string, error)
}
