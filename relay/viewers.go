package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/c360studio/dossiersync/collab"
	"github.com/redis/go-redis/v9"
)

// ViewerRegistry is the authoritative viewer set of each dossier.
type ViewerRegistry interface {
	// Add records v on the dossier and returns the resulting set.
	Add(ctx context.Context, dossierID string, v collab.Viewer) ([]collab.Viewer, error)

	// Remove drops a participant and returns the resulting set.
	Remove(ctx context.Context, dossierID, participantID string) ([]collab.Viewer, error)

	List(ctx context.Context, dossierID string) ([]collab.Viewer, error)
}

// MemoryViewers is a single-instance ViewerRegistry.
type MemoryViewers struct {
	mu      sync.Mutex
	dossier map[string]map[string]collab.Viewer
}

// NewMemoryViewers creates an empty registry.
func NewMemoryViewers() *MemoryViewers {
	return &MemoryViewers{dossier: make(map[string]map[string]collab.Viewer)}
}

func (m *MemoryViewers) Add(_ context.Context, dossierID string, v collab.Viewer) ([]collab.Viewer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.dossier[dossierID]
	if !ok {
		set = make(map[string]collab.Viewer)
		m.dossier[dossierID] = set
	}
	set[v.ParticipantID] = v
	return sortedViewers(set), nil
}

func (m *MemoryViewers) Remove(_ context.Context, dossierID, participantID string) ([]collab.Viewer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.dossier[dossierID]
	delete(set, participantID)
	if len(set) == 0 {
		delete(m.dossier, dossierID)
	}
	return sortedViewers(set), nil
}

func (m *MemoryViewers) List(_ context.Context, dossierID string) ([]collab.Viewer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedViewers(m.dossier[dossierID]), nil
}

func sortedViewers(set map[string]collab.Viewer) []collab.Viewer {
	out := make([]collab.Viewer, 0, len(set))
	for _, v := range set {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

// RedisViewers keeps viewer sets in Redis hashes shared by all relay
// instances, one hash per dossier keyed by participant ID.
type RedisViewers struct {
	client redis.Cmdable
	prefix string
}

// NewRedisViewers creates a registry on client.
func NewRedisViewers(client redis.Cmdable, prefix string) *RedisViewers {
	return &RedisViewers{client: client, prefix: prefix}
}

func (r *RedisViewers) key(dossierID string) string {
	return r.prefix + "viewers:" + dossierID
}

func (r *RedisViewers) Add(ctx context.Context, dossierID string, v collab.Viewer) ([]collab.Viewer, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal viewer: %w", err)
	}
	if err := r.client.HSet(ctx, r.key(dossierID), v.ParticipantID, data).Err(); err != nil {
		return nil, fmt.Errorf("add viewer: %w", err)
	}
	return r.List(ctx, dossierID)
}

func (r *RedisViewers) Remove(ctx context.Context, dossierID, participantID string) ([]collab.Viewer, error) {
	if err := r.client.HDel(ctx, r.key(dossierID), participantID).Err(); err != nil {
		return nil, fmt.Errorf("remove viewer: %w", err)
	}
	return r.List(ctx, dossierID)
}

func (r *RedisViewers) List(ctx context.Context, dossierID string) ([]collab.Viewer, error) {
	all, err := r.client.HGetAll(ctx, r.key(dossierID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list viewers: %w", err)
	}
	set := make(map[string]collab.Viewer, len(all))
	for id, raw := range all {
		var v collab.Viewer
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = collab.Viewer{ParticipantID: id}
		}
		set[id] = v
	}
	return sortedViewers(set), nil
}
