package collab

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/dossiersync/transport"
	"github.com/stretchr/testify/require"
)

type fakeRemote struct {
	mu       sync.Mutex
	viewers  []Viewer
	versions map[string]int
	color    string
	err      error
	resolved []ConflictResolution
	nextVer  int
}

func (f *fakeRemote) ResolveConflict(_ context.Context, _ string, res ConflictResolution) (*ConflictSignal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.resolved = append(f.resolved, res)
	return &ConflictSignal{
		FieldName:     res.FieldName,
		ResolvedValue: res.ResolvedValue,
		ResolvedBy:    res.ResolvedBy,
		Version:       f.nextVer,
	}, nil
}

func (f *fakeRemote) Viewers(context.Context, string) ([]Viewer, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.viewers, nil
}

func (f *fakeRemote) FieldVersion(_ context.Context, _ string, field string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.versions[field], nil
}

func (f *fakeRemote) ParticipantColor(context.Context, string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.color, nil
}

// connected returns a connected channel on broker.
func connected(t *testing.T, broker *transport.Broker) *transport.MemoryChannel {
	t.Helper()
	ch := broker.NewChannel()
	require.NoError(t, ch.Connect(context.Background()))
	return ch
}

func testRoom(t *testing.T, ch transport.Channel, self Participant) *room {
	t.Helper()
	return newRoom(ch, "d-1", self, nil)
}

func msg(t *testing.T, topic string, v any) transport.Message {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return transport.Message{Topic: topic, Payload: data}
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func nothing[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case v, ok := <-ch:
		if ok {
			t.Fatalf("unexpected value %+v", v)
		}
	default:
	}
}

var (
	alice = Participant{ID: "alice", DisplayName: "Alice"}
	bob   = Participant{ID: "bob", DisplayName: "Bob"}
)
