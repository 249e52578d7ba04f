package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/c360studio/dossiersync/collab"
	"github.com/c360studio/dossiersync/transport"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func startRelay(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	bus := NewLocalBus()
	s := NewServer(bus, NewMemoryViewers(), opts...)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		s.Close()
		srv.Close()
		bus.Close()
	})
	return s, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func writeFrame(t *testing.T, ws *websocket.Conn, f transport.Frame) {
	t.Helper()
	data, err := transport.EncodeFrame(f)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func readFrame(t *testing.T, ws *websocket.Conn) transport.Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	f, err := transport.DecodeFrame(data)
	require.NoError(t, err)
	return f
}

func viewerIDs(viewers []collab.Viewer) []string {
	ids := make([]string, len(viewers))
	for i, v := range viewers {
		ids[i] = v.ParticipantID
	}
	return ids
}

func TestRelay_SessionsCollaborate(t *testing.T) {
	ctx := context.Background()
	_, srv := startRelay(t)

	chA := transport.NewWebSocketChannel(wsURL(srv))
	chB := transport.NewWebSocketChannel(wsURL(srv))
	a := collab.NewSession(chA)
	b := collab.NewSession(chB)
	t.Cleanup(func() {
		a.Leave(ctx)
		chA.Disconnect(ctx)
	})

	alice := collab.Participant{ID: "alice", DisplayName: "Alice"}
	bob := collab.Participant{ID: "bob", DisplayName: "Bob"}
	require.NoError(t, a.Join(ctx, "d-1", alice))
	require.NoError(t, b.Join(ctx, "d-1", bob))

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"alice", "bob"}, viewerIDs(a.Presence().Viewers()))
	}, 2*time.Second, 10*time.Millisecond)

	rec, err := a.ProposeEdit(ctx, "notes", "hello", "")
	require.NoError(t, err)

	select {
	case got := <-b.Edits().Accepted():
		assert.Equal(t, rec.EditID, got.EditID)
		assert.Equal(t, "hello", got.NewValue)
	case <-time.After(2 * time.Second):
		t.Fatal("edit was not relayed")
	}
	assert.Eventually(t, func() bool { return len(a.Edits().Pending()) == 0 }, 2*time.Second, 10*time.Millisecond,
		"the relay echoes the edit back to its origin")

	// Bob drops without leaving; the relay announces the departure.
	require.NoError(t, chB.Disconnect(ctx))
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"alice"}, viewerIDs(a.Presence().Viewers()))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelay_FilterPresetShare(t *testing.T) {
	_, srv := startRelay(t)
	ws := dial(t, srv)

	writeFrame(t, ws, transport.Frame{Type: transport.FrameSubscribe, Topic: collab.TopicFilterPresets})
	preset, _ := json.Marshal(collab.FilterPreset{ID: "p1", Name: "Hot"})
	writeFrame(t, ws, transport.Frame{Type: transport.FrameSend, Topic: collab.TopicFilterPresetShare, Payload: preset})

	f := readFrame(t, ws)
	assert.Equal(t, transport.FrameMessage, f.Type)
	assert.Equal(t, collab.TopicFilterPresets, f.Topic)
	assert.JSONEq(t, string(preset), string(f.Payload))
}

func TestRelay_RejectsUnknownDestination(t *testing.T) {
	_, srv := startRelay(t)
	ws := dial(t, srv)

	writeFrame(t, ws, transport.Frame{Type: transport.FrameSend, Topic: "admin/reset", Payload: []byte(`{}`)})
	f := readFrame(t, ws)
	assert.Equal(t, transport.FrameError, f.Type)
	assert.Contains(t, f.Error, "unknown destination")

	writeFrame(t, ws, transport.Frame{Type: transport.FrameSend, Topic: "dossier/d-1/join", Payload: []byte(`{}`)})
	f = readFrame(t, ws)
	assert.Equal(t, transport.FrameError, f.Type)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("garbage")))
	f = readFrame(t, ws)
	assert.Equal(t, transport.FrameError, f.Type)
}

func TestRelay_RateLimit(t *testing.T) {
	_, srv := startRelay(t, WithRateLimit(rate.Every(time.Hour), 1))
	ws := dial(t, srv)

	writeFrame(t, ws, transport.Frame{Type: transport.FrameSubscribe, Topic: "dossier/d-1/edit"})
	writeFrame(t, ws, transport.Frame{Type: transport.FrameSend, Topic: "dossier/d-1/edit", Payload: []byte(`{}`)})

	f := readFrame(t, ws)
	assert.Equal(t, transport.FrameError, f.Type)
	assert.Equal(t, "rate limit exceeded", f.Error)
}

func TestRelay_HTTPEndpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, srv := startRelay(t, WithMetrics(NewMetrics(reg), reg))
	ws := dial(t, srv)

	join, _ := json.Marshal(collab.PresenceEvent{ParticipantID: "alice", DisplayName: "Alice"})
	writeFrame(t, ws, transport.Frame{Type: transport.FrameSubscribe, Topic: collab.TopicViewers("d-1")})
	writeFrame(t, ws, transport.Frame{Type: transport.FrameSend, Topic: collab.TopicJoin("d-1"), Payload: join})
	f := readFrame(t, ws)
	require.Equal(t, collab.TopicViewers("d-1"), f.Topic)

	resp, err := http.Get(srv.URL + "/api/dossiers/d-1/viewers")
	require.NoError(t, err)
	defer resp.Body.Close()
	var viewers []collab.Viewer
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&viewers))
	assert.Equal(t, []string{"alice"}, viewerIDs(viewers))
	assert.Equal(t, collab.FallbackColor("alice"), viewers[0].Color)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/participants/bob/color")
	require.NoError(t, err)
	var color struct{ Color string }
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&color))
	resp.Body.Close()
	assert.Equal(t, collab.FallbackColor("bob"), color.Color)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "dossiersync_relay_connections 1")
	assert.Contains(t, string(body), `dossiersync_relay_frames_total{type="send"} 1`)
}

func TestParseDossierTopic(t *testing.T) {
	id, verb, ok := parseDossierTopic("dossier/42/edit")
	assert.True(t, ok)
	assert.Equal(t, "42", id)
	assert.Equal(t, "edit", verb)

	for _, topic := range []string{"dossier//edit", "dossier/42", "filter-presets", "participant/1/filter-presets", "dossier/1/a/b"} {
		_, _, ok := parseDossierTopic(topic)
		assert.False(t, ok, topic)
	}
}

func TestMemoryViewers(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryViewers()

	v, err := m.Add(ctx, "d-1", collab.Viewer{ParticipantID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, viewerIDs(v))

	v, _ = m.Add(ctx, "d-1", collab.Viewer{ParticipantID: "alice"})
	assert.Equal(t, []string{"alice", "bob"}, viewerIDs(v))

	v, _ = m.Add(ctx, "d-1", collab.Viewer{ParticipantID: "alice", DisplayName: "again"})
	assert.Len(t, v, 2)

	v, _ = m.Remove(ctx, "d-1", "bob")
	assert.Equal(t, []string{"alice"}, viewerIDs(v))

	v, _ = m.Remove(ctx, "d-1", "alice")
	assert.Empty(t, v)
	v, _ = m.List(ctx, "d-1")
	assert.Empty(t, v)
}

func TestLocalBus_ReadyOnConstruction(t *testing.T) {
	ctx := context.Background()
	bus := NewLocalBus()
	defer bus.Close()

	got := make(chan transport.Message, 1)
	unsub, err := bus.Subscribe(ctx, "dossier/*/edit", func(m transport.Message) { got <- m })
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, bus.Publish(ctx, "dossier/7/edit", []byte(`{}`)))
	select {
	case m := <-got:
		assert.Equal(t, "dossier/7/edit", m.Topic)
	case <-time.After(time.Second):
		t.Fatal("bus did not deliver")
	}
}
