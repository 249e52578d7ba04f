package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/c360studio/dossiersync/collab"
	"github.com/c360studio/dossiersync/delivery"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBackend(t *testing.T) (*Client, *[]delivery.MessageRequest) {
	t.Helper()
	var received []delivery.MessageRequest

	r := mux.NewRouter()
	r.HandleFunc("/api/messages", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "Bearer secret", req.Header.Get("Authorization"))
		var body delivery.MessageRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch body.Recipient {
		case "invalid":
			http.Error(w, `{"error":"invalid recipient"}`, http.StatusUnprocessableEntity)
			return
		case "busy":
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		received = append(received, body)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(delivery.Message{
			ID:        "m-1",
			DossierID: body.DossierID,
			Channel:   body.Channel,
			Recipient: body.Recipient,
			Status:    "queued",
		})
	}).Methods(http.MethodPost)

	r.HandleFunc("/api/dossiers/{id}/conflict/resolve", func(w http.ResponseWriter, req *http.Request) {
		var res collab.ConflictResolution
		assert.NoError(t, json.NewDecoder(req.Body).Decode(&res))
		json.NewEncoder(w).Encode(collab.ConflictSignal{
			FieldName:     res.FieldName,
			ResolvedValue: res.ResolvedValue,
			ResolvedBy:    res.ResolvedBy,
			Version:       9,
		})
	}).Methods(http.MethodPost)

	r.HandleFunc("/api/dossiers/{id}/viewers", func(w http.ResponseWriter, req *http.Request) {
		if mux.Vars(req)["id"] != "d-1" {
			http.NotFound(w, req)
			return
		}
		json.NewEncoder(w).Encode([]collab.Viewer{{ParticipantID: "alice", DisplayName: "Alice"}})
	}).Methods(http.MethodGet)

	r.HandleFunc("/api/dossiers/{id}/fields/{field}/version", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "notes", mux.Vars(req)["field"])
		w.Write([]byte(`{"version":3}`))
	}).Methods(http.MethodGet)

	r.HandleFunc("/api/participants/{id}/color", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"color":"#E53935"}`))
	}).Methods(http.MethodGet)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	c, err := New(srv.URL+"/", WithToken("secret"))
	require.NoError(t, err)
	return c, &received
}

func TestCreateMessage(t *testing.T) {
	c, received := newBackend(t)

	msg, err := c.CreateMessage(context.Background(), delivery.MessageRequest{
		DossierID: "d-1",
		Channel:   "email",
		Recipient: "lead@example.com",
		Body:      "Hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "m-1", msg.ID)
	assert.Equal(t, "lead@example.com", msg.Recipient)
	require.Len(t, *received, 1)
	assert.Equal(t, "Hello", (*received)[0].Body)
}

func TestCreateMessage_ErrorClassification(t *testing.T) {
	c, _ := newBackend(t)
	ctx := context.Background()

	_, err := c.CreateMessage(ctx, delivery.MessageRequest{Recipient: "invalid"})
	require.Error(t, err)
	assert.True(t, delivery.IsFatal(err))
	assert.Contains(t, err.Error(), "422")

	_, err = c.CreateMessage(ctx, delivery.MessageRequest{Recipient: "busy"})
	require.Error(t, err)
	assert.True(t, delivery.IsTransient(err))
}

func TestCreateMessage_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(url, WithTimeout(time.Second))
	require.NoError(t, err)
	_, err = c.CreateMessage(context.Background(), delivery.MessageRequest{})
	assert.True(t, delivery.IsTransient(err))
}

func TestRemoteAPI(t *testing.T) {
	c, _ := newBackend(t)
	ctx := context.Background()

	sig, err := c.ResolveConflict(ctx, "d-1", collab.ConflictResolution{FieldName: "notes", ResolvedValue: "merged", ResolvedBy: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 9, sig.Version)
	assert.Equal(t, "merged", sig.ResolvedValue)

	viewers, err := c.Viewers(ctx, "d-1")
	require.NoError(t, err)
	require.Len(t, viewers, 1)
	assert.Equal(t, "alice", viewers[0].ParticipantID)

	_, err = c.Viewers(ctx, "missing")
	assert.True(t, delivery.IsFatal(err))

	v, err := c.FieldVersion(ctx, "d-1", "notes")
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	color, err := c.ParticipantColor(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "#E53935", color)
}

func TestNew_RejectsBadURL(t *testing.T) {
	_, err := New("ftp://example.com")
	assert.Error(t, err)
	_, err = New("::")
	assert.Error(t, err)
}

func TestClassifyHTTPError(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusRequestTimeout, true},
		{http.StatusBadGateway, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusNotFound, false},
	}
	for _, tt := range tests {
		err := classifyHTTPError(tt.status, []byte("body"))
		assert.Equal(t, tt.transient, delivery.IsTransient(err), "status %d", tt.status)
		assert.Equal(t, !tt.transient, delivery.IsFatal(err), "status %d", tt.status)
	}
}
