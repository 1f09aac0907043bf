package recognition

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/pagescan-ocr/internal/jobs"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(&Config{APIURL: server.URL, APIKey: "test-key", Timeout: 5 * time.Second, Languages: []string{"eng"}})
	require.NoError(t, err)
	return client
}

func TestNewClient_InvalidConfig(t *testing.T) {
	_, err := NewClient(&Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestClient_Submit(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/batches", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req submitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Items, 2)
		assert.Equal(t, "0", req.Items[0].ID)
		assert.Equal(t, "https://files/0.png", req.Items[0].URL)
		assert.Equal(t, []string{"eng"}, req.Languages)

		_, _ = w.Write([]byte(`{"batch_id":"b-1"}`))
	})

	id, err := client.Submit(context.Background(), []Item{
		{ID: "0", Key: "k0", URL: "https://files/0.png"},
		{ID: "1", Key: "k1", URL: "https://files/1.png"},
	})
	require.NoError(t, err)
	assert.Equal(t, "b-1", id)
}

func TestClient_SubmitRejectsSchemaViolation(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"b-1"}`))
	})
	_, err := client.Submit(context.Background(), []Item{{ID: "0", URL: "u"}})
	assert.True(t, jobs.IsErrorType(err, jobs.ErrExternalService))
}

func TestClient_Poll(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/batches/b-1", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"batch_id": "b-1",
			"status": "completed",
			"items": [
				{"id": "0", "status": "succeeded", "text": "hello"},
				{"id": "1", "status": "failed", "error": "blurry"}
			]
		}`))
	})

	res, err := client.Poll(context.Background(), "b-1")
	require.NoError(t, err)
	assert.Equal(t, BatchCompleted, res.Status)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "hello", res.Items[0].Text)
	assert.Equal(t, ItemFailed, res.Items[1].Status)
	assert.Equal(t, "blurry", res.Items[1].Error)
}

func TestClient_PollErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "server error", status: http.StatusBadGateway, body: `upstream down`},
		{name: "unknown status", status: http.StatusOK, body: `{"batch_id":"b-1","status":"exploded"}`},
		{name: "not json", status: http.StatusOK, body: `<html>`},
		{name: "other batch", status: http.StatusOK, body: `{"batch_id":"b-2","status":"running"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := client.Poll(context.Background(), "b-1")
			assert.True(t, jobs.IsErrorType(err, jobs.ErrExternalService), "got %v", err)
		})
	}
}

func TestBatchStatus_Terminal(t *testing.T) {
	assert.False(t, BatchSubmitted.Terminal())
	assert.False(t, BatchRunning.Terminal())
	assert.True(t, BatchCompleted.Terminal())
	assert.True(t, BatchFailed.Terminal())
}
