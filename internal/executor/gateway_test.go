package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/awm/internal/errors"
	"github.com/p-blackswan/awm/internal/retry"
)

var fastRetry = retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func setupTestServer(t *testing.T, handler http.HandlerFunc) *GatewayClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := NewGatewayClient(server.URL+"/", "secret-token", time.Second, zerolog.Nop())
	client.SetHTTPClient(server.Client())
	return client
}

func TestGatewayClient_Spawn(t *testing.T) {
	client := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/sessions/spawn", r.URL.Path)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))

		var req SpawnRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "do things", req.Task)
		assert.Equal(t, "awm-p1", req.Label)
		assert.Equal(t, CleanupKeep, req.Cleanup)
		assert.Equal(t, 1800, req.RunTimeoutSeconds)

		json.NewEncoder(w).Encode(SpawnResult{SessionKey: "sess-1", Status: "started"})
	})

	res, err := client.Spawn(context.Background(), SpawnRequest{
		Task:              "do things",
		Label:             "awm-p1",
		Cleanup:           CleanupKeep,
		RunTimeoutSeconds: 1800,
	})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", res.SessionKey)
	assert.Equal(t, "started", res.Status)
}

func TestGatewayClient_SpawnError(t *testing.T) {
	client := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway overloaded", http.StatusServiceUnavailable)
	})

	_, err := client.Spawn(context.Background(), SpawnRequest{Task: "x"})
	require.Error(t, err)

	var execErr *perrors.ExecutorError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, "spawn", execErr.Op)
	assert.Equal(t, http.StatusServiceUnavailable, execErr.StatusCode)
	assert.Contains(t, err.Error(), "gateway overloaded")
}

func TestGatewayClient_SpawnMissingKey(t *testing.T) {
	client := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"started"}`))
	})

	_, err := client.Spawn(context.Background(), SpawnRequest{Task: "x"})
	assert.Error(t, err)
}

func TestGatewayClient_History(t *testing.T) {
	client := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/sessions/agent:sub:1/history", r.URL.Path)
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		w.Write([]byte(`{"messages":[
			{"role":"user","content":"go"},
			{"role":"assistant","content":[{"type":"text","text":"done"},{"type":"text","text":"all good"}]}
		]}`))
	})

	msgs, err := client.History(context.Background(), "agent:sub:1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "go", msgs[0].Content)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "done\nall good", msgs[1].Content)
}

func TestGatewayClient_HistoryEmpty(t *testing.T) {
	client := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"messages":[]}`))
	})

	msgs, err := client.History(context.Background(), "k", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestGatewayClient_Unreachable(t *testing.T) {
	client := NewGatewayClient("http://127.0.0.1:1", "", 200*time.Millisecond, zerolog.Nop())
	client.SetRetryConfig(fastRetry)
	_, err := client.History(context.Background(), "k", 10)
	require.Error(t, err)

	var execErr *perrors.ExecutorError
	assert.True(t, errors.As(err, &execErr))
	assert.Equal(t, 0, execErr.StatusCode)
}

func TestGatewayClient_HistoryRetriesTransientErrors(t *testing.T) {
	calls := 0
	client := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"messages":[{"role":"assistant","content":"ok"}]}`))
	})
	client.SetRetryConfig(fastRetry)

	msgs, err := client.History(context.Background(), "k", 5)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 3, calls)
}

func TestGatewayClient_HistoryDoesNotRetryClientErrors(t *testing.T) {
	calls := 0
	client := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	})
	client.SetRetryConfig(fastRetry)

	_, err := client.History(context.Background(), "k", 5)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestGatewayClient_SpawnIsNotRetried(t *testing.T) {
	calls := 0
	client := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	})
	client.SetRetryConfig(fastRetry)

	_, err := client.Spawn(context.Background(), SpawnRequest{Task: "x"})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestMessage_UnmarshalNullContent(t *testing.T) {
	var m Message
	require.NoError(t, json.Unmarshal([]byte(`{"role":"tool","content":null}`), &m))
	assert.Equal(t, "tool", m.Role)
	assert.Empty(t, m.Content)

	assert.Error(t, json.Unmarshal([]byte(`{"role":"x","content":42}`), &m))
}
