package backends

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weft-labs/weft/pkg/schema"
)

func TestHTTPAgentBackend_RunAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/agents/writer/run", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req agentRunRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "summarize this", req.Prompt)
		assert.Equal(t, "small", req.Model)
		require.Len(t, req.History, 1)
		assert.Equal(t, "user", req.History[0].Role)

		_ = json.NewEncoder(w).Encode(agentRunResponse{
			ID:         "run-1",
			Content:    "a summary",
			TokensUsed: 17,
			Cost:       0.002,
		})
	}))
	defer srv.Close()

	b := NewHTTPAgentBackend(srv.URL, "secret")
	res, err := b.RunAgent(context.Background(), "writer", "summarize this", AgentOptions{
		Model:   "small",
		History: []ChatMessage{{Role: "user", Content: "earlier"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "run-1", res.ID)
	assert.Equal(t, "a summary", res.Content)
	assert.Equal(t, 17, res.TokensUsed)
	assert.InDelta(t, 0.002, res.Cost, 1e-9)
}

func TestHTTPAgentBackend_RunAgentServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	b := NewHTTPAgentBackend(srv.URL, "")
	_, err := b.RunAgent(context.Background(), "writer", "hi", AgentOptions{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeBackend, schema.ErrorCode(err))
}

func TestHTTPAgentBackend_RunAgentApplicationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agentRunResponse{Error: "model overloaded"})
	}))
	defer srv.Close()

	b := NewHTTPAgentBackend(srv.URL, "")
	_, err := b.RunAgent(context.Background(), "writer", "hi", AgentOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestHTTPAgentBackend_AgentExists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/agents/writer":
			w.WriteHeader(http.StatusOK)
		case "/v1/agents/ghost":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	b := NewHTTPAgentBackend(srv.URL, "")

	ok, err := b.AgentExists(context.Background(), "writer")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.AgentExists(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = b.AgentExists(context.Background(), "broken")
	require.Error(t, err)
}

func TestMemoryChatHistory(t *testing.T) {
	h := NewMemoryChatHistory()
	ctx := context.Background()

	msgs, err := h.History(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	require.NoError(t, h.Append(ctx, "s1", ChatMessage{Role: "user", Content: "q"}))
	require.NoError(t, h.Append(ctx, "s1", ChatMessage{Role: "assistant", Content: "a"}))
	require.NoError(t, h.Append(ctx, "s2", ChatMessage{Role: "user", Content: "other"}))

	msgs, err = h.History(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "a", msgs[1].Content)

	// Mutating the returned slice must not affect stored history.
	msgs[0].Content = "tampered"
	again, err := h.History(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "q", again[0].Content)
}
