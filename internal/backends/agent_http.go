package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/weft-labs/weft/pkg/schema"
)

// HTTPAgentBackend talks to an external agent service over HTTP JSON.
// It implements AgentRunner and the validator's agent resolver.
type HTTPAgentBackend struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPAgentBackend creates an agent backend for the given base URL.
// An empty apiKey disables the Authorization header.
func NewHTTPAgentBackend(baseURL, apiKey string) *HTTPAgentBackend {
	return &HTTPAgentBackend{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

type agentRunRequest struct {
	Prompt  string        `json:"prompt"`
	Model   string        `json:"model,omitempty"`
	History []ChatMessage `json:"history,omitempty"`
}

type agentRunResponse struct {
	ID         string  `json:"id"`
	Content    string  `json:"content"`
	TokensUsed int     `json:"tokens_used"`
	Cost       float64 `json:"cost"`
	Error      string  `json:"error,omitempty"`
}

// RunAgent posts the prompt to the agent service and returns its reply
// with token and cost accounting.
func (b *HTTPAgentBackend) RunAgent(ctx context.Context, agentID, prompt string, opts AgentOptions) (*AgentResult, error) {
	body, err := json.Marshal(agentRunRequest{
		Prompt:  prompt,
		Model:   opts.Model,
		History: opts.History,
	})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeBackend, "encode agent request").WithCause(err)
	}

	url := fmt.Sprintf("%s/v1/agents/%s/run", b.baseURL, agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeBackend, "build agent request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeBackend, "agent %q unreachable", agentID).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeBackend, "read agent response").WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, schema.NewErrorf(schema.ErrCodeBackend, "agent %q returned status %d", agentID, resp.StatusCode).
			WithDetails(map[string]any{"body": string(raw)})
	}

	var out agentRunResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, schema.NewError(schema.ErrCodeBackend, "decode agent response").WithCause(err)
	}
	if out.Error != "" {
		return nil, schema.NewErrorf(schema.ErrCodeBackend, "agent %q failed: %s", agentID, out.Error)
	}

	return &AgentResult{
		ID:         out.ID,
		Content:    out.Content,
		TokensUsed: out.TokensUsed,
		Cost:       out.Cost,
	}, nil
}

// AgentExists reports whether the agent service knows the given agent ID.
func (b *HTTPAgentBackend) AgentExists(ctx context.Context, agentID string) (bool, error) {
	url := fmt.Sprintf("%s/v1/agents/%s", b.baseURL, agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeBackend, "agent service unreachable").WithCause(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeBackend, "agent lookup returned status %d", resp.StatusCode)
	}
}
