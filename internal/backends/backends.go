// Package backends holds the engine's external collaborators: the agent
// execution service, MCP tool servers, and chat history. The engine only
// sees the interfaces; concrete implementations live alongside them.
package backends

import "context"

// MCP server connection states reported by ServerStatus.
const (
	StatusConnected    = "connected"
	StatusConnecting   = "connecting"
	StatusDisconnected = "disconnected"
	StatusError        = "error"
)

// ChatMessage is one turn of a prior conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatHistory provides prior conversation turns for agent sessions.
type ChatHistory interface {
	History(ctx context.Context, sessionID string) ([]ChatMessage, error)
}

// AgentOptions carries optional parameters for an agent run.
type AgentOptions struct {
	Model   string
	History []ChatMessage
}

// AgentResult is the outcome of a single agent invocation.
type AgentResult struct {
	ID         string
	Content    string
	TokensUsed int
	Cost       float64
}

// AgentRunner executes agent prompts on an external agent service.
type AgentRunner interface {
	RunAgent(ctx context.Context, agentID, prompt string, opts AgentOptions) (*AgentResult, error)
}

// ToolResult is the outcome of a single MCP tool call.
type ToolResult struct {
	ID     string
	Output any
	Cost   float64
}

// ToolRunner executes tools on connected MCP servers.
type ToolRunner interface {
	RunTool(ctx context.Context, serverID, toolID string, params map[string]any) (*ToolResult, error)
	ServerStatus(ctx context.Context, serverID string) (string, error)
}
