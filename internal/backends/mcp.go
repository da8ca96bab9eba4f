package backends

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/weft-labs/weft/pkg/schema"
)

// MCPServerConfig describes how to launch one stdio MCP server.
type MCPServerConfig struct {
	ID      string   `json:"id"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
}

type mcpServer struct {
	config  MCPServerConfig
	client  *client.Client
	status  string
	lastErr string
	tools   map[string]bool
}

// MCPManager owns stdio MCP server subprocesses and routes tool calls
// to them. It implements ToolRunner and the validator's server status
// provider.
type MCPManager struct {
	mu      sync.RWMutex
	servers map[string]*mcpServer
	logger  *slog.Logger
}

// NewMCPManager creates an empty manager. Servers are added with Connect.
func NewMCPManager(logger *slog.Logger) *MCPManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPManager{
		servers: make(map[string]*mcpServer),
		logger:  logger,
	}
}

// Connect launches the server subprocess, runs the MCP initialize
// handshake and caches its tool list. A failed connect leaves the server
// registered in the error state so status queries can report it.
func (m *MCPManager) Connect(ctx context.Context, cfg MCPServerConfig) error {
	if cfg.ID == "" || cfg.Command == "" {
		return schema.NewError(schema.ErrCodeValidation, "mcp server config requires id and command")
	}

	m.mu.Lock()
	if _, exists := m.servers[cfg.ID]; exists {
		m.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "mcp server %q already registered", cfg.ID)
	}
	srv := &mcpServer{config: cfg, status: StatusConnecting}
	m.servers[cfg.ID] = srv
	m.mu.Unlock()

	c, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		m.markError(cfg.ID, err)
		return schema.NewErrorf(schema.ErrCodeBackend, "start mcp server %q", cfg.ID).WithCause(err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.Capabilities = mcp.ClientCapabilities{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "weft", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		m.markError(cfg.ID, err)
		return schema.NewErrorf(schema.ErrCodeBackend, "initialize mcp server %q", cfg.ID).WithCause(err)
	}

	tools := make(map[string]bool)
	if list, err := c.ListTools(ctx, mcp.ListToolsRequest{}); err == nil {
		for _, t := range list.Tools {
			tools[t.Name] = true
		}
	} else {
		m.logger.Warn("mcp tool discovery failed",
			slog.String("server_id", cfg.ID),
			slog.String("error", err.Error()),
		)
	}

	m.mu.Lock()
	srv.client = c
	srv.status = StatusConnected
	srv.lastErr = ""
	srv.tools = tools
	m.mu.Unlock()

	m.logger.Info("mcp server connected",
		slog.String("server_id", cfg.ID),
		slog.Int("tools", len(tools)),
	)
	return nil
}

func (m *MCPManager) markError(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if srv, ok := m.servers[id]; ok {
		srv.status = StatusError
		srv.lastErr = err.Error()
	}
}

// RunTool calls a tool on a connected server and normalizes its content
// into a ToolResult. Text content that parses as JSON is returned
// structured; otherwise the raw text is returned.
func (m *MCPManager) RunTool(ctx context.Context, serverID, toolID string, params map[string]any) (*ToolResult, error) {
	m.mu.RLock()
	srv, ok := m.servers[serverID]
	var (
		status string
		cli    *client.Client
		known  bool
	)
	if ok {
		status = srv.status
		cli = srv.client
		known = len(srv.tools) == 0 || srv.tools[toolID]
	}
	m.mu.RUnlock()

	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "mcp server %q not registered", serverID)
	}
	if status != StatusConnected {
		return nil, schema.NewErrorf(schema.ErrCodeBackend, "mcp server %q is %s", serverID, status)
	}
	if !known {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "tool %q not found on mcp server %q", toolID, serverID)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = toolID
	req.Params.Arguments = params

	res, err := cli.CallTool(ctx, req)
	if err != nil {
		m.markError(serverID, err)
		return nil, schema.NewErrorf(schema.ErrCodeBackend, "call tool %q on %q", toolID, serverID).WithCause(err)
	}

	output := contentToValue(res.Content)
	if res.IsError {
		return nil, schema.NewErrorf(schema.ErrCodeBackend, "tool %q reported an error", toolID).
			WithDetails(map[string]any{"output": output})
	}

	return &ToolResult{ID: uuid.NewString(), Output: output}, nil
}

// contentToValue flattens MCP content blocks. A single text block wins;
// multiple blocks become a slice.
func contentToValue(content []mcp.Content) any {
	var values []any
	for _, c := range content {
		tc, ok := c.(mcp.TextContent)
		if !ok {
			continue
		}
		var parsed any
		if err := json.Unmarshal([]byte(tc.Text), &parsed); err == nil {
			values = append(values, parsed)
		} else {
			values = append(values, tc.Text)
		}
	}
	switch len(values) {
	case 0:
		return nil
	case 1:
		return values[0]
	default:
		return values
	}
}

// ServerStatus reports the connection state of a server. Unregistered
// servers are disconnected.
func (m *MCPManager) ServerStatus(_ context.Context, serverID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if srv, ok := m.servers[serverID]; ok {
		return srv.status, nil
	}
	return StatusDisconnected, nil
}

// Disconnect stops one server subprocess.
func (m *MCPManager) Disconnect(serverID string) error {
	m.mu.Lock()
	srv, ok := m.servers[serverID]
	if ok {
		delete(m.servers, serverID)
	}
	m.mu.Unlock()

	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "mcp server %q not registered", serverID)
	}
	if srv.client != nil {
		return srv.client.Close()
	}
	return nil
}

// Close stops all server subprocesses.
func (m *MCPManager) Close() error {
	m.mu.Lock()
	servers := m.servers
	m.servers = make(map[string]*mcpServer)
	m.mu.Unlock()

	var lastErr error
	for id, srv := range servers {
		if srv.client == nil {
			continue
		}
		if err := srv.client.Close(); err != nil {
			lastErr = err
			m.logger.Warn("mcp server close failed",
				slog.String("server_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return lastErr
}

var _ ToolRunner = (*MCPManager)(nil)
var _ AgentRunner = (*HTTPAgentBackend)(nil)
