package engine

import (
	"context"
	"log/slog"

	"github.com/weft-labs/weft/internal/backends"
	"github.com/weft-labs/weft/internal/interp"
	"github.com/weft-labs/weft/pkg/schema"
)

// historyAppender is the optional write side of a chat history backend.
type historyAppender interface {
	Append(ctx context.Context, sessionID string, msg backends.ChatMessage) error
}

// execAgent interpolates the prompt, invokes the agent backend, and
// records token/cost usage. When a session is attached, prior turns
// are loaded and the new exchange is appended.
func (r *run) execAgent(ctx context.Context, cfg *schema.AgentConfig, vars map[string]any) (*nodeResult, error) {
	if r.e.agents == nil {
		return nil, schema.NewError(schema.ErrCodeBackend, "no agent backend configured")
	}

	prompt := interp.Interpolate(cfg.Prompt, vars)

	opts := backends.AgentOptions{Model: cfg.Model}
	if cfg.SessionID != "" && r.e.history != nil {
		history, err := r.e.history.History(ctx, cfg.SessionID)
		if err != nil {
			r.e.logger.WarnContext(ctx, "load chat history failed",
				slog.String("session_id", cfg.SessionID),
				slog.String("error", err.Error()),
			)
		} else {
			opts.History = history
		}
	}

	res, err := r.e.agents.RunAgent(ctx, cfg.AgentID, prompt, opts)
	if err != nil {
		return nil, err
	}

	if cfg.SessionID != "" {
		if appender, ok := r.e.history.(historyAppender); ok {
			_ = appender.Append(ctx, cfg.SessionID, backends.ChatMessage{Role: "user", Content: prompt})
			_ = appender.Append(ctx, cfg.SessionID, backends.ChatMessage{Role: "assistant", Content: res.Content})
		}
	}

	return &nodeResult{
		vars: map[string]any{
			"agent_response": res.Content,
			"agent_id":       cfg.AgentID,
		},
		cost:       res.Cost,
		tokens:     res.TokensUsed,
		apiCalls:   1,
		externalID: res.ID,
	}, nil
}

// execTool interpolates parameters object-aware and invokes the MCP
// tool backend.
func (r *run) execTool(ctx context.Context, cfg *schema.MCPToolConfig, vars map[string]any) (*nodeResult, error) {
	if r.e.tools == nil {
		return nil, schema.NewError(schema.ErrCodeBackend, "no tool backend configured")
	}

	var params map[string]any
	if cfg.Parameters != nil {
		params, _ = interp.InterpolateValue(cfg.Parameters, vars).(map[string]any)
	}

	res, err := r.e.tools.RunTool(ctx, cfg.ServerID, cfg.ToolID, params)
	if err != nil {
		return nil, err
	}

	return &nodeResult{
		vars: map[string]any{
			"tool_result": res.Output,
			"tool_id":     cfg.ToolID,
		},
		cost:       res.Cost,
		apiCalls:   1,
		externalID: res.ID,
	}, nil
}
