package validation

import (
	"context"
	"fmt"

	"github.com/weft-labs/weft/pkg/schema"
)

// validateReferences checks that every agent node's agent resolves and
// every mcp_tool node's server reports connected. Backends are queried
// once per distinct ID; a failing lookup is itself a validation error
// rather than an aborted run.
func (wv *WorkflowValidator) validateReferences(ctx context.Context, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	agentChecked := make(map[string]bool)
	serverChecked := make(map[string]string)

	for i := range def.Nodes {
		n := &def.Nodes[i]
		path := fmt.Sprintf("nodes[%d].config", i)

		switch n.Type {
		case schema.NodeAgent:
			if wv.agents == nil {
				continue
			}
			cfg := &schema.AgentConfig{}
			if err := decodeInto(n.Config, cfg); err != nil || cfg.AgentID == "" {
				continue // reported by validateNodeConfigs
			}
			exists, checked := agentChecked[cfg.AgentID]
			if !checked {
				var err error
				exists, err = wv.agents.AgentExists(ctx, cfg.AgentID)
				if err != nil {
					result.AddError(path, schema.ErrCodeValidation,
						fmt.Sprintf("agent %q lookup failed: %v", cfg.AgentID, err))
					agentChecked[cfg.AgentID] = false
					continue
				}
				agentChecked[cfg.AgentID] = exists
			}
			if !exists {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("node %q references unknown agent %q", n.ID, cfg.AgentID))
			}

		case schema.NodeMCPTool:
			if wv.servers == nil {
				continue
			}
			cfg := &schema.MCPToolConfig{}
			if err := decodeInto(n.Config, cfg); err != nil || cfg.ServerID == "" {
				continue
			}
			status, checked := serverChecked[cfg.ServerID]
			if !checked {
				s, err := wv.servers.ServerStatus(ctx, cfg.ServerID)
				if err != nil {
					result.AddError(path, schema.ErrCodeValidation,
						fmt.Sprintf("mcp server %q status lookup failed: %v", cfg.ServerID, err))
					serverChecked[cfg.ServerID] = "error"
					continue
				}
				serverChecked[cfg.ServerID] = s
				status = s
			}
			if status != ServerConnected {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("node %q uses mcp server %q which is %s, not connected", n.ID, cfg.ServerID, status))
			}
		}
	}

	return result
}

func decodeInto(raw map[string]any, dst any) error {
	node := &schema.WorkflowNode{Config: raw}
	switch dst.(type) {
	case *schema.AgentConfig:
		node.Type = schema.NodeAgent
	case *schema.MCPToolConfig:
		node.Type = schema.NodeMCPTool
	}
	cfg, err := schema.DecodeNodeConfig(node)
	if err != nil {
		return err
	}
	switch d := dst.(type) {
	case *schema.AgentConfig:
		*d = *cfg.(*schema.AgentConfig)
	case *schema.MCPToolConfig:
		*d = *cfg.(*schema.MCPToolConfig)
	}
	return nil
}
