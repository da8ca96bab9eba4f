package validation

import (
	"fmt"

	"github.com/weft-labs/weft/internal/graph"
	"github.com/weft-labs/weft/pkg/schema"
)

// validateGraph checks the shape of the node/edge graph:
// at least one start and one end node, every edge endpoint exists,
// every non-end node has an outgoing edge, every non-start node has an
// incoming edge, node and edge IDs are unique. Unreachable nodes are
// reported as warnings.
func validateGraph(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	g := graph.Build(def)

	seen := make(map[string]bool, len(def.Nodes))
	for _, n := range def.Nodes {
		if seen[n.ID] {
			result.AddError("nodes", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate node id %q", n.ID))
		}
		seen[n.ID] = true
	}

	seenEdges := make(map[string]bool, len(def.Edges))
	for _, e := range def.Edges {
		if seenEdges[e.ID] {
			result.AddError("edges", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate edge id %q", e.ID))
		}
		seenEdges[e.ID] = true

		if g.Node(e.Source) == nil {
			result.AddError("edges", schema.ErrCodeValidation,
				fmt.Sprintf("edge %q references unknown source node %q", e.ID, e.Source))
		}
		if g.Node(e.Target) == nil {
			result.AddError("edges", schema.ErrCodeValidation,
				fmt.Sprintf("edge %q references unknown target node %q", e.ID, e.Target))
		}
	}

	if len(g.Starts) == 0 {
		result.AddError("nodes", schema.ErrCodeValidation, "workflow has no start node")
	}
	if len(g.Ends) == 0 {
		result.AddError("nodes", schema.ErrCodeValidation, "workflow has no end node")
	}

	for _, n := range def.Nodes {
		if n.Type != schema.NodeEnd && len(g.Outgoing[n.ID]) == 0 {
			result.AddError("nodes", schema.ErrCodeValidation,
				fmt.Sprintf("node %q has no outgoing edge", n.ID))
		}
		if n.Type != schema.NodeStart && len(g.Incoming[n.ID]) == 0 {
			result.AddError("nodes", schema.ErrCodeValidation,
				fmt.Sprintf("node %q has no incoming edge", n.ID))
		}
	}

	if len(g.Starts) > 0 {
		reachable := g.Reachable()
		for _, n := range def.Nodes {
			if !reachable[n.ID] {
				result.AddWarning("nodes", schema.ErrCodeValidation,
					fmt.Sprintf("node %q is not reachable from any start node", n.ID))
			}
		}
	}

	return result
}

// validateNodeConfigs decodes every node's config into its typed form
// and applies per-type checks that the JSON Schema cannot express.
func validateNodeConfigs(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	g := graph.Build(def)

	for i := range def.Nodes {
		n := &def.Nodes[i]
		path := fmt.Sprintf("nodes[%d].config", i)

		cfg, err := schema.DecodeNodeConfig(n)
		if err != nil {
			result.AddError(path, schema.ErrCodeValidation, err.Error())
			continue
		}

		switch c := cfg.(type) {
		case *schema.AgentConfig:
			if c.AgentID == "" {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("agent node %q has no agent_id", n.ID))
			}
			if c.Prompt == "" {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("agent node %q has no prompt", n.ID))
			}
		case *schema.MCPToolConfig:
			if c.ServerID == "" || c.ToolID == "" {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("mcp_tool node %q requires server_id and tool_id", n.ID))
			}
		case *schema.LoopConfig:
			if len(c.BodyNodes) == 0 {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("loop node %q has no body_nodes", n.ID))
			}
			for _, id := range c.BodyNodes {
				if g.Node(id) == nil {
					result.AddError(path, schema.ErrCodeValidation,
						fmt.Sprintf("loop node %q references unknown body node %q", n.ID, id))
				}
			}
		case *schema.ParallelConfig:
			if len(c.Nodes) == 0 {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("parallel node %q has no nodes", n.ID))
			}
			for _, id := range c.Nodes {
				if g.Node(id) == nil {
					result.AddError(path, schema.ErrCodeValidation,
						fmt.Sprintf("parallel node %q references unknown node %q", n.ID, id))
				}
			}
		case *schema.DelayConfig:
			if c.Seconds < 0 {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("delay node %q has negative seconds", n.ID))
			}
		case *schema.WebhookConfig:
			if c.URL == "" {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("webhook node %q has no url", n.ID))
			}
		case *schema.ScriptConfig:
			if c.Source == "" {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("script node %q has no source", n.ID))
			}
		}

		if n.OnError == schema.OnErrorGoto {
			if n.ErrorNodeID == "" {
				result.AddError(fmt.Sprintf("nodes[%d]", i), schema.ErrCodeValidation,
					fmt.Sprintf("node %q uses on_error=goto without error_node_id", n.ID))
			} else if g.Node(n.ErrorNodeID) == nil {
				result.AddError(fmt.Sprintf("nodes[%d]", i), schema.ErrCodeValidation,
					fmt.Sprintf("node %q error_node_id %q does not exist", n.ID, n.ErrorNodeID))
			}
		}
	}

	return result
}
