package schema

// Typed node configs. WorkflowNode.Config is stored as a generic map so
// definitions round-trip through JSON and YAML untouched; each config
// is decoded into its typed form when the definition is saved and again
// when a node executes.

// StartConfig has no parameters today.
type StartConfig struct{}

// EndConfig optionally maps dotted variable paths into named outputs.
type EndConfig struct {
	OutputMapping map[string]string `json:"output_mapping,omitempty"`
}

// AgentConfig drives an agent node.
type AgentConfig struct {
	AgentID   string `json:"agent_id"`
	Prompt    string `json:"prompt"`
	Model     string `json:"model,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// MCPToolConfig drives an mcp_tool node.
type MCPToolConfig struct {
	ServerID   string         `json:"server_id"`
	ToolID     string         `json:"tool_id"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ConditionNodeConfig drives a condition node.
type ConditionNodeConfig struct {
	Condition WorkflowCondition `json:"condition"`
}

// LoopConfig drives a loop node. MaxIterations defaults to 10.
type LoopConfig struct {
	BodyNodes      []string           `json:"body_nodes"`
	MaxIterations  int                `json:"max_iterations,omitempty"`
	BreakCondition *WorkflowCondition `json:"break_condition,omitempty"`
}

// ParallelConfig drives a parallel node.
type ParallelConfig struct {
	Nodes []string `json:"nodes"`
}

// DelayConfig drives a delay node.
type DelayConfig struct {
	Seconds int `json:"seconds"`
}

// WebhookConfig drives a webhook node. Method, URL, headers, and body
// are interpolated against the variable context before the call.
type WebhookConfig struct {
	Method  string            `json:"method,omitempty"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
}

// ScriptLanguage selects the expression engine for a script node.
type ScriptLanguage string

const (
	ScriptExpr ScriptLanguage = "expr"
	ScriptCEL  ScriptLanguage = "cel"
	ScriptJQ   ScriptLanguage = "jq"
)

// ScriptConfig drives a script node. Scripts run in-process with full
// access to the variable context; this is a trusted-input feature.
type ScriptConfig struct {
	Language ScriptLanguage `json:"language,omitempty"`
	Source   string         `json:"source"`
}

// DecodeNodeConfig decodes a node's generic config map into the typed
// config for its node type.
func DecodeNodeConfig(n *WorkflowNode) (any, error) {
	var (
		dst any
		err error
	)
	switch n.Type {
	case NodeStart:
		dst = &StartConfig{}
	case NodeEnd:
		dst = &EndConfig{}
	case NodeAgent:
		dst = &AgentConfig{}
	case NodeMCPTool:
		dst = &MCPToolConfig{}
	case NodeCondition:
		dst = &ConditionNodeConfig{}
	case NodeLoop:
		dst = &LoopConfig{}
	case NodeParallel:
		dst = &ParallelConfig{}
	case NodeDelay:
		dst = &DelayConfig{}
	case NodeWebhook:
		dst = &WebhookConfig{}
	case NodeScript:
		dst = &ScriptConfig{}
	default:
		return nil, NewErrorf(ErrCodeValidation, "unknown node type %q", n.Type).WithNode(n.ID)
	}
	if err = decodeConfig(n.Config, dst); err != nil {
		if ee, ok := err.(*EngineError); ok {
			return nil, ee.WithNode(n.ID)
		}
		return nil, err
	}
	return dst, nil
}
