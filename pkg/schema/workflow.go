package schema

import (
	"encoding/json"
	"time"
)

// WorkflowDefinition is the serializable workflow format: a directed
// graph of typed nodes connected by optionally conditional edges.
type WorkflowDefinition struct {
	ID           string             `json:"id" yaml:"id"`
	Name         string             `json:"name" yaml:"name"`
	Description  string             `json:"description,omitempty" yaml:"description,omitempty"`
	Version      int                `json:"version" yaml:"version"`
	Status       WorkflowStatus     `json:"status,omitempty" yaml:"status,omitempty"`
	Nodes        []WorkflowNode     `json:"nodes" yaml:"nodes"`
	Edges        []WorkflowEdge     `json:"edges" yaml:"edges"`
	Config       WorkflowConfig     `json:"config,omitempty" yaml:"config,omitempty"`
	InputSchema  map[string]any     `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	OutputSchema map[string]any     `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	Variables    []WorkflowVariable `json:"variables,omitempty" yaml:"variables,omitempty"`
	Triggers     []WorkflowTrigger  `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	Schedule     *WorkflowSchedule  `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Stats        WorkflowStats      `json:"stats,omitempty" yaml:"stats,omitempty"`
	CreatedAt    time.Time          `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt    time.Time          `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// WorkflowStatus is the lifecycle state of a workflow definition.
// Definitions are never deleted in place; they are archived.
type WorkflowStatus string

const (
	WorkflowDraft    WorkflowStatus = "draft"
	WorkflowActive   WorkflowStatus = "active"
	WorkflowPaused   WorkflowStatus = "paused"
	WorkflowArchived WorkflowStatus = "archived"
)

// WorkflowConfig holds workflow-level execution settings.
type WorkflowConfig struct {
	TimeoutMinutes int      `json:"timeout_minutes,omitempty" yaml:"timeout_minutes,omitempty"`
	MaxRetries     int      `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	ErrorHandling  string   `json:"error_handling,omitempty" yaml:"error_handling,omitempty"`
	Parallel       bool     `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Priority       Priority `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// WorkflowVariable declares a named, typed workflow variable with an
// optional default applied when the execution input omits it.
type WorkflowVariable struct {
	Name     string `json:"name" yaml:"name"`
	Type     string `json:"type,omitempty" yaml:"type,omitempty"`
	Default  any    `json:"default,omitempty" yaml:"default,omitempty"`
	Required bool   `json:"required,omitempty" yaml:"required,omitempty"`
}

// WorkflowTrigger describes an event source that may start executions.
type WorkflowTrigger struct {
	ID     string         `json:"id" yaml:"id"`
	Type   string         `json:"type" yaml:"type"` // manual | schedule | webhook
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// WorkflowSchedule is a cron-driven trigger attached to a workflow.
type WorkflowSchedule struct {
	CronExpr  string     `json:"cron_expr" yaml:"cron_expr"`
	Enabled   bool       `json:"enabled" yaml:"enabled"`
	NextRunAt *time.Time `json:"next_run_at,omitempty" yaml:"next_run_at,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty" yaml:"last_run_at,omitempty"`
}

// WorkflowStats are per-workflow usage aggregates, updated exactly once
// per terminal execution.
type WorkflowStats struct {
	ExecutionCount int     `json:"execution_count" yaml:"execution_count"`
	SuccessCount   int     `json:"success_count" yaml:"success_count"`
	SuccessRate    float64 `json:"success_rate" yaml:"success_rate"`
	AvgDurationMS  float64 `json:"avg_duration_ms" yaml:"avg_duration_ms"`
}

// NodeType enumerates the kinds of nodes in a workflow graph.
type NodeType string

const (
	NodeStart     NodeType = "start"
	NodeEnd       NodeType = "end"
	NodeAgent     NodeType = "agent"
	NodeMCPTool   NodeType = "mcp_tool"
	NodeCondition NodeType = "condition"
	NodeLoop      NodeType = "loop"
	NodeParallel  NodeType = "parallel"
	NodeDelay     NodeType = "delay"
	NodeWebhook   NodeType = "webhook"
	NodeScript    NodeType = "script"
)

// NodeTypes lists all valid node types.
var NodeTypes = []NodeType{
	NodeStart, NodeEnd, NodeAgent, NodeMCPTool, NodeCondition,
	NodeLoop, NodeParallel, NodeDelay, NodeWebhook, NodeScript,
}

// WorkflowNode is a single unit of work in the graph.
type WorkflowNode struct {
	ID             string         `json:"id" yaml:"id"`
	Type           NodeType       `json:"type" yaml:"type"`
	Name           string         `json:"name,omitempty" yaml:"name,omitempty"`
	Position       *Position      `json:"position,omitempty" yaml:"position,omitempty"` // presentation only
	Config         map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	RetryConfig    *RetryConfig   `json:"retry_config,omitempty" yaml:"retry_config,omitempty"`
	OnError        ErrorPolicy    `json:"on_error,omitempty" yaml:"on_error,omitempty"`
	ErrorNodeID    string         `json:"error_node_id,omitempty" yaml:"error_node_id,omitempty"`
}

// Position is builder-UI layout data. The engine ignores it.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// RetryConfig configures retry behavior for a node.
// BackoffStrategy is accepted for compatibility but the engine applies
// a fixed DelaySeconds pause between attempts.
type RetryConfig struct {
	MaxAttempts     int    `json:"max_attempts" yaml:"max_attempts"`
	BackoffStrategy string `json:"backoff_strategy,omitempty" yaml:"backoff_strategy,omitempty"`
	DelaySeconds    int    `json:"delay_seconds,omitempty" yaml:"delay_seconds,omitempty"`
}

// ErrorPolicy decides what happens when a node execution fails.
type ErrorPolicy string

const (
	OnErrorStop     ErrorPolicy = "stop"
	OnErrorContinue ErrorPolicy = "continue"
	OnErrorRetry    ErrorPolicy = "retry"
	// OnErrorGoto is reserved: the field round-trips and validates but
	// no execution path jumps to ErrorNodeID yet.
	OnErrorGoto ErrorPolicy = "goto"
)

// EdgeType classifies a graph edge.
type EdgeType string

const (
	EdgeDefault     EdgeType = "default"
	EdgeConditional EdgeType = "conditional"
	EdgeError       EdgeType = "error"
)

// WorkflowEdge is a directed connection between two nodes, optionally
// gated by a condition evaluated against the variable context.
type WorkflowEdge struct {
	ID        string             `json:"id" yaml:"id"`
	Source    string             `json:"source" yaml:"source"`
	Target    string             `json:"target" yaml:"target"`
	Type      EdgeType           `json:"type,omitempty" yaml:"type,omitempty"`
	Condition *WorkflowCondition `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// ConditionOperator is a pure comparison against the variable context.
type ConditionOperator string

const (
	OpEquals      ConditionOperator = "equals"
	OpNotEquals   ConditionOperator = "not_equals"
	OpContains    ConditionOperator = "contains"
	OpNotContains ConditionOperator = "not_contains"
	OpGreaterThan ConditionOperator = "greater_than"
	OpLessThan    ConditionOperator = "less_than"
	OpExists      ConditionOperator = "exists"
	OpNotExists   ConditionOperator = "not_exists"
)

// WorkflowCondition is a recursive boolean predicate tree.
type WorkflowCondition struct {
	Field            string              `json:"field" yaml:"field"`
	Operator         ConditionOperator   `json:"operator" yaml:"operator"`
	Value            any                 `json:"value,omitempty" yaml:"value,omitempty"`
	LogicalOperator  string              `json:"logical_operator,omitempty" yaml:"logical_operator,omitempty"` // and | or
	NestedConditions []WorkflowCondition `json:"nested_conditions,omitempty" yaml:"nested_conditions,omitempty"`
}

// Node returns the node with the given ID, or nil.
func (d *WorkflowDefinition) Node(id string) *WorkflowNode {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// NodesOfType returns all nodes matching the given type.
func (d *WorkflowDefinition) NodesOfType(t NodeType) []WorkflowNode {
	var out []WorkflowNode
	for _, n := range d.Nodes {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

// decodeConfig re-marshals the untyped config map into a typed struct.
func decodeConfig(raw map[string]any, dst any) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return NewErrorf(ErrCodeValidation, "config is not serializable: %v", err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return NewErrorf(ErrCodeValidation, "config does not match node type: %v", err)
	}
	return nil
}
