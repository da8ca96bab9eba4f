// Package validation checks workflow definitions at create/update
// time. All checks run and all failures are collected before
// returning, so a caller sees the complete error set in one pass.
package validation

import (
	"context"

	"github.com/weft-labs/weft/pkg/schema"
)

// AgentResolver resolves agent references for agent nodes.
type AgentResolver interface {
	AgentExists(ctx context.Context, agentID string) (bool, error)
}

// ServerStatusProvider reports MCP server connection state for
// mcp_tool nodes.
type ServerStatusProvider interface {
	ServerStatus(ctx context.Context, serverID string) (string, error)
}

// ServerConnected is the only server state that passes validation.
const ServerConnected = "connected"

// WorkflowValidator runs the full validation pipeline:
// 1. Structural (JSON Schema)
// 2. Graph shape (start/end presence, edge coverage, endpoints)
// 3. Node configs (typed decode per node type)
// 4. References (agent IDs resolve, MCP servers connected)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	agents     AgentResolver
	servers    ServerStatusProvider
}

// NewWorkflowValidator creates a WorkflowValidator. agents or servers
// may be nil to skip the corresponding reference checks.
func NewWorkflowValidator(agents AgentResolver, servers ServerStatusProvider) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		agents:     agents,
		servers:    servers,
	}, nil
}

// Validate runs every stage and returns the aggregated result. The
// definition is never mutated.
func (wv *WorkflowValidator) Validate(ctx context.Context, def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := wv.jsonSchema.ValidateDefinition(def)
	result.Merge(validateGraph(def))
	result.Merge(validateNodeConfigs(def))
	result.Merge(wv.validateReferences(ctx, def))
	return result
}

// ValidateDefinition collapses the result into a single error.
func (wv *WorkflowValidator) ValidateDefinition(ctx context.Context, def *schema.WorkflowDefinition) error {
	return wv.Validate(ctx, def).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateInput(input, inputSchema map[string]any) error {
	return wv.jsonSchema.ValidateInput(input, inputSchema)
}
