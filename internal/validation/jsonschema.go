package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/weft-labs/weft/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition
// validation. Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://weft.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "nodes", "edges"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "version": { "type": "integer", "minimum": 0 },
    "status": {
      "type": "string",
      "enum": ["draft", "active", "paused", "archived"]
    },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    },
    "config": {
      "type": "object",
      "properties": {
        "timeout_minutes": { "type": "integer", "minimum": 0 },
        "max_retries": { "type": "integer", "minimum": 0 },
        "error_handling": { "type": "string" },
        "parallel": { "type": "boolean" },
        "priority": { "type": "string", "enum": ["high", "medium", "low"] }
      },
      "additionalProperties": false
    },
    "input_schema": { "type": "object" },
    "output_schema": { "type": "object" },
    "variables": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": { "type": "string", "minLength": 1 },
          "type": { "type": "string" },
          "default": {},
          "required": { "type": "boolean" }
        },
        "additionalProperties": false
      }
    },
    "triggers": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": { "type": "string" },
          "type": { "type": "string", "enum": ["manual", "schedule", "webhook"] },
          "config": { "type": "object" }
        },
        "additionalProperties": false
      }
    },
    "schedule": {
      "type": "object",
      "required": ["cron_expr"],
      "properties": {
        "cron_expr": { "type": "string", "minLength": 1 },
        "enabled": { "type": "boolean" },
        "next_run_at": { "type": "string" },
        "last_run_at": { "type": "string" }
      },
      "additionalProperties": false
    },
    "stats": { "type": "object" },
    "created_at": { "type": "string" },
    "updated_at": { "type": "string" }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["start", "end", "agent", "mcp_tool", "condition", "loop", "parallel", "delay", "webhook", "script"]
        },
        "name": { "type": "string" },
        "position": {
          "type": "object",
          "properties": {
            "x": { "type": "number" },
            "y": { "type": "number" }
          },
          "additionalProperties": false
        },
        "config": { "type": "object" },
        "timeout_seconds": { "type": "integer", "minimum": 0 },
        "retry_config": {
          "type": "object",
          "required": ["max_attempts"],
          "properties": {
            "max_attempts": { "type": "integer", "minimum": 1 },
            "backoff_strategy": { "type": "string" },
            "delay_seconds": { "type": "integer", "minimum": 0 }
          },
          "additionalProperties": false
        },
        "on_error": {
          "type": "string",
          "enum": ["stop", "continue", "retry", "goto"]
        },
        "error_node_id": { "type": "string" }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["id", "source", "target"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "source": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["default", "conditional", "error"]
        },
        "condition": { "$ref": "#/$defs/condition" }
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "required": ["field", "operator"],
      "properties": {
        "field": { "type": "string" },
        "operator": {
          "type": "string",
          "enum": ["equals", "not_equals", "contains", "not_contains", "greater_than", "less_than", "exists", "not_exists"]
        },
        "value": {},
        "logical_operator": { "type": "string", "enum": ["and", "or"] },
        "nested_conditions": {
          "type": "array",
          "items": { "$ref": "#/$defs/condition" }
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates definitions and execution inputs
// against JSON Schema Draft 2020-12. Safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the cache for dynamically compiled input schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the
// workflow schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://weft.dev/schemas/workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile("https://weft.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition checks a WorkflowDefinition document against the
// embedded workflow schema, collecting every violation.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return result
	}

	doc, err := toJSONValue(def)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "workflow definition is not serializable: "+err.Error())
		return result
	}

	if err := v.workflowSchema.Validate(doc); err != nil {
		for _, violation := range violations(err) {
			result.AddError("/", schema.ErrCodeValidation, violation)
		}
	}
	return result
}

// ValidateInput validates execution input against a workflow's
// input_schema. An empty schema means no validation.
func (v *JSONSchemaValidator) ValidateInput(input, inputSchema map[string]any) error {
	if len(inputSchema) == 0 {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}

	raw, err := json.Marshal(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	compiled, err := v.getOrCompile(raw)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		vs := violations(err)
		return schema.NewErrorf(schema.ErrCodeValidation, "input does not match input_schema: %s", strings.Join(vs, "; ")).
			WithDetails(map[string]any{"violations": vs})
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches
// a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL and a fresh compiler to
	// avoid resource collisions.
	url := fmt.Sprintf("weft://input-schema/%d", len(v.cache))
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, as the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// violations flattens a jsonschema.ValidationError tree into leaf
// messages with instance locations.
func violations(err error) []string {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	return collectViolations(verr)
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
