package schema

import (
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// MarshalYAML serializes a workflow definition to YAML.
func (d *WorkflowDefinition) MarshalYAML() ([]byte, error) {
	b, err := yaml.Marshal(d)
	if err != nil {
		return nil, NewErrorf(ErrCodeValidation, "encode workflow yaml: %v", err)
	}
	return b, nil
}

// ParseWorkflowYAML parses a YAML workflow definition.
func ParseWorkflowYAML(data []byte) (*WorkflowDefinition, error) {
	var d WorkflowDefinition
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "parse workflow yaml: %v", err)
	}
	normalizeAnyValues(&d)
	return &d, nil
}

// ParseWorkflowJSON parses a JSON workflow definition.
func ParseWorkflowJSON(data []byte) (*WorkflowDefinition, error) {
	var d WorkflowDefinition
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "parse workflow json: %v", err)
	}
	return &d, nil
}

// normalizeAnyValues rewrites yaml-decoded map[any]any values into the
// map[string]any shape the rest of the engine and the JSON codec use.
// yaml.v3 already decodes mappings with string keys as map[string]any,
// but nested any-typed fields can still surface interface keys.
func normalizeAnyValues(d *WorkflowDefinition) {
	for i := range d.Nodes {
		d.Nodes[i].Config = normalizeMap(d.Nodes[i].Config)
	}
	d.InputSchema = normalizeMap(d.InputSchema)
	d.OutputSchema = normalizeMap(d.OutputSchema)
	for i := range d.Triggers {
		d.Triggers[i].Config = normalizeMap(d.Triggers[i].Config)
	}
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalizeMap(t)
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if ks, ok := k.(string); ok {
				out[ks] = normalizeValue(val)
			}
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeValue(val)
		}
		return out
	default:
		return v
	}
}
