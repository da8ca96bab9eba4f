package engine

import (
	"context"

	"github.com/weft-labs/weft/pkg/schema"
)

// execScript evaluates inline expression code against the variable
// context. Scripts are a trusted-input feature; expressions run
// in-process with full read access to the variables.
func (r *run) execScript(ctx context.Context, cfg *schema.ScriptConfig, vars map[string]any) (*nodeResult, error) {
	eng, err := r.e.scripts.Engine(cfg.Language)
	if err != nil {
		return nil, err
	}
	out, err := eng.Evaluate(ctx, cfg.Source, vars)
	if err != nil {
		return nil, err
	}
	return &nodeResult{vars: map[string]any{"script_result": out}}, nil
}
