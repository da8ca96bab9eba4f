package engine

import (
	"context"
	"time"

	"github.com/weft-labs/weft/internal/condition"
	"github.com/weft-labs/weft/internal/interp"
	"github.com/weft-labs/weft/pkg/schema"
)

// executeNode dispatches one node visit to its typed executor. vars is
// the caller's snapshot of the variable context; loop and parallel
// nodes pass per-iteration and per-branch copies instead.
func (r *run) executeNode(ctx context.Context, node *schema.WorkflowNode, vars map[string]any) (*nodeResult, error) {
	cfg, err := schema.DecodeNodeConfig(node)
	if err != nil {
		return nil, err
	}
	switch c := cfg.(type) {
	case *schema.StartConfig:
		return &nodeResult{}, nil
	case *schema.EndConfig:
		return r.execEnd(c, vars)
	case *schema.AgentConfig:
		return r.execAgent(ctx, c, vars)
	case *schema.MCPToolConfig:
		return r.execTool(ctx, c, vars)
	case *schema.ConditionNodeConfig:
		return execCondition(c, vars)
	case *schema.LoopConfig:
		return r.execLoop(ctx, node, c, vars)
	case *schema.ParallelConfig:
		return r.execParallel(ctx, c, vars)
	case *schema.DelayConfig:
		return execDelay(ctx, c)
	case *schema.WebhookConfig:
		return r.execWebhook(ctx, c, vars)
	case *schema.ScriptConfig:
		return r.execScript(ctx, c, vars)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "no executor for node type %q", node.Type).WithNode(node.ID)
	}
}

// execEnd applies the optional output mapping and records the final
// output. Without a mapping the whole variable context is the output.
func (r *run) execEnd(cfg *schema.EndConfig, vars map[string]any) (*nodeResult, error) {
	var out map[string]any
	if len(cfg.OutputMapping) == 0 {
		out = copyMap(vars)
	} else {
		out = make(map[string]any, len(cfg.OutputMapping))
		for name, path := range cfg.OutputMapping {
			if v, ok := interp.Lookup(path, vars); ok {
				out[name] = v
			}
		}
	}
	r.setOutput(out)
	return &nodeResult{}, nil
}

// execCondition evaluates the predicate; the boolean result feeds
// downstream conditional edges, it is not control flow by itself.
func execCondition(cfg *schema.ConditionNodeConfig, vars map[string]any) (*nodeResult, error) {
	met := condition.Evaluate(&cfg.Condition, vars)
	return &nodeResult{vars: map[string]any{
		"condition_result": met,
		"condition_met":    met,
	}}, nil
}

// execDelay is a pure context-aware wait.
func execDelay(ctx context.Context, cfg *schema.DelayConfig) (*nodeResult, error) {
	if cfg.Seconds > 0 {
		select {
		case <-time.After(time.Duration(cfg.Seconds) * time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &nodeResult{vars: map[string]any{"delayed_seconds": cfg.Seconds}}, nil
}
