package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/weft-labs/weft/internal/condition"
	"github.com/weft-labs/weft/pkg/schema"
)

// execLoop runs the body nodes up to max_iterations times against a
// per-iteration copy of the variables, injecting loop_index and
// loop_iteration. break_condition is checked after each iteration.
func (r *run) execLoop(ctx context.Context, node *schema.WorkflowNode, cfg *schema.LoopConfig, vars map[string]any) (*nodeResult, error) {
	iterations := cfg.MaxIterations
	if iterations <= 0 {
		iterations = defaultLoopIterations
	}

	agg := &nodeResult{}
	var results []any
	count := 0

	for i := 0; i < iterations; i++ {
		if r.flags.cancelled.Load() {
			return nil, schema.NewError(schema.ErrCodeCancelled, "execution cancelled")
		}

		iterVars := copyMap(vars)
		iterVars["loop_index"] = i
		iterVars["loop_iteration"] = i + 1

		iterResult := make(map[string]any)
		for _, bodyID := range cfg.BodyNodes {
			body := r.g.Node(bodyID)
			if body == nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "loop body node %q not found", bodyID).WithNode(node.ID)
			}
			res, err := r.executeNode(ctx, body, iterVars)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeNodeFailed, "loop body node %s failed on iteration %d", bodyID, i+1).
					WithNode(bodyID).WithCause(err)
			}
			if res != nil {
				for k, v := range res.vars {
					iterVars[k] = v
					iterResult[k] = v
				}
				agg.cost += res.cost
				agg.tokens += res.tokens
				agg.apiCalls += res.apiCalls
			}
		}

		results = append(results, iterResult)
		count++

		if cfg.BreakCondition != nil && condition.Evaluate(cfg.BreakCondition, iterVars) {
			break
		}
	}

	agg.vars = map[string]any{
		"loop_results":    results,
		"loop_iterations": count,
	}
	return agg, nil
}

// execParallel runs the configured nodes concurrently against
// independent variable copies. Branch failures are recorded, not
// propagated; the node itself succeeds with aggregate counts.
func (r *run) execParallel(ctx context.Context, cfg *schema.ParallelConfig, vars map[string]any) (*nodeResult, error) {
	type branchOutcome struct {
		nodeID string
		res    *nodeResult
		err    error
	}

	outcomes := make([]branchOutcome, len(cfg.Nodes))
	var wg sync.WaitGroup
	for i, nodeID := range cfg.Nodes {
		branch := r.g.Node(nodeID)
		if branch == nil {
			outcomes[i] = branchOutcome{
				nodeID: nodeID,
				err:    schema.NewErrorf(schema.ErrCodeValidation, "parallel node %q not found", nodeID),
			}
			continue
		}
		wg.Add(1)
		go func(i int, n *schema.WorkflowNode) {
			defer wg.Done()
			res, err := r.executeNode(ctx, n, copyMap(vars))
			outcomes[i] = branchOutcome{nodeID: n.ID, res: res, err: err}
		}(i, branch)
	}
	wg.Wait()

	agg := &nodeResult{}
	var successResults []any
	successCount, failedCount := 0, 0
	for _, o := range outcomes {
		if o.err != nil {
			failedCount++
			r.markFailed(o.nodeID)
			r.log(ctx, "warn", fmt.Sprintf("parallel branch %s failed: %v", o.nodeID, o.err), o.nodeID)
			continue
		}
		successCount++
		r.markCompleted(o.nodeID)
		if o.res != nil {
			successResults = append(successResults, o.res.vars)
			agg.cost += o.res.cost
			agg.tokens += o.res.tokens
			agg.apiCalls += o.res.apiCalls
		}
	}

	agg.vars = map[string]any{
		"success_count":    successCount,
		"failed_count":     failedCount,
		"parallel_results": successResults,
	}
	return agg, nil
}
