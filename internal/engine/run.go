package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weft-labs/weft/internal/condition"
	"github.com/weft-labs/weft/internal/graph"
	"github.com/weft-labs/weft/internal/logging"
	"github.com/weft-labs/weft/internal/streaming"
	"github.com/weft-labs/weft/pkg/schema"
)

// run is the per-execution walk state. The variable context and the
// execution record are shared by fan-out branches and guarded by mu.
type run struct {
	e     *Engine
	def   *schema.WorkflowDefinition
	g     *graph.Graph
	exec  *schema.WorkflowExecution
	flags *activeRun

	// deadline is zero when config.timeout_minutes is unset. It is
	// checked at node boundaries, never preemptively.
	deadline time.Time

	mu     sync.Mutex
	vars   map[string]any
	output map[string]any
}

// nodeResult is what one node execution contributes: variables merged
// into the context plus usage accounting.
type nodeResult struct {
	vars       map[string]any
	cost       float64
	tokens     int
	apiCalls   int
	externalID string
}

// process drives one dequeued execution from pending to a terminal
// state. Errors never escape; they land on the execution record.
func (e *Engine) process(ctx context.Context, executionID string) {
	ex, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		e.logger.ErrorContext(ctx, "load dequeued execution failed",
			slog.String("execution_id", executionID),
			slog.String("error", err.Error()),
		)
		return
	}
	// Cancelled while queued.
	if ex.Status != schema.ExecutionPending {
		return
	}

	ctx = logging.WithIDs(ctx, ex.WorkflowID, ex.ID, "")

	def, err := e.store.GetWorkflow(ctx, ex.WorkflowID)
	if err != nil {
		e.failBeforeStart(ctx, ex, err)
		return
	}

	flags := &activeRun{}
	e.mu.Lock()
	e.active[executionID] = flags
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, executionID)
		e.mu.Unlock()
	}()

	now := time.Now().UTC()
	ex.Status = schema.ExecutionRunning
	ex.StartedAt = &now
	if err := e.store.UpdateExecution(ctx, ex); err != nil {
		e.logger.ErrorContext(ctx, "mark execution running failed", slog.String("error", err.Error()))
		return
	}

	r := &run{
		e:     e,
		def:   def,
		g:     graph.Build(def),
		exec:  ex,
		flags: flags,
		vars:  seedVars(def, ex.InputData),
	}
	if def.Config.TimeoutMinutes > 0 {
		r.deadline = now.Add(time.Duration(def.Config.TimeoutMinutes) * time.Minute)
	}

	r.log(ctx, "info", "execution started", "")
	e.publish(ctx, streaming.Event{
		Type:        streaming.EventExecutionStarted,
		WorkflowID:  ex.WorkflowID,
		ExecutionID: ex.ID,
		Status:      string(schema.ExecutionRunning),
	})
	r.finish(ctx, r.walk(ctx))
}

// failBeforeStart terminates an execution that never reached running.
func (e *Engine) failBeforeStart(ctx context.Context, ex *schema.WorkflowExecution, cause error) {
	now := time.Now().UTC()
	ex.Status = schema.ExecutionFailed
	ex.ErrorMessage = cause.Error()
	ex.FinishedAt = &now
	if err := e.store.UpdateExecution(ctx, ex); err != nil {
		e.logger.ErrorContext(ctx, "persist failed execution", slog.String("error", err.Error()))
	}
}

// seedVars builds the initial variable context: declared variable
// defaults, overlaid with the input both at the top level and under
// the "input" key so conditions can address input.x.
func seedVars(def *schema.WorkflowDefinition, input map[string]any) map[string]any {
	vars := make(map[string]any, len(input)+len(def.Variables)+1)
	for _, v := range def.Variables {
		if v.Default != nil {
			vars[v.Name] = v.Default
		}
	}
	inputCopy := make(map[string]any, len(input))
	for k, v := range input {
		vars[k] = v
		inputCopy[k] = v
	}
	vars["input"] = inputCopy
	return vars
}

// walk runs all start-node branches to completion.
func (r *run) walk(ctx context.Context) error {
	if len(r.g.Starts) == 0 {
		return schema.NewError(schema.ErrCodeExecution, "workflow has no start node")
	}
	if len(r.g.Starts) == 1 {
		return r.runBranch(ctx, r.g.Starts[0])
	}
	return r.fanOut(ctx, r.g.Starts)
}

// runBranch executes one node and advances along its followed edges.
// Cancellation and the workflow deadline are honored only here, at
// node boundaries.
func (r *run) runBranch(ctx context.Context, node *schema.WorkflowNode) error {
	if r.flags.cancelled.Load() {
		return schema.NewError(schema.ErrCodeCancelled, "execution cancelled")
	}
	if err := ctx.Err(); err != nil {
		return schema.NewError(schema.ErrCodeCancelled, "engine shutting down").WithCause(err)
	}
	if !r.deadline.IsZero() && time.Now().After(r.deadline) {
		return schema.NewErrorf(schema.ErrCodeTimeout, "workflow timeout of %d minutes exceeded", r.def.Config.TimeoutMinutes)
	}

	r.setCurrentNode(ctx, node.ID)

	result, err := r.executeWithPolicy(ctx, node)
	if err != nil {
		return err
	}

	lastResult := map[string]any{}
	if result != nil && result.vars != nil {
		r.mergeVars(result.vars)
		lastResult = result.vars
	}

	// Conditional edges see the variable context overlaid with the
	// node's own result.
	evalCtx := r.varsWith(lastResult)
	var targets []*schema.WorkflowNode
	for _, edge := range r.g.Outgoing[node.ID] {
		if edge.Condition != nil && !condition.Evaluate(edge.Condition, evalCtx) {
			continue
		}
		if t := r.g.Node(edge.Target); t != nil {
			targets = append(targets, t)
		}
	}

	switch len(targets) {
	case 0:
		// Branch ends silently; not an error.
		return nil
	case 1:
		return r.runBranch(ctx, targets[0])
	default:
		return r.fanOut(ctx, targets)
	}
}

// fanOut runs branches concurrently and waits for all to settle.
func (r *run) fanOut(ctx context.Context, targets []*schema.WorkflowNode) error {
	var wg sync.WaitGroup
	errs := make([]error, len(targets))
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t *schema.WorkflowNode) {
			defer wg.Done()
			errs[i] = r.runBranch(ctx, t)
		}(i, t)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// executeWithPolicy runs a node under its on_error policy. Each retry
// attempt produces its own step record.
func (r *run) executeWithPolicy(ctx context.Context, node *schema.WorkflowNode) (*nodeResult, error) {
	maxAttempts := 1
	retryDelay := time.Duration(0)
	if node.OnError == schema.OnErrorRetry {
		maxAttempts = defaultMaxAttempts
		if node.RetryConfig != nil {
			if node.RetryConfig.MaxAttempts > 0 {
				maxAttempts = node.RetryConfig.MaxAttempts
			}
			// delay_seconds is a fixed pause between attempts.
			retryDelay = time.Duration(node.RetryConfig.DelaySeconds) * time.Second
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			r.addRetry()
			r.log(ctx, "warn", fmt.Sprintf("retrying node %s (attempt %d/%d)", node.ID, attempt+1, maxAttempts), node.ID)
			if err := sleepCtx(ctx, retryDelay); err != nil {
				lastErr = schema.NewError(schema.ErrCodeCancelled, "cancelled during retry delay").WithCause(err)
				break
			}
		}
		result, err := r.executeOnce(ctx, node, attempt)
		if err == nil {
			r.markCompleted(node.ID)
			return result, nil
		}
		lastErr = err
		r.log(ctx, "error", fmt.Sprintf("node %s failed: %v", node.ID, err), node.ID)
	}

	r.markFailed(node.ID)

	policy := node.OnError
	if policy == schema.OnErrorGoto {
		// Reserved in the data model; no jump semantics yet.
		r.log(ctx, "warn", "on_error goto is not supported, stopping execution", node.ID)
		policy = schema.OnErrorStop
	}

	switch policy {
	case schema.OnErrorContinue:
		r.log(ctx, "warn", fmt.Sprintf("continuing past failed node %s", node.ID), node.ID)
		return nil, nil
	case schema.OnErrorRetry:
		return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted, "node %s failed after %d attempts", node.ID, maxAttempts).
			WithNode(node.ID).WithCause(lastErr)
	default:
		return nil, lastErr
	}
}

// executeOnce records a step, runs the node executor with an optional
// per-node timeout, and finalizes the step.
func (r *run) executeOnce(ctx context.Context, node *schema.WorkflowNode, attempt int) (*nodeResult, error) {
	ctx = logging.WithNodeID(ctx, node.ID)

	step := &schema.StepExecution{
		ID:          uuid.NewString(),
		ExecutionID: r.exec.ID,
		NodeID:      node.ID,
		NodeType:    node.Type,
		Status:      schema.StepRunning,
		InputData:   r.varsSnapshot(),
		RetryCount:  attempt,
		StartedAt:   time.Now().UTC(),
	}
	if err := r.e.store.SaveStep(ctx, step); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "save step").WithNode(node.ID).WithCause(err)
	}
	r.e.publish(ctx, streaming.Event{
		Type:        streaming.EventStepStarted,
		WorkflowID:  r.exec.WorkflowID,
		ExecutionID: r.exec.ID,
		NodeID:      node.ID,
		Status:      string(schema.StepRunning),
	})

	nodeCtx := ctx
	if node.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(ctx, time.Duration(node.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	result, err := r.executeNode(nodeCtx, node, step.InputData)

	done := time.Now().UTC()
	step.FinishedAt = &done
	if err != nil {
		step.Status = schema.StepFailed
		step.ErrorMessage = err.Error()
	} else {
		step.Status = schema.StepCompleted
		if result != nil {
			step.OutputData = result.vars
			step.Cost = result.cost
			step.TokensUsed = result.tokens
			step.ExternalID = result.externalID
			r.addUsage(result)
		}
	}
	if uerr := r.e.store.UpdateStep(ctx, step); uerr != nil {
		r.e.logger.WarnContext(ctx, "finalize step failed", slog.String("error", uerr.Error()))
	}
	r.e.publish(ctx, streaming.Event{
		Type:        streaming.EventStepFinished,
		WorkflowID:  r.exec.WorkflowID,
		ExecutionID: r.exec.ID,
		NodeID:      node.ID,
		Status:      string(step.Status),
	})

	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeFailed, "node %s (%s) failed", node.ID, node.Type).
			WithNode(node.ID).WithCause(err)
	}
	return result, nil
}

// finish moves the execution to its terminal state and updates the
// workflow aggregates exactly once.
func (r *run) finish(ctx context.Context, walkErr error) {
	now := time.Now().UTC()

	r.mu.Lock()
	ex := r.exec
	ex.FinishedAt = &now
	ex.CurrentNodeID = ""
	if walkErr != nil {
		switch schema.ErrorCode(walkErr) {
		case schema.ErrCodeCancelled:
			ex.Status = schema.ExecutionCancelled
		case schema.ErrCodeTimeout:
			ex.Status = schema.ExecutionTimeout
		default:
			ex.Status = schema.ExecutionFailed
		}
		ex.ErrorMessage = walkErr.Error()
	} else {
		ex.Status = schema.ExecutionCompleted
		ex.OutputData = r.output
	}
	status := ex.Status
	if err := r.e.store.UpdateExecution(ctx, ex); err != nil {
		r.e.logger.ErrorContext(ctx, "persist terminal execution failed", slog.String("error", err.Error()))
	}
	started := ex.StartedAt
	r.mu.Unlock()

	duration := time.Duration(0)
	if started != nil {
		duration = now.Sub(*started)
	}
	if err := r.e.store.UpdateWorkflowStats(ctx, ex.WorkflowID, status == schema.ExecutionCompleted, duration); err != nil {
		r.e.logger.ErrorContext(ctx, "update workflow stats failed", slog.String("error", err.Error()))
	}

	level := "info"
	if status != schema.ExecutionCompleted {
		level = "error"
	}
	r.log(ctx, level, "execution "+string(status), "")
	r.e.publish(ctx, streaming.Event{
		Type:        streaming.EventExecutionFinished,
		WorkflowID:  ex.WorkflowID,
		ExecutionID: ex.ID,
		Status:      string(status),
	})
	r.e.logger.Log(ctx, slogLevel(level), "execution finished",
		slog.String("workflow_id", ex.WorkflowID),
		slog.String("execution_id", ex.ID),
		slog.String("status", string(status)),
		slog.Duration("duration", duration),
	)
}

// --- shared state helpers, all under r.mu ---

func (r *run) mergeVars(m map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range m {
		r.vars[k] = v
	}
}

func (r *run) varsSnapshot() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyMap(r.vars)
}

func (r *run) varsWith(overlay map[string]any) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := copyMap(r.vars)
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

func (r *run) setOutput(out map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output = out
}

func (r *run) setCurrentNode(ctx context.Context, nodeID string) {
	r.mu.Lock()
	r.exec.CurrentNodeID = nodeID
	if err := r.e.store.UpdateExecution(ctx, r.exec); err != nil {
		r.e.logger.WarnContext(ctx, "persist current node failed", slog.String("error", err.Error()))
	}
	r.mu.Unlock()
}

func (r *run) markCompleted(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exec.CompletedNodes = appendUnique(r.exec.CompletedNodes, nodeID)
}

func (r *run) markFailed(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exec.FailedNodes = appendUnique(r.exec.FailedNodes, nodeID)
}

func (r *run) addUsage(res *nodeResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exec.TotalCost += res.cost
	r.exec.TokensUsed += res.tokens
	r.exec.APICallsMade += res.apiCalls
}

func (r *run) addRetry() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exec.RetryCount++
}

// log appends to the execution's persisted log stream.
func (r *run) log(ctx context.Context, level, msg, nodeID string) {
	entry := &schema.ExecutionLog{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   msg,
		NodeID:    nodeID,
	}
	if err := r.e.store.AppendLog(ctx, r.exec.ID, entry); err != nil {
		r.e.logger.WarnContext(ctx, "append execution log failed", slog.String("error", err.Error()))
	}
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func slogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
