// Package engine executes workflow definitions: it owns the priority
// queue of pending executions, walks the workflow graph node by node,
// applies per-node error policy, and persists execution state.
package engine

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/weft-labs/weft/internal/backends"
	"github.com/weft-labs/weft/internal/expressions"
	"github.com/weft-labs/weft/internal/store"
	"github.com/weft-labs/weft/internal/streaming"
	"github.com/weft-labs/weft/internal/validation"
	"github.com/weft-labs/weft/pkg/schema"
)

const (
	// defaultMaxAttempts applies when on_error is retry and the node
	// carries no retry_config.
	defaultMaxAttempts = 3

	// defaultLoopIterations caps loop nodes without max_iterations.
	defaultLoopIterations = 10
)

// Deps are the engine's external collaborators.
type Deps struct {
	Store   store.Store
	Agents  backends.AgentRunner
	Tools   backends.ToolRunner
	History backends.ChatHistory
	Events  streaming.Hub // optional; nil disables progress events
}

// Config holds engine tuning knobs.
type Config struct {
	Logger     *slog.Logger
	HTTPClient *http.Client // webhook nodes; nil uses a 30s-timeout default
}

// Engine is the workflow execution coordinator. The queue and the
// active-execution map are its only shared mutable state; both are
// guarded by mu and consumed by a single processing loop.
type Engine struct {
	store   store.Store
	agents  backends.AgentRunner
	tools   backends.ToolRunner
	history backends.ChatHistory
	events  streaming.Hub
	scripts *expressions.Registry
	schemas *validation.JSONSchemaValidator
	http    *http.Client
	logger  *slog.Logger

	mu     sync.Mutex
	queue  *executionQueue
	active map[string]*activeRun
	wake   chan struct{}

	startOnce sync.Once
	stopLoop  context.CancelFunc
	done      chan struct{}
}

// activeRun tracks one in-flight execution. Cancellation is a flag
// checked at node boundaries, never a forced interrupt.
type activeRun struct {
	cancelled atomic.Bool
}

// New wires an engine from its collaborators.
func New(deps Deps, cfg Config) (*Engine, error) {
	scripts, err := expressions.NewRegistry()
	if err != nil {
		return nil, err
	}
	schemas, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Engine{
		store:   deps.Store,
		agents:  deps.Agents,
		tools:   deps.Tools,
		history: deps.History,
		events:  deps.Events,
		scripts: scripts,
		schemas: schemas,
		http:    httpClient,
		logger:  logger,
		queue:   newExecutionQueue(),
		active:  make(map[string]*activeRun),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}, nil
}

// Start launches the processing loop. Safe to call once.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		e.stopLoop = cancel
		go e.processLoop(ctx)
	})
}

// Stop halts the processing loop after the current execution finishes.
func (e *Engine) Stop(ctx context.Context) error {
	if e.stopLoop == nil {
		return nil
	}
	e.stopLoop()
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute validates that the workflow is active, persists a pending
// execution, enqueues it, and returns immediately. Callers poll Status.
func (e *Engine) Execute(ctx context.Context, workflowID string, input map[string]any, trigger schema.TriggerContext) (*schema.WorkflowExecution, error) {
	def, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if def.Status != schema.WorkflowActive {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "workflow %q is %s, not active", workflowID, def.Status)
	}
	if len(def.InputSchema) > 0 {
		if err := e.schemas.ValidateInput(input, def.InputSchema); err != nil {
			return nil, err
		}
	}

	priority := def.Config.Priority
	if priority == "" {
		priority = schema.PriorityMedium
	}

	ex := &schema.WorkflowExecution{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Status:     schema.ExecutionPending,
		Trigger:    trigger,
		Priority:   priority,
		InputData:  input,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.store.SaveExecution(ctx, ex); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.queue.push(priority, ex.ID)
	e.mu.Unlock()
	e.signal()

	e.logger.InfoContext(ctx, "execution enqueued",
		slog.String("workflow_id", workflowID),
		slog.String("execution_id", ex.ID),
		slog.String("priority", string(priority)),
	)
	return ex, nil
}

// Cancel requests cooperative cancellation. A running execution stops
// at the next node boundary; a queued one is cancelled immediately.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	e.mu.Lock()
	if run, ok := e.active[executionID]; ok {
		run.cancelled.Store(true)
		e.mu.Unlock()
		e.logger.InfoContext(ctx, "cancellation requested",
			slog.String("execution_id", executionID))
		return nil
	}
	removed := e.queue.remove(executionID)
	e.mu.Unlock()

	ex, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if ex.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "execution %q is already %s", executionID, ex.Status)
	}
	if removed || ex.Status == schema.ExecutionPending {
		now := time.Now().UTC()
		ex.Status = schema.ExecutionCancelled
		ex.FinishedAt = &now
		return e.store.UpdateExecution(ctx, ex)
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "execution %q is running but not tracked by this engine", executionID)
}

// Status returns the execution with its recorded steps.
func (e *Engine) Status(ctx context.Context, executionID string) (*schema.WorkflowExecution, error) {
	ex, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	steps, err := e.store.ListSteps(ctx, executionID)
	if err != nil {
		return nil, err
	}
	ex.Steps = make([]schema.StepExecution, len(steps))
	for i, s := range steps {
		ex.Steps[i] = *s
	}
	return ex, nil
}

// Logs returns the execution's ordered log entries.
func (e *Engine) Logs(ctx context.Context, executionID string) ([]*schema.ExecutionLog, error) {
	return e.store.GetLogs(ctx, executionID)
}

// QueueDepth reports how many executions are waiting.
func (e *Engine) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.len()
}

// publish emits a progress event when a hub is configured. Delivery is
// best-effort.
func (e *Engine) publish(ctx context.Context, event streaming.Event) {
	if e.events == nil {
		return
	}
	event.At = time.Now().UTC()
	if err := e.events.Publish(ctx, event); err != nil {
		e.logger.DebugContext(ctx, "publish event failed", slog.String("error", err.Error()))
	}
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// processLoop is the single queue consumer. Executions run one at a
// time; concurrency exists only inside an execution (parallel nodes
// and edge fan-out).
func (e *Engine) processLoop(ctx context.Context) {
	defer close(e.done)
	for {
		e.mu.Lock()
		id, ok := e.queue.pop()
		e.mu.Unlock()

		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-e.wake:
			}
			continue
		}

		e.process(ctx, id)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}
