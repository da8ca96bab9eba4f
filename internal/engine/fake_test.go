package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/weft-labs/weft/internal/backends"
	"github.com/weft-labs/weft/internal/store"
	"github.com/weft-labs/weft/pkg/schema"
)

// memStore is an in-memory Store for engine tests.
type memStore struct {
	mu         sync.Mutex
	workflows  map[string]*schema.WorkflowDefinition
	executions map[string]*schema.WorkflowExecution
	steps      map[string][]*schema.StepExecution
	logs       map[string][]*schema.ExecutionLog
	statsCalls []statsCall
}

type statsCall struct {
	workflowID string
	success    bool
	duration   time.Duration
}

func newMemStore() *memStore {
	return &memStore{
		workflows:  make(map[string]*schema.WorkflowDefinition),
		executions: make(map[string]*schema.WorkflowExecution),
		steps:      make(map[string][]*schema.StepExecution),
		logs:       make(map[string][]*schema.ExecutionLog),
	}
}

func (m *memStore) SaveWorkflow(_ context.Context, def *schema.WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *def
	m.workflows[def.ID] = &cp
	return nil
}

func (m *memStore) GetWorkflow(_ context.Context, id string) (*schema.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.workflows[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	cp := *def
	return &cp, nil
}

func (m *memStore) UpdateWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error {
	return m.SaveWorkflow(ctx, def)
}

func (m *memStore) UpdateWorkflowStatus(_ context.Context, id string, status schema.WorkflowStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.workflows[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	def.Status = status
	return nil
}

func (m *memStore) ListWorkflows(_ context.Context, _ store.WorkflowFilter) ([]*schema.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.WorkflowDefinition
	for _, def := range m.workflows {
		cp := *def
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) UpdateWorkflowStats(_ context.Context, id string, success bool, duration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statsCalls = append(m.statsCalls, statsCall{workflowID: id, success: success, duration: duration})
	return nil
}

func (m *memStore) SaveExecution(_ context.Context, ex *schema.WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ex
	m.executions[ex.ID] = &cp
	return nil
}

func (m *memStore) UpdateExecution(ctx context.Context, ex *schema.WorkflowExecution) error {
	return m.SaveExecution(ctx, ex)
}

func (m *memStore) GetExecution(_ context.Context, id string) (*schema.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.executions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	cp := *ex
	return &cp, nil
}

func (m *memStore) ListExecutions(_ context.Context, filter store.ExecutionFilter) ([]*schema.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.WorkflowExecution
	for _, ex := range m.executions {
		if filter.WorkflowID != "" && ex.WorkflowID != filter.WorkflowID {
			continue
		}
		cp := *ex
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) SaveStep(_ context.Context, step *schema.StepExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *step
	m.steps[step.ExecutionID] = append(m.steps[step.ExecutionID], &cp)
	return nil
}

func (m *memStore) UpdateStep(_ context.Context, step *schema.StepExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.steps[step.ExecutionID] {
		if s.ID == step.ID {
			cp := *step
			m.steps[step.ExecutionID][i] = &cp
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeNotFound, "step %q not found", step.ID)
}

func (m *memStore) ListSteps(_ context.Context, executionID string) ([]*schema.StepExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps := m.steps[executionID]
	out := make([]*schema.StepExecution, len(steps))
	for i, s := range steps {
		cp := *s
		out[i] = &cp
	}
	return out, nil
}

func (m *memStore) AppendLog(_ context.Context, executionID string, entry *schema.ExecutionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.Seq = len(m.logs[executionID]) + 1
	cp := *entry
	m.logs[executionID] = append(m.logs[executionID], &cp)
	return nil
}

func (m *memStore) GetLogs(_ context.Context, executionID string) ([]*schema.ExecutionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	logs := m.logs[executionID]
	out := make([]*schema.ExecutionLog, len(logs))
	copy(out, logs)
	return out, nil
}

func (m *memStore) DueSchedules(_ context.Context, _ time.Time) ([]*schema.WorkflowDefinition, error) {
	return nil, nil
}

func (m *memStore) UpdateScheduleRun(_ context.Context, _ string, _, _ time.Time) error {
	return nil
}

func (m *memStore) Migrate(_ context.Context) error { return nil }
func (m *memStore) Close() error                    { return nil }

func (m *memStore) stats() []statsCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]statsCall, len(m.statsCalls))
	copy(out, m.statsCalls)
	return out
}

var _ store.Store = (*memStore)(nil)

// fakeAgentRunner scripts agent behavior per agent ID and records the
// order of calls.
type fakeAgentRunner struct {
	mu      sync.Mutex
	calls   []string
	prompts []string
	failFor map[string]bool

	// when set, RunAgent announces itself on started and blocks until
	// release is closed.
	started chan string
	release chan struct{}
}

func newFakeAgentRunner() *fakeAgentRunner {
	return &fakeAgentRunner{failFor: make(map[string]bool)}
}

func (f *fakeAgentRunner) RunAgent(ctx context.Context, agentID, prompt string, _ backends.AgentOptions) (*backends.AgentResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, agentID)
	f.prompts = append(f.prompts, prompt)
	fail := f.failFor[agentID]
	started := f.started
	release := f.release
	f.mu.Unlock()

	if started != nil {
		started <- agentID
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if fail {
		return nil, schema.NewErrorf(schema.ErrCodeBackend, "agent %q exploded", agentID)
	}
	return &backends.AgentResult{
		ID:         "ext-" + agentID,
		Content:    "reply to: " + prompt,
		TokensUsed: 5,
		Cost:       0.01,
	}, nil
}

func (f *fakeAgentRunner) callOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// fakeToolRunner returns a canned payload per tool ID.
type fakeToolRunner struct {
	mu     sync.Mutex
	calls  []string
	output map[string]any
}

func (f *fakeToolRunner) RunTool(_ context.Context, serverID, toolID string, params map[string]any) (*backends.ToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf("%s/%s", serverID, toolID))
	f.mu.Unlock()
	out := f.output
	if out == nil {
		out = map[string]any{"echo": params}
	}
	return &backends.ToolResult{ID: "tool-ext-1", Output: out, Cost: 0.001}, nil
}

func (f *fakeToolRunner) ServerStatus(_ context.Context, _ string) (string, error) {
	return backends.StatusConnected, nil
}
