package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weft-labs/weft/internal/backends"
	"github.com/weft-labs/weft/pkg/schema"
)

func newTestEngine(t *testing.T, st *memStore, agents backends.AgentRunner, tools backends.ToolRunner) (*Engine, *backends.MemoryChatHistory) {
	t.Helper()
	history := backends.NewMemoryChatHistory()
	e, err := New(
		Deps{Store: st, Agents: agents, Tools: tools, History: history},
		Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))},
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})
	return e, history
}

func agentWorkflow(id string, priority schema.Priority, agentID string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:      id,
		Name:    id,
		Version: 1,
		Status:  schema.WorkflowActive,
		Config:  schema.WorkflowConfig{Priority: priority},
		Nodes: []schema.WorkflowNode{
			{ID: "start", Type: schema.NodeStart},
			{ID: "agent", Type: schema.NodeAgent, Config: map[string]any{"agent_id": agentID, "prompt": "Say hi"}},
			{ID: "end", Type: schema.NodeEnd},
		},
		Edges: []schema.WorkflowEdge{
			{ID: "e1", Source: "start", Target: "agent"},
			{ID: "e2", Source: "agent", Target: "end"},
		},
	}
}

func waitStatus(t *testing.T, st *memStore, executionID string, want schema.ExecutionStatus) *schema.WorkflowExecution {
	t.Helper()
	var ex *schema.WorkflowExecution
	require.Eventually(t, func() bool {
		got, err := st.GetExecution(context.Background(), executionID)
		if err != nil {
			return false
		}
		ex = got
		return got.Status == want
	}, 5*time.Second, 10*time.Millisecond, "execution %s never reached %s", executionID, want)
	return ex
}

func TestExecute_RequiresActiveWorkflow(t *testing.T) {
	st := newMemStore()
	e, _ := newTestEngine(t, st, newFakeAgentRunner(), nil)

	def := agentWorkflow("wf-draft", schema.PriorityMedium, "writer")
	def.Status = schema.WorkflowDraft
	require.NoError(t, st.SaveWorkflow(context.Background(), def))

	_, err := e.Execute(context.Background(), "wf-draft", nil, schema.TriggerContext{Type: "manual"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))
}

func TestExecute_ValidatesInputSchema(t *testing.T) {
	st := newMemStore()
	e, _ := newTestEngine(t, st, newFakeAgentRunner(), nil)

	def := agentWorkflow("wf-schema", schema.PriorityMedium, "writer")
	def.InputSchema = map[string]any{
		"type":     "object",
		"required": []any{"x"},
		"properties": map[string]any{
			"x": map[string]any{"type": "number"},
		},
	}
	require.NoError(t, st.SaveWorkflow(context.Background(), def))

	_, err := e.Execute(context.Background(), "wf-schema", map[string]any{}, schema.TriggerContext{Type: "manual"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	_, err = e.Execute(context.Background(), "wf-schema", map[string]any{"x": 3}, schema.TriggerContext{Type: "manual"})
	require.NoError(t, err)
}

func TestEndToEnd_StartAgentEnd(t *testing.T) {
	st := newMemStore()
	agents := newFakeAgentRunner()
	e, _ := newTestEngine(t, st, agents, nil)
	e.Start()

	require.NoError(t, st.SaveWorkflow(context.Background(), agentWorkflow("wf-1", schema.PriorityMedium, "writer")))

	ex, err := e.Execute(context.Background(), "wf-1", map[string]any{}, schema.TriggerContext{Type: "manual", Source: "test"})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionPending, ex.Status)

	done := waitStatus(t, st, ex.ID, schema.ExecutionCompleted)

	assert.NotEmpty(t, done.OutputData)
	assert.Equal(t, "reply to: Say hi", done.OutputData["agent_response"])
	assert.Equal(t, 5, done.TokensUsed)
	assert.InDelta(t, 0.01, done.TotalCost, 1e-9)
	assert.Equal(t, 1, done.APICallsMade)
	assert.ElementsMatch(t, []string{"start", "agent", "end"}, done.CompletedNodes)
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.FinishedAt)

	steps, err := st.ListSteps(context.Background(), ex.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, "start", steps[0].NodeID)
	assert.Equal(t, "agent", steps[1].NodeID)
	assert.Equal(t, "end", steps[2].NodeID)
	for _, s := range steps {
		assert.Equal(t, schema.StepCompleted, s.Status)
	}
	assert.Equal(t, "ext-writer", steps[1].ExternalID)
	assert.Equal(t, 5, steps[1].TokensUsed)

	// Stats updated exactly once, as a success.
	stats := st.stats()
	require.Len(t, stats, 1)
	assert.Equal(t, "wf-1", stats[0].workflowID)
	assert.True(t, stats[0].success)

	// Log stream is monotonic and brackets the run.
	logs, err := e.Logs(context.Background(), ex.ID)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, "execution started", logs[0].Message)
	assert.Equal(t, "execution completed", logs[len(logs)-1].Message)
	for i, l := range logs {
		assert.Equal(t, i+1, l.Seq)
	}
}

func TestPriorityOrdering(t *testing.T) {
	st := newMemStore()
	agents := newFakeAgentRunner()
	e, _ := newTestEngine(t, st, agents, nil)

	ctx := context.Background()
	require.NoError(t, st.SaveWorkflow(ctx, agentWorkflow("wf-low", schema.PriorityLow, "low")))
	require.NoError(t, st.SaveWorkflow(ctx, agentWorkflow("wf-high", schema.PriorityHigh, "high")))
	require.NoError(t, st.SaveWorkflow(ctx, agentWorkflow("wf-med", schema.PriorityMedium, "medium")))

	// Enqueue before the loop starts so ordering depends only on priority.
	var ids []string
	for _, wf := range []string{"wf-low", "wf-high", "wf-med"} {
		ex, err := e.Execute(ctx, wf, nil, schema.TriggerContext{Type: "manual"})
		require.NoError(t, err)
		ids = append(ids, ex.ID)
	}

	e.Start()
	for _, id := range ids {
		waitStatus(t, st, id, schema.ExecutionCompleted)
	}

	assert.Equal(t, []string{"high", "medium", "low"}, agents.callOrder())
}

func TestConditionRouting(t *testing.T) {
	def := &schema.WorkflowDefinition{
		ID: "wf-route", Name: "route", Version: 1, Status: schema.WorkflowActive,
		Nodes: []schema.WorkflowNode{
			{ID: "start", Type: schema.NodeStart},
			{ID: "check", Type: schema.NodeCondition, Config: map[string]any{
				"condition": map[string]any{"field": "input.x", "operator": "greater_than", "value": 5},
			}},
			{ID: "end_high", Type: schema.NodeEnd},
			{ID: "end_low", Type: schema.NodeEnd},
		},
		Edges: []schema.WorkflowEdge{
			{ID: "e1", Source: "start", Target: "check"},
			{ID: "e2", Source: "check", Target: "end_high", Type: schema.EdgeConditional,
				Condition: &schema.WorkflowCondition{Field: "condition_met", Operator: schema.OpEquals, Value: true}},
			{ID: "e3", Source: "check", Target: "end_low", Type: schema.EdgeConditional,
				Condition: &schema.WorkflowCondition{Field: "condition_met", Operator: schema.OpEquals, Value: false}},
		},
	}

	cases := []struct {
		name    string
		x       any
		wantEnd string
		skipEnd string
	}{
		{"high road", 10, "end_high", "end_low"},
		{"low road", 1, "end_low", "end_high"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := newMemStore()
			e, _ := newTestEngine(t, st, newFakeAgentRunner(), nil)
			e.Start()
			require.NoError(t, st.SaveWorkflow(context.Background(), def))

			ex, err := e.Execute(context.Background(), "wf-route", map[string]any{"x": tc.x}, schema.TriggerContext{Type: "manual"})
			require.NoError(t, err)

			done := waitStatus(t, st, ex.ID, schema.ExecutionCompleted)
			assert.Contains(t, done.CompletedNodes, tc.wantEnd)
			assert.NotContains(t, done.CompletedNodes, tc.skipEnd)
		})
	}
}

func TestOnErrorRetry_ExhaustedAttempts(t *testing.T) {
	st := newMemStore()
	agents := newFakeAgentRunner()
	agents.failFor["boom"] = true
	e, _ := newTestEngine(t, st, agents, nil)
	e.Start()

	def := agentWorkflow("wf-retry", schema.PriorityMedium, "boom")
	def.Nodes[1].OnError = schema.OnErrorRetry
	def.Nodes[1].RetryConfig = &schema.RetryConfig{MaxAttempts: 2, DelaySeconds: 0}
	require.NoError(t, st.SaveWorkflow(context.Background(), def))

	ex, err := e.Execute(context.Background(), "wf-retry", nil, schema.TriggerContext{Type: "manual"})
	require.NoError(t, err)

	done := waitStatus(t, st, ex.ID, schema.ExecutionFailed)
	assert.Contains(t, done.ErrorMessage, "after 2 attempts")
	assert.Equal(t, 1, done.RetryCount)
	assert.Contains(t, done.FailedNodes, "agent")

	steps, err := st.ListSteps(context.Background(), ex.ID)
	require.NoError(t, err)

	var agentSteps []*schema.StepExecution
	for _, s := range steps {
		if s.NodeID == "agent" {
			agentSteps = append(agentSteps, s)
		}
	}
	require.Len(t, agentSteps, 2)
	assert.Equal(t, 0, agentSteps[0].RetryCount)
	assert.Equal(t, 1, agentSteps[1].RetryCount)
	for _, s := range agentSteps {
		assert.Equal(t, schema.StepFailed, s.Status)
		assert.NotEmpty(t, s.ErrorMessage)
	}
}

func TestOnErrorContinue(t *testing.T) {
	st := newMemStore()
	agents := newFakeAgentRunner()
	agents.failFor["boom"] = true
	e, _ := newTestEngine(t, st, agents, nil)
	e.Start()

	def := agentWorkflow("wf-cont", schema.PriorityMedium, "boom")
	def.Nodes[1].OnError = schema.OnErrorContinue
	require.NoError(t, st.SaveWorkflow(context.Background(), def))

	ex, err := e.Execute(context.Background(), "wf-cont", nil, schema.TriggerContext{Type: "manual"})
	require.NoError(t, err)

	done := waitStatus(t, st, ex.ID, schema.ExecutionCompleted)
	assert.Contains(t, done.FailedNodes, "agent")
	assert.Contains(t, done.CompletedNodes, "end")
	assert.NotContains(t, done.OutputData, "agent_response")
}

func TestOnErrorGoto_FallsBackToStop(t *testing.T) {
	st := newMemStore()
	agents := newFakeAgentRunner()
	agents.failFor["boom"] = true
	e, _ := newTestEngine(t, st, agents, nil)
	e.Start()

	def := agentWorkflow("wf-goto", schema.PriorityMedium, "boom")
	def.Nodes[1].OnError = schema.OnErrorGoto
	def.Nodes[1].ErrorNodeID = "end"
	require.NoError(t, st.SaveWorkflow(context.Background(), def))

	ex, err := e.Execute(context.Background(), "wf-goto", nil, schema.TriggerContext{Type: "manual"})
	require.NoError(t, err)

	done := waitStatus(t, st, ex.ID, schema.ExecutionFailed)
	assert.NotContains(t, done.CompletedNodes, "end")

	logs, err := e.Logs(context.Background(), ex.ID)
	require.NoError(t, err)
	var sawGotoWarning bool
	for _, l := range logs {
		if l.Level == "warn" && l.NodeID == "agent" {
			sawGotoWarning = true
		}
	}
	assert.True(t, sawGotoWarning)
}

func TestCancelQueued(t *testing.T) {
	st := newMemStore()
	e, _ := newTestEngine(t, st, newFakeAgentRunner(), nil)

	require.NoError(t, st.SaveWorkflow(context.Background(), agentWorkflow("wf-q", schema.PriorityMedium, "writer")))

	ex, err := e.Execute(context.Background(), "wf-q", nil, schema.TriggerContext{Type: "manual"})
	require.NoError(t, err)

	require.NoError(t, e.Cancel(context.Background(), ex.ID))
	got, err := st.GetExecution(context.Background(), ex.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCancelled, got.Status)

	// Starting the loop afterwards must not resurrect it.
	e.Start()
	time.Sleep(50 * time.Millisecond)
	steps, err := st.ListSteps(context.Background(), ex.ID)
	require.NoError(t, err)
	assert.Empty(t, steps)

	// Cancelling a terminal execution is rejected.
	err = e.Cancel(context.Background(), ex.ID)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(err))
}

func TestCancelRunning_StopsAtNodeBoundary(t *testing.T) {
	st := newMemStore()
	agents := newFakeAgentRunner()
	agents.started = make(chan string, 1)
	agents.release = make(chan struct{})
	e, _ := newTestEngine(t, st, agents, nil)
	e.Start()

	require.NoError(t, st.SaveWorkflow(context.Background(), agentWorkflow("wf-c", schema.PriorityMedium, "writer")))

	ex, err := e.Execute(context.Background(), "wf-c", nil, schema.TriggerContext{Type: "manual"})
	require.NoError(t, err)

	// Wait until the agent node is mid-flight, then cancel and let it finish.
	<-agents.started
	require.NoError(t, e.Cancel(context.Background(), ex.ID))
	close(agents.release)

	done := waitStatus(t, st, ex.ID, schema.ExecutionCancelled)

	// The in-flight node completed; the next node never started.
	assert.Contains(t, done.CompletedNodes, "agent")
	steps, err := st.ListSteps(context.Background(), ex.ID)
	require.NoError(t, err)
	for _, s := range steps {
		assert.NotEqual(t, "end", s.NodeID)
	}
}

func TestAgentSessionHistory(t *testing.T) {
	st := newMemStore()
	agents := newFakeAgentRunner()
	e, history := newTestEngine(t, st, agents, nil)
	e.Start()

	def := agentWorkflow("wf-sess", schema.PriorityMedium, "writer")
	def.Nodes[1].Config["session_id"] = "sess-1"
	require.NoError(t, st.SaveWorkflow(context.Background(), def))

	ex, err := e.Execute(context.Background(), "wf-sess", nil, schema.TriggerContext{Type: "manual"})
	require.NoError(t, err)
	waitStatus(t, st, ex.ID, schema.ExecutionCompleted)

	msgs, err := history.History(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "Say hi", msgs[0].Content)
	assert.Equal(t, "assistant", msgs[1].Role)
}
