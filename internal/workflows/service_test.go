package workflows

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weft-labs/weft/internal/store"
	"github.com/weft-labs/weft/internal/validation"
	"github.com/weft-labs/weft/pkg/schema"
)

// wfStore stubs the definition methods the service uses.
type wfStore struct {
	store.Store

	mu        sync.Mutex
	workflows map[string]*schema.WorkflowDefinition
}

func newWFStore() *wfStore {
	return &wfStore{workflows: make(map[string]*schema.WorkflowDefinition)}
}

func (s *wfStore) SaveWorkflow(_ context.Context, def *schema.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *def
	s.workflows[def.ID] = &cp
	return nil
}

func (s *wfStore) GetWorkflow(_ context.Context, id string) (*schema.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.workflows[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	cp := *def
	return &cp, nil
}

func (s *wfStore) UpdateWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error {
	return s.SaveWorkflow(ctx, def)
}

func (s *wfStore) UpdateWorkflowStatus(_ context.Context, id string, status schema.WorkflowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.workflows[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	def.Status = status
	return nil
}

func (s *wfStore) ListWorkflows(_ context.Context, filter store.WorkflowFilter) ([]*schema.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*schema.WorkflowDefinition
	for _, def := range s.workflows {
		if filter.Status != nil && def.Status != *filter.Status {
			continue
		}
		cp := *def
		out = append(out, &cp)
	}
	return out, nil
}

func newTestService(t *testing.T) (*Service, *wfStore) {
	t.Helper()
	wv, err := validation.NewWorkflowValidator(nil, nil)
	require.NoError(t, err)
	st := newWFStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(st, wv, logger), st
}

func minimalWorkflow(id string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:   id,
		Name: id,
		Nodes: []schema.WorkflowNode{
			{ID: "start", Type: schema.NodeStart},
			{ID: "end", Type: schema.NodeEnd},
		},
		Edges: []schema.WorkflowEdge{
			{ID: "e1", Source: "start", Target: "end"},
		},
	}
}

func TestCreate_AppliesDefaults(t *testing.T) {
	svc, st := newTestService(t)

	def := minimalWorkflow("wf-1")
	require.NoError(t, svc.Create(context.Background(), def))

	stored, err := st.GetWorkflow(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Version)
	assert.Equal(t, schema.WorkflowDraft, stored.Status)
	assert.False(t, stored.CreatedAt.IsZero())
	assert.Equal(t, stored.CreatedAt, stored.UpdatedAt)
}

func TestCreate_RejectsDuplicate(t *testing.T) {
	svc, _ := newTestService(t)

	require.NoError(t, svc.Create(context.Background(), minimalWorkflow("wf-1")))

	err := svc.Create(context.Background(), minimalWorkflow("wf-1"))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))
}

func TestCreate_BlocksOnValidationErrors(t *testing.T) {
	svc, st := newTestService(t)

	def := minimalWorkflow("wf-broken")
	def.Edges = nil // start and end lose their edge coverage

	err := svc.Create(context.Background(), def)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	_, err = st.GetWorkflow(context.Background(), "wf-broken")
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

func TestCreate_PrimesEnabledSchedule(t *testing.T) {
	svc, st := newTestService(t)

	def := minimalWorkflow("wf-sched")
	def.Schedule = &schema.WorkflowSchedule{CronExpr: "*/5 * * * *", Enabled: true}

	before := time.Now().UTC()
	require.NoError(t, svc.Create(context.Background(), def))

	stored, err := st.GetWorkflow(context.Background(), "wf-sched")
	require.NoError(t, err)
	require.NotNil(t, stored.Schedule.NextRunAt)
	assert.True(t, stored.Schedule.NextRunAt.After(before))
}

func TestCreate_RejectsInvalidCron(t *testing.T) {
	svc, _ := newTestService(t)

	def := minimalWorkflow("wf-badcron")
	def.Schedule = &schema.WorkflowSchedule{CronExpr: "every day at noon", Enabled: true}

	err := svc.Create(context.Background(), def)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestUpdate_BumpsVersionAndPreservesStats(t *testing.T) {
	svc, st := newTestService(t)

	require.NoError(t, svc.Create(context.Background(), minimalWorkflow("wf-1")))

	// Simulate executions having run against revision 1.
	st.mu.Lock()
	st.workflows["wf-1"].Stats = schema.WorkflowStats{ExecutionCount: 7, SuccessCount: 6}
	created := st.workflows["wf-1"].CreatedAt
	st.mu.Unlock()

	rev := minimalWorkflow("wf-1")
	rev.Description = "second revision"
	require.NoError(t, svc.Update(context.Background(), rev))

	stored, err := st.GetWorkflow(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Version)
	assert.Equal(t, "second revision", stored.Description)
	assert.Equal(t, 7, stored.Stats.ExecutionCount)
	assert.Equal(t, created, stored.CreatedAt)
	assert.True(t, stored.UpdatedAt.After(created) || stored.UpdatedAt.Equal(created))
}

func TestUpdate_UnknownWorkflow(t *testing.T) {
	svc, _ := newTestService(t)

	err := svc.Update(context.Background(), minimalWorkflow("wf-ghost"))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

func TestStatusTransitions(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Create(ctx, minimalWorkflow("wf-1")))

	require.NoError(t, svc.Activate(ctx, "wf-1"))
	stored, _ := st.GetWorkflow(ctx, "wf-1")
	assert.Equal(t, schema.WorkflowActive, stored.Status)

	require.NoError(t, svc.Pause(ctx, "wf-1"))
	stored, _ = st.GetWorkflow(ctx, "wf-1")
	assert.Equal(t, schema.WorkflowPaused, stored.Status)

	require.NoError(t, svc.Archive(ctx, "wf-1"))
	stored, _ = st.GetWorkflow(ctx, "wf-1")
	assert.Equal(t, schema.WorkflowArchived, stored.Status)

	// Archived is terminal.
	err := svc.Activate(ctx, "wf-1")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(err))

	err = svc.Update(ctx, minimalWorkflow("wf-1"))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(err))

	// Archiving twice is a no-op, not an error.
	require.NoError(t, svc.Archive(ctx, "wf-1"))
}

func TestMermaid(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Create(ctx, minimalWorkflow("wf-1")))

	out, err := svc.Mermaid(ctx, "wf-1")
	require.NoError(t, err)
	assert.Contains(t, out, "graph TD")
	assert.Contains(t, out, "start --> end")

	_, err = svc.Mermaid(ctx, "wf-ghost")
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

func TestList_FiltersByStatus(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Create(ctx, minimalWorkflow("wf-a")))
	require.NoError(t, svc.Create(ctx, minimalWorkflow("wf-b")))
	require.NoError(t, svc.Activate(ctx, "wf-b"))

	active := schema.WorkflowActive
	out, err := svc.List(ctx, store.WorkflowFilter{Status: &active})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "wf-b", out[0].ID)
}
