// Package store persists workflow definitions, executions, steps,
// logs, and schedules in libSQL.
package store

import (
	"context"
	"time"

	"github.com/weft-labs/weft/pkg/schema"
)

// WorkflowFilter narrows ListWorkflows results.
type WorkflowFilter struct {
	Status *schema.WorkflowStatus
	Limit  int
	Offset int
}

// ExecutionFilter narrows ListExecutions results.
type ExecutionFilter struct {
	WorkflowID string
	Status     *schema.ExecutionStatus
	Limit      int
}

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows. Definitions are archived via status, never deleted.
	SaveWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error
	GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	UpdateWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error
	UpdateWorkflowStatus(ctx context.Context, id string, status schema.WorkflowStatus) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.WorkflowDefinition, error)

	// UpdateWorkflowStats merges one terminal execution into the
	// workflow aggregates as a single atomic statement.
	UpdateWorkflowStats(ctx context.Context, id string, success bool, duration time.Duration) error

	// Executions
	SaveExecution(ctx context.Context, ex *schema.WorkflowExecution) error
	UpdateExecution(ctx context.Context, ex *schema.WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*schema.WorkflowExecution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.WorkflowExecution, error)

	// Steps. One row per node visit; finalized rows are immutable.
	SaveStep(ctx context.Context, step *schema.StepExecution) error
	UpdateStep(ctx context.Context, step *schema.StepExecution) error
	ListSteps(ctx context.Context, executionID string) ([]*schema.StepExecution, error)

	// Logs (append-only, monotonic seq per execution)
	AppendLog(ctx context.Context, executionID string, entry *schema.ExecutionLog) error
	GetLogs(ctx context.Context, executionID string) ([]*schema.ExecutionLog, error)

	// Schedules
	DueSchedules(ctx context.Context, now time.Time) ([]*schema.WorkflowDefinition, error)
	UpdateScheduleRun(ctx context.Context, workflowID string, lastRun, nextRun time.Time) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
