package schema

import "time"

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionTimeout   ExecutionStatus = "timeout"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionTimeout:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of a single node visit.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Priority orders executions in the engine queue.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank maps a priority to its queue tier. Lower rank dequeues first;
// unknown values sort with medium.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// TriggerContext records what started an execution.
type TriggerContext struct {
	Type      string `json:"type"` // manual | schedule | webhook
	Source    string `json:"source,omitempty"`
	Scheduled bool   `json:"scheduled,omitempty"`
}

// WorkflowExecution is one run of a workflow against a specific input.
// Mutated throughout the walk, immutable once terminal.
type WorkflowExecution struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	Status         ExecutionStatus `json:"status"`
	Trigger        TriggerContext  `json:"trigger"`
	Priority       Priority        `json:"priority"`
	InputData      map[string]any  `json:"input_data,omitempty"`
	OutputData     map[string]any  `json:"output_data,omitempty"`
	CurrentNodeID  string          `json:"current_node_id,omitempty"`
	CompletedNodes []string        `json:"completed_nodes,omitempty"`
	FailedNodes    []string        `json:"failed_nodes,omitempty"`
	Steps          []StepExecution `json:"steps,omitempty"`
	Logs           []ExecutionLog  `json:"logs,omitempty"`
	TotalCost      float64         `json:"total_cost"`
	TokensUsed     int             `json:"tokens_used"`
	APICallsMade   int             `json:"api_calls_made"`
	RetryCount     int             `json:"retry_count"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}

// StepExecution records one node visit. Retried nodes produce one step
// record per attempt. Finalized at node exit and immutable thereafter.
type StepExecution struct {
	ID           string         `json:"id"`
	ExecutionID  string         `json:"execution_id"`
	NodeID       string         `json:"node_id"`
	NodeType     NodeType       `json:"node_type"`
	Status       StepStatus     `json:"status"`
	InputData    map[string]any `json:"input_data,omitempty"`
	OutputData   map[string]any `json:"output_data,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	RetryCount   int            `json:"retry_count"`
	Cost         float64        `json:"cost"`
	TokensUsed   int            `json:"tokens_used"`
	ExternalID   string         `json:"external_id,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
}

// ExecutionLog is one append-only log entry scoped to an execution.
// Seq is monotonic per execution.
type ExecutionLog struct {
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"` // debug | info | warn | error
	Message   string    `json:"message"`
	NodeID    string    `json:"node_id,omitempty"`
}

// ValidExecutionTransitions is the execution state machine. A missing
// key means the state is terminal.
var ValidExecutionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionPending: {ExecutionRunning, ExecutionCancelled},
	ExecutionRunning: {ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionTimeout},
}

// CanTransition reports whether from -> to is a legal execution
// status change.
func CanTransition(from, to ExecutionStatus) bool {
	for _, s := range ValidExecutionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
