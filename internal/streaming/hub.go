// Package streaming delivers execution progress events to in-process
// subscribers. The engine publishes; watchers subscribe with a filter.
package streaming

import (
	"context"
	"time"
)

// Event types published by the engine.
const (
	EventExecutionStarted  = "execution.started"
	EventExecutionFinished = "execution.finished"
	EventStepStarted       = "step.started"
	EventStepFinished      = "step.finished"
)

// Event is a single execution progress notification.
type Event struct {
	Type        string         `json:"type"`
	WorkflowID  string         `json:"workflow_id"`
	ExecutionID string         `json:"execution_id"`
	NodeID      string         `json:"node_id,omitempty"`
	Status      string         `json:"status,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	At          time.Time      `json:"at"`
}

// Filter narrows which events a subscriber receives. Zero values match
// everything.
type Filter struct {
	WorkflowID  string
	ExecutionID string
	Types       []string
}

// Hub is the pub/sub contract between the engine and watchers.
type Hub interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)
}
