// Package workflows is the definition lifecycle surface: create,
// update, status transitions, and reads. Every write goes through the
// full validator first.
package workflows

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/weft-labs/weft/internal/diagram"
	"github.com/weft-labs/weft/internal/store"
	"github.com/weft-labs/weft/internal/validation"
	"github.com/weft-labs/weft/pkg/schema"
)

// Service manages workflow definitions. Definitions are archived, never
// deleted, so execution history always has something to point at.
type Service struct {
	store     store.Store
	validator *validation.WorkflowValidator
	parser    cron.Parser
	logger    *slog.Logger
}

// NewService creates a workflow service.
func NewService(s store.Store, validator *validation.WorkflowValidator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     s,
		validator: validator,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:    logger,
	}
}

// Create validates and persists a new workflow definition. The write is
// blocked when validation reports errors. New definitions start as
// drafts unless the caller sets a status explicitly.
func (s *Service) Create(ctx context.Context, def *schema.WorkflowDefinition) error {
	if def == nil || def.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition requires an id")
	}

	if _, err := s.store.GetWorkflow(ctx, def.ID); err == nil {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", def.ID)
	} else if schema.ErrorCode(err) != schema.ErrCodeNotFound {
		return err
	}

	if err := s.validator.ValidateDefinition(ctx, def); err != nil {
		return err
	}

	now := time.Now().UTC()
	if def.Version == 0 {
		def.Version = 1
	}
	if def.Status == "" {
		def.Status = schema.WorkflowDraft
	}
	def.CreatedAt = now
	def.UpdatedAt = now
	if err := s.primeSchedule(def, now); err != nil {
		return err
	}

	if err := s.store.SaveWorkflow(ctx, def); err != nil {
		return err
	}
	s.logger.Info("workflow created",
		slog.String("workflow_id", def.ID),
		slog.Int("version", def.Version),
		slog.String("status", string(def.Status)),
	)
	return nil
}

// Update validates and persists a new revision of an existing
// definition. The version is bumped and creation time and stats are
// carried over from the stored revision. Archived workflows are
// immutable.
func (s *Service) Update(ctx context.Context, def *schema.WorkflowDefinition) error {
	if def == nil || def.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition requires an id")
	}

	existing, err := s.store.GetWorkflow(ctx, def.ID)
	if err != nil {
		return err
	}
	if existing.Status == schema.WorkflowArchived {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "workflow %q is archived and cannot be updated", def.ID)
	}

	if err := s.validator.ValidateDefinition(ctx, def); err != nil {
		return err
	}

	now := time.Now().UTC()
	def.Version = existing.Version + 1
	if def.Status == "" {
		def.Status = existing.Status
	}
	def.CreatedAt = existing.CreatedAt
	def.Stats = existing.Stats
	def.UpdatedAt = now
	if err := s.primeSchedule(def, now); err != nil {
		return err
	}

	if err := s.store.UpdateWorkflow(ctx, def); err != nil {
		return err
	}
	s.logger.Info("workflow updated",
		slog.String("workflow_id", def.ID),
		slog.Int("version", def.Version),
	)
	return nil
}

// Get returns a workflow definition by ID.
func (s *Service) Get(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	return s.store.GetWorkflow(ctx, id)
}

// List returns definitions matching the filter.
func (s *Service) List(ctx context.Context, filter store.WorkflowFilter) ([]*schema.WorkflowDefinition, error) {
	return s.store.ListWorkflows(ctx, filter)
}

// Mermaid renders the workflow graph as a Mermaid flowchart.
func (s *Service) Mermaid(ctx context.Context, id string) (string, error) {
	def, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return "", err
	}
	return diagram.Mermaid(def), nil
}

// Activate transitions a workflow to active so it can be executed.
func (s *Service) Activate(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, schema.WorkflowActive)
}

// Pause transitions a workflow to paused. Running executions finish;
// new ones are rejected by the engine.
func (s *Service) Pause(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, schema.WorkflowPaused)
}

// Archive retires a workflow. Archived is terminal and the definition
// stays in the store for execution history.
func (s *Service) Archive(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, schema.WorkflowArchived)
}

func (s *Service) setStatus(ctx context.Context, id string, status schema.WorkflowStatus) error {
	def, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if def.Status == status {
		return nil
	}
	if def.Status == schema.WorkflowArchived {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "workflow %q is archived", id)
	}
	if err := s.store.UpdateWorkflowStatus(ctx, id, status); err != nil {
		return err
	}
	s.logger.Info("workflow status changed",
		slog.String("workflow_id", id),
		slog.String("from", string(def.Status)),
		slog.String("to", string(status)),
	)
	return nil
}

// primeSchedule computes the first next-run time for an enabled
// schedule so the scheduler can pick it up on its next tick.
func (s *Service) primeSchedule(def *schema.WorkflowDefinition, now time.Time) error {
	if def.Schedule == nil || !def.Schedule.Enabled {
		return nil
	}
	sched, err := s.parser.Parse(def.Schedule.CronExpr)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid cron expression %q: %v", def.Schedule.CronExpr, err)
	}
	next := sched.Next(now)
	def.Schedule.NextRunAt = &next
	return nil
}
