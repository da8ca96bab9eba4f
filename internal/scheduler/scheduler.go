// Package scheduler is the cron front door: it polls for workflows
// whose schedule is due and enqueues executions through the engine's
// public entry point.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/weft-labs/weft/internal/store"
	"github.com/weft-labs/weft/pkg/schema"
)

// defaultTick is how often due schedules are checked.
const defaultTick = 60 * time.Second

// WorkflowExecutor is the engine surface the scheduler calls.
// Satisfied by *engine.Engine (interface avoids an import cycle).
type WorkflowExecutor interface {
	Execute(ctx context.Context, workflowID string, input map[string]any, trigger schema.TriggerContext) (*schema.WorkflowExecution, error)
}

// Scheduler polls the store for due workflow schedules and triggers
// executions, persisting last/next run times.
type Scheduler struct {
	store    store.Store
	executor WorkflowExecutor
	parser   cron.Parser
	tick     time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // workflow IDs currently triggering (dedup)
}

// NewScheduler creates a scheduler with the standard 5-field cron
// grammar (minute granularity).
func NewScheduler(s store.Store, executor WorkflowExecutor, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		executor: executor,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		tick:     defaultTick,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("tick", s.tick))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick triggers every due schedule once. Exported so callers can force
// a check outside the ticker cadence.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("list due schedules failed", slog.String("error", err.Error()))
		return
	}

	for _, def := range due {
		if !s.tryAcquire(def.ID) {
			continue // previous trigger for this workflow still in flight
		}
		if err := s.trigger(ctx, def, now); err != nil {
			s.logger.Error("trigger scheduled workflow failed",
				slog.String("workflow_id", def.ID),
				slog.String("error", err.Error()),
			)
		}
		s.release(def.ID)
	}
}

// trigger enqueues one scheduled execution and rolls the schedule
// forward. The next run time advances even when Execute fails, so a
// persistently broken workflow does not fire every tick.
func (s *Scheduler) trigger(ctx context.Context, def *schema.WorkflowDefinition, now time.Time) error {
	if def.Schedule == nil || def.Schedule.CronExpr == "" {
		return fmt.Errorf("workflow %q has no cron expression", def.ID)
	}

	nextRun, err := s.NextRun(def.Schedule.CronExpr, now)
	if err != nil {
		return err
	}

	_, execErr := s.executor.Execute(ctx, def.ID, nil, schema.TriggerContext{
		Type:      "schedule",
		Source:    def.Schedule.CronExpr,
		Scheduled: true,
	})
	if execErr != nil {
		s.logger.Error("scheduled execution rejected",
			slog.String("workflow_id", def.ID),
			slog.String("error", execErr.Error()),
		)
	} else {
		s.logger.Info("scheduled execution enqueued",
			slog.String("workflow_id", def.ID),
			slog.String("next_run_at", nextRun.Format(time.RFC3339)),
		)
	}

	if err := s.store.UpdateScheduleRun(ctx, def.ID, now, nextRun); err != nil {
		return fmt.Errorf("update schedule for %q: %w", def.ID, err)
	}
	return execErr
}

// NextRun computes the next fire time for a cron expression.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

func (s *Scheduler) tryAcquire(workflowID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[workflowID]; ok {
		return false
	}
	s.inflight[workflowID] = struct{}{}
	return true
}

func (s *Scheduler) release(workflowID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, workflowID)
}

// Stop shuts down the polling loop.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
