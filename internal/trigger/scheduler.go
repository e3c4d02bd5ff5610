package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/robfig/cron/v3"

	"github.com/skeinhq/skein/internal/store"
	"github.com/skeinhq/skein/pkg/schema"
)

// RunSubmitter is the interface the scheduler uses to launch runs.
// Satisfied by the engine (avoids import cycle).
type RunSubmitter interface {
	SubmitRun(ctx context.Context, wf *schema.WorkflowGraph, inputs map[string]schema.WireValue) (string, error)
}

// Scheduler polls the store for due triggers and submits runs for them. A
// trigger may carry an optional boolean filter expression evaluated just
// before firing; a false result skips that occurrence.
type Scheduler struct {
	store     store.Store
	submitter RunSubmitter
	parser    cron.Parser
	logger    *slog.Logger
	cancel    context.CancelFunc
	done      chan struct{}
	mu        sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // trigger IDs currently firing (dedup)

	filterMu sync.Mutex
	filters  map[string]*vm.Program // compiled filter cache
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, submitter RunSubmitter, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:     s,
		submitter: submitter,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:    logger,
		inflight:  make(map[string]struct{}),
		filters:   make(map[string]*vm.Program),
	}
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("trigger scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("trigger scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled triggers and fires those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	triggers, err := s.store.ListTriggers(ctx, store.TriggerFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list triggers", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, t := range triggers {
		if t.NextRunAt == nil || !t.NextRunAt.After(now) {
			if !s.tryAcquire(t.ID) {
				continue // already firing (dedup)
			}
			if err := s.fire(ctx, t, now); err != nil {
				s.logger.Error("failed to fire trigger",
					slog.String("trigger_id", t.ID),
					slog.String("error", err.Error()),
				)
			}
			s.release(t.ID)
		}
	}
}

// fire submits one run for a due trigger and updates its timestamps.
func (s *Scheduler) fire(ctx context.Context, t *store.Trigger, now time.Time) error {
	s.logger.Info("firing trigger",
		slog.String("trigger_id", t.ID),
		slog.String("graph_id", t.GraphID),
	)

	if t.Filter != "" {
		pass, err := s.evalFilter(t, now)
		if err != nil {
			s.logger.Error("trigger filter failed",
				slog.String("trigger_id", t.ID),
				slog.String("error", err.Error()),
			)
			return s.updateStatus(ctx, t, now, "filter_error")
		}
		if !pass {
			return s.updateStatus(ctx, t, now, "filtered")
		}
	}

	graph, err := s.store.GetGraph(ctx, t.GraphID)
	if err != nil {
		s.logger.Error("trigger references missing graph",
			slog.String("trigger_id", t.ID),
			slog.String("graph_id", t.GraphID),
		)
		return s.updateStatus(ctx, t, now, "error")
	}

	_, err = s.submitter.SubmitRun(ctx, &graph.Spec, t.Inputs)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("trigger run submission failed",
			slog.String("trigger_id", t.ID),
			slog.String("error", err.Error()),
		)
	}

	return s.updateStatus(ctx, t, now, status)
}

// evalFilter compiles (with caching) and evaluates a trigger's filter
// expression. The expression sees the fire time and the trigger's own state.
func (s *Scheduler) evalFilter(t *store.Trigger, now time.Time) (bool, error) {
	env := filterEnv(t, now)

	s.filterMu.Lock()
	program, ok := s.filters[t.Filter]
	s.filterMu.Unlock()

	if !ok {
		var err error
		program, err = expr.Compile(t.Filter, expr.Env(env), expr.AsBool())
		if err != nil {
			return false, fmt.Errorf("compile filter %q: %w", t.Filter, err)
		}
		s.filterMu.Lock()
		s.filters[t.Filter] = program
		s.filterMu.Unlock()
	}

	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate filter %q: %w", t.Filter, err)
	}
	pass, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("filter %q did not yield a boolean", t.Filter)
	}
	return pass, nil
}

func filterEnv(t *store.Trigger, now time.Time) map[string]any {
	var lastRun time.Time
	if t.LastRunAt != nil {
		lastRun = *t.LastRunAt
	}
	return map[string]any{
		"now":             now,
		"hour":            now.Hour(),
		"minute":          now.Minute(),
		"weekday":         now.Weekday().String(),
		"graph_id":        t.GraphID,
		"last_run_at":     lastRun,
		"last_run_status": t.LastRunStatus,
	}
}

func (s *Scheduler) updateStatus(ctx context.Context, t *store.Trigger, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(t.CronExpr, now)
	if err != nil {
		return fmt.Errorf("calculate next run for trigger %q: %w", t.ID, err)
	}

	return s.store.UpdateTrigger(ctx, t.ID, store.TriggerUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the trigger as in-flight if it is not
// already firing.
func (s *Scheduler) tryAcquire(triggerID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[triggerID]; ok {
		return false
	}
	s.inflight[triggerID] = struct{}{}
	return true
}

// release removes the trigger from the in-flight set.
func (s *Scheduler) release(triggerID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, triggerID)
}

// CalculateNextRun computes the next fire time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
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

	s.logger.Info("trigger scheduler stopped")
	return nil
}

// RecoverMissed fires triggers whose next_run_at passed while the process was
// down. Each missed trigger fires once, regardless of how many occurrences
// were skipped.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	triggers, err := s.store.ListTriggers(ctx, store.TriggerFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed triggers: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, t := range triggers {
		if t.NextRunAt != nil && t.NextRunAt.Before(now) {
			if !s.tryAcquire(t.ID) {
				continue
			}
			if err := s.fire(ctx, t, now); err != nil {
				s.logger.Error("failed to recover missed trigger",
					slog.String("trigger_id", t.ID),
					slog.String("error", err.Error()),
				)
				s.release(t.ID)
				continue
			}
			s.release(t.ID)
			recovered++
		}
	}

	if recovered > 0 {
		s.logger.Info("recovered missed triggers", slog.Int("count", recovered))
	}
	return nil
}
