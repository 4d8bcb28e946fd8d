// Copyright 2025 The Loom Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package scheduler turns schedules into executions: cron expressions,
// fixed intervals and one-shot run-at times all reduce to a next-run
// instant, and a polling loop enqueues whatever is due.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/flow"
)

// DefaultPollInterval is how often the loop checks for due schedules.
const DefaultPollInterval = time.Second

// Spec describes a schedule to create.
type Spec struct {
	WorkflowName string
	Input        any

	// Kind selects which of the following fields applies.
	Kind store.ScheduleKind

	// Expression is the cron expression for ScheduleCron.
	Expression string

	// Interval is the period for ScheduleInterval.
	Interval time.Duration

	// RunAt is the single firing time for ScheduleOnce.
	RunAt time.Time
}

// Scheduler owns the schedule lifecycle and the enqueue loop.
type Scheduler struct {
	schedules store.ScheduleStore
	contexts  store.ContextStore
	catalog   WorkflowResolver
	logger    *slog.Logger
	interval  time.Duration

	// onEnqueue, when set, is called with each newly scheduled execution ID
	// so the serving layer can notify waiting workers.
	onEnqueue func(executionID string)
}

// WorkflowResolver checks that a workflow name exists and supplies its
// declared resource requests.
type WorkflowResolver interface {
	Latest(ctx context.Context, name string) (*store.WorkflowRecord, error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPollInterval overrides the loop's poll period.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

// WithEnqueueNotify installs the new-execution callback.
func WithEnqueueNotify(fn func(executionID string)) Option {
	return func(s *Scheduler) { s.onEnqueue = fn }
}

// New creates a scheduler.
func New(schedules store.ScheduleStore, contexts store.ContextStore, catalog WorkflowResolver, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		schedules: schedules,
		contexts:  contexts,
		catalog:   catalog,
		logger:    logger,
		interval:  DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates a spec and stores the schedule with its first next-run.
func (s *Scheduler) Create(ctx context.Context, spec Spec) (*store.ScheduleRecord, error) {
	rec := &store.ScheduleRecord{Status: store.ScheduleActive}
	if err := s.applySpec(ctx, rec, spec); err != nil {
		return nil, err
	}
	if err := s.schedules.CreateSchedule(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Update replaces a schedule's workflow, input and trigger, recomputing the
// next run from now. Run and failure counters are preserved.
func (s *Scheduler) Update(ctx context.Context, id string, spec Spec) (*store.ScheduleRecord, error) {
	rec, err := s.schedules.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == store.ScheduleFinished {
		return nil, fmt.Errorf("scheduler: schedule %s has finished", id)
	}
	rec.RunAt = nil
	rec.Expression = ""
	rec.Interval = 0
	if err := s.applySpec(ctx, rec, spec); err != nil {
		return nil, err
	}
	if err := s.schedules.UpdateSchedule(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// applySpec validates the spec and writes its trigger onto rec, with the
// next run computed from now.
func (s *Scheduler) applySpec(ctx context.Context, rec *store.ScheduleRecord, spec Spec) error {
	if spec.WorkflowName == "" {
		return fmt.Errorf("scheduler: workflow name must not be empty")
	}
	if _, err := s.catalog.Latest(ctx, spec.WorkflowName); err != nil {
		return err
	}

	now := time.Now().UTC()
	rec.WorkflowName = spec.WorkflowName
	rec.Input = spec.Input
	rec.Kind = spec.Kind

	switch spec.Kind {
	case store.ScheduleCron:
		expr, err := ParseCron(spec.Expression)
		if err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		rec.Expression = spec.Expression
		next := expr.Next(now)
		rec.NextRun = &next
	case store.ScheduleInterval:
		if spec.Interval <= 0 {
			return fmt.Errorf("scheduler: interval must be positive")
		}
		rec.Interval = spec.Interval
		next := now.Add(spec.Interval)
		rec.NextRun = &next
	case store.ScheduleOnce:
		if spec.RunAt.IsZero() {
			return fmt.Errorf("scheduler: run_at must be set for a one-shot schedule")
		}
		runAt := spec.RunAt.UTC()
		rec.RunAt = &runAt
		rec.NextRun = &runAt
	default:
		return fmt.Errorf("scheduler: unknown schedule kind %q", spec.Kind)
	}
	return nil
}

// Pause stops an active schedule from firing. Already-enqueued executions
// are unaffected.
func (s *Scheduler) Pause(ctx context.Context, id string) (*store.ScheduleRecord, error) {
	rec, err := s.schedules.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != store.ScheduleActive {
		return nil, fmt.Errorf("scheduler: schedule %s is %s, not active", id, rec.Status)
	}
	rec.Status = store.SchedulePaused
	if err := s.schedules.UpdateSchedule(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Resume reactivates a paused schedule, recomputing its next run from now
// so missed firings are not replayed.
func (s *Scheduler) Resume(ctx context.Context, id string) (*store.ScheduleRecord, error) {
	rec, err := s.schedules.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != store.SchedulePaused {
		return nil, fmt.Errorf("scheduler: schedule %s is %s, not paused", id, rec.Status)
	}
	rec.Status = store.ScheduleActive
	next, err := s.nextRun(rec, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	rec.NextRun = next
	if err := s.schedules.UpdateSchedule(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes a schedule.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	return s.schedules.DeleteSchedule(ctx, id)
}

// Get returns one schedule.
func (s *Scheduler) Get(ctx context.Context, id string) (*store.ScheduleRecord, error) {
	return s.schedules.GetSchedule(ctx, id)
}

// List returns all schedules.
func (s *Scheduler) List(ctx context.Context) ([]*store.ScheduleRecord, error) {
	return s.schedules.ListSchedules(ctx)
}

// Run drives the enqueue loop until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick enqueues every due schedule.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.schedules.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("failed to list due schedules", "error", err)
		return
	}

	for _, rec := range due {
		if err := s.fire(ctx, rec, now); err != nil {
			s.logger.Error("failed to fire schedule",
				"schedule_id", rec.ID, "workflow", rec.WorkflowName, "error", err)
			rec.FailureCount++
			if uerr := s.schedules.UpdateSchedule(ctx, rec); uerr != nil {
				s.logger.Error("failed to record schedule failure", "schedule_id", rec.ID, "error", uerr)
			}
		}
	}
}

// fire enqueues one execution for the schedule and advances its next run.
func (s *Scheduler) fire(ctx context.Context, rec *store.ScheduleRecord, now time.Time) error {
	wf, err := s.catalog.Latest(ctx, rec.WorkflowName)
	if err != nil {
		return err
	}

	c := flow.NewContext(wf.ID, wf.Name,
		flow.WithInput(rec.Input),
		flow.WithResourceRequests(wf.Requests),
	)
	// Unbound: any worker satisfying the requests may claim it.
	if err := c.Schedule(""); err != nil {
		return err
	}
	if err := s.contexts.SaveContext(ctx, c); err != nil {
		return err
	}

	rec.RunCount++
	rec.LastRun = &now
	next, err := s.nextRun(rec, now)
	if err != nil {
		return err
	}
	rec.NextRun = next
	if next == nil {
		rec.Status = store.ScheduleFinished
	}
	if err := s.schedules.UpdateSchedule(ctx, rec); err != nil {
		return err
	}

	s.logger.Info("schedule fired",
		"schedule_id", rec.ID, "workflow", rec.WorkflowName, "execution_id", c.ExecutionID())
	if s.onEnqueue != nil {
		s.onEnqueue(c.ExecutionID())
	}
	return nil
}

// nextRun computes a schedule's next firing after now, or nil when it will
// never fire again.
func (s *Scheduler) nextRun(rec *store.ScheduleRecord, now time.Time) (*time.Time, error) {
	switch rec.Kind {
	case store.ScheduleCron:
		expr, err := ParseCron(rec.Expression)
		if err != nil {
			return nil, fmt.Errorf("scheduler: %w", err)
		}
		next := expr.Next(now)
		if next.IsZero() {
			return nil, nil
		}
		return &next, nil
	case store.ScheduleInterval:
		next := now.Add(rec.Interval)
		return &next, nil
	case store.ScheduleOnce:
		if rec.LastRun != nil {
			return nil, nil
		}
		return rec.RunAt, nil
	default:
		return nil, fmt.Errorf("scheduler: unknown schedule kind %q", rec.Kind)
	}
}
