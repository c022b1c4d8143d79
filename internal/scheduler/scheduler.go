// Package scheduler starts workflow runs from persisted cron triggers.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/bankflow/internal/store"
	"github.com/rendis/bankflow/pkg/schema"
)

// Starter starts runs. Satisfied by *engine.Engine.
type Starter interface {
	StartRun(ctx context.Context, ref schema.DefinitionRef, input map[string]any) (*store.Run, error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the clock used for last/next run bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler keeps one cron entry per enabled trigger, keyed by trigger ID.
type Scheduler struct {
	store   store.Store
	starter Starter
	parser  cron.Parser
	cron    *cron.Cron
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]entry
	started bool

	inflightMu sync.Mutex
	inflight   map[string]struct{} // trigger IDs currently firing
}

type entry struct {
	id   cron.EntryID
	expr string
}

// New creates a Scheduler. Call Start to load triggers and begin firing.
func New(st store.Store, starter Starter, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s := &Scheduler{
		store:    st,
		starter:  starter,
		parser:   parser,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		entries:  make(map[string]entry),
		inflight: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{logger}),
		cron.WithChain(cron.Recover(cronLogger{logger})),
	)
	return s
}

// NextRun computes the next activation of expr after from.
func (s *Scheduler) NextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "parse cron expression %q: %s", expr, err).WithCause(err)
	}
	return sched.Next(from), nil
}

// Register validates and persists trigger and schedules it when enabled.
func (s *Scheduler) Register(ctx context.Context, trigger *store.Trigger) error {
	if trigger.Definition.ID == "" && trigger.Definition.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "trigger needs a definition id or name")
	}
	next, err := s.NextRun(trigger.CronExpression, s.now())
	if err != nil {
		return err
	}
	if trigger.ID == "" {
		trigger.ID = uuid.NewString()
	}
	trigger.NextRunAt = &next
	if trigger.CreatedAt.IsZero() {
		trigger.CreatedAt = s.now()
	}
	if err := s.store.CreateTrigger(ctx, trigger); err != nil {
		return err
	}
	if trigger.Enabled {
		if err := s.schedule(trigger); err != nil {
			return err
		}
	}
	s.logger.InfoContext(ctx, "trigger registered",
		"trigger_id", trigger.ID, "workflow_name", trigger.Definition.Name,
		"cron", trigger.CronExpression, "enabled", trigger.Enabled)
	return nil
}

// Unregister removes the trigger's cron entry and deletes it from the store.
func (s *Scheduler) Unregister(ctx context.Context, id string) error {
	s.unschedule(id)
	if err := s.store.DeleteTrigger(ctx, id); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "trigger unregistered", "trigger_id", id)
	return nil
}

// SetEnabled toggles a trigger and adds or removes its cron entry.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	if err := s.store.UpdateTrigger(ctx, id, store.TriggerUpdate{Enabled: &enabled}); err != nil {
		return err
	}
	if !enabled {
		s.unschedule(id)
		return nil
	}
	trigger, err := s.store.GetTrigger(ctx, id)
	if err != nil {
		return err
	}
	return s.schedule(trigger)
}

// Reload makes the cron entries match the enabled triggers in the store.
// Entries of deleted or disabled triggers are removed and changed cron
// expressions are rescheduled. It returns the number of scheduled triggers.
func (s *Scheduler) Reload(ctx context.Context) (int, error) {
	enabled := true
	triggers, err := s.store.ListTriggers(ctx, store.TriggerFilter{Enabled: &enabled})
	if err != nil {
		return 0, err
	}

	want := make(map[string]struct{}, len(triggers))
	for _, t := range triggers {
		want[t.ID] = struct{}{}
	}
	s.mu.Lock()
	var stale []string
	for id := range s.entries {
		if _, ok := want[id]; !ok {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()
	for _, id := range stale {
		s.unschedule(id)
	}

	scheduled := 0
	for _, t := range triggers {
		if err := s.schedule(t); err != nil {
			s.logger.ErrorContext(ctx, "trigger not scheduled", "trigger_id", t.ID, "error", err)
			continue
		}
		scheduled++
	}
	return scheduled, nil
}

// Scheduled returns the IDs of triggers with a live cron entry.
func (s *Scheduler) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Start loads the triggers, fires those whose next run was missed while
// the scheduler was down, and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	n, err := s.Reload(ctx)
	if err != nil {
		return err
	}
	if err := s.RecoverMissed(ctx); err != nil {
		s.logger.ErrorContext(ctx, "recover missed triggers", "error", err)
	}
	s.cron.Start()
	s.logger.InfoContext(ctx, "scheduler started", "triggers", n)
	return nil
}

// Stop halts the cron loop and waits for firing triggers to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// RecoverMissed fires, once, every enabled trigger whose next_run_at lies
// in the past.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	triggers, err := s.store.ListTriggers(ctx, store.TriggerFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list triggers: %w", err)
	}
	now := s.now()
	recovered := 0
	for _, t := range triggers {
		if t.NextRunAt == nil || !t.NextRunAt.Before(now) {
			continue
		}
		if _, err := s.Fire(ctx, t.ID); err != nil {
			s.logger.ErrorContext(ctx, "recover missed trigger", "trigger_id", t.ID, "error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		s.logger.InfoContext(ctx, "recovered missed triggers", "count", recovered)
	}
	return nil
}

// Fire starts one run of the trigger and records the outcome on it. A
// trigger that is already firing or disabled is skipped with a nil run.
// A run that starts and then fails is recorded with its status, not as an
// error.
func (s *Scheduler) Fire(ctx context.Context, id string) (*store.Run, error) {
	if !s.tryAcquire(id) {
		s.logger.WarnContext(ctx, "trigger still firing, skipped", "trigger_id", id)
		return nil, nil
	}
	defer s.release(id)

	trigger, err := s.store.GetTrigger(ctx, id)
	if err != nil {
		return nil, err
	}
	if !trigger.Enabled {
		return nil, nil
	}

	now := s.now()
	update := store.TriggerUpdate{LastRunAt: &now}
	if next, err := s.NextRun(trigger.CronExpression, now); err == nil {
		update.NextRunAt = &next
	}

	run, runErr := s.starter.StartRun(ctx, trigger.Definition, trigger.Input)
	if runErr != nil {
		update.LastRunStatus = "error"
		s.logger.ErrorContext(ctx, "triggered run not started", "trigger_id", id, "error", runErr)
	} else {
		update.LastRunStatus = string(run.Status)
		update.LastRunID = run.ID
		s.logger.InfoContext(ctx, "triggered run",
			"trigger_id", id, "run_id", run.ID, "status", string(run.Status))
	}
	if err := s.store.UpdateTrigger(ctx, id, update); err != nil {
		return run, err
	}
	return run, runErr
}

func (s *Scheduler) schedule(t *store.Trigger) error {
	sched, err := s.parser.Parse(t.CronExpression)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "parse cron expression %q: %s", t.CronExpression, err).WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[t.ID]; ok {
		if cur.expr == t.CronExpression {
			return nil
		}
		s.cron.Remove(cur.id)
	}
	id := t.ID
	entryID := s.cron.Schedule(sched, cron.FuncJob(func() {
		if _, err := s.Fire(context.Background(), id); err != nil {
			s.logger.Error("trigger fire failed", "trigger_id", id, "error", err)
		}
	}))
	s.entries[id] = entry{id: entryID, expr: t.CronExpression}
	return nil
}

func (s *Scheduler) unschedule(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[id]; ok {
		s.cron.Remove(cur.id)
		delete(s.entries, id)
	}
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// cronLogger routes robfig/cron's logging into slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
