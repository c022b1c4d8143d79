// Package engine drives workflow runs: it advances a run step by step through
// an explicit processStep function, persists it after every step and resumes
// it when the task, child run or timer it waits on completes.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/bankflow/internal/agents"
	"github.com/rendis/bankflow/internal/execctx"
	"github.com/rendis/bankflow/internal/expressions"
	"github.com/rendis/bankflow/internal/httpcall"
	"github.com/rendis/bankflow/internal/logging"
	"github.com/rendis/bankflow/internal/runlock"
	"github.com/rendis/bankflow/internal/store"
	"github.com/rendis/bankflow/internal/telemetry"
	"github.com/rendis/bankflow/internal/validation"
	"github.com/rendis/bankflow/pkg/schema"
)

// Defaults applied by New to zero Config fields.
const (
	DefaultPoolSize           = 10
	DefaultLockTimeout        = 10 * time.Second
	DefaultMaxInlineBackoff   = 30 * time.Second
	DefaultEscalationInterval = time.Minute
	DefaultRetrySweepInterval = 5 * time.Second
)

// Config holds the engine section of the configuration file.
type Config struct {
	WorkerPoolSize     int           `mapstructure:"worker_pool_size"`
	LockTimeout        time.Duration `mapstructure:"lock_timeout"`
	MaxInlineBackoff   time.Duration `mapstructure:"max_inline_backoff"`
	EscalationInterval time.Duration `mapstructure:"escalation_interval"`
	RetrySweepInterval time.Duration `mapstructure:"retry_sweep_interval"`
	BreakerThreshold   int           `mapstructure:"breaker_threshold"`
	BreakerCooldown    time.Duration `mapstructure:"breaker_cooldown"`
}

// Breaker returns the circuit breaker settings.
func (c Config) Breaker() BreakerConfig {
	return BreakerConfig{Threshold: c.BreakerThreshold, Cooldown: c.BreakerCooldown}
}

func (c *Config) applyDefaults() {
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = DefaultPoolSize
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.MaxInlineBackoff <= 0 {
		c.MaxInlineBackoff = DefaultMaxInlineBackoff
	}
	if c.EscalationInterval <= 0 {
		c.EscalationInterval = DefaultEscalationInterval
	}
	if c.RetrySweepInterval <= 0 {
		c.RetrySweepInterval = DefaultRetrySweepInterval
	}
	// A negative threshold disables the breakers.
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = DefaultBreakerConfig().Threshold
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = DefaultBreakerConfig().Cooldown
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithLocker replaces the in-process run lock, typically with a
// runlock.Chain ending in a RedisLocker.
func WithLocker(l runlock.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithHTTPClient sets the client used by external_api_call steps.
func WithHTTPClient(c *httpcall.Client) Option {
	return func(e *Engine) { e.http = c }
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithJitter replaces the random jitter source.
func WithJitter(j Jitter) Option {
	return func(e *Engine) { e.jitter = j }
}

// Engine executes workflow runs. It is safe for concurrent use; work on a
// single run is serialized by the run lock.
type Engine struct {
	store   store.Store
	agents  *agents.Registry
	cfg     Config
	logger  *slog.Logger
	locker  runlock.Locker
	http    *httpcall.Client
	metrics *telemetry.Metrics
	now     func() time.Time
	jitter  Jitter

	pool      *WorkerPool
	breakers  *BreakerRegistry
	runFSM    *RunFSM
	taskFSM   *TaskFSM
	validator *validation.WorkflowValidator
	interp    *expressions.Interpolator
	cel       *expressions.CELEngine
	expr      *expressions.ExprEngine
	jq        *expressions.GoJQEngine

	defs       sync.Map // definition id -> *schema.WorkflowDefinition
	cancelling sync.Map // run id -> struct{}
}

// New creates an Engine over st, resolving agent steps through reg.
func New(st store.Store, reg *agents.Registry, cfg Config, opts ...Option) (*Engine, error) {
	cfg.applyDefaults()
	if reg == nil {
		reg = agents.NewRegistry()
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:   st,
		agents:  reg,
		cfg:     cfg,
		logger:  slog.Default(),
		locker:  runlock.NewKeyedMutex(),
		metrics: telemetry.DefaultMetrics(),
		now:     func() time.Time { return time.Now().UTC() },
		pool:    NewWorkerPool(cfg.WorkerPoolSize),
		runFSM:  NewRunFSM(),
		taskFSM: NewTaskFSM(),
		interp:  expressions.NewInterpolator(),
		cel:     cel,
		expr:    expressions.NewExprEngine(),
		jq:      expressions.NewGoJQEngine(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.http == nil {
		e.http = httpcall.New(httpcall.Config{}, httpcall.WithMetrics(e.metrics))
	}
	e.breakers = NewBreakerRegistry(cfg.Breaker(), e.now)

	e.validator, err = validation.NewWorkflowValidator(validation.Options{
		Agents: reg,
		Definitions: validation.DefinitionLookupFunc(func(ref schema.DefinitionRef) bool {
			_, err := store.ResolveDefinition(context.Background(), st, ref)
			return err == nil
		}),
		CEL:  cel,
		Expr: e.expr,
	})
	if err != nil {
		return nil, err
	}

	for _, to := range []schema.RunStatus{schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled} {
		for _, from := range []schema.RunStatus{schema.RunStatusPending, schema.RunStatusInProgress} {
			e.runFSM.OnAfter(from, to, func(ctx context.Context, ref EventRef, _, to string) {
				e.metrics.RecordRunFinished(ctx, ref.Workflow, to)
			})
		}
	}
	return e, nil
}

// Close stops the worker pool after in-flight branches return.
func (e *Engine) Close() {
	e.pool.Shutdown()
}

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// PoolMetrics reports worker pool counters.
func (e *Engine) PoolMetrics() PoolMetrics { return e.pool.Metrics() }

// Validate runs the definition validator without persisting anything.
func (e *Engine) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	return e.validator.Validate(def)
}

// RegisterDefinition validates def and stores it as the next active version
// of its name. A definition with validation errors is never persisted.
func (e *Engine) RegisterDefinition(ctx context.Context, def *schema.WorkflowDefinition) (*schema.ValidationResult, error) {
	result := e.validator.Validate(def)
	if err := result.ToError(); err != nil {
		return result, err
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if err := e.store.CreateDefinition(ctx, def); err != nil {
		return result, err
	}
	e.logger.InfoContext(ctx, "definition registered",
		"workflow_name", def.Name, "version", def.Version, "definition_id", def.ID,
		"warnings", len(result.Warnings))
	return result, nil
}

// StartRun creates a run of the referenced definition and drives it until it
// suspends or terminates. A run that fails is returned with a nil error; the
// error return is reserved for runs that could not be created or persisted.
func (e *Engine) StartRun(ctx context.Context, ref schema.DefinitionRef, input map[string]any) (*store.Run, error) {
	return e.startRun(ctx, ref, input, nil)
}

type parentLink struct {
	runID string
	step  string
}

func (e *Engine) startRun(ctx context.Context, ref schema.DefinitionRef, input map[string]any, parent *parentLink) (*store.Run, error) {
	def, err := e.resolveDefinition(ctx, ref)
	if err != nil {
		return nil, err
	}
	if len(def.InputSchema) > 0 {
		if err := e.validator.ValidateData(input, def.InputSchema); err != nil {
			return nil, err
		}
	}
	results, err := execctx.New(input)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "run input is not JSON: %s", err).WithCause(err)
	}

	now := e.now()
	run := &store.Run{
		ID:              uuid.NewString(),
		WorkflowID:      def.ID,
		WorkflowName:    def.Name,
		WorkflowVersion: def.Version,
		Status:          schema.RunStatusPending,
		Results:         results.Data(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if parent != nil {
		run.ParentRunID = parent.runID
		run.ParentStepName = parent.step
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	return e.withLock(ctx, run.ID, func(ctx context.Context, rs *runState) error {
		rs.inline = parent != nil
		_, err := e.drive(ctx, rs, stepEvent{kind: eventStart})
		return err
	})
}

// CancelRun stops a run. Work already in flight finishes but no further
// transition is taken; open tasks become skipped and child runs are cancelled
// too. Cancelling a terminal run is a no-op.
func (e *Engine) CancelRun(ctx context.Context, runID, reason string) (*store.Run, error) {
	e.cancelling.Store(runID, struct{}{})
	defer e.cancelling.Delete(runID)

	if reason == "" {
		reason = "cancelled by operator"
	}
	return e.withLock(ctx, runID, func(ctx context.Context, rs *runState) error {
		if rs.run.Status.IsTerminal() {
			return nil
		}
		rs.run.CancelRequested = true
		rs.outcome = &outcome{status: schema.RunStatusCancelled, step: rs.run.CurrentStep, reason: reason, kind: kindCancelled}
		if err := e.finish(ctx, rs); err != nil {
			return err
		}
		return e.persist(ctx, rs)
	})
}

// RecoverRun re-enters a run from its persisted state, for instance after a
// crash. Attempts that were interrupted mid-call are retried, child runs
// that finished unnoticed are absorbed, and a run with no open task resumes
// at its current step.
func (e *Engine) RecoverRun(ctx context.Context, runID string) (*store.Run, error) {
	return e.withLock(ctx, runID, func(ctx context.Context, rs *runState) error {
		switch rs.run.Status {
		case schema.RunStatusPending:
			_, err := e.drive(ctx, rs, stepEvent{kind: eventStart})
			return err
		case schema.RunStatusInProgress:
		default:
			return nil
		}

		open, err := e.store.ListTasks(ctx, store.TaskFilter{RunID: runID, Statuses: openStatuses})
		if err != nil {
			return err
		}
		for _, task := range open {
			if rs.run.Status.IsTerminal() {
				return nil
			}
			ev, ok, err := e.recoveryEvent(ctx, rs, task)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			e.logger.InfoContext(ctx, "recovering step", "step_name", task.StepName, "task_id", task.ID)
			if _, err := e.drive(ctx, rs.scope(task.StepName), ev); err != nil {
				return err
			}
		}
		if len(open) == 0 && rs.run.CurrentStep != "" && !rs.run.Status.IsTerminal() {
			_, err := e.drive(ctx, rs.scope(rs.run.CurrentStep), enter(rs.run.CurrentStep, nil))
			return err
		}
		return nil
	})
}

func (e *Engine) recoveryEvent(ctx context.Context, rs *runState, task *store.Task) (stepEvent, bool, error) {
	switch task.Type {
	case store.TaskTypeAgent, store.TaskTypeAPICall:
		if task.Status != schema.TaskStatusInProgress || task.RetryAt != nil {
			return stepEvent{}, false, nil
		}
		return enter(task.StepName, task), true, nil
	case store.TaskTypeSubWorkflow:
		if task.ChildRunID == "" {
			return stepEvent{}, false, nil
		}
		child, err := e.store.GetRun(ctx, task.ChildRunID)
		if err != nil {
			return stepEvent{}, false, err
		}
		if !child.Status.IsTerminal() {
			return stepEvent{}, false, nil
		}
		step, ok := rs.idx.Step(task.StepName)
		if !ok {
			return stepEvent{}, false, nil
		}
		ev, err := e.absorbChild(ctx, rs, step, task, ResultOf(child))
		return ev, err == nil, err
	}
	return stepEvent{}, false, nil
}

// AssignTask hands an open human task to a user and/or role.
func (e *Engine) AssignTask(ctx context.Context, taskID, userID, role string) (*store.Task, error) {
	if userID == "" && role == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "assignment needs a user or a role")
	}
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	_, err = e.withLock(ctx, task.RunID, func(ctx context.Context, rs *runState) error {
		if task, err = e.store.GetTask(ctx, taskID); err != nil {
			return err
		}
		if !task.Type.IsHuman() || !task.Status.IsOpen() {
			return schema.NewErrorf(schema.ErrCodeConflict, "task %s (%s, %s) cannot be assigned", task.ID, task.Type, task.Status)
		}
		if err := e.taskFSM.Transition(ctx, rs, rs.ref(task.StepName, task.ID), task.Status, schema.TaskStatusAssigned,
			map[string]any{"user_id": userID, "role": role}); err != nil {
			return err
		}
		task.Status = schema.TaskStatusAssigned
		task.UserID = userID
		if role != "" {
			task.Role = role
		}
		task.UpdatedAt = e.now()
		if err := e.store.UpdateTask(ctx, task); err != nil {
			return err
		}
		e.flush(ctx, rs)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// withLock loads runID under its run lock, runs fn and releases the lock.
// Follow-up work that touches other runs (cancelling orphaned children,
// notifying a parent) happens after the release.
func (e *Engine) withLock(ctx context.Context, runID string, fn func(ctx context.Context, rs *runState) error) (*store.Run, error) {
	ctx = logging.WithRunID(ctx, runID)

	lockCtx, cancel := context.WithTimeout(ctx, e.cfg.LockTimeout)
	release, err := e.locker.Acquire(lockCtx, runID)
	cancel()
	if err != nil {
		return nil, err
	}

	rs, err := e.loadState(ctx, runID)
	if err == nil {
		err = fn(ctx, rs)
	}
	release()
	if rs == nil {
		return nil, err
	}
	e.afterUnlock(ctx, rs)
	return rs.run, err
}

func (e *Engine) loadState(ctx context.Context, runID string) (*runState, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	def, err := e.definition(ctx, run.WorkflowID)
	if err != nil {
		return nil, err
	}
	rs := newRunState(run, def)
	rs.clock = e.now
	return rs, nil
}

func (e *Engine) afterUnlock(ctx context.Context, rs *runState) {
	for _, child := range rs.orphans {
		if _, err := e.CancelRun(ctx, child, "parent run "+rs.run.ID+" finished"); err != nil {
			e.log(ctx).Warn("cancel child run failed", "child_run_id", child, "error", err)
		}
	}
	rs.orphans = nil

	if rs.finished && !rs.inline && rs.run.ParentRunID != "" {
		if _, err := e.ResumeOnSubRunCompletion(ctx, rs.run.ParentRunID, ResultOf(rs.run)); err != nil {
			e.log(ctx).Warn("resume parent run failed", "parent_run_id", rs.run.ParentRunID, "error", err)
		}
	}
}

// definition loads an immutable definition, caching it by id.
func (e *Engine) definition(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	if d, ok := e.defs.Load(id); ok {
		return d.(*schema.WorkflowDefinition), nil
	}
	def, err := e.store.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	e.defs.Store(id, def)
	return def, nil
}

func (e *Engine) resolveDefinition(ctx context.Context, ref schema.DefinitionRef) (*schema.WorkflowDefinition, error) {
	if ref.ID != "" {
		return e.definition(ctx, ref.ID)
	}
	def, err := store.ResolveDefinition(ctx, e.store, ref)
	if err != nil {
		return nil, err
	}
	e.defs.Store(def.ID, def)
	return def, nil
}

func (e *Engine) cancelRequested(runID string) bool {
	_, ok := e.cancelling.Load(runID)
	return ok
}

func (e *Engine) log(ctx context.Context) *slog.Logger {
	return logging.LogWith(ctx, e.logger)
}

var openStatuses = []schema.TaskStatus{
	schema.TaskStatusPending,
	schema.TaskStatusAssigned,
	schema.TaskStatusInProgress,
	schema.TaskStatusRequiresEscalation,
}
