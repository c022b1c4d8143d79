package engine

import (
	"context"
	"time"

	"github.com/rendis/bankflow/internal/execctx"
	"github.com/rendis/bankflow/internal/logging"
	"github.com/rendis/bankflow/internal/store"
	"github.com/rendis/bankflow/pkg/schema"
)

// systemActor completes tasks on behalf of the escalation sweeper.
const systemActor = "system:escalation"

// ProcessOverdueTasks applies the escalation policy of every open human task
// whose deadline has passed and returns how many tasks it handled. Tasks
// without a policy are escalated.
func (e *Engine) ProcessOverdueTasks(ctx context.Context) (int, error) {
	now := e.now()
	overdue, err := e.store.ListTasks(ctx, store.TaskFilter{Statuses: openStatuses, DeadlineBefore: &now})
	if err != nil {
		return 0, err
	}
	handled := 0
	for _, t := range overdue {
		if !t.Type.IsHuman() {
			continue
		}
		ok, err := e.escalate(ctx, t)
		if err != nil {
			e.log(ctx).Warn("escalation failed", "task_id", t.ID, "run_id", t.RunID, "error", err)
			continue
		}
		if ok {
			handled++
		}
	}
	return handled, nil
}

func (e *Engine) escalate(ctx context.Context, stale *store.Task) (bool, error) {
	handled := false
	_, err := e.withLock(ctx, stale.RunID, func(ctx context.Context, rs *runState) error {
		task, err := e.store.GetTask(ctx, stale.ID)
		if err != nil {
			return err
		}
		now := e.now()
		if !task.Status.IsOpen() || task.DeadlineAt == nil || task.DeadlineAt.After(now) || rs.run.Status.IsTerminal() {
			return nil
		}
		ctx = logging.WithTaskID(ctx, task.ID)
		handled = true

		policy := task.EscalationPolicy
		if policy == nil {
			policy = &schema.EscalationPolicy{Action: schema.EscalationEscalate}
		}
		action := policy.Action
		if action == "" {
			action = schema.EscalationEscalate
		}
		task.EscalatedAt = &now
		task.DeadlineAt = nil
		if policy.ExtendMinutes > 0 {
			extended := now.Add(time.Duration(policy.ExtendMinutes) * time.Minute)
			task.DeadlineAt = &extended
		}
		e.metrics.RecordEscalation(ctx, string(action))
		e.log(ctx).Info("task deadline passed", "action", string(action), "step_name", task.StepName)

		payload := map[string]any{"reason": "deadline", "action": string(action)}
		switch action {
		case schema.EscalationAutoComplete:
			out, err := execctx.NormalizeMap(policy.DefaultOutput)
			if err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation, "default_output is not JSON: %s", err).WithCause(err)
			}
			task.CompletedBy = systemActor
			payload["completed_by"] = systemActor
			if err := e.closeTask(ctx, rs, task, schema.TaskStatusCompleted, out, payload); err != nil {
				return err
			}
			rs.emit(schema.EventRunResumed, task.StepName, task.ID, map[string]any{"trigger": "escalation"})
			_, err = e.drive(ctx, rs.scope(task.StepName), stepOutput(task.StepName, out, task))
			return err

		case schema.EscalationReassign:
			payload["user_id"] = policy.ReassignToUser
			if err := e.taskFSM.Transition(ctx, rs, rs.ref(task.StepName, task.ID), task.Status, schema.TaskStatusAssigned, payload); err != nil {
				return err
			}
			task.Status = schema.TaskStatusAssigned
			if policy.ReassignToUser != "" {
				task.UserID = policy.ReassignToUser
			}

		default:
			if policy.EscalateToRole != "" {
				task.Role = policy.EscalateToRole
				payload["role"] = policy.EscalateToRole
			}
			if task.Status != schema.TaskStatusRequiresEscalation {
				if err := e.taskFSM.Transition(ctx, rs, rs.ref(task.StepName, task.ID), task.Status, schema.TaskStatusRequiresEscalation, payload); err != nil {
					return err
				}
				task.Status = schema.TaskStatusRequiresEscalation
			} else {
				rs.emit(schema.EventTaskEscalated, task.StepName, task.ID, payload)
			}
		}

		if err := e.updateTask(ctx, task); err != nil {
			return err
		}
		e.flush(ctx, rs)
		return nil
	})
	return handled, err
}

// ProcessDueRetries re-enters every agent and API step whose deferred retry
// is due and returns how many it resumed.
func (e *Engine) ProcessDueRetries(ctx context.Context) (int, error) {
	now := e.now()
	due, err := e.store.ListTasks(ctx, store.TaskFilter{
		Statuses:       []schema.TaskStatus{schema.TaskStatusInProgress},
		RetryDueBefore: &now,
	})
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, t := range due {
		if t.Type != store.TaskTypeAgent && t.Type != store.TaskTypeAPICall {
			continue
		}
		ok, err := e.retryTask(ctx, t)
		if err != nil {
			e.log(ctx).Warn("deferred retry failed", "task_id", t.ID, "run_id", t.RunID, "error", err)
			continue
		}
		if ok {
			resumed++
		}
	}
	return resumed, nil
}

func (e *Engine) retryTask(ctx context.Context, due *store.Task) (bool, error) {
	resumed := false
	_, err := e.withLock(ctx, due.RunID, func(ctx context.Context, rs *runState) error {
		task, err := e.store.GetTask(ctx, due.ID)
		if err != nil {
			return err
		}
		if task.Status != schema.TaskStatusInProgress || task.RetryAt == nil || task.RetryAt.After(e.now()) || rs.run.Status.IsTerminal() {
			return nil
		}
		resumed = true
		task.RetryAt = nil
		if err := e.updateTask(ctx, task); err != nil {
			return err
		}
		rs.emit(schema.EventRunResumed, task.StepName, task.ID, map[string]any{"trigger": "retry_timer", "attempt": task.RetryCount + 1})
		_, err = e.drive(ctx, rs.scope(task.StepName), enter(task.StepName, task))
		return err
	})
	return resumed, err
}

// RunSweepers runs the escalation and retry sweepers on their configured
// intervals until ctx is done.
func (e *Engine) RunSweepers(ctx context.Context) error {
	escalation := time.NewTicker(e.cfg.EscalationInterval)
	defer escalation.Stop()
	retries := time.NewTicker(e.cfg.RetrySweepInterval)
	defer retries.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-escalation.C:
			if n, err := e.ProcessOverdueTasks(ctx); err != nil {
				e.log(ctx).Error("escalation sweep failed", "error", err)
			} else if n > 0 {
				e.log(ctx).Info("escalation sweep", "tasks", n)
			}
		case <-retries.C:
			if n, err := e.ProcessDueRetries(ctx); err != nil {
				e.log(ctx).Error("retry sweep failed", "error", err)
			} else if n > 0 {
				e.log(ctx).Info("retry sweep", "tasks", n)
			}
		}
	}
}
