package engine

import (
	"context"

	"github.com/rendis/bankflow/internal/execctx"
	"github.com/rendis/bankflow/internal/logging"
	"github.com/rendis/bankflow/internal/store"
	"github.com/rendis/bankflow/pkg/schema"
)

// ResumeOnTaskCompletion completes an open task with output and continues
// its run. Human tasks and tasks parked for manual intervention can be
// completed; tasks the engine itself is working on cannot. data_input
// output is checked against the step's output_schema and a violation
// leaves the task open.
func (e *Engine) ResumeOnTaskCompletion(ctx context.Context, taskID string, output map[string]any, actorID string) (*store.Run, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return e.withLock(ctx, task.RunID, func(ctx context.Context, rs *runState) error {
		task, err := e.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if !task.Status.IsOpen() {
			return schema.NewErrorf(schema.ErrCodeConflict, "task %s is already %s", task.ID, task.Status)
		}
		if rs.run.Status.IsTerminal() {
			return schema.NewErrorf(schema.ErrCodeConflict, "run %s is already %s", rs.run.ID, rs.run.Status)
		}
		if !task.Type.IsHuman() && task.Status != schema.TaskStatusRequiresEscalation {
			return schema.NewErrorf(schema.ErrCodeConflict, "task %s (%s) is worked by the engine", task.ID, task.Type)
		}
		step, ok := rs.idx.Step(task.StepName)
		if !ok {
			return schema.NewErrorf(schema.ErrCodeNotFound, "step %q of task %s is not defined", task.StepName, task.ID)
		}

		out, err := execctx.NormalizeMap(output)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "task output is not JSON: %s", err).WithCause(err)
		}
		if step.Type == schema.StepTypeDataInput && step.Task != nil && len(step.Task.OutputSchema) > 0 {
			if err := e.validator.ValidateData(out, step.Task.OutputSchema); err != nil {
				return err
			}
		}

		ctx = logging.WithTaskID(ctx, task.ID)
		task.CompletedBy = actorID
		if err := e.closeTask(ctx, rs, task, schema.TaskStatusCompleted, out, map[string]any{"completed_by": actorID}); err != nil {
			return err
		}
		rs.emit(schema.EventRunResumed, task.StepName, task.ID, map[string]any{"trigger": "task_completion"})
		e.log(ctx).Info("task completed", "completed_by", actorID)

		_, err = e.drive(ctx, rs.scope(task.StepName), stepOutput(task.StepName, out, task))
		return err
	})
}

// ResumeOnSubRunCompletion feeds a finished child run into the sub_workflow
// step of its parent. Resuming a terminal parent is a no-op. A result
// without output is filled in from the stored child run.
func (e *Engine) ResumeOnSubRunCompletion(ctx context.Context, parentRunID string, res ChildResult) (*store.Run, error) {
	return e.withLock(ctx, parentRunID, func(ctx context.Context, rs *runState) error {
		if rs.run.Status.IsTerminal() {
			return nil
		}
		open, err := e.store.ListTasks(ctx, store.TaskFilter{
			RunID:    parentRunID,
			Type:     store.TaskTypeSubWorkflow,
			Statuses: openStatuses,
		})
		if err != nil {
			return err
		}
		var task *store.Task
		for _, t := range open {
			if t.ChildRunID == res.RunID {
				task = t
				break
			}
		}
		if task == nil {
			return schema.NewErrorf(schema.ErrCodeConflict, "run %s has no open task waiting on child run %s", parentRunID, res.RunID)
		}
		step, ok := rs.idx.Step(task.StepName)
		if !ok {
			return schema.NewErrorf(schema.ErrCodeNotFound, "step %q of task %s is not defined", task.StepName, task.ID)
		}

		if res.Output == nil {
			child, err := e.store.GetRun(ctx, res.RunID)
			if err != nil {
				return err
			}
			res = ResultOf(child)
		}

		ctx = logging.WithTaskID(ctx, task.ID)
		rs.emit(schema.EventRunResumed, task.StepName, task.ID, map[string]any{
			"trigger": "sub_run_completion", "child_run_id": res.RunID, "child_status": string(res.Status),
		})
		ev, err := e.absorbChild(ctx, rs, step, task, res)
		if err != nil {
			return err
		}
		_, err = e.drive(ctx, rs.scope(task.StepName), ev)
		return err
	})
}
