package engine

import (
	"context"

	"github.com/rendis/bankflow/internal/execctx"
	"github.com/rendis/bankflow/internal/store"
	"github.com/rendis/bankflow/pkg/schema"
)

// ChildResult is what a finished child run hands back to the sub_workflow
// step of its parent.
type ChildResult struct {
	RunID      string           `json:"run_id"`
	Status     schema.RunStatus `json:"status"`
	Output     map[string]any   `json:"output,omitempty"`
	Error      string           `json:"error,omitempty"`
	FailedStep string           `json:"failed_step,omitempty"`
}

// ResultOf summarizes run for its parent.
func ResultOf(run *store.Run) ChildResult {
	return ChildResult{
		RunID:      run.ID,
		Status:     run.Status,
		Output:     childOutput(run.Results),
		Error:      run.Error,
		FailedStep: run.FailedStep,
	}
}

// childOutput is the child's results without the keys the context manages.
func childOutput(results map[string]any) map[string]any {
	out := make(map[string]any, len(results))
	for k, v := range results {
		if execctx.IsReserved(k) {
			continue
		}
		out[k] = execctx.DeepCopy(v)
	}
	return out
}

// runSubWorkflow starts the child run inline. A child that terminates
// before suspending is absorbed right away; otherwise the parent waits for
// ResumeOnSubRunCompletion.
func (e *Engine) runSubWorkflow(ctx context.Context, rs *runState, step *schema.StepDefinition) (stepEvent, error) {
	cfg := step.SubWorkflow
	if cfg == nil {
		serr := schema.NewError(schema.ErrCodeValidation, "sub_workflow step has no sub_workflow block").WithStep(step.Name)
		return stepFailure(step.Name, serr, nil), nil
	}

	input := rs.results.Trigger()
	if len(cfg.InputMapping) > 0 {
		input = make(map[string]any, len(cfg.InputMapping))
		for key, path := range cfg.InputMapping {
			if v, ok := rs.results.Get(path); ok {
				input[key] = execctx.DeepCopy(v)
			}
		}
	}

	task := &store.Task{
		StepName: step.Name,
		Type:     store.TaskTypeSubWorkflow,
		Status:   schema.TaskStatusInProgress,
		Input:    input,
	}
	if err := e.createTask(ctx, rs, task); err != nil {
		return stepEvent{}, err
	}

	child, err := e.startRun(ctx, cfg.Ref(), input, &parentLink{runID: rs.run.ID, step: step.Name})
	if err != nil {
		return stepFailure(step.Name, stepError(step.Name, err), task), nil
	}
	task.ChildRunID = child.ID
	if err := e.updateTask(ctx, task); err != nil {
		return stepEvent{}, err
	}
	rs.emit(schema.EventSubRunStarted, step.Name, task.ID, map[string]any{
		"child_run_id": child.ID, "workflow": child.WorkflowName, "version": child.WorkflowVersion,
	})

	if child.Status.IsTerminal() {
		return e.absorbChild(ctx, rs, step, task, ResultOf(child))
	}
	e.log(ctx).Info("waiting on child run", "child_run_id", child.ID, "status", string(child.Status))
	return halt(haltSuspended), nil
}

// absorbChild turns a terminal child result into the step's output or
// failure. A failed child is a failure of the sub_workflow step and goes
// through its on_failure routing.
func (e *Engine) absorbChild(ctx context.Context, rs *runState, step *schema.StepDefinition, task *store.Task, res ChildResult) (stepEvent, error) {
	switch res.Status {
	case schema.RunStatusCompleted:
		out := map[string]any{
			"run_id": res.RunID,
			"status": string(res.Status),
			"output": res.Output,
		}
		norm, err := execctx.NormalizeMap(out)
		if err != nil {
			return stepEvent{}, err
		}
		if task != nil && task.Status.IsOpen() {
			if err := e.closeTask(ctx, rs, task, schema.TaskStatusCompleted, norm, map[string]any{"child_run_id": res.RunID}); err != nil {
				return stepEvent{}, err
			}
		}
		return stepOutput(step.Name, norm, task), nil
	case schema.RunStatusFailed, schema.RunStatusCancelled:
		code := schema.ErrCodeStepFailed
		if res.Status == schema.RunStatusCancelled {
			code = schema.ErrCodeCancelled
		}
		serr := schema.NewErrorf(code, "child run %s %s: %s", res.RunID, res.Status, res.Error).
			WithStep(step.Name).
			WithDetails(map[string]any{"child_run_id": res.RunID, "failed_step": res.FailedStep})
		return stepFailure(step.Name, serr, task), nil
	}
	return stepEvent{}, schema.NewErrorf(schema.ErrCodeConflict, "child run %s is still %s", res.RunID, res.Status)
}
