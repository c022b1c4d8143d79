package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rendis/bankflow/internal/store"
	"github.com/rendis/bankflow/pkg/schema"
)

// stepError coerces err into a BankflowError tagged with step.
func stepError(step string, err error) *schema.BankflowError {
	var be *schema.BankflowError
	if errors.As(err, &be) {
		if be.Step == "" {
			be.Step = step
		}
		return be
	}
	if errors.Is(err, context.Canceled) {
		return schema.NewError(schema.ErrCodeCancelled, err.Error()).WithStep(step).WithCause(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.NewError(schema.ErrCodeTimeout, err.Error()).WithStep(step).WithCause(err)
	}
	return schema.NewError(schema.ErrCodeExecution, err.Error()).WithStep(step).WithCause(err)
}

// errorObject is the value merged under error_output_namespace.
func errorObject(step string, err *schema.BankflowError, attempts int) map[string]any {
	if attempts < 1 {
		attempts = 1
	}
	obj := map[string]any{
		"message":             err.Message,
		"code":                err.Code,
		"step":                step,
		"attempts":            attempts,
		"retry_attempts_made": attempts - 1,
	}
	if sc, ok := err.Details["status_code"]; ok {
		obj["status_code"] = sc
	}
	return obj
}

// handleFailure applies the step's on_failure action once no attempt is
// left.
func (e *Engine) handleFailure(ctx context.Context, rs *runState, step *schema.StepDefinition, task *store.Task, serr *schema.BankflowError) (stepEvent, error) {
	if serr == nil {
		serr = schema.NewError(schema.ErrCodeStepFailed, "step failed").WithStep(step.Name)
	}
	h := step.ErrorHandling
	attempts := 1
	if task != nil && task.RetryCount > 0 {
		attempts = task.RetryCount
	}
	errObj := errorObject(step.Name, serr, attempts)
	action := h.Action()

	e.log(ctx).Warn("step failed", "code", serr.Code, "error", serr.Message, "attempts", attempts, "action", string(action))

	if action == schema.FailureManualIntervention {
		return e.escalateFailure(ctx, rs, step, task, errObj)
	}

	if task != nil && task.Status.IsOpen() {
		task.Error = errObj
		if err := e.closeTask(ctx, rs, task, schema.TaskStatusFailed, nil, map[string]any{"code": serr.Code}); err != nil {
			return stepEvent{}, err
		}
	}
	if _, err := rs.results.Merge(errObj, h.Namespace()); err != nil {
		return stepEvent{}, err
	}

	switch action {
	case schema.FailureTransitionToStep:
		next := h.OnFailure.NextStep
		rs.emit(schema.EventStepRouted, step.Name, taskIDOf(task), map[string]any{"to": next, "code": serr.Code})
		return e.follow(rs, step, next)
	case schema.FailureContinueWithError:
		rs.emit(schema.EventStepRouted, step.Name, taskIDOf(task), map[string]any{"code": serr.Code, "continue": true})
		return e.route(ctx, rs, step)
	}
	return rs.terminate(outcome{
		status: schema.RunStatusFailed,
		step:   step.Name,
		code:   serr.Code,
		reason: serr.Message,
		kind:   kindStepFailed,
	}), nil
}

// escalateFailure parks the step on a requires_escalation task. Completing
// that task resumes the run with the operator's output.
func (e *Engine) escalateFailure(ctx context.Context, rs *runState, step *schema.StepDefinition, task *store.Task, errObj map[string]any) (stepEvent, error) {
	if task == nil || !task.Status.IsOpen() {
		task = &store.Task{
			StepName: step.Name,
			Type:     taskTypeOf(step.Type),
			Status:   schema.TaskStatusPending,
			Input:    rs.results.Snapshot(),
		}
		if err := e.createTask(ctx, rs, task); err != nil {
			return stepEvent{}, err
		}
	}
	if _, err := rs.results.Merge(errObj, step.ErrorHandling.Namespace()); err != nil {
		return stepEvent{}, err
	}

	if err := e.taskFSM.Transition(ctx, rs, rs.ref(step.Name, task.ID), task.Status, schema.TaskStatusRequiresEscalation,
		map[string]any{"reason": "manual_intervention", "code": errObj["code"]}); err != nil {
		return stepEvent{}, err
	}
	now := e.now()
	task.Status = schema.TaskStatusRequiresEscalation
	task.Error = errObj
	task.RetryAt = nil
	task.EscalatedAt = &now
	task.UpdatedAt = now
	if err := e.store.UpdateTask(ctx, task); err != nil {
		return stepEvent{}, err
	}
	e.metrics.RecordEscalation(ctx, string(schema.FailureManualIntervention))
	return halt(haltSuspended), nil
}

func taskTypeOf(t schema.StepType) store.TaskType {
	switch t {
	case schema.StepTypeAgentExecution:
		return store.TaskTypeAgent
	case schema.StepTypeExternalAPICall:
		return store.TaskTypeAPICall
	case schema.StepTypeHumanReview:
		return store.TaskTypeHumanReview
	case schema.StepTypeDataInput:
		return store.TaskTypeDataInput
	case schema.StepTypeDecision:
		return store.TaskTypeDecision
	case schema.StepTypeSubWorkflow:
		return store.TaskTypeSubWorkflow
	}
	return store.TaskType(fmt.Sprint(t))
}
