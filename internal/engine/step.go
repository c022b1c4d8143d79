package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/bankflow/internal/condition"
	"github.com/rendis/bankflow/internal/logging"
	"github.com/rendis/bankflow/internal/store"
	"github.com/rendis/bankflow/internal/telemetry"
	"github.com/rendis/bankflow/pkg/schema"
)

// drive feeds events through processStep until the run halts. A pending
// cancellation stops the loop before the next event, inside parallel
// branches too. Outside of branches the run is persisted after every step.
func (e *Engine) drive(ctx context.Context, rs *runState, ev stepEvent) (stepEvent, error) {
	for ev.kind != eventHalt {
		if e.cancelRequested(rs.run.ID) {
			if rs.forked {
				e.log(ctx).Info("cancellation requested, halting branch", "step_name", ev.step, "branch", rs.branch.Branch)
			} else {
				e.log(ctx).Info("cancellation requested, halting drive", "step_name", ev.step)
			}
			return halt(haltCancelled), nil
		}

		next, err := e.processStep(ctx, rs, ev)
		if err != nil {
			return stepEvent{}, err
		}

		if !rs.forked {
			switch {
			case next.kind == eventHalt && next.halt == haltSuspended:
				rs.emit(schema.EventRunSuspended, rs.run.CurrentStep, ev.taskID(), nil)
			case next.kind == eventHalt && next.halt == haltTerminal:
				if err := e.finish(ctx, rs); err != nil {
					return stepEvent{}, err
				}
			case next.kind == eventHalt && next.halt == haltArrived:
				// A resumed branch reached its join; the main path takes over.
				join := rs.branch.JoinOn
				rs.branch = nil
				next = enter(join, nil)
			}
			if err := e.persist(ctx, rs); err != nil {
				return stepEvent{}, err
			}
		}
		ev = next
	}
	return ev, nil
}

// processStep is the run state machine: it consumes one event and returns
// the next one.
func (e *Engine) processStep(ctx context.Context, rs *runState, ev stepEvent) (stepEvent, error) {
	if ev.kind == eventStart {
		return e.begin(ctx, rs)
	}

	step, ok := rs.idx.Step(ev.step)
	if !ok {
		return rs.terminate(outcome{
			status: schema.RunStatusFailed, step: ev.step, code: schema.ErrCodeNotFound,
			reason: fmt.Sprintf("step %q is not defined", ev.step), kind: kindStepFailed,
		}), nil
	}
	ctx = logging.WithStepName(ctx, step.Name)

	switch ev.kind {
	case eventEnter:
		return e.enterStep(ctx, rs, step, ev.task)
	case eventOutput:
		skipped, err := rs.results.Merge(ev.output, step.OutputNamespace)
		if err != nil {
			serr := schema.NewErrorf(schema.ErrCodeValidation, "output of step %q is not JSON: %s", step.Name, err).
				WithStep(step.Name).WithCause(err)
			return e.handleFailure(ctx, rs, step, ev.task, serr)
		}
		if len(skipped) > 0 {
			e.log(ctx).Warn("step output tried to overwrite reserved keys", "keys", skipped)
		}
		rs.emit(schema.EventStepCompleted, step.Name, ev.taskID(), nil)
		return e.route(ctx, rs, step)
	case eventFailure:
		return e.handleFailure(ctx, rs, step, ev.task, ev.err)
	}
	return stepEvent{}, fmt.Errorf("engine: unexpected event kind %d", ev.kind)
}

func (e *Engine) begin(ctx context.Context, rs *runState) (stepEvent, error) {
	if rs.run.Status != schema.RunStatusPending {
		return halt(haltStale), nil
	}
	payload := map[string]any{"workflow": rs.run.WorkflowName, "version": rs.run.WorkflowVersion}
	if rs.run.ParentRunID != "" {
		payload["parent_run_id"] = rs.run.ParentRunID
	}
	if err := e.runFSM.Transition(ctx, rs, rs.ref("", ""), rs.run.Status, schema.RunStatusInProgress, payload); err != nil {
		return stepEvent{}, err
	}
	now := e.now()
	rs.run.Status = schema.RunStatusInProgress
	rs.run.StartTime = &now
	rs.run.CurrentStep = rs.def.StartStep
	e.log(ctx).Info("run started", "workflow_name", rs.run.WorkflowName, "version", rs.run.WorkflowVersion)
	return enter(rs.def.StartStep, nil), nil
}

func (e *Engine) enterStep(ctx context.Context, rs *runState, step *schema.StepDefinition, task *store.Task) (stepEvent, error) {
	if step.Type == schema.StepTypeJoin && rs.results.Released(step.Name) {
		return halt(haltStale), nil
	}
	if rs.onMainPath() {
		rs.run.CurrentStep = step.Name
	}
	rs.emit(schema.EventStepEntered, step.Name, taskIDOf(task), map[string]any{"type": string(step.Type)})

	ctx, span := telemetry.StartSpan(ctx, "step "+step.Name,
		telemetry.AttrRunID.String(rs.run.ID),
		telemetry.AttrWorkflowName.String(rs.run.WorkflowName),
		telemetry.AttrStepName.String(step.Name),
		telemetry.AttrStepType.String(string(step.Type)),
	)
	started := time.Now()
	next, err := e.dispatch(ctx, rs, step, task)

	var stepErr error
	switch {
	case err != nil:
		stepErr = err
	case next.kind == eventFailure:
		stepErr = next.err
	}
	e.metrics.RecordStep(ctx, string(step.Type), stepErr, time.Since(started))
	telemetry.EndSpanWithError(span, stepErr)
	return next, err
}

// dispatch runs the type-specific behavior of a step.
func (e *Engine) dispatch(ctx context.Context, rs *runState, step *schema.StepDefinition, task *store.Task) (stepEvent, error) {
	switch step.Type {
	case schema.StepTypeAgentExecution:
		return e.runAgent(ctx, rs, step, task)
	case schema.StepTypeExternalAPICall:
		return e.runAPICall(ctx, rs, step, task)
	case schema.StepTypeHumanReview, schema.StepTypeDataInput, schema.StepTypeDecision:
		return e.openHumanTask(ctx, rs, step)
	case schema.StepTypeParallel:
		return e.runParallel(ctx, rs, step)
	case schema.StepTypeJoin:
		return e.evaluateJoin(ctx, rs, step)
	case schema.StepTypeSubWorkflow:
		return e.runSubWorkflow(ctx, rs, step)
	case schema.StepTypeEnd:
		return e.reachEnd(ctx, rs, step)
	}
	return rs.terminate(outcome{
		status: schema.RunStatusFailed, step: step.Name, code: schema.ErrCodeValidation,
		reason: fmt.Sprintf("unsupported step type %q", step.Type), kind: kindStepFailed,
	}), nil
}

// route evaluates the transitions of step in declaration order; the first
// match wins and no match stalls the run.
func (e *Engine) route(ctx context.Context, rs *runState, step *schema.StepDefinition) (stepEvent, error) {
	for i, tr := range step.Transitions {
		ok, err := e.matches(ctx, rs, tr)
		if err != nil {
			return rs.terminate(outcome{
				status: schema.RunStatusFailed, step: step.Name, code: schema.ErrCodeExecution,
				reason: fmt.Sprintf("transition %d to %q: %s", i, tr.To, err), kind: kindTransitionError,
			}), nil
		}
		if ok {
			return e.follow(rs, step, tr.To)
		}
	}
	e.log(ctx).Warn("no transition matched", "transitions", len(step.Transitions))
	return rs.terminate(outcome{
		status: schema.RunStatusFailed, step: step.Name, code: schema.ErrCodeWorkflowStall,
		reason: fmt.Sprintf("no transition of step %q matched", step.Name), kind: kindWorkflowStall,
	}), nil
}

func (e *Engine) matches(ctx context.Context, rs *runState, tr schema.Transition) (bool, error) {
	switch tr.ConditionType {
	case "", schema.ConditionAlways:
		return true, nil
	case schema.ConditionConditional:
		return condition.Evaluate(tr.ConditionGroup, rs.results)
	case schema.ConditionExpression:
		return e.cel.EvaluateBool(ctx, tr.Expression, rs.results.Data())
	}
	return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown condition type %q", tr.ConditionType)
}

// follow moves to the step named to. Inside a branch, reaching join_on
// records the branch's arrival instead.
func (e *Engine) follow(rs *runState, from *schema.StepDefinition, to string) (stepEvent, error) {
	if rs.branch != nil && to == rs.branch.JoinOn {
		fresh, err := rs.results.RecordArrival(to, rs.branch.Branch, rs.results.LastOutput())
		if err != nil {
			return stepEvent{}, err
		}
		if fresh {
			rs.emit(schema.EventJoinArrived, to, "", map[string]any{"branch": rs.branch.Branch, "from": from.Name})
		}
		return halt(haltArrived), nil
	}
	if rs.onMainPath() {
		rs.run.CurrentStep = to
	}
	return enter(to, nil), nil
}

// finish applies the pending outcome to the run.
func (e *Engine) finish(ctx context.Context, rs *runState) error {
	o := rs.outcome
	payload := map[string]any{}
	if o.reason != "" {
		payload["reason"] = o.reason
	}
	if o.code != "" {
		payload["code"] = o.code
	}
	if err := e.runFSM.Transition(ctx, rs, rs.ref(o.step, ""), rs.run.Status, o.status, payload); err != nil {
		return err
	}

	now := e.now()
	rs.run.Status = o.status
	rs.run.EndTime = &now
	rs.finished = true
	switch o.status {
	case schema.RunStatusFailed:
		rs.results.RecordFailure(o.step, o.reason, o.kind)
		rs.run.Error = o.reason
		rs.run.FailedStep = o.step
		e.log(ctx).Warn("run failed", "step_name", o.step, "kind", o.kind, "reason", o.reason)
	case schema.RunStatusCancelled:
		rs.run.Error = o.reason
		e.log(ctx).Info("run cancelled", "reason", o.reason)
	default:
		e.log(ctx).Info("run completed", "step_name", o.step)
	}

	children, err := e.skipOpenTasks(ctx, rs, string(o.status))
	if err != nil {
		return err
	}
	rs.orphans = append(rs.orphans, children...)
	return nil
}

// skipOpenTasks closes every open task of the run and returns the child runs
// they were waiting on.
func (e *Engine) skipOpenTasks(ctx context.Context, rs *runState, reason string) ([]string, error) {
	open, err := e.store.ListTasks(ctx, store.TaskFilter{RunID: rs.run.ID, Statuses: openStatuses})
	if err != nil {
		return nil, err
	}
	var children []string
	for _, task := range open {
		if err := e.closeTask(ctx, rs, task, schema.TaskStatusSkipped, nil, map[string]any{"reason": reason}); err != nil {
			return nil, err
		}
		if task.ChildRunID != "" {
			children = append(children, task.ChildRunID)
		}
	}
	return children, nil
}

// persist saves the run and flushes the buffered events.
func (e *Engine) persist(ctx context.Context, rs *runState) error {
	rs.run.Results = rs.results.Data()
	rs.run.UpdatedAt = e.now()
	if err := e.store.SaveRun(ctx, rs.run); err != nil {
		return err
	}
	e.flush(ctx, rs)
	return nil
}

func (e *Engine) flush(ctx context.Context, rs *runState) {
	for _, ev := range rs.events {
		if err := e.store.AppendEvent(ctx, ev); err != nil {
			e.log(ctx).Warn("append event failed", "event_type", ev.Type, "error", err)
		}
	}
	rs.events = rs.events[:0]
}

func taskIDOf(t *store.Task) string {
	if t == nil {
		return ""
	}
	return t.ID
}
