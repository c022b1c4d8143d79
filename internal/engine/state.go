package engine

import (
	"context"
	"time"

	"github.com/rendis/bankflow/internal/execctx"
	"github.com/rendis/bankflow/internal/store"
	"github.com/rendis/bankflow/pkg/schema"
)

type eventKind int

const (
	eventStart eventKind = iota
	eventEnter
	eventOutput
	eventFailure
	eventHalt
)

// haltReason says why the driver loop stopped.
type haltReason int

const (
	haltSuspended haltReason = iota + 1 // waiting on a task, a timer, a child run or a join
	haltTerminal                        // the run reached a terminal status
	haltArrived                         // a branch reached its join
	haltCancelled                       // cancellation was requested between steps
	haltStale                           // nothing to do: the join already fired
)

// stepEvent is the input and the result of processStep.
type stepEvent struct {
	kind   eventKind
	step   string
	output map[string]any
	err    *schema.BankflowError
	task   *store.Task
	halt   haltReason
}

func enter(step string, task *store.Task) stepEvent {
	return stepEvent{kind: eventEnter, step: step, task: task}
}

func stepOutput(step string, output map[string]any, task *store.Task) stepEvent {
	if output == nil {
		output = map[string]any{}
	}
	return stepEvent{kind: eventOutput, step: step, output: output, task: task}
}

func stepFailure(step string, err *schema.BankflowError, task *store.Task) stepEvent {
	return stepEvent{kind: eventFailure, step: step, err: err, task: task}
}

func halt(r haltReason) stepEvent {
	return stepEvent{kind: eventHalt, halt: r}
}

func (ev stepEvent) taskID() string {
	if ev.task == nil {
		return ""
	}
	return ev.task.ID
}

// outcome is a terminal result waiting to be applied to the run.
type outcome struct {
	status schema.RunStatus
	step   string
	code   string
	reason string
	kind   string
}

// Failure kinds recorded under __failure__.kind.
const (
	kindStepFailed      = "step_failed"
	kindWorkflowStall   = "workflow_stall"
	kindTransitionError = "transition_error"
	kindEndFailed       = "end_failed"
	kindCancelled       = "cancelled"
)

// runState is everything one drive of a run works on. Forked states belong
// to a single parallel branch: they share the run record read-only, buffer
// their events and leave persistence to the parent.
type runState struct {
	run     *store.Run
	def     *schema.WorkflowDefinition
	idx     *schema.StepIndex
	results *execctx.Context

	branch *schema.BranchRef
	forked bool

	outcome *outcome
	events  []*store.Event

	// finished is set once this drive moved the run to a terminal status.
	finished bool
	// inline marks a child run started from its parent's sub_workflow step;
	// the parent consumes the result itself.
	inline  bool
	orphans []string

	clock func() time.Time
}

func newRunState(run *store.Run, def *schema.WorkflowDefinition) *runState {
	return &runState{
		run:     run,
		def:     def,
		idx:     def.Index(),
		results: execctx.From(run.Results),
	}
}

func (rs *runState) fork(ref schema.BranchRef) *runState {
	return &runState{
		run:     rs.run,
		def:     rs.def,
		idx:     rs.idx,
		results: rs.results.Fork(),
		branch:  &ref,
		forked:  true,
		clock:   rs.clock,
	}
}

// scope points the state at the branch owning step, or at the main path.
func (rs *runState) scope(step string) *runState {
	if ref, ok := rs.idx.BranchOf(step); ok {
		rs.branch = &ref
	} else {
		rs.branch = nil
	}
	return rs
}

func (rs *runState) onMainPath() bool {
	return !rs.forked && rs.branch == nil
}

func (rs *runState) terminate(o outcome) stepEvent {
	rs.outcome = &o
	return halt(haltTerminal)
}

func (rs *runState) ref(step, taskID string) EventRef {
	return EventRef{RunID: rs.run.ID, Workflow: rs.run.WorkflowName, StepName: step, TaskID: taskID}
}

// AppendEvent buffers ev until the next persist.
func (rs *runState) AppendEvent(_ context.Context, ev *store.Event) error {
	if ev.Timestamp.IsZero() && rs.clock != nil {
		ev.Timestamp = rs.clock()
	}
	rs.events = append(rs.events, ev)
	return nil
}

func (rs *runState) emit(eventType, step, taskID string, payload map[string]any) {
	_ = rs.AppendEvent(context.Background(), &store.Event{
		RunID:    rs.run.ID,
		StepName: step,
		TaskID:   taskID,
		Type:     eventType,
		Payload:  payload,
	})
}
