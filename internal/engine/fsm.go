package engine

import (
	"context"
	"sync"

	"github.com/rendis/bankflow/internal/store"
	"github.com/rendis/bankflow/pkg/schema"
)

// EventAppender receives the audit events emitted on status transitions.
// The Store satisfies it, and so does the per-drive event buffer.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// EventRef locates the run, step and task an event belongs to.
type EventRef struct {
	RunID    string
	Workflow string
	StepName string
	TaskID   string
}

// TransitionHook is called after a status transition was accepted.
type TransitionHook func(ctx context.Context, ref EventRef, from, to string)

type hookKey[S ~string] struct{ from, to S }

// StatusMachine validates transitions against a fixed table and emits the
// matching audit event.
type StatusMachine[S ~string] struct {
	kind   string
	table  map[S][]S
	events func(from, to S) string

	mu    sync.RWMutex
	after map[hookKey[S]][]TransitionHook
}

// RunFSM guards workflow run statuses.
type RunFSM = StatusMachine[schema.RunStatus]

// TaskFSM guards task statuses.
type TaskFSM = StatusMachine[schema.TaskStatus]

// NewRunFSM creates the run status machine.
func NewRunFSM() *RunFSM {
	return &RunFSM{kind: "run", table: ValidRunTransitions, events: runEventType, after: map[hookKey[schema.RunStatus]][]TransitionHook{}}
}

// NewTaskFSM creates the task status machine.
func NewTaskFSM() *TaskFSM {
	return &TaskFSM{kind: "task", table: ValidTaskTransitions, events: taskEventType, after: map[hookKey[schema.TaskStatus]][]TransitionHook{}}
}

// OnAfter registers a hook for one transition.
func (m *StatusMachine[S]) OnAfter(from, to S, hook TransitionHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := hookKey[S]{from, to}
	m.after[k] = append(m.after[k], hook)
}

// Allowed reports whether from -> to is in the table.
func (m *StatusMachine[S]) Allowed(from, to S) bool {
	for _, a := range m.table[from] {
		if a == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to, emits the event for to (if any) and runs
// the registered hooks. The caller stores the new status.
func (m *StatusMachine[S]) Transition(ctx context.Context, app EventAppender, ref EventRef, from, to S, payload map[string]any) error {
	if !m.Allowed(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid %s transition: %s -> %s", m.kind, from, to).
			WithStep(ref.StepName).
			WithDetails(map[string]any{"run_id": ref.RunID, "task_id": ref.TaskID, "from": string(from), "to": string(to)})
	}

	if eventType := m.events(from, to); eventType != "" && app != nil {
		ev := &store.Event{RunID: ref.RunID, StepName: ref.StepName, TaskID: ref.TaskID, Type: eventType, Payload: payload}
		if err := app.AppendEvent(ctx, ev); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit %s event: %s", m.kind, err.Error()).WithCause(err)
		}
	}

	m.mu.RLock()
	hooks := m.after[hookKey[S]{from, to}]
	m.mu.RUnlock()
	for _, h := range hooks {
		h(ctx, ref, string(from), string(to))
	}
	return nil
}

func runEventType(from, to schema.RunStatus) string {
	switch to {
	case schema.RunStatusInProgress:
		return schema.EventRunStarted
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	case schema.RunStatusCancelled:
		return schema.EventRunCancelled
	}
	return ""
}

func taskEventType(from, to schema.TaskStatus) string {
	switch to {
	case schema.TaskStatusAssigned:
		return schema.EventTaskAssigned
	case schema.TaskStatusCompleted:
		return schema.EventTaskCompleted
	case schema.TaskStatusRequiresEscalation:
		return schema.EventTaskEscalated
	case schema.TaskStatusSkipped:
		return schema.EventTaskSkipped
	}
	return ""
}

// ValidRunTransitions lists the allowed run status transitions.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:    {schema.RunStatusInProgress, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusInProgress: {schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusCompleted:  {},
	schema.RunStatusFailed:     {},
	schema.RunStatusCancelled:  {},
}

// ValidTaskTransitions lists the allowed task status transitions. Reassigning
// an assigned task is a self transition.
var ValidTaskTransitions = map[schema.TaskStatus][]schema.TaskStatus{
	schema.TaskStatusPending: {
		schema.TaskStatusAssigned, schema.TaskStatusInProgress, schema.TaskStatusCompleted,
		schema.TaskStatusFailed, schema.TaskStatusSkipped, schema.TaskStatusRequiresEscalation,
	},
	schema.TaskStatusAssigned: {
		schema.TaskStatusAssigned, schema.TaskStatusInProgress, schema.TaskStatusCompleted,
		schema.TaskStatusFailed, schema.TaskStatusSkipped, schema.TaskStatusRequiresEscalation,
	},
	schema.TaskStatusInProgress: {
		schema.TaskStatusCompleted, schema.TaskStatusFailed, schema.TaskStatusSkipped,
		schema.TaskStatusRequiresEscalation,
	},
	schema.TaskStatusRequiresEscalation: {
		schema.TaskStatusAssigned, schema.TaskStatusCompleted, schema.TaskStatusFailed, schema.TaskStatusSkipped,
	},
	schema.TaskStatusCompleted: {},
	schema.TaskStatusFailed:    {},
	schema.TaskStatusSkipped:   {},
}
