package schema

// Event type constants for the run audit log.
const (
	EventRunStarted   = "run.started"
	EventRunSuspended = "run.suspended"
	EventRunResumed   = "run.resumed"
	EventRunCompleted = "run.completed"
	EventRunFailed    = "run.failed"
	EventRunCancelled = "run.cancelled"

	EventStepEntered   = "step.entered"
	EventStepCompleted = "step.completed"
	EventStepFailed    = "step.failed"
	EventStepRetrying  = "step.retrying"
	EventStepRouted    = "step.routed"

	EventTaskCreated   = "task.created"
	EventTaskAssigned  = "task.assigned"
	EventTaskCompleted = "task.completed"
	EventTaskEscalated = "task.escalated"
	EventTaskSkipped   = "task.skipped"

	EventJoinArrived  = "join.arrived"
	EventJoinReleased = "join.released"

	EventSubRunStarted = "subrun.started"
)

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
	RunStatusCancelled  RunStatus = "cancelled"
)

// IsTerminal reports whether no further transitions can happen.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending            TaskStatus = "pending"
	TaskStatusAssigned           TaskStatus = "assigned"
	TaskStatusInProgress         TaskStatus = "in_progress"
	TaskStatusCompleted          TaskStatus = "completed"
	TaskStatusFailed             TaskStatus = "failed"
	TaskStatusSkipped            TaskStatus = "skipped"
	TaskStatusRequiresEscalation TaskStatus = "requires_escalation"
)

// IsOpen reports whether the task still blocks its step.
func (s TaskStatus) IsOpen() bool {
	switch s {
	case TaskStatusPending, TaskStatusAssigned, TaskStatusInProgress, TaskStatusRequiresEscalation:
		return true
	}
	return false
}
