package store

import (
	"time"

	"github.com/rendis/bankflow/pkg/schema"
)

// Run is the persisted state of one workflow instance.
type Run struct {
	ID              string           `json:"run_id"`
	WorkflowID      string           `json:"workflow_id"`
	WorkflowName    string           `json:"workflow_name"`
	WorkflowVersion int              `json:"workflow_version"`
	Status          schema.RunStatus `json:"status"`
	CurrentStep     string           `json:"current_step_name,omitempty"`
	Results         map[string]any   `json:"results_json"`
	ParentRunID     string           `json:"parent_run_id,omitempty"`
	ParentStepName  string           `json:"parent_step_name,omitempty"`
	Error           string           `json:"error,omitempty"`
	FailedStep      string           `json:"failed_step,omitempty"`
	CancelRequested bool             `json:"cancel_requested,omitempty"`
	// Version is bumped by every successful SaveRun.
	Version   int64      `json:"version"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TaskType identifies what a task is waiting on.
type TaskType string

const (
	TaskTypeAgent       TaskType = "agent"
	TaskTypeAPICall     TaskType = "api_call"
	TaskTypeHumanReview TaskType = "human_review"
	TaskTypeDataInput   TaskType = "data_input"
	TaskTypeDecision    TaskType = "decision"
	TaskTypeSubWorkflow TaskType = "sub_workflow"
)

// IsHuman reports whether an operator completes tasks of this type.
func (t TaskType) IsHuman() bool {
	return t == TaskTypeHumanReview || t == TaskTypeDataInput || t == TaskTypeDecision
}

// Task is the durable record of a unit of work inside a run. Open tasks are
// the suspension points a run resumes from.
type Task struct {
	ID               string                   `json:"task_id"`
	RunID            string                   `json:"run_id"`
	StepName         string                   `json:"step_name"`
	Type             TaskType                 `json:"type"`
	AgentID          string                   `json:"agent_id,omitempty"`
	UserID           string                   `json:"user_id,omitempty"`
	Role             string                   `json:"role,omitempty"`
	Status           schema.TaskStatus        `json:"status"`
	Input            map[string]any           `json:"input,omitempty"`
	Output           map[string]any           `json:"output,omitempty"`
	Error            map[string]any           `json:"error,omitempty"`
	Instructions     string                   `json:"instructions,omitempty"`
	DeadlineAt       *time.Time               `json:"deadline_at,omitempty"`
	EscalationPolicy *schema.EscalationPolicy `json:"escalation_policy,omitempty"`
	EscalatedAt      *time.Time               `json:"escalated_at,omitempty"`
	RetryCount       int                      `json:"retry_count"`
	RetryAt          *time.Time               `json:"retry_at,omitempty"`
	ChildRunID       string                   `json:"child_run_id,omitempty"`
	CompletedBy      string                   `json:"completed_by,omitempty"`
	CreatedAt        time.Time                `json:"created_at"`
	UpdatedAt        time.Time                `json:"updated_at"`
	CompletedAt      *time.Time               `json:"completed_at,omitempty"`
}

// Event is an append-only audit entry for a run.
type Event struct {
	ID        int64          `json:"id"`
	RunID     string         `json:"run_id"`
	StepName  string         `json:"step_name,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Type      string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Sequence  int64          `json:"sequence"`
}

// Trigger starts a run of a definition on a cron schedule.
type Trigger struct {
	ID             string               `json:"id"`
	Definition     schema.DefinitionRef `json:"definition"`
	CronExpression string               `json:"cron_expression"`
	Input          map[string]any       `json:"input,omitempty"`
	Enabled        bool                 `json:"enabled"`
	LastRunAt      *time.Time           `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time           `json:"next_run_at,omitempty"`
	LastRunStatus  string               `json:"last_run_status,omitempty"`
	LastRunID      string               `json:"last_run_id,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
}

// --- Filter and update types ---

// DefinitionFilter specifies criteria for listing definitions.
type DefinitionFilter struct {
	Name       string `json:"name,omitempty"`
	ActiveOnly bool   `json:"active_only,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status       *schema.RunStatus `json:"status,omitempty"`
	WorkflowName string            `json:"workflow_name,omitempty"`
	ParentRunID  string            `json:"parent_run_id,omitempty"`
	Limit        int               `json:"limit,omitempty"`
	Offset       int               `json:"offset,omitempty"`
}

// TaskFilter specifies criteria for listing tasks. Every set field must match.
type TaskFilter struct {
	RunID    string              `json:"run_id,omitempty"`
	StepName string              `json:"step_name,omitempty"`
	Statuses []schema.TaskStatus `json:"statuses,omitempty"`
	Type     TaskType            `json:"type,omitempty"`
	UserID   string              `json:"user_id,omitempty"`
	Role     string              `json:"role,omitempty"`
	// DeadlineBefore selects tasks whose deadline_at is at or before the instant.
	DeadlineBefore *time.Time `json:"deadline_before,omitempty"`
	// RetryDueBefore selects tasks whose retry_at is at or before the instant.
	RetryDueBefore *time.Time `json:"retry_due_before,omitempty"`
	Limit          int        `json:"limit,omitempty"`
}

// TriggerFilter specifies criteria for listing triggers.
type TriggerFilter struct {
	Enabled *bool `json:"enabled,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}

// TriggerUpdate specifies mutable fields of a trigger.
type TriggerUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	LastRunID     string     `json:"last_run_id,omitempty"`
}
