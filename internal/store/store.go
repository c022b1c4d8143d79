package store

import (
	"context"

	"github.com/rendis/bankflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use. Not-found lookups
// return a NOT_FOUND BankflowError; stale SaveRun calls return CONFLICT.
type Store interface {
	// Definitions. CreateDefinition assigns the next version for the name,
	// activates it and deactivates the previously active version.
	CreateDefinition(ctx context.Context, def *schema.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	// GetDefinitionByName resolves version 0 to the active version.
	GetDefinitionByName(ctx context.Context, name string, version int) (*schema.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error)

	// Runs. SaveRun succeeds only when run.Version matches the stored
	// version and then increments run.Version.
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	SaveRun(ctx context.Context, run *Run) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Tasks
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, task *Task) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)

	// Event log (append-only, per-run sequence)
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, runID string, since int64) ([]*Event, error)

	// Cron triggers
	CreateTrigger(ctx context.Context, trigger *Trigger) error
	GetTrigger(ctx context.Context, id string) (*Trigger, error)
	UpdateTrigger(ctx context.Context, id string, update TriggerUpdate) error
	ListTriggers(ctx context.Context, filter TriggerFilter) ([]*Trigger, error)
	DeleteTrigger(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

// ResolveDefinition loads the definition a ref points at.
func ResolveDefinition(ctx context.Context, s Store, ref schema.DefinitionRef) (*schema.WorkflowDefinition, error) {
	switch {
	case ref.ID != "":
		return s.GetDefinition(ctx, ref.ID)
	case ref.Name != "":
		return s.GetDefinitionByName(ctx, ref.Name, ref.Version)
	default:
		return nil, schema.NewError(schema.ErrCodeValidation, "definition reference needs an id or a name")
	}
}
