package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/rendis/bankflow/internal/store"
	"github.com/rendis/bankflow/pkg/schema"
)

// createTask stores a new task of the current run and records task.created.
func (e *Engine) createTask(ctx context.Context, rs *runState, task *store.Task) error {
	now := e.now()
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.RunID = rs.run.ID
	task.CreatedAt = now
	task.UpdatedAt = now
	if err := e.store.CreateTask(ctx, task); err != nil {
		return err
	}

	payload := map[string]any{"type": string(task.Type), "status": string(task.Status)}
	if task.UserID != "" {
		payload["user_id"] = task.UserID
	}
	if task.Role != "" {
		payload["role"] = task.Role
	}
	if task.DeadlineAt != nil {
		payload["deadline_at"] = task.DeadlineAt.UnixMicro()
	}
	rs.emit(schema.EventTaskCreated, task.StepName, task.ID, payload)
	return nil
}

// closeTask moves task to a terminal status and stores it. A nil output
// leaves the task output untouched.
func (e *Engine) closeTask(ctx context.Context, rs *runState, task *store.Task, status schema.TaskStatus, output map[string]any, payload map[string]any) error {
	if err := e.taskFSM.Transition(ctx, rs, rs.ref(task.StepName, task.ID), task.Status, status, payload); err != nil {
		return err
	}
	now := e.now()
	task.Status = status
	if output != nil {
		task.Output = output
	}
	task.RetryAt = nil
	task.CompletedAt = &now
	task.UpdatedAt = now
	return e.store.UpdateTask(ctx, task)
}

// updateTask stores in-place changes such as retry bookkeeping.
func (e *Engine) updateTask(ctx context.Context, task *store.Task) error {
	task.UpdatedAt = e.now()
	return e.store.UpdateTask(ctx, task)
}
