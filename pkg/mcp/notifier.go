package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/bankflow/internal/store"
)

// TaskNotifier tells operators that a human task is waiting on them.
type TaskNotifier interface {
	TaskWaiting(ctx context.Context, task *store.Task) error
}

// MCPNotifier pushes task notifications as MCP log messages to the sessions
// of the operators a task is assigned to.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *OperatorSessions
}

// NewMCPNotifier creates a notifier that pushes through mcpServer.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *OperatorSessions) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// TaskWaiting notifies every connected recipient of task. Operators whose
// session has gone away are disconnected and skipped.
func (n *MCPNotifier) TaskWaiting(_ context.Context, task *store.Task) error {
	params := map[string]any{
		"level":  "info",
		"logger": "bankflow.tasks",
		"data":   taskWaitingPayload(task),
	}
	var errs []error
	for _, actor := range n.sessions.Recipients(task) {
		sessionID, ok := n.sessions.SessionFor(actor)
		if !ok {
			continue
		}
		err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", params)
		switch {
		case errors.Is(err, server.ErrSessionNotFound):
			n.sessions.Disconnect(sessionID)
		case err != nil:
			errs = append(errs, fmt.Errorf("notify %s: %w", actor, err))
		}
	}
	return errors.Join(errs...)
}

// taskWaitingPayload describes a waiting task to the operator who must act
// on it.
func taskWaitingPayload(task *store.Task) map[string]any {
	data := map[string]any{
		"event":     "task.waiting",
		"task_id":   task.ID,
		"run_id":    task.RunID,
		"step_name": task.StepName,
		"type":      task.Type,
		"status":    task.Status,
	}
	if task.UserID != "" {
		data["assigned_to"] = task.UserID
	} else {
		data["assigned_role"] = task.Role
	}
	if task.Instructions != "" {
		data["instructions"] = task.Instructions
	}
	if task.DeadlineAt != nil {
		data["deadline_at"] = task.DeadlineAt.UTC().Format(time.RFC3339)
	}
	if task.EscalatedAt != nil {
		data["escalated"] = true
	}
	return data
}
