package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/bankflow/internal/store"
	"github.com/rendis/bankflow/pkg/schema"
)

var openStatuses = []schema.TaskStatus{
	schema.TaskStatusPending, schema.TaskStatusAssigned,
	schema.TaskStatusInProgress, schema.TaskStatusRequiresEscalation,
}

// handleDefine registers a definition given as an object or a document.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var raw []byte
	if obj := mcp.ParseStringMap(req, "definition", nil); obj != nil {
		b, err := json.Marshal(obj)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
		}
		raw = b
	} else if doc := req.GetString("document", ""); doc != "" {
		raw = []byte(doc)
	} else {
		return mcp.NewToolResultError("definition or document is required"), nil
	}

	def, err := schema.ParseDefinition(raw)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	result, err := s.engine.RegisterDefinition(ctx, def)
	if err != nil {
		if result != nil && !result.Valid() {
			return validationError(result), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("register definition: %v", err)), nil
	}

	out := map[string]any{
		"definition_id": def.ID,
		"name":          def.Name,
		"version":       def.Version,
	}
	if result != nil && len(result.Warnings) > 0 {
		out["warnings"] = result.Warnings
	}
	return marshalResult(out)
}

// handleStartRun starts a run and returns it once it suspends or ends.
func (s *Server) handleStartRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref := schema.DefinitionRef{
		ID:      req.GetString("definition_id", ""),
		Name:    req.GetString("workflow_name", ""),
		Version: req.GetInt("version", 0),
	}
	if ref.ID == "" && ref.Name == "" {
		return mcp.NewToolResultError("workflow_name or definition_id is required"), nil
	}
	if actor := req.GetString("actor_id", ""); actor != "" {
		s.captureSession(ctx, actor)
	}

	run, err := s.engine.StartRun(ctx, ref, mcp.ParseStringMap(req, "input", nil))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start run: %v", err)), nil
	}
	s.notifyOpenTasks(ctx, run.ID)
	return marshalResult(runSummary(run))
}

// handleCompleteTask hands in a task's output and resumes its run.
func (s *Server) handleCompleteTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	actorID, err := req.RequireString("actor_id")
	if err != nil {
		return mcp.NewToolResultError("actor_id is required"), nil
	}
	output := mcp.ParseStringMap(req, "output", nil)
	if output == nil {
		return mcp.NewToolResultError("output is required"), nil
	}
	s.captureSession(ctx, actorID)

	run, err := s.engine.ResumeOnTaskCompletion(ctx, taskID, output, actorID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("complete task: %v", err)), nil
	}
	s.notifyOpenTasks(ctx, run.ID)
	return marshalResult(runSummary(run))
}

// handleStatus returns a run, its open tasks and optionally its events.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	tasks, err := s.store.ListTasks(ctx, store.TaskFilter{RunID: runID, Statuses: openStatuses})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}

	out := runSummary(run)
	out["results"] = run.Results
	out["open_tasks"] = tasks
	if req.GetBool("include_events", false) {
		events, err := s.store.ListEvents(ctx, runID, int64(req.GetInt("since", 0)))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", err)), nil
		}
		out["events"] = events
	}
	return marshalResult(out)
}

// handleCancel cancels a run.
func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	run, err := s.engine.CancelRun(ctx, runID, req.GetString("reason", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", err)), nil
	}
	return marshalResult(runSummary(run))
}

// handleTasks lists tasks matching the filter. An actor listing a role's
// queue is notified of new tasks for that role.
func (s *Server) handleTasks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.TaskFilter{
		RunID:  req.GetString("run_id", ""),
		UserID: req.GetString("user_id", ""),
		Role:   req.GetString("role", ""),
		Limit:  req.GetInt("limit", 50),
	}
	if actor := req.GetString("actor_id", ""); actor != "" {
		if filter.Role != "" {
			s.captureSession(ctx, actor, filter.Role)
		} else {
			s.captureSession(ctx, actor)
		}
	}
	switch status := req.GetString("status", "open"); status {
	case "", "open":
		filter.Statuses = openStatuses
	default:
		filter.Statuses = []schema.TaskStatus{schema.TaskStatus(status)}
	}

	tasks, err := s.store.ListTasks(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("task query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"tasks": tasks})
}

// --- Internal helpers ---

func runSummary(run *store.Run) map[string]any {
	out := map[string]any{
		"run_id":           run.ID,
		"workflow_name":    run.WorkflowName,
		"workflow_version": run.WorkflowVersion,
		"status":           run.Status,
		"current_step":     run.CurrentStep,
	}
	if run.Error != "" {
		out["error"] = run.Error
	}
	if run.FailedStep != "" {
		out["failed_step"] = run.FailedStep
	}
	if run.ParentRunID != "" {
		out["parent_run_id"] = run.ParentRunID
	}
	return out
}

func validationError(result *schema.ValidationResult) *mcp.CallToolResult {
	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError("definition is invalid")
	}
	return mcp.NewToolResultError("definition is invalid: " + string(data))
}

// notifyOpenTasks tells connected operators about the run's open human tasks.
func (s *Server) notifyOpenTasks(ctx context.Context, runID string) {
	if s.store == nil || s.notifier == nil {
		return
	}
	tasks, err := s.store.ListTasks(ctx, store.TaskFilter{RunID: runID, Statuses: openStatuses})
	if err != nil {
		s.logger.WarnContext(ctx, "list tasks for notification", "run_id", runID, "error", err)
		return
	}
	for _, t := range tasks {
		if !t.Type.IsHuman() || (t.UserID == "" && t.Role == "") {
			continue
		}
		if err := s.notifier.TaskWaiting(ctx, t); err != nil {
			s.logger.WarnContext(ctx, "task notification failed", "task_id", t.ID, "user_id", t.UserID, "role", t.Role, "error", err)
		}
	}
}

// captureSession binds the actor to its current MCP session and, when
// roles are given, subscribes it to those role queues.
func (s *Server) captureSession(ctx context.Context, actorID string, roles ...string) {
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return
	}
	s.sessions.Connect(actorID, session.SessionID())
	for _, role := range roles {
		s.sessions.Watch(actorID, role)
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
