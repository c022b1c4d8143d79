// Package mcp exposes the bankflow engine to operators and agents as MCP
// tools over stdio.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/bankflow/internal/store"
	"github.com/rendis/bankflow/pkg/schema"
)

// Engine is the part of the workflow engine the tools drive. Satisfied by
// *engine.Engine.
type Engine interface {
	RegisterDefinition(ctx context.Context, def *schema.WorkflowDefinition) (*schema.ValidationResult, error)
	StartRun(ctx context.Context, ref schema.DefinitionRef, input map[string]any) (*store.Run, error)
	ResumeOnTaskCompletion(ctx context.Context, taskID string, output map[string]any, actorID string) (*store.Run, error)
	CancelRun(ctx context.Context, runID, reason string) (*store.Run, error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Engine  Engine
	Store   store.Store
	Logger  *slog.Logger
	Version string
}

// Server wraps an MCP server with the bankflow tool handlers.
type Server struct {
	engine    Engine
	store     store.Store
	logger    *slog.Logger
	sessions  *OperatorSessions
	notifier  TaskNotifier
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every bankflow tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		engine:   deps.Engine,
		store:    deps.Store,
		logger:   logger,
		sessions: NewOperatorSessions(),
	}

	mcpSrv := server.NewMCPServer(
		"bankflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Bankflow runs bank operation workflows. Use bankflow.define to register a definition, "+
			"bankflow.start_run to start it, bankflow.tasks to find work waiting on people, bankflow.complete_task "+
			"to hand in a task's output, bankflow.status to inspect a run and bankflow.cancel to stop it."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for tests or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: startRunTool(), Handler: s.handleStartRun},
		{Tool: completeTaskTool(), Handler: s.handleCompleteTask},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: tasksTool(), Handler: s.handleTasks},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("bankflow.define",
		mcp.WithDescription("Validate and register a workflow definition as the next version of its name"),
		mcp.WithObject("definition", mcp.Description("Workflow definition object")),
		mcp.WithString("document", mcp.Description("Workflow definition as a JSON or YAML document, used when definition is absent")),
	)
}

func startRunTool() mcp.Tool {
	return mcp.NewTool("bankflow.start_run",
		mcp.WithDescription("Start a run of a registered workflow"),
		mcp.WithString("workflow_name", mcp.Description("Workflow name; resolves the active version unless version is set")),
		mcp.WithNumber("version", mcp.Description("Definition version")),
		mcp.WithString("definition_id", mcp.Description("Definition ID, instead of a name")),
		mcp.WithObject("input", mcp.Description("Triggering payload, available to steps as context")),
		mcp.WithString("actor_id", mcp.Description("Operator or agent starting the run")),
	)
}

func completeTaskTool() mcp.Tool {
	return mcp.NewTool("bankflow.complete_task",
		mcp.WithDescription("Complete a waiting task with its output and resume the run"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task to complete")),
		mcp.WithObject("output", mcp.Required(), mcp.Description("Task output merged into the run's results")),
		mcp.WithString("actor_id", mcp.Required(), mcp.Description("Operator completing the task")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("bankflow.status",
		mcp.WithDescription("Get a run's status, results and open tasks"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithBoolean("include_events", mcp.Description("Include the run's event log")),
		mcp.WithNumber("since", mcp.Description("Only events after this sequence number")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("bankflow.cancel",
		mcp.WithDescription("Cancel a run; open tasks are skipped and child runs cancelled"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithString("reason", mcp.Description("Why the run is cancelled")),
	)
}

func tasksTool() mcp.Tool {
	return mcp.NewTool("bankflow.tasks",
		mcp.WithDescription("List tasks, by default the open ones"),
		mcp.WithString("run_id", mcp.Description("Only tasks of this run")),
		mcp.WithString("user_id", mcp.Description("Only tasks assigned to this user")),
		mcp.WithString("role", mcp.Description("Only tasks assigned to this role")),
		mcp.WithString("actor_id", mcp.Description("Operator listing the queue; with role, subscribes to its new tasks")),
		mcp.WithString("status",
			mcp.Enum("open", "pending", "assigned", "in_progress", "completed", "failed", "skipped", "requires_escalation"),
			mcp.Description("Task status filter (default: open)"),
		),
		mcp.WithNumber("limit", mcp.Description("Maximum number of tasks (default: 50)")),
	)
}
