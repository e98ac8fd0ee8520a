package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/avandra/agora/internal/bus"
	"github.com/avandra/agora/internal/cleanup"
	"github.com/avandra/agora/internal/engine"
	"github.com/avandra/agora/internal/store"
	"github.com/avandra/agora/pkg/schema"
)

// AgoraServerDeps holds the dependencies for creating an AgoraServer.
type AgoraServerDeps struct {
	Bus      *bus.Bus
	Executor *engine.Executor
	Cleanup  *cleanup.Service
	Store    store.Store
	Logger   *slog.Logger
}

// AgoraServer wraps an MCP server with agora-specific tool handlers.
type AgoraServer struct {
	bus       *bus.Bus
	executor  *engine.Executor
	cleanup   *cleanup.Service
	store     store.Store
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewAgoraServer creates a new AgoraServer with all 6 tools registered.
func NewAgoraServer(deps AgoraServerDeps) *AgoraServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &AgoraServer{
		bus:      deps.Bus,
		executor: deps.Executor,
		cleanup:  deps.Cleanup,
		store:    deps.Store,
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"agora",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Agora is a message protocol and workflow engine for agent coordination. Use agora.send to publish messages, agora.read to fetch your pending messages, agora.update_status to acknowledge them, agora.run_workflow to execute a workflow, agora.workflow_status to check progress, and agora.cleanup to archive expired messages."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *AgoraServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *AgoraServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 6 registered MCP tools as ServerTool entries.
func (s *AgoraServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: sendTool(), Handler: s.handleSend},
		{Tool: readTool(), Handler: s.handleRead},
		{Tool: updateStatusTool(), Handler: s.handleUpdateStatus},
		{Tool: runWorkflowTool(), Handler: s.handleRunWorkflow},
		{Tool: workflowStatusTool(), Handler: s.handleWorkflowStatus},
		{Tool: cleanupTool(), Handler: s.handleCleanup},
	}
}

// --- Tool definitions ---

func sendTool() mcp.Tool {
	typeNames := make([]string, len(schema.MessageTypes))
	for i, mt := range schema.MessageTypes {
		typeNames[i] = string(mt)
	}
	return mcp.NewTool("agora.send",
		mcp.WithDescription("Send a message to another agent or broadcast to all agents"),
		mcp.WithString("sender", mcp.Required(), mcp.Description("ID of the sending agent")),
		mcp.WithString("target", mcp.Required(), mcp.Description("ID of the receiving agent, or * for broadcast")),
		mcp.WithString("type", mcp.Required(),
			mcp.Enum(typeNames...),
			mcp.Description("Message type"),
		),
		mcp.WithObject("content", mcp.Required(), mcp.Description("Message content matching the type's schema")),
	)
}

func readTool() mcp.Tool {
	return mcp.NewTool("agora.read",
		mcp.WithDescription("Read messages addressed to an agent (direct or broadcast)"),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("ID of the reading agent")),
		mcp.WithString("sender", mcp.Description("Only messages from this sender")),
		mcp.WithString("type", mcp.Description("Only messages of this type")),
		mcp.WithString("status", mcp.Enum("pending", "processed", "failed"),
			mcp.Description("Only messages in this status (default: pending)")),
		mcp.WithString("since", mcp.Description("Only messages after this RFC3339 timestamp")),
		mcp.WithString("until", mcp.Description("Only messages before this RFC3339 timestamp")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of messages to return")),
	)
}

func updateStatusTool() mcp.Tool {
	return mcp.NewTool("agora.update_status",
		mcp.WithDescription("Mark a message as processed or failed"),
		mcp.WithString("message_id", mcp.Required(), mcp.Description("ID of the message")),
		mcp.WithString("status", mcp.Required(),
			mcp.Enum("processed", "failed"),
			mcp.Description("Terminal status to set"),
		),
		mcp.WithObject("result", mcp.Description("Optional result payload recorded with the status")),
	)
}

func runWorkflowTool() mcp.Tool {
	return mcp.NewTool("agora.run_workflow",
		mcp.WithDescription("Execute a workflow definition and wait for the result"),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("ID of the requesting agent")),
		mcp.WithObject("workflow", mcp.Required(), mcp.Description("Workflow definition: workflow_name, steps, parameters, parallel_execution, failure_strategy")),
	)
}

func workflowStatusTool() mcp.Tool {
	return mcp.NewTool("agora.workflow_status",
		mcp.WithDescription("Get the status of a workflow run and its steps"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the workflow run")),
	)
}

func cleanupTool() mcp.Tool {
	return mcp.NewTool("agora.cleanup",
		mcp.WithDescription("Archive or purge terminal messages older than the retention window"),
		mcp.WithNumber("retention_days", mcp.Description("Retention window in days (default: 30)")),
		mcp.WithString("archive", mcp.Enum("true", "false"),
			mcp.Description("Archive before deleting (default: true)")),
	)
}
