package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/skeinhq/skein/internal/engine"
	"github.com/skeinhq/skein/internal/store"
	"github.com/skeinhq/skein/internal/typesys"
	"github.com/skeinhq/skein/pkg/schema"
)

// RunEngine is the engine surface the MCP tools drive.
type RunEngine interface {
	SubmitRun(ctx context.Context, wf *schema.WorkflowGraph, inputs map[string]schema.WireValue) (string, error)
	RunStatus(ctx context.Context, runID string) (*engine.RunSnapshot, error)
	CancelRun(ctx context.Context, runID string, reason string) error
}

// GraphChecker validates graphs and node definitions before they are stored.
type GraphChecker interface {
	Validate(ctx context.Context, wf *schema.WorkflowGraph, defs map[string]*schema.NodeDefinition) *schema.ValidationResult
	CheckDefinition(def *schema.NodeDefinition) error
}

// SkeinServerDeps holds the dependencies for creating a SkeinServer.
type SkeinServerDeps struct {
	Engine      RunEngine
	Store       store.Store
	Types       *typesys.Registry
	Conversions *typesys.Conversions
	Checker     GraphChecker
	Logger      *slog.Logger
}

// SkeinServer wraps an MCP server with skein-specific tool handlers.
type SkeinServer struct {
	engine      RunEngine
	store       store.Store
	types       *typesys.Registry
	conversions *typesys.Conversions
	checker     GraphChecker
	logger      *slog.Logger
	sessions    *SessionRegistry
	mcpServer   *server.MCPServer
}

// NewSkeinServer creates a new SkeinServer with all tools registered.
func NewSkeinServer(deps SkeinServerDeps) *SkeinServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &SkeinServer{
		engine:      deps.Engine,
		store:       deps.Store,
		types:       deps.Types,
		conversions: deps.Conversions,
		checker:     deps.Checker,
		logger:      logger,
		sessions:    NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"skein",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Skein is a typed dataflow workflow engine running script nodes in disposable sandboxes. Use skein.define to register node definitions, skein.graph to validate and save workflow graphs, skein.submit to start a run, skein.status and skein.watch to follow it, skein.cancel to stop it, skein.trigger to manage cron schedules, skein.types to inspect the data type registry, and skein.query to list runs/events/definitions/graphs/triggers."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *SkeinServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *SkeinServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the run watcher registry for wiring the notifier.
func (s *SkeinServer) Sessions() *SessionRegistry {
	return s.sessions
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *SkeinServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: submitTool(), Handler: s.handleSubmit},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: graphTool(), Handler: s.handleGraph},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: typesTool(), Handler: s.handleTypes},
		{Tool: triggerTool(), Handler: s.handleTrigger},
		{Tool: watchTool(), Handler: s.handleWatch},
	}
}

// --- Tool definitions ---

func submitTool() mcp.Tool {
	return mcp.NewTool("skein.submit",
		mcp.WithDescription("Submit a workflow graph for execution. Accepts a saved graph ID or an inline graph object"),
		mcp.WithString("graph_id", mcp.Description("ID of a saved graph to execute")),
		mcp.WithObject("graph", mcp.Description("Inline workflow graph object (used when graph_id is not set)")),
		mcp.WithObject("inputs", mcp.Description("Initial input values keyed by 'node_id.port'")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("skein.status",
		mcp.WithDescription("Get run status, per-node records, and the event history"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("skein.cancel",
		mcp.WithDescription("Cancel a run. In-flight nodes are interrupted; completed node results are preserved"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
		mcp.WithString("reason", mcp.Description("Reason recorded on the run")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("skein.define",
		mcp.WithDescription("Register a script node definition. Each call produces a new immutable version"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Node definition object (id, name, inputs, outputs, script, entry, runtime, dependencies)")),
	)
}

func graphTool() mcp.Tool {
	return mcp.NewTool("skein.graph",
		mcp.WithDescription("Validate a workflow graph against registered definitions and save it for later submission"),
		mcp.WithString("name", mcp.Description("Human-readable graph name")),
		mcp.WithObject("graph", mcp.Required(), mcp.Description("Workflow graph object (nodes, connections, concurrency)")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("skein.query",
		mcp.WithDescription("Query runs, events, definitions, graphs, or triggers"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("runs", "events", "definitions", "graphs", "triggers"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, graph_id, run_id, node_id, event_type, since, limit, enabled)")),
	)
}

func typesTool() mcp.Tool {
	return mcp.NewTool("skein.types",
		mcp.WithDescription("List registered data types, check what a given output type can connect to, or ask whether a specific pair is connectable and which conversion operator bridges it if not"),
		mcp.WithString("output_type", mcp.Description("Output type ID to resolve compatible input types for (default: list all types)")),
		mcp.WithString("input_type", mcp.Description("Input type ID to check against output_type; the result includes a suggested conversion when the pair is incompatible")),
	)
}

func triggerTool() mcp.Tool {
	return mcp.NewTool("skein.trigger",
		mcp.WithDescription("Manage cron triggers that submit runs of a saved graph on schedule"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("create", "enable", "disable", "delete"),
			mcp.Description("Trigger operation"),
		),
		mcp.WithString("trigger_id", mcp.Description("Trigger ID (required for enable/disable/delete)")),
		mcp.WithString("graph_id", mcp.Description("Saved graph ID (required for create)")),
		mcp.WithString("cron", mcp.Description("Five-field cron expression (required for create)")),
		mcp.WithString("filter", mcp.Description("Optional boolean expression gating each firing (e.g. 'hour >= 9 && weekday != 0')")),
		mcp.WithObject("inputs", mcp.Description("Initial inputs forwarded to every triggered run")),
	)
}

func watchTool() mcp.Tool {
	return mcp.NewTool("skein.watch",
		mcp.WithDescription("Receive push notifications for a run's lifecycle events on this session"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to watch")),
	)
}
