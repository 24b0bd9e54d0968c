// Package mcpserver exposes forge's tool registry as an MCP server:
// list_projects, open_project,
// and every tool.Registry entry whose ToolSpec.SupportedModes contains
// protocol.McpServer. It holds no session state beyond per-request; a
// fresh tool.Context is built for each call, scoped to the configured
// working directory rather than a persisted session.
//
// Grounded on a reference MCP calculator server (server construction
// and handler registration idiom) using the same mark3labs/mcp-go
// dependency, generalized from one hand-written tool to the whole
// dynamically-typed tool.Registry.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/forgecode/forge/internal/logging"
	"github.com/forgecode/forge/internal/project"
	"github.com/forgecode/forge/internal/tool"
	"github.com/forgecode/forge/pkg/protocol"
)

// Server wraps a tool.Registry and project.Service as an MCP server.
type Server struct {
	registry *tool.Registry
	projects *project.Service
	workDir  string
	mcp      *server.MCPServer
}

// New builds the MCP server and registers every registry tool whose
// spec supports protocol.McpServer, plus list_projects/open_project.
func New(workDir string, registry *tool.Registry, projects *project.Service, name, version string) *Server {
	s := &Server{
		registry: registry,
		projects: projects,
		workDir:  workDir,
		mcp: server.NewMCPServer(
			name,
			version,
			server.WithToolCapabilities(true),
		),
	}

	s.registerProjectTools()
	s.registerRegistryTools()

	return s
}

// MCPServer returns the underlying mark3labs/mcp-go server, for the
// caller to run over stdio or SSE (cmd/forge's "server" subcommand
// decides the transport; this package only builds handlers).
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) registerProjectTools() {
	listProjects := mcp.NewTool("list_projects",
		mcp.WithDescription("Lists known projects (currently the server's working directory)."),
	)
	s.mcp.AddTool(listProjects, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		projects, err := s.projects.List(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		body, err := json.MarshalIndent(projects, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(body)), nil
	})

	openProject := mcp.NewTool("open_project",
		mcp.WithDescription("Returns metadata for the project at the given directory."),
		mcp.WithString("directory", mcp.Required(), mcp.Description("Absolute path to the project directory")),
	)
	s.mcp.AddTool(openProject, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dir, ok := req.GetArguments()["directory"].(string)
		if !ok || dir == "" {
			return mcp.NewToolResultError("directory argument is required"), nil
		}
		p, err := s.projects.CurrentForDir(ctx, dir)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		body, err := json.MarshalIndent(p, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(body)), nil
	})
}

// registerRegistryTools adds one mark3labs/mcp-go handler per
// tool.Registry entry available in protocol.McpServer mode, converting
// the caller's JSON-RPC arguments into the tool's declared JSON input
// and its Result back into a CallToolResult, simplified to the
// text-output case since MCP has no history to deduplicate against.
func (s *Server) registerRegistryTools() {
	for _, spec := range s.registry.SpecsForMode(protocol.McpServer) {
		t, ok := s.registry.Get(spec.Name)
		if !ok {
			continue
		}

		schema := spec.ParametersSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}

		mcpTool := mcp.NewToolWithRawSchema(spec.Name, spec.Description, schema)
		s.mcp.AddTool(mcpTool, s.handlerFor(t))
	}
}

func (s *Server) handlerFor(t tool.Tool) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		input, err := json.Marshal(req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("encoding arguments: %v", err)), nil
		}

		if err := s.registry.Validate(t.ID(), input); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}

		abortCh := make(chan struct{})
		toolCtx := &tool.Context{
			SessionID: "mcp",
			WorkDir:   s.workDir,
			AbortCh:   abortCh,
		}

		result, err := t.Execute(ctx, input, toolCtx)
		if err != nil {
			logging.Warn().Str("tool", t.ID()).Err(err).Msg("mcp tool call failed")
			return mcp.NewToolResultError(err.Error()), nil
		}

		return mcp.NewToolResultText(result.Output), nil
	}
}
